package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"classwatch-backend/internal/models"
)

type SchoolRepo struct {
	pool *pgxpool.Pool
}

func NewSchoolRepo(pool *pgxpool.Pool) *SchoolRepo {
	return &SchoolRepo{pool: pool}
}

func (r *SchoolRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.School, error) {
	school := &models.School{}
	query := `SELECT id, name, staff_credential_hash, device_credential_hash,
		timezone, tracking_start_minute, tracking_end_minute, tracking_weekdays, created_at
		FROM schools WHERE id = $1`

	err := r.pool.QueryRow(ctx, query, id).Scan(
		&school.ID, &school.Name, &school.StaffCredentialHash, &school.DeviceCredentialHash,
		&school.Timezone, &school.TrackingStartMinute, &school.TrackingEndMinute,
		&school.TrackingWeekdays, &school.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return school, nil
}

func (r *SchoolRepo) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM schools`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, scanErr
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
