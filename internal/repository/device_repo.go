package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"classwatch-backend/internal/models"
)

type DeviceRepo struct {
	pool *pgxpool.Pool
}

func NewDeviceRepo(pool *pgxpool.Pool) *DeviceRepo {
	return &DeviceRepo{pool: pool}
}

// Register creates the device on first sight and updates it in place on
// re-registration. Devices are never auto-deleted.
func (r *DeviceRepo) Register(ctx context.Context, device *models.Device) error {
	query := `
		INSERT INTO devices (id, school_id, class_id, display_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET school_id = EXCLUDED.school_id,
		    class_id = EXCLUDED.class_id,
		    display_name = EXCLUDED.display_name,
		    updated_at = NOW()
		RETURNING created_at, updated_at`

	return r.pool.QueryRow(ctx, query,
		device.ID, device.SchoolID, device.ClassID, device.DisplayName,
	).Scan(&device.CreatedAt, &device.UpdatedAt)
}

func (r *DeviceRepo) GetByID(ctx context.Context, id string) (*models.Device, error) {
	device := &models.Device{}
	query := `SELECT id, school_id, class_id, display_name, created_at, updated_at
		FROM devices WHERE id = $1`

	err := r.pool.QueryRow(ctx, query, id).Scan(
		&device.ID, &device.SchoolID, &device.ClassID, &device.DisplayName,
		&device.CreatedAt, &device.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return device, nil
}

func (r *DeviceRepo) ListBySchool(ctx context.Context, schoolID uuid.UUID) ([]models.Device, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, school_id, class_id, display_name, created_at, updated_at
		FROM devices WHERE school_id = $1 ORDER BY display_name
	`, schoolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := make([]models.Device, 0)
	for rows.Next() {
		var d models.Device
		if scanErr := rows.Scan(&d.ID, &d.SchoolID, &d.ClassID, &d.DisplayName, &d.CreatedAt, &d.UpdatedAt); scanErr != nil {
			return nil, scanErr
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
