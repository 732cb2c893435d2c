package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"classwatch-backend/internal/models"
)

type LinkRepo struct {
	pool *pgxpool.Pool
}

func NewLinkRepo(pool *pgxpool.Pool) *LinkRepo {
	return &LinkRepo{pool: pool}
}

// Upsert records that an identity was just seen on a device. Concurrent
// heartbeats for the same pair both succeed; the newest last_seen_at wins.
func (r *LinkRepo) Upsert(ctx context.Context, deviceID string, identityID uuid.UUID, seenAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO device_identity_links (device_id, identity_id, last_seen_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_id, identity_id) DO UPDATE
		SET last_seen_at = GREATEST(device_identity_links.last_seen_at, EXCLUDED.last_seen_at)
	`, deviceID, identityID, seenAt)
	return err
}

func (r *LinkRepo) ListByIdentity(ctx context.Context, identityID uuid.UUID) ([]models.DeviceIdentityLink, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT device_id, identity_id, last_seen_at
		FROM device_identity_links WHERE identity_id = $1
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	links := make([]models.DeviceIdentityLink, 0)
	for rows.Next() {
		var l models.DeviceIdentityLink
		if scanErr := rows.Scan(&l.DeviceID, &l.IdentityID, &l.LastSeenAt); scanErr != nil {
			return nil, scanErr
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// SetActiveOccupant makes identityID the single active occupant of a
// device, replacing any previous occupant.
func (r *LinkRepo) SetActiveOccupant(ctx context.Context, deviceID string, identityID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO active_occupants (device_id, identity_id, set_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (device_id) DO UPDATE
		SET identity_id = EXCLUDED.identity_id, set_at = NOW()
	`, deviceID, identityID)
	return err
}

func (r *LinkRepo) GetActiveOccupant(ctx context.Context, deviceID string) (*uuid.UUID, error) {
	var identityID uuid.UUID
	err := r.pool.QueryRow(ctx, `
		SELECT identity_id FROM active_occupants WHERE device_id = $1
	`, deviceID).Scan(&identityID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &identityID, nil
}

// SweepStale deletes links not seen since the cutoff and clears any active
// occupant whose link was removed. Both statements are conditional deletes,
// so concurrent sweeps from multiple instances are safe and the second run
// over the same cutoff removes nothing.
func (r *LinkRepo) SweepStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM device_identity_links WHERE last_seen_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}

	_, err = r.pool.Exec(ctx, `
		DELETE FROM active_occupants ao
		WHERE NOT EXISTS (
			SELECT 1 FROM device_identity_links l
			WHERE l.device_id = ao.device_id AND l.identity_id = ao.identity_id
		)
	`)
	return tag.RowsAffected(), err
}
