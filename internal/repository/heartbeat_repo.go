package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"classwatch-backend/internal/models"
)

type HeartbeatRepo struct {
	pool *pgxpool.Pool
}

func NewHeartbeatRepo(pool *pgxpool.Pool) *HeartbeatRepo {
	return &HeartbeatRepo{pool: pool}
}

func (r *HeartbeatRepo) Insert(ctx context.Context, hb *models.Heartbeat) error {
	activity, err := json.Marshal(hb.Activity)
	if err != nil {
		return err
	}

	hb.ID = uuid.New()
	return r.pool.QueryRow(ctx, `
		INSERT INTO heartbeats (id, identity_id, device_id, activity, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING recorded_at
	`, hb.ID, hb.IdentityID, hb.DeviceID, activity, hb.RecordedAt).Scan(&hb.RecordedAt)
}

// LatestPerIdentity returns the most recent heartbeat for every identity in
// a school, considering only devices still linked to the identity. This is
// the rehydration query: after a restart it seeds each presence snapshot
// with the real last-activity time instead of zero or "now".
func (r *HeartbeatRepo) LatestPerIdentity(ctx context.Context, schoolID uuid.UUID) ([]models.Heartbeat, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT ON (h.identity_id)
			h.id, h.identity_id, h.device_id, h.activity, h.recorded_at
		FROM heartbeats h
		JOIN identities i ON i.id = h.identity_id
		JOIN device_identity_links l ON l.identity_id = h.identity_id AND l.device_id = h.device_id
		WHERE i.school_id = $1 AND i.merged_into IS NULL
		ORDER BY h.identity_id, h.recorded_at DESC
	`, schoolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	heartbeats := make([]models.Heartbeat, 0)
	for rows.Next() {
		var hb models.Heartbeat
		var activity []byte
		if scanErr := rows.Scan(&hb.ID, &hb.IdentityID, &hb.DeviceID, &activity, &hb.RecordedAt); scanErr != nil {
			return nil, scanErr
		}
		if len(activity) > 0 {
			if jsonErr := json.Unmarshal(activity, &hb.Activity); jsonErr != nil {
				return nil, jsonErr
			}
		}
		heartbeats = append(heartbeats, hb)
	}
	return heartbeats, rows.Err()
}

// PurgeOlderThan deletes heartbeat rows past the retention cutoff. Safe to
// run concurrently from multiple instances.
func (r *HeartbeatRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM heartbeats WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
