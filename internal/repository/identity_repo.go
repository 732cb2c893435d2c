package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"classwatch-backend/internal/models"
)

// ErrConflict is returned when an insert or update loses a uniqueness race.
// Callers are expected to re-read the now-canonical row rather than retry
// the write.
var ErrConflict = errors.New("identity conflict")

const uniqueViolation = "23505"

type IdentityRepo struct {
	pool *pgxpool.Pool
}

func NewIdentityRepo(pool *pgxpool.Pool) *IdentityRepo {
	return &IdentityRepo{pool: pool}
}

func (r *IdentityRepo) Create(ctx context.Context, identity *models.Identity) error {
	query := `
		INSERT INTO identities (id, school_id, email, display_name, is_placeholder, device_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	identity.ID = uuid.New()
	err := r.pool.QueryRow(ctx, query,
		identity.ID, identity.SchoolID, identity.Email, identity.DisplayName,
		identity.IsPlaceholder, identity.DeviceID,
	).Scan(&identity.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r *IdentityRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	return r.getOne(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`, id)
}

// GetByEmail returns the canonical (non-placeholder, unmerged) identity for
// a normalized email within a school, or nil when none exists.
func (r *IdentityRepo) GetByEmail(ctx context.Context, schoolID uuid.UUID, email string) (*models.Identity, error) {
	return r.getOne(ctx, `
		SELECT `+identityColumns+` FROM identities
		WHERE school_id = $1 AND email = $2 AND NOT is_placeholder AND merged_into IS NULL
		ORDER BY created_at
		LIMIT 1`, schoolID, email)
}

// GetOpenPlaceholder returns the unmerged placeholder scoped to a device,
// or nil when the device has none.
func (r *IdentityRepo) GetOpenPlaceholder(ctx context.Context, schoolID uuid.UUID, deviceID string) (*models.Identity, error) {
	return r.getOne(ctx, `
		SELECT `+identityColumns+` FROM identities
		WHERE school_id = $1 AND device_id = $2 AND is_placeholder AND merged_into IS NULL
		LIMIT 1`, schoolID, deviceID)
}

// Promote attaches an email to a placeholder in place and clears its
// placeholder flag. Returns ErrConflict if a canonical identity for the
// email appeared concurrently.
func (r *IdentityRepo) Promote(ctx context.Context, id uuid.UUID, email string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE identities SET email = $1, is_placeholder = FALSE
		WHERE id = $2 AND is_placeholder AND merged_into IS NULL
	`, email, id)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// Merge retires a placeholder into a canonical identity: device links,
// heartbeats, and active-occupant rows are repointed, then the placeholder
// is marked merged. Running it again after success is a no-op because the
// merged_into guard matches nothing.
func (r *IdentityRepo) Merge(ctx context.Context, placeholderID, canonicalID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE identities SET merged_into = $1
		WHERE id = $2 AND is_placeholder AND merged_into IS NULL
	`, canonicalID, placeholderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Already merged (or not a placeholder); nothing to repoint.
		return nil
	}

	// Fold the placeholder's links into the canonical identity, keeping the
	// most recent last_seen_at when both identities were on the same device.
	if _, err := tx.Exec(ctx, `
		INSERT INTO device_identity_links (device_id, identity_id, last_seen_at)
		SELECT device_id, $1, last_seen_at FROM device_identity_links WHERE identity_id = $2
		ON CONFLICT (device_id, identity_id) DO UPDATE
		SET last_seen_at = GREATEST(device_identity_links.last_seen_at, EXCLUDED.last_seen_at)
	`, canonicalID, placeholderID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM device_identity_links WHERE identity_id = $1
	`, placeholderID); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE heartbeats SET identity_id = $1 WHERE identity_id = $2
	`, canonicalID, placeholderID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE active_occupants SET identity_id = $1, set_at = NOW() WHERE identity_id = $2
	`, canonicalID, placeholderID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *IdentityRepo) ListBySchool(ctx context.Context, schoolID uuid.UUID) ([]models.Identity, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+identityColumns+` FROM identities
		WHERE school_id = $1 AND merged_into IS NULL ORDER BY created_at
	`, schoolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	identities := make([]models.Identity, 0)
	for rows.Next() {
		var id models.Identity
		if scanErr := scanIdentity(rows, &id); scanErr != nil {
			return nil, scanErr
		}
		identities = append(identities, id)
	}
	return identities, rows.Err()
}

const identityColumns = `id, school_id, email, display_name, is_placeholder, device_id, merged_into, created_at`

func (r *IdentityRepo) getOne(ctx context.Context, query string, args ...any) (*models.Identity, error) {
	identity := &models.Identity{}
	err := scanIdentity(r.pool.QueryRow(ctx, query, args...), identity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return identity, nil
}

func scanIdentity(row pgx.Row, identity *models.Identity) error {
	return row.Scan(
		&identity.ID, &identity.SchoolID, &identity.Email, &identity.DisplayName,
		&identity.IsPlaceholder, &identity.DeviceID, &identity.MergedInto, &identity.CreatedAt,
	)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
