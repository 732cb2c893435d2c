package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"classwatch-backend/internal/models"
	"classwatch-backend/internal/repository"
)

// Store interfaces for the slices of the durable store the reconciler
// touches. The pgx repos satisfy them; tests use in-memory fakes.
type DeviceStore interface {
	Register(ctx context.Context, device *models.Device) error
	GetByID(ctx context.Context, id string) (*models.Device, error)
}

type IdentityStore interface {
	Create(ctx context.Context, identity *models.Identity) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Identity, error)
	GetByEmail(ctx context.Context, schoolID uuid.UUID, email string) (*models.Identity, error)
	GetOpenPlaceholder(ctx context.Context, schoolID uuid.UUID, deviceID string) (*models.Identity, error)
	Promote(ctx context.Context, id uuid.UUID, email string) error
	Merge(ctx context.Context, placeholderID, canonicalID uuid.UUID) error
}

type LinkStore interface {
	Upsert(ctx context.Context, deviceID string, identityID uuid.UUID, seenAt time.Time) error
	SetActiveOccupant(ctx context.Context, deviceID string, identityID uuid.UUID) error
	SweepStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventPublisher fans an event out to matching viewer connections, locally
// and across instances. The broadcast bus satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, target models.Target, msgType string, payload any) error
}

// Reconciler maps physical devices to logical identities. All uniqueness
// races are settled by the store's constraints: a conflicting write returns
// repository.ErrConflict and the loser re-reads the canonical row.
type Reconciler struct {
	devices    DeviceStore
	identities IdentityStore
	links      LinkStore
	presence   *PresenceStore
	events     EventPublisher
	linkTTL    time.Duration
	now        func() time.Time
}

func NewReconciler(devices DeviceStore, identities IdentityStore, links LinkStore, presence *PresenceStore, linkTTL time.Duration) *Reconciler {
	return &Reconciler{
		devices:    devices,
		identities: identities,
		links:      links,
		presence:   presence,
		linkTTL:    linkTTL,
		now:        time.Now,
	}
}

// SetPublisher wires the broadcast bus in after construction; without one
// the reconciler simply skips notifications.
func (r *Reconciler) SetPublisher(events EventPublisher) {
	r.events = events
}

// ResolveIdentity returns the logical identity behind a heartbeat and
// records the device link and active occupant. With an email it reuses the
// canonical identity, promotes an existing placeholder on the device, or
// creates a new identity; without one it finds or creates the device's
// single open placeholder.
func (r *Reconciler) ResolveIdentity(ctx context.Context, schoolID uuid.UUID, deviceID, email string) (*models.Identity, error) {
	if err := r.ensureDevice(ctx, schoolID, deviceID); err != nil {
		return nil, fmt.Errorf("ensure device: %w", err)
	}

	normalized := models.NormalizeEmail(email)

	var identity *models.Identity
	var err error
	if normalized != "" {
		identity, err = r.resolveByEmail(ctx, schoolID, deviceID, normalized)
	} else {
		identity, err = r.resolvePlaceholder(ctx, schoolID, deviceID)
	}
	if err != nil {
		return nil, err
	}

	if err := r.links.Upsert(ctx, deviceID, identity.ID, r.now()); err != nil {
		return nil, fmt.Errorf("upsert device link: %w", err)
	}
	if err := r.links.SetActiveOccupant(ctx, deviceID, identity.ID); err != nil {
		return nil, fmt.Errorf("set active occupant: %w", err)
	}
	return identity, nil
}

func (r *Reconciler) resolveByEmail(ctx context.Context, schoolID uuid.UUID, deviceID, normalized string) (*models.Identity, error) {
	canonical, err := r.identities.GetByEmail(ctx, schoolID, normalized)
	if err != nil {
		return nil, err
	}
	if canonical != nil {
		return canonical, nil
	}

	// The device may already carry a placeholder for this student; promote
	// it in place so prior activity stays attributed.
	placeholder, err := r.identities.GetOpenPlaceholder(ctx, schoolID, deviceID)
	if err != nil {
		return nil, err
	}
	if placeholder != nil {
		return r.ReconcilePlaceholder(ctx, placeholder.ID, normalized)
	}

	identity := &models.Identity{
		SchoolID:    schoolID,
		Email:       &normalized,
		DisplayName: normalized,
	}
	err = r.identities.Create(ctx, identity)
	if errors.Is(err, repository.ErrConflict) {
		// Another device won the creation race; its row is canonical now.
		return r.rereadByEmail(ctx, schoolID, normalized)
	}
	if err != nil {
		return nil, err
	}

	r.notify(ctx, models.StaffInSchool(schoolID), "identity_registered", identity)
	return identity, nil
}

func (r *Reconciler) resolvePlaceholder(ctx context.Context, schoolID uuid.UUID, deviceID string) (*models.Identity, error) {
	placeholder, err := r.identities.GetOpenPlaceholder(ctx, schoolID, deviceID)
	if err != nil {
		return nil, err
	}
	if placeholder != nil {
		return placeholder, nil
	}

	identity := &models.Identity{
		SchoolID:      schoolID,
		DisplayName:   fmt.Sprintf("device:%s", deviceID),
		IsPlaceholder: true,
		DeviceID:      &deviceID,
	}
	err = r.identities.Create(ctx, identity)
	if errors.Is(err, repository.ErrConflict) {
		return r.identities.GetOpenPlaceholder(ctx, schoolID, deviceID)
	}
	if err != nil {
		return nil, err
	}

	r.notify(ctx, models.StaffInSchool(schoolID), "identity_registered", identity)
	return identity, nil
}

// ReconcilePlaceholder merges a placeholder into the canonical identity for
// an email that has just become known. Idempotent: a placeholder that was
// already merged resolves to its canonical identity and nothing is
// repointed twice. When two pre-existing identities could claim the email,
// the earliest-created one wins (see DESIGN.md).
func (r *Reconciler) ReconcilePlaceholder(ctx context.Context, placeholderID uuid.UUID, newEmail string) (*models.Identity, error) {
	normalized := models.NormalizeEmail(newEmail)
	if normalized == "" {
		return nil, fmt.Errorf("reconcile placeholder %s: empty email", placeholderID)
	}

	placeholder, err := r.identities.GetByID(ctx, placeholderID)
	if err != nil {
		return nil, err
	}
	if placeholder == nil {
		return nil, fmt.Errorf("reconcile placeholder %s: not found", placeholderID)
	}
	if placeholder.MergedInto != nil {
		return r.identities.GetByID(ctx, *placeholder.MergedInto)
	}
	if !placeholder.IsPlaceholder {
		return placeholder, nil
	}

	canonical, err := r.identities.GetByEmail(ctx, placeholder.SchoolID, normalized)
	if err != nil {
		return nil, err
	}
	if canonical == nil {
		// No canonical identity yet: the placeholder itself becomes it.
		err = r.identities.Promote(ctx, placeholderID, normalized)
		if errors.Is(err, repository.ErrConflict) {
			// Lost the race to a concurrent creation; merge into the winner.
			return r.mergeInto(ctx, placeholder, schoolEmail{placeholder.SchoolID, normalized})
		}
		if err != nil {
			return nil, err
		}
		placeholder.Email = &normalized
		placeholder.IsPlaceholder = false
		placeholder.DisplayName = normalized
		r.notify(ctx, models.StaffInSchool(placeholder.SchoolID), "identity_registered", placeholder)
		return placeholder, nil
	}

	return r.merge(ctx, placeholder, canonical)
}

type schoolEmail struct {
	schoolID uuid.UUID
	email    string
}

func (r *Reconciler) mergeInto(ctx context.Context, placeholder *models.Identity, key schoolEmail) (*models.Identity, error) {
	canonical, err := r.rereadByEmail(ctx, key.schoolID, key.email)
	if err != nil {
		return nil, err
	}
	return r.merge(ctx, placeholder, canonical)
}

func (r *Reconciler) merge(ctx context.Context, placeholder, canonical *models.Identity) (*models.Identity, error) {
	if canonical.ID == placeholder.ID {
		return canonical, nil
	}
	if err := r.identities.Merge(ctx, placeholder.ID, canonical.ID); err != nil {
		return nil, fmt.Errorf("merge %s into %s: %w", placeholder.ID, canonical.ID, err)
	}
	if r.presence != nil {
		r.presence.Reassign(placeholder.ID, canonical)
	}
	r.notify(ctx, models.StaffInSchool(canonical.SchoolID), "identity_merged", map[string]any{
		"placeholder_id": placeholder.ID,
		"identity":       canonical,
	})
	return canonical, nil
}

func (r *Reconciler) rereadByEmail(ctx context.Context, schoolID uuid.UUID, normalized string) (*models.Identity, error) {
	identity, err := r.identities.GetByEmail(ctx, schoolID, normalized)
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return nil, fmt.Errorf("identity for %s vanished after conflict", normalized)
	}
	return identity, nil
}

// RegisterDevice upserts the device record ahead of identity resolution.
func (r *Reconciler) RegisterDevice(ctx context.Context, device *models.Device) error {
	return r.devices.Register(ctx, device)
}

// ensureDevice lazily creates a minimal device record for a heartbeat from a
// device that never completed registration, so the link write cannot be
// rejected for a missing device row. Mirrors the lazy placeholder on the
// identity side; the record is fleshed out when the device registers.
func (r *Reconciler) ensureDevice(ctx context.Context, schoolID uuid.UUID, deviceID string) error {
	device, err := r.devices.GetByID(ctx, deviceID)
	if err != nil {
		return err
	}
	if device != nil {
		return nil
	}
	return r.devices.Register(ctx, &models.Device{
		ID:          deviceID,
		SchoolID:    schoolID,
		DisplayName: deviceID,
	})
}

// SweepStaleLinks removes device links not seen within the link TTL and
// clears orphaned active occupants. Conditional deletes make the sweep
// idempotent and safe to run from every instance without coordination.
func (r *Reconciler) SweepStaleLinks(ctx context.Context) (int64, error) {
	return r.links.SweepStale(ctx, r.now().Add(-r.linkTTL))
}

func (r *Reconciler) notify(ctx context.Context, target models.Target, msgType string, payload any) {
	if r.events == nil {
		return
	}
	if err := r.events.Publish(ctx, target, msgType, payload); err != nil {
		log.Printf("identity: publish %s failed: %v", msgType, err)
	}
}
