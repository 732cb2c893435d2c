package services

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"classwatch-backend/internal/models"
)

// PresenceStore holds the per-process presence table. Status is derived at
// read time from each snapshot's last-activity timestamp against the two
// thresholds; no status value is ever stored, so a heartbeat racing a read
// can only make the result fresher.
type PresenceStore struct {
	mu           sync.RWMutex
	snapshots    map[uuid.UUID]*models.PresenceSnapshot
	onlineWithin time.Duration
	idleWithin   time.Duration
	now          func() time.Time
}

func NewPresenceStore(onlineWithin, idleWithin time.Duration) *PresenceStore {
	return &PresenceStore{
		snapshots:    make(map[uuid.UUID]*models.PresenceSnapshot),
		onlineWithin: onlineWithin,
		idleWithin:   idleWithin,
		now:          time.Now,
	}
}

// RecordHeartbeat updates the identity's snapshot with fresh activity,
// creating it lazily when none exists (first heartbeat after a restart, or
// an identity this process has never seen). The last-activity timestamp is
// monotonic: with several devices linked to one identity it ends up as the
// max across all of them.
func (s *PresenceStore) RecordHeartbeat(identity *models.Identity, deviceID string, activity models.Activity) models.PresenceView {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	snap, ok := s.snapshots[identity.ID]
	if !ok {
		snap = &models.PresenceSnapshot{
			IdentityID: identity.ID,
			SchoolID:   identity.SchoolID,
		}
		s.snapshots[identity.ID] = snap
	}

	snap.Label = identity.Label()
	snap.DeviceID = deviceID
	snap.Activity = activity
	if now.After(snap.LastActivityAt) {
		snap.LastActivityAt = now
	}

	return s.viewLocked(snap, now)
}

// Seed sets a snapshot from a durable heartbeat without touching the clock.
// Used during rehydration; keeps the max when the identity already has a
// fresher snapshot.
func (s *PresenceStore) Seed(identity *models.Identity, deviceID string, activity models.Activity, recordedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snapshots[identity.ID]
	if !ok {
		snap = &models.PresenceSnapshot{
			IdentityID: identity.ID,
			SchoolID:   identity.SchoolID,
		}
		s.snapshots[identity.ID] = snap
	}
	if recordedAt.After(snap.LastActivityAt) {
		snap.LastActivityAt = recordedAt
		snap.DeviceID = deviceID
		snap.Activity = activity
	}
	snap.Label = identity.Label()
}

// Reassign folds one identity's snapshot into another, keeping the fresher
// activity. Called when a placeholder merges into its canonical identity.
func (s *PresenceStore) Reassign(from uuid.UUID, to *models.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.snapshots[from]
	if !ok {
		return
	}
	delete(s.snapshots, from)

	snap, ok := s.snapshots[to.ID]
	if !ok {
		old.IdentityID = to.ID
		old.SchoolID = to.SchoolID
		old.Label = to.Label()
		s.snapshots[to.ID] = old
		return
	}
	if old.LastActivityAt.After(snap.LastActivityAt) {
		snap.LastActivityAt = old.LastActivityAt
		snap.DeviceID = old.DeviceID
		snap.Activity = old.Activity
	}
	snap.Label = to.Label()
}

// Snapshot returns the identity's presence with status resolved at the
// current read time.
func (s *PresenceStore) Snapshot(identityID uuid.UUID) (models.PresenceView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[identityID]
	if !ok {
		return models.PresenceView{}, false
	}
	return s.viewLocked(snap, s.now()), true
}

// ListSchool returns every snapshot in a school, statuses resolved at one
// shared read time, ordered by label for stable listings.
func (s *PresenceStore) ListSchool(schoolID uuid.UUID) []models.PresenceView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	views := make([]models.PresenceView, 0)
	for _, snap := range s.snapshots {
		if snap.SchoolID == schoolID {
			views = append(views, s.viewLocked(snap, now))
		}
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Label < views[j].Label })
	return views
}

func (s *PresenceStore) viewLocked(snap *models.PresenceSnapshot, now time.Time) models.PresenceView {
	return models.PresenceView{
		PresenceSnapshot: *snap,
		Status:           s.statusAt(snap.LastActivityAt, now),
	}
}

func (s *PresenceStore) statusAt(lastActivity, now time.Time) models.PresenceStatus {
	if lastActivity.IsZero() {
		return models.StatusOffline
	}
	elapsed := now.Sub(lastActivity)
	switch {
	case elapsed < s.onlineWithin:
		return models.StatusOnline
	case elapsed < s.idleWithin:
		return models.StatusIdle
	default:
		return models.StatusOffline
	}
}

// heartbeatSource and identitySource are the slices of the durable store
// rehydration needs; the pgx repos satisfy them.
type heartbeatSource interface {
	LatestPerIdentity(ctx context.Context, schoolID uuid.UUID) ([]models.Heartbeat, error)
}

type identitySource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Identity, error)
}

// Rehydrate seeds the store from the most recent durable heartbeat of every
// identity in the given schools, so a restarted process reports real
// statuses instead of everyone-offline.
func (s *PresenceStore) Rehydrate(ctx context.Context, heartbeats heartbeatSource, identities identitySource, schoolIDs []uuid.UUID) error {
	seeded := 0
	for _, schoolID := range schoolIDs {
		latest, err := heartbeats.LatestPerIdentity(ctx, schoolID)
		if err != nil {
			return err
		}
		for _, hb := range latest {
			identity, err := identities.GetByID(ctx, hb.IdentityID)
			if err != nil {
				return err
			}
			if identity == nil {
				continue
			}
			s.Seed(identity, hb.DeviceID, hb.Activity, hb.RecordedAt)
			seeded++
		}
	}
	log.Printf("Presence rehydrated: %d snapshots", seeded)
	return nil
}
