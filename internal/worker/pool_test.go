package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"classwatch-backend/internal/models"
	"classwatch-backend/internal/services"
)

type memSchoolStore struct {
	school *models.School
}

func (m *memSchoolStore) GetByID(ctx context.Context, id uuid.UUID) (*models.School, error) {
	if m.school != nil && m.school.ID == id {
		return m.school, nil
	}
	return nil, nil
}

type memDeviceStore struct{}

func (m *memDeviceStore) Register(ctx context.Context, device *models.Device) error { return nil }
func (m *memDeviceStore) GetByID(ctx context.Context, id string) (*models.Device, error) {
	return nil, nil
}

type memIdentityStore struct {
	mu      sync.Mutex
	byEmail map[string]*models.Identity
}

func newMemIdentityStore() *memIdentityStore {
	return &memIdentityStore{byEmail: make(map[string]*models.Identity)}
}

func (m *memIdentityStore) Create(ctx context.Context, identity *models.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity.ID = uuid.New()
	identity.CreatedAt = time.Now()
	if identity.Email != nil {
		m.byEmail[*identity.Email] = identity
	}
	return nil
}

func (m *memIdentityStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	return nil, nil
}

func (m *memIdentityStore) GetByEmail(ctx context.Context, schoolID uuid.UUID, email string) (*models.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byEmail[email], nil
}

func (m *memIdentityStore) GetOpenPlaceholder(ctx context.Context, schoolID uuid.UUID, deviceID string) (*models.Identity, error) {
	return nil, nil
}

func (m *memIdentityStore) Promote(ctx context.Context, id uuid.UUID, email string) error {
	return nil
}

func (m *memIdentityStore) Merge(ctx context.Context, placeholderID, canonicalID uuid.UUID) error {
	return nil
}

type memLinkStore struct {
	mu        sync.Mutex
	upserts   int
	occupants map[string]uuid.UUID
}

func newMemLinkStore() *memLinkStore {
	return &memLinkStore{occupants: make(map[string]uuid.UUID)}
}

func (m *memLinkStore) Upsert(ctx context.Context, deviceID string, identityID uuid.UUID, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	return nil
}

func (m *memLinkStore) SetActiveOccupant(ctx context.Context, deviceID string, identityID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.occupants[deviceID] = identityID
	return nil
}

func (m *memLinkStore) SweepStale(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type memHeartbeatStore struct {
	mu       sync.Mutex
	inserted []*models.Heartbeat
	err      error
}

func (m *memHeartbeatStore) Insert(ctx context.Context, hb *models.Heartbeat) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserted = append(m.inserted, hb)
	return nil
}

type memPublisher struct {
	mu      sync.Mutex
	targets []models.Target
	types   []string
	updates []models.PresenceUpdate
}

func (m *memPublisher) Publish(ctx context.Context, target models.Target, msgType string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = append(m.targets, target)
	m.types = append(m.types, msgType)
	if update, ok := payload.(models.PresenceUpdate); ok {
		m.updates = append(m.updates, update)
	}
	return nil
}

func alwaysOnSchool() *models.School {
	return &models.School{ID: uuid.New(), Name: "Northside", Timezone: "UTC"}
}

func newTestPool(school *models.School, store *memHeartbeatStore) (*Pool, *services.PresenceStore, *memPublisher) {
	presence := services.NewPresenceStore(30*time.Second, 120*time.Second)
	reconciler := services.NewReconciler(&memDeviceStore{}, newMemIdentityStore(), newMemLinkStore(), presence, 24*time.Hour)
	pool := NewPool(services.NewSchoolService(&memSchoolStore{school: school}), reconciler, store, presence, 1, 4)
	publisher := &memPublisher{}
	pool.SetPublisher(publisher)
	return pool, presence, publisher
}

func TestProcessRunsFullPipeline(t *testing.T) {
	school := alwaysOnSchool()
	store := &memHeartbeatStore{}
	pool, presence, publisher := newTestPool(school, store)

	err := pool.process(context.Background(), models.HeartbeatRequest{
		SchoolID:   school.ID,
		DeviceID:   "D1",
		Email:      "Eva@School.org",
		Activity:   models.Activity{Resource: "docs"},
		ReceivedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(store.inserted) != 1 {
		t.Fatalf("expected one durable heartbeat, got %d", len(store.inserted))
	}
	record := store.inserted[0]
	if record.DeviceID != "D1" || record.IdentityID == uuid.Nil {
		t.Errorf("expected heartbeat bound to the resolved identity, got %+v", record)
	}

	views := presence.ListSchool(school.ID)
	if len(views) != 1 {
		t.Fatalf("expected one presence snapshot, got %d", len(views))
	}
	if views[0].Status != models.StatusOnline || views[0].Label != "eva@school.org" {
		t.Errorf("expected fresh online snapshot under the normalized email, got %+v", views[0])
	}

	found := false
	for i, msgType := range publisher.types {
		if msgType == "presence_update" {
			found = true
			if publisher.targets[i].Kind != models.TargetAllStaff || publisher.targets[i].SchoolID != school.ID {
				t.Errorf("expected presence update fanned out to school staff, got %+v", publisher.targets[i])
			}
		}
	}
	if !found {
		t.Fatalf("expected a presence_update publish, got %v", publisher.types)
	}
	if len(publisher.updates) != 1 || publisher.updates[0].Status != models.StatusOnline {
		t.Errorf("expected update payload carrying the online status")
	}
}

func TestProcessDropsOutsideTrackingWindow(t *testing.T) {
	school := alwaysOnSchool()
	school.TrackingStartMinute = 8 * 60
	school.TrackingEndMinute = 16 * 60
	school.TrackingWeekdays = 0b0111110
	store := &memHeartbeatStore{}
	pool, presence, publisher := newTestPool(school, store)

	err := pool.process(context.Background(), models.HeartbeatRequest{
		SchoolID:   school.ID,
		DeviceID:   "D1",
		Email:      "eva@school.org",
		ReceivedAt: time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC), // Sunday
	})
	if err != nil {
		t.Fatalf("expected out-of-window drop to be silent, got %v", err)
	}

	if len(store.inserted) != 0 {
		t.Errorf("expected no durable write outside tracking hours")
	}
	if len(presence.ListSchool(school.ID)) != 0 {
		t.Errorf("expected no presence snapshot outside tracking hours")
	}
	if len(publisher.types) != 0 {
		t.Errorf("expected no fan-out outside tracking hours")
	}
}

func TestProcessWithoutPublisher(t *testing.T) {
	school := alwaysOnSchool()
	store := &memHeartbeatStore{}
	presence := services.NewPresenceStore(30*time.Second, 120*time.Second)
	reconciler := services.NewReconciler(&memDeviceStore{}, newMemIdentityStore(), newMemLinkStore(), presence, 24*time.Hour)
	pool := NewPool(services.NewSchoolService(&memSchoolStore{school: school}), reconciler, store, presence, 1, 4)

	err := pool.process(context.Background(), models.HeartbeatRequest{
		SchoolID:   school.ID,
		DeviceID:   "D1",
		Email:      "eva@school.org",
		ReceivedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("expected processing to work without a wired bus: %v", err)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected the durable write to happen regardless")
	}
}

func TestProcessPropagatesStorageError(t *testing.T) {
	school := alwaysOnSchool()
	store := &memHeartbeatStore{err: errors.New("pool exhausted")}
	pool, presence, publisher := newTestPool(school, store)

	err := pool.process(context.Background(), models.HeartbeatRequest{
		SchoolID:   school.ID,
		DeviceID:   "D1",
		Email:      "eva@school.org",
		ReceivedAt: time.Now(),
	})
	if err == nil {
		t.Fatalf("expected storage error to surface")
	}
	if len(presence.ListSchool(school.ID)) != 0 {
		t.Errorf("expected no presence update after a failed durable write")
	}
	if len(publisher.types) != 0 {
		t.Errorf("expected no fan-out after a failed durable write")
	}
}

func TestEnqueueDropsWhenSaturated(t *testing.T) {
	school := alwaysOnSchool()
	pool, _, _ := newTestPool(school, &memHeartbeatStore{})
	pool.jobs = make(chan models.HeartbeatRequest, 1)

	if !pool.Enqueue(models.HeartbeatRequest{DeviceID: "D1"}) {
		t.Fatalf("expected first enqueue to fit")
	}
	if pool.Enqueue(models.HeartbeatRequest{DeviceID: "D2"}) {
		t.Fatalf("expected saturated pipeline to drop without blocking")
	}
}

func TestWorkersDrainQueue(t *testing.T) {
	school := alwaysOnSchool()
	store := &memHeartbeatStore{}
	pool, _, _ := newTestPool(school, store)
	pool.Start()
	defer pool.Stop()

	for i := 0; i < 3; i++ {
		if !pool.Enqueue(models.HeartbeatRequest{
			SchoolID:   school.ID,
			DeviceID:   "D1",
			Email:      "eva@school.org",
			ReceivedAt: time.Now(),
		}) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		store.mu.Lock()
		n := len(store.inserted)
		store.mu.Unlock()
		if n == 3 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("expected 3 heartbeats processed, got %d", n)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
