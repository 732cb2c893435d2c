package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"classwatch-backend/internal/models"
	"classwatch-backend/internal/services"
)

type fakeTransport struct {
	mu     sync.Mutex
	frames []outboundFrame
	closed bool
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var frame outboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) lastFrame() outboundFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames[len(f.frames)-1]
}

type fakeSink struct {
	mu       sync.Mutex
	received []models.HeartbeatRequest
}

func (f *fakeSink) Enqueue(hb models.HeartbeatRequest) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, hb)
	return true
}

type fakeRegistrar struct {
	mu      sync.Mutex
	devices []*models.Device
}

func (f *fakeRegistrar) RegisterDevice(ctx context.Context, device *models.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = append(f.devices, device)
	return nil
}

type fakePublisher struct {
	mu      sync.Mutex
	origins []uuid.UUID
	targets []models.Target
	types   []string
}

func (f *fakePublisher) PublishFrom(ctx context.Context, originConn uuid.UUID, target models.Target, msgType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.origins = append(f.origins, originConn)
	f.targets = append(f.targets, target)
	f.types = append(f.types, msgType)
	return nil
}

type fakeSchoolStore struct {
	school *models.School
}

func (f *fakeSchoolStore) GetByID(ctx context.Context, id uuid.UUID) (*models.School, error) {
	if f.school != nil && f.school.ID == id {
		return f.school, nil
	}
	return nil, nil
}

func testSchool(t *testing.T) *models.School {
	t.Helper()
	staffHash, err := services.HashCredential("staff-secret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	deviceHash, err := services.HashCredential("device-secret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return &models.School{
		ID:                   uuid.New(),
		Name:                 "Northside",
		StaffCredentialHash:  staffHash,
		DeviceCredentialHash: deviceHash,
		Timezone:             "UTC",
	}
}

func newTestHub(t *testing.T, school *models.School) (*Hub, *fakeSink, *fakeRegistrar) {
	t.Helper()
	sink := &fakeSink{}
	registrar := &fakeRegistrar{}
	hub := NewHub(
		services.NewSchoolService(&fakeSchoolStore{school: school}),
		services.NewArtifactCache(nil, 60*time.Second),
		sink,
		registrar,
		"test-secret",
		time.Second,
	)
	return hub, sink, registrar
}

// addConn installs an already-authenticated connection, as if its handshake
// completed.
func addConn(hub *Hub, role models.Role, schoolID uuid.UUID, deviceID string) (*conn, *fakeTransport) {
	transport := &fakeTransport{}
	c := &conn{
		id:            uuid.New(),
		transport:     transport,
		authenticated: true,
		role:          role,
		schoolID:      schoolID,
		deviceID:      deviceID,
	}
	hub.register(c)
	return c, transport
}

func addPendingConn(hub *Hub) (*conn, *fakeTransport) {
	transport := &fakeTransport{}
	c := &conn{id: uuid.New(), transport: transport}
	hub.register(c)
	return c, transport
}

func TestRouteSpecificDeviceExactlyOnce(t *testing.T) {
	school := testSchool(t)
	hub, _, _ := newTestHub(t, school)

	_, d1 := addConn(hub, models.RoleDevice, school.ID, "D1")
	_, d2 := addConn(hub, models.RoleDevice, school.ID, "D2")
	_, staff := addConn(hub, models.RoleStaff, school.ID, "")

	delivered := hub.Route(models.Envelope{
		Origin:  uuid.New(),
		Target:  models.SpecificDevice(school.ID, "D1"),
		Type:    "relay",
		Payload: json.RawMessage(`{"cmd":"lock"}`),
	})

	if delivered != 1 {
		t.Fatalf("expected exactly one delivery, got %d", delivered)
	}
	if d1.frameCount() != 1 {
		t.Errorf("expected D1 to receive the envelope once, got %d", d1.frameCount())
	}
	if d2.frameCount() != 0 || staff.frameCount() != 0 {
		t.Errorf("expected non-matching connections untouched")
	}
}

func TestRouteStaffTargetSkipsStudentsAndOtherSchools(t *testing.T) {
	school := testSchool(t)
	hub, _, _ := newTestHub(t, school)

	_, staffA := addConn(hub, models.RoleStaff, school.ID, "")
	_, staffB := addConn(hub, models.RoleStaff, school.ID, "")
	_, student := addConn(hub, models.RoleStudent, school.ID, "")
	_, otherSchool := addConn(hub, models.RoleStaff, uuid.New(), "")

	delivered := hub.Route(models.Envelope{
		Origin: uuid.New(),
		Target: models.StaffInSchool(school.ID),
		Type:   "presence_update",
	})

	if delivered != 2 {
		t.Fatalf("expected both staff connections, got %d", delivered)
	}
	if staffA.frameCount() != 1 || staffB.frameCount() != 1 {
		t.Errorf("expected each staff connection to receive exactly once")
	}
	if student.frameCount() != 0 || otherSchool.frameCount() != 0 {
		t.Errorf("expected student and foreign-school staff skipped")
	}
}

func TestRouteStudentsWithDeviceFilter(t *testing.T) {
	school := testSchool(t)
	hub, _, _ := newTestHub(t, school)

	_, d1 := addConn(hub, models.RoleDevice, school.ID, "D1")
	_, d2 := addConn(hub, models.RoleDevice, school.ID, "D2")

	delivered := hub.Route(models.Envelope{
		Origin: uuid.New(),
		Target: models.StudentsInSchool(school.ID, "D2"),
		Type:   "announcement",
	})

	if delivered != 1 || d2.frameCount() != 1 || d1.frameCount() != 0 {
		t.Fatalf("expected only the filtered device to receive")
	}
}

func TestRouteNeverEchoesToOriginConnection(t *testing.T) {
	school := testSchool(t)
	hub, _, _ := newTestHub(t, school)

	origin, originT := addConn(hub, models.RoleStaff, school.ID, "")
	_, other := addConn(hub, models.RoleStaff, school.ID, "")

	delivered := hub.Route(models.Envelope{
		Origin:     uuid.New(),
		OriginConn: origin.id,
		Target:     models.StaffInSchool(school.ID),
		Type:       "relay",
	})

	if delivered != 1 {
		t.Fatalf("expected delivery to everyone but the origin, got %d", delivered)
	}
	if originT.frameCount() != 0 {
		t.Errorf("expected no echo to the originating connection")
	}
	if other.frameCount() != 1 {
		t.Errorf("expected the other staff connection to receive")
	}
}

func TestRouteSkipsUnauthenticatedConnections(t *testing.T) {
	school := testSchool(t)
	hub, _, _ := newTestHub(t, school)

	addPendingConn(hub)
	_, staff := addConn(hub, models.RoleStaff, school.ID, "")

	delivered := hub.Route(models.Envelope{
		Origin: uuid.New(),
		Target: models.StaffInSchool(school.ID),
		Type:   "presence_update",
	})

	if delivered != 1 || staff.frameCount() != 1 {
		t.Fatalf("expected only the authenticated staff connection")
	}
}

func TestRouteRoleTarget(t *testing.T) {
	school := testSchool(t)
	hub, _, _ := newTestHub(t, school)

	_, student := addConn(hub, models.RoleStudent, school.ID, "")
	_, device := addConn(hub, models.RoleDevice, school.ID, "D1")

	delivered := hub.Route(models.Envelope{
		Origin: uuid.New(),
		Target: models.RoleInSchool(school.ID, models.RoleStudent),
		Type:   "announcement",
	})

	if delivered != 1 || student.frameCount() != 1 || device.frameCount() != 0 {
		t.Fatalf("expected the role target to match students only")
	}
}

func TestPreAuthFramesAreRejectedButConnectionStays(t *testing.T) {
	school := testSchool(t)
	hub, sink, _ := newTestHub(t, school)
	c, transport := addPendingConn(hub)

	hub.dispatch(context.Background(), c, []byte(`{"type":"heartbeat","device_id":"D1"}`))

	if transport.lastFrame().Error == "" {
		t.Fatalf("expected an error frame for pre-auth heartbeat")
	}
	if transport.closed {
		t.Errorf("expected connection to stay open after a rejected frame")
	}
	if len(sink.received) != 0 {
		t.Errorf("expected no heartbeat processed pre-auth")
	}
}

func TestDeviceAuthRegistersDevice(t *testing.T) {
	school := testSchool(t)
	hub, _, registrar := newTestHub(t, school)
	c, transport := addPendingConn(hub)

	frame, _ := json.Marshal(map[string]any{
		"type":         "auth",
		"role":         "device",
		"school_id":    school.ID,
		"credential":   "device-secret",
		"device_id":    "D1",
		"display_name": "Cart 3 Chromebook 12",
	})
	hub.dispatch(context.Background(), c, frame)

	if transport.lastFrame().Type != "auth_ok" {
		t.Fatalf("expected auth_ok, got %+v", transport.lastFrame())
	}
	c.mu.Lock()
	authed, role, deviceID := c.authenticated, c.role, c.deviceID
	c.mu.Unlock()
	if !authed || role != models.RoleDevice || deviceID != "D1" {
		t.Fatalf("expected authenticated device connection")
	}
	if len(registrar.devices) != 1 || registrar.devices[0].DisplayName != "Cart 3 Chromebook 12" {
		t.Fatalf("expected device record registered on handshake")
	}
}

func TestAuthWithBadCredentialClosesConnection(t *testing.T) {
	school := testSchool(t)
	hub, _, _ := newTestHub(t, school)
	c, transport := addPendingConn(hub)

	frame, _ := json.Marshal(map[string]any{
		"type":       "auth",
		"role":       "staff",
		"school_id":  school.ID,
		"credential": "wrong",
	})
	hub.dispatch(context.Background(), c, frame)

	if !transport.closed {
		t.Fatalf("expected connection closed on auth failure")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authenticated {
		t.Fatalf("expected connection to remain unauthenticated")
	}
}

func TestAuthRejectsUnknownRole(t *testing.T) {
	school := testSchool(t)
	hub, _, _ := newTestHub(t, school)
	c, transport := addPendingConn(hub)

	hub.dispatch(context.Background(), c, []byte(`{"type":"auth","role":"superadmin"}`))

	if !transport.closed {
		t.Fatalf("expected connection closed for a role outside the enum")
	}
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	school := testSchool(t)
	hub, _, _ := newTestHub(t, school)
	c, transport := addConn(hub, models.RoleDevice, school.ID, "D1")

	hub.dispatch(context.Background(), c, []byte(`{not json`))

	if transport.lastFrame().Error == "" {
		t.Fatalf("expected error frame for malformed input")
	}
	if transport.closed {
		t.Errorf("expected connection to survive a malformed frame")
	}
}

func TestHeartbeatFrameFeedsPipeline(t *testing.T) {
	school := testSchool(t)
	hub, sink, _ := newTestHub(t, school)
	c, _ := addConn(hub, models.RoleDevice, school.ID, "D1")

	frame, _ := json.Marshal(map[string]any{
		"type":     "heartbeat",
		"email":    "e@school.org",
		"activity": map[string]any{"resource": "docs"},
	})
	hub.dispatch(context.Background(), c, frame)

	if len(sink.received) != 1 {
		t.Fatalf("expected one heartbeat enqueued, got %d", len(sink.received))
	}
	hb := sink.received[0]
	if hb.DeviceID != "D1" || hb.SchoolID != school.ID || hb.Email != "e@school.org" {
		t.Fatalf("expected heartbeat bound to the connection's device and school, got %+v", hb)
	}
	if hb.Activity.Resource != "docs" {
		t.Errorf("expected activity carried through")
	}
}

func TestStaffRelayTargetsDevice(t *testing.T) {
	school := testSchool(t)
	hub, _, _ := newTestHub(t, school)
	publisher := &fakePublisher{}
	hub.SetPublisher(publisher)

	c, _ := addConn(hub, models.RoleStaff, school.ID, "")

	frame, _ := json.Marshal(map[string]any{
		"type":      "relay",
		"device_id": "D1",
		"payload":   map[string]any{"cmd": "lock"},
	})
	hub.dispatch(context.Background(), c, frame)

	if len(publisher.targets) != 1 {
		t.Fatalf("expected one publish, got %d", len(publisher.targets))
	}
	target := publisher.targets[0]
	if target.Kind != models.TargetDevice || target.DeviceID != "D1" {
		t.Fatalf("expected staff relay to target the named device, got %+v", target)
	}
	if publisher.origins[0] != c.id {
		t.Errorf("expected originating connection recorded for echo suppression")
	}
}

func TestDeviceRelayTargetsStaff(t *testing.T) {
	school := testSchool(t)
	hub, _, _ := newTestHub(t, school)
	publisher := &fakePublisher{}
	hub.SetPublisher(publisher)

	c, _ := addConn(hub, models.RoleDevice, school.ID, "D1")
	hub.dispatch(context.Background(), c, []byte(`{"type":"relay","payload":{"sdp":"offer"}}`))

	if len(publisher.targets) != 1 || publisher.targets[0].Kind != models.TargetAllStaff {
		t.Fatalf("expected device relay to fan out to staff")
	}
}

func TestDisconnectOnlyRemovesRegistryEntry(t *testing.T) {
	school := testSchool(t)
	hub, _, _ := newTestHub(t, school)
	c, _ := addConn(hub, models.RoleDevice, school.ID, "D1")
	_, staff := addConn(hub, models.RoleStaff, school.ID, "")

	before := hub.Len()
	hub.unregister(c)

	if hub.Len() != before-1 {
		t.Fatalf("expected registry entry removed")
	}
	if staff.frameCount() != 0 {
		t.Errorf("expected no broadcast triggered by a disconnect")
	}
}
