// Package websocket holds the per-process connection registry: every live
// viewer and device socket, its role and school binding, and the routing of
// broadcast envelopes onto matching connections.
package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"classwatch-backend/internal/models"
	"classwatch-backend/internal/services"
)

const maxFrameSize = 1 << 20 // screen frames are the largest client payload

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// transport is the writable side of a connection. *websocket.Conn satisfies
// it; tests substitute a recorder.
type transport interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// conn is one registry entry. A connection starts unauthenticated and is
// invisible to routing until its handshake completes.
type conn struct {
	id        uuid.UUID
	transport transport

	mu            sync.Mutex
	authenticated bool
	role          models.Role
	schoolID      uuid.UUID
	deviceID      string
}

func (c *conn) send(frame outboundFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) sendError(msg string) {
	if err := c.send(outboundFrame{Type: "error", Error: msg}); err != nil {
		log.Printf("ws: error frame write failed: %v", err)
	}
}

// HeartbeatSink receives parsed heartbeats for asynchronous processing; the
// worker pool satisfies it. Enqueue reports false when the pipeline is
// saturated (the heartbeat is dropped, fire-and-forget).
type HeartbeatSink interface {
	Enqueue(hb models.HeartbeatRequest) bool
}

// Publisher fans events out locally and across instances; the broadcast bus
// satisfies it.
type Publisher interface {
	PublishFrom(ctx context.Context, originConn uuid.UUID, target models.Target, msgType string, payload any) error
}

// DeviceRegistrar upserts device records on handshake.
type DeviceRegistrar interface {
	RegisterDevice(ctx context.Context, device *models.Device) error
}

// Hub is the connection registry for one process instance. It is an
// explicitly constructed component, not a singleton: tests run several
// isolated hubs side by side.
type Hub struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*conn

	schools     *services.SchoolService
	artifacts   *services.ArtifactCache
	heartbeats  HeartbeatSink
	devices     DeviceRegistrar
	jwtSecret   []byte
	authTimeout time.Duration

	publisher Publisher
}

func NewHub(schools *services.SchoolService, artifacts *services.ArtifactCache, heartbeats HeartbeatSink, devices DeviceRegistrar, jwtSecret string, authTimeout time.Duration) *Hub {
	return &Hub{
		conns:       make(map[uuid.UUID]*conn),
		schools:     schools,
		artifacts:   artifacts,
		heartbeats:  heartbeats,
		devices:     devices,
		jwtSecret:   []byte(jwtSecret),
		authTimeout: authTimeout,
	}
}

// SetPublisher wires the broadcast bus in after construction (the bus needs
// the hub as its local router, so one of the two is bound late).
func (h *Hub) SetPublisher(p Publisher) {
	h.publisher = p
}

// HandleWebSocket upgrades the request and runs the connection until it
// drops. The socket starts unauthenticated; the first frame must be an auth
// control message, and anything still unauthenticated at the handshake
// deadline is force-closed.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	c := &conn{id: uuid.New(), transport: ws}
	h.register(c)

	timer := time.AfterFunc(h.authTimeout, func() {
		c.mu.Lock()
		authed := c.authenticated
		c.mu.Unlock()
		if !authed {
			log.Printf("ws: closing unauthenticated connection %s", c.id)
			c.transport.Close()
		}
	})
	defer timer.Stop()

	defer h.unregister(c)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		h.dispatch(r.Context(), c, data)
	}
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

// unregister removes the entry and nothing else: no broadcast, no state
// mutation. Idle/offline thresholds account for the silence naturally.
func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	c.transport.Close()
}

// dispatch handles one inbound frame. A malformed or unexpected frame is
// rejected on its own; the connection stays open.
func (h *Hub) dispatch(ctx context.Context, c *conn, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.sendError("malformed frame")
		return
	}

	c.mu.Lock()
	authed := c.authenticated
	role := c.role
	c.mu.Unlock()

	if !authed {
		if frame.Type != frameAuth {
			c.sendError("authentication required")
			return
		}
		h.handleAuth(ctx, c, &frame)
		return
	}

	switch frame.Type {
	case frameAuth:
		c.sendError("already authenticated")
	case frameHeartbeat:
		h.handleHeartbeat(c, &frame)
	case frameScreenFrame:
		h.handleScreenFrame(ctx, c, &frame)
	case frameRelay:
		h.handleRelay(ctx, c, role, &frame)
	default:
		c.sendError("unknown frame type")
	}
}

// handleAuth validates the declared role and the per-school credential (or
// a staff bearer token). Failure closes the connection; there is no
// server-side retry.
func (h *Hub) handleAuth(ctx context.Context, c *conn, frame *inboundFrame) {
	if !frame.Role.Valid() {
		c.sendError("unknown role")
		c.transport.Close()
		return
	}
	if frame.Role == models.RoleDevice && frame.DeviceID == "" {
		c.sendError("device_id required")
		c.transport.Close()
		return
	}

	schoolID := frame.SchoolID
	switch {
	case frame.Role == models.RoleStaff && frame.Token != "":
		claimed, err := h.schoolFromToken(frame.Token)
		if err != nil {
			c.sendError("authentication failed")
			c.transport.Close()
			return
		}
		schoolID = claimed
	default:
		if err := h.schools.VerifyCredential(ctx, schoolID, frame.Role, frame.Credential); err != nil {
			c.sendError("authentication failed")
			c.transport.Close()
			return
		}
	}

	if frame.Role == models.RoleDevice {
		device := &models.Device{
			ID:          frame.DeviceID,
			SchoolID:    schoolID,
			ClassID:     frame.ClassID,
			DisplayName: frame.DisplayName,
		}
		if device.DisplayName == "" {
			device.DisplayName = frame.DeviceID
		}
		if err := h.devices.RegisterDevice(ctx, device); err != nil {
			log.Printf("ws: device registration failed for %s: %v", frame.DeviceID, err)
		}
	}

	c.mu.Lock()
	c.authenticated = true
	c.role = frame.Role
	c.schoolID = schoolID
	c.deviceID = frame.DeviceID
	c.mu.Unlock()

	if err := c.send(outboundFrame{Type: "auth_ok"}); err != nil {
		log.Printf("ws: auth ack write failed: %v", err)
	}
}

func (h *Hub) schoolFromToken(tokenStr string) (uuid.UUID, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return h.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, jwt.ErrTokenUnverifiable
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, jwt.ErrTokenInvalidClaims
	}
	schoolStr, _ := claims["school_id"].(string)
	return uuid.Parse(schoolStr)
}

// handleHeartbeat hands the heartbeat to the pipeline. Enqueueing never
// blocks the read loop; an overflowing pipeline drops the beat and the
// device's next heartbeat catches up.
func (h *Hub) handleHeartbeat(c *conn, frame *inboundFrame) {
	c.mu.Lock()
	schoolID, deviceID := c.schoolID, c.deviceID
	c.mu.Unlock()

	if deviceID == "" {
		c.sendError("heartbeat requires a device connection")
		return
	}

	ok := h.heartbeats.Enqueue(models.HeartbeatRequest{
		SchoolID:   schoolID,
		DeviceID:   deviceID,
		Email:      frame.Email,
		Activity:   frame.Activity,
		ReceivedAt: time.Now(),
	})
	if !ok {
		log.Printf("ws: heartbeat pipeline full, dropping beat from %s", deviceID)
	}
}

func (h *Hub) handleScreenFrame(ctx context.Context, c *conn, frame *inboundFrame) {
	c.mu.Lock()
	deviceID := c.deviceID
	c.mu.Unlock()

	if deviceID == "" {
		c.sendError("screen_frame requires a device connection")
		return
	}

	err := h.artifacts.Set(ctx, models.Artifact{
		DeviceID:   deviceID,
		MediaType:  frame.MediaType,
		Data:       frame.Data,
		CapturedAt: time.Now(),
	})
	if err != nil {
		log.Printf("ws: screen frame cache write failed for %s: %v", deviceID, err)
	}
}

// handleRelay forwards an opaque signaling payload scoped by device id:
// device connections relay to staff viewers, staff connections relay to the
// named device. The originating connection is excluded from delivery.
func (h *Hub) handleRelay(ctx context.Context, c *conn, role models.Role, frame *inboundFrame) {
	if h.publisher == nil {
		c.sendError("relay unavailable")
		return
	}

	c.mu.Lock()
	schoolID, ownDevice := c.schoolID, c.deviceID
	c.mu.Unlock()

	var target models.Target
	payload := relayPayload{DeviceID: frame.DeviceID, Payload: frame.Payload}
	switch role {
	case models.RoleDevice:
		payload.DeviceID = ownDevice
		target = models.StaffInSchool(schoolID)
	case models.RoleStaff:
		if frame.DeviceID == "" {
			c.sendError("relay requires device_id")
			return
		}
		target = models.SpecificDevice(schoolID, frame.DeviceID)
	default:
		c.sendError("relay not permitted")
		return
	}

	if err := h.publisher.PublishFrom(ctx, c.id, target, frameRelay, payload); err != nil {
		log.Printf("ws: relay publish failed: %v", err)
	}
}

// Route delivers an envelope to every open local connection the target
// matches, skipping the originating connection. Returns the delivery count.
func (h *Hub) Route(env models.Envelope) int {
	h.mu.RLock()
	matches := make([]*conn, 0)
	for _, c := range h.conns {
		if h.matches(c, env) {
			matches = append(matches, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range matches {
		err := c.send(outboundFrame{Type: env.Type, Payload: env.Payload})
		if err != nil {
			// Transport already closing; disconnect handling will drop it.
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) matches(c *conn, env models.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.authenticated || c.id == env.OriginConn || c.schoolID != env.Target.SchoolID {
		return false
	}

	switch env.Target.Kind {
	case models.TargetAllStaff:
		return c.role == models.RoleStaff
	case models.TargetAllStudents:
		if c.role != models.RoleStudent && c.role != models.RoleDevice {
			return false
		}
		if len(env.Target.DeviceFilter) == 0 {
			return true
		}
		for _, id := range env.Target.DeviceFilter {
			if c.deviceID == id {
				return true
			}
		}
		return false
	case models.TargetDevice:
		return c.deviceID != "" && c.deviceID == env.Target.DeviceID
	case models.TargetRole:
		return c.role == env.Target.Role
	}
	return false
}

// Len reports the registry size (for health/introspection).
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
