package websocket

import (
	"encoding/json"

	"github.com/google/uuid"

	"classwatch-backend/internal/models"
)

// inboundFrame is the single wire shape for client frames; Type selects
// which fields matter.
type inboundFrame struct {
	Type string `json:"type"`

	// auth
	Role       models.Role `json:"role,omitempty"`
	SchoolID   uuid.UUID   `json:"school_id,omitempty"`
	Credential string      `json:"credential,omitempty"`
	Token      string      `json:"token,omitempty"`

	// auth (device) / heartbeat / screen_frame / relay
	DeviceID    string          `json:"device_id,omitempty"`
	DisplayName string          `json:"display_name,omitempty"`
	ClassID     *uuid.UUID      `json:"class_id,omitempty"`
	Email       string          `json:"email,omitempty"`
	Activity    models.Activity `json:"activity,omitempty"`
	MediaType   string          `json:"media_type,omitempty"`
	Data        []byte          `json:"data,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

const (
	frameAuth        = "auth"
	frameHeartbeat   = "heartbeat"
	frameScreenFrame = "screen_frame"
	frameRelay       = "relay"
)

// outboundFrame is what the registry writes to clients.
type outboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// relayPayload wraps a relayed signaling message with the device it is
// scoped to.
type relayPayload struct {
	DeviceID string          `json:"device_id"`
	Payload  json.RawMessage `json:"payload"`
}
