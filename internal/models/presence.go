package models

import (
	"time"

	"github.com/google/uuid"
)

// PresenceStatus is derived from the last-activity timestamp at read time.
// It is never persisted.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusIdle    PresenceStatus = "idle"
	StatusOffline PresenceStatus = "offline"
)

// Activity describes what a device reported it was doing in its latest
// heartbeat.
type Activity struct {
	Resource string `json:"resource,omitempty"` // current tab/app descriptor
	URL      string `json:"url,omitempty"`
	Sharing  bool   `json:"sharing,omitempty"` // screen currently shared to staff
	Locked   bool   `json:"locked,omitempty"`  // device locked by staff command
}

// PresenceSnapshot is the ephemeral per-identity presence record. Status is
// computed from LastActivityAt when the snapshot is read.
type PresenceSnapshot struct {
	IdentityID     uuid.UUID `json:"identity_id"`
	SchoolID       uuid.UUID `json:"school_id"`
	DeviceID       string    `json:"device_id"`
	Label          string    `json:"label"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Activity       Activity  `json:"activity"`
}

// PresenceView is a snapshot with its status resolved for a given read time.
type PresenceView struct {
	PresenceSnapshot
	Status PresenceStatus `json:"status"`
}

// Heartbeat is the durable record of a single device heartbeat; the most
// recent row per identity seeds presence rehydration after a restart.
type Heartbeat struct {
	ID         uuid.UUID `json:"id"`
	IdentityID uuid.UUID `json:"identity_id"`
	DeviceID   string    `json:"device_id"`
	Activity   Activity  `json:"activity"`
	RecordedAt time.Time `json:"recorded_at"`
}

// HeartbeatRequest is an inbound heartbeat as received from a device
// connection, before identity resolution.
type HeartbeatRequest struct {
	SchoolID   uuid.UUID `json:"school_id"`
	DeviceID   string    `json:"device_id"`
	Email      string    `json:"email,omitempty"` // identity hint; empty when unknown
	Activity   Activity  `json:"activity"`
	ReceivedAt time.Time `json:"received_at"`
}

// PresenceUpdate is the event fanned out to viewers when an identity's
// presence changes.
type PresenceUpdate struct {
	IdentityID uuid.UUID      `json:"identity_id"`
	DeviceID   string         `json:"device_id"`
	Label      string         `json:"label"`
	Status     PresenceStatus `json:"status"`
	Activity   Activity       `json:"activity"`
	Timestamp  time.Time      `json:"timestamp"`
}
