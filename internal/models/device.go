package models

import (
	"time"

	"github.com/google/uuid"
)

// Device is a physical managed endpoint. The id is the fleet-assigned
// serial/asset tag, opaque to this service. Devices are updated in place on
// re-registration and never auto-deleted.
type Device struct {
	ID          string     `json:"id"`
	SchoolID    uuid.UUID  `json:"school_id"`
	ClassID     *uuid.UUID `json:"class_id"`
	DisplayName string     `json:"display_name"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DeviceIdentityLink associates a device with an identity that has been seen
// on it. Links expire: rows older than the configured window are swept so a
// device forgets prior occupants.
type DeviceIdentityLink struct {
	DeviceID   string    `json:"device_id"`
	IdentityID uuid.UUID `json:"identity_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// ActiveOccupant marks the single identity currently using a device.
type ActiveOccupant struct {
	DeviceID   string    `json:"device_id"`
	IdentityID uuid.UUID `json:"identity_id"`
	SetAt      time.Time `json:"set_at"`
}
