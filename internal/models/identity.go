package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Identity is a school-scoped logical student identity. Non-placeholder
// identities are keyed by normalized email and unique per (school, email).
// A placeholder is created when a device is in use but no email is known
// yet; it is scoped to the device it appeared on and retired once merged
// into a canonical identity.
type Identity struct {
	ID            uuid.UUID  `json:"id"`
	SchoolID      uuid.UUID  `json:"school_id"`
	Email         *string    `json:"email"`
	DisplayName   string     `json:"display_name"`
	IsPlaceholder bool       `json:"is_placeholder"`
	DeviceID      *string    `json:"device_id,omitempty"` // placeholder origin device
	MergedInto    *uuid.UUID `json:"merged_into,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Label is what viewer UIs render for the identity: the email when known,
// otherwise a synthetic device-scoped name.
func (i *Identity) Label() string {
	if i.Email != nil && *i.Email != "" {
		return *i.Email
	}
	if i.DeviceID != nil {
		return fmt.Sprintf("device:%s", *i.DeviceID)
	}
	return i.ID.String()
}

// NormalizeEmail lowercases and trims an email for identity keying.
// The empty string means "no email".
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
