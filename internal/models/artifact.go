package models

import "time"

// Artifact is a short-lived payload cached per device, most commonly the
// last captured screen frame. Last write wins; there is no versioning.
type Artifact struct {
	DeviceID   string    `json:"device_id"`
	MediaType  string    `json:"media_type"`
	Data       []byte    `json:"data"`
	CapturedAt time.Time `json:"captured_at"`
}
