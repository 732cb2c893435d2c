package models

import (
	"time"

	"github.com/google/uuid"
)

// School carries the per-school settings this core reads: the shared
// connection credentials (stored as bcrypt hashes) and the tracking-hours
// policy. Heartbeats arriving outside the tracking window are dropped.
type School struct {
	ID                   uuid.UUID `json:"id"`
	Name                 string    `json:"name"`
	StaffCredentialHash  string    `json:"-"`
	DeviceCredentialHash string    `json:"-"`
	Timezone             string    `json:"timezone"`
	TrackingStartMinute  int       `json:"tracking_start_minute"` // minutes after midnight, school-local
	TrackingEndMinute    int       `json:"tracking_end_minute"`
	TrackingWeekdays     int       `json:"tracking_weekdays"` // bitmask, bit 0 = Sunday
	CreatedAt            time.Time `json:"created_at"`
}

// TracksAt reports whether t falls inside the school's tracking window.
// A zero start/end pair means tracking is always on.
func (s *School) TracksAt(t time.Time) bool {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := t.In(loc)

	if s.TrackingWeekdays != 0 && s.TrackingWeekdays&(1<<int(local.Weekday())) == 0 {
		return false
	}
	if s.TrackingStartMinute == 0 && s.TrackingEndMinute == 0 {
		return true
	}

	minute := local.Hour()*60 + local.Minute()
	if s.TrackingStartMinute <= s.TrackingEndMinute {
		return minute >= s.TrackingStartMinute && minute < s.TrackingEndMinute
	}
	// Window wraps past midnight.
	return minute >= s.TrackingStartMinute || minute < s.TrackingEndMinute
}
