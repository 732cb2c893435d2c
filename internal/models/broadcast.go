package models

import (
	"encoding/json"

	"github.com/google/uuid"
)

// TargetKind enumerates the closed set of broadcast targets.
type TargetKind string

const (
	TargetAllStaff    TargetKind = "all_staff"    // every staff connection in a school
	TargetAllStudents TargetKind = "all_students" // every student/device connection in a school
	TargetDevice      TargetKind = "device"       // a single device
	TargetRole        TargetKind = "role"         // one role within a school
)

// Target selects the connections a broadcast is delivered to.
// DeviceFilter narrows all_students to specific devices when non-empty.
type Target struct {
	Kind         TargetKind `json:"kind"`
	SchoolID     uuid.UUID  `json:"school_id"`
	DeviceID     string     `json:"device_id,omitempty"`
	Role         Role       `json:"role,omitempty"`
	DeviceFilter []string   `json:"device_filter,omitempty"`
}

// StaffInSchool targets every staff connection in a school.
func StaffInSchool(schoolID uuid.UUID) Target {
	return Target{Kind: TargetAllStaff, SchoolID: schoolID}
}

// StudentsInSchool targets student and device connections in a school,
// optionally narrowed to the given device ids.
func StudentsInSchool(schoolID uuid.UUID, deviceFilter ...string) Target {
	return Target{Kind: TargetAllStudents, SchoolID: schoolID, DeviceFilter: deviceFilter}
}

// SpecificDevice targets the connections bound to one device.
func SpecificDevice(schoolID uuid.UUID, deviceID string) Target {
	return Target{Kind: TargetDevice, SchoolID: schoolID, DeviceID: deviceID}
}

// RoleInSchool targets one role within a school.
func RoleInSchool(schoolID uuid.UUID, role Role) Target {
	return Target{Kind: TargetRole, SchoolID: schoolID, Role: role}
}

// Envelope is the unit relayed on the cross-instance channel. Origin is the
// publishing instance's id; receivers drop envelopes they originated to
// avoid echo loops.
type Envelope struct {
	Origin     uuid.UUID       `json:"origin"`
	OriginConn uuid.UUID       `json:"origin_conn"`
	Target     Target          `json:"target"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}
