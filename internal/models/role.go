package models

// Role classifies a connection at the registry boundary. The set is closed:
// anything outside it fails validation before authentication.
type Role string

const (
	RoleStaff   Role = "staff"   // teacher or admin viewer
	RoleStudent Role = "student" // student viewer (their own status page)
	RoleDevice  Role = "device"  // managed endpoint reporting heartbeats
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStaff, RoleStudent, RoleDevice:
		return true
	}
	return false
}
