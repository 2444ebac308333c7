package session

import "strings"

// Role is the access level stored in the backend profile.
type Role string

// Roles known to the marketplace.
const (
	RoleUser   Role = "user"
	RoleVendor Role = "vendor"
	RoleAdmin  Role = "admin"
)

// ParseRole normalizes raw. Empty or unknown values resolve to RoleUser so a
// missing role never blocks navigation.
func ParseRole(raw string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleVendor:
		return RoleVendor
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleUser
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleVendor || r == RoleAdmin
}

func (r Role) String() string {
	return string(r)
}
