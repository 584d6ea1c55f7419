package auth

import (
	"fmt"
	"strings"
)

// Role is the closed set of principals. The zero value is never valid.
type Role uint8

const (
	RoleUnknown Role = iota
	RolePatient
	RoleCenterAdmin
	RolePlatformAdmin
)

func (r Role) String() string {
	switch r {
	case RolePatient:
		return "patient"
	case RoleCenterAdmin:
		return "center_admin"
	case RolePlatformAdmin:
		return "platform_admin"
	}
	return "unknown"
}

// Rank orders roles for escalation checks; higher outranks lower.
func (r Role) Rank() int {
	switch r {
	case RolePatient:
		return 1
	case RoleCenterAdmin:
		return 2
	case RolePlatformAdmin:
		return 3
	}
	return 0
}

func (r Role) Valid() bool { return r.Rank() > 0 }

func ParseRole(s string) (Role, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "patient":
		return RolePatient, nil
	case "center_admin":
		return RoleCenterAdmin, nil
	case "platform_admin":
		return RolePlatformAdmin, nil
	}
	return RoleUnknown, fmt.Errorf("auth: unknown role %q", s)
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("auth: cannot marshal role %d", r)
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// CanAssign reports whether actor may grant role to someone else. Only the
// top role may grant the top role; everyone else may only grant roles
// strictly below their own.
func CanAssign(actor, role Role) bool {
	if !actor.Valid() || !role.Valid() {
		return false
	}
	if actor == RolePlatformAdmin {
		return true
	}
	if role == RolePlatformAdmin {
		return false
	}
	return role.Rank() < actor.Rank()
}

// CanManage reports whether actor may change the role of a subject who
// currently holds current.
func CanManage(actor, current Role) bool {
	if actor == RolePlatformAdmin {
		return true
	}
	return actor.Valid() && current.Rank() < actor.Rank()
}
