package rbac

import "strings"

type Role string
type Action string

const (
	RoleAdmin       Role = "admin"
	RoleCounselor   Role = "counselor"
	RoleNurse       Role = "nurse"
	RoleTherapist   Role = "therapist"
	RoleCaseManager Role = "case_manager"
	RoleStaff       Role = "staff"
)

const (
	ActionRead         Action = "read"
	ActionPost         Action = "post"
	ActionModerate     Action = "moderate"
	ActionManageUsers  Action = "manage_users"
	ActionViewActivity Action = "view_activity"
)

var known = []Role{RoleAdmin, RoleCounselor, RoleNurse, RoleTherapist, RoleCaseManager, RoleStaff}

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleCounselor, RoleNurse, RoleTherapist, RoleCaseManager, RoleStaff:
		return action == ActionRead || action == ActionPost
	default:
		return false
	}
}

// Normalize maps a stored role onto the catalogue. Unknown values fall back to staff.
func Normalize(role string) Role {
	if parsed, ok := Parse(role); ok {
		return parsed
	}
	return RoleStaff
}

// Parse reports whether value names a known role.
func Parse(value string) (Role, bool) {
	candidate := Role(strings.ToLower(strings.TrimSpace(value)))
	for _, role := range known {
		if candidate == role {
			return role, true
		}
	}
	return "", false
}

func All() []Role {
	out := make([]Role, len(known))
	copy(out, known)
	return out
}

func IsAdmin(role string) bool {
	return Role(role) == RoleAdmin
}
