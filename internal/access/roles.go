package access

// Role is a member's standing on a board.
type Role string

// Action is something a member may attempt on a board.
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionAdmin Action = "admin"
)

// Can reports whether role permits action.
func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// ParseRole maps a stored role string onto a known role. Unknown values are
// rejected rather than widened.
func ParseRole(raw string) (Role, bool) {
	switch Role(raw) {
	case RoleViewer, RoleEditor, RoleOwner:
		return Role(raw), true
	default:
		return "", false
	}
}
