package rbac

import "slices"

// Role is a membership role inside one class instance.
type Role string

// Action is a permission string stored on a membership.
type Action string

const (
	RoleProfessor Role = "professor"
	RoleTA        Role = "ta"
	RoleStudent   Role = "student"
)

const (
	ActionViewAssignments Action = "view_assignments"
	ActionEditSolution    Action = "edit_solution"
	ActionResolveDispute  Action = "resolve_dispute"
	ActionManageRoster    Action = "manage_roster"
	ActionRevertEdits     Action = "revert_edits"
)

const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
)

// Grant is one membership row as seen by permission checks.
type Grant struct {
	Role        Role
	Status      string
	Permissions []string
}

func (g Grant) Active() bool {
	return g.Status == StatusActive
}

func (g Grant) Holds(action Action) bool {
	return slices.Contains(g.Permissions, string(action))
}

// Can reports whether an active membership carries the action.
func Can(grant Grant, action Action) bool {
	return grant.Active() && grant.Holds(action)
}

// IsModerator is true for the class owner, or for the first active
// professor/TA grant holding resolve_dispute.
func IsModerator(ownerID, userID string, grants []Grant) bool {
	if userID == "" {
		return false
	}
	if ownerID != "" && ownerID == userID {
		return true
	}
	for _, grant := range grants {
		if grant.Role != RoleTA && grant.Role != RoleProfessor {
			continue
		}
		if Can(grant, ActionResolveDispute) {
			return true
		}
	}
	return false
}

// IsParticipant is true for the owner or any active member.
func IsParticipant(ownerID, userID string, grants []Grant) bool {
	if userID == "" {
		return false
	}
	if ownerID == userID {
		return true
	}
	return slices.ContainsFunc(grants, Grant.Active)
}

func DefaultPermissions(role Role) []string {
	switch role {
	case RoleProfessor:
		return []string{
			string(ActionViewAssignments),
			string(ActionEditSolution),
			string(ActionResolveDispute),
			string(ActionManageRoster),
			string(ActionRevertEdits),
		}
	case RoleTA, RoleStudent:
		return []string{string(ActionViewAssignments)}
	default:
		return nil
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleProfessor, RoleTA, RoleStudent:
		return Role(role)
	default:
		return RoleStudent
	}
}
