// Package rbac maps account roles to the administrative actions they allow.
// Document access is ownership based and not handled here.
package rbac

import "signflow/api/internal/apperr"

type Role string
type Action string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

const (
	ActionManageDocuments Action = "manage_documents"
	ActionViewUsers       Action = "view_users"
	ActionViewStats       Action = "view_stats"
	ActionSuspendUsers    Action = "suspend_users"
	ActionChangeRoles     Action = "change_roles"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleModerator:
		return action == ActionManageDocuments || action == ActionViewUsers || action == ActionViewStats || action == ActionSuspendUsers
	case RoleUser:
		return action == ActionManageDocuments
	default:
		return false
	}
}

// Require returns an authorization error when role may not perform action.
func Require(role Role, action Action) error {
	if Can(role, action) {
		return nil
	}
	return apperr.Authorization("role " + string(role) + " may not " + string(action))
}

func Valid(role string) bool {
	switch Role(role) {
	case RoleUser, RoleModerator, RoleAdmin:
		return true
	default:
		return false
	}
}

func Normalize(role string) Role {
	if Valid(role) {
		return Role(role)
	}
	return RoleUser
}
