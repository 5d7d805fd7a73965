package auth

import (
	"slices"

	"classattend/internal/apperr"
)

// Action is an operation a principal asks to perform.
type Action string

const (
	ActionStartSession        Action = "session:start"
	ActionRefreshQR           Action = "session:refresh_qr"
	ActionEndSession          Action = "session:end"
	ActionViewSession         Action = "session:view"
	ActionViewStats           Action = "session:stats"
	ActionClassReport         Action = "class:report"
	ActionMarkSelf            Action = "attendance:mark_self"
	ActionMarkManual          Action = "attendance:mark_manual"
	ActionViewOwnRecords      Action = "attendance:view_own"
	ActionAdminOverview       Action = "admin:overview"
	ActionAdminPendingActions Action = "admin:pending_actions"
	ActionAdminActiveSessions Action = "admin:active_sessions"
)

// RoleCapabilities maps roles to the actions they may attempt.
var RoleCapabilities = map[Role][]Action{
	RoleStudent: {
		ActionMarkSelf,
		ActionViewOwnRecords,
	},
	RoleTeacher: {
		ActionStartSession,
		ActionRefreshQR,
		ActionEndSession,
		ActionViewSession,
		ActionViewStats,
		ActionClassReport,
		ActionMarkManual,
		ActionViewOwnRecords,
	},
	RoleSuperAdmin: {
		ActionStartSession,
		ActionRefreshQR,
		ActionEndSession,
		ActionViewSession,
		ActionViewStats,
		ActionClassReport,
		ActionMarkManual,
		ActionViewOwnRecords,
		ActionAdminOverview,
		ActionAdminPendingActions,
		ActionAdminActiveSessions,
	},
}

var adminOnly = []Action{
	ActionAdminOverview,
	ActionAdminPendingActions,
	ActionAdminActiveSessions,
}

var ownerScoped = []Action{
	ActionStartSession,
	ActionRefreshQR,
	ActionEndSession,
	ActionViewSession,
	ActionViewStats,
	ActionClassReport,
	ActionMarkManual,
}

// Resource carries the ownership facts needed to decide an action.
type Resource struct {
	// ClassTeacherID is the owner of the class the action targets.
	ClassTeacherID string
	// SubjectID is the student an attendance action is about.
	SubjectID string
}

// HasPermission checks if a role has a specific capability.
func HasPermission(role Role, action Action) bool {
	actions, ok := RoleCapabilities[role]
	if !ok {
		return false
	}
	return slices.Contains(actions, action)
}

// RequireCapability checks the role half of Authorize. It needs no resource, so callers use it
// before loading anything on the principal's behalf.
func RequireCapability(p Principal, action Action) error {
	if p.ID == "" || !p.Role.Valid() {
		return apperr.New(apperr.CodeUnauthenticated, "no authenticated principal")
	}

	if !HasPermission(p.Role, action) {
		if slices.Contains(adminOnly, action) {
			return apperr.New(apperr.CodeSuperAdminOnly, "%s requires a super-admin", action)
		}
		return apperr.New(apperr.CodeNotClassOwner, "%s is limited to class staff", action)
	}
	return nil
}

// Authorize decides whether p may perform action on res.
func Authorize(p Principal, action Action, res Resource) error {
	if err := RequireCapability(p, action); err != nil {
		return err
	}

	if p.Role == RoleSuperAdmin {
		return nil
	}

	if slices.Contains(ownerScoped, action) && res.ClassTeacherID != p.ID {
		return apperr.New(apperr.CodeNotClassOwner, "%s is limited to the class owner", action)
	}

	if action == ActionMarkSelf && res.SubjectID != p.ID {
		return apperr.New(apperr.CodeNotClassOwner, "students may only mark their own attendance")
	}

	return nil
}
