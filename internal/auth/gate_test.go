package auth

import (
	"testing"

	"github.com/stretchr/testify/require"

	"classattend/internal/apperr"
)

func TestAuthorize(t *testing.T) {
	student := Principal{ID: "stu-1", Role: RoleStudent}
	teacher := Principal{ID: "t-1", Role: RoleTeacher}
	otherTeacher := Principal{ID: "t-2", Role: RoleTeacher}
	admin := Principal{ID: "root", Role: RoleSuperAdmin}
	owned := Resource{ClassTeacherID: "t-1"}

	tests := []struct {
		name      string
		principal Principal
		action    Action
		resource  Resource
		wantCode  apperr.Code
	}{
		{"teacher starts own class", teacher, ActionStartSession, owned, ""},
		{"teacher ends own class", teacher, ActionEndSession, owned, ""},
		{"other teacher refreshes", otherTeacher, ActionRefreshQR, owned, apperr.CodeNotClassOwner},
		{"other teacher reads stats", otherTeacher, ActionViewStats, owned, apperr.CodeNotClassOwner},
		{"student starts session", student, ActionStartSession, owned, apperr.CodeNotClassOwner},
		{"student marks self", student, ActionMarkSelf, Resource{ClassTeacherID: "t-1", SubjectID: "stu-1"}, ""},
		{"student marks someone else", student, ActionMarkSelf, Resource{ClassTeacherID: "t-1", SubjectID: "stu-2"}, apperr.CodeNotClassOwner},
		{"student marks manually", student, ActionMarkManual, owned, apperr.CodeNotClassOwner},
		{"student reads own records", student, ActionViewOwnRecords, Resource{}, ""},
		{"student admin overview", student, ActionAdminOverview, Resource{}, apperr.CodeSuperAdminOnly},
		{"teacher admin active sessions", teacher, ActionAdminActiveSessions, Resource{}, apperr.CodeSuperAdminOnly},
		{"admin overview", admin, ActionAdminOverview, Resource{}, ""},
		{"admin ends any class", admin, ActionEndSession, owned, ""},
		{"admin manual mark", admin, ActionMarkManual, owned, ""},
		{"anonymous", Principal{}, ActionViewOwnRecords, Resource{}, apperr.CodeUnauthenticated},
		{"unknown role", Principal{ID: "x", Role: "janitor"}, ActionViewOwnRecords, Resource{}, apperr.CodeUnauthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authorize(tt.principal, tt.action, tt.resource)
			if tt.wantCode == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Equal(t, tt.wantCode, apperr.From(err).Code)
		})
	}
}

func TestHasPermission(t *testing.T) {
	require.True(t, HasPermission(RoleSuperAdmin, ActionAdminPendingActions))
	require.False(t, HasPermission(RoleTeacher, ActionAdminPendingActions))
	require.False(t, HasPermission(RoleStudent, ActionEndSession))
	require.False(t, HasPermission(Role("guest"), ActionViewOwnRecords))
}
