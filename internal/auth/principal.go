package auth

import "context"

// Role is the authorization tier of a principal.
type Role string

const (
	RoleStudent    Role = "student"
	RoleTeacher    Role = "teacher"
	RoleSuperAdmin Role = "superAdmin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleSuperAdmin:
		return true
	}
	return false
}

// Principal is the authenticated actor behind a request.
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// IsStaff reports whether the principal may act on behalf of a class.
func (p Principal) IsStaff() bool {
	return p.Role == RoleTeacher || p.Role == RoleSuperAdmin
}

// Verifier resolves a bearer credential into a principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}
