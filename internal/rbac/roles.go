package rbac

// Role names carried in operator access tokens.
const (
	RoleOwner      = "owner"
	RoleOperator   = "operator"
	RoleAnalyst    = "analyst"
	RoleSuperAdmin = "super_admin"
	RoleSupport    = "support" // hidden role
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleSupport }

// IsKnownRole reports whether role may be put in a token.
func IsKnownRole(role string) bool {
	switch role {
	case RoleOwner, RoleOperator, RoleAnalyst, RoleSuperAdmin, RoleSupport:
		return true
	}
	return false
}
