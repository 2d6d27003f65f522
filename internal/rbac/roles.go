package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOperator   = "operator"
	RoleSupervisor = "supervisor"
	RoleAdmin      = "admin"

	// RoleIntegration is the hidden server-to-server role used by other CRM
	// modules; it is denied unless a route allows it explicitly.
	RoleIntegration = "integration"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsHiddenRole(role string) bool { return role == RoleIntegration }
