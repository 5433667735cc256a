package auth

import "errors"

// Role represents an authorisation tier.
type Role string

const (
	// RoleViewer can read sync status and telemetry.
	RoleViewer Role = "viewer"

	// RoleOperator can additionally trigger and interrupt syncs.
	RoleOperator Role = "operator"

	// RoleAdmin can additionally disconnect the account and wipe local data.
	RoleAdmin Role = "admin"

	// RoleSyncClient is the identity of a device talking to the storage
	// service. It is not a user role.
	RoleSyncClient Role = "sync-client"
)

// ValidRoles is the set of roles a token may carry.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin, RoleSyncClient}

// IsValidRole returns true if r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Sentinel errors for auth operations.
var (
	ErrTokenInvalid  = errors.New("invalid token")
	ErrInvalidRole   = errors.New("invalid role")
	ErrSecretMissing = errors.New("signing secret is not configured")
)
