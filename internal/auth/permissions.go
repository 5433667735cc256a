package auth

// Permission represents a named capability.
type Permission string

// Permission constants.
const (
	PermSyncRead       Permission = "sync:read"
	PermSyncTrigger    Permission = "sync:trigger"
	PermSyncDisconnect Permission = "sync:disconnect"
	PermStorageRead    Permission = "storage:read"
	PermStorageWrite   Permission = "storage:write"
)

// rolePermissions maps each role to its granted permissions.
// This is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermSyncRead,
	},
	RoleOperator: {
		PermSyncRead,
		PermSyncTrigger,
	},
	RoleAdmin: {
		PermSyncRead,
		PermSyncTrigger,
		PermSyncDisconnect,
	},
	RoleSyncClient: {
		PermStorageRead,
		PermStorageWrite,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
