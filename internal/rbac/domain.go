package rbac

// Permission represents an atomic capability.
type Permission struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// Role groups permissions under a stable identifier. Permissions holds
// permission ids, the role-to-permission side of the many-to-many join.
type Role struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

// UserRole links a user to a role.
type UserRole struct {
	UserID string `json:"user_id"`
	RoleID string `json:"role_id"`
}

// Tables is the full backing data set the resolver evaluates against.
type Tables struct {
	Permissions []Permission `json:"permissions"`
	Roles       []Role       `json:"roles"`
	UserRoles   []UserRole   `json:"user_roles"`
}
