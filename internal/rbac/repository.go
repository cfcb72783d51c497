package rbac

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed access to the permission tables.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// FetchTables loads permissions, roles with their permission ids, and user
// role assignments in one pass.
func (r *Repository) FetchTables(ctx context.Context) (Tables, error) {
	var tables Tables

	rows, err := r.pool.Query(ctx,
		`SELECT id, name, category, description FROM permissions ORDER BY category, name`)
	if err != nil {
		return Tables{}, fmt.Errorf("rbac: query permissions: %w", err)
	}
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Description); err != nil {
			rows.Close()
			return Tables{}, err
		}
		tables.Permissions = append(tables.Permissions, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Tables{}, err
	}

	rows, err = r.pool.Query(ctx,
		`SELECT r.id, r.name, r.description,
		        COALESCE(array_agg(rp.permission_id) FILTER (WHERE rp.permission_id IS NOT NULL), '{}')
		 FROM roles r
		 LEFT JOIN role_permissions rp ON rp.role_id = r.id
		 GROUP BY r.id, r.name, r.description
		 ORDER BY r.name`)
	if err != nil {
		return Tables{}, fmt.Errorf("rbac: query roles: %w", err)
	}
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.Permissions); err != nil {
			rows.Close()
			return Tables{}, err
		}
		tables.Roles = append(tables.Roles, role)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Tables{}, err
	}

	rows, err = r.pool.Query(ctx, `SELECT user_id, role_id FROM user_roles`)
	if err != nil {
		return Tables{}, fmt.Errorf("rbac: query user roles: %w", err)
	}
	for rows.Next() {
		var ur UserRole
		if err := rows.Scan(&ur.UserID, &ur.RoleID); err != nil {
			rows.Close()
			return Tables{}, err
		}
		tables.UserRoles = append(tables.UserRoles, ur)
	}
	rows.Close()
	return tables, rows.Err()
}
