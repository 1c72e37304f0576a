package repository

import (
	"context"
	"database/sql"
)

// PermissionRepo resolves the permission codes granted to a role. The
// authorization layer caches the result per user; this query is the
// from-source recomputation a cache miss falls back to.
type PermissionRepo struct{ DB *sql.DB }

func NewPermissionRepo(db *sql.DB) *PermissionRepo { return &PermissionRepo{DB: db} }

// ListCodesForRole returns the codes assigned to a role, ordered for
// stable output.
func (r *PermissionRepo) ListCodesForRole(ctx context.Context, role string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT p.code
		   FROM permissions p
		   JOIN role_permissions rp ON rp.permission_id = p.id
		  WHERE rp.role = ?
		  ORDER BY p.code`,
		role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	codes := make([]string, 0, 8)
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}
