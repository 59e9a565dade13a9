package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store persists tenant roles, role assignments and overrides.
// Timestamps are written in UTC.
type Store struct {
	db *sql.DB
}

// NewStore creates a new RBAC store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// CreateTenantRole defines a tenant role. Names may not shadow a global role.
func (s *Store) CreateTenantRole(ctx context.Context, role *TenantRole) error {
	if err := ValidateRoleName(role.Name); err != nil {
		return err
	}
	if IsGlobalRole(role.Name) {
		return fmt.Errorf("%w: %q is a global role", ErrInvalidRoleName, role.Name)
	}
	if _, err := ParseGlobalRole(string(role.BaseRole)); err != nil {
		return err
	}

	if role.CreatedAt.IsZero() {
		role.CreatedAt = time.Now()
	}
	role.CreatedAt = role.CreatedAt.UTC()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_roles (tenant_id, name, base_role, description, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, name) DO NOTHING
	`, role.TenantID, role.Name, string(role.BaseRole), role.Description, role.CreatedBy, role.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create tenant role: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to create tenant role: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrTenantRoleExists, role.TenantID, role.Name)
	}

	return nil
}

// GetTenantRole retrieves a tenant role definition
func (s *Store) GetTenantRole(ctx context.Context, tenantID, name string) (*TenantRole, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, name, base_role, description, created_by, created_at
		FROM tenant_roles
		WHERE tenant_id = $1 AND name = $2
	`, tenantID, name)

	role, err := scanTenantRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrTenantRoleNotFound, tenantID, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant role: %w", err)
	}
	return role, nil
}

// ListTenantRoles lists the roles defined by a tenant, ordered by name
func (s *Store) ListTenantRoles(ctx context.Context, tenantID string) ([]TenantRole, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, name, base_role, description, created_by, created_at
		FROM tenant_roles
		WHERE tenant_id = $1
		ORDER BY name ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant roles: %w", err)
	}
	defer rows.Close()

	var roles []TenantRole
	for rows.Next() {
		role, err := scanTenantRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant role: %w", err)
		}
		roles = append(roles, *role)
	}
	return roles, rows.Err()
}

// DeleteTenantRole removes a tenant role together with its assignments and
// overrides. Returns false if the role did not exist.
func (s *Store) DeleteTenantRole(ctx context.Context, tenantID, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM user_tenant_roles WHERE tenant_id = $1 AND role_name = $2", tenantID, name); err != nil {
		return false, fmt.Errorf("failed to delete role assignments: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM tenant_role_overrides WHERE tenant_id = $1 AND role_name = $2", tenantID, name); err != nil {
		return false, fmt.Errorf("failed to delete role overrides: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		"DELETE FROM tenant_roles WHERE tenant_id = $1 AND name = $2", tenantID, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete tenant role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete tenant role: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit role deletion: %w", err)
	}
	return affected > 0, nil
}

// AssignGlobalRole grants a system-wide role. Returns false if already held.
func (s *Store) AssignGlobalRole(ctx context.Context, userID string, role GlobalRole, grantedBy string, now time.Time) (bool, error) {
	if _, err := ParseGlobalRole(string(role)); err != nil {
		return false, err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO user_global_roles (user_id, role, granted_by, granted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, role) DO NOTHING
	`, userID, string(role), grantedBy, now.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to assign global role: %w", err)
	}
	return rowsChanged(result)
}

// RevokeGlobalRole removes a system-wide role. Returns false if it was not held.
func (s *Store) RevokeGlobalRole(ctx context.Context, userID string, role GlobalRole) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM user_global_roles WHERE user_id = $1 AND role = $2", userID, string(role))
	if err != nil {
		return false, fmt.Errorf("failed to revoke global role: %w", err)
	}
	return rowsChanged(result)
}

// GlobalRolesOf returns the system-wide roles held by a user
func (s *Store) GlobalRolesOf(ctx context.Context, userID string) ([]GlobalRole, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT role FROM user_global_roles WHERE user_id = $1 ORDER BY role", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get global roles: %w", err)
	}
	defer rows.Close()

	var roles []GlobalRole
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan global role: %w", err)
		}
		role, err := ParseGlobalRole(name)
		if err != nil {
			// rows written before a role was retired are ignored
			continue
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// AssignTenantRole grants roleName to a user within a tenant. The name must be a
// global role or a role defined for the tenant, otherwise ErrRoleUnknownInTenant
// is returned. The admin role is only held system-wide and is rejected with
// ErrSystemOnlyRole. Re-assigning is a no-op and returns false.
func (s *Store) AssignTenantRole(ctx context.Context, userID, tenantID, roleName, grantedBy string, now time.Time) (bool, error) {
	if roleName == string(RoleAdmin) {
		return false, fmt.Errorf("%w: %s", ErrSystemOnlyRole, roleName)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if !IsGlobalRole(roleName) {
		var one int
		err := tx.QueryRowContext(ctx,
			"SELECT 1 FROM tenant_roles WHERE tenant_id = $1 AND name = $2", tenantID, roleName).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%w: %s in %s", ErrRoleUnknownInTenant, roleName, tenantID)
		}
		if err != nil {
			return false, fmt.Errorf("failed to look up tenant role: %w", err)
		}
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO user_tenant_roles (user_id, tenant_id, role_name, granted_by, granted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, tenant_id, role_name) DO NOTHING
	`, userID, tenantID, roleName, grantedBy, now.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to assign tenant role: %w", err)
	}
	added, err := rowsChanged(result)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit role assignment: %w", err)
	}
	return added, nil
}

// RemoveTenantRole revokes a tenant role. Returns false if it was not held.
func (s *Store) RemoveTenantRole(ctx context.Context, userID, tenantID, roleName string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM user_tenant_roles WHERE user_id = $1 AND tenant_id = $2 AND role_name = $3",
		userID, tenantID, roleName)
	if err != nil {
		return false, fmt.Errorf("failed to remove tenant role: %w", err)
	}
	return rowsChanged(result)
}

// TenantRolesOf returns the role names a user holds in a tenant
func (s *Store) TenantRolesOf(ctx context.Context, userID, tenantID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT role_name FROM user_tenant_roles WHERE user_id = $1 AND tenant_id = $2 ORDER BY role_name",
		userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant roles: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan tenant role: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// RolesOf returns the union of a user's global roles and the roles held in tenantID
func (s *Store) RolesOf(ctx context.Context, userID, tenantID string) ([]string, error) {
	global, err := s.GlobalRolesOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	tenant, err := s.TenantRolesOf(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(global)+len(tenant))
	for _, r := range global {
		names = append(names, string(r))
	}
	names = append(names, tenant...)
	return sortedUnique(names), nil
}

// roleBases maps every role defined by the tenant to its base role
func (s *Store) roleBases(ctx context.Context, tenantID string) (map[string]GlobalRole, error) {
	roles, err := s.ListTenantRoles(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	bases := make(map[string]GlobalRole, len(roles))
	for _, r := range roles {
		bases[r.Name] = r.BaseRole
	}
	return bases, nil
}

func scanTenantRole(row scanner) (*TenantRole, error) {
	var role TenantRole
	var baseRole string
	if err := row.Scan(
		&role.TenantID,
		&role.Name,
		&baseRole,
		&role.Description,
		&role.CreatedBy,
		&role.CreatedAt,
	); err != nil {
		return nil, err
	}
	role.BaseRole = GlobalRole(baseRole)
	return &role, nil
}

func rowsChanged(result sql.Result) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}
