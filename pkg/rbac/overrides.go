package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RoleOverrideInput describes a tenant role override upsert.
//
// ExpectedVersion is an optimistic precondition: nil writes unconditionally,
// 0 requires that no row exists yet, and n > 0 requires the stored row to be
// at version n. A failed precondition returns a *ConflictError.
type RoleOverrideInput struct {
	TenantID        string
	RoleName        string
	Code            PermissionCode
	Granted         bool
	GrantedBy       string
	ExpectedVersion *int64
}

// UserPermissionInput describes a user grant or deny upsert.
// ExpectedVersion follows the same rules as RoleOverrideInput.
type UserPermissionInput struct {
	UserID          string
	TenantID        string
	Code            PermissionCode
	ExpiresAt       *time.Time
	Reason          string
	GrantedBy       string
	ExpectedVersion *int64
}

func userPermissionTable(kind UserPermissionKind) (string, error) {
	switch kind {
	case KindGrant:
		return "user_tenant_grants", nil
	case KindDeny:
		return "user_tenant_denies", nil
	default:
		return "", fmt.Errorf("unknown user permission kind: %q", kind)
	}
}

// SetRoleOverride upserts a tenant role override
func (s *Store) SetRoleOverride(ctx context.Context, in RoleOverrideInput, now time.Time) (*RoleOverride, error) {
	now = now.UTC()
	key := fmt.Sprintf("role override %s/%s/%s", in.TenantID, in.RoleName, in.Code)

	var row *sql.Row
	switch {
	case in.ExpectedVersion == nil:
		row = s.db.QueryRowContext(ctx, `
			INSERT INTO tenant_role_overrides (tenant_id, role_name, code, granted, granted_at, granted_by, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 1, $5)
			ON CONFLICT (tenant_id, role_name, code) DO UPDATE SET
				granted = excluded.granted,
				granted_at = excluded.granted_at,
				granted_by = excluded.granted_by,
				version = tenant_role_overrides.version + 1,
				updated_at = excluded.updated_at
			RETURNING version
		`, in.TenantID, in.RoleName, string(in.Code), in.Granted, now, in.GrantedBy)
	case *in.ExpectedVersion == 0:
		row = s.db.QueryRowContext(ctx, `
			INSERT INTO tenant_role_overrides (tenant_id, role_name, code, granted, granted_at, granted_by, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 1, $5)
			ON CONFLICT (tenant_id, role_name, code) DO NOTHING
			RETURNING version
		`, in.TenantID, in.RoleName, string(in.Code), in.Granted, now, in.GrantedBy)
	default:
		row = s.db.QueryRowContext(ctx, `
			UPDATE tenant_role_overrides
			SET granted = $1, granted_at = $2, granted_by = $3, version = version + 1, updated_at = $2
			WHERE tenant_id = $4 AND role_name = $5 AND code = $6 AND version = $7
			RETURNING version
		`, in.Granted, now, in.GrantedBy, in.TenantID, in.RoleName, string(in.Code), *in.ExpectedVersion)
	}

	var version int64
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) && in.ExpectedVersion != nil {
			actual, lookupErr := s.currentVersion(ctx,
				"SELECT version FROM tenant_role_overrides WHERE tenant_id = $1 AND role_name = $2 AND code = $3",
				in.TenantID, in.RoleName, string(in.Code))
			if lookupErr != nil {
				return nil, lookupErr
			}
			return nil, &ConflictError{Key: key, Expected: *in.ExpectedVersion, Actual: actual}
		}
		return nil, fmt.Errorf("failed to set role override: %w", err)
	}

	return &RoleOverride{
		TenantID:  in.TenantID,
		RoleName:  in.RoleName,
		Code:      in.Code,
		Granted:   in.Granted,
		GrantedAt: now,
		GrantedBy: in.GrantedBy,
		Version:   version,
		UpdatedAt: now,
	}, nil
}

// ClearRoleOverride deletes an override, reverting the role to its baseline
// for code. Returns false if there was nothing to delete.
func (s *Store) ClearRoleOverride(ctx context.Context, tenantID, roleName string, code PermissionCode) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM tenant_role_overrides WHERE tenant_id = $1 AND role_name = $2 AND code = $3",
		tenantID, roleName, string(code))
	if err != nil {
		return false, fmt.Errorf("failed to clear role override: %w", err)
	}
	return rowsChanged(result)
}

// ListRoleOverrides returns the overrides of one tenant role, ordered by code
func (s *Store) ListRoleOverrides(ctx context.Context, tenantID, roleName string) ([]RoleOverride, error) {
	return s.queryRoleOverrides(ctx, `
		SELECT tenant_id, role_name, code, granted, granted_at, granted_by, version, updated_at
		FROM tenant_role_overrides
		WHERE tenant_id = $1 AND role_name = $2
		ORDER BY code
	`, tenantID, roleName)
}

// RoleOverridesForTenant returns every override defined in a tenant
func (s *Store) RoleOverridesForTenant(ctx context.Context, tenantID string) ([]RoleOverride, error) {
	return s.queryRoleOverrides(ctx, `
		SELECT tenant_id, role_name, code, granted, granted_at, granted_by, version, updated_at
		FROM tenant_role_overrides
		WHERE tenant_id = $1
		ORDER BY role_name, code
	`, tenantID)
}

func (s *Store) queryRoleOverrides(ctx context.Context, query string, args ...interface{}) ([]RoleOverride, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list role overrides: %w", err)
	}
	defer rows.Close()

	var overrides []RoleOverride
	for rows.Next() {
		var o RoleOverride
		var code string
		if err := rows.Scan(
			&o.TenantID,
			&o.RoleName,
			&code,
			&o.Granted,
			&o.GrantedAt,
			&o.GrantedBy,
			&o.Version,
			&o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan role override: %w", err)
		}
		o.Code = PermissionCode(code)
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

// SetUserGrant upserts a user-level grant
func (s *Store) SetUserGrant(ctx context.Context, in UserPermissionInput, now time.Time) (*UserPermission, error) {
	return s.SetUserPermission(ctx, KindGrant, in, now)
}

// SetUserDeny upserts a user-level deny
func (s *Store) SetUserDeny(ctx context.Context, in UserPermissionInput, now time.Time) (*UserPermission, error) {
	return s.SetUserPermission(ctx, KindDeny, in, now)
}

// SetUserPermission upserts a grant or deny row. Grants and denies are keyed
// independently, so a code may have a live row in both tables.
func (s *Store) SetUserPermission(ctx context.Context, kind UserPermissionKind, in UserPermissionInput, now time.Time) (*UserPermission, error) {
	table, err := userPermissionTable(kind)
	if err != nil {
		return nil, err
	}

	now = now.UTC()
	var expiresAt sql.NullTime
	if in.ExpiresAt != nil {
		if !in.ExpiresAt.After(now) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidExpiry, in.ExpiresAt.Format(time.RFC3339))
		}
		expiresAt = sql.NullTime{Time: in.ExpiresAt.UTC(), Valid: true}
	}
	key := fmt.Sprintf("user %s %s/%s/%s", kind, in.UserID, in.TenantID, in.Code)

	var row *sql.Row
	switch {
	case in.ExpectedVersion == nil:
		row = s.db.QueryRowContext(ctx, fmt.Sprintf(`
			INSERT INTO %[1]s (user_id, tenant_id, code, expires_at, granted_at, granted_by, reason, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $5)
			ON CONFLICT (user_id, tenant_id, code) DO UPDATE SET
				expires_at = excluded.expires_at,
				granted_at = excluded.granted_at,
				granted_by = excluded.granted_by,
				reason = excluded.reason,
				version = %[1]s.version + 1,
				updated_at = excluded.updated_at
			RETURNING version
		`, table), in.UserID, in.TenantID, string(in.Code), expiresAt, now, in.GrantedBy, in.Reason)
	case *in.ExpectedVersion == 0:
		row = s.db.QueryRowContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (user_id, tenant_id, code, expires_at, granted_at, granted_by, reason, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $5)
			ON CONFLICT (user_id, tenant_id, code) DO NOTHING
			RETURNING version
		`, table), in.UserID, in.TenantID, string(in.Code), expiresAt, now, in.GrantedBy, in.Reason)
	default:
		row = s.db.QueryRowContext(ctx, fmt.Sprintf(`
			UPDATE %s
			SET expires_at = $1, granted_at = $2, granted_by = $3, reason = $4, version = version + 1, updated_at = $2
			WHERE user_id = $5 AND tenant_id = $6 AND code = $7 AND version = $8
			RETURNING version
		`, table), expiresAt, now, in.GrantedBy, in.Reason, in.UserID, in.TenantID, string(in.Code), *in.ExpectedVersion)
	}

	var version int64
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) && in.ExpectedVersion != nil {
			actual, lookupErr := s.currentVersion(ctx,
				fmt.Sprintf("SELECT version FROM %s WHERE user_id = $1 AND tenant_id = $2 AND code = $3", table),
				in.UserID, in.TenantID, string(in.Code))
			if lookupErr != nil {
				return nil, lookupErr
			}
			return nil, &ConflictError{Key: key, Expected: *in.ExpectedVersion, Actual: actual}
		}
		return nil, fmt.Errorf("failed to set user %s: %w", kind, err)
	}

	p := &UserPermission{
		UserID:    in.UserID,
		TenantID:  in.TenantID,
		Code:      in.Code,
		GrantedAt: now,
		GrantedBy: in.GrantedBy,
		Reason:    in.Reason,
		Version:   version,
		UpdatedAt: now,
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		p.ExpiresAt = &t
	}
	return p, nil
}

// ClearUserGrant deletes a grant. Returns false if absent.
func (s *Store) ClearUserGrant(ctx context.Context, userID, tenantID string, code PermissionCode) (bool, error) {
	return s.ClearUserPermission(ctx, KindGrant, userID, tenantID, code)
}

// ClearUserDeny deletes a deny. Returns false if absent.
func (s *Store) ClearUserDeny(ctx context.Context, userID, tenantID string, code PermissionCode) (bool, error) {
	return s.ClearUserPermission(ctx, KindDeny, userID, tenantID, code)
}

// ClearUserPermission deletes a grant or deny row
func (s *Store) ClearUserPermission(ctx context.Context, kind UserPermissionKind, userID, tenantID string, code PermissionCode) (bool, error) {
	table, err := userPermissionTable(kind)
	if err != nil {
		return false, err
	}

	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE user_id = $1 AND tenant_id = $2 AND code = $3", table),
		userID, tenantID, string(code))
	if err != nil {
		return false, fmt.Errorf("failed to clear user %s: %w", kind, err)
	}
	return rowsChanged(result)
}

// UserPermissions returns every grant or deny row of a user in a tenant,
// including rows that have already expired
func (s *Store) UserPermissions(ctx context.Context, kind UserPermissionKind, userID, tenantID string) ([]UserPermission, error) {
	table, err := userPermissionTable(kind)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT user_id, tenant_id, code, expires_at, granted_at, granted_by, reason, version, updated_at
		FROM %s
		WHERE user_id = $1 AND tenant_id = $2
		ORDER BY code
	`, table), userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user %ss: %w", kind, err)
	}
	defer rows.Close()

	var out []UserPermission
	for rows.Next() {
		p, err := scanUserPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user %s: %w", kind, err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ActiveGrants returns granted codes whose expiry is unset or after now
func (s *Store) ActiveGrants(ctx context.Context, userID, tenantID string, now time.Time) ([]PermissionCode, error) {
	return s.activeCodes(ctx, KindGrant, userID, tenantID, now)
}

// ActiveDenies returns denied codes whose expiry is unset or after now
func (s *Store) ActiveDenies(ctx context.Context, userID, tenantID string, now time.Time) ([]PermissionCode, error) {
	return s.activeCodes(ctx, KindDeny, userID, tenantID, now)
}

func (s *Store) activeCodes(ctx context.Context, kind UserPermissionKind, userID, tenantID string, now time.Time) ([]PermissionCode, error) {
	rows, err := s.UserPermissions(ctx, kind, userID, tenantID)
	if err != nil {
		return nil, err
	}
	codes := make([]PermissionCode, 0, len(rows))
	for _, row := range rows {
		if row.ActiveAt(now) {
			codes = append(codes, row.Code)
		}
	}
	return codes, nil
}

// PurgeExpired hard-deletes grant and deny rows that expired at or before now.
// Resolution already ignores such rows; this only reclaims space.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, kind := range []UserPermissionKind{KindGrant, KindDeny} {
		table, _ := userPermissionTable(kind)
		result, err := s.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= $1", table),
			now.UTC())
		if err != nil {
			return total, fmt.Errorf("failed to purge expired %ss: %w", kind, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to purge expired %ss: %w", kind, err)
		}
		total += affected
	}
	return total, nil
}

func (s *Store) currentVersion(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read current version: %w", err)
	}
	return version, nil
}

func scanUserPermission(row scanner) (*UserPermission, error) {
	var p UserPermission
	var code string
	var expiresAt sql.NullTime
	if err := row.Scan(
		&p.UserID,
		&p.TenantID,
		&code,
		&expiresAt,
		&p.GrantedAt,
		&p.GrantedBy,
		&p.Reason,
		&p.Version,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Code = PermissionCode(code)
	if expiresAt.Valid {
		t := expiresAt.Time
		p.ExpiresAt = &t
	}
	return &p, nil
}
