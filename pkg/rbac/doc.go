// Package rbac resolves the effective permission set of a user within a tenant.
//
// # Overview
//
// Permissions are namespaced codes (area.resource.action, e.g. "base.unit.manage")
// registered in a PermissionCatalog. A fixed set of global roles (admin,
// tenant_owner, technician, supporter, resident, unit_owner, account) each carry
// a base permission set held by the RoleCatalog. Tenants define their own roles,
// each inheriting exactly one global role, and adjust them with per-role
// overrides. Individual users can additionally receive grants and denies, which
// may expire.
//
// # Resolution
//
// Resolver.Resolve is a pure function of a Snapshot and a time:
//
//  1. base sets of the global roles the user holds system-wide
//  2. plus base sets inherited by every role the user holds in the tenant
//  3. role overrides for held roles (grants added, removals applied after)
//  4. active user denies removed
//  5. active user grants added
//  6. active user denies removed again
//
// A code denied at the user level is therefore never present in the result,
// whatever grants exist. Rows that expire at or before the resolution time are
// ignored.
//
// Store.LoadSnapshot runs its reads concurrently on separate connections, so
// a Snapshot is not a single point-in-time view. A mutation committed while
// the reads are in flight may be visible to some of them and not others. The
// result is at most one resolution behind a concurrent change, the same bound
// issued credentials already carry until their next issuance.
//
// # Storage
//
// Store persists tenant roles, assignments, overrides, grants and denies in
// PostgreSQL (SQLite in tests). Override, grant and deny upserts accept an
// optional expected version:
//
//	v := int64(3)
//	_, err := store.SetRoleOverride(ctx, rbac.RoleOverrideInput{
//		TenantID:        "t-1",
//		RoleName:        "technician",
//		Code:            "base.unit.delete",
//		Granted:         false,
//		ExpectedVersion: &v,
//	}, now)
//	if errors.Is(err, rbac.ErrVersionConflict) {
//		// reload and retry
//	}
//
// # Administration
//
// The admin role is only ever held system-wide. AssignTenantRole rejects it
// with ErrSystemOnlyRole.
//
// Manager wraps the catalogs and store with validation, audit events and
// metrics. It is the surface the HTTP API calls into:
//
//	mgr := rbac.NewManager(roles, store, rbac.WithAuditLogger(auditLogger))
//	_, err := mgr.AssignTenantRole(ctx, "u-1", "t-1", "technician", "u-admin")
//	perms, err := mgr.EffectivePermissions(ctx, "u-1", "t-1")
package rbac
