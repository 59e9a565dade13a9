package policy

import (
	"github.com/platinummonkey/rolegate/pkg/rbac"
)

// Permission codes checked by the shipped decisions
const (
	PermRoleManage       rbac.PermissionCode = "admin.role.manage"
	PermPermissionManage rbac.PermissionCode = "admin.permission.manage"
	PermPermissionView   rbac.PermissionCode = "admin.permission.view"
	PermUnitManage       rbac.PermissionCode = "base.unit.manage"
)

// CanManageTenantRoles guards tenant role definitions, overrides and assignments
func CanManageTenantRoles(tenantID string) Decision {
	return Decision{
		Name:   "can_manage_tenant_roles",
		Bypass: AdminBypass(),
		Rule: All(
			SameTenant(tenantID),
			Any(HasPermission(PermRoleManage), HasAnyRole(string(rbac.RoleTenantOwner))),
		),
	}
}

// CanManageUserPermissions guards user level grants and denies
func CanManageUserPermissions(tenantID string) Decision {
	return Decision{
		Name:   "can_manage_user_permissions",
		Bypass: AdminBypass(),
		Rule: All(
			SameTenant(tenantID),
			HasPermission(PermPermissionManage),
		),
	}
}

// CanViewEffectivePermissions lets users inspect their own permissions and
// operators inspect anyone in their tenant
func CanViewEffectivePermissions(tenantID, userID string) Decision {
	return Decision{
		Name:   "can_view_effective_permissions",
		Bypass: AdminBypass(),
		Rule: All(
			SameTenant(tenantID),
			Any(OwnsResource(userID), HasPermission(PermPermissionView)),
		),
	}
}

// CanManageUnit has no bypass. An admin still needs a credential issued for
// the unit's tenant.
func CanManageUnit(tenantID string) Decision {
	return Decision{
		Name: "can_manage_unit",
		Rule: All(
			SameTenant(tenantID),
			Any(HasPermission(PermUnitManage), HasSystemRole(rbac.RoleAdmin)),
		),
	}
}

// CanManageGlobalRoles guards system-wide role assignments and the permission
// catalog. Only the admin clause can allow it.
func CanManageGlobalRoles() Decision {
	return Decision{
		Name:   "can_manage_global_roles",
		Bypass: AdminBypass(),
	}
}
