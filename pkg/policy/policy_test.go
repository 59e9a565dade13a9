package policy

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rolegate/pkg/observability"
	"github.com/platinummonkey/rolegate/pkg/rbac"
	"github.com/platinummonkey/rolegate/pkg/session"
)

var issuedAt = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func principal(user, tenant string, roles []string, perms ...rbac.PermissionCode) *session.Principal {
	return session.NewPrincipal(user, tenant, "", nil, roles, perms, issuedAt, issuedAt.Add(15*time.Minute))
}

func adminPrincipal(user, tenant string) *session.Principal {
	return session.NewPrincipal(user, tenant, "", []string{"admin"}, nil, nil, issuedAt, issuedAt.Add(15*time.Minute))
}

func TestPredicates(t *testing.T) {
	p := principal("u-1", "t-1", []string{"technician"}, "base.unit.view", "base.unit.manage")

	assert.True(t, HasPermission("base.unit.manage")(p))
	assert.False(t, HasPermission("base.unit.delete")(p))

	assert.True(t, HasAnyRole("admin", "technician")(p))
	assert.False(t, HasAnyRole("admin")(p))
	assert.False(t, HasAnyRole()(p))

	assert.True(t, SameTenant("t-1")(p))
	assert.False(t, SameTenant("t-2")(p))
	assert.False(t, SameTenant("")(p))

	assert.True(t, OwnsResource("u-1")(p))
	assert.False(t, OwnsResource("u-2")(p))
	assert.False(t, OwnsResource("")(p))
}

func TestAllAny(t *testing.T) {
	p := principal("u-1", "t-1", nil)
	yes := func(*session.Principal) bool { return true }
	no := func(*session.Principal) bool { return false }

	assert.True(t, All()(p))
	assert.True(t, All(yes, yes)(p))
	assert.False(t, All(yes, no)(p))

	assert.False(t, Any()(p))
	assert.True(t, Any(no, yes)(p))
	assert.False(t, Any(no, no)(p))
}

func TestDecision_NilPrincipalDenied(t *testing.T) {
	d := Decision{Name: "open", Rule: All()}
	assert.False(t, d.Evaluate(nil))
	assert.ErrorIs(t, Authorize(nil, d), ErrUnauthorizedPrincipal)
}

func TestDecision_NoRuleDenies(t *testing.T) {
	d := Decision{Name: "empty"}
	assert.False(t, d.Evaluate(principal("u-1", "t-1", nil)))
}

func TestCanManageUnit(t *testing.T) {
	tests := []struct {
		name      string
		principal *session.Principal
		tenant    string
		want      bool
	}{
		{"permission in tenant", principal("u-1", "t-1", []string{"technician"}, "base.unit.manage"), "t-1", true},
		{"permission other tenant", principal("u-1", "t-1", []string{"technician"}, "base.unit.manage"), "t-2", false},
		{"admin role in tenant", adminPrincipal("u-9", "t-1"), "t-1", true},
		{"admin role other tenant has no bypass", adminPrincipal("u-9", "t-1"), "t-2", false},
		{"resident", principal("u-2", "t-1", []string{"resident"}, "base.vehicle.view"), "t-1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanManageUnit(tt.tenant).Evaluate(tt.principal))
		})
	}
}

func TestCanManageTenantRoles(t *testing.T) {
	owner := principal("u-1", "t-1", []string{"tenant_owner"})
	manager := principal("u-2", "t-1", []string{"night-shift"}, PermRoleManage)
	admin := adminPrincipal("u-9", "t-9")
	tech := principal("u-3", "t-1", []string{"technician"}, "base.unit.manage")

	assert.True(t, CanManageTenantRoles("t-1").Evaluate(owner))
	assert.False(t, CanManageTenantRoles("t-2").Evaluate(owner))
	assert.True(t, CanManageTenantRoles("t-1").Evaluate(manager))
	assert.True(t, CanManageTenantRoles("t-1").Evaluate(admin), "admin bypasses the tenant check")
	assert.False(t, CanManageTenantRoles("t-1").Evaluate(tech))
}

func TestCanManageUserPermissions(t *testing.T) {
	owner := principal("u-1", "t-1", []string{"tenant_owner"}, PermPermissionManage)
	ownerWithoutPerm := principal("u-1", "t-1", []string{"tenant_owner"})

	assert.True(t, CanManageUserPermissions("t-1").Evaluate(owner))
	assert.False(t, CanManageUserPermissions("t-2").Evaluate(owner))
	assert.False(t, CanManageUserPermissions("t-1").Evaluate(ownerWithoutPerm), "a deny on the code removes the role's capability")
	assert.True(t, CanManageUserPermissions("t-2").Evaluate(adminPrincipal("u-9", "t-1")))
}

func TestCanViewEffectivePermissions(t *testing.T) {
	self := principal("u-1", "t-1", []string{"resident"})
	viewer := principal("u-2", "t-1", []string{"supporter"}, PermPermissionView)

	assert.True(t, CanViewEffectivePermissions("t-1", "u-1").Evaluate(self))
	assert.False(t, CanViewEffectivePermissions("t-1", "u-3").Evaluate(self))
	assert.False(t, CanViewEffectivePermissions("t-2", "u-1").Evaluate(self))
	assert.True(t, CanViewEffectivePermissions("t-1", "u-3").Evaluate(viewer))
	assert.False(t, CanViewEffectivePermissions("t-2", "u-3").Evaluate(viewer))
}

func TestEvaluator_RecordsOutcomes(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	e := NewEvaluator(metrics)

	admin := adminPrincipal("u-9", "t-9")
	owner := principal("u-1", "t-1", []string{"tenant_owner"})

	require.NoError(t, e.Authorize(admin, CanManageTenantRoles("t-1")))
	require.NoError(t, e.Authorize(owner, CanManageTenantRoles("t-1")))
	err := e.Authorize(owner, CanManageTenantRoles("t-2"))
	assert.ErrorIs(t, err, ErrUnauthorizedPrincipal)
	assert.Contains(t, err.Error(), "can_manage_tenant_roles")

	counter := func(outcome string) float64 {
		return testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues("can_manage_tenant_roles", outcome))
	}
	assert.Equal(t, float64(1), counter(OutcomeBypass))
	assert.Equal(t, float64(1), counter(OutcomeAllow))
	assert.Equal(t, float64(1), counter(OutcomeDeny))
}

func TestCanManageGlobalRoles(t *testing.T) {
	assert.True(t, CanManageGlobalRoles().Evaluate(adminPrincipal("u-9", "t-1")))
	assert.False(t, CanManageGlobalRoles().Evaluate(principal("u-1", "t-1", []string{"tenant_owner"}, PermRoleManage, PermPermissionManage)))
}

func TestAdminBypass_RequiresSystemRole(t *testing.T) {
	sysAdmin := adminPrincipal("u-9", "t-1")
	assert.True(t, AdminBypass()(sysAdmin))
	assert.True(t, HasSystemRole(rbac.RoleAdmin)(sysAdmin))
	assert.True(t, HasAnyRole("admin")(sysAdmin), "system roles are also plain roles")

	// a role named admin held only inside t-1
	tenantAdmin := principal("u-1", "t-1", []string{"admin", "tenant_owner"})
	assert.False(t, AdminBypass()(tenantAdmin))
	assert.False(t, HasSystemRole(rbac.RoleAdmin)(tenantAdmin))

	assert.False(t, CanManageGlobalRoles().Evaluate(tenantAdmin))
	assert.False(t, CanManageTenantRoles("t-2").Evaluate(tenantAdmin))
	assert.False(t, CanManageUserPermissions("t-2").Evaluate(tenantAdmin))
	assert.False(t, CanViewEffectivePermissions("t-2", "u-3").Evaluate(tenantAdmin))
	assert.False(t, CanManageUnit("t-1").Evaluate(tenantAdmin))
	assert.True(t, CanManageTenantRoles("t-1").Evaluate(tenantAdmin), "still an owner of t-1")
}
