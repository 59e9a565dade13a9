package rbac

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SetRoleOverrideVersions(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))

	in := RoleOverrideInput{TenantID: "t-1", RoleName: "technician", Code: "base.unit.delete", GrantedBy: "u-admin"}

	o, err := store.SetRoleOverride(ctx, in, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), o.Version)
	assert.False(t, o.Granted)

	in.Granted = true
	o, err = store.SetRoleOverride(ctx, in, testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), o.Version, "unconditional upsert bumps the version")

	in.ExpectedVersion = int64Ptr(0)
	_, err = store.SetRoleOverride(ctx, in, testNow)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVersionConflict)
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, int64(0), conflict.Expected)
	assert.Equal(t, int64(2), conflict.Actual)

	in.ExpectedVersion = int64Ptr(1)
	_, err = store.SetRoleOverride(ctx, in, testNow)
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, int64(2), conflict.Actual)

	in.ExpectedVersion = int64Ptr(2)
	in.Granted = false
	o, err = store.SetRoleOverride(ctx, in, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(3), o.Version)

	overrides, err := store.ListRoleOverrides(ctx, "t-1", "technician")
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.False(t, overrides[0].Granted)
	assert.Equal(t, int64(3), overrides[0].Version)
	assert.Equal(t, "u-admin", overrides[0].GrantedBy)
}

func TestStore_SetRoleOverrideCreateOnly(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))

	in := RoleOverrideInput{
		TenantID:        "t-1",
		RoleName:        "technician",
		Code:            "billing.invoice.view",
		Granted:         true,
		ExpectedVersion: int64Ptr(0),
	}
	o, err := store.SetRoleOverride(ctx, in, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), o.Version)

	missing := in
	missing.Code = "billing.invoice.manage"
	missing.ExpectedVersion = int64Ptr(4)
	_, err = store.SetRoleOverride(ctx, missing, testNow)
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, int64(0), conflict.Actual, "a missing row reports version 0")
}

func TestStore_ClearRoleOverride(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))

	_, err := store.SetRoleOverride(ctx, RoleOverrideInput{TenantID: "t-1", RoleName: "technician", Code: "base.unit.delete"}, testNow)
	require.NoError(t, err)
	_, err = store.SetRoleOverride(ctx, RoleOverrideInput{TenantID: "t-1", RoleName: "supporter", Code: "billing.invoice.view", Granted: true}, testNow)
	require.NoError(t, err)

	all, err := store.RoleOverridesForTenant(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "supporter", all[0].RoleName)

	cleared, err := store.ClearRoleOverride(ctx, "t-1", "technician", "base.unit.delete")
	require.NoError(t, err)
	assert.True(t, cleared)

	cleared, err = store.ClearRoleOverride(ctx, "t-1", "technician", "base.unit.delete")
	require.NoError(t, err)
	assert.False(t, cleared)

	all, err = store.RoleOverridesForTenant(ctx, "t-1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStore_UserGrantExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))

	_, err := store.SetUserGrant(ctx, UserPermissionInput{
		UserID:    "u-1",
		TenantID:  "t-1",
		Code:      "base.vehicle.manage",
		ExpiresAt: timePtr(testNow),
	}, testNow)
	assert.ErrorIs(t, err, ErrInvalidExpiry)

	g, err := store.SetUserGrant(ctx, UserPermissionInput{
		UserID:    "u-1",
		TenantID:  "t-1",
		Code:      "base.vehicle.manage",
		ExpiresAt: timePtr(testNow.Add(time.Hour)),
		Reason:    "covering shift",
		GrantedBy: "u-admin",
	}, testNow)
	require.NoError(t, err)
	require.NotNil(t, g.ExpiresAt)
	assert.Equal(t, int64(1), g.Version)

	_, err = store.SetUserGrant(ctx, UserPermissionInput{UserID: "u-1", TenantID: "t-1", Code: "support.ticket.view"}, testNow)
	require.NoError(t, err)

	active, err := store.ActiveGrants(ctx, "u-1", "t-1", testNow)
	require.NoError(t, err)
	assert.ElementsMatch(t, codes("base.vehicle.manage", "support.ticket.view"), active)

	active, err = store.ActiveGrants(ctx, "u-1", "t-1", testNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, codes("support.ticket.view"), active)

	rows, err := store.UserPermissions(ctx, KindGrant, "u-1", "t-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, PermissionCode("base.vehicle.manage"), rows[0].Code)
	assert.Equal(t, "covering shift", rows[0].Reason)
	require.NotNil(t, rows[0].ExpiresAt)
	assert.True(t, rows[0].ExpiresAt.Equal(testNow.Add(time.Hour)))
	assert.Nil(t, rows[1].ExpiresAt)
}

func TestStore_GrantsAndDeniesAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))

	in := UserPermissionInput{UserID: "u-1", TenantID: "t-1", Code: "chat.message.send"}
	_, err := store.SetUserGrant(ctx, in, testNow)
	require.NoError(t, err)
	_, err = store.SetUserDeny(ctx, in, testNow)
	require.NoError(t, err)

	grants, err := store.ActiveGrants(ctx, "u-1", "t-1", testNow)
	require.NoError(t, err)
	denies, err := store.ActiveDenies(ctx, "u-1", "t-1", testNow)
	require.NoError(t, err)
	assert.Equal(t, codes("chat.message.send"), grants)
	assert.Equal(t, codes("chat.message.send"), denies)

	cleared, err := store.ClearUserDeny(ctx, "u-1", "t-1", "chat.message.send")
	require.NoError(t, err)
	assert.True(t, cleared)

	cleared, err = store.ClearUserDeny(ctx, "u-1", "t-1", "chat.message.send")
	require.NoError(t, err)
	assert.False(t, cleared)

	cleared, err = store.ClearUserGrant(ctx, "u-1", "t-1", "chat.message.send")
	require.NoError(t, err)
	assert.True(t, cleared)
}

func TestStore_UserPermissionVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))

	in := UserPermissionInput{UserID: "u-1", TenantID: "t-1", Code: "base.unit.manage", ExpectedVersion: int64Ptr(0)}
	d, err := store.SetUserDeny(ctx, in, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Version)

	_, err = store.SetUserDeny(ctx, in, testNow)
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, int64(1), conflict.Actual)
	assert.Contains(t, conflict.Key, "deny")

	in.ExpectedVersion = int64Ptr(1)
	in.Reason = "suspended"
	d, err = store.SetUserDeny(ctx, in, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.Version)
	assert.Equal(t, "suspended", d.Reason)
}

func TestStore_UnknownUserPermissionKind(t *testing.T) {
	store := NewStore(setupTestDB(t))

	_, err := store.SetUserPermission(context.Background(), "allow", UserPermissionInput{UserID: "u-1", TenantID: "t-1", Code: "base.unit.view"}, testNow)
	assert.Error(t, err)
}

func TestStore_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))

	_, err := store.SetUserGrant(ctx, UserPermissionInput{UserID: "u-1", TenantID: "t-1", Code: "base.vehicle.manage", ExpiresAt: timePtr(testNow.Add(time.Hour))}, testNow)
	require.NoError(t, err)
	_, err = store.SetUserGrant(ctx, UserPermissionInput{UserID: "u-1", TenantID: "t-1", Code: "support.ticket.view"}, testNow)
	require.NoError(t, err)
	_, err = store.SetUserDeny(ctx, UserPermissionInput{UserID: "u-2", TenantID: "t-1", Code: "chat.message.send", ExpiresAt: timePtr(testNow.Add(30 * time.Minute))}, testNow)
	require.NoError(t, err)

	purged, err := store.PurgeExpired(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(0), purged)

	purged, err = store.PurgeExpired(ctx, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	rows, err := store.UserPermissions(ctx, KindGrant, "u-1", "t-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, PermissionCode("support.ticket.view"), rows[0].Code)
}

func TestStore_LoadSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewStore(setupTestDB(t))

	require.NoError(t, store.CreateTenantRole(ctx, &TenantRole{TenantID: "t-1", Name: "night-shift", BaseRole: RoleTechnician}))
	_, err := store.AssignGlobalRole(ctx, "u-1", RoleAccount, "", testNow)
	require.NoError(t, err)
	_, err = store.AssignTenantRole(ctx, "u-1", "t-1", "night-shift", "", testNow)
	require.NoError(t, err)
	_, err = store.AssignTenantRole(ctx, "u-1", "t-2", "supporter", "", testNow)
	require.NoError(t, err)
	_, err = store.SetRoleOverride(ctx, RoleOverrideInput{TenantID: "t-1", RoleName: "night-shift", Code: "base.unit.delete"}, testNow)
	require.NoError(t, err)
	_, err = store.SetUserGrant(ctx, UserPermissionInput{UserID: "u-1", TenantID: "t-1", Code: "support.ticket.view"}, testNow)
	require.NoError(t, err)
	_, err = store.SetUserDeny(ctx, UserPermissionInput{UserID: "u-1", TenantID: "t-1", Code: "chat.message.send"}, testNow)
	require.NoError(t, err)

	snap, err := store.LoadSnapshot(ctx, "u-1", "t-1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", snap.UserID)
	assert.Equal(t, "t-1", snap.TenantID)
	assert.Equal(t, []GlobalRole{RoleAccount}, snap.GlobalRoles)
	assert.Equal(t, []string{"night-shift"}, snap.TenantRoles)
	assert.Equal(t, map[string]GlobalRole{"night-shift": RoleTechnician}, snap.RoleBases)
	require.Len(t, snap.RoleOverrides, 1)
	require.Len(t, snap.Grants, 1)
	require.Len(t, snap.Denies, 1)

	_, roles := defaultCatalogs(t)
	res := NewResolver(roles).Resolve(snap, testNow)
	want := roles.BasePermissions(RoleTechnician).
		Union(roles.BasePermissions(RoleAccount)).
		Union(NewPermissionSet("support.ticket.view")).
		Without("base.unit.delete")
	assert.True(t, res.Permissions.Equal(want))
}
