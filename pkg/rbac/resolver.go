package rbac

import (
	"sort"
	"time"
)

// Snapshot is a point-in-time read of everything that affects one user's
// permissions in one tenant. Expired grant and deny rows may be present;
// the resolver filters them against its own now.
type Snapshot struct {
	UserID   string
	TenantID string

	// GlobalRoles are held system-wide, independent of TenantID
	GlobalRoles []GlobalRole

	// TenantRoles are role names held in TenantID
	TenantRoles []string

	// RoleBases maps tenant-defined role names to their base global role.
	// Held names missing here resolve to themselves when they name a global role.
	RoleBases map[string]GlobalRole

	RoleOverrides []RoleOverride
	Grants        []UserPermission
	Denies        []UserPermission
}

// Resolution is the outcome of resolving a snapshot
type Resolution struct {
	UserID      string        `json:"user_id"`
	TenantID    string        `json:"tenant_id"`
	SystemRoles []GlobalRole  `json:"system_roles"`
	TenantRoles []string      `json:"tenant_roles"`
	Permissions PermissionSet `json:"permissions"`
	ResolvedAt  time.Time     `json:"resolved_at"`
}

// Roles returns system and tenant role names, sorted and deduplicated
func (r *Resolution) Roles() []string {
	seen := make(map[string]struct{}, len(r.SystemRoles)+len(r.TenantRoles))
	out := make([]string, 0, len(r.SystemRoles)+len(r.TenantRoles))
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	for _, role := range r.SystemRoles {
		add(string(role))
	}
	for _, name := range r.TenantRoles {
		add(name)
	}
	sort.Strings(out)
	return out
}

// SystemRoleNames returns the system-wide role names, sorted
func (r *Resolution) SystemRoleNames() []string {
	out := make([]string, 0, len(r.SystemRoles))
	for _, role := range r.SystemRoles {
		out = append(out, string(role))
	}
	sort.Strings(out)
	return out
}

// Resolver computes effective permission sets. It holds no mutable state of
// its own and is safe for concurrent use.
type Resolver struct {
	roles *RoleCatalog
}

// NewResolver creates a resolver over the given role catalog
func NewResolver(roles *RoleCatalog) *Resolver {
	return &Resolver{roles: roles}
}

// Resolve computes the effective permission set for snap at now.
//
// Precedence:
//  1. base sets of system-wide global roles
//  2. plus base sets inherited by each role held in the tenant
//  3. role overrides for held roles: grants are added, then removals applied
//  4. active user denies removed
//  5. active user grants added
//  6. active user denies removed again, so a denied code never survives
func (r *Resolver) Resolve(snap *Snapshot, now time.Time) *Resolution {
	res := &Resolution{
		UserID:      snap.UserID,
		TenantID:    snap.TenantID,
		SystemRoles: sortedGlobalRoles(snap.GlobalRoles),
		TenantRoles: sortedUnique(snap.TenantRoles),
		ResolvedAt:  now,
	}

	perms := make(map[PermissionCode]struct{})
	addAll := func(set PermissionSet) {
		for code := range set.codes {
			perms[code] = struct{}{}
		}
	}

	for _, role := range res.SystemRoles {
		addAll(r.roles.BasePermissions(role))
	}

	held := make(map[string]struct{}, len(res.TenantRoles))
	for _, name := range res.TenantRoles {
		held[name] = struct{}{}
		if base, ok := r.baseRoleOf(snap, name); ok {
			addAll(r.roles.BasePermissions(base))
		}
	}

	var removals []PermissionCode
	for _, o := range snap.RoleOverrides {
		if o.TenantID != snap.TenantID {
			continue
		}
		if _, ok := held[o.RoleName]; !ok {
			continue
		}
		if o.Granted {
			perms[o.Code] = struct{}{}
		} else {
			removals = append(removals, o.Code)
		}
	}
	for _, code := range removals {
		delete(perms, code)
	}

	denied := r.activeCodes(snap, snap.Denies, now)
	for _, code := range denied {
		delete(perms, code)
	}
	for _, code := range r.activeCodes(snap, snap.Grants, now) {
		perms[code] = struct{}{}
	}
	for _, code := range denied {
		delete(perms, code)
	}

	res.Permissions = PermissionSet{codes: perms}
	return res
}

func (r *Resolver) baseRoleOf(snap *Snapshot, name string) (GlobalRole, bool) {
	if base, ok := snap.RoleBases[name]; ok {
		return base, true
	}
	if role, err := ParseGlobalRole(name); err == nil {
		return role, true
	}
	return "", false
}

func (r *Resolver) activeCodes(snap *Snapshot, rows []UserPermission, now time.Time) []PermissionCode {
	out := make([]PermissionCode, 0, len(rows))
	for _, row := range rows {
		if row.UserID != snap.UserID || row.TenantID != snap.TenantID {
			continue
		}
		if row.ActiveAt(now) {
			out = append(out, row.Code)
		}
	}
	return out
}

func sortedGlobalRoles(in []GlobalRole) []GlobalRole {
	seen := make(map[GlobalRole]struct{}, len(in))
	out := make([]GlobalRole, 0, len(in))
	for _, r := range in {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedUnique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
