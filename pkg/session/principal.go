package session

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/platinummonkey/rolegate/pkg/rbac"
)

// Principal is the verified identity attached to one request. It is built
// from credential claims only and cannot be modified after construction.
type Principal struct {
	userID      string
	tenantID    string
	username    string
	roles       map[string]struct{}
	systemRoles map[string]struct{}
	permissions rbac.PermissionSet
	issuedAt    time.Time
	expiresAt   time.Time
}

// NewPrincipal copies its inputs into a new Principal. systemRoles are the
// roles held system-wide; they are also reported by Roles and HasRole.
func NewPrincipal(userID, tenantID, username string, systemRoles, roles []string, perms []rbac.PermissionCode, issuedAt, expiresAt time.Time) *Principal {
	roleSet := make(map[string]struct{}, len(roles)+len(systemRoles))
	sysSet := make(map[string]struct{}, len(systemRoles))
	for _, r := range systemRoles {
		sysSet[r] = struct{}{}
		roleSet[r] = struct{}{}
	}
	for _, r := range roles {
		roleSet[r] = struct{}{}
	}
	return &Principal{
		userID:      userID,
		tenantID:    tenantID,
		username:    username,
		roles:       roleSet,
		systemRoles: sysSet,
		permissions: rbac.NewPermissionSet(perms...),
		issuedAt:    issuedAt,
		expiresAt:   expiresAt,
	}
}

func principalFromClaims(c *Claims) *Principal {
	perms := make([]rbac.PermissionCode, len(c.Perms))
	for i, p := range c.Perms {
		perms[i] = rbac.PermissionCode(p)
	}
	var issuedAt, expiresAt time.Time
	if c.IssuedAt != nil {
		issuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		expiresAt = c.ExpiresAt.Time
	}
	return NewPrincipal(c.Subject, c.Tenant, c.Username, c.SysRoles, c.Roles, perms, issuedAt, expiresAt)
}

func (p *Principal) UserID() string       { return p.userID }
func (p *Principal) TenantID() string     { return p.tenantID }
func (p *Principal) Username() string     { return p.username }
func (p *Principal) IssuedAt() time.Time  { return p.issuedAt }
func (p *Principal) ExpiresAt() time.Time { return p.expiresAt }

// Roles returns the role names in lexical order
func (p *Principal) Roles() []string {
	return sortedNames(p.roles)
}

// SystemRoles returns the system-wide role names in lexical order
func (p *Principal) SystemRoles() []string {
	return sortedNames(p.systemRoles)
}

func sortedNames(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// HasRole reports whether the credential carried role name
func (p *Principal) HasRole(name string) bool {
	_, ok := p.roles[name]
	return ok
}

// HasSystemRole reports whether the credential carried name as a system-wide
// role. A tenant role with the same name does not count.
func (p *Principal) HasSystemRole(name string) bool {
	_, ok := p.systemRoles[name]
	return ok
}

// Permissions returns the embedded permission set
func (p *Principal) Permissions() rbac.PermissionSet {
	return p.permissions
}

// HasPermission reports whether the credential carried code
func (p *Principal) HasPermission(code rbac.PermissionCode) bool {
	return p.permissions.Contains(code)
}

// MarshalJSON renders the principal for introspection endpoints
func (p *Principal) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		UserID      string             `json:"user_id"`
		TenantID    string             `json:"tenant_id"`
		Username    string             `json:"username,omitempty"`
		Roles       []string           `json:"roles"`
		SystemRoles []string           `json:"system_roles"`
		Permissions rbac.PermissionSet `json:"permissions"`
		IssuedAt    time.Time          `json:"issued_at"`
		ExpiresAt   time.Time          `json:"expires_at"`
	}{
		UserID:      p.userID,
		TenantID:    p.tenantID,
		Username:    p.username,
		Roles:       p.Roles(),
		SystemRoles: p.SystemRoles(),
		Permissions: p.permissions,
		IssuedAt:    p.issuedAt,
		ExpiresAt:   p.expiresAt,
	})
}
