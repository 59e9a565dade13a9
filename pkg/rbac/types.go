package rbac

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

var (
	permissionCodePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*){2,}$`)
	roleNamePattern       = regexp.MustCompile(`^[a-z][a-z0-9_\-]{0,62}$`)
)

// PermissionCode is a namespaced permission identifier such as "base.unit.manage".
// Values are only constructed through ParsePermissionCode or a PermissionCatalog.
type PermissionCode string

// ParsePermissionCode validates the area.resource.action shape of raw.
// It does not consult any catalog.
func ParsePermissionCode(raw string) (PermissionCode, error) {
	raw = strings.TrimSpace(raw)
	if !permissionCodePattern.MatchString(raw) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPermissionCode, raw)
	}
	return PermissionCode(raw), nil
}

// Area returns the owning capability area (the first segment).
func (c PermissionCode) Area() string {
	s := string(c)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

func (c PermissionCode) String() string {
	return string(c)
}

// Permission is a catalog entry
type Permission struct {
	Code        PermissionCode `json:"code"`
	Description string         `json:"description"`
}

// GlobalRole is one of the fixed system-wide roles
type GlobalRole string

const (
	RoleAdmin       GlobalRole = "admin"
	RoleTenantOwner GlobalRole = "tenant_owner"
	RoleTechnician  GlobalRole = "technician"
	RoleSupporter   GlobalRole = "supporter"
	RoleResident    GlobalRole = "resident"
	RoleUnitOwner   GlobalRole = "unit_owner"
	RoleAccount     GlobalRole = "account"
)

// GlobalRoles returns the fixed global role set in declaration order
func GlobalRoles() []GlobalRole {
	return []GlobalRole{
		RoleAdmin,
		RoleTenantOwner,
		RoleTechnician,
		RoleSupporter,
		RoleResident,
		RoleUnitOwner,
		RoleAccount,
	}
}

// ParseGlobalRole rejects names outside the fixed global role set
func ParseGlobalRole(raw string) (GlobalRole, error) {
	for _, r := range GlobalRoles() {
		if string(r) == raw {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidGlobalRole, raw)
}

// IsGlobalRole reports whether name is a global role name
func IsGlobalRole(name string) bool {
	_, err := ParseGlobalRole(name)
	return err == nil
}

func (r GlobalRole) String() string {
	return string(r)
}

// ValidateRoleName checks the shape of a tenant role name
func ValidateRoleName(name string) error {
	if !roleNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidRoleName, name)
	}
	return nil
}

// TenantRole is a tenant-defined role inheriting the base permission set of one global role
type TenantRole struct {
	TenantID    string     `json:"tenant_id"`
	Name        string     `json:"name"`
	BaseRole    GlobalRole `json:"base_role"`
	Description string     `json:"description,omitempty"`
	CreatedBy   string     `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// RoleSummary describes a role visible in a tenant
type RoleSummary struct {
	Name     string     `json:"name"`
	BaseRole GlobalRole `json:"base_role"`
	IsGlobal bool       `json:"is_global"`
}

// TenantRoleAssignment binds a role name to a user within a tenant
type TenantRoleAssignment struct {
	UserID    string    `json:"user_id"`
	TenantID  string    `json:"tenant_id"`
	RoleName  string    `json:"role_name"`
	GrantedBy string    `json:"granted_by,omitempty"`
	GrantedAt time.Time `json:"granted_at"`
}

// RoleOverride adds (Granted=true) or removes (Granted=false) a code for a tenant role
type RoleOverride struct {
	TenantID  string         `json:"tenant_id"`
	RoleName  string         `json:"role_name"`
	Code      PermissionCode `json:"code"`
	Granted   bool           `json:"granted"`
	GrantedAt time.Time      `json:"granted_at"`
	GrantedBy string         `json:"granted_by,omitempty"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// UserPermission is a user-level grant or deny row
type UserPermission struct {
	UserID    string         `json:"user_id"`
	TenantID  string         `json:"tenant_id"`
	Code      PermissionCode `json:"code"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	GrantedAt time.Time      `json:"granted_at"`
	GrantedBy string         `json:"granted_by,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Version   int64          `json:"version"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ActiveAt reports whether the row is live at now. Rows without expiry never lapse.
func (p UserPermission) ActiveAt(now time.Time) bool {
	return p.ExpiresAt == nil || p.ExpiresAt.After(now)
}

// UserPermissionKind selects the grant or deny table
type UserPermissionKind string

const (
	KindGrant UserPermissionKind = "grant"
	KindDeny  UserPermissionKind = "deny"
)

// PermissionSet is an immutable set of permission codes.
// The zero value is an empty set.
type PermissionSet struct {
	codes map[PermissionCode]struct{}
}

// NewPermissionSet builds a set from codes
func NewPermissionSet(codes ...PermissionCode) PermissionSet {
	m := make(map[PermissionCode]struct{}, len(codes))
	for _, c := range codes {
		m[c] = struct{}{}
	}
	return PermissionSet{codes: m}
}

// Contains reports membership
func (s PermissionSet) Contains(code PermissionCode) bool {
	_, ok := s.codes[code]
	return ok
}

// Len returns the number of codes
func (s PermissionSet) Len() int {
	return len(s.codes)
}

// Sorted returns the codes in lexical order
func (s PermissionSet) Sorted() []PermissionCode {
	out := make([]PermissionCode, 0, len(s.codes))
	for c := range s.codes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the sorted codes as plain strings
func (s PermissionSet) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, c := range sorted {
		out[i] = string(c)
	}
	return out
}

// Union returns a new set holding the codes of both sets
func (s PermissionSet) Union(other PermissionSet) PermissionSet {
	m := make(map[PermissionCode]struct{}, len(s.codes)+len(other.codes))
	for c := range s.codes {
		m[c] = struct{}{}
	}
	for c := range other.codes {
		m[c] = struct{}{}
	}
	return PermissionSet{codes: m}
}

// Without returns a new set with codes removed
func (s PermissionSet) Without(codes ...PermissionCode) PermissionSet {
	m := make(map[PermissionCode]struct{}, len(s.codes))
	for c := range s.codes {
		m[c] = struct{}{}
	}
	for _, c := range codes {
		delete(m, c)
	}
	return PermissionSet{codes: m}
}

// Equal reports whether both sets hold exactly the same codes
func (s PermissionSet) Equal(other PermissionSet) bool {
	if len(s.codes) != len(other.codes) {
		return false
	}
	for c := range s.codes {
		if _, ok := other.codes[c]; !ok {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the set as a sorted array
func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}
