package rbac

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// PermissionCatalog is the registry of permission codes.
// Reads load an immutable snapshot and never block; writers copy and swap.
type PermissionCatalog struct {
	mu    sync.Mutex
	state atomic.Pointer[map[PermissionCode]Permission]
}

// NewPermissionCatalog creates an empty catalog
func NewPermissionCatalog() *PermissionCatalog {
	c := &PermissionCatalog{}
	empty := make(map[PermissionCode]Permission)
	c.state.Store(&empty)
	return c
}

// RegisterPermission adds a code to the catalog. Registering an existing code
// is a no-op that returns the stored entry; its description is not replaced.
func (c *PermissionCatalog) RegisterPermission(raw, description string) (Permission, error) {
	code, err := ParsePermissionCode(raw)
	if err != nil {
		return Permission{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current := *c.state.Load()
	if existing, ok := current[code]; ok {
		return existing, nil
	}

	next := make(map[PermissionCode]Permission, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	p := Permission{Code: code, Description: description}
	next[code] = p
	c.state.Store(&next)

	return p, nil
}

// Lookup returns the catalog entry for code
func (c *PermissionCatalog) Lookup(code PermissionCode) (Permission, bool) {
	p, ok := (*c.state.Load())[code]
	return p, ok
}

// Validate fails with ErrUnknownPermissionCode if code is not registered
func (c *PermissionCatalog) Validate(code PermissionCode) error {
	if _, ok := c.Lookup(code); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPermissionCode, code)
	}
	return nil
}

// ParseKnown parses raw and requires it to be registered
func (c *PermissionCatalog) ParseKnown(raw string) (PermissionCode, error) {
	code, err := ParsePermissionCode(raw)
	if err != nil {
		return "", err
	}
	if err := c.Validate(code); err != nil {
		return "", err
	}
	return code, nil
}

// ListByArea returns entries whose code equals prefix or lives under it,
// sorted by code. An empty prefix lists everything.
func (c *PermissionCatalog) ListByArea(prefix string) []Permission {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	entries := *c.state.Load()

	out := make([]Permission, 0, len(entries))
	for code, p := range entries {
		s := string(code)
		if prefix == "" || s == prefix || strings.HasPrefix(s, prefix+".") {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Len returns the number of registered codes
func (c *PermissionCatalog) Len() int {
	return len(*c.state.Load())
}

// RoleCatalog holds the base permission set of every global role
type RoleCatalog struct {
	permissions *PermissionCatalog

	mu    sync.Mutex
	state atomic.Pointer[map[GlobalRole]PermissionSet]
}

// NewRoleCatalog creates a role catalog whose base sets are validated against permissions
func NewRoleCatalog(permissions *PermissionCatalog) *RoleCatalog {
	rc := &RoleCatalog{permissions: permissions}
	empty := make(map[GlobalRole]PermissionSet)
	rc.state.Store(&empty)
	return rc
}

// Permissions returns the backing permission catalog
func (rc *RoleCatalog) Permissions() *PermissionCatalog {
	return rc.permissions
}

// SetBasePermissions defines the base permission set of role.
// Every code must already be registered.
func (rc *RoleCatalog) SetBasePermissions(role GlobalRole, codes []PermissionCode) error {
	if _, err := ParseGlobalRole(string(role)); err != nil {
		return err
	}
	for _, code := range codes {
		if err := rc.permissions.Validate(code); err != nil {
			return fmt.Errorf("base permissions for %s: %w", role, err)
		}
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	current := *rc.state.Load()
	next := make(map[GlobalRole]PermissionSet, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[role] = NewPermissionSet(codes...)
	rc.state.Store(&next)

	return nil
}

// BasePermissions returns the base permission set of role. Roles without a
// defined set yield the empty set.
func (rc *RoleCatalog) BasePermissions(role GlobalRole) PermissionSet {
	return (*rc.state.Load())[role]
}
