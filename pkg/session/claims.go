package session

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/platinummonkey/rolegate/pkg/rbac"
)

// Claims is the signed payload of a credential:
//
//	{sub, tenant, username, roles, sys_roles, perms, iss, iat, exp, jti}
//
// SysRoles lists the subset of Roles held system-wide.
type Claims struct {
	jwt.RegisteredClaims
	Tenant   string   `json:"tenant"`
	Username string   `json:"username,omitempty"`
	Roles    []string `json:"roles"`
	SysRoles []string `json:"sys_roles,omitempty"`
	Perms    []string `json:"perms"`
}

// Validate is called by the jwt parser after the standard time and issuer checks
func (c *Claims) Validate() error {
	if c.Subject == "" {
		return fmt.Errorf("%w: sub is empty", ErrMalformedClaims)
	}
	if c.Tenant == "" {
		return fmt.Errorf("%w: tenant is empty", ErrMalformedClaims)
	}
	if c.IssuedAt == nil {
		return fmt.Errorf("%w: iat is missing", ErrMalformedClaims)
	}
	if c.Roles == nil || c.Perms == nil {
		return fmt.Errorf("%w: roles and perms are required", ErrMalformedClaims)
	}
	for _, role := range c.Roles {
		if role == "" {
			return fmt.Errorf("%w: empty role name", ErrMalformedClaims)
		}
	}
	for _, role := range c.SysRoles {
		if _, err := rbac.ParseGlobalRole(role); err != nil {
			return errors.Join(ErrMalformedClaims, err)
		}
	}
	for _, perm := range c.Perms {
		if _, err := rbac.ParsePermissionCode(perm); err != nil {
			return errors.Join(ErrMalformedClaims, err)
		}
	}
	return nil
}
