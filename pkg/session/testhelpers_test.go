package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rolegate/pkg/rbac"
)

const testIssuer = "rolegate-test"

var (
	testNow    = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	testSecret = []byte("0123456789abcdef0123456789abcdef")
)

func testKeys(t *testing.T) *StaticKeyProvider {
	t.Helper()
	keys, err := NewHMACKeyProvider("k1", testSecret)
	require.NoError(t, err)
	return keys
}

func validClaims(now time.Time) *Claims {
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "u-1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
		},
		Tenant: "t-1",
		Roles:  []string{"technician"},
		Perms:  []string{"base.unit.manage", "base.unit.view"},
	}
}

func signClaims(t *testing.T, key *Key, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(key.Method, claims)
	token.Header["kid"] = key.ID
	signed, err := token.SignedString(key.Signing)
	require.NoError(t, err)
	return signed
}

// staticResolver returns a fixed resolution per user and tenant
type staticResolver struct {
	resolutions map[string]*rbac.Resolution
	calls       int
}

func newStaticResolver() *staticResolver {
	return &staticResolver{resolutions: make(map[string]*rbac.Resolution)}
}

func (r *staticResolver) set(userID, tenantID string, roles []string, codes ...rbac.PermissionCode) {
	r.resolutions[userID+"/"+tenantID] = &rbac.Resolution{
		UserID:      userID,
		TenantID:    tenantID,
		TenantRoles: roles,
		Permissions: rbac.NewPermissionSet(codes...),
	}
}

func (r *staticResolver) Resolve(ctx context.Context, userID, tenantID string, now time.Time) (*rbac.Resolution, error) {
	r.calls++
	res, ok := r.resolutions[userID+"/"+tenantID]
	if !ok {
		return nil, fmt.Errorf("no resolution for %s/%s", userID, tenantID)
	}
	copied := *res
	copied.ResolvedAt = now
	return &copied, nil
}
