package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rolegate/pkg/httputil"
	"github.com/platinummonkey/rolegate/pkg/middleware"
	"github.com/platinummonkey/rolegate/pkg/observability"
	"github.com/platinummonkey/rolegate/pkg/rbac"
	"github.com/platinummonkey/rolegate/pkg/session"
)

const testIssueKey = "issue-key-0123456789"

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type testEnv struct {
	t       *testing.T
	manager *rbac.Manager
	handler http.Handler
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, rbac.RunMigrations(context.Background(), db, observability.NopLogger()))

	seed, err := rbac.DefaultSeed()
	require.NoError(t, err)
	_, roles, err := rbac.NewCatalogs(seed)
	require.NoError(t, err)
	clock := func() time.Time { return testNow }
	mgr := rbac.NewManager(roles, rbac.NewStore(db), rbac.WithClock(clock))

	keys, err := session.NewHMACKeyProvider("k1", []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	issuer, err := session.NewIssuer(mgr, keys, session.IssuerConfig{Issuer: "rolegate-test", TTL: 15 * time.Minute},
		session.WithPermissionCatalog(mgr.Permissions()))
	require.NoError(t, err)

	opts = append([]Option{WithClock(clock)}, opts...)
	server := NewServer(mgr, issuer, Config{IssueAPIKey: testIssueKey}, opts...)

	_, err = mgr.AssignGlobalRole(context.Background(), "u-admin", rbac.RoleAdmin, "bootstrap")
	require.NoError(t, err)

	return &testEnv{t: t, manager: mgr, handler: server.Handler()}
}

func (e *testEnv) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	e.t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) issue(user, tenant string) string {
	e.t.Helper()

	rec := e.issueRaw(user, tenant, testIssueKey)
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())
	var cred session.Credential
	require.NoError(e.t, json.Unmarshal(rec.Body.Bytes(), &cred))
	return cred.Token
}

func (e *testEnv) issueRaw(user, tenant, key string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(session.IssueRequest{UserID: user, TenantID: tenant})
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(body))
	if key != "" {
		req.Header.Set(IssueKeyHeader, key)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httputil.ErrorResponse {
	t.Helper()
	var resp httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func TestTechnicianScenario(t *testing.T) {
	env := newTestEnv(t)
	admin := env.issue("u-admin", "t-1")

	rec := env.do(http.MethodPut, "/v1/tenants/t-1/users/u-tech/roles/technician", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"changed":true}`, rec.Body.String())

	rec = env.do(http.MethodPut, "/v1/tenants/t-1/users/u-tech/roles/technician", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"changed":false}`, rec.Body.String())

	rec = env.do(http.MethodPut, "/v1/tenants/t-1/roles/technician/overrides/base.unit.delete", admin,
		map[string]interface{}{"granted": false, "expected_version": 0})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPut, "/v1/tenants/t-1/users/u-tech/denies/base.unit.manage", admin,
		map[string]interface{}{"reason": "pending review"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPut, "/v1/tenants/t-1/users/u-tech/grants/base.unit.manage", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	tech := env.issue("u-tech", "t-1")
	rec = env.do(http.MethodGet, "/v1/tenants/t-1/users/u-tech/permissions", tech, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res struct {
		TenantRoles []string `json:"tenant_roles"`
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, []string{"technician"}, res.TenantRoles)
	assert.Contains(t, res.Permissions, "base.unit.view")
	assert.NotContains(t, res.Permissions, "base.unit.manage", "a deny wins over a grant")
	assert.NotContains(t, res.Permissions, "base.unit.delete", "removed by the role override")

	rec = env.do(http.MethodGet, "/v1/sessions/me", tech, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var me struct {
		UserID      string   `json:"user_id"`
		TenantID    string   `json:"tenant_id"`
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, "u-tech", me.UserID)
	assert.Equal(t, "t-1", me.TenantID)
	assert.Equal(t, res.Permissions, me.Permissions)
}

func TestIssueSession_RequiresIssueKey(t *testing.T) {
	env := newTestEnv(t)

	for _, key := range []string{"", "wrong-key-0123456789"} {
		rec := env.issueRaw("u-1", "t-1", key)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid_issue_key", decodeError(t, rec).Code)
	}
}

func TestIssueSession_Validation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.issueRaw("", "t-1", testIssueKey)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "validation_failed", resp.Code)
	assert.Contains(t, resp.Details, "user_id")
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/v1/sessions/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing_credentials", decodeError(t, rec).Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec = env.do(http.MethodGet, "/v1/sessions/me", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "malformed_claims", decodeError(t, rec).Code)
}

func TestAuthorization(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.manager.AssignTenantRole(context.Background(), "u-tech", "t-1", "technician", "u-admin")
	require.NoError(t, err)
	tech := env.issue("u-tech", "t-1")
	admin := env.issue("u-admin", "t-2")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   interface{}
		want   int
	}{
		{"technician cannot create roles", http.MethodPost, "/v1/tenants/t-1/roles", tech,
			map[string]string{"name": "night_shift", "base_role": "technician"}, http.StatusForbidden},
		{"technician cannot grant", http.MethodPut, "/v1/tenants/t-1/users/u-2/grants/base.unit.view", tech, nil, http.StatusForbidden},
		{"technician sees own permissions", http.MethodGet, "/v1/tenants/t-1/users/u-tech/permissions", tech, nil, http.StatusOK},
		{"technician cannot see others", http.MethodGet, "/v1/tenants/t-1/users/u-2/permissions", tech, nil, http.StatusForbidden},
		{"technician cannot cross tenants", http.MethodGet, "/v1/tenants/t-2/users/u-tech/permissions", tech, nil, http.StatusForbidden},
		{"technician cannot assign global roles", http.MethodPut, "/v1/users/u-2/global-roles/admin", tech, nil, http.StatusForbidden},
		{"admin bypasses tenant scope", http.MethodPost, "/v1/tenants/t-1/roles", admin,
			map[string]string{"name": "night_shift", "base_role": "technician"}, http.StatusCreated},
		{"admin assigns global roles", http.MethodPut, "/v1/users/u-2/global-roles/supporter", admin, nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.want == http.StatusForbidden {
				assert.Equal(t, "forbidden", decodeError(t, rec).Code)
			}
		})
	}
}

func TestTenantOwnerCannotEscalateToAdmin(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.manager.AssignTenantRole(context.Background(), "u-owner", "t-1", "tenant_owner", "u-admin")
	require.NoError(t, err)
	owner := env.issue("u-owner", "t-1")

	rec := env.do(http.MethodPut, "/v1/tenants/t-2/users/u-owner/roles/tenant_owner", owner, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPut, "/v1/tenants/t-1/users/u-owner/roles/admin", owner, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, "invalid_request", decodeError(t, rec).Code)

	owner = env.issue("u-owner", "t-1")
	rec = env.do(http.MethodGet, "/v1/sessions/me", owner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var me struct {
		Roles       []string `json:"roles"`
		SystemRoles []string `json:"system_roles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.NotContains(t, me.Roles, "admin")
	assert.Empty(t, me.SystemRoles)

	rec = env.do(http.MethodPut, "/v1/tenants/t-2/users/u-owner/roles/tenant_owner", owner, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = env.do(http.MethodPut, "/v1/users/u-owner/global-roles/admin", owner, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = env.do(http.MethodPut, "/v1/tenants/t-2/users/u-owner/grants/base.unit.view", owner, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	admin := env.issue("u-admin", "t-2")
	rec = env.do(http.MethodGet, "/v1/sessions/me", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, []string{"admin"}, me.SystemRoles)
}

func TestTenantRoles(t *testing.T) {
	env := newTestEnv(t)
	admin := env.issue("u-admin", "t-1")

	rec := env.do(http.MethodPost, "/v1/tenants/t-1/roles", admin,
		map[string]string{"name": "night_shift", "base_role": "technician", "description": "after hours"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, "/v1/tenants/t-1/roles", admin,
		map[string]string{"name": "night_shift", "base_role": "technician"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "role_exists", decodeError(t, rec).Code)

	rec = env.do(http.MethodPost, "/v1/tenants/t-1/roles", admin, map[string]string{"base_role": "technician"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "validation_failed", resp.Code)
	assert.Contains(t, resp.Details, "name")

	rec = env.do(http.MethodPost, "/v1/tenants/t-1/roles", admin,
		map[string]string{"name": "janitor", "base_role": "superuser"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeError(t, rec).Code)

	rec = env.do(http.MethodGet, "/v1/tenants/t-1/roles", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Roles []rbac.RoleSummary `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	var names []string
	for _, r := range list.Roles {
		names = append(names, r.Name)
	}
	assert.Contains(t, names, "night_shift")
	assert.Contains(t, names, "technician")

	rec = env.do(http.MethodPut, "/v1/tenants/t-1/users/u-1/roles/day_shift", admin, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "role_unknown_in_tenant", decodeError(t, rec).Code)

	rec = env.do(http.MethodDelete, "/v1/tenants/t-1/roles/night_shift", admin, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(http.MethodDelete, "/v1/tenants/t-1/roles/night_shift", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoleOverride_VersionConflict(t *testing.T) {
	env := newTestEnv(t)
	admin := env.issue("u-admin", "t-1")
	path := "/v1/tenants/t-1/roles/technician/overrides/base.unit.delete"

	rec := env.do(http.MethodPut, path, admin, map[string]interface{}{"granted": false, "expected_version": 0})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPut, path, admin, map[string]interface{}{"granted": true, "expected_version": 0})
	require.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "version_conflict", resp.Code)
	assert.Equal(t, "0", resp.Details["expected_version"])
	assert.Equal(t, "1", resp.Details["actual_version"])

	rec = env.do(http.MethodPut, path, admin, map[string]interface{}{"granted": true, "expected_version": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var override rbac.RoleOverride
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &override))
	assert.Equal(t, int64(2), override.Version)

	rec = env.do(http.MethodPut, path, admin, map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "granted is required")

	rec = env.do(http.MethodDelete, path, admin, nil)
	assert.JSONEq(t, `{"changed":true}`, rec.Body.String())
	rec = env.do(http.MethodDelete, path, admin, nil)
	assert.JSONEq(t, `{"changed":false}`, rec.Body.String())
}

func TestUserPermissions_Errors(t *testing.T) {
	env := newTestEnv(t)
	admin := env.issue("u-admin", "t-1")

	rec := env.do(http.MethodPut, "/v1/tenants/t-1/users/u-1/grants/base.pool.manage", admin, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "unknown_permission", decodeError(t, rec).Code)

	rec = env.do(http.MethodPut, "/v1/tenants/t-1/users/u-1/grants/not-a-code", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPut, "/v1/tenants/t-1/users/u-1/grants/base.unit.view", admin,
		map[string]interface{}{"unexpected": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_body", decodeError(t, rec).Code)

	expired := testNow.Add(-time.Hour)
	rec = env.do(http.MethodPut, "/v1/tenants/t-1/users/u-1/grants/base.unit.view", admin,
		map[string]interface{}{"expires_at": expired})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodDelete, "/v1/tenants/t-1/users/u-1/denies/base.unit.view", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"changed":false}`, rec.Body.String())
}

func TestPermissionCatalog(t *testing.T) {
	env := newTestEnv(t)
	admin := env.issue("u-admin", "t-1")

	rec := env.do(http.MethodPost, "/v1/permissions", admin,
		map[string]string{"code": "base.pool.manage", "description": "Manage pools"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodGet, "/v1/permissions?area=base.pool", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Permissions []rbac.Permission `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Permissions, 1)
	assert.Equal(t, rbac.PermissionCode("base.pool.manage"), list.Permissions[0].Code)

	rec = env.do(http.MethodPut, "/v1/tenants/t-1/users/u-1/grants/base.pool.manage", admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "registered codes can be granted")
}

func TestRefreshSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.manager.AssignTenantRole(ctx, "u-1", "t-1", "resident", "u-admin")
	require.NoError(t, err)
	token := env.issue("u-1", "t-1")

	_, err = env.manager.SetUserGrant(ctx, rbac.UserPermissionInput{UserID: "u-1", TenantID: "t-1", Code: "base.unit.view"})
	require.NoError(t, err)

	rec := env.do(http.MethodPost, "/v1/sessions/refresh", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cred struct {
		Token     string `json:"token"`
		Principal struct {
			Permissions []string `json:"permissions"`
		} `json:"principal"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cred))
	assert.NotEqual(t, token, cred.Token)
	assert.Contains(t, cred.Principal.Permissions, "base.unit.view", "refresh re-resolves permissions")
}

func TestRateLimiting(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	limiter := middleware.NewRedisRateLimiter(client,
		middleware.RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}, "test")

	env := newTestEnv(t, WithRateLimiter(limiter))

	for i := 0; i < 2; i++ {
		rec := env.issueRaw("u-1", "t-1", testIssueKey)
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
	}
	rec := env.issueRaw("u-1", "t-1", testIssueKey)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decodeError(t, rec).Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = env.issueRaw("u-2", "t-1", testIssueKey)
	assert.Equal(t, http.StatusCreated, rec.Code, "limits are per subject")

	mr.Close()
	rec = env.issueRaw("u-1", "t-1", testIssueKey)
	assert.Equal(t, http.StatusCreated, rec.Code, "issuance continues when redis is down")
}
