package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rolegate/pkg/audit"
	"github.com/platinummonkey/rolegate/pkg/contextkeys"
	"github.com/platinummonkey/rolegate/pkg/httputil"
	"github.com/platinummonkey/rolegate/pkg/rbac"
	"github.com/platinummonkey/rolegate/pkg/session"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func testPrincipal(user, tenant string, roles []string, perms ...rbac.PermissionCode) *session.Principal {
	return session.NewPrincipal(user, tenant, "", nil, roles, perms, testNow, testNow.Add(15*time.Minute))
}

// fakeVerifier accepts exactly one token
type fakeVerifier struct {
	token     string
	principal *session.Principal
	err       error
	seenNow   time.Time
}

func (f *fakeVerifier) Verify(token string, now time.Time) (*session.Principal, error) {
	f.seenNow = now
	if token != f.token {
		return nil, f.err
	}
	return f.principal, nil
}

type recordingAudit struct {
	mu     sync.Mutex
	events []*audit.AuditEvent
}

func (r *recordingAudit) Log(ctx context.Context, event *audit.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAudit) Close() error { return nil }

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httputil.ErrorResponse {
	t.Helper()
	var resp httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestAuthMiddleware_Handler(t *testing.T) {
	principal := testPrincipal("u-1", "t-1", []string{"technician"}, "base.unit.manage")
	verifier := &fakeVerifier{
		token:     "good",
		principal: principal,
		err:       &session.VerificationError{Kind: session.ErrExpired, Err: errors.New("token is expired")},
	}
	auth := NewAuthMiddleware(verifier, WithClock(func() time.Time { return testNow }))

	var got *session.Principal
	var ctxUser, ctxTenant string
	handler := auth.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetPrincipal(r)
		ctxUser = contextkeys.GetUserID(r.Context())
		ctxTenant = contextkeys.GetTenantID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("accepts a verified credential", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/v1/sessions/me", nil)
		req.Header.Set("Authorization", "Bearer good")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Same(t, principal, got)
		assert.Equal(t, "u-1", ctxUser)
		assert.Equal(t, "t-1", ctxTenant)
		assert.Equal(t, testNow, verifier.seenNow)
	})

	t.Run("rejects a missing header", func(t *testing.T) {
		got = nil
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/sessions/me", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Nil(t, got)
		assert.Equal(t, "missing_credentials", decodeError(t, rec).Code)
		assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
	})

	t.Run("reports the verification reason", func(t *testing.T) {
		got = nil
		req := httptest.NewRequest("GET", "/v1/sessions/me", nil)
		req.Header.Set("Authorization", "Bearer stale")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Nil(t, got)
		assert.Equal(t, "expired", decodeError(t, rec).Code)
	})

	t.Run("rejects other errors generically", func(t *testing.T) {
		verifier.err = errors.New("boom")
		defer func() { verifier.err = nil }()

		req := httptest.NewRequest("GET", "/v1/sessions/me", nil)
		req.Header.Set("Authorization", "Bearer other")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid_credentials", decodeError(t, rec).Code)
	})
}

func TestPrincipalFromContext(t *testing.T) {
	assert.Nil(t, PrincipalFromContext(context.Background()))
	assert.Nil(t, PrincipalFromContext(contextkeys.WithPrincipal(context.Background(), "not a principal")))

	p := testPrincipal("u-1", "t-1", nil)
	assert.Same(t, p, PrincipalFromContext(contextkeys.WithPrincipal(context.Background(), p)))
}
