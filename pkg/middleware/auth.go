package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/platinummonkey/rolegate/pkg/contextkeys"
	"github.com/platinummonkey/rolegate/pkg/httputil"
	"github.com/platinummonkey/rolegate/pkg/observability"
	"github.com/platinummonkey/rolegate/pkg/session"
)

// CredentialVerifier turns a bearer token into a principal
type CredentialVerifier interface {
	Verify(token string, now time.Time) (*session.Principal, error)
}

// AuthMiddleware provides credential authentication
type AuthMiddleware struct {
	verifier CredentialVerifier
	clock    func() time.Time
}

// AuthOption configures an AuthMiddleware
type AuthOption func(*AuthMiddleware)

// WithClock overrides the time credentials are checked against
func WithClock(clock func() time.Time) AuthOption {
	return func(m *AuthMiddleware) { m.clock = clock }
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(verifier CredentialVerifier, opts ...AuthOption) *AuthMiddleware {
	m := &AuthMiddleware{verifier: verifier, clock: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handler wraps an HTTP handler with authentication
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := httputil.BearerToken(r)
		if err != nil {
			unauthorized(w, "missing_credentials", err.Error())
			return
		}

		principal, err := m.verifier.Verify(token, m.clock())
		if err != nil {
			var verr *session.VerificationError
			if errors.As(err, &verr) {
				observability.FromContext(r.Context()).WithField("reason", verr.Reason()).Warn("Credential rejected")
				unauthorized(w, verr.Reason(), "invalid credential")
				return
			}
			unauthorized(w, "invalid_credentials", "invalid credential")
			return
		}

		ctx := contextkeys.WithPrincipal(r.Context(), principal)
		ctx = contextkeys.WithUserID(ctx, principal.UserID())
		ctx = contextkeys.WithTenantID(ctx, principal.TenantID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, code, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	httputil.WriteError(w, http.StatusUnauthorized, code, message)
}

// PrincipalFromContext returns the verified principal, or nil
func PrincipalFromContext(ctx context.Context) *session.Principal {
	principal, _ := ctx.Value(contextkeys.PrincipalKey).(*session.Principal)
	return principal
}

// GetPrincipal extracts the verified principal from the request
func GetPrincipal(r *http.Request) *session.Principal {
	return PrincipalFromContext(r.Context())
}
