package middleware

import (
	"net/http"

	"github.com/platinummonkey/rolegate/pkg/audit"
	"github.com/platinummonkey/rolegate/pkg/contextkeys"
	"github.com/platinummonkey/rolegate/pkg/httputil"
	"github.com/platinummonkey/rolegate/pkg/observability"
	"github.com/platinummonkey/rolegate/pkg/policy"
)

// DecisionFunc builds the decision guarding one request
type DecisionFunc func(r *http.Request) policy.Decision

// Authorizer enforces policy decisions on routes behind AuthMiddleware
type Authorizer struct {
	evaluator   *policy.Evaluator
	auditLogger audit.Logger
}

// AuthorizerOption configures an Authorizer
type AuthorizerOption func(*Authorizer)

// WithAuditLogger records denied requests
func WithAuditLogger(logger audit.Logger) AuthorizerOption {
	return func(a *Authorizer) { a.auditLogger = logger }
}

// NewAuthorizer creates an Authorizer. evaluator may be nil.
func NewAuthorizer(evaluator *policy.Evaluator, opts ...AuthorizerOption) *Authorizer {
	a := &Authorizer{evaluator: evaluator, auditLogger: audit.NopLogger{}}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Require answers 403 unless the decision allows the request's principal
func (a *Authorizer) Require(decide DecisionFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r)
			if principal == nil {
				httputil.WriteError(w, http.StatusUnauthorized, "missing_credentials", "authentication required")
				return
			}

			decision := decide(r)
			if err := a.evaluator.Authorize(principal, decision); err != nil {
				a.recordDenied(r, decision)
				httputil.WriteError(w, http.StatusForbidden, "forbidden", "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (a *Authorizer) recordDenied(r *http.Request, decision policy.Decision) {
	ctx := r.Context()
	principal := GetPrincipal(r)

	event := &audit.AuditEvent{
		EventType: audit.EventTypeAccessDenied,
		Status:    audit.EventStatusDenied,
		ActorID:   principal.UserID(),
		TenantID:  principal.TenantID(),
		RequestID: contextkeys.GetRequestID(ctx),
		Message:   decision.Name,
		Metadata: map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		},
	}
	if err := a.auditLogger.Log(ctx, event); err != nil {
		observability.FromContext(ctx).WithError(err).Warn("Failed to record access denied event")
	}
}
