package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/platinummonkey/rolegate/pkg/httputil"
	"github.com/platinummonkey/rolegate/pkg/middleware"
	"github.com/platinummonkey/rolegate/pkg/observability"
	"github.com/platinummonkey/rolegate/pkg/session"
)

// issueSession handles POST /v1/sessions. The caller has authenticated the
// subject and proves it may ask for credentials with the shared issue key.
func (s *Server) issueSession(w http.ResponseWriter, r *http.Request) {
	if !s.validIssueKey(r.Header.Get(IssueKeyHeader)) {
		httputil.WriteError(w, http.StatusUnauthorized, "invalid_issue_key", "missing or invalid issue key")
		return
	}

	var req session.IssueRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.validateStruct(&req); err != nil {
		writeError(w, r, err)
		return
	}

	if s.limiter != nil {
		result, err := s.limiter.Allow(r.Context(), "issue:"+req.TenantID+":"+req.UserID)
		switch {
		case err != nil:
			observability.FromContext(r.Context()).WithError(err).Warn("Rate limiter unavailable, allowing issuance")
		case !result.Allowed:
			s.limiter.Reject(w, "issue", result)
			return
		default:
			middleware.WriteRateLimitHeaders(w, result)
		}
	}

	cred, err := s.issuer.Issue(r.Context(), req, s.clock())
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, cred)
}

func (s *Server) validIssueKey(presented string) bool {
	if s.issueKey == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.issueKey)) == 1
}

// refreshSession handles POST /v1/sessions/refresh. The presented credential
// has already been verified by the auth middleware.
func (s *Server) refreshSession(w http.ResponseWriter, r *http.Request) {
	token, err := httputil.BearerToken(r)
	if err != nil {
		httputil.WriteError(w, http.StatusUnauthorized, "missing_credentials", err.Error())
		return
	}

	cred, err := s.issuer.Refresh(r.Context(), token, s.clock())
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, cred)
}

// currentPrincipal handles GET /v1/sessions/me
func (s *Server) currentPrincipal(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, middleware.GetPrincipal(r))
}
