package api

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/rolegate/pkg/audit"
	"github.com/platinummonkey/rolegate/pkg/httputil"
	"github.com/platinummonkey/rolegate/pkg/middleware"
	"github.com/platinummonkey/rolegate/pkg/observability"
	"github.com/platinummonkey/rolegate/pkg/policy"
	"github.com/platinummonkey/rolegate/pkg/rbac"
	"github.com/platinummonkey/rolegate/pkg/session"
)

// IssueKeyHeader carries the internal key required to issue credentials
const IssueKeyHeader = "X-Issue-Key"

// Config configures the API server
type Config struct {
	// IssueAPIKey is shared with the upstream authentication service
	IssueAPIKey  string
	MaxBodyBytes int64
}

// Server serves session issuance and the administrative operations
type Server struct {
	router   *mux.Router
	manager  *rbac.Manager
	issuer   *session.Issuer
	issueKey string
	maxBody  int64

	limiter     *middleware.RedisRateLimiter
	auditLogger audit.Logger
	metrics     *observability.Metrics
	logger      *observability.Logger
	clock       func() time.Time
	validate    *validator.Validate

	auth  *middleware.AuthMiddleware
	authz *middleware.Authorizer
}

// Option configures a Server
type Option func(*Server)

// WithRateLimiter limits issuance and refresh per subject
func WithRateLimiter(limiter *middleware.RedisRateLimiter) Option {
	return func(s *Server) { s.limiter = limiter }
}

// WithAuditLogger records denied requests
func WithAuditLogger(logger audit.Logger) Option {
	return func(s *Server) { s.auditLogger = logger }
}

// WithMetrics enables HTTP and policy decision metrics
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Server) { s.metrics = metrics }
}

// WithLogger sets the request logger
func WithLogger(logger *observability.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithClock overrides the time used for issuance and verification
func WithClock(clock func() time.Time) Option {
	return func(s *Server) { s.clock = clock }
}

// NewServer creates the API server and registers its routes
func NewServer(manager *rbac.Manager, issuer *session.Issuer, cfg Config, opts ...Option) *Server {
	s := &Server{
		router:      mux.NewRouter(),
		manager:     manager,
		issuer:      issuer,
		issueKey:    cfg.IssueAPIKey,
		maxBody:     cfg.MaxBodyBytes,
		auditLogger: audit.NopLogger{},
		logger:      observability.NopLogger(),
		clock:       time.Now,
		validate:    newValidator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxBody <= 0 {
		s.maxBody = 1 << 20
	}

	s.auth = middleware.NewAuthMiddleware(issuer.Verifier(), middleware.WithClock(s.clock))
	s.authz = middleware.NewAuthorizer(policy.NewEvaluator(s.metrics), middleware.WithAuditLogger(s.auditLogger))

	s.setupRoutes()
	return s
}

// Router exposes the route table
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the router wrapped in the request middleware chain
func (s *Server) Handler() http.Handler {
	return httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
		httputil.RecoveryMiddleware(s.logger),
		httputil.MaxBytesMiddleware(s.maxBody),
	)(s.router)
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	if s.metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	}

	// Issuance authenticates with the shared key, not a credential
	s.router.HandleFunc("/v1/sessions", s.issueSession).Methods(http.MethodPost)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(s.auth.Handler)

	// Sessions
	refresh := http.Handler(http.HandlerFunc(s.refreshSession))
	if s.limiter != nil {
		refresh = s.limiter.Middleware("refresh", middleware.PrincipalKey)(refresh)
	}
	v1.Handle("/sessions/refresh", refresh).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/me", s.currentPrincipal).Methods(http.MethodGet)

	// Permission catalog
	v1.HandleFunc("/permissions", s.listPermissions).Methods(http.MethodGet)
	v1.Handle("/permissions", s.guard(globalRoles, s.registerPermission)).Methods(http.MethodPost)

	// System-wide roles
	v1.Handle("/users/{user}/global-roles/{role}", s.guard(globalRoles, s.assignGlobalRole)).Methods(http.MethodPut)
	v1.Handle("/users/{user}/global-roles/{role}", s.guard(globalRoles, s.revokeGlobalRole)).Methods(http.MethodDelete)

	// Tenant roles and overrides
	v1.Handle("/tenants/{tenant}/roles", s.guard(tenantRoles, s.listRoles)).Methods(http.MethodGet)
	v1.Handle("/tenants/{tenant}/roles", s.guard(tenantRoles, s.createTenantRole)).Methods(http.MethodPost)
	v1.Handle("/tenants/{tenant}/roles/{role}", s.guard(tenantRoles, s.deleteTenantRole)).Methods(http.MethodDelete)
	v1.Handle("/tenants/{tenant}/roles/{role}/overrides/{code}", s.guard(tenantRoles, s.setRoleOverride)).Methods(http.MethodPut)
	v1.Handle("/tenants/{tenant}/roles/{role}/overrides/{code}", s.guard(tenantRoles, s.clearRoleOverride)).Methods(http.MethodDelete)

	// User assignments, grants and denies
	v1.Handle("/tenants/{tenant}/users/{user}/roles/{role}", s.guard(tenantRoles, s.assignTenantRole)).Methods(http.MethodPut)
	v1.Handle("/tenants/{tenant}/users/{user}/roles/{role}", s.guard(tenantRoles, s.removeTenantRole)).Methods(http.MethodDelete)
	v1.Handle("/tenants/{tenant}/users/{user}/grants/{code}", s.guard(userPermissions, s.setUserGrant)).Methods(http.MethodPut)
	v1.Handle("/tenants/{tenant}/users/{user}/grants/{code}", s.guard(userPermissions, s.clearUserGrant)).Methods(http.MethodDelete)
	v1.Handle("/tenants/{tenant}/users/{user}/denies/{code}", s.guard(userPermissions, s.setUserDeny)).Methods(http.MethodPut)
	v1.Handle("/tenants/{tenant}/users/{user}/denies/{code}", s.guard(userPermissions, s.clearUserDeny)).Methods(http.MethodDelete)
	v1.Handle("/tenants/{tenant}/users/{user}/permissions", s.guard(viewPermissions, s.effectivePermissions)).Methods(http.MethodGet)
}

func (s *Server) guard(decide middleware.DecisionFunc, h http.HandlerFunc) http.Handler {
	return s.authz.Require(decide)(h)
}

func globalRoles(*http.Request) policy.Decision {
	return policy.CanManageGlobalRoles()
}

func tenantRoles(r *http.Request) policy.Decision {
	return policy.CanManageTenantRoles(mux.Vars(r)["tenant"])
}

func userPermissions(r *http.Request) policy.Decision {
	return policy.CanManageUserPermissions(mux.Vars(r)["tenant"])
}

func viewPermissions(r *http.Request) policy.Decision {
	vars := mux.Vars(r)
	return policy.CanViewEffectivePermissions(vars["tenant"], vars["user"])
}
