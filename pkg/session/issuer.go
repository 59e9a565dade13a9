package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/rolegate/pkg/audit"
	"github.com/platinummonkey/rolegate/pkg/observability"
	"github.com/platinummonkey/rolegate/pkg/rbac"
)

// DefaultTTL is the credential lifetime when none is configured
const DefaultTTL = 15 * time.Minute

// Resolver computes effective permissions. *rbac.Manager implements it.
type Resolver interface {
	Resolve(ctx context.Context, userID, tenantID string, now time.Time) (*rbac.Resolution, error)
}

// IssuerConfig configures credential issuance
type IssuerConfig struct {
	Issuer string
	TTL    time.Duration
	// Leeway is passed to the verifier used by Refresh and Verifier
	Leeway time.Duration
}

// IssueRequest names the subject of a new credential. Authentication has
// already happened upstream.
type IssueRequest struct {
	UserID   string `json:"user_id" validate:"required,max=255"`
	TenantID string `json:"tenant_id" validate:"required,max=255"`
	Username string `json:"username,omitempty" validate:"max=255"`
}

// Credential is a signed token together with the values it embeds
type Credential struct {
	Token     string     `json:"token"`
	TokenType string     `json:"token_type"`
	ID        string     `json:"id"`
	KeyID     string     `json:"kid"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	Principal *Principal `json:"principal"`
}

// Issuer packages a resolution into a signed credential. Issuance is the only
// place permissions are computed for a session; changes made afterwards are
// not visible to the credential until it is refreshed or re-issued.
type Issuer struct {
	resolver Resolver
	keys     KeyProvider
	verifier *Verifier
	issuer   string
	ttl      time.Duration

	catalog *rbac.PermissionCatalog
	audit   audit.Logger
	metrics *observability.Metrics
	logger  *observability.Logger
}

// IssuerOption configures an Issuer
type IssuerOption func(*Issuer)

// WithAuditLogger records issue and refresh events
func WithAuditLogger(logger audit.Logger) IssuerOption {
	return func(i *Issuer) { i.audit = logger }
}

// WithMetrics counts issued credentials and verification failures on refresh
func WithMetrics(metrics *observability.Metrics) IssuerOption {
	return func(i *Issuer) { i.metrics = metrics }
}

// WithLogger sets the structured logger
func WithLogger(logger *observability.Logger) IssuerOption {
	return func(i *Issuer) { i.logger = logger }
}

// WithPermissionCatalog drops resolved codes that are not registered at
// issuance time
func WithPermissionCatalog(catalog *rbac.PermissionCatalog) IssuerOption {
	return func(i *Issuer) { i.catalog = catalog }
}

// NewIssuer creates an issuer. Refresh verifies against the same keys and issuer.
func NewIssuer(resolver Resolver, keys KeyProvider, cfg IssuerConfig, opts ...IssuerOption) (*Issuer, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer name is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}

	i := &Issuer{
		resolver: resolver,
		keys:     keys,
		issuer:   cfg.Issuer,
		ttl:      cfg.TTL,
		audit:    audit.NopLogger{},
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(i)
	}

	var verifierOpts []VerifierOption
	if i.metrics != nil {
		verifierOpts = append(verifierOpts, WithVerifierMetrics(i.metrics))
	}
	i.verifier = NewVerifier(keys, VerifierConfig{Issuer: cfg.Issuer, Leeway: cfg.Leeway}, verifierOpts...)
	return i, nil
}

// TTL returns the credential lifetime, which bounds how long a credential can
// lag behind role and permission changes
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Verifier returns a verifier matching this issuer
func (i *Issuer) Verifier() *Verifier {
	return i.verifier
}

// Issue resolves req at now and signs the result
func (i *Issuer) Issue(ctx context.Context, req IssueRequest, now time.Time) (*Credential, error) {
	return i.issue(ctx, req, now, "issue")
}

// Refresh verifies token at now and issues a fresh credential for the same
// subject and tenant, picking up any role or permission changes
func (i *Issuer) Refresh(ctx context.Context, token string, now time.Time) (*Credential, error) {
	principal, err := i.verifier.Verify(token, now)
	if err != nil {
		return nil, err
	}
	return i.issue(ctx, IssueRequest{
		UserID:   principal.UserID(),
		TenantID: principal.TenantID(),
		Username: principal.Username(),
	}, now, "refresh")
}

func (i *Issuer) issue(ctx context.Context, req IssueRequest, now time.Time, kind string) (*Credential, error) {
	ctx, span := observability.Tracer().Start(ctx, "session."+kind,
		trace.WithAttributes(
			attribute.String("rolegate.user_id", req.UserID),
			attribute.String("rolegate.tenant_id", req.TenantID),
		))
	defer span.End()

	if req.UserID == "" || req.TenantID == "" {
		return nil, fmt.Errorf("%w: user and tenant are required", rbac.ErrEmptyIdentifier)
	}

	key, err := i.keys.ActiveKey()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "no active key")
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	if !key.CanSign() {
		return nil, fmt.Errorf("%w: %s", ErrKeyCannotSign, key.ID)
	}

	res, err := i.resolver.Resolve(ctx, req.UserID, req.TenantID, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "resolution failed")
		return nil, fmt.Errorf("failed to resolve permissions: %w", err)
	}

	perms := i.embeddablePermissions(res)
	issuedAt := jwt.NewNumericDate(now)
	expiresAt := jwt.NewNumericDate(issuedAt.Add(i.ttl))

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    i.issuer,
			Subject:   req.UserID,
			IssuedAt:  issuedAt,
			ExpiresAt: expiresAt,
		},
		Tenant:   req.TenantID,
		Username: req.Username,
		Roles:    res.Roles(),
		SysRoles: res.SystemRoleNames(),
		Perms:    perms,
	}

	token := jwt.NewWithClaims(key.Method, claims)
	token.Header["kid"] = key.ID
	signed, err := token.SignedString(key.Signing)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "signing failed")
		return nil, fmt.Errorf("failed to sign credential: %w", err)
	}

	eventType := audit.EventTypeSessionIssue
	if kind == "refresh" {
		eventType = audit.EventTypeSessionRefresh
	}
	if err := i.audit.Log(ctx, &audit.AuditEvent{
		Timestamp:    now,
		EventType:    eventType,
		ActorID:      req.UserID,
		TenantID:     req.TenantID,
		ResourceType: audit.ResourceTypeSession,
		ResourceID:   claims.ID,
		Message:      "session " + kind,
		Metadata: map[string]interface{}{
			"kid":         key.ID,
			"permissions": len(perms),
			"expires_at":  expiresAt.Time.UTC().Format(time.RFC3339),
		},
	}); err != nil {
		i.logger.WithError(err).Warn("failed to write session audit event")
	}
	if i.metrics != nil {
		i.metrics.SessionsIssuedTotal.WithLabelValues(kind).Inc()
	}
	span.SetAttributes(attribute.Int("rolegate.permissions", len(perms)))

	return &Credential{
		Token:     signed,
		TokenType: "Bearer",
		ID:        claims.ID,
		KeyID:     key.ID,
		IssuedAt:  issuedAt.Time,
		ExpiresAt: expiresAt.Time,
		Principal: principalFromClaims(claims),
	}, nil
}

func (i *Issuer) embeddablePermissions(res *rbac.Resolution) []string {
	codes := res.Permissions.Strings()
	if i.catalog == nil {
		return codes
	}

	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if _, ok := i.catalog.Lookup(rbac.PermissionCode(c)); !ok {
			i.logger.WithField("code", c).Warn("dropping unregistered permission from credential")
			continue
		}
		out = append(out, c)
	}
	return out
}
