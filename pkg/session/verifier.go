package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/platinummonkey/rolegate/pkg/observability"
)

// VerifierConfig configures credential verification
type VerifierConfig struct {
	// Issuer must equal the iss claim
	Issuer string

	// Algorithms accepted in the alg header. Defaults to HS256 and RS256.
	Algorithms []string

	// Leeway tolerates clock skew on exp and iat
	Leeway time.Duration
}

// Verifier validates credentials and rebuilds the Principal from claims.
// It never consults the role or permission stores and is safe for
// concurrent use.
type Verifier struct {
	keys       KeyProvider
	issuer     string
	algorithms []string
	leeway     time.Duration
	metrics    *observability.Metrics
}

// VerifierOption configures a Verifier
type VerifierOption func(*Verifier)

// WithVerifierMetrics counts failures by reason
func WithVerifierMetrics(metrics *observability.Metrics) VerifierOption {
	return func(v *Verifier) { v.metrics = metrics }
}

// NewVerifier creates a verifier over keys
func NewVerifier(keys KeyProvider, cfg VerifierConfig, opts ...VerifierOption) *Verifier {
	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = []string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodRS256.Alg()}
	}
	v := &Verifier{
		keys:       keys,
		issuer:     cfg.Issuer,
		algorithms: algs,
		leeway:     cfg.Leeway,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks token at now and returns the Principal it carries. Any
// failure is a *VerificationError. When several checks fail the reported
// kind follows this order: malformed token, signature, issuer, expiry,
// then remaining claim problems.
func (v *Verifier) Verify(token string, now time.Time) (*Principal, error) {
	claims, err := v.parse(token, now)
	if err != nil {
		verr := classify(err)
		if v.metrics != nil {
			v.metrics.VerificationFailuresTotal.WithLabelValues(verr.Reason()).Inc()
		}
		return nil, verr
	}
	return principalFromClaims(claims), nil
}

func (v *Verifier) parse(token string, now time.Time) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.algorithms),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)

	claims := &Claims{}
	if _, err := parser.ParseWithClaims(token, claims, v.keyFunc); err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("kid header not found")
	}
	key, err := v.keys.Key(kid)
	if err != nil {
		return nil, err
	}
	if key.Method.Alg() != token.Method.Alg() {
		return nil, fmt.Errorf("key %s does not verify %s", kid, token.Method.Alg())
	}
	return key.Verifying, nil
}

func classify(err error) *VerificationError {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return &VerificationError{Kind: ErrMalformedClaims, Err: err}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return &VerificationError{Kind: ErrSignatureInvalid, Err: err}
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return &VerificationError{Kind: ErrIssuerMismatch, Err: err}
	case errors.Is(err, jwt.ErrTokenExpired):
		return &VerificationError{Kind: ErrExpired, Err: err}
	default:
		return &VerificationError{Kind: ErrMalformedClaims, Err: err}
	}
}
