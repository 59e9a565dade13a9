package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSignatureInvalid is returned when the signature does not verify,
	// the algorithm is not accepted, or the signing key is unknown
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrExpired is returned when exp is at or before the verification time
	ErrExpired = errors.New("credential expired")

	// ErrMalformedClaims is returned when the token cannot be decoded or a
	// required claim is missing or ill-formed
	ErrMalformedClaims = errors.New("malformed claims")

	// ErrIssuerMismatch is returned when iss differs from the configured issuer
	ErrIssuerMismatch = errors.New("issuer mismatch")
)

// VerificationError is the single failure type returned by Verifier.Verify.
// Kind is one of the sentinels above. Err carries the underlying cause.
type VerificationError struct {
	Kind error
	Err  error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *VerificationError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Reason returns a stable label for the failure kind
func (e *VerificationError) Reason() string {
	switch e.Kind {
	case ErrSignatureInvalid:
		return "signature_invalid"
	case ErrExpired:
		return "expired"
	case ErrIssuerMismatch:
		return "issuer_mismatch"
	default:
		return "malformed_claims"
	}
}

// IsVerificationError reports whether err is a credential verification failure
func IsVerificationError(err error) bool {
	var verr *VerificationError
	return errors.As(err, &verr)
}
