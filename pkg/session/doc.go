// Package session issues and verifies signed credentials carrying a user's
// roles and effective permissions within one tenant.
//
// Issuer.Issue resolves permissions once and embeds them in a JWT:
//
//	{"sub": "u-1", "tenant": "t-1", "roles": ["technician"],
//	 "perms": ["base.unit.view", ...], "iss": "rolegate", "iat": ..., "exp": ...}
//
// Verifier.Verify checks the signature, issuer and expiry and rebuilds an
// immutable Principal from the claims alone. Downstream services never query
// the role or permission stores per request.
//
// # Staleness
//
// A credential is a snapshot. Role assignments, overrides, grants and denies
// changed after issuance are not reflected until the credential is refreshed
// (Issuer.Refresh) or a new one is issued. A revoked permission therefore
// remains usable for at most the credential TTL. Deployments that need faster
// revocation shorten the TTL; credentials are not cached or invalidated
// server-side.
//
// # Keys
//
// Credentials carry a kid header. KeyProvider returns the active signing key
// and looks up older keys by kid, so rotating the active key does not
// invalidate credentials that are still within their lifetime.
package session
