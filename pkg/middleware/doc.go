// Package middleware provides credential authentication, policy
// authorization and issuance rate limiting for the HTTP API.
//
// # Authentication
//
// AuthMiddleware verifies the bearer credential and stores the resulting
// session.Principal in the request context. Verification failures stop the
// request with 401 before any policy runs.
//
//	auth := middleware.NewAuthMiddleware(verifier)
//	router.Use(auth.Handler)
//
// # Authorization
//
// Authorizer.Require evaluates a named policy.Decision built from the request
// and answers 403 when it denies:
//
//	authz := middleware.NewAuthorizer(policy.NewEvaluator(metrics))
//	router.Handle("/v1/tenants/{tenant}/roles", authz.Require(func(r *http.Request) policy.Decision {
//		return policy.CanManageTenantRoles(mux.Vars(r)["tenant"])
//	})(handler))
//
// # Rate Limiting
//
// RedisRateLimiter counts requests per key in fixed windows shared by every
// instance. Redis errors fail open.
package middleware
