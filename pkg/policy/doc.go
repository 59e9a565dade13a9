// Package policy evaluates named authorization decisions over a verified
// session.Principal.
//
// Predicates (HasPermission, HasAnyRole, SameTenant, OwnsResource) are
// combined with All and Any into a Decision. A decision that lets admins
// act across tenants says so in its Bypass field, which is checked before
// the rule:
//
//	d := policy.Decision{
//		Name:   "can_close_ticket",
//		Bypass: policy.AdminBypass(),
//		Rule: policy.All(
//			policy.SameTenant(tenantID),
//			policy.HasPermission("support.ticket.reply"),
//		),
//	}
//	if !d.Evaluate(principal) {
//		// 403
//	}
//
// Evaluate never fails. Authorize wraps it for callers that want an error,
// returning ErrUnauthorizedPrincipal on deny.
package policy
