package policy

import (
	"errors"
	"fmt"

	"github.com/platinummonkey/rolegate/pkg/observability"
	"github.com/platinummonkey/rolegate/pkg/rbac"
	"github.com/platinummonkey/rolegate/pkg/session"
)

// ErrUnauthorizedPrincipal is returned by Authorize when a decision denies
var ErrUnauthorizedPrincipal = errors.New("unauthorized principal")

// Outcome labels recorded per decision
const (
	OutcomeAllow  = "allow"
	OutcomeBypass = "bypass"
	OutcomeDeny   = "deny"
)

// Predicate is a pure test over a verified principal
type Predicate func(p *session.Principal) bool

// HasPermission holds when code is in the principal's permission set
func HasPermission(code rbac.PermissionCode) Predicate {
	return func(p *session.Principal) bool {
		return p.HasPermission(code)
	}
}

// HasAnyRole holds when the principal carries at least one of names
func HasAnyRole(names ...string) Predicate {
	return func(p *session.Principal) bool {
		for _, name := range names {
			if p.HasRole(name) {
				return true
			}
		}
		return false
	}
}

// HasSystemRole holds when the principal carries role system-wide. Tenant
// roles never satisfy it.
func HasSystemRole(role rbac.GlobalRole) Predicate {
	return func(p *session.Principal) bool {
		return p.HasSystemRole(string(role))
	}
}

// SameTenant holds when the principal was issued for tenantID
func SameTenant(tenantID string) Predicate {
	return func(p *session.Principal) bool {
		return tenantID != "" && p.TenantID() == tenantID
	}
}

// OwnsResource holds when the principal is ownerID
func OwnsResource(ownerID string) Predicate {
	return func(p *session.Principal) bool {
		return ownerID != "" && p.UserID() == ownerID
	}
}

// AdminBypass holds for principals holding the admin role system-wide. It
// ignores the tenant the principal was issued for.
func AdminBypass() Predicate {
	return HasSystemRole(rbac.RoleAdmin)
}

// All holds when every predicate holds. All() holds.
func All(preds ...Predicate) Predicate {
	return func(p *session.Principal) bool {
		for _, pred := range preds {
			if !pred(p) {
				return false
			}
		}
		return true
	}
}

// Any holds when at least one predicate holds. Any() does not hold.
func Any(preds ...Predicate) Predicate {
	return func(p *session.Principal) bool {
		for _, pred := range preds {
			if pred(p) {
				return true
			}
		}
		return false
	}
}

// Decision is a named authorization rule for one endpoint. Bypass, when set,
// is evaluated first and short-circuits Rule.
type Decision struct {
	Name   string
	Bypass Predicate
	Rule   Predicate
}

// Evaluate returns whether the principal is allowed. A nil principal is never allowed.
func (d Decision) Evaluate(p *session.Principal) bool {
	allowed, _ := d.evaluate(p)
	return allowed
}

func (d Decision) evaluate(p *session.Principal) (bool, string) {
	if p == nil {
		return false, OutcomeDeny
	}
	if d.Bypass != nil && d.Bypass(p) {
		return true, OutcomeBypass
	}
	if d.Rule != nil && d.Rule(p) {
		return true, OutcomeAllow
	}
	return false, OutcomeDeny
}

// Evaluator records decision outcomes
type Evaluator struct {
	metrics *observability.Metrics
}

// NewEvaluator creates an evaluator. metrics may be nil.
func NewEvaluator(metrics *observability.Metrics) *Evaluator {
	return &Evaluator{metrics: metrics}
}

// Authorize evaluates d and returns ErrUnauthorizedPrincipal on deny
func (e *Evaluator) Authorize(p *session.Principal, d Decision) error {
	allowed, outcome := d.evaluate(p)
	if e != nil && e.metrics != nil {
		e.metrics.DecisionsTotal.WithLabelValues(d.Name, outcome).Inc()
	}
	if !allowed {
		return fmt.Errorf("%w: %s", ErrUnauthorizedPrincipal, d.Name)
	}
	return nil
}

// Authorize evaluates d without recording metrics
func Authorize(p *session.Principal, d Decision) error {
	return (*Evaluator)(nil).Authorize(p, d)
}
