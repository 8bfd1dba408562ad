package workflow

import (
	"context"
	"fmt"
	"time"
)

// RuleSource yields the delegation rules to consult for an approver.
// Implementations may pre-filter on the window; the Resolver re-checks
// coverage either way.
type RuleSource interface {
	RulesForApprover(ctx context.Context, approverID string) ([]DelegationRule, error)
}

// Resolver maps an absent approver to their active delegate, if any.
// Delegation is single-hop: a delegate's own rules are never followed,
// so cycles cannot form.
type Resolver struct {
	rules RuleSource
}

// NewResolver creates a Resolver over the given rule source.
func NewResolver(rules RuleSource) *Resolver {
	return &Resolver{rules: rules}
}

// ResolveActingApprover returns the identity that should act for
// approverID at the instant `at`: the delegate of the single covering
// rule, or approverID itself when no rule covers `at`. Two or more
// covering rules fail with AmbiguousDelegationError.
func (r *Resolver) ResolveActingApprover(ctx context.Context, approverID string, at time.Time) (string, error) {
	rules, err := r.rules.RulesForApprover(ctx, approverID)
	if err != nil {
		return "", fmt.Errorf("workflow.ResolveActingApprover: %w", err)
	}

	var active []DelegationRule
	for _, rule := range rules {
		if rule.Covers(at) {
			active = append(active, rule)
		}
	}

	switch len(active) {
	case 0:
		return approverID, nil
	case 1:
		return active[0].DelegateID, nil
	default:
		ids := make([]string, 0, len(active))
		for _, rule := range active {
			ids = append(ids, rule.ID)
		}
		return "", &AmbiguousDelegationError{ApproverID: approverID, RuleIDs: ids}
	}
}
