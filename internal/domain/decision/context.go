package decision

import "context"

type policyDecisionKey struct{}

// WithPolicyDecision stores a PolicyDecision in the context so downstream
// interceptors (obligation logging, response handling) can read the
// decision that authorized the in-flight action without re-evaluating it.
func WithPolicyDecision(ctx context.Context, d PolicyDecision) context.Context {
	return context.WithValue(ctx, policyDecisionKey{}, d)
}

// PolicyDecisionFromContext retrieves a PolicyDecision previously stored by
// WithPolicyDecision. The second return value is false if none is present.
func PolicyDecisionFromContext(ctx context.Context) (PolicyDecision, bool) {
	d, ok := ctx.Value(policyDecisionKey{}).(PolicyDecision)
	return d, ok
}
