// Package obligation dispatches the duties attached to a PolicyDecision
// (audit logging, notification, data lifecycle actions) asynchronously so
// obligation execution never adds latency to the proxied action.
package obligation

import (
	"context"

	"github.com/policygate/gateway/internal/domain/decision"
)

// Executor discharges one kind of duty. The Name it returns must match the
// prefix of decision.Duty.Name used to route a duty to it (e.g. an executor
// named "audit_log" claims duties named "audit_log" or "audit_log:detail").
type Executor interface {
	Name() string
	Execute(ctx context.Context, dc decision.DecisionContext, pd decision.PolicyDecision, duty decision.Duty) error
}

// job is a queued obligation awaiting dispatch.
type job struct {
	dc    decision.DecisionContext
	pd    decision.PolicyDecision
	duty  decision.Duty
}
