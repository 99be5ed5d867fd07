package obligation

import (
	"context"
	"fmt"

	"github.com/policygate/gateway/internal/domain/decision"
)

// NotifyFunc delivers a single notification. Implementations wrap a webhook
// POST, a Slack client, an email sender, or similar; the executor itself
// only handles routing and retry bookkeeping.
type NotifyFunc func(ctx context.Context, subject string, body string) error

// NotifierExecutor discharges "notify_owner" duties by calling a NotifyFunc.
// There is no teacher equivalent for outbound notification; it is a new
// component required because constraint-critical and obligation-escalation
// events need a delivery path beyond the audit log.
type NotifierExecutor struct {
	send NotifyFunc
}

// NewNotifierExecutor creates a NotifierExecutor delivering via send.
func NewNotifierExecutor(send NotifyFunc) *NotifierExecutor {
	return &NotifierExecutor{send: send}
}

// Name implements Executor.
func (e *NotifierExecutor) Name() string { return "notify_owner" }

// Execute implements Executor.
func (e *NotifierExecutor) Execute(ctx context.Context, dc decision.DecisionContext, pd decision.PolicyDecision, duty decision.Duty) error {
	subject := fmt.Sprintf("policy decision for %s", dc.Agent)
	body := fmt.Sprintf(
		"agent=%s action=%s resource=%s outcome=%s reason=%q policy=%s rule=%s",
		dc.Agent, dc.Action, dc.Resource, pd.Outcome, pd.Reason, pd.PolicyID, pd.RuleID,
	)
	if recipient, ok := duty.Params["to"]; ok {
		subject = fmt.Sprintf("%s (to %s)", subject, recipient)
	}
	return e.send(ctx, subject, body)
}
