package obligation

import (
	"context"

	"github.com/policygate/gateway/internal/domain/audit"
	"github.com/policygate/gateway/internal/domain/decision"
)

// AuditLoggerExecutor discharges the "audit_log" duty by appending a full
// decision record, including constraint and obligation outcomes, to the
// gateway's AuditStore.
type AuditLoggerExecutor struct {
	store audit.AuditStore
}

// NewAuditLoggerExecutor creates an executor backed by the given AuditStore.
func NewAuditLoggerExecutor(store audit.AuditStore) *AuditLoggerExecutor {
	return &AuditLoggerExecutor{store: store}
}

// Name implements Executor.
func (e *AuditLoggerExecutor) Name() string { return "audit_log" }

// Execute implements Executor.
func (e *AuditLoggerExecutor) Execute(ctx context.Context, dc decision.DecisionContext, pd decision.PolicyDecision, _ decision.Duty) error {
	record := audit.AuditRecord{
		ID:          audit.NewRecordID(),
		Timestamp:   dc.RequestTime,
		Agent:       dc.Agent,
		SessionID:   dc.SessionID,
		RequestID:   dc.RequestID,
		Action:      dc.Action,
		Resource:    dc.Resource,
		Arguments:   audit.RedactSensitiveArgs(dc.Arguments),
		Decision:    string(pd.Outcome),
		Reason:      pd.Reason,
		PolicyID:    pd.PolicyID,
		RuleID:      pd.RuleID,
		Engine:      string(pd.Engine),
		LatencyMS:   pd.LatencyMS,
		ContextHash: audit.ContextFingerprint(dc.Agent, dc.Action, dc.Resource, dc.RequestTime),
	}

	for _, c := range pd.Constraints {
		if c.Applied {
			record.ConstraintsApplied = append(record.ConstraintsApplied, c.Name)
		}
	}
	for _, o := range pd.Obligations {
		record.ObligationResults = append(record.ObligationResults, audit.ObligationOutcome{
			Duty:      o.Duty,
			Succeeded: o.Succeeded,
			Attempts:  o.Attempts,
			Error:     o.Error,
		})
	}

	return e.store.Append(ctx, record)
}
