package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/policygate/gateway/internal/domain/audit"
	"github.com/policygate/gateway/pkg/mcp"
)

// AuditRecorder enqueues audit records. Satisfied by service.AuditService.
type AuditRecorder interface {
	Record(record audit.AuditRecord)
}

// StatsRecorder counts decision outcomes for the health endpoint. Satisfied
// by service.StatsService.
type StatsRecorder interface {
	RecordPermit()
	RecordDeny()
	RecordRateLimited()
}

// AuditInterceptor writes one audit record per tool call flowing through the
// transport chain, capturing the downstream verdict and the response-scan
// findings. It sits outside the decision interceptor so denials are recorded
// with the same fidelity as permits.
type AuditInterceptor struct {
	recorder AuditRecorder
	stats    StatsRecorder // optional, may be nil
	next     MessageInterceptor
	logger   *slog.Logger
}

// NewAuditInterceptor creates an AuditInterceptor in front of next.
func NewAuditInterceptor(
	recorder AuditRecorder,
	stats StatsRecorder,
	next MessageInterceptor,
	logger *slog.Logger,
) *AuditInterceptor {
	return &AuditInterceptor{
		recorder: recorder,
		stats:    stats,
		next:     next,
		logger:   logger,
	}
}

// Intercept records tool-call outcomes; other messages pass through
// unrecorded.
func (a *AuditInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	if !msg.IsToolCall() {
		return a.next.Intercept(ctx, msg)
	}

	startTime := time.Now()

	// Give downstream interceptors (response scanner) a slot to report
	// findings back through.
	ctx, scanHolder := audit.NewScanResultContext(ctx)

	result, err := a.next.Intercept(ctx, msg)

	if a.stats != nil {
		if err == nil {
			a.stats.RecordPermit()
		} else {
			var rateLimitErr *RateLimitError
			if errors.As(err, &rateLimitErr) {
				a.stats.RecordRateLimited()
			} else {
				a.stats.RecordDeny()
			}
		}
	}

	record := a.buildAuditRecord(msg, startTime, err)

	if scanHolder != nil && scanHolder.Findings > 0 {
		record.ScanFindings = scanHolder.Findings
		record.ScanAction = scanHolder.Action
		record.ScanTypes = scanHolder.Types
	}

	a.recorder.Record(record)

	a.logger.Debug("audit recorded",
		"resource", record.Resource,
		"decision", record.Decision,
		"latency_ms", record.LatencyMS,
	)

	return result, err
}

// buildAuditRecord assembles the record from the message and the chain's
// verdict.
func (a *AuditInterceptor) buildAuditRecord(msg *mcp.Message, startTime time.Time, err error) audit.AuditRecord {
	record := audit.AuditRecord{
		ID:        audit.NewRecordID(),
		Timestamp: startTime,
		Action:    msg.Method(),
		LatencyMS: time.Since(startTime).Milliseconds(),
	}

	// Session context is absent when the auth interceptor did not run
	// (e.g. dev mode without keys).
	if msg.Session != nil {
		record.SessionID = msg.Session.ID
		record.Agent = msg.Session.IdentityID
	} else {
		record.SessionID = "anonymous"
		record.Agent = "anonymous"
	}

	record.Resource, record.Arguments = a.extractToolInfo(msg)
	record.Arguments = audit.RedactSensitiveArgs(record.Arguments)

	if err == nil {
		record.Decision = audit.DecisionPermit
	} else {
		record.Decision = audit.DecisionDeny
		record.Reason = err.Error()
	}

	record.RequestID = a.extractRequestID(msg)
	record.ContextHash = audit.ContextFingerprint(record.Agent, record.Action, record.Resource, startTime)

	return record
}

// extractToolInfo pulls the tool name and arguments out of the call params.
func (a *AuditInterceptor) extractToolInfo(msg *mcp.Message) (string, map[string]any) {
	req := msg.Request()
	if req == nil || req.Params == nil {
		return msg.Method(), nil
	}

	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		a.logger.Debug("failed to parse tool params for audit", "error", err)
		return msg.Method(), nil
	}

	if params.Name == "" {
		return msg.Method(), params.Arguments
	}

	return params.Name, params.Arguments
}

// extractRequestID stringifies the JSON-RPC id for correlation.
func (a *AuditInterceptor) extractRequestID(msg *mcp.Message) string {
	req := msg.Request()
	if req == nil {
		return ""
	}

	id := req.ID.Raw()
	if id == nil {
		return ""
	}

	return fmt.Sprintf("%v", id)
}

var _ MessageInterceptor = (*AuditInterceptor)(nil)
