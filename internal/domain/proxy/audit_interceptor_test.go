package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/policygate/gateway/internal/domain/audit"
	"github.com/policygate/gateway/internal/domain/auth"
	"github.com/policygate/gateway/internal/domain/session"
	"github.com/policygate/gateway/pkg/mcp"
)

type mockAuditRecorder struct {
	records []audit.AuditRecord
}

func (m *mockAuditRecorder) Record(record audit.AuditRecord) {
	m.records = append(m.records, record)
}

type mockStatsRecorder struct {
	permits     int
	denies      int
	rateLimited int
}

func (m *mockStatsRecorder) RecordPermit()      { m.permits++ }
func (m *mockStatsRecorder) RecordDeny()        { m.denies++ }
func (m *mockStatsRecorder) RecordRateLimited() { m.rateLimited++ }

type mockNextInterceptorAudit struct {
	returnErr   error
	called      bool
	interceptFn func(ctx context.Context, msg *mcp.Message) (*mcp.Message, error)
}

func (m *mockNextInterceptorAudit) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	m.called = true
	if m.interceptFn != nil {
		return m.interceptFn(ctx, msg)
	}
	return msg, m.returnErr
}

func auditTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// toolCallMessage builds a tools/call message with an attached session.
func toolCallMessage(t *testing.T, tool string, args map[string]any) *mcp.Message {
	t.Helper()

	params, err := json.Marshal(map[string]any{"name": tool, "arguments": args})
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	req := &jsonrpc.Request{Method: "tools/call", Params: params}
	id, _ := jsonrpc.MakeID("req-123")
	req.ID = id

	return &mcp.Message{
		Decoded:   req,
		Direction: mcp.ClientToServer,
		Timestamp: time.Now(),
		Session: &session.Session{
			ID:         "session-123",
			IdentityID: "identity-456",
			Roles:      []auth.Role{auth.RoleUser},
		},
	}
}

func TestAuditInterceptorRecordsPermittedCall(t *testing.T) {
	recorder := &mockAuditRecorder{}
	next := &mockNextInterceptorAudit{}
	interceptor := NewAuditInterceptor(recorder, nil, next, auditTestLogger())

	msg := toolCallMessage(t, "read_file", map[string]any{"path": "/test"})

	if _, err := interceptor.Intercept(context.Background(), msg); err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	if !next.called {
		t.Error("next interceptor was not invoked")
	}
	if len(recorder.records) != 1 {
		t.Fatalf("recorded %d records, want 1", len(recorder.records))
	}

	rec := recorder.records[0]
	if rec.Decision != audit.DecisionPermit {
		t.Errorf("Decision = %s, want PERMIT", rec.Decision)
	}
	if rec.Resource != "read_file" {
		t.Errorf("Resource = %s, want read_file", rec.Resource)
	}
	if rec.Action != "tools/call" {
		t.Errorf("Action = %s, want tools/call", rec.Action)
	}
	if rec.SessionID != "session-123" || rec.Agent != "identity-456" {
		t.Errorf("session/agent = %s/%s", rec.SessionID, rec.Agent)
	}
	if rec.RequestID != "req-123" {
		t.Errorf("RequestID = %s, want req-123", rec.RequestID)
	}
	if rec.ID == "" {
		t.Error("record ID not assigned")
	}
	if rec.ContextHash == "" {
		t.Error("ContextHash not populated")
	}
}

func TestAuditInterceptorRecordsDeniedCall(t *testing.T) {
	recorder := &mockAuditRecorder{}
	policyErr := errors.New("policy denied: forbidden tool")
	next := &mockNextInterceptorAudit{returnErr: policyErr}
	interceptor := NewAuditInterceptor(recorder, nil, next, auditTestLogger())

	msg := toolCallMessage(t, "write_file", map[string]any{"path": "/b"})

	if _, err := interceptor.Intercept(context.Background(), msg); !errors.Is(err, policyErr) {
		t.Fatalf("Intercept error = %v, want original policy error", err)
	}
	if len(recorder.records) != 1 {
		t.Fatalf("recorded %d records, want 1", len(recorder.records))
	}

	rec := recorder.records[0]
	if rec.Decision != audit.DecisionDeny {
		t.Errorf("Decision = %s, want DENY", rec.Decision)
	}
	if rec.Reason == "" {
		t.Error("denied record carries no reason")
	}
}

func TestAuditInterceptorRedactsSensitiveArguments(t *testing.T) {
	recorder := &mockAuditRecorder{}
	next := &mockNextInterceptorAudit{}
	interceptor := NewAuditInterceptor(recorder, nil, next, auditTestLogger())

	msg := toolCallMessage(t, "login", map[string]any{
		"user":     "alice",
		"password": "hunter2",
	})

	if _, err := interceptor.Intercept(context.Background(), msg); err != nil {
		t.Fatalf("Intercept: %v", err)
	}

	args := recorder.records[0].Arguments
	if args["user"] != "alice" {
		t.Errorf("non-sensitive arg mangled: %v", args["user"])
	}
	if args["password"] == "hunter2" {
		t.Error("sensitive argument reached the audit record unredacted")
	}
}

func TestAuditInterceptorSkipsNonToolCalls(t *testing.T) {
	recorder := &mockAuditRecorder{}
	next := &mockNextInterceptorAudit{}
	interceptor := NewAuditInterceptor(recorder, nil, next, auditTestLogger())

	req := &jsonrpc.Request{Method: "tools/list"}
	msg := &mcp.Message{Decoded: req, Direction: mcp.ClientToServer, Timestamp: time.Now()}

	if _, err := interceptor.Intercept(context.Background(), msg); err != nil {
		t.Fatalf("Intercept: %v", err)
	}
	if !next.called {
		t.Error("next interceptor was not invoked")
	}
	if len(recorder.records) != 0 {
		t.Errorf("non-tool-call produced %d audit records", len(recorder.records))
	}
}

func TestAuditInterceptorAnonymousSession(t *testing.T) {
	recorder := &mockAuditRecorder{}
	next := &mockNextInterceptorAudit{}
	interceptor := NewAuditInterceptor(recorder, nil, next, auditTestLogger())

	msg := toolCallMessage(t, "read_file", nil)
	msg.Session = nil

	if _, err := interceptor.Intercept(context.Background(), msg); err != nil {
		t.Fatalf("Intercept: %v", err)
	}

	rec := recorder.records[0]
	if rec.Agent != "anonymous" || rec.SessionID != "anonymous" {
		t.Errorf("agent/session = %s/%s, want anonymous/anonymous", rec.Agent, rec.SessionID)
	}
}

func TestAuditInterceptorStats(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantStats mockStatsRecorder
	}{
		{"permit", nil, mockStatsRecorder{permits: 1}},
		{"deny", errors.New("denied"), mockStatsRecorder{denies: 1}},
		{"rate limited", &RateLimitError{RetryAfter: time.Second}, mockStatsRecorder{rateLimited: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := &mockAuditRecorder{}
			stats := &mockStatsRecorder{}
			next := &mockNextInterceptorAudit{returnErr: tt.err}
			interceptor := NewAuditInterceptor(recorder, stats, next, auditTestLogger())

			_, _ = interceptor.Intercept(context.Background(), toolCallMessage(t, "t", nil))

			if *stats != tt.wantStats {
				t.Errorf("stats = %+v, want %+v", *stats, tt.wantStats)
			}
		})
	}
}

func TestAuditInterceptorCapturesScanFindings(t *testing.T) {
	recorder := &mockAuditRecorder{}
	next := &mockNextInterceptorAudit{
		interceptFn: func(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
			// Simulate the response scanner reporting findings through the
			// context holder.
			if holder := audit.ScanResultFromContext(ctx); holder != nil {
				holder.Findings = 2
				holder.Action = "monitored"
				holder.Types = "prompt_injection"
			}
			return msg, nil
		},
	}
	interceptor := NewAuditInterceptor(recorder, nil, next, auditTestLogger())

	if _, err := interceptor.Intercept(context.Background(), toolCallMessage(t, "t", nil)); err != nil {
		t.Fatalf("Intercept: %v", err)
	}

	rec := recorder.records[0]
	if rec.ScanFindings != 2 || rec.ScanAction != "monitored" || rec.ScanTypes != "prompt_injection" {
		t.Errorf("scan fields = %d/%s/%s", rec.ScanFindings, rec.ScanAction, rec.ScanTypes)
	}
}
