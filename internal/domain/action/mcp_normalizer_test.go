package action

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/policygate/gateway/internal/domain/auth"
	"github.com/policygate/gateway/internal/domain/session"
	"github.com/policygate/gateway/pkg/mcp"
)

// newToolCallMessage builds a tools/call frame with an attached session.
func newToolCallMessage(toolName string, args map[string]interface{}, sess *session.Session) *mcp.Message {
	return newRequestMessage("tools/call", map[string]interface{}{
		"name":      toolName,
		"arguments": args,
	}, sess)
}

// newRequestMessage builds a request frame for an arbitrary method.
func newRequestMessage(method string, params map[string]interface{}, sess *session.Session) *mcp.Message {
	paramsJSON, _ := json.Marshal(params)

	rawMsg := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  json.RawMessage(paramsJSON),
	}
	rawBytes, _ := json.Marshal(rawMsg)

	id, _ := jsonrpc.MakeID(float64(1))
	req := &jsonrpc.Request{ID: id, Method: method, Params: paramsJSON}

	return &mcp.Message{
		Raw:       rawBytes,
		Direction: mcp.ClientToServer,
		Decoded:   req,
		Timestamp: time.Date(2026, 2, 11, 12, 0, 0, 0, time.UTC),
		Session:   sess,
	}
}

func testSession() *session.Session {
	return &session.Session{
		ID:           "sess-123",
		IdentityID:   "id-456",
		IdentityName: "test-user",
		Roles:        []auth.Role{auth.RoleUser, auth.RoleAdmin},
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
		LastAccess:   time.Now().UTC(),
	}
}

func TestNormalizeToolCall(t *testing.T) {
	normalizer := NewMCPNormalizer()
	sess := testSession()
	msg := newToolCallMessage("filesystem__read_file", map[string]interface{}{"path": "/tmp/x"}, sess)

	act, err := normalizer.Normalize(context.Background(), msg)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if act.Type != ActionToolCall || act.Name != "filesystem__read_file" {
		t.Errorf("type/name = %s/%s", act.Type, act.Name)
	}
	if act.Arguments["path"] != "/tmp/x" {
		t.Errorf("arguments = %v", act.Arguments)
	}
	if act.Identity.ID != "id-456" || act.Identity.SessionID != "sess-123" {
		t.Errorf("identity = %+v", act.Identity)
	}
	if len(act.Identity.Roles) != 2 || act.Identity.Roles[0] != "user" {
		t.Errorf("roles = %v", act.Identity.Roles)
	}
	if act.Protocol != "mcp" || act.RequestID != "1" {
		t.Errorf("protocol/request id = %s/%s", act.Protocol, act.RequestID)
	}
	if act.OriginalMessage != msg {
		t.Error("OriginalMessage lost")
	}
}

func TestNormalizeMethodMapping(t *testing.T) {
	normalizer := NewMCPNormalizer()
	sess := testSession()

	tests := []struct {
		method   string
		params   map[string]interface{}
		wantType ActionType
		wantName string
		wantVerb string
	}{
		{"tools/list", nil, ActionToolCall, "tools/list", VerbList},
		{"resources/list", nil, ActionToolCall, "resources/list", VerbList},
		{"resources/read", map[string]interface{}{"uri": "file:///data/a.txt"}, ActionToolCall, "file:///data/a.txt", VerbRead},
		{"resources/read", nil, ActionToolCall, "resources/read", VerbRead},
		{"sampling/createMessage", nil, ActionSampling, "sampling/createMessage", ""},
		{"elicitation/create", nil, ActionElicitation, "elicitation/create", ""},
		{"initialize", nil, ActionPassthrough, "initialize", ""},
		{"ping", nil, ActionPassthrough, "ping", ""},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			act, err := normalizer.Normalize(context.Background(), newRequestMessage(tt.method, tt.params, sess))
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if act.Type != tt.wantType {
				t.Errorf("Type = %s, want %s", act.Type, tt.wantType)
			}
			if act.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", act.Name, tt.wantName)
			}
			if act.Verb != tt.wantVerb {
				t.Errorf("Verb = %q, want %q", act.Verb, tt.wantVerb)
			}
		})
	}
}

func TestNormalizeExtractsRequestMetadata(t *testing.T) {
	normalizer := NewMCPNormalizer()
	msg := newRequestMessage("tools/call", map[string]interface{}{
		"name":      "read_file",
		"arguments": map[string]interface{}{"path": "/x"},
		"_meta": map[string]interface{}{
			"purpose":   "quarterly report",
			"emergency": true,
			"apiKey":    "pg_secret",
		},
	}, testSession())

	act, err := normalizer.Normalize(context.Background(), msg)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if act.Metadata["purpose"] != "quarterly report" {
		t.Errorf("purpose = %v", act.Metadata["purpose"])
	}
	if act.Metadata["emergency"] != true {
		t.Errorf("emergency = %v", act.Metadata["emergency"])
	}
	// The credential never rides into enrichment.
	if _, leaked := act.Metadata["apiKey"]; leaked {
		t.Error("apiKey leaked into action metadata")
	}
}

func TestNormalizeResponseIsPassthrough(t *testing.T) {
	normalizer := NewMCPNormalizer()

	id, _ := jsonrpc.MakeID(float64(1))
	msg := &mcp.Message{
		Raw:       []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`),
		Direction: mcp.ServerToClient,
		Decoded:   &jsonrpc.Response{ID: id, Result: json.RawMessage(`{}`)},
		Timestamp: time.Now(),
	}

	act, err := normalizer.Normalize(context.Background(), msg)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if act.Type != ActionPassthrough {
		t.Errorf("response Type = %s, want passthrough", act.Type)
	}
	if act.OriginalMessage != msg {
		t.Error("OriginalMessage lost on passthrough")
	}
}

func TestNormalizeNilSession(t *testing.T) {
	normalizer := NewMCPNormalizer()
	act, err := normalizer.Normalize(context.Background(), newToolCallMessage("t", nil, nil))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if act.Identity.ID != "" || act.Identity.SessionID != "" {
		t.Errorf("identity populated without session: %+v", act.Identity)
	}
}

func TestNormalizeRejectsNonMessage(t *testing.T) {
	normalizer := NewMCPNormalizer()
	if _, err := normalizer.Normalize(context.Background(), "not a message"); err == nil {
		t.Fatal("non-message accepted")
	}
}

func TestDenormalize(t *testing.T) {
	normalizer := NewMCPNormalizer()
	msg := newToolCallMessage("t", nil, testSession())
	act := &CanonicalAction{OriginalMessage: msg}

	// Allow returns the original message.
	out, err := normalizer.Denormalize(act, &InterceptResult{Decision: DecisionAllow})
	if err != nil || out != msg {
		t.Errorf("allow denormalize = %v, %v", out, err)
	}

	// Deny becomes an error carrying the reason.
	_, err = normalizer.Denormalize(act, &InterceptResult{
		Decision: DecisionDeny,
		Reason:   "writes prohibited",
		HelpText: "contact an operator",
	})
	if err == nil || !strings.Contains(err.Error(), "writes prohibited") {
		t.Errorf("deny denormalize err = %v", err)
	}
	if !strings.Contains(err.Error(), "contact an operator") {
		t.Errorf("help text dropped: %v", err)
	}
}

func TestFormatRawID(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"abc"`, "abc"},
		{`42`, "42"},
		{`null`, ""}, // null unmarshals into the zero string
	}
	for _, tt := range tests {
		if got := formatRawID(json.RawMessage(tt.raw)); got != tt.want {
			t.Errorf("formatRawID(%s) = %q, want %q", tt.raw, got, tt.want)
		}
	}
	if got := formatRawID(nil); got != "" {
		t.Errorf("formatRawID(nil) = %q", got)
	}
}
