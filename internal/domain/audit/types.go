// Package audit defines the append-only decision trail: one AuditRecord per
// evaluated action, carrying the outcome, the policy provenance, and the
// enforcement side effects (constraints applied, obligations discharged).
package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Decision values recorded on an AuditRecord. These mirror the decision
// pipeline's tri-state outcome; INDETERMINATE is recorded as-is so the trail
// distinguishes "denied by rule" from "nobody could decide".
const (
	DecisionPermit        = "PERMIT"
	DecisionDeny          = "DENY"
	DecisionIndeterminate = "INDETERMINATE"
)

// ObligationOutcome summarizes one discharged duty on an AuditRecord.
// It is a flattened copy of the dispatcher's result so audit rows stay
// self-contained once serialized.
type ObligationOutcome struct {
	Duty      string `json:"duty"`
	Succeeded bool   `json:"succeeded"`
	Attempts  int    `json:"attempts,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AuditRecord is a single write-once entry in the decision trail.
type AuditRecord struct {
	// ID is a fresh UUID assigned at enqueue time. Sinks must tolerate
	// duplicate appends of the same ID (retried writes).
	ID string `json:"id"`
	// Timestamp is the admission time of the evaluated request.
	Timestamp time.Time `json:"timestamp"`

	// Agent is the identity that issued the request. SessionID ties the
	// record back to the gateway session it arrived on.
	Agent     string `json:"agent"`
	SessionID string `json:"session_id,omitempty"`
	// RequestID is the JSON-RPC correlation id, kept as a string since the
	// wire allows both string and numeric ids.
	RequestID string `json:"request_id,omitempty"`

	// Action and Resource describe what was attempted, in the decision
	// pipeline's normalized vocabulary (e.g. "tools/call" on
	// "filesystem__read_file").
	Action   string `json:"action"`
	Resource string `json:"resource"`
	// Arguments holds the call parameters after sensitive-key redaction.
	Arguments map[string]any `json:"arguments,omitempty"`

	// Decision, Reason, PolicyID, RuleID, and Engine record the verdict and
	// where it came from.
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
	PolicyID string `json:"policy_id,omitempty"`
	RuleID   string `json:"rule_id,omitempty"`
	Engine   string `json:"engine,omitempty"`

	// LatencyMS is the end-to-end evaluation latency.
	LatencyMS int64 `json:"latency_ms"`

	// ConstraintsApplied lists the constraint directives that ran on the
	// response; ObligationResults records how each duty fared.
	ConstraintsApplied []string            `json:"constraints_applied,omitempty"`
	ObligationResults  []ObligationOutcome `json:"obligation_results,omitempty"`

	// ContextHash fingerprints the evaluated context so identical decisions
	// can be correlated without re-serializing the full context.
	ContextHash string `json:"context_hash,omitempty"`

	// Response-scan annotations, populated when the scanner ran on the
	// upstream result.
	ScanFindings int    `json:"scan_findings,omitempty"`
	ScanAction   string `json:"scan_action,omitempty"`
	ScanTypes    string `json:"scan_types,omitempty"`
}

// NewRecordID returns a fresh audit record id.
func NewRecordID() string {
	return uuid.NewString()
}

// ContextFingerprint hashes the identity-relevant coordinates of a decision
// context into a stable hex token. The minute-truncated time matches the
// decision cache's key bucketing, so records sharing a fingerprint were
// eligible for the same cached decision.
func ContextFingerprint(agent, action, resource string, at time.Time) string {
	h := xxhash.New()
	_, _ = h.WriteString(agent)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(action)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(resource)
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(at.UTC().Truncate(time.Minute).Format(time.RFC3339))
	return fmt.Sprintf("%016x", h.Sum64())
}

// sensitiveKeySubstrings marks argument keys whose values must never reach a
// sink. Matching is case-insensitive substring containment.
var sensitiveKeySubstrings = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

const redactedPlaceholder = "***REDACTED***"

// RedactSensitiveArgs returns a copy of args with values under
// sensitive-looking keys replaced by a fixed placeholder. The input map is
// not modified.
func RedactSensitiveArgs(args map[string]any) map[string]any {
	if len(args) == 0 {
		return args
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if isSensitiveKey(k) {
			out[k] = redactedPlaceholder
		} else {
			out[k] = v
		}
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sub := range sensitiveKeySubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
