// Package decision contains the domain types for the structured policy
// decision pipeline: DecisionContext (the transport-agnostic request being
// evaluated), Policy/Rule/ConstraintNode (the structured policy model), and
// PolicyDecision (the tri-state outcome with confidence and provenance).
package decision

import (
	"strings"
	"time"
)

// Outcome is the tri-state result of a policy decision.
type Outcome string

const (
	// Permit indicates the action is allowed to proceed.
	Permit Outcome = "PERMIT"
	// Deny indicates the action must be blocked.
	Deny Outcome = "DENY"
	// Indeterminate indicates no rule or judge could reach a confident
	// verdict. Callers MUST treat Indeterminate as a denial; nothing in
	// this package ever converts Indeterminate into access.
	Indeterminate Outcome = "INDETERMINATE"
)

// Engine identifies which component produced a PolicyDecision.
type Engine string

const (
	// EngineRule means a RuleEvaluator matched a permission/prohibition rule.
	EngineRule Engine = "RULE"
	// EngineAI means a Judge produced the verdict.
	EngineAI Engine = "AI"
	// EngineHybrid means the rule engine and the judge were combined.
	EngineHybrid Engine = "HYBRID"
	// EngineCache means the verdict was served from the decision cache.
	EngineCache Engine = "CACHE"
	// EngineFailSafe means the verdict was forced by an internal error
	// or timeout. Always DENY or INDETERMINATE, never PERMIT.
	EngineFailSafe Engine = "FAIL_SAFE"
)

// DecisionContext is the transport-agnostic description of a single action
// being evaluated. It is built by the context collector from a CanonicalAction
// plus environmental enrichers (trust score, geo, clock) and is the sole input
// to policy selection, rule evaluation, and judge invocation.
type DecisionContext struct {
	// Agent identifies the calling identity (service account, user, or agent id).
	Agent string
	// AgentType classifies the caller, e.g. "autonomous", "human", "service".
	AgentType string
	// Action is the normalized operation being requested, e.g. "tools/call".
	Action string
	// Resource is the normalized target of the action, e.g. a tool name or URL.
	Resource string
	// Purpose is a free-text justification supplied by the caller, if any.
	Purpose string
	// Arguments carries the raw parameters of the action for constraint
	// evaluation (e.g. CEL expressions inspecting specific fields).
	Arguments map[string]any

	// TrustScore is an enrichment-derived confidence in the caller, in [0,1].
	TrustScore float64
	// ClearanceLevel names the highest resource classification the caller
	// may touch, from the agent directory.
	ClearanceLevel string
	// ResourceClassification labels the sensitivity of the resource, e.g.
	// "public", "internal", "confidential", "restricted".
	ResourceClassification string
	// IPCountry is the ISO country code resolved from the caller's source IP.
	IPCountry string
	// Emergency indicates the caller has asserted a break-glass emergency
	// override request; policies may grant or deny based on this flag but
	// it never bypasses evaluation itself.
	Emergency bool

	// Environment is the layered enrichment view: every enricher's output
	// lands here under the enricher's name, alongside base entries for the
	// transport, session, and client IP. The typed fields above are
	// projections of well-known environment entries; the map itself is
	// treated as read-only once the collector phase completes.
	Environment map[string]any

	// RequestTime is when the action was received. Used for time-of-day and
	// day-of-week constraints and for cache key minute-truncation.
	RequestTime time.Time

	// SessionID correlates the action to a gateway session for audit and
	// anomaly tracking.
	SessionID string
	// RequestID correlates this evaluation across logs, cache, and audit.
	RequestID string
}

// TimeOfDay returns the context's request time as "HH:MM:SS" in UTC, for use
// by constraint expressions.
func (d DecisionContext) TimeOfDay() string {
	return d.RequestTime.UTC().Format("15:04:05")
}

// DayOfWeek returns the lowercase English weekday name in UTC.
func (d DecisionContext) DayOfWeek() string {
	return strings.ToLower(d.RequestTime.UTC().Weekday().String())
}

// PolicyStatus controls whether a Policy participates in evaluation.
type PolicyStatus string

const (
	// StatusActive policies are evaluated.
	StatusActive PolicyStatus = "active"
	// StatusDraft policies are stored but skipped during evaluation.
	StatusDraft PolicyStatus = "draft"
	// StatusDisabled policies are stored but skipped during evaluation.
	StatusDisabled PolicyStatus = "disabled"
)

// ConstraintNode is one node of a constraint expression tree. A leaf node has
// a non-empty LeftOperand/Operator/RightOperand; an internal node has exactly
// one of And, Or, Not populated. The tree is compiled to a CEL program for
// evaluation against a DecisionContext.
type ConstraintNode struct {
	// LeftOperand names a DecisionContext field or derived value, e.g.
	// "trustScore", "ipCountry", "timeOfDay".
	LeftOperand string
	// Operator is a comparison or set operator: "eq", "neq", "lt",
	// "lte"/"lteq", "gt", "gte"/"gteq", "in", "notIn", "matches", "contains".
	Operator string
	// RightOperand is the literal compared against LeftOperand.
	RightOperand any

	And []*ConstraintNode
	Or  []*ConstraintNode
	Not *ConstraintNode
}

// IsLeaf reports whether the node is a comparison leaf rather than a boolean
// combinator.
func (n *ConstraintNode) IsLeaf() bool {
	return n != nil && len(n.And) == 0 && len(n.Or) == 0 && n.Not == nil
}

// DutyTiming controls when an obligation fires relative to the decision.
type DutyTiming string

const (
	// DutyBeforeAccess obligations must complete before the action proceeds.
	DutyBeforeAccess DutyTiming = "before_access"
	// DutyAfterAccess obligations fire once the action has been forwarded.
	DutyAfterAccess DutyTiming = "after_access"
)

// Duty names an obligation that must be discharged alongside a decision, e.g.
// "audit_log", "notify_owner", "purge_after:24h". The executor that claims a
// duty string is resolved by the obligation dispatcher.
type Duty struct {
	Name    string
	Timing  DutyTiming
	Params  map[string]string
}

// Rule is a single permission or prohibition entry within a Policy. Action
// and Target are glob patterns matched against DecisionContext.Action and
// DecisionContext.Resource respectively.
type Rule struct {
	ID         string
	Action     string
	Target     string
	Constraint *ConstraintNode
	// Directives are the symbolic constraint directives a matching
	// permission attaches to the decision, e.g. "anonymize:email,ssn",
	// "rate-limit:10/60s", "geo-restrict:US,DE". The constraint pipeline
	// parses and enforces them after a PERMIT.
	Directives []string
	Duties     []Duty
}

// Policy is the structured, evaluable form of a natural-language policy
// statement. NaturalLanguageText is retained as the source of truth handed to
// the judge so the AI and rule paths are always judging the same intent.
type Policy struct {
	ID       string
	Name     string
	Priority int
	Status   PolicyStatus

	Permission  []Rule
	Prohibition []Rule

	NaturalLanguageText string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Applicable reports whether the policy should participate in evaluation.
func (p Policy) Applicable() bool {
	return p.Status == StatusActive
}

// ConstraintOutcome records the result of applying one constraint processor
// to a permitted decision.
type ConstraintOutcome struct {
	Name        string
	Applied     bool
	Criticality Criticality
	Detail      string
	// Transformed holds processor-mutated arguments (e.g. anonymized
	// fields) to be forwarded upstream in place of the original arguments.
	Transformed map[string]any
}

// Criticality classifies how a constraint-processor failure should affect
// the overall decision. It is an explicit enum rather than a string match on
// error text so callers can branch on failure severity deterministically.
type Criticality string

const (
	// CriticalityNone means the processor ran without incident.
	CriticalityNone Criticality = "none"
	// CriticalitySoft means the processor failed in a way that degrades
	// but does not invalidate the decision (e.g. geo lookup unavailable).
	CriticalitySoft Criticality = "soft"
	// CriticalityCritical means the processor's failure must flip a
	// PERMIT into a DENY (e.g. a rate limit was exceeded).
	CriticalityCritical Criticality = "critical"
)

// ObligationResult records the outcome of dispatching a single duty.
type ObligationResult struct {
	Duty      string
	Succeeded bool
	Attempts  int
	Error     string
}

// PolicyDecision is the final, auditable result of evaluating a
// DecisionContext against the active policy set.
type PolicyDecision struct {
	Outcome    Outcome
	Confidence float64
	Engine     Engine

	PolicyID string
	RuleID   string
	Reason   string

	// Directives are the symbolic constraint directives attached by the
	// matched rule; Constraints records how each was enforced.
	Directives  []string
	Constraints []ConstraintOutcome
	Obligations []ObligationResult

	// Arguments is the (possibly constraint-transformed) set of arguments
	// to forward upstream. Nil when the decision is not PERMIT.
	Arguments map[string]any

	EvaluatedAt time.Time
	LatencyMS   int64
}

// Allowed reports whether the action should be forwarded upstream.
func (d PolicyDecision) Allowed() bool {
	return d.Outcome == Permit
}
