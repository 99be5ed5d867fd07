// Package judge defines the AI-adjudication port consulted by the decision
// pipeline when rule evaluation alone cannot reach a confident verdict.
package judge

import (
	"context"
	"time"

	"github.com/policygate/gateway/internal/domain/decision"
)

// Request bundles everything a judge needs to adjudicate an action: the
// context under evaluation and the natural-language text of any policy the
// rule evaluator matched but could not resolve deterministically (e.g. a
// constraint referencing intent rather than a comparable field).
type Request struct {
	Context         decision.DecisionContext
	PolicyText      string
	RuleEvaluation  string // human-readable summary of what the rule engine found, if anything
}

// Result is a judge's verdict. Confidence below the configured threshold is
// treated by the pipeline as Indeterminate regardless of Outcome.
type Result struct {
	Outcome    decision.Outcome
	Confidence float64
	Reason     string
	LatencyMS  int64
}

// Judge adjudicates a DecisionContext against policy text using an AI model
// or equivalent reasoning engine. Implementations must be safe for
// concurrent use and must return promptly on context cancellation with an
// Indeterminate-equivalent error rather than blocking indefinitely.
type Judge interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// StubJudge is a fail-safe Judge that never grants access on its own. It is
// wired in by default so a gateway with no configured AI backend still
// enforces the invariant that ambiguous requests are denied rather than
// silently permitted.
type StubJudge struct{}

// NewStubJudge returns the default, always-indeterminate Judge.
func NewStubJudge() *StubJudge {
	return &StubJudge{}
}

// Evaluate always reports Indeterminate with zero confidence.
func (StubJudge) Evaluate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	return Result{
		Outcome:    decision.Indeterminate,
		Confidence: 0,
		Reason:     "no judge backend configured",
		LatencyMS:  time.Since(start).Milliseconds(),
	}, nil
}
