// Package constraint enforces the symbolic constraint directives a policy
// attaches to a PERMIT: anonymization, rate limiting, and geo restriction.
// A directive is a string of the form "<scheme>:<payload>" carried on the
// matched rule (e.g. "rate-limit:10/60s"); the pipeline parses each one and
// hands it to the processor registered for its scheme, so two policies can
// impose two different limits or field sets on the same tool. Each processor
// reports an explicit decision.Criticality rather than relying on error-text
// matching, so the pipeline can deterministically decide whether a failure
// demotes the PERMIT to a DENY.
package constraint

import (
	"context"
	"fmt"
	"strings"

	"github.com/policygate/gateway/internal/domain/decision"
)

// Directive is one parsed symbolic constraint directive.
type Directive struct {
	// Scheme selects the processor: "anonymize", "rate-limit", "geo-restrict".
	Scheme string
	// Payload is everything after the first colon, in the scheme's own
	// syntax; the selected processor parses it.
	Payload string
	// Raw is the original directive string, for audit and error messages.
	Raw string
}

// ParseDirective splits "<scheme>:<payload>" into a Directive. The payload
// may itself contain colons; only the first separates the scheme.
func ParseDirective(raw string) (Directive, error) {
	scheme, payload, found := strings.Cut(raw, ":")
	scheme = strings.TrimSpace(scheme)
	if !found || scheme == "" {
		return Directive{}, fmt.Errorf("malformed constraint directive %q: want <scheme>:<payload>", raw)
	}
	return Directive{
		Scheme:  scheme,
		Payload: strings.TrimSpace(payload),
		Raw:     raw,
	}, nil
}

// Processor enforces every directive of one scheme.
type Processor interface {
	// Scheme is the directive prefix this processor owns.
	Scheme() string
	// Apply enforces one directive against the decision context and the
	// current (possibly already-transformed) arguments, returning the
	// arguments to use next and an outcome describing what happened.
	Apply(ctx context.Context, d Directive, dc decision.DecisionContext, args map[string]any) (map[string]any, decision.ConstraintOutcome, error)
}

// Pipeline routes each decision's directives to the processors registered
// for their schemes. Default directives (from gateway-wide config) run
// before the decision's own, so a policy can tighten but is still subject to
// the global floor.
type Pipeline struct {
	processors map[string]Processor
	defaults   []string
}

// NewPipeline builds a Pipeline from the given processors, keyed by scheme.
func NewPipeline(processors ...Processor) *Pipeline {
	byScheme := make(map[string]Processor, len(processors))
	for _, proc := range processors {
		byScheme[proc.Scheme()] = proc
	}
	return &Pipeline{processors: byScheme}
}

// WithDefaults appends gateway-wide directives applied to every permitted
// decision ahead of the decision's own. Returns the receiver for
// construction-time chaining.
func (p *Pipeline) WithDefaults(directives ...string) *Pipeline {
	p.defaults = append(p.defaults, directives...)
	return p
}

// Result is the outcome of running the full constraint pipeline.
type Result struct {
	Blocked   bool
	Arguments map[string]any
	Outcomes  []decision.ConstraintOutcome
}

// Run enforces the default directives followed by the decision's own, in
// order. A malformed directive, a directive with no registered processor, or
// a critical processor outcome stops the run and reports it blocked: a
// constraint the gateway cannot enforce must fail secure, never fall open.
// Soft failures are recorded and the run continues.
func (p *Pipeline) Run(ctx context.Context, dc decision.DecisionContext, directives []string, args map[string]any) Result {
	current := args
	all := make([]string, 0, len(p.defaults)+len(directives))
	all = append(all, p.defaults...)
	all = append(all, directives...)
	outcomes := make([]decision.ConstraintOutcome, 0, len(all))

	block := func(outcome decision.ConstraintOutcome) Result {
		outcomes = append(outcomes, outcome)
		return Result{Blocked: true, Arguments: current, Outcomes: outcomes}
	}

	for _, raw := range all {
		d, err := ParseDirective(raw)
		if err != nil {
			return block(decision.ConstraintOutcome{
				Name:        raw,
				Applied:     false,
				Criticality: decision.CriticalityCritical,
				Detail:      err.Error(),
			})
		}

		proc, ok := p.processors[d.Scheme]
		if !ok {
			return block(decision.ConstraintOutcome{
				Name:        d.Raw,
				Applied:     false,
				Criticality: decision.CriticalityCritical,
				Detail:      fmt.Sprintf("no processor for constraint scheme %q", d.Scheme),
			})
		}

		next, outcome, err := proc.Apply(ctx, d, dc, current)
		if err != nil {
			return block(decision.ConstraintOutcome{
				Name:        d.Raw,
				Applied:     false,
				Criticality: decision.CriticalityCritical,
				Detail:      err.Error(),
			})
		}

		outcomes = append(outcomes, outcome)
		if next != nil {
			current = next
		}
		if outcome.Criticality == decision.CriticalityCritical {
			return Result{Blocked: true, Arguments: current, Outcomes: outcomes}
		}
	}

	return Result{Blocked: false, Arguments: current, Outcomes: outcomes}
}
