package action

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/policygate/gateway/internal/domain/decision"
	"github.com/policygate/gateway/internal/domain/proxy"
)

// Enricher contributes one namespaced set of derived facts to a decision.
// Implementations must be pure and side-effect-free; a failing enricher is
// logged and its output treated as empty, and none may hold the pipeline
// past the per-enricher deadline.
type Enricher interface {
	// Name is the namespace the output is merged under in the decision
	// context's environment, e.g. "agent-info".
	Name() string
	// Enrich derives facts for the action. The passed context carries the
	// per-enricher deadline; implementations doing I/O must honor it.
	Enrich(ctx context.Context, act *CanonicalAction) (map[string]any, error)
}

// defaultEnricherTimeout bounds each enricher's run so a slow lookup (geo,
// directory) cannot stall the decision path.
const defaultEnricherTimeout = 500 * time.Millisecond

// Decider evaluates a DecisionContext and returns a PolicyDecision. It is
// satisfied by *service.DecisionPipeline; the interface lives here so the
// action package does not import the service package.
type Decider interface {
	Evaluate(ctx context.Context, dc decision.DecisionContext) (decision.PolicyDecision, error)
}

// AnomalyRecorder observes a decision outcome for advisory anomaly detection.
// Satisfied by *anomaly.Detector. Nil means anomaly detection is disabled.
type AnomalyRecorder interface {
	Record(dc decision.DecisionContext, outcome decision.Outcome)
}

// DecisionActionInterceptor is the unified enforcement point for the
// decision pipeline: it runs the ordered enricher registry to build a
// DecisionContext from a CanonicalAction, evaluates it, and either forwards
// the (possibly constraint-transformed) action to the next interceptor or
// rejects it.
type DecisionActionInterceptor struct {
	decider         Decider
	enrichers       []Enricher
	enricherTimeout time.Duration
	anomaly         AnomalyRecorder
	next            ActionInterceptor
	logger          *slog.Logger
}

// Compile-time check that DecisionActionInterceptor implements ActionInterceptor.
var _ ActionInterceptor = (*DecisionActionInterceptor)(nil)

// NewDecisionActionInterceptor creates a DecisionActionInterceptor running
// the given enrichers in order. The list may be empty.
func NewDecisionActionInterceptor(decider Decider, enrichers []Enricher, next ActionInterceptor, logger *slog.Logger) *DecisionActionInterceptor {
	return &DecisionActionInterceptor{
		decider:         decider,
		enrichers:       enrichers,
		enricherTimeout: defaultEnricherTimeout,
		next:            next,
		logger:          logger,
	}
}

// WithAnomalyRecorder sets the anomaly recorder observing every evaluated
// decision. Returns the receiver for chaining at construction time.
func (d *DecisionActionInterceptor) WithAnomalyRecorder(r AnomalyRecorder) *DecisionActionInterceptor {
	d.anomaly = r
	return d
}

// WithEnricherTimeout overrides the per-enricher deadline. Returns the
// receiver for chaining at construction time.
func (d *DecisionActionInterceptor) WithEnricherTimeout(timeout time.Duration) *DecisionActionInterceptor {
	if timeout > 0 {
		d.enricherTimeout = timeout
	}
	return d
}

// Intercept evaluates tool calls and HTTP requests against the decision
// pipeline before passing to the next interceptor. Other action types pass
// through unevaluated.
func (d *DecisionActionInterceptor) Intercept(ctx context.Context, act *CanonicalAction) (*CanonicalAction, error) {
	if act.Type != ActionToolCall && act.Type != ActionHTTPRequest {
		return d.next.Intercept(ctx, act)
	}

	if act.Identity.SessionID == "" {
		d.logger.Warn("action without session context", "type", act.Type)
		return nil, proxy.ErrMissingSession
	}

	dc := d.buildContext(ctx, act)

	pd, err := d.decider.Evaluate(ctx, dc)
	if err != nil {
		d.logger.Error("decision pipeline evaluation failed", "error", err, "resource", dc.Resource, "session_id", act.Identity.SessionID)
		return nil, fmt.Errorf("decision evaluation error: %w", err)
	}

	if d.anomaly != nil {
		d.anomaly.Record(dc, pd.Outcome)
	}

	if !pd.Allowed() {
		d.logger.Info("action denied",
			"outcome", pd.Outcome,
			"engine", pd.Engine,
			"policy_id", pd.PolicyID,
			"rule_id", pd.RuleID,
			"reason", pd.Reason,
			"session_id", act.Identity.SessionID,
			"identity_id", act.Identity.ID,
		)
		return nil, fmt.Errorf("%w: %s", proxy.ErrPolicyDenied, pd.Reason)
	}

	if pd.Arguments != nil {
		act.Arguments = pd.Arguments
	}

	ctx = decision.WithPolicyDecision(ctx, pd)

	d.logger.Debug("action permitted",
		"engine", pd.Engine,
		"policy_id", pd.PolicyID,
		"rule_id", pd.RuleID,
		"confidence", pd.Confidence,
		"session_id", act.Identity.SessionID,
	)

	return d.next.Intercept(ctx, act)
}

// buildContext runs the enricher registry and assembles the sealed
// DecisionContext: the layered environment plus the typed projections of
// its well-known entries.
func (d *DecisionActionInterceptor) buildContext(ctx context.Context, act *CanonicalAction) decision.DecisionContext {
	verb := act.Verb
	if verb == "" {
		verb = DeriveVerb(act.Type, act.Name)
	}

	env := map[string]any{
		"transport":  act.Protocol,
		"session":    act.Identity.SessionID,
		"request_id": act.RequestID,
	}

	for _, e := range d.enrichers {
		out := d.runEnricher(ctx, e, act)
		if out != nil {
			env[e.Name()] = out
		}
	}

	dc := decision.DecisionContext{
		Agent: act.Identity.ID,
		// Rules match on semantic verbs, not protocol method names.
		Action:      verb,
		Resource:    act.Name,
		Arguments:   act.Arguments,
		Environment: env,
		RequestTime: act.RequestTime,
		SessionID:   act.Identity.SessionID,
		RequestID:   act.RequestID,
	}

	if purpose, ok := act.Metadata["purpose"].(string); ok {
		dc.Purpose = purpose
	}
	if emergency, ok := act.Metadata["emergency"].(bool); ok {
		dc.Emergency = emergency
	}

	// Project the well-known enricher outputs onto the typed fields the
	// rule layer compares against.
	if info := envSection(env, "agent-info"); info != nil {
		if v, ok := info["agentType"].(string); ok {
			dc.AgentType = v
		}
		if v, ok := info["trustScore"].(float64); ok {
			dc.TrustScore = v
		}
		if v, ok := info["clearanceLevel"].(string); ok {
			dc.ClearanceLevel = v
		}
	}
	if class := envSection(env, "resource-classifier"); class != nil {
		if v, ok := class["sensitivity"].(string); ok {
			dc.ResourceClassification = v
		}
	}
	if sec := envSection(env, "security-info"); sec != nil {
		if v, ok := sec["geoCountry"].(string); ok {
			dc.IPCountry = v
		}
	}

	return dc
}

// runEnricher executes one enricher under the per-enricher deadline. A
// failure or timeout yields nil output; only the data-lineage enricher's
// failures are expected, but every enricher is treated the same way — its
// absence degrades the context, never the request.
func (d *DecisionActionInterceptor) runEnricher(ctx context.Context, e Enricher, act *CanonicalAction) map[string]any {
	enrichCtx, cancel := context.WithTimeout(ctx, d.enricherTimeout)
	defer cancel()

	type result struct {
		out map[string]any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := e.Enrich(enrichCtx, act)
		ch <- result{out: out, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			d.logger.Warn("enricher failed, continuing without its output",
				"enricher", e.Name(), "error", r.err)
			return nil
		}
		return r.out
	case <-enrichCtx.Done():
		d.logger.Warn("enricher exceeded deadline, continuing without its output",
			"enricher", e.Name(), "timeout", d.enricherTimeout)
		return nil
	}
}

func envSection(env map[string]any, name string) map[string]any {
	section, _ := env[name].(map[string]any)
	return section
}
