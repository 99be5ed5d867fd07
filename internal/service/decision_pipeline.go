package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/policygate/gateway/internal/adapter/outbound/memory"
	"github.com/policygate/gateway/internal/domain/constraint"
	"github.com/policygate/gateway/internal/domain/decision"
	"github.com/policygate/gateway/internal/domain/judge"
	"github.com/policygate/gateway/internal/domain/obligation"
	"github.com/policygate/gateway/internal/observability"
)

// DecisionPipeline is the unified policy enforcement path: policy selection,
// cache lookup, deterministic rule evaluation, AI judgment when rules are
// inconclusive, combination of the two, constraint processing of permitted
// arguments, cache write, and asynchronous obligation dispatch. It replaces
// the two parallel evaluation paths the gateway historically carried
// (the flat PolicyService/PolicyEngine path and the CanonicalAction-based
// PolicyActionInterceptor path) with a single pipeline built on top of the
// CanonicalAction normalization layer.
type DecisionPipeline struct {
	store      decision.Store
	ruleEval   *RuleEvaluator
	cache      *memory.DecisionCache
	judgeBack  judge.Judge
	constraint *constraint.Pipeline
	dispatcher *obligation.Dispatcher
	logger     *slog.Logger

	cacheTTL              time.Duration
	aiConfidenceThreshold float64
	// ruleConfidenceThreshold is the minimum rule-verdict confidence that
	// decides without consulting the judge. Structured-rule matches are
	// deterministic (confidence 1.0), so at the default of 1.0 the judge is
	// only consulted when no rule matched; a future sub-certain rule source
	// engages the hybrid combination branches below.
	ruleConfidenceThreshold float64
}

// NewDecisionPipeline constructs a DecisionPipeline. constraintPipeline and
// dispatcher may be nil, in which case constraint processing and obligation
// dispatch are skipped (useful for admin-API dry-run evaluation).
func NewDecisionPipeline(
	store decision.Store,
	ruleEval *RuleEvaluator,
	cache *memory.DecisionCache,
	judgeBack judge.Judge,
	constraintPipeline *constraint.Pipeline,
	dispatcher *obligation.Dispatcher,
	logger *slog.Logger,
	cacheTTL time.Duration,
	aiConfidenceThreshold float64,
) *DecisionPipeline {
	if aiConfidenceThreshold <= 0 {
		aiConfidenceThreshold = 0.7
	}
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &DecisionPipeline{
		store:                   store,
		ruleEval:                ruleEval,
		cache:                   cache,
		judgeBack:               judgeBack,
		constraint:              constraintPipeline,
		dispatcher:              dispatcher,
		logger:                  logger,
		cacheTTL:                cacheTTL,
		aiConfidenceThreshold:   aiConfidenceThreshold,
		ruleConfidenceThreshold: 1.0,
	}
}

// WithRuleConfidenceThreshold overrides the rule-confidence floor below
// which the judge is consulted even when a rule matched. Returns the
// receiver for construction-time chaining.
func (p *DecisionPipeline) WithRuleConfidenceThreshold(threshold float64) *DecisionPipeline {
	if threshold > 0 {
		p.ruleConfidenceThreshold = threshold
	}
	return p
}

// Evaluate runs the full decision sequence for a single DecisionContext.
// It never returns a PERMIT outcome from an error path: any internal failure
// is reported as Engine=FAIL_SAFE with Outcome=Deny.
func (p *DecisionPipeline) Evaluate(ctx context.Context, dc decision.DecisionContext) (decision.PolicyDecision, error) {
	ctx, span := observability.Tracer().Start(ctx, "decision.evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("policy.agent", dc.Agent),
		attribute.String("policy.action", dc.Action),
		attribute.String("policy.resource", dc.Resource),
	)

	start := time.Now()

	fingerprint, err := p.policySetFingerprint(ctx)
	if err != nil {
		pd := p.failSafe(start, fmt.Sprintf("policy store unavailable: %v", err))
		p.recordOutcome(span, pd)
		return pd, nil
	}

	cacheKey, cacheKeyRaw := memory.Key(dc, fingerprint)
	if p.cache != nil {
		if cached, ok := p.cache.Get(cacheKey); ok {
			p.recordOutcome(span, cached)
			p.dispatchObligations(dc, cached, nil)
			return cached, nil
		}
	}

	verdict, err := p.ruleEval.Evaluate(ctx, dc)
	if err != nil {
		pd := p.failSafe(start, fmt.Sprintf("rule evaluation failed: %v", err))
		p.recordOutcome(span, pd)
		return pd, nil
	}

	pd := p.combine(ctx, dc, verdict, start)
	pd.Directives = verdict.Directives

	if pd.Outcome == decision.Permit && p.constraint != nil {
		result := p.constraint.Run(ctx, dc, verdict.Directives, dc.Arguments)
		pd.Constraints = result.Outcomes
		pd.Arguments = result.Arguments
		if result.Blocked {
			pd.Outcome = decision.Deny
			pd.Reason = pd.Reason + "; blocked by constraint processor"
		}
	}

	pd.LatencyMS = time.Since(start).Milliseconds()

	if p.cache != nil && pd.Engine != decision.EngineFailSafe {
		p.cache.Put(cacheKey, cacheKeyRaw, pd, p.cacheTTL)
	}

	p.recordOutcome(span, pd)
	p.dispatchObligations(dc, pd, verdict.Duties)

	return pd, nil
}

// recordOutcome stamps the decision on the evaluation span.
func (p *DecisionPipeline) recordOutcome(span interface {
	SetAttributes(...attribute.KeyValue)
}, pd decision.PolicyDecision) {
	span.SetAttributes(
		attribute.String("policy.outcome", string(pd.Outcome)),
		attribute.String("policy.engine", string(pd.Engine)),
		attribute.Float64("policy.confidence", pd.Confidence),
	)
}

// combine merges the rule and AI results under the fixed precedence:
//   - A rule verdict at or above the rule-confidence threshold decides
//     outright (engine RULE).
//   - Otherwise the judge is consulted. A judge verdict clearing the AI
//     confidence threshold decides (engine AI).
//   - Below that threshold, agreement between the two sides decides with
//     confidence min(1, (rule+ai)/1.5) (engine HYBRID); a conflict decides
//     DENY when either side denies, else the higher-confidence side
//     (engine HYBRID).
//   - Two inconclusive sides yield Indeterminate, which callers map to a
//     denial of service for the request.
func (p *DecisionPipeline) combine(ctx context.Context, dc decision.DecisionContext, verdict Verdict, start time.Time) decision.PolicyDecision {
	ruleDecided := verdict.Outcome != decision.Indeterminate

	if ruleDecided && verdict.Confidence >= p.ruleConfidenceThreshold {
		return p.ruleDecision(verdict, dc, start, decision.EngineRule)
	}

	if p.judgeBack == nil {
		if ruleDecided {
			// No judge to corroborate a sub-certain rule match; the rule
			// side stands on its own confidence.
			return p.ruleDecision(verdict, dc, start, decision.EngineRule)
		}
		return decision.PolicyDecision{
			Outcome:     decision.Indeterminate,
			Confidence:  0,
			Engine:      decision.EngineRule,
			Reason:      "no rule matched and no judge configured",
			EvaluatedAt: start,
		}
	}

	result, err := p.judgeBack.Evaluate(ctx, judge.Request{
		Context:        dc,
		RuleEvaluation: verdict.Reason,
	})
	if err != nil {
		p.logger.Warn("judge evaluation failed", "agent", dc.Agent, "error", err)
		if ruleDecided {
			return p.ruleDecision(verdict, dc, start, decision.EngineRule)
		}
		return decision.PolicyDecision{
			Outcome:     decision.Indeterminate,
			Confidence:  0,
			Engine:      decision.EngineFailSafe,
			Reason:      fmt.Sprintf("judge error: %v", err),
			EvaluatedAt: start,
		}
	}
	aiDecided := result.Outcome != decision.Indeterminate

	switch {
	case aiDecided && result.Confidence >= p.aiConfidenceThreshold:
		return decision.PolicyDecision{
			Outcome:     result.Outcome,
			Confidence:  result.Confidence,
			Engine:      decision.EngineAI,
			Reason:      result.Reason,
			Arguments:   dc.Arguments,
			EvaluatedAt: start,
		}

	case ruleDecided && aiDecided && verdict.Outcome == result.Outcome:
		// Agreement between two sub-threshold sides decides jointly.
		return decision.PolicyDecision{
			Outcome:     verdict.Outcome,
			Confidence:  math.Min(1, (verdict.Confidence+result.Confidence)/1.5),
			Engine:      decision.EngineHybrid,
			PolicyID:    verdict.PolicyID,
			RuleID:      verdict.RuleID,
			Reason:      fmt.Sprintf("rule and judge agree: %s", verdict.Reason),
			Arguments:   dc.Arguments,
			EvaluatedAt: start,
		}

	case ruleDecided && aiDecided:
		// Conflict: a denial on either side wins; otherwise the more
		// confident side does.
		out := decision.PolicyDecision{
			Engine:      decision.EngineHybrid,
			EvaluatedAt: start,
		}
		switch {
		case verdict.Outcome == decision.Deny || result.Outcome == decision.Deny:
			out.Outcome = decision.Deny
			out.Confidence = math.Max(verdict.Confidence, result.Confidence)
			out.Reason = fmt.Sprintf("rule and judge conflict, denying: %s / %s", verdict.Reason, result.Reason)
			if verdict.Outcome == decision.Deny {
				out.PolicyID = verdict.PolicyID
				out.RuleID = verdict.RuleID
			}
		case verdict.Confidence >= result.Confidence:
			out.Outcome = verdict.Outcome
			out.Confidence = verdict.Confidence
			out.PolicyID = verdict.PolicyID
			out.RuleID = verdict.RuleID
			out.Reason = verdict.Reason
			out.Arguments = dc.Arguments
		default:
			out.Outcome = result.Outcome
			out.Confidence = result.Confidence
			out.Reason = result.Reason
			out.Arguments = dc.Arguments
		}
		return out

	case ruleDecided:
		// Judge inconclusive; the sub-certain rule side stands alone.
		pd := p.ruleDecision(verdict, dc, start, decision.EngineHybrid)
		pd.Reason = fmt.Sprintf("judge inconclusive, rule stands: %s", verdict.Reason)
		return pd

	default:
		return decision.PolicyDecision{
			Outcome:     decision.Indeterminate,
			Confidence:  result.Confidence,
			Engine:      decision.EngineHybrid,
			Reason:      fmt.Sprintf("judge confidence %.2f below threshold %.2f: %s", result.Confidence, p.aiConfidenceThreshold, result.Reason),
			EvaluatedAt: start,
		}
	}
}

// ruleDecision shapes a rule verdict into a PolicyDecision.
func (p *DecisionPipeline) ruleDecision(verdict Verdict, dc decision.DecisionContext, start time.Time, engine decision.Engine) decision.PolicyDecision {
	return decision.PolicyDecision{
		Outcome:     verdict.Outcome,
		Confidence:  verdict.Confidence,
		Engine:      engine,
		PolicyID:    verdict.PolicyID,
		RuleID:      verdict.RuleID,
		Reason:      verdict.Reason,
		Arguments:   dc.Arguments,
		EvaluatedAt: start,
	}
}

func (p *DecisionPipeline) failSafe(start time.Time, reason string) decision.PolicyDecision {
	return decision.PolicyDecision{
		Outcome:     decision.Deny,
		Confidence:  1.0,
		Engine:      decision.EngineFailSafe,
		Reason:      reason,
		EvaluatedAt: start,
		LatencyMS:   time.Since(start).Milliseconds(),
	}
}

func (p *DecisionPipeline) dispatchObligations(dc decision.DecisionContext, pd decision.PolicyDecision, extra []decision.Duty) {
	if p.dispatcher == nil {
		return
	}
	p.dispatcher.Dispatch(dc, pd, extra)
}

// policySetFingerprint derives a stable string identifying the currently
// active policy set, used as the trailing field of the decision cache key so
// stale entries are automatically orphaned (never matched) the moment the
// policy set changes, without needing an explicit invalidation pass.
func (p *DecisionPipeline) policySetFingerprint(ctx context.Context) (string, error) {
	snap, err := p.store.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	ids := make([]string, 0, len(snap.Policies))
	for _, pol := range snap.Policies {
		if pol.Applicable() {
			ids = append(ids, pol.ID)
		}
	}
	sort.Strings(ids)
	return strconv.FormatInt(snap.Version, 10) + ":" + strings.Join(ids, ","), nil
}
