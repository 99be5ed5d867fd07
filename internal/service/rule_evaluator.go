package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/google/cel-go/cel"

	celadapter "github.com/policygate/gateway/internal/adapter/outbound/cel"
	"github.com/policygate/gateway/internal/domain/decision"
)

// compiledRule is a permission or prohibition rule with its constraint
// pre-compiled to a CEL program, grouped by the policy it belongs to.
type compiledRule struct {
	policyID   string
	policyName string
	priority   int
	rule       decision.Rule
	program    cel.Program
}

// compiledTier groups compiled rules that share a priority, split into
// prohibitions and permissions so prohibition-before-permission ordering
// holds within the tier without re-sorting on every evaluation.
type compiledTier struct {
	priority     int
	prohibitions []compiledRule
	permissions  []compiledRule
}

// ruleSnapshot is the immutable, priority-ordered (descending) view of
// compiled rules consulted by RuleEvaluator.Evaluate. A new snapshot is
// built and atomically swapped in whenever the policy store changes.
type ruleSnapshot struct {
	tiers       []compiledTier
	storeVer    int64
}

// RuleEvaluator implements the deterministic rule-matching stage of the
// decision pipeline. It is the structured-policy analogue of PolicyService's
// CEL-compiled, atomic-snapshot design, generalized from flat RBAC rules to
// permission/prohibition rule sets with constraint trees.
//
// Matching semantics:
//   - Policies are grouped into priority tiers, evaluated highest first.
//   - Within a tier, every prohibition is checked before any permission
//     (prohibition-before-permission at equal priority).
//   - A rule matches when its Action and Target glob patterns both match
//     and its compiled constraint evaluates true (a nil constraint is an
//     unconditional match).
//   - If no tier produces a match, the evaluator reports NotApplicable so
//     the pipeline can fall through to AI judgment rather than defaulting
//     to PERMIT.
type RuleEvaluator struct {
	store      decision.Store
	evaluator  *celadapter.DecisionEvaluator
	snapshot   atomic.Value // stores *ruleSnapshot
}

// NewRuleEvaluator constructs a RuleEvaluator over the given policy store and
// immediately compiles a first snapshot.
func NewRuleEvaluator(ctx context.Context, store decision.Store) (*RuleEvaluator, error) {
	ev, err := celadapter.NewDecisionEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create decision evaluator: %w", err)
	}
	re := &RuleEvaluator{store: store, evaluator: ev}
	if err := re.Refresh(ctx); err != nil {
		return nil, err
	}
	return re, nil
}

// Refresh recompiles the rule snapshot from the current store contents. It
// should be called after any admin mutation to the policy set.
func (re *RuleEvaluator) Refresh(ctx context.Context) error {
	snap, err := re.store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to snapshot policy store: %w", err)
	}

	byPriority := make(map[int]*compiledTier)
	for _, p := range snap.Policies {
		if !p.Applicable() {
			continue
		}
		tier := byPriority[p.Priority]
		if tier == nil {
			tier = &compiledTier{priority: p.Priority}
			byPriority[p.Priority] = tier
		}
		for _, r := range p.Prohibition {
			cr, err := re.compile(p, r)
			if err != nil {
				return fmt.Errorf("policy %s prohibition %s: %w", p.ID, r.ID, err)
			}
			tier.prohibitions = append(tier.prohibitions, cr)
		}
		for _, r := range p.Permission {
			cr, err := re.compile(p, r)
			if err != nil {
				return fmt.Errorf("policy %s permission %s: %w", p.ID, r.ID, err)
			}
			tier.permissions = append(tier.permissions, cr)
		}
	}

	tiers := make([]compiledTier, 0, len(byPriority))
	for _, t := range byPriority {
		sortRulesByPolicyID(t.prohibitions)
		sortRulesByPolicyID(t.permissions)
		tiers = append(tiers, *t)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].priority > tiers[j].priority })

	re.snapshot.Store(&ruleSnapshot{tiers: tiers, storeVer: snap.Version})
	return nil
}

func sortRulesByPolicyID(rules []compiledRule) {
	sort.Slice(rules, func(i, j int) bool { return rules[i].policyID < rules[j].policyID })
}

func (re *RuleEvaluator) compile(p decision.Policy, r decision.Rule) (compiledRule, error) {
	prg, err := re.evaluator.CompileConstraint(r.Constraint)
	if err != nil {
		return compiledRule{}, err
	}
	return compiledRule{
		policyID:   p.ID,
		policyName: p.Name,
		priority:   p.Priority,
		rule:       r,
		program:    prg,
	}, nil
}

func (re *RuleEvaluator) load() *ruleSnapshot {
	v := re.snapshot.Load()
	if v == nil {
		return &ruleSnapshot{}
	}
	return v.(*ruleSnapshot)
}

// Verdict is the result of rule-based matching, prior to AI judgment or
// combination logic. Confidence is 1.0 for a deterministic structured-rule
// match and 0 when no rule matched; the combination stage consults the
// judge whenever it falls below the rule-confidence threshold.
type Verdict struct {
	Outcome    decision.Outcome
	Confidence float64
	PolicyID   string
	RuleID     string
	Reason     string
	Directives []string
	Duties     []decision.Duty
}

// Evaluate matches a DecisionContext against the compiled rule snapshot.
// It never returns Permit or Deny from an error path; any internal failure
// surfaces as a non-nil error with a NotApplicable-equivalent Verdict so the
// caller fails toward Indeterminate.
func (re *RuleEvaluator) Evaluate(ctx context.Context, dc decision.DecisionContext) (Verdict, error) {
	snap := re.load()

	for _, tier := range snap.tiers {
		if v, matched, err := re.matchAny(ctx, dc, tier.prohibitions, decision.Deny); err != nil {
			return Verdict{Outcome: decision.Indeterminate}, err
		} else if matched {
			return v, nil
		}
		if v, matched, err := re.matchAny(ctx, dc, tier.permissions, decision.Permit); err != nil {
			return Verdict{Outcome: decision.Indeterminate}, err
		} else if matched {
			return v, nil
		}
	}

	return Verdict{
		Outcome: decision.Indeterminate,
		Reason:  "no policy rule matched",
	}, nil
}

func (re *RuleEvaluator) matchAny(ctx context.Context, dc decision.DecisionContext, rules []compiledRule, outcome decision.Outcome) (Verdict, bool, error) {
	for _, cr := range rules {
		matched, err := globMatch(cr.rule.Action, dc.Action)
		if err != nil {
			return Verdict{}, false, err
		}
		if !matched {
			continue
		}
		matched, err = globMatch(cr.rule.Target, dc.Resource)
		if err != nil {
			return Verdict{}, false, err
		}
		if !matched {
			continue
		}

		ok, err := re.evaluator.Evaluate(ctx, cr.program, dc)
		if err != nil {
			return Verdict{}, false, fmt.Errorf("rule %s/%s constraint evaluation: %w", cr.policyID, cr.rule.ID, err)
		}
		if !ok {
			continue
		}

		return Verdict{
			Outcome:    outcome,
			Confidence: 1.0,
			PolicyID:   cr.policyID,
			RuleID:     cr.rule.ID,
			Reason:     fmt.Sprintf("matched %s rule %s in policy %s (%s)", outcomeLabel(outcome), cr.rule.ID, cr.policyID, cr.policyName),
			Directives: cr.rule.Directives,
			Duties:     cr.rule.Duties,
		}, true, nil
	}
	return Verdict{}, false, nil
}

func outcomeLabel(o decision.Outcome) string {
	if o == decision.Deny {
		return "prohibition"
	}
	return "permission"
}

func globMatch(pattern, value string) (bool, error) {
	if pattern == "" || pattern == "*" {
		return true, nil
	}
	return filepath.Match(pattern, value)
}
