package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/policygate/gateway/internal/domain/decision"
)

// DecisionEvaluator compiles and evaluates decision.ConstraintNode trees
// against decision.DecisionContext values, enforcing the safety limits in
// limits.go (expression length, nesting depth, cost budget, timeout).
type DecisionEvaluator struct {
	env *cel.Env
}

// NewDecisionEvaluator creates a DecisionEvaluator with a fresh decision CEL
// environment.
func NewDecisionEvaluator() (*DecisionEvaluator, error) {
	env, err := NewDecisionEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create decision environment: %w", err)
	}
	return &DecisionEvaluator{env: env}, nil
}

// CompileConstraint turns a constraint tree into a compiled CEL program.
// A nil node compiles to an always-true program.
func (e *DecisionEvaluator) CompileConstraint(node *decision.ConstraintNode) (cel.Program, error) {
	expr, err := ConstraintToCEL(node)
	if err != nil {
		return nil, err
	}
	if err := validateNesting(expr); err != nil {
		return nil, err
	}
	if len(expr) > maxExpressionLength {
		return nil, fmt.Errorf("compiled constraint expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("constraint compilation failed (%q): %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("constraint program creation failed: %w", err)
	}
	return prg, nil
}

// Evaluate runs a compiled constraint program against a DecisionContext.
func (e *DecisionEvaluator) Evaluate(ctx context.Context, prg cel.Program, dc decision.DecisionContext) (bool, error) {
	activation := BuildDecisionActivation(dc)

	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(evalCtx, activation)
	if err != nil {
		return false, fmt.Errorf("constraint evaluation failed: %w", err)
	}
	b, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("constraint expression did not return a boolean, got %T", result.Value())
	}
	return b, nil
}
