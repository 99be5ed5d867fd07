package cel

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/policygate/gateway/internal/domain/decision"
)

func TestConstraintToCEL_Leaf(t *testing.T) {
	t.Parallel()

	node := &decision.ConstraintNode{LeftOperand: "trustScore", Operator: "gte", RightOperand: 0.8}
	expr, err := ConstraintToCEL(node)
	if err != nil {
		t.Fatalf("ConstraintToCEL: %v", err)
	}
	if expr != "trustScore >= 0.8" {
		t.Errorf("expr = %q, want %q", expr, "trustScore >= 0.8")
	}
}

func TestConstraintToCEL_NilIsAlwaysTrue(t *testing.T) {
	t.Parallel()

	expr, err := ConstraintToCEL(nil)
	if err != nil {
		t.Fatalf("ConstraintToCEL(nil): %v", err)
	}
	if expr != "true" {
		t.Errorf("expr = %q, want true", expr)
	}
}

func TestConstraintToCEL_ArgumentsDottedPath(t *testing.T) {
	t.Parallel()

	node := &decision.ConstraintNode{LeftOperand: "arguments.path", Operator: "eq", RightOperand: "/etc/passwd"}
	expr, err := ConstraintToCEL(node)
	if err != nil {
		t.Fatalf("ConstraintToCEL: %v", err)
	}
	if !strings.Contains(expr, `arguments["path"]`) {
		t.Errorf("expr = %q, want arguments indexing", expr)
	}
}

func TestConstraintToCEL_AndOr(t *testing.T) {
	t.Parallel()

	node := &decision.ConstraintNode{
		And: []*decision.ConstraintNode{
			{LeftOperand: "trustScore", Operator: "gte", RightOperand: 0.5},
			{Or: []*decision.ConstraintNode{
				{LeftOperand: "action", Operator: "eq", RightOperand: "read"},
				{LeftOperand: "action", Operator: "eq", RightOperand: "list"},
			}},
		},
	}
	expr, err := ConstraintToCEL(node)
	if err != nil {
		t.Fatalf("ConstraintToCEL: %v", err)
	}
	if !strings.Contains(expr, "&&") || !strings.Contains(expr, "||") {
		t.Errorf("expr = %q, want both && and ||", expr)
	}
}

func TestConstraintToCEL_Not(t *testing.T) {
	t.Parallel()

	node := &decision.ConstraintNode{Not: &decision.ConstraintNode{LeftOperand: "emergency", Operator: "eq", RightOperand: true}}
	expr, err := ConstraintToCEL(node)
	if err != nil {
		t.Fatalf("ConstraintToCEL: %v", err)
	}
	if !strings.HasPrefix(expr, "!(") {
		t.Errorf("expr = %q, want leading negation", expr)
	}
}

func TestConstraintToCEL_UnsupportedOperator(t *testing.T) {
	t.Parallel()

	_, err := ConstraintToCEL(&decision.ConstraintNode{LeftOperand: "action", Operator: "frobnicate", RightOperand: "x"})
	if err == nil {
		t.Fatal("expected an error for an unsupported operator")
	}
}

func TestConstraintToCEL_NilRightOperand(t *testing.T) {
	t.Parallel()

	_, err := ConstraintToCEL(&decision.ConstraintNode{LeftOperand: "action", Operator: "eq", RightOperand: nil})
	if err == nil {
		t.Fatal("expected an error for a nil right operand")
	}
}

func TestConstraintToCEL_MatchesUsesGlob(t *testing.T) {
	t.Parallel()

	node := &decision.ConstraintNode{LeftOperand: "resource", Operator: "matches", RightOperand: "file://secrets/*"}
	expr, err := ConstraintToCEL(node)
	if err != nil {
		t.Fatalf("ConstraintToCEL: %v", err)
	}
	if !strings.HasPrefix(expr, "glob(") {
		t.Errorf("expr = %q, want a glob(...) call", expr)
	}
}

func newEvaluator(t *testing.T) *DecisionEvaluator {
	t.Helper()
	e, err := NewDecisionEvaluator()
	if err != nil {
		t.Fatalf("NewDecisionEvaluator: %v", err)
	}
	return e
}

func TestDecisionEvaluator_CompileAndEvaluate_True(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t)
	node := &decision.ConstraintNode{LeftOperand: "action", Operator: "eq", RightOperand: "read"}
	prg, err := e.CompileConstraint(node)
	if err != nil {
		t.Fatalf("CompileConstraint: %v", err)
	}

	ok, err := e.Evaluate(context.Background(), prg, decision.DecisionContext{Action: "read"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !ok {
		t.Error("expected true")
	}
}

func TestDecisionEvaluator_CompileAndEvaluate_False(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t)
	node := &decision.ConstraintNode{LeftOperand: "action", Operator: "eq", RightOperand: "write"}
	prg, err := e.CompileConstraint(node)
	if err != nil {
		t.Fatalf("CompileConstraint: %v", err)
	}

	ok, err := e.Evaluate(context.Background(), prg, decision.DecisionContext{Action: "read"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ok {
		t.Error("expected false")
	}
}

func TestDecisionEvaluator_NilNodeAlwaysTrue(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t)
	prg, err := e.CompileConstraint(nil)
	if err != nil {
		t.Fatalf("CompileConstraint(nil): %v", err)
	}
	ok, err := e.Evaluate(context.Background(), prg, decision.DecisionContext{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !ok {
		t.Error("a nil constraint should always evaluate true")
	}
}

func TestDecisionEvaluator_ArgumentsLookup(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t)
	node := &decision.ConstraintNode{LeftOperand: "arguments.path", Operator: "eq", RightOperand: "/data/a.txt"}
	prg, err := e.CompileConstraint(node)
	if err != nil {
		t.Fatalf("CompileConstraint: %v", err)
	}

	dc := decision.DecisionContext{Arguments: map[string]any{"path": "/data/a.txt"}}
	ok, err := e.Evaluate(context.Background(), prg, dc)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !ok {
		t.Error("expected the arguments lookup to match")
	}
}

func TestDecisionEvaluator_GlobMatch(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t)
	node := &decision.ConstraintNode{LeftOperand: "resource", Operator: "matches", RightOperand: "file://secrets/*"}
	prg, err := e.CompileConstraint(node)
	if err != nil {
		t.Fatalf("CompileConstraint: %v", err)
	}

	ok, err := e.Evaluate(context.Background(), prg, decision.DecisionContext{Resource: "file://secrets/db.env"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !ok {
		t.Error("expected the glob pattern to match")
	}

	ok, err = e.Evaluate(context.Background(), prg, decision.DecisionContext{Resource: "file://public/readme.md"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ok {
		t.Error("expected the glob pattern not to match a different path")
	}
}

func TestDecisionEvaluator_TrustScoreBucket(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t)
	node := &decision.ConstraintNode{LeftOperand: "trustScore", Operator: "gte", RightOperand: 0.75}
	prg, err := e.CompileConstraint(node)
	if err != nil {
		t.Fatalf("CompileConstraint: %v", err)
	}

	ok, err := e.Evaluate(context.Background(), prg, decision.DecisionContext{TrustScore: 0.9})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !ok {
		t.Error("0.9 should satisfy gte 0.75")
	}

	ok, err = e.Evaluate(context.Background(), prg, decision.DecisionContext{TrustScore: 0.1})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ok {
		t.Error("0.1 should not satisfy gte 0.75")
	}
}

func TestDecisionEvaluator_RejectsExpressionTooLong(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t)
	node := &decision.ConstraintNode{LeftOperand: "action", Operator: "eq", RightOperand: strings.Repeat("a", maxExpressionLength)}
	_, err := e.CompileConstraint(node)
	if err == nil {
		t.Fatal("expected an error for an over-long compiled expression")
	}
}

func TestDecisionEvaluator_RejectsExcessiveNesting(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t)
	leaf := &decision.ConstraintNode{LeftOperand: "trustScore", Operator: "gte", RightOperand: 0.0}
	node := leaf
	for i := 0; i < maxNestingDepth+5; i++ {
		node = &decision.ConstraintNode{And: []*decision.ConstraintNode{node}}
	}
	_, err := e.CompileConstraint(node)
	if err == nil {
		t.Fatal("expected an error for excessive nesting depth")
	}
}

func TestDecisionEvaluator_CompileErrorOnUnsupportedOperator(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t)
	_, err := e.CompileConstraint(&decision.ConstraintNode{LeftOperand: "action", Operator: "bogus", RightOperand: "x"})
	if err == nil {
		t.Fatal("expected an error compiling an unsupported operator")
	}
}

func TestDecisionEvaluator_EvaluateRespectsContextTimeout(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t)
	node := &decision.ConstraintNode{LeftOperand: "action", Operator: "eq", RightOperand: "read"}
	prg, err := e.CompileConstraint(node)
	if err != nil {
		t.Fatalf("CompileConstraint: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

	ok, err := e.Evaluate(ctx, prg, decision.DecisionContext{Action: "read"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !ok {
		t.Error("expected true")
	}
}

func TestBuildDecisionActivation_NilArgumentsBecomesEmptyMap(t *testing.T) {
	t.Parallel()

	activation := BuildDecisionActivation(decision.DecisionContext{Agent: "a"})
	args, ok := activation["arguments"].(map[string]any)
	if !ok {
		t.Fatal("expected arguments to be a map[string]any")
	}
	if len(args) != 0 {
		t.Errorf("len(args) = %d, want 0", len(args))
	}
}
