package cel

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/policygate/gateway/internal/domain/decision"
)

// NewDecisionEnvironment creates a CEL environment for evaluating
// decision.ConstraintNode trees against a decision.DecisionContext.
// DecisionEvaluator compiles against it under the safety limits in limits.go
// (expression length, nesting depth, cost budget, timeout).
func NewDecisionEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("agent", cel.StringType),
		cel.Variable("agentType", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("purpose", cel.StringType),
		cel.Variable("arguments", cel.MapType(cel.StringType, cel.DynType)),

		cel.Variable("trustScore", cel.DoubleType),
		cel.Variable("clearanceLevel", cel.StringType),
		cel.Variable("resourceClassification", cel.StringType),
		cel.Variable("ipCountry", cel.StringType),
		cel.Variable("emergency", cel.BoolType),

		cel.Variable("timeOfDay", cel.StringType),
		cel.Variable("dayOfWeek", cel.StringType),

		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					matched, _ := filepath.Match(pattern.Value().(string), name.Value().(string))
					return types.Bool(matched)
				}),
			),
		),
	)
}

// BuildDecisionActivation creates a CEL activation map from a DecisionContext.
func BuildDecisionActivation(ctx decision.DecisionContext) map[string]any {
	args := ctx.Arguments
	if args == nil {
		args = map[string]any{}
	}
	return map[string]any{
		"agent":                   ctx.Agent,
		"agentType":               ctx.AgentType,
		"action":                  ctx.Action,
		"resource":                ctx.Resource,
		"purpose":                 ctx.Purpose,
		"arguments":               args,
		"trustScore":              ctx.TrustScore,
		"clearanceLevel":          ctx.ClearanceLevel,
		"resourceClassification":  ctx.ResourceClassification,
		"ipCountry":               ctx.IPCountry,
		"emergency":               ctx.Emergency,
		"timeOfDay":               ctx.TimeOfDay(),
		"dayOfWeek":               ctx.DayOfWeek(),
	}
}

// operatorTemplates maps ConstraintNode operators to a CEL expression
// template. %s is substituted with the left operand identifier and %s with a
// CEL literal for the right operand.
var operatorTemplates = map[string]string{
	"eq":      "%s == %s",
	"neq":     "%s != %s",
	"lt":      "%s < %s",
	"lte":     "%s <= %s",
	"lteq":    "%s <= %s",
	"gt":      "%s > %s",
	"gte":     "%s >= %s",
	"gteq":    "%s >= %s",
	"in":      "%s in %s",
	"notIn":   "!(%s in %s)",
	"matches": "glob(%[2]s, %[1]s)",
	"contains": "%s.contains(%s)",
}

// ConstraintToCEL compiles a decision.ConstraintNode tree into a CEL
// expression string. Leaves reference DecisionContext fields by name (or a
// dotted "arguments.foo" path); internal nodes compose with &&, ||, and !.
func ConstraintToCEL(node *decision.ConstraintNode) (string, error) {
	if node == nil {
		return "true", nil
	}
	if node.Not != nil {
		inner, err := ConstraintToCEL(node.Not)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("!(%s)", inner), nil
	}
	if len(node.And) > 0 {
		return joinChildren(node.And, "&&")
	}
	if len(node.Or) > 0 {
		return joinChildren(node.Or, "||")
	}
	return leafExpr(node)
}

func joinChildren(children []*decision.ConstraintNode, op string) (string, error) {
	parts := make([]string, 0, len(children))
	for _, c := range children {
		expr, err := ConstraintToCEL(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, "("+expr+")")
	}
	return strings.Join(parts, " "+op+" "), nil
}

func leafExpr(node *decision.ConstraintNode) (string, error) {
	tmpl, ok := operatorTemplates[node.Operator]
	if !ok {
		return "", fmt.Errorf("unsupported constraint operator %q", node.Operator)
	}
	left := leftOperandRef(node.LeftOperand)
	right, err := literal(node.RightOperand)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(tmpl, left, right), nil
}

// leftOperandRef rewrites dotted paths like "arguments.url" into CEL map
// indexing, since arguments is typed as map(string, dyn) rather than a
// struct with dynamic fields.
func leftOperandRef(operand string) string {
	if strings.HasPrefix(operand, "arguments.") {
		key := strings.TrimPrefix(operand, "arguments.")
		return fmt.Sprintf("arguments[%q]", key)
	}
	return operand
}

// literal renders a Go value as a CEL literal expression.
func literal(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val), nil
	case bool:
		if val {
			return "true", nil
		}
		return "false", nil
	case int:
		return fmt.Sprintf("%d", val), nil
	case int64:
		return fmt.Sprintf("%d", val), nil
	case float64:
		return fmt.Sprintf("%g", val), nil
	case []any:
		parts := make([]string, 0, len(val))
		for _, e := range val {
			lit, err := literal(e)
			if err != nil {
				return "", err
			}
			parts = append(parts, lit)
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	case []string:
		parts := make([]string, 0, len(val))
		for _, e := range val {
			parts = append(parts, fmt.Sprintf("%q", e))
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	case nil:
		return "", fmt.Errorf("constraint right operand is nil")
	default:
		return "", fmt.Errorf("unsupported constraint literal type %T", v)
	}
}
