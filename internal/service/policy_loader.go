package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/policygate/gateway/internal/config"
	"github.com/policygate/gateway/internal/domain/decision"
)

// LoadPolicies converts the gateway's config.PolicyConfig entries into
// domain decision.Policy values and writes them into store. It is the
// concrete bridge between the config schema (already shaped to mirror the
// structured policy model) and the rule evaluator's snapshot.
func LoadPolicies(ctx context.Context, store decision.Store, policies []config.PolicyConfig) error {
	for i, pc := range policies {
		p, err := convertPolicy(pc, i)
		if err != nil {
			return fmt.Errorf("policy %q (index %d): %w", pc.Name, i, err)
		}
		if err := store.Put(ctx, p, "loaded from config"); err != nil {
			return fmt.Errorf("storing policy %q: %w", p.ID, err)
		}
	}
	return nil
}

func convertPolicy(pc config.PolicyConfig, index int) (decision.Policy, error) {
	id := pc.ID
	if id == "" {
		id = slugify(pc.Name, index)
	}

	status := decision.StatusActive
	switch pc.Status {
	case "", "active":
		status = decision.StatusActive
	case "draft":
		status = decision.StatusDraft
	case "deprecated", "disabled":
		// "deprecated" is the config-facing name; persisted files round-trip
		// the domain's "disabled" spelling.
		status = decision.StatusDisabled
	}

	permission, err := convertRules(pc.Permission)
	if err != nil {
		return decision.Policy{}, fmt.Errorf("permission rules: %w", err)
	}
	prohibition, err := convertRules(pc.Prohibition)
	if err != nil {
		return decision.Policy{}, fmt.Errorf("prohibition rules: %w", err)
	}

	now := time.Now()
	return decision.Policy{
		ID:                  id,
		Name:                pc.Name,
		Priority:            pc.Priority,
		Status:              status,
		Permission:          permission,
		Prohibition:         prohibition,
		NaturalLanguageText: pc.Text,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

func convertRules(rules []config.RuleConfig) ([]decision.Rule, error) {
	out := make([]decision.Rule, 0, len(rules))
	for i, rc := range rules {
		constraintNode, err := convertConstraint(rc.Constraint)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		out = append(out, decision.Rule{
			ID:         fmt.Sprintf("%s-%d", rc.Action, i),
			Action:     rc.Action,
			Target:     rc.Target,
			Constraint: constraintNode,
			Directives: rc.Directives,
			Duties:     convertDuties(rc.Duty),
		})
	}
	return out, nil
}

func convertDuties(names []string) []decision.Duty {
	out := make([]decision.Duty, 0, len(names))
	for _, name := range names {
		out = append(out, decision.Duty{
			Name:   name,
			Timing: decision.DutyAfterAccess,
		})
	}
	return out
}

func convertConstraint(n *config.ConstraintNode) (*decision.ConstraintNode, error) {
	if n == nil {
		return nil, nil
	}

	if n.And != nil || n.Or != nil || n.Not != nil {
		out := &decision.ConstraintNode{}
		for _, c := range n.And {
			converted, err := convertConstraint(c)
			if err != nil {
				return nil, err
			}
			out.And = append(out.And, converted)
		}
		for _, c := range n.Or {
			converted, err := convertConstraint(c)
			if err != nil {
				return nil, err
			}
			out.Or = append(out.Or, converted)
		}
		if n.Not != nil {
			converted, err := convertConstraint(n.Not)
			if err != nil {
				return nil, err
			}
			out.Not = converted
		}
		return out, nil
	}

	if n.LeftOperand == "" {
		return nil, nil
	}

	return &decision.ConstraintNode{
		LeftOperand: n.LeftOperand,
		Operator:    n.Operator,
		RightOperand: parseLiteral(n.Operator, n.RightOperand),
	}, nil
}

// parseLiteral interprets a ConstraintNode's string RightOperand as a typed
// Go value: a comma-separated list for "in", a bool/number when they parse
// cleanly, and a bare string otherwise.
func parseLiteral(operator, raw string) any {
	if operator == "in" {
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func slugify(name string, index int) string {
	slug := strings.ToLower(strings.ReplaceAll(name, " ", "-"))
	if slug == "" {
		return fmt.Sprintf("policy-%d", index)
	}
	return slug
}
