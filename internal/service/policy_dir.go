package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/policygate/gateway/internal/config"
	"github.com/policygate/gateway/internal/domain/decision"
)

// historySubdir holds superseded policy versions next to the live files.
const historySubdir = "history"

// LoadPoliciesDir reads one policy per file from dir into store. Files are
// the same schema as inline config policies, parsed as YAML (which also
// covers the JSON files PersistPolicy writes). A missing directory is not an
// error: a fresh install simply has no stored policies yet.
func LoadPoliciesDir(ctx context.Context, store decision.Store, dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read policies dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for i, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read policy file %s: %w", name, err)
		}

		var pc config.PolicyConfig
		if err := yaml.Unmarshal(data, &pc); err != nil {
			return fmt.Errorf("parse policy file %s: %w", name, err)
		}

		p, err := convertPolicy(pc, i)
		if err != nil {
			return fmt.Errorf("policy file %s: %w", name, err)
		}
		if err := store.Put(ctx, p, "loaded from "+name); err != nil {
			return fmt.Errorf("storing policy %q: %w", p.ID, err)
		}
	}
	return nil
}

// PersistPolicy writes a policy as <id>.json in dir, moving any previous
// file into the history subdirectory under a versioned name so superseded
// versions stay immutable on disk.
func PersistPolicy(dir string, p decision.Policy, version int) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create policies dir: %w", err)
	}

	path := filepath.Join(dir, p.ID+".json")

	if prev, err := os.ReadFile(path); err == nil {
		histDir := filepath.Join(dir, historySubdir)
		if err := os.MkdirAll(histDir, 0700); err != nil {
			return fmt.Errorf("create history dir: %w", err)
		}
		histPath := filepath.Join(histDir, fmt.Sprintf("%s-v%d.json", p.ID, version))
		if err := os.WriteFile(histPath, prev, 0600); err != nil {
			return fmt.Errorf("write policy history: %w", err)
		}
	}

	// PolicyConfig carries yaml tags only; passing it through YAML gives the
	// JSON document the same keys LoadPoliciesDir reads back.
	raw, err := yaml.Marshal(policyToConfig(p))
	if err != nil {
		return fmt.Errorf("marshal policy %q: %w", p.ID, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("marshal policy %q: %w", p.ID, err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal policy %q: %w", p.ID, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write policy %q: %w", p.ID, err)
	}
	return nil
}

// RemovePolicyFile drops a soft-deleted policy's live file, leaving its
// history in place.
func RemovePolicyFile(dir, id string) error {
	if dir == "" {
		return nil
	}
	err := os.Remove(filepath.Join(dir, id+".json"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// policyToConfig projects a domain policy back onto the file schema.
func policyToConfig(p decision.Policy) config.PolicyConfig {
	return config.PolicyConfig{
		ID:          p.ID,
		Name:        p.Name,
		Priority:    p.Priority,
		Status:      string(p.Status),
		Text:        p.NaturalLanguageText,
		Permission:  rulesToConfig(p.Permission),
		Prohibition: rulesToConfig(p.Prohibition),
	}
}

func rulesToConfig(rules []decision.Rule) []config.RuleConfig {
	out := make([]config.RuleConfig, 0, len(rules))
	for _, r := range rules {
		rc := config.RuleConfig{
			Action:     r.Action,
			Target:     r.Target,
			Constraint: constraintToConfig(r.Constraint),
			Directives: r.Directives,
		}
		for _, d := range r.Duties {
			rc.Duty = append(rc.Duty, d.Name)
		}
		out = append(out, rc)
	}
	return out
}

func constraintToConfig(n *decision.ConstraintNode) *config.ConstraintNode {
	if n == nil {
		return nil
	}
	out := &config.ConstraintNode{
		LeftOperand: n.LeftOperand,
		Operator:    n.Operator,
	}
	out.RightOperand = literalToString(n.RightOperand)
	for _, c := range n.And {
		out.And = append(out.And, constraintToConfig(c))
	}
	for _, c := range n.Or {
		out.Or = append(out.Or, constraintToConfig(c))
	}
	if n.Not != nil {
		out.Not = constraintToConfig(n.Not)
	}
	return out
}

func literalToString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []string:
		return strings.Join(val, ",")
	case bool:
		return fmt.Sprintf("%t", val)
	case float64:
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
