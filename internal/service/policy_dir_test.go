package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/policygate/gateway/internal/adapter/outbound/memory"
	"github.com/policygate/gateway/internal/domain/decision"
)

func TestLoadPoliciesDirMissingDirIsNoop(t *testing.T) {
	store := memory.NewDecisionPolicyStore()
	if err := LoadPoliciesDir(context.Background(), store, filepath.Join(t.TempDir(), "absent")); err != nil {
		t.Fatalf("LoadPoliciesDir on missing dir: %v", err)
	}
	if err := LoadPoliciesDir(context.Background(), store, ""); err != nil {
		t.Fatalf("LoadPoliciesDir on empty dir path: %v", err)
	}
}

func TestLoadPoliciesDirReadsYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()

	yamlPolicy := `
id: read-only
name: Read Only
priority: 10
text: Agents may only read.
prohibition:
  - action: write
    target: "*"
`
	jsonPolicy := `{
  "id": "trusted-writes",
  "name": "Trusted Writes",
  "priority": 5,
  "text": "Trusted agents may write.",
  "permission": [
    {"action": "write", "target": "*", "constraint": {"left_operand": "trustScore", "operator": "gteq", "right_operand": "0.8"}}
  ]
}`
	if err := os.WriteFile(filepath.Join(dir, "read-only.yaml"), []byte(yamlPolicy), 0600); err != nil {
		t.Fatalf("seed yaml: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "trusted-writes.json"), []byte(jsonPolicy), 0600); err != nil {
		t.Fatalf("seed json: %v", err)
	}
	// Non-policy files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0600); err != nil {
		t.Fatalf("seed txt: %v", err)
	}

	store := memory.NewDecisionPolicyStore()
	if err := LoadPoliciesDir(context.Background(), store, dir); err != nil {
		t.Fatalf("LoadPoliciesDir: %v", err)
	}

	loaded, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d policies, want 2", len(loaded))
	}

	p, err := store.Get(context.Background(), "trusted-writes")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(p.Permission) != 1 || p.Permission[0].Constraint == nil {
		t.Errorf("constraint tree not loaded: %+v", p.Permission)
	}
	if p.Permission[0].Constraint.RightOperand != 0.8 {
		t.Errorf("right operand = %v, want 0.8 as a number", p.Permission[0].Constraint.RightOperand)
	}
}

func TestPersistPolicyRoundTripAndHistory(t *testing.T) {
	dir := t.TempDir()

	p := decision.Policy{
		ID:                  "p1",
		Name:                "Policy One",
		Priority:            3,
		Status:              decision.StatusActive,
		NaturalLanguageText: "First version.",
		Prohibition: []decision.Rule{
			{ID: "r1", Action: "delete", Target: "*"},
		},
	}

	if err := PersistPolicy(dir, p, 1); err != nil {
		t.Fatalf("PersistPolicy v1: %v", err)
	}

	// Superseding moves the old file into history under a versioned name.
	p.NaturalLanguageText = "Second version."
	if err := PersistPolicy(dir, p, 2); err != nil {
		t.Fatalf("PersistPolicy v2: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, historySubdir, "p1-v2.json")); err != nil {
		t.Errorf("superseded version not in history: %v", err)
	}

	// The persisted file loads back with the same semantics.
	store := memory.NewDecisionPolicyStore()
	if err := LoadPoliciesDir(context.Background(), store, dir); err != nil {
		t.Fatalf("LoadPoliciesDir: %v", err)
	}
	reloaded, err := store.Get(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reloaded.NaturalLanguageText != "Second version." {
		t.Errorf("text = %q", reloaded.NaturalLanguageText)
	}
	if len(reloaded.Prohibition) != 1 || reloaded.Prohibition[0].Action != "delete" {
		t.Errorf("prohibitions = %+v", reloaded.Prohibition)
	}
}

func TestRemovePolicyFile(t *testing.T) {
	dir := t.TempDir()
	p := decision.Policy{ID: "p1", Name: "P", NaturalLanguageText: "t", Status: decision.StatusActive}
	if err := PersistPolicy(dir, p, 1); err != nil {
		t.Fatalf("PersistPolicy: %v", err)
	}

	if err := RemovePolicyFile(dir, "p1"); err != nil {
		t.Fatalf("RemovePolicyFile: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "p1.json")); !os.IsNotExist(err) {
		t.Error("live file survived removal")
	}
	// Removing again (or a never-persisted id) is a no-op.
	if err := RemovePolicyFile(dir, "p1"); err != nil {
		t.Errorf("second RemovePolicyFile: %v", err)
	}
}
