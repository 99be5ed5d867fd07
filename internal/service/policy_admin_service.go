package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/policygate/gateway/internal/domain/decision"
)

// ErrDefaultPolicyDelete is returned when attempting to delete the default policy.
var ErrDefaultPolicyDelete = errors.New("cannot delete the default policy")

// ErrPolicyNotFound is returned when a policy is not found.
var ErrPolicyNotFound = errors.New("policy not found")

// ErrPolicyTextRequired is returned when a policy carries no natural
// language text, which the judge relies on as its source of truth whenever
// the rule layer is inapplicable.
var ErrPolicyTextRequired = errors.New("policy natural language text is required")

// ErrPolicyTextTooLong is returned when a policy's natural language text
// exceeds MaxPolicyTextLength.
var ErrPolicyTextTooLong = errors.New("policy natural language text exceeds maximum length")

// MaxPolicyTextLength bounds the natural-language text handed to the judge,
// keeping prompt size predictable and catching accidental paste errors.
const MaxPolicyTextLength = 10000

// DefaultPolicyID identifies the seeded fallback policy, which cannot be
// deleted through the admin API: the gateway must never end up with no
// evaluable policy at all.
const DefaultPolicyID = "default-deny-all"

// PolicyAdminService provides CRUD operations over the structured policy
// store: creation with generated ids, update with automatic version
// history, soft-delete (marking a policy deprecated rather than removing
// it, so in-flight decisions and audit records referencing its id remain
// meaningful), and listing with an optional status filter.
type PolicyAdminService struct {
	store  decision.Store
	logger *slog.Logger
	// dir, when set, mirrors every mutation to one JSON file per policy
	// with superseded versions under a history subdirectory.
	dir string
}

// NewPolicyAdminService creates a new PolicyAdminService.
func NewPolicyAdminService(store decision.Store, logger *slog.Logger) *PolicyAdminService {
	return &PolicyAdminService{store: store, logger: logger}
}

// WithDir enables on-disk persistence under dir. Returns the receiver for
// construction-time chaining.
func (s *PolicyAdminService) WithDir(dir string) *PolicyAdminService {
	s.dir = dir
	return s
}

// persist mirrors the policy to disk; persistence failures are logged, not
// fatal, since the in-memory store already holds the authoritative state.
func (s *PolicyAdminService) persist(ctx context.Context, id string) {
	if s.dir == "" {
		return
	}
	p, err := s.store.Get(ctx, id)
	if err != nil {
		s.logger.Warn("policy persistence: reload failed", "id", id, "error", err)
		return
	}
	versions, _ := s.store.History(ctx, id)
	if err := PersistPolicy(s.dir, p, len(versions)); err != nil {
		s.logger.Warn("policy persistence failed", "id", id, "error", err)
	}
}

// List returns policies from the store, optionally filtered by status.
// An empty filter returns every policy regardless of status.
func (s *PolicyAdminService) List(ctx context.Context, statusFilter decision.PolicyStatus) ([]decision.Policy, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	if statusFilter == "" {
		return all, nil
	}
	out := make([]decision.Policy, 0, len(all))
	for _, p := range all {
		if p.Status == statusFilter {
			out = append(out, p)
		}
	}
	return out, nil
}

// Get returns a single policy by id.
func (s *PolicyAdminService) Get(ctx context.Context, id string) (decision.Policy, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, decision.ErrNotFound) {
			return decision.Policy{}, ErrPolicyNotFound
		}
		return decision.Policy{}, fmt.Errorf("get policy: %w", err)
	}
	return p, nil
}

// History returns the version history of a policy, oldest first.
func (s *PolicyAdminService) History(ctx context.Context, id string) ([]decision.PolicyVersion, error) {
	versions, err := s.store.History(ctx, id)
	if err != nil {
		if errors.Is(err, decision.ErrNotFound) {
			return nil, ErrPolicyNotFound
		}
		return nil, fmt.Errorf("policy history: %w", err)
	}
	return versions, nil
}

// Create validates and stores a new policy, generating a fresh id and rule
// ids where the caller left them blank.
func (s *PolicyAdminService) Create(ctx context.Context, p decision.Policy) (decision.Policy, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = decision.StatusDraft
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	assignRuleIDs(p.Permission)
	assignRuleIDs(p.Prohibition)

	if err := validatePolicyText(p.NaturalLanguageText); err != nil {
		return decision.Policy{}, err
	}

	if err := s.store.Put(ctx, p, "created"); err != nil {
		return decision.Policy{}, fmt.Errorf("create policy: %w", err)
	}

	s.persist(ctx, p.ID)

	s.logger.Info("policy created", "id", p.ID, "name", p.Name, "status", p.Status)
	return s.store.Get(ctx, p.ID)
}

// Update replaces a policy's content, preserving its id and CreatedAt and
// recording the prior version in history. comment documents the reason for
// the change, shown alongside the version in History.
func (s *PolicyAdminService) Update(ctx context.Context, id string, p decision.Policy, comment string) (decision.Policy, error) {
	existing, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, decision.ErrNotFound) {
			return decision.Policy{}, ErrPolicyNotFound
		}
		return decision.Policy{}, fmt.Errorf("get existing policy: %w", err)
	}

	if err := validatePolicyText(p.NaturalLanguageText); err != nil {
		return decision.Policy{}, err
	}

	p.ID = id
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()

	assignRuleIDs(p.Permission)
	assignRuleIDs(p.Prohibition)

	if comment == "" {
		comment = "updated"
	}
	if err := s.store.Put(ctx, p, comment); err != nil {
		return decision.Policy{}, fmt.Errorf("update policy: %w", err)
	}

	s.persist(ctx, id)

	s.logger.Info("policy updated", "id", id, "name", p.Name)
	return s.store.Get(ctx, id)
}

// Delete soft-deletes a policy by marking it deprecated rather than removing
// it from the store, so History and any in-flight audit records remain
// resolvable. The default policy can never be deprecated: the gateway must
// always have at least one evaluable policy.
func (s *PolicyAdminService) Delete(ctx context.Context, id string) error {
	existing, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, decision.ErrNotFound) {
			return ErrPolicyNotFound
		}
		return fmt.Errorf("get policy: %w", err)
	}

	if id == DefaultPolicyID {
		return ErrDefaultPolicyDelete
	}

	existing.Status = decision.StatusDisabled
	existing.UpdatedAt = time.Now().UTC()

	if err := s.store.Put(ctx, existing, "deprecated"); err != nil {
		return fmt.Errorf("deprecate policy: %w", err)
	}

	s.persist(ctx, id)

	s.logger.Info("policy deprecated", "id", id)
	return nil
}

func validatePolicyText(text string) error {
	if text == "" {
		return ErrPolicyTextRequired
	}
	if len(text) > MaxPolicyTextLength {
		return ErrPolicyTextTooLong
	}
	return nil
}

func assignRuleIDs(rules []decision.Rule) {
	for i := range rules {
		if rules[i].ID == "" {
			rules[i].ID = uuid.New().String()
		}
	}
}
