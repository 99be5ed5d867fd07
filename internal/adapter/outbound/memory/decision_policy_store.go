package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/policygate/gateway/internal/domain/decision"
)

// DecisionPolicyStore implements decision.Store with an in-memory map plus
// version history. Policies are copied on read and on write, and an
// immutable Snapshot is rebuilt and swapped in atomically on every mutation.
type DecisionPolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*decision.Policy
	history  map[string][]decision.PolicyVersion

	version  atomic.Int64
	snapshot atomic.Value // stores *decision.Snapshot
}

// NewDecisionPolicyStore creates an empty DecisionPolicyStore.
func NewDecisionPolicyStore() *DecisionPolicyStore {
	s := &DecisionPolicyStore{
		policies: make(map[string]*decision.Policy),
		history:  make(map[string][]decision.PolicyVersion),
	}
	s.rebuildSnapshotLocked()
	return s
}

// Put implements decision.Store.
func (s *DecisionPolicyStore) Put(_ context.Context, p decision.Policy, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := copyDecisionPolicy(p)
	s.policies[p.ID] = cp

	versions := s.history[p.ID]
	s.history[p.ID] = append(versions, decision.PolicyVersion{
		Policy:  *copyDecisionPolicy(p),
		Version: len(versions) + 1,
		Comment: comment,
	})

	s.rebuildSnapshotLocked()
	return nil
}

// Get implements decision.Store.
func (s *DecisionPolicyStore) Get(_ context.Context, id string) (decision.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[id]
	if !ok {
		return decision.Policy{}, decision.ErrNotFound
	}
	return *copyDecisionPolicy(*p), nil
}

// Delete implements decision.Store.
func (s *DecisionPolicyStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[id]; !ok {
		return decision.ErrNotFound
	}
	delete(s.policies, id)
	s.rebuildSnapshotLocked()
	return nil
}

// List implements decision.Store.
func (s *DecisionPolicyStore) List(_ context.Context) ([]decision.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]decision.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		result = append(result, *copyDecisionPolicy(*p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// History implements decision.Store.
func (s *DecisionPolicyStore) History(_ context.Context, id string) ([]decision.PolicyVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.history[id]
	if !ok {
		return nil, decision.ErrNotFound
	}
	out := make([]decision.PolicyVersion, len(versions))
	copy(out, versions)
	return out, nil
}

// Snapshot implements decision.Store, returning the current immutable
// snapshot without taking the store's lock. The snapshot is rebuilt and
// atomically swapped in on every mutation.
func (s *DecisionPolicyStore) Snapshot(context.Context) (*decision.Snapshot, error) {
	return s.snapshot.Load().(*decision.Snapshot), nil
}

// rebuildSnapshotLocked must be called with s.mu held for writing.
func (s *DecisionPolicyStore) rebuildSnapshotLocked() {
	policies := make([]decision.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		policies = append(policies, *copyDecisionPolicy(*p))
	}
	sort.Slice(policies, func(i, j int) bool {
		if policies[i].Priority != policies[j].Priority {
			return policies[i].Priority > policies[j].Priority
		}
		return policies[i].ID < policies[j].ID
	})

	s.snapshot.Store(&decision.Snapshot{
		Policies: policies,
		Version:  s.version.Add(1),
	})
}

func copyDecisionPolicy(p decision.Policy) *decision.Policy {
	cp := p
	cp.Permission = append([]decision.Rule(nil), p.Permission...)
	cp.Prohibition = append([]decision.Rule(nil), p.Prohibition...)
	return &cp
}

// Compile-time interface verification.
var _ decision.Store = (*DecisionPolicyStore)(nil)
