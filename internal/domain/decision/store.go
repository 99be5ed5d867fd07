package decision

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a policy lookup misses.
var ErrNotFound = errors.New("policy not found")

// PolicyVersion is a point-in-time snapshot of a Policy kept for history and
// rollback, mirroring the audit trail an administrator would expect before
// reverting a bad rule change.
type PolicyVersion struct {
	Policy    Policy
	Version   int
	Comment   string
}

// Store is the admin-facing port for durable, versioned policy storage. It is
// distinct from the read-optimized snapshot consulted on the hot path by the
// RuleEvaluator (see Snapshot).
type Store interface {
	// Put creates or replaces a policy, recording a new version.
	Put(ctx context.Context, p Policy, comment string) error
	// Get returns the current version of a policy by id.
	Get(ctx context.Context, id string) (Policy, error)
	// Delete removes a policy. Past versions are retained for history.
	Delete(ctx context.Context, id string) error
	// List returns all policies, regardless of status.
	List(ctx context.Context) ([]Policy, error)
	// History returns the version history of a policy, oldest first.
	History(ctx context.Context, id string) ([]PolicyVersion, error)
	// Snapshot returns an immutable view of all active policies, ordered by
	// priority descending then id ascending, for the rule evaluator to
	// consult without taking a lock per request.
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Snapshot is an immutable, priority-ordered view of the active policy set.
// A new Snapshot is built and atomically swapped in whenever the store
// changes; readers never block writers and never see a partial update.
type Snapshot struct {
	Policies []Policy
	Version  int64
}
