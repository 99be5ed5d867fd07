package audit

import (
	"context"
	"errors"
	"time"
)

// ErrDateRangeExceeded is returned by query stores when the requested window
// is wider than the store's maximum (7 days).
var ErrDateRangeExceeded = errors.New("date range exceeds maximum of 7 days")

// AuditStore is the write side of the decision trail. Implementations own
// batching and durability; Append must not block the enforcement hot path
// beyond its own bounded work.
type AuditStore interface {
	// Append stores records. Sinks must be idempotent on record ID so a
	// retried append is visible at most once to readers.
	Append(ctx context.Context, records ...AuditRecord) error

	// Flush forces buffered records to storage. Called on shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// AuditFilter narrows an audit query. From/To bound the time range; the
// remaining fields are exact-match and optional.
type AuditFilter struct {
	From time.Time
	To   time.Time

	Agent     string
	SessionID string
	Resource  string
	// Decision filters on PERMIT / DENY / INDETERMINATE.
	Decision string
	// Engine filters on the producing engine (RULE, AI, HYBRID, CACHE,
	// FAIL_SAFE).
	Engine string

	// Limit caps the result size (default and max 100). Cursor continues a
	// previous page; an empty returned cursor means no more pages.
	Limit  int
	Cursor string
}

// ResourceStats aggregates decisions for one resource.
type ResourceStats struct {
	Calls     int64
	Permitted int64
	Denied    int64
}

// AuditStats is an aggregate view over a time window, used by the health
// endpoint and operator tooling.
type AuditStats struct {
	TotalDecisions int64
	UniqueAgents   int64
	UniqueSessions int64

	ByResource map[string]ResourceStats
	ByDecision map[string]int64
	ByEngine   map[string]int64
}

// AuditQueryStore is the read side, kept separate from AuditStore so
// write-only sinks (stdout, null) need not implement querying.
type AuditQueryStore interface {
	// Query returns matching records newest-first plus a continuation
	// cursor. Returns ErrDateRangeExceeded when To-From > 7 days.
	Query(ctx context.Context, filter AuditFilter) ([]AuditRecord, string, error)

	// QueryStats aggregates the window into per-resource, per-decision, and
	// per-engine counts.
	QueryStats(ctx context.Context, from, to time.Time) (*AuditStats, error)
}
