// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/policygate/gateway/internal/domain/audit"
)

const defaultRecentCap = 1000

// MemoryAuditStore writes records as JSON lines to a writer (stdout by
// default) and keeps a bounded ring of the most recent records so the health
// endpoint and admin queries can read without touching disk.
type MemoryAuditStore struct {
	encoder *json.Encoder
	writer  io.Writer

	mu     sync.Mutex
	recent []audit.AuditRecord
	cap    int
}

func resolveCapacity(capacity ...int) int {
	if len(capacity) > 0 && capacity[0] > 0 {
		return capacity[0]
	}
	return defaultRecentCap
}

// NewAuditStore creates a store writing to stdout. The optional capacity
// bounds the in-memory ring (default 1000).
func NewAuditStore(capacity ...int) *MemoryAuditStore {
	return NewAuditStoreWithWriter(os.Stdout, capacity...)
}

// NewAuditStoreWithWriter creates a store writing to w.
func NewAuditStoreWithWriter(w io.Writer, capacity ...int) *MemoryAuditStore {
	c := resolveCapacity(capacity...)
	return &MemoryAuditStore{
		encoder: json.NewEncoder(w),
		writer:  w,
		recent:  make([]audit.AuditRecord, 0, c),
		cap:     c,
	}
}

// Append writes each record as one JSON line and retains it in the ring.
func (s *MemoryAuditStore) Append(ctx context.Context, records ...audit.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		if err := s.encoder.Encode(r); err != nil {
			return err
		}
		if len(s.recent) >= s.cap {
			copy(s.recent, s.recent[1:])
			s.recent[len(s.recent)-1] = r
		} else {
			s.recent = append(s.recent, r)
		}
	}
	return nil
}

// Flush is a no-op: every Append writes through.
func (s *MemoryAuditStore) Flush(ctx context.Context) error {
	return nil
}

// Close closes the underlying file when the writer is one (and is not a
// standard stream).
func (s *MemoryAuditStore) Close() error {
	if f, ok := s.writer.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		return f.Close()
	}
	return nil
}

// GetRecent returns the n most recent records, newest first.
func (s *MemoryAuditStore) GetRecent(n int) []audit.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(s.recent)
	if n > total {
		n = total
	}
	if n == 0 {
		return nil
	}
	result := make([]audit.AuditRecord, n)
	for i := 0; i < n; i++ {
		result[i] = s.recent[total-1-i]
	}
	return result
}

// Query returns ring records matching the filter, newest first. The ring is
// bounded, so this is a recent-history view, not a full-archive query.
func (s *MemoryAuditStore) Query(ctx context.Context, filter audit.AuditFilter) ([]audit.AuditRecord, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	var result []audit.AuditRecord
	for i := len(s.recent) - 1; i >= 0 && len(result) < limit; i-- {
		if matchesFilter(s.recent[i], filter) {
			result = append(result, s.recent[i])
		}
	}
	return result, "", nil
}

func matchesFilter(rec audit.AuditRecord, filter audit.AuditFilter) bool {
	if !filter.From.IsZero() && rec.Timestamp.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && rec.Timestamp.After(filter.To) {
		return false
	}
	if filter.Decision != "" && !strings.EqualFold(rec.Decision, filter.Decision) {
		return false
	}
	if filter.Engine != "" && !strings.EqualFold(rec.Engine, filter.Engine) {
		return false
	}
	if filter.Resource != "" && rec.Resource != filter.Resource {
		return false
	}
	if filter.Agent != "" && rec.Agent != filter.Agent {
		return false
	}
	if filter.SessionID != "" && rec.SessionID != filter.SessionID {
		return false
	}
	return true
}

// QueryStats aggregates the ring records inside [from, to].
func (s *MemoryAuditStore) QueryStats(ctx context.Context, from, to time.Time) (*audit.AuditStats, error) {
	if !from.IsZero() && !to.IsZero() && to.Sub(from) > 7*24*time.Hour {
		return nil, audit.ErrDateRangeExceeded
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &audit.AuditStats{
		ByResource: make(map[string]audit.ResourceStats),
		ByDecision: make(map[string]int64),
		ByEngine:   make(map[string]int64),
	}
	agents := make(map[string]struct{})
	sessions := make(map[string]struct{})

	for _, rec := range s.recent {
		if !from.IsZero() && rec.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && rec.Timestamp.After(to) {
			continue
		}

		stats.TotalDecisions++
		agents[rec.Agent] = struct{}{}
		if rec.SessionID != "" {
			sessions[rec.SessionID] = struct{}{}
		}
		stats.ByDecision[rec.Decision]++
		if rec.Engine != "" {
			stats.ByEngine[rec.Engine]++
		}

		rs := stats.ByResource[rec.Resource]
		rs.Calls++
		switch rec.Decision {
		case audit.DecisionPermit:
			rs.Permitted++
		default:
			rs.Denied++
		}
		stats.ByResource[rec.Resource] = rs
	}

	stats.UniqueAgents = int64(len(agents))
	stats.UniqueSessions = int64(len(sessions))
	return stats, nil
}

var (
	_ audit.AuditStore      = (*MemoryAuditStore)(nil)
	_ audit.AuditQueryStore = (*MemoryAuditStore)(nil)
)
