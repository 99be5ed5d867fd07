// Package service contains application services.
package service

import (
	"sync/atomic"
)

// StatsService tracks running decision counts with lock-free atomic counters.
// It backs the health endpoint's at-a-glance numbers; the audit query store
// owns the richer windowed aggregates.
type StatsService struct {
	permitted   atomic.Int64
	denied      atomic.Int64
	rateLimited atomic.Int64
	errors      atomic.Int64
}

// NewStatsService creates a StatsService with zeroed counters.
func NewStatsService() *StatsService {
	return &StatsService{}
}

// RecordPermit counts a permitted request.
func (s *StatsService) RecordPermit() {
	s.permitted.Add(1)
}

// RecordDeny counts a denied request.
func (s *StatsService) RecordDeny() {
	s.denied.Add(1)
}

// RecordRateLimited counts a request rejected by rate limiting.
func (s *StatsService) RecordRateLimited() {
	s.rateLimited.Add(1)
}

// RecordError counts an internal error.
func (s *StatsService) RecordError() {
	s.errors.Add(1)
}

// Stats is a point-in-time snapshot of the counters.
type Stats struct {
	Permitted   int64 `json:"permitted"`
	Denied      int64 `json:"denied"`
	RateLimited int64 `json:"rate_limited"`
	Errors      int64 `json:"errors"`
}

// GetStats snapshots all counters. Each counter is read atomically but the
// snapshot as a whole is not a single atomic read.
func (s *StatsService) GetStats() Stats {
	return Stats{
		Permitted:   s.permitted.Load(),
		Denied:      s.denied.Load(),
		RateLimited: s.rateLimited.Load(),
		Errors:      s.errors.Load(),
	}
}

// Reset zeroes all counters.
func (s *StatsService) Reset() {
	s.permitted.Store(0)
	s.denied.Store(0)
	s.rateLimited.Store(0)
	s.errors.Store(0)
}
