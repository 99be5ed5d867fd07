// Package http provides the HTTP transport adapter for the proxy.
package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus series, shared with every component
// that records them.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveSessions  prometheus.Gauge

	// PolicyDecisions counts pipeline outcomes by engine and decision, the
	// primary series for watching denial rates and engine mix.
	PolicyDecisions *prometheus.CounterVec
	// CircuitBreakerState exports each (upstream, method) breaker position:
	// 0 closed, 1 half-open, 2 open.
	CircuitBreakerState *prometheus.GaugeVec
	// CacheHitRatio is the decision cache's rolling hit ratio in [0,1].
	CacheHitRatio prometheus.Gauge
	// ObligationFailures counts executor failures by executor name.
	ObligationFailures *prometheus.CounterVec

	AuditDropsTotal prometheus.Counter
	RateLimitKeys   prometheus.Gauge
}

// NewMetrics creates and registers all series with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "policygate",
				Name:      "requests_total",
				Help:      "Total number of MCP requests processed",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "policygate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "policygate",
				Name:      "active_sessions",
				Help:      "Number of active sessions",
			},
		),
		PolicyDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "policygate",
				Name:      "policy_decisions_total",
				Help:      "Policy decisions by producing engine and outcome",
			},
			[]string{"engine", "decision"},
		),
		CircuitBreakerState: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "policygate",
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per upstream and method (0 closed, 1 half-open, 2 open)",
			},
			[]string{"upstream", "method"},
		),
		CacheHitRatio: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "policygate",
				Name:      "cache_hit_ratio",
				Help:      "Decision cache hit ratio",
			},
		),
		ObligationFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "policygate",
				Name:      "obligation_failures_total",
				Help:      "Obligation executor failures by executor",
			},
			[]string{"executor"},
		),
		AuditDropsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "policygate",
				Name:      "audit_drops_total",
				Help:      "Total audit records dropped due to backpressure",
			},
		),
		RateLimitKeys: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "policygate",
				Name:      "rate_limit_keys",
				Help:      "Number of active rate limit keys",
			},
		),
	}
}
