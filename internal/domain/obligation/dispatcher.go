package obligation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/policygate/gateway/internal/domain/decision"
)

// Escalation is raised when an obligation exhausts its retries. Callers
// typically feed these into the audit trail or an alerting channel.
type Escalation struct {
	Agent   string
	Duty    decision.Duty
	Attempts int
	Err     error
}

// Dispatcher executes duties attached to PolicyDecisions concurrently and
// asynchronously, off the request hot path. It is grounded on AuditService's
// buffered-channel-plus-worker-pool design (internal/service/audit_service.go),
// generalized from "batch of audit records" to "one obligation per job" since
// obligations are heterogeneous (audit, notify, lifecycle) and each needs its
// own retry/timeout policy rather than a single flush batch.
type Dispatcher struct {
	executors map[string]Executor

	queue chan job
	done  chan struct{}
	wg    sync.WaitGroup

	escalations chan Escalation

	logger *slog.Logger

	workers              int
	maxRetries           int
	retryBackoffBase     time.Duration
	retryBackoffCap      time.Duration
	perObligationTimeout time.Duration

	dropCount atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers sets the number of concurrent dispatch workers.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) { d.workers = n }
}

// WithQueueSize sets the obligation queue buffer size.
func WithQueueSize(size int) Option {
	return func(d *Dispatcher) { d.queue = make(chan job, size) }
}

// WithMaxRetries sets the maximum number of execution attempts per obligation.
func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) { d.maxRetries = n }
}

// WithRetryBackoff sets the base and cap of the exponential retry backoff.
func WithRetryBackoff(base, cap_ time.Duration) Option {
	return func(d *Dispatcher) {
		d.retryBackoffBase = base
		d.retryBackoffCap = cap_
	}
}

// WithObligationTimeout bounds a single execution attempt.
func WithObligationTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.perObligationTimeout = timeout }
}

// NewDispatcher creates a Dispatcher with sensible defaults: 4 workers, a
// 1000-entry queue, 3 attempts with 500ms/10s exponential backoff, and a 5s
// per-attempt timeout.
func NewDispatcher(logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		executors:            make(map[string]Executor),
		queue:                make(chan job, 1000),
		done:                 make(chan struct{}),
		escalations:          make(chan Escalation, 100),
		logger:               logger,
		workers:              4,
		maxRetries:           3,
		retryBackoffBase:     500 * time.Millisecond,
		retryBackoffCap:      10 * time.Second,
		perObligationTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds an executor. Later registrations for the same name replace
// earlier ones.
func (d *Dispatcher) Register(e Executor) {
	d.executors[e.Name()] = e
}

// Start spawns the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Stop closes the queue and waits for in-flight obligations to finish.
func (d *Dispatcher) Stop() {
	close(d.queue)
	d.wg.Wait()
}

// Dispatch enqueues every duty on the decision for asynchronous execution.
// It never blocks the caller beyond a non-blocking channel send; a full
// queue drops the obligation and increments the drop counter rather than
// stalling the proxy hot path.
func (d *Dispatcher) Dispatch(dc decision.DecisionContext, pd decision.PolicyDecision, duties []decision.Duty) {
	for _, duty := range duties {
		j := job{dc: dc, pd: pd, duty: duty}
		select {
		case d.queue <- j:
		default:
			d.dropCount.Add(1)
			d.logger.Warn("obligation dropped, queue full", "duty", duty.Name, "agent", dc.Agent)
		}
	}
}

// Escalations returns the channel obligation-exhaustion escalations are
// published on. Callers should drain it (e.g. into the audit sink).
func (d *Dispatcher) Escalations() <-chan Escalation {
	return d.escalations
}

// DroppedObligations returns the number of obligations dropped due to a full queue.
func (d *Dispatcher) DroppedObligations() int64 {
	return d.dropCount.Load()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case j, ok := <-d.queue:
			if !ok {
				return
			}
			d.run(ctx, j)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, j job) {
	exec := d.resolve(j.duty.Name)
	if exec == nil {
		d.logger.Warn("no executor registered for duty", "duty", j.duty.Name)
		return
	}

	var lastErr error
	for attempt := 0; attempt < d.maxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, d.perObligationTimeout)
		err := exec.Execute(attemptCtx, j.dc, j.pd, j.duty)
		cancel()
		if err == nil {
			return
		}
		lastErr = err

		delay := d.backoffDelay(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}

	d.logger.Error("obligation exhausted retries", "duty", j.duty.Name, "agent", j.dc.Agent, "error", lastErr)
	select {
	case d.escalations <- Escalation{Agent: j.dc.Agent, Duty: j.duty, Attempts: d.maxRetries, Err: lastErr}:
	default:
		d.logger.Error("obligation escalation dropped, channel full", "duty", j.duty.Name)
	}
}

// backoffDelay computes min(base * 2^attempt, cap), matching the upstream
// reconnection backoff formula used elsewhere in the gateway.
func (d *Dispatcher) backoffDelay(attempt int) time.Duration {
	delay := d.retryBackoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > d.retryBackoffCap {
			return d.retryBackoffCap
		}
	}
	if delay > d.retryBackoffCap {
		return d.retryBackoffCap
	}
	return delay
}

// resolve finds the executor claiming a duty name, matching either the full
// name or the portion before a ":" parameter separator (e.g. "purge_after:24h"
// is claimed by an executor named "purge_after").
func (d *Dispatcher) resolve(dutyName string) Executor {
	if e, ok := d.executors[dutyName]; ok {
		return e
	}
	if idx := strings.IndexByte(dutyName, ':'); idx >= 0 {
		if e, ok := d.executors[dutyName[:idx]]; ok {
			return e
		}
	}
	return nil
}
