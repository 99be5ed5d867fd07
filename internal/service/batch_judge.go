package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/policygate/gateway/internal/domain/decision"
	"github.com/policygate/gateway/internal/domain/judge"
)

// BatchCapableJudge adjudicates many requests in a single call, amortizing
// the fixed cost of an AI model invocation across concurrent evaluations.
type BatchCapableJudge interface {
	EvaluateBatch(ctx context.Context, reqs []judge.Request) ([]judge.Result, error)
}

// pendingJudgeRequest is one caller's request awaiting the next batch flush.
type pendingJudgeRequest struct {
	req    judge.Request
	respCh chan judgeResponse
}

type judgeResponse struct {
	result judge.Result
	err    error
}

// BatchJudge implements judge.Judge on top of a BatchCapableJudge, grouping
// concurrent Evaluate calls into batches the same way AuditService groups
// audit records: a buffered channel feeds a single worker that flushes on
// batch-size or flush-interval, whichever comes first. Unlike AuditService,
// each caller here is waiting synchronously on an individual result, so the
// worker fans results back out over a per-request response channel while
// preserving each caller's own timeout.
type BatchJudge struct {
	underlying BatchCapableJudge
	logger     *slog.Logger

	queue         chan pendingJudgeRequest
	done          chan struct{}
	wg            sync.WaitGroup
	batchSize     int
	flushInterval time.Duration
}

// BatchJudgeOption configures a BatchJudge.
type BatchJudgeOption func(*BatchJudge)

// WithJudgeBatchSize sets the number of requests collected before flushing.
func WithJudgeBatchSize(n int) BatchJudgeOption {
	return func(b *BatchJudge) { b.batchSize = n }
}

// WithJudgeFlushInterval sets the maximum time a request waits for its batch
// to fill before being flushed anyway.
func WithJudgeFlushInterval(d time.Duration) BatchJudgeOption {
	return func(b *BatchJudge) { b.flushInterval = d }
}

// WithJudgeQueueSize sets the pending-request queue buffer size.
func WithJudgeQueueSize(n int) BatchJudgeOption {
	return func(b *BatchJudge) { b.queue = make(chan pendingJudgeRequest, n) }
}

// NewBatchJudge wraps underlying with batching. Defaults: batch size 16,
// flush interval 50ms, queue size 256, matching the gateway's default
// Batch.MaxSize/MaxWaitMs configuration.
func NewBatchJudge(underlying BatchCapableJudge, logger *slog.Logger, opts ...BatchJudgeOption) *BatchJudge {
	b := &BatchJudge{
		underlying:    underlying,
		logger:        logger,
		queue:         make(chan pendingJudgeRequest, 256),
		done:          make(chan struct{}),
		batchSize:     16,
		flushInterval: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start spawns the batching worker.
func (b *BatchJudge) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.worker(ctx)
}

// Stop closes the queue and waits for any in-flight batch to finish.
func (b *BatchJudge) Stop() {
	close(b.queue)
	b.wg.Wait()
}

// Evaluate implements judge.Judge. It enqueues the request and blocks until
// the batch containing it has been adjudicated or ctx is done, whichever
// comes first — each caller's own timeout is independent of the batch's.
func (b *BatchJudge) Evaluate(ctx context.Context, req judge.Request) (judge.Result, error) {
	p := pendingJudgeRequest{req: req, respCh: make(chan judgeResponse, 1)}

	select {
	case b.queue <- p:
	case <-ctx.Done():
		return judge.Result{Outcome: decision.Indeterminate}, ctx.Err()
	}

	select {
	case resp := <-p.respCh:
		return resp.result, resp.err
	case <-ctx.Done():
		return judge.Result{Outcome: decision.Indeterminate}, ctx.Err()
	}
}

func (b *BatchJudge) worker(ctx context.Context) {
	defer b.wg.Done()

	batch := make([]pendingJudgeRequest, 0, b.batchSize)
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case p, ok := <-b.queue:
			if !ok {
				b.flush(context.Background(), batch)
				return
			}
			batch = append(batch, p)
			if len(batch) >= b.batchSize {
				b.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ctx.Done():
			b.flush(context.Background(), batch)
			return
		}
	}
}

func (b *BatchJudge) flush(ctx context.Context, batch []pendingJudgeRequest) {
	if len(batch) == 0 {
		return
	}

	reqs := make([]judge.Request, len(batch))
	for i, p := range batch {
		reqs[i] = p.req
	}

	results, err := b.underlying.EvaluateBatch(ctx, reqs)
	if err != nil {
		b.logger.Error("batch judge evaluation failed", "error", err, "batch_size", len(batch))
		for _, p := range batch {
			p.respCh <- judgeResponse{result: judge.Result{Outcome: decision.Indeterminate}, err: err}
		}
		return
	}

	for i, p := range batch {
		if i >= len(results) {
			p.respCh <- judgeResponse{
				result: judge.Result{Outcome: decision.Indeterminate, Reason: "missing batch result"},
			}
			continue
		}
		p.respCh <- judgeResponse{result: results[i]}
	}
}
