package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/policygate/gateway/internal/domain/audit"
	"go.uber.org/goleak"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// trackingStore counts appended records and flush calls.
type trackingStore struct {
	mu      sync.Mutex
	records []audit.AuditRecord
	appends atomic.Int64
	delay   time.Duration
}

func (m *trackingStore) Append(ctx context.Context, records ...audit.AuditRecord) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	m.records = append(m.records, records...)
	m.mu.Unlock()
	m.appends.Add(1)
	return nil
}

func (m *trackingStore) Flush(ctx context.Context) error { return nil }
func (m *trackingStore) Close() error                    { return nil }

func (m *trackingStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func auditRecord(i int) audit.AuditRecord {
	return audit.AuditRecord{
		ID:        fmt.Sprintf("rec-%d", i),
		Timestamp: time.Now(),
		Agent:     "agent-1",
		Resource:  fmt.Sprintf("tool_%d", i),
		Decision:  audit.DecisionPermit,
	}
}

func TestAuditServiceFlushesOnBatchSize(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &trackingStore{}
	svc := NewAuditService(store, discardLogger(),
		WithBatchSize(5),
		WithFlushInterval(time.Hour), // only batch size should trigger
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 5; i++ {
		svc.Record(auditRecord(i))
	}

	deadline := time.After(2 * time.Second)
	for store.count() < 5 {
		select {
		case <-deadline:
			t.Fatalf("batch never flushed: %d records written", store.count())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	svc.Stop()
}

func TestAuditServiceFlushesOnInterval(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &trackingStore{}
	svc := NewAuditService(store, discardLogger(),
		WithBatchSize(1000), // interval must be the trigger
		WithFlushInterval(20*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	svc.Record(auditRecord(0))

	deadline := time.After(2 * time.Second)
	for store.count() < 1 {
		select {
		case <-deadline:
			t.Fatal("interval flush never happened")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	svc.Stop()
}

func TestAuditServiceDropsOnOverflow(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &trackingStore{delay: 50 * time.Millisecond}
	svc := NewAuditService(store, discardLogger(),
		WithChannelSize(2),
		WithSendTimeout(5*time.Millisecond),
		WithBatchSize(1),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 10; i++ {
		svc.Record(auditRecord(i))
	}

	time.Sleep(150 * time.Millisecond)

	if svc.DroppedRecords() == 0 {
		t.Error("expected drops with a 2-slot buffer and a slow sink")
	}
	if svc.ChannelCapacity() != 2 {
		t.Errorf("ChannelCapacity = %d, want 2", svc.ChannelCapacity())
	}

	cancel()
	svc.Stop()
}

func TestAuditServiceImmediateDropWithoutTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &trackingStore{delay: 100 * time.Millisecond}
	svc := NewAuditService(store, discardLogger(),
		WithChannelSize(1),
		WithSendTimeout(0), // full buffer drops immediately
		WithBatchSize(1),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	start := time.Now()
	for i := 0; i < 20; i++ {
		svc.Record(auditRecord(i))
	}
	elapsed := time.Since(start)

	// Record must never block the hot path when sendTimeout is zero.
	if elapsed > 50*time.Millisecond {
		t.Errorf("Record blocked for %v with zero send timeout", elapsed)
	}

	cancel()
	svc.Stop()
}

func TestAuditServiceStopFlushesPending(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &trackingStore{}
	svc := NewAuditService(store, discardLogger(),
		WithBatchSize(1000),
		WithFlushInterval(time.Hour),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 7; i++ {
		svc.Record(auditRecord(i))
	}

	svc.Stop()

	if got := store.count(); got != 7 {
		t.Errorf("records after Stop = %d, want 7", got)
	}
}

func TestAuditServiceAdaptiveFlushUnderPressure(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &trackingStore{}
	svc := NewAuditService(store, discardLogger(),
		WithChannelSize(10),
		WithBatchSize(1000),
		WithFlushInterval(time.Hour),
		WithAdaptiveFlushThreshold(50),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	// Push the channel past the adaptive threshold; the worker should flush
	// early even though neither batch size nor interval has been reached.
	for i := 0; i < 10; i++ {
		svc.Record(auditRecord(i))
	}

	deadline := time.After(2 * time.Second)
	for store.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("adaptive flush never triggered under pressure")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	svc.Stop()
}

func TestAuditServiceConcurrentRecord(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &trackingStore{}
	svc := NewAuditService(store, discardLogger(),
		WithChannelSize(1000),
		WithBatchSize(10),
		WithFlushInterval(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				svc.Record(auditRecord(n*50 + i))
			}
		}(g)
	}
	wg.Wait()

	svc.Stop()

	if got := store.count() + int(svc.DroppedRecords()); got != 400 {
		t.Errorf("written+dropped = %d, want 400", got)
	}
}
