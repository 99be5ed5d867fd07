package circuit

import (
	"errors"
	"testing"
	"time"
)

func TestRegistry_ClosedAllowsCalls(t *testing.T) {
	t.Parallel()

	r := NewRegistry(DefaultConfig())
	if err := r.Allow("filesystem:read_file"); err != nil {
		t.Fatalf("Allow() = %v, want nil on a fresh breaker", err)
	}
}

func TestRegistry_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	cfg := Config{FailureThreshold: 3, Window: time.Minute, Cooldown: time.Hour}
	r := NewRegistry(cfg)
	key := "filesystem:write_file"

	for i := 0; i < 3; i++ {
		if err := r.Allow(key); err != nil {
			t.Fatalf("call %d: Allow() = %v, want nil before the breaker trips", i, err)
		}
		r.RecordFailure(key)
	}

	if err := r.Allow(key); !errors.Is(err, ErrOpen) {
		t.Errorf("Allow() after %d consecutive failures = %v, want ErrOpen", cfg.FailureThreshold, err)
	}
}

func TestRegistry_SuccessResetsStreak(t *testing.T) {
	t.Parallel()

	cfg := Config{FailureThreshold: 3, Window: time.Minute, Cooldown: time.Hour}
	r := NewRegistry(cfg)
	key := "filesystem:write_file"

	r.RecordFailure(key)
	r.RecordFailure(key)
	r.RecordSuccess(key)
	r.RecordFailure(key)
	r.RecordFailure(key)

	if err := r.Allow(key); err != nil {
		t.Errorf("Allow() = %v, want nil: a success should have reset the consecutive-failure streak", err)
	}
}

func TestRegistry_HalfOpenAfterCooldownAdmitsOneProbe(t *testing.T) {
	t.Parallel()

	cfg := Config{FailureThreshold: 1, Window: time.Minute, Cooldown: 20 * time.Millisecond}
	r := NewRegistry(cfg)
	key := "filesystem:read_file"

	if err := r.Allow(key); err != nil {
		t.Fatalf("Allow() = %v, want nil", err)
	}
	r.RecordFailure(key)

	if err := r.Allow(key); !errors.Is(err, ErrOpen) {
		t.Fatalf("Allow() = %v, want ErrOpen immediately after tripping", err)
	}

	time.Sleep(30 * time.Millisecond)

	if err := r.Allow(key); err != nil {
		t.Errorf("Allow() after cooldown = %v, want nil (single probe admitted)", err)
	}
	if err := r.Allow(key); !errors.Is(err, ErrOpen) {
		t.Errorf("second concurrent Allow() during half-open = %v, want ErrOpen (only one probe at a time)", err)
	}
}

func TestRegistry_HalfOpenProbeSuccessCloses(t *testing.T) {
	t.Parallel()

	cfg := Config{FailureThreshold: 1, Window: time.Minute, Cooldown: 10 * time.Millisecond}
	r := NewRegistry(cfg)
	key := "filesystem:read_file"

	r.RecordFailure(key) // trips open from an implicit closed state
	time.Sleep(20 * time.Millisecond)

	if err := r.Allow(key); err != nil {
		t.Fatalf("probe Allow() = %v, want nil", err)
	}
	r.RecordSuccess(key)

	if got := r.Snapshot(key); got != StateClosed {
		t.Errorf("state after successful probe = %v, want %v", got, StateClosed)
	}
	if err := r.Allow(key); err != nil {
		t.Errorf("Allow() after recovery = %v, want nil", err)
	}
}

func TestRegistry_HalfOpenProbeFailureReopens(t *testing.T) {
	t.Parallel()

	cfg := Config{FailureThreshold: 1, Window: time.Minute, Cooldown: 10 * time.Millisecond}
	r := NewRegistry(cfg)
	key := "filesystem:read_file"

	r.RecordFailure(key)
	time.Sleep(20 * time.Millisecond)

	if err := r.Allow(key); err != nil {
		t.Fatalf("probe Allow() = %v, want nil", err)
	}
	r.RecordFailure(key)

	if got := r.Snapshot(key); got != StateOpen {
		t.Errorf("state after failed probe = %v, want %v", got, StateOpen)
	}
	if err := r.Allow(key); !errors.Is(err, ErrOpen) {
		t.Errorf("Allow() right after a failed probe = %v, want ErrOpen", err)
	}
}

func TestRegistry_FailuresOutsideWindowDoNotAccumulate(t *testing.T) {
	t.Parallel()

	cfg := Config{FailureThreshold: 2, Window: 10 * time.Millisecond, Cooldown: time.Hour}
	r := NewRegistry(cfg)
	key := "filesystem:read_file"

	r.RecordFailure(key)
	time.Sleep(20 * time.Millisecond)
	r.RecordFailure(key)

	if err := r.Allow(key); err != nil {
		t.Errorf("Allow() = %v, want nil: the first failure fell outside the window and should not count", err)
	}
}

func TestRegistry_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	cfg := Config{FailureThreshold: 1, Window: time.Minute, Cooldown: time.Hour}
	r := NewRegistry(cfg)

	r.RecordFailure("upstream-a:tool1")

	if err := r.Allow("upstream-a:tool1"); !errors.Is(err, ErrOpen) {
		t.Errorf("upstream-a:tool1 Allow() = %v, want ErrOpen", err)
	}
	if err := r.Allow("upstream-b:tool1"); err != nil {
		t.Errorf("upstream-b:tool1 Allow() = %v, want nil (independent breaker key)", err)
	}
}
