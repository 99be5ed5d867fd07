// Package anomaly implements advisory-only behavioral anomaly detection over
// the decision stream: elevated denial rates and bursts of access to
// resources an agent has not touched before. It reuses MemoryRateLimiter's
// mutex-guarded per-key state idiom
// (internal/adapter/outbound/memory/rate_limiter.go), generalized from
// request-rate limiting (which blocks) to anomaly scoring (which only
// alerts; it never itself denies an action).
package anomaly

import (
	"strconv"
	"sync"
	"time"

	"github.com/policygate/gateway/internal/domain/decision"
)

// Alert is an advisory signal that an agent's recent behavior looks unusual.
// Nothing in this package blocks on an Alert; consumers (logging, the audit
// sink, an operator dashboard) decide what, if anything, to do about it.
type Alert struct {
	Agent  string
	Reason string
	Detail string
	At     time.Time
}

// Config tunes detection thresholds.
type Config struct {
	// Window bounds how far back denial and resource events are considered.
	Window time.Duration
	// DenialThreshold is the number of denials within Window that triggers
	// an elevated-denial-rate alert.
	DenialThreshold int
	// NovelResourceThreshold is the number of distinct never-before-seen
	// resources accessed within Window that triggers a novel-access alert.
	NovelResourceThreshold int
	// CleanupInterval controls how often idle agent windows are evicted.
	CleanupInterval time.Duration
	// MaxIdle is how long an agent window may sit unused before eviction.
	MaxIdle time.Duration
}

// DefaultConfig returns reasonable advisory thresholds.
func DefaultConfig() Config {
	return Config{
		Window:                 5 * time.Minute,
		DenialThreshold:        10,
		NovelResourceThreshold: 5,
		CleanupInterval:        10 * time.Minute,
		MaxIdle:                1 * time.Hour,
	}
}

// agentWindow tracks one agent's recent activity.
type agentWindow struct {
	denials        []time.Time
	novelAccesses  []time.Time
	knownResources map[string]bool
	lastSeen       time.Time
}

// Detector tracks per-agent sliding windows of denials and novel resource
// access, emitting advisory Alerts on the Alerts() channel.
type Detector struct {
	mu      sync.Mutex
	windows map[string]*agentWindow
	cfg     Config

	alerts   chan Alert
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewDetector creates a Detector with the given configuration.
func NewDetector(cfg Config) *Detector {
	if cfg.Window <= 0 {
		cfg = DefaultConfig()
	}
	return &Detector{
		windows:  make(map[string]*agentWindow),
		cfg:      cfg,
		alerts:   make(chan Alert, 100),
		stopChan: make(chan struct{}),
	}
}

// Alerts returns the channel advisory alerts are published on.
func (d *Detector) Alerts() <-chan Alert {
	return d.alerts
}

// Record registers a decision outcome for an agent/resource pair.
func (d *Detector) Record(dc decision.DecisionContext, outcome decision.Outcome) {
	now := dc.RequestTime
	if now.IsZero() {
		now = time.Now()
	}

	d.mu.Lock()
	w := d.windows[dc.Agent]
	if w == nil {
		w = &agentWindow{knownResources: make(map[string]bool)}
		d.windows[dc.Agent] = w
	}
	w.lastSeen = now

	if outcome == decision.Deny {
		w.denials = appendWithinWindow(w.denials, now, d.cfg.Window)
	}

	novel := !w.knownResources[dc.Resource]
	w.knownResources[dc.Resource] = true
	if novel {
		w.novelAccesses = appendWithinWindow(w.novelAccesses, now, d.cfg.Window)
	}

	denialCount := len(w.denials)
	novelCount := len(w.novelAccesses)
	d.mu.Unlock()

	if denialCount >= d.cfg.DenialThreshold {
		d.publish(Alert{
			Agent:  dc.Agent,
			Reason: "elevated_denial_rate",
			Detail: strconv.Itoa(denialCount) + " denials within window",
			At:     now,
		})
	}
	if novelCount >= d.cfg.NovelResourceThreshold {
		d.publish(Alert{
			Agent:  dc.Agent,
			Reason: "novel_resource_burst",
			Detail: strconv.Itoa(novelCount) + " previously unseen resources within window",
			At:     now,
		})
	}
}

func (d *Detector) publish(a Alert) {
	select {
	case d.alerts <- a:
	default:
		// Alerts are advisory; drop rather than block the caller.
	}
}

// appendWithinWindow appends now and drops entries older than window,
// keeping the slice bounded to recent activity.
func appendWithinWindow(events []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := events[:0]
	for _, t := range events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return append(kept, now)
}

// StartCleanup runs a background goroutine evicting agent windows idle for
// longer than cfg.MaxIdle, mirroring MemoryRateLimiter's cleanup loop.
func (d *Detector) StartCleanup() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopChan:
				return
			case <-ticker.C:
				d.cleanup()
			}
		}
	}()
}

func (d *Detector) cleanup() {
	cutoff := time.Now().Add(-d.cfg.MaxIdle)
	d.mu.Lock()
	defer d.mu.Unlock()
	for agent, w := range d.windows {
		if w.lastSeen.Before(cutoff) {
			delete(d.windows, agent)
		}
	}
}

// Stop halts the cleanup goroutine.
func (d *Detector) Stop() {
	d.once.Do(func() { close(d.stopChan) })
	d.wg.Wait()
}
