package memory

import (
	"regexp"
	"testing"
	"time"

	"github.com/policygate/gateway/internal/domain/decision"
)

func testContext(agent, action, resource string, trust float64) decision.DecisionContext {
	return decision.DecisionContext{
		Agent:       agent,
		Action:      action,
		Resource:    resource,
		AgentType:   "human",
		TrustScore:  trust,
		RequestTime: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDecisionCache_PutGetRoundTrip(t *testing.T) {
	t.Parallel()

	c := NewDecisionCache(10)
	dc := testContext("agent-1", "read", "file://a", 0.9)
	key, raw := Key(dc, "v1")
	if raw == "" {
		t.Fatal("expected non-empty raw key")
	}

	pd := decision.PolicyDecision{Outcome: decision.Permit, Confidence: 1.0, Engine: decision.EngineRule}
	c.Put(key, raw, pd, time.Minute)

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Outcome != decision.Permit {
		t.Errorf("Outcome = %v, want Permit", got.Outcome)
	}
	if got.Engine != decision.EngineCache {
		t.Errorf("Engine = %v, want EngineCache (cache must stamp its own provenance)", got.Engine)
	}
}

func TestDecisionCache_KeyIgnoresPurpose(t *testing.T) {
	t.Parallel()

	dc1 := testContext("agent-1", "read", "file://a", 0.9)
	dc1.Purpose = "quarterly report"
	dc2 := testContext("agent-1", "read", "file://a", 0.9)
	dc2.Purpose = "ad-hoc audit"

	k1, _ := Key(dc1, "v1")
	k2, _ := Key(dc2, "v1")
	if k1 != k2 {
		t.Error("expected purpose to be excluded from the cache key")
	}
}

func TestDecisionCache_KeyChangesWithMinuteBucket(t *testing.T) {
	t.Parallel()

	dc1 := testContext("agent-1", "read", "file://a", 0.9)
	dc2 := dc1
	dc2.RequestTime = dc1.RequestTime.Add(2 * time.Minute)

	k1, _ := Key(dc1, "v1")
	k2, _ := Key(dc2, "v1")
	if k1 == k2 {
		t.Error("expected distinct minute buckets to produce distinct keys")
	}
}

func TestDecisionCache_ExpiresByTTL(t *testing.T) {
	t.Parallel()

	c := NewDecisionCache(10)
	dc := testContext("agent-1", "read", "file://a", 0.9)
	key, raw := Key(dc, "v1")

	// Confidence 0 collapses ttl to the 1-second floor; sleep past it.
	c.Put(key, raw, decision.PolicyDecision{Outcome: decision.Permit, Confidence: 0}, 2*time.Millisecond)
	time.Sleep(1100 * time.Millisecond)

	if _, ok := c.Get(key); ok {
		t.Error("expected entry to have expired")
	}
}

func TestDecisionCache_EvictsSweepOnOverflow(t *testing.T) {
	t.Parallel()

	c := NewDecisionCache(10)
	for i := 0; i < 11; i++ {
		dc := testContext("agent-1", "read", "file://a", 0.9)
		dc.RequestTime = dc.RequestTime.Add(time.Duration(i) * time.Minute)
		key, raw := Key(dc, "v1")
		c.Put(key, raw, decision.PolicyDecision{Outcome: decision.Permit, Confidence: 1.0}, time.Minute)
	}

	if c.Len() >= 11 {
		t.Fatalf("Len() = %d, expected a batch eviction once capacity was exceeded", c.Len())
	}
	// A single overflowing Put must evict more than just the one displaced
	// entry (the 20%-sweep amortization in §4.4.1), not trim to exactly maxSize-1.
	if c.Len() > 9 {
		t.Errorf("Len() = %d, expected the LRU sweep to evict roughly 20%% of capacity", c.Len())
	}
}

func TestDecisionCache_LRUOrderingSurvivesGet(t *testing.T) {
	t.Parallel()

	c := NewDecisionCache(2)
	dcA := testContext("agent-a", "read", "file://a", 0.9)
	dcB := testContext("agent-b", "read", "file://b", 0.9)
	keyA, rawA := Key(dcA, "v1")
	keyB, rawB := Key(dcB, "v1")

	c.Put(keyA, rawA, decision.PolicyDecision{Outcome: decision.Permit, Confidence: 1.0}, time.Minute)
	c.Put(keyB, rawB, decision.PolicyDecision{Outcome: decision.Permit, Confidence: 1.0}, time.Minute)

	// Touch A so it is most-recently-used, then force an eviction.
	if _, ok := c.Get(keyA); !ok {
		t.Fatal("expected A to be cached")
	}
	dcC := testContext("agent-c", "read", "file://c", 0.9)
	keyC, rawC := Key(dcC, "v1")
	c.Put(keyC, rawC, decision.PolicyDecision{Outcome: decision.Permit, Confidence: 1.0}, time.Minute)

	if _, ok := c.Get(keyA); !ok {
		t.Error("A was recently touched and should have survived eviction")
	}
}

func TestDecisionCache_InvalidateByPattern(t *testing.T) {
	t.Parallel()

	c := NewDecisionCache(10)
	dcA := testContext("agent-a", "read", "file://a", 0.9)
	dcB := testContext("agent-b", "read", "file://b", 0.9)
	keyA, rawA := Key(dcA, "v1")
	keyB, rawB := Key(dcB, "v1")

	c.Put(keyA, rawA, decision.PolicyDecision{Outcome: decision.Permit}, time.Minute)
	c.Put(keyB, rawB, decision.PolicyDecision{Outcome: decision.Permit}, time.Minute)

	removed := c.InvalidateByPattern(regexp.MustCompile(`^agent-a\|`))
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := c.Get(keyA); ok {
		t.Error("agent-a entry should have been invalidated")
	}
	if _, ok := c.Get(keyB); !ok {
		t.Error("agent-b entry should be unaffected")
	}
}

func TestDecisionCache_InvalidateAll(t *testing.T) {
	t.Parallel()

	c := NewDecisionCache(10)
	dc := testContext("agent-1", "read", "file://a", 0.9)
	key, raw := Key(dc, "v1")
	c.Put(key, raw, decision.PolicyDecision{Outcome: decision.Permit}, time.Minute)

	c.InvalidateAll()

	if c.Len() != 0 {
		t.Errorf("Len() = %d after InvalidateAll, want 0", c.Len())
	}
	if _, ok := c.Get(key); ok {
		t.Error("expected cache to be empty after InvalidateAll")
	}
}
