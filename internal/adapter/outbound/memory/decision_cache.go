package memory

import (
	"fmt"
	"math"
	"regexp"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/policygate/gateway/internal/domain/decision"
)

// cacheEntry is a doubly-linked list node for the decision cache's LRU
// eviction, carrying a per-entry expiry derived from the decision's
// confidence.
type cacheEntry struct {
	key      uint64
	raw      string // pre-hash key text, retained only for InvalidateByPattern
	decision decision.PolicyDecision
	expires  time.Time
	prev     *cacheEntry
	next     *cacheEntry
}

// DecisionCache is an in-memory, TTL-aware LRU cache for PolicyDecision
// results, keyed by a deterministic hash of the fields that fully determine
// a decision: agent, action, resource, agentType, a trust-score bucket
// rounded to the nearest 0.1, the request minute, and a fingerprint of the
// active policy set. Purpose and other environment fields are deliberately
// excluded from the key so that two requests differing only in free-text
// purpose still share a cache entry.
type DecisionCache struct {
	mu      sync.Mutex
	entries map[uint64]*cacheEntry
	head    *cacheEntry
	tail    *cacheEntry
	maxSize int
}

// NewDecisionCache creates a DecisionCache bounded to maxSize entries.
func NewDecisionCache(maxSize int) *DecisionCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &DecisionCache{
		entries: make(map[uint64]*cacheEntry, maxSize),
		maxSize: maxSize,
	}
}

// Key computes the deterministic cache key for a DecisionContext and the
// fingerprint of the policy set that was consulted, returning both its
// hashed form (used for map lookups) and its raw text form (retained only
// so InvalidateByPattern can match against it later).
func Key(dc decision.DecisionContext, policySetFingerprint string) (hash uint64, raw string) {
	bucket := math.Round(dc.TrustScore*10) / 10
	minute := dc.RequestTime.UTC().Truncate(time.Minute).Unix()

	raw = fmt.Sprintf("%s|%s|%s|%s|%.1f|%d|%s",
		dc.Agent, dc.Action, dc.Resource, dc.AgentType, bucket, minute, policySetFingerprint)
	h := xxhash.New()
	h.WriteString(raw)
	return h.Sum64(), raw
}

// Get returns a cached decision if present and not expired.
func (c *DecisionCache) Get(key uint64) (decision.PolicyDecision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return decision.PolicyDecision{}, false
	}
	if time.Now().After(e.expires) {
		c.unlinkLocked(e)
		delete(c.entries, key)
		return decision.PolicyDecision{}, false
	}
	c.moveToHeadLocked(e)
	cached := e.decision
	cached.Engine = decision.EngineCache
	return cached, true
}

// Put stores a decision with a TTL derived from its confidence: higher
// confidence decisions are cached longer, up to maxTTL. raw is the
// pre-hash key text returned alongside key by Key, kept only so
// InvalidateByPattern can later match against it.
func (c *DecisionCache) Put(key uint64, raw string, d decision.PolicyDecision, maxTTL time.Duration) {
	if maxTTL <= 0 {
		return
	}
	ttl := time.Duration(float64(maxTTL) * clamp01(d.Confidence))
	if ttl < time.Second {
		ttl = time.Second
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.decision = d
		e.expires = time.Now().Add(ttl)
		c.moveToHeadLocked(e)
		return
	}

	e := &cacheEntry{key: key, raw: raw, decision: d, expires: time.Now().Add(ttl)}
	c.entries[key] = e
	c.pushHeadLocked(e)

	if len(c.entries) > c.maxSize {
		c.evictSweepLocked()
	}
}

// InvalidateByPattern removes every entry whose raw key text matches re,
// an O(n) admin operation (see DecisionCache's key-scan contract).
func (c *DecisionCache) InvalidateByPattern(re *regexp.Regexp) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if re.MatchString(e.raw) {
			c.unlinkLocked(e)
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// InvalidateAll drops every cached entry. Called whenever the policy store
// changes, since the policy set fingerprint embedded in every key changes
// too and stale entries would otherwise simply age out of reach.
func (c *DecisionCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*cacheEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

// Len returns the current number of cached entries.
func (c *DecisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (c *DecisionCache) moveToHeadLocked(e *cacheEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *DecisionCache) pushHeadLocked(e *cacheEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *DecisionCache) unlinkLocked(e *cacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else if c.head == e {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else if c.tail == e {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

// evictSweepLocked evicts the least-recently-used 20% of entries in a
// single sweep rather than one entry per overflowing Put, amortizing
// eviction cost across the next several writes.
func (c *DecisionCache) evictSweepLocked() {
	n := len(c.entries) / 5
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		tail := c.tail
		if tail == nil {
			return
		}
		c.unlinkLocked(tail)
		delete(c.entries, tail.key)
	}
}
