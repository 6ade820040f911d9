package cache

import (
	"sync"
	"time"

	"waveforge/internal/events"
	"waveforge/internal/generator"
	"waveforge/internal/logging"
	"waveforge/internal/metrics"
)

// DefaultPromptTTL keeps prompt responses for a full working day; prompts
// are deterministic given model and temperature, so long retention is safe.
const DefaultPromptTTL = 24 * time.Hour

type promptEntry struct {
	response     generator.Response
	costSaved    float64
	createdAt    time.Time
	masterplanID string
}

// PromptCache is the exact-match response cache. A hit never issues a
// generator call; a miss is followed by exactly one Put iff the call
// succeeded. Writes are idempotent by key. Safe for concurrent use.
type PromptCache struct {
	mu      sync.RWMutex
	entries map[[32]byte]promptEntry
	ttl     time.Duration
	met     *metrics.Metrics
	emitter *events.Emitter
	now     func() time.Time
}

// NewPromptCache builds a cache with the given TTL (0 means DefaultPromptTTL).
func NewPromptCache(ttl time.Duration, met *metrics.Metrics, emitter *events.Emitter) *PromptCache {
	if ttl <= 0 {
		ttl = DefaultPromptTTL
	}
	return &PromptCache{
		entries: make(map[[32]byte]promptEntry),
		ttl:     ttl,
		met:     met,
		emitter: emitter,
		now:     time.Now,
	}
}

// WithClock overrides the TTL clock for tests.
func (c *PromptCache) WithClock(now func() time.Time) *PromptCache {
	c.now = now
	return c
}

// Get looks up a response. The bool reports a usable (fresh) hit.
func (c *PromptCache) Get(model string, temperature float64, prompt string) (generator.Response, bool) {
	key := PromptKey(model, temperature, prompt)
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.createdAt) < c.ttl {
		if c.met != nil {
			c.met.CacheHits.WithLabelValues("prompt").Inc()
		}
		c.emitter.Emit(events.Event{
			Type:         events.CacheHit,
			MasterplanID: e.masterplanID,
			Payload:      map[string]any{"layer": "prompt", "cost_saved": e.costSaved},
		})
		return e.response, true
	}
	if c.met != nil {
		c.met.CacheMisses.WithLabelValues("prompt").Inc()
	}
	c.emitter.Emit(events.Event{Type: events.CacheMiss, Payload: map[string]any{"layer": "prompt"}})
	return generator.Response{}, false
}

// Put stores a successful response. costSaved is the estimated cost a
// future hit avoids, usually the actual cost of the call just made.
func (c *PromptCache) Put(masterplanID, model string, temperature float64, prompt string, resp generator.Response, costSaved float64) {
	key := PromptKey(model, temperature, prompt)
	c.mu.Lock()
	c.entries[key] = promptEntry{
		response:     resp,
		costSaved:    costSaved,
		createdAt:    c.now(),
		masterplanID: masterplanID,
	}
	c.mu.Unlock()
	if c.met != nil {
		c.met.CacheWrites.WithLabelValues("prompt").Inc()
	}
}

// InvalidateMasterplan drops every entry tagged with the masterplan.
// Called when the plan mutates; stale completions must not leak across
// replans.
func (c *PromptCache) InvalidateMasterplan(masterplanID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if e.masterplanID == masterplanID {
			delete(c.entries, k)
			n++
		}
	}
	if n > 0 {
		logging.Get(logging.CategoryCache).Debugw("prompt cache invalidated",
			"masterplan", masterplanID, "entries", n)
	}
	return n
}

// Len reports live entries, counting expired ones until they are replaced.
func (c *PromptCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
