package cache

import (
	"math"
	"sync"
	"time"

	"waveforge/internal/metrics"
)

// DefaultRetrievalTTL is short: retrieval targets volatile corpora, and a
// stale context snippet is worse than a repeated lookup.
const DefaultRetrievalTTL = time.Hour

// SimilarityFloor is the minimum cosine similarity for a near-match to
// stand in for an exact hit.
const SimilarityFloor = 0.95

// RetrievalResult is one retrieved context snippet.
type RetrievalResult struct {
	ID      string
	Content string
	Score   float64
}

type retrievalEntry struct {
	results      []RetrievalResult
	embedding    []float32
	createdAt    time.Time
	masterplanID string
}

// RetrievalCache caches retrieval results by exact query hash, with a
// cosine-similarity fallback on miss when the query has an embedding.
// Similarity search is linear over the masterplan's entries, used only on
// miss; entry counts stay small at the short TTL.
type RetrievalCache struct {
	mu      sync.RWMutex
	entries map[[32]byte]retrievalEntry
	ttl     time.Duration
	met     *metrics.Metrics
	now     func() time.Time
}

// NewRetrievalCache builds a cache (ttl 0 means DefaultRetrievalTTL).
func NewRetrievalCache(ttl time.Duration, met *metrics.Metrics) *RetrievalCache {
	if ttl <= 0 {
		ttl = DefaultRetrievalTTL
	}
	return &RetrievalCache{
		entries: make(map[[32]byte]retrievalEntry),
		ttl:     ttl,
		met:     met,
		now:     time.Now,
	}
}

// WithClock overrides the TTL clock for tests.
func (c *RetrievalCache) WithClock(now func() time.Time) *RetrievalCache {
	c.now = now
	return c
}

// Get returns cached results for the query. On exact miss, when embedding
// is non-nil, the nearest fresh entry within the same masterplan at cosine
// similarity >= SimilarityFloor is returned instead.
func (c *RetrievalCache) Get(masterplanID, query string, topK int, embedding []float32) ([]RetrievalResult, bool) {
	key := RetrievalKey(query, topK)
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	if e, ok := c.entries[key]; ok && now.Sub(e.createdAt) < c.ttl {
		c.hit()
		return e.results, true
	}

	if embedding != nil {
		bestSim := 0.0
		var best *retrievalEntry
		for k := range c.entries {
			e := c.entries[k]
			if e.masterplanID != masterplanID || e.embedding == nil {
				continue
			}
			if now.Sub(e.createdAt) >= c.ttl {
				continue
			}
			if sim := cosine(embedding, e.embedding); sim > bestSim {
				bestSim = sim
				best = &e
			}
		}
		if best != nil && bestSim >= SimilarityFloor {
			c.hit()
			return best.results, true
		}
	}

	if c.met != nil {
		c.met.CacheMisses.WithLabelValues("retrieval").Inc()
	}
	return nil, false
}

func (c *RetrievalCache) hit() {
	if c.met != nil {
		c.met.CacheHits.WithLabelValues("retrieval").Inc()
	}
}

// Put stores results after a successful retrieval.
func (c *RetrievalCache) Put(masterplanID, query string, topK int, embedding []float32, results []RetrievalResult) {
	key := RetrievalKey(query, topK)
	c.mu.Lock()
	c.entries[key] = retrievalEntry{
		results:      results,
		embedding:    embedding,
		createdAt:    c.now(),
		masterplanID: masterplanID,
	}
	c.mu.Unlock()
	if c.met != nil {
		c.met.CacheWrites.WithLabelValues("retrieval").Inc()
	}
}

// InvalidateMasterplan drops every entry tagged with the masterplan.
func (c *RetrievalCache) InvalidateMasterplan(masterplanID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if e.masterplanID == masterplanID {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// cosine computes cosine similarity; mismatched lengths score zero.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
