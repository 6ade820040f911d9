package cache

import (
	"context"
	"time"

	"waveforge/internal/generator"
	"waveforge/internal/metrics"
)

// CachingGenerator fronts a generator with the exact-match prompt cache and,
// optionally, the request batcher. Hit path: canonicalize, look up, return at
// zero cost. Miss path: one upstream call (batched when a batcher is wired),
// then one Put iff the call succeeded. It satisfies generator.Generator so
// the retry loop stays oblivious to caching.
type CachingGenerator struct {
	prompts *PromptCache
	batcher *Batcher
	inner   generator.Generator
	met     *metrics.Metrics
}

// NewCachingGenerator wires the stack. batcher may be nil to call inner
// directly on every miss; met may be nil.
func NewCachingGenerator(prompts *PromptCache, batcher *Batcher, inner generator.Generator, met *metrics.Metrics) *CachingGenerator {
	return &CachingGenerator{prompts: prompts, batcher: batcher, inner: inner, met: met}
}

func (c *CachingGenerator) Invoke(ctx context.Context, req generator.Request) (generator.Response, error) {
	canonical := CanonicalizePrompt(req.Prompt)
	start := time.Now()

	if resp, ok := c.prompts.Get(req.Model, req.Temperature, canonical); ok {
		c.observe(start, true)
		return resp, nil
	}

	var resp generator.Response
	var err error
	if c.batcher != nil {
		resp, err = c.batcher.Submit(ctx, req)
	} else {
		resp, err = c.inner.Invoke(ctx, req)
	}
	c.observe(start, false)
	if err != nil {
		return generator.Response{}, err
	}

	c.prompts.Put(req.MasterplanID, req.Model, req.Temperature, canonical, resp, resp.CostUSD)
	return resp, nil
}

func (c *CachingGenerator) observe(start time.Time, cached bool) {
	if c.met == nil {
		return
	}
	label := "false"
	if cached {
		label = "true"
	}
	c.met.LLMRequestMS.WithLabelValues(label).Observe(float64(time.Since(start).Milliseconds()))
}
