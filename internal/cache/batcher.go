package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	microbatch "github.com/joeycumines/go-microbatch"

	"waveforge/internal/events"
	"waveforge/internal/generator"
	"waveforge/internal/logging"
	"waveforge/internal/metrics"
	"waveforge/internal/types"
)

// batchSentinel separates prompts inside one batched generator call and is
// what the combined response is split back on.
const batchSentinel = "\n-----8<----- WAVEFORGE BATCH BOUNDARY -----8<-----\n"

// batchJob carries one request through the batcher. Results are written
// back through the pointer, per the microbatch contract.
type batchJob struct {
	req  generator.Request
	resp generator.Response
	err  error
}

// Batcher groups concurrent prompt requests into a tumbling time window and
// dispatches each group as a single generator call. One Submit yields one
// completion; within a batch, responses map to requests in arrival order.
// Batches are sharded by (model, quantized temperature), so call sites may
// mix temperatures freely — annealed retries included — without a retry
// running under another request's sampling settings.
type Batcher struct {
	gen     generator.Generator
	window  time.Duration
	maxSize int
	met     *metrics.Metrics
	emitter *events.Emitter

	mu     sync.Mutex
	shards map[string]*microbatch.Batcher[*batchJob]
}

// NewBatcher builds a batcher over gen with the given window and max size.
func NewBatcher(gen generator.Generator, window time.Duration, maxSize int, met *metrics.Metrics, emitter *events.Emitter) *Batcher {
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	if maxSize <= 0 {
		maxSize = 5
	}
	return &Batcher{
		gen:     gen,
		window:  window,
		maxSize: maxSize,
		met:     met,
		emitter: emitter,
		shards:  make(map[string]*microbatch.Batcher[*batchJob]),
	}
}

// shard returns the batcher for one (model, quantized temperature) pair,
// creating it on first use.
func (b *Batcher) shard(model string, temperature float64) *microbatch.Batcher[*batchJob] {
	key := model + "|" + QuantizeTemperature(temperature)
	b.mu.Lock()
	defer b.mu.Unlock()
	sh, ok := b.shards[key]
	if !ok {
		sh = microbatch.NewBatcher(&microbatch.BatcherConfig{
			MaxSize:       b.maxSize,
			FlushInterval: b.window,
		}, func(ctx context.Context, jobs []*batchJob) error {
			b.flush(ctx, b.gen, jobs)
			return nil
		})
		b.shards[key] = sh
	}
	return sh
}

// Submit enqueues one request and blocks until its batch flushes.
func (b *Batcher) Submit(ctx context.Context, req generator.Request) (generator.Response, error) {
	job := &batchJob{req: req}
	res, err := b.shard(req.Model, req.Temperature).Submit(ctx, job)
	if err != nil {
		return generator.Response{}, types.WrapError(types.KindTransport, err, "batch submit")
	}
	if err := res.Wait(ctx); err != nil {
		return generator.Response{}, types.WrapError(types.KindTransport, err, "batch wait")
	}
	return job.resp, job.err
}

// Shutdown flushes pending jobs across every shard and stops the batcher.
func (b *Batcher) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	shards := make([]*microbatch.Batcher[*batchJob], 0, len(b.shards))
	for _, sh := range b.shards {
		shards = append(shards, sh)
	}
	b.mu.Unlock()

	var first error
	for _, sh := range shards {
		if err := sh.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// flush executes one batch as a single generator call and routes slices of
// the combined response back to the waiting jobs.
func (b *Batcher) flush(ctx context.Context, gen generator.Generator, jobs []*batchJob) {
	if len(jobs) == 0 {
		return
	}
	if b.met != nil {
		b.met.BatchSize.Observe(float64(len(jobs)))
	}

	if len(jobs) == 1 {
		jobs[0].resp, jobs[0].err = gen.Invoke(ctx, jobs[0].req)
		b.emitFlushed(1)
		return
	}

	prompts := make([]string, len(jobs))
	for i, j := range jobs {
		prompts[i] = j.req.Prompt
	}
	combined := jobs[0].req
	combined.Prompt = strings.Join(prompts, batchSentinel)

	resp, err := gen.Invoke(ctx, combined)
	if err != nil {
		for _, j := range jobs {
			j.err = err
		}
		b.emitFlushed(len(jobs))
		return
	}

	parts := strings.Split(resp.Text, strings.TrimSpace(batchSentinel))
	if len(parts) != len(jobs) {
		logging.Get(logging.CategoryCache).Warnw("batch response split mismatch",
			"want", len(jobs), "got", len(parts))
		for _, j := range jobs {
			j.err = types.NewError(types.KindValidationFail,
				"batched response had %d segments, want %d", len(parts), len(jobs))
		}
		b.emitFlushed(len(jobs))
		return
	}

	// Usage and cost are attributed evenly; the provider bills the call as
	// one request, so per-job numbers are an accounting split.
	perCost := resp.CostUSD / float64(len(jobs))
	for i, j := range jobs {
		j.resp = generator.Response{
			Text: strings.TrimSpace(parts[i]),
			Usage: generator.Usage{
				InTokens:  resp.Usage.InTokens / len(jobs),
				OutTokens: resp.Usage.OutTokens / len(jobs),
			},
			CostUSD: perCost,
		}
	}
	b.emitFlushed(len(jobs))
}

func (b *Batcher) emitFlushed(n int) {
	b.emitter.Emit(events.Event{
		Type:    events.BatchFlushed,
		Payload: map[string]any{"batch_size": n},
	})
}
