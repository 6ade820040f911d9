// Package retry runs a single atom through a bounded attempt loop with
// temperature annealing, exponential backoff, and failure feedback injected
// into each successive prompt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"waveforge/internal/generator"
	"waveforge/internal/logging"
	"waveforge/internal/metrics"
	"waveforge/internal/types"
)

// Options configures the retry loop.
type Options struct {
	MaxAttempts  int
	Temperatures []float64 // annealing schedule, one entry per attempt

	// PerComplexity overrides the schedule for specific complexities;
	// critical atoms usually start cooler.
	PerComplexity map[types.Complexity][]float64

	BackoffBase time.Duration // default 1s
	BackoffMax  time.Duration // default 30s

	// AttemptTimeout bounds each generator call. Zero leaves the caller's
	// context deadline in charge.
	AttemptTimeout time.Duration

	Model string
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if len(o.Temperatures) == 0 {
		o.Temperatures = []float64{0.7, 0.5, 0.3}
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	return o
}

// Validator inspects a generation before it is accepted. Returning an error
// of a transient kind triggers another attempt with feedback.
type Validator func(ctx context.Context, atom types.Atom, text string) error

// Outcome is the result of running one atom to a terminal state.
type Outcome struct {
	Status        types.Status // succeeded, failed, or cancelled
	AttemptCount  int
	LastError     error
	LastErrorKind types.ErrorKind
	Response      generator.Response
	TotalDuration time.Duration
	TotalCost     float64
}

// Orchestrator drives the attempt loop. Safe for concurrent Run calls.
type Orchestrator struct {
	gen      generator.Generator
	opts     Options
	validate Validator
	met      *metrics.Metrics

	sleep func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New builds an orchestrator. validate may be nil; met may be nil.
func New(gen generator.Generator, opts Options, validate Validator, met *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		gen:      gen,
		opts:     opts.withDefaults(),
		validate: validate,
		met:      met,
		sleep:    sleepCtx,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// MaxAttempts reports the configured attempt ceiling.
func (o *Orchestrator) MaxAttempts() int { return o.opts.MaxAttempts }

// WithSleeper replaces the inter-attempt sleep, for tests.
func (o *Orchestrator) WithSleeper(s func(ctx context.Context, d time.Duration) error) *Orchestrator {
	o.sleep = s
	return o
}

// WithRand seeds the jitter source, for deterministic tests.
func (o *Orchestrator) WithRand(r *rand.Rand) *Orchestrator {
	o.rng = r
	return o
}

// Run executes the atom until success, exhaustion, a fatal failure, or
// cancellation. Feedback from attempt k shapes only attempt k+1.
func (o *Orchestrator) Run(ctx context.Context, atom types.Atom) Outcome {
	log := logging.Get(logging.CategoryRetry)
	schedule := o.schedule(atom.Complexity)
	start := time.Now()

	var out Outcome
	var feedback string

	for attempt := 1; attempt <= o.opts.MaxAttempts; attempt++ {
		out.AttemptCount = attempt
		if o.met != nil {
			o.met.AttemptsTotal.Inc()
			if attempt > 1 {
				o.met.RetriesTotal.Inc()
			}
		}

		req := generator.Request{
			Prompt:       atom.Prompt + feedback,
			Model:        o.opts.Model,
			Temperature:  tempFor(schedule, attempt),
			MasterplanID: atom.MasterplanID,
		}
		if o.opts.AttemptTimeout > 0 {
			req.Deadline = time.Now().Add(o.opts.AttemptTimeout)
		}

		resp, err := o.gen.Invoke(ctx, req)
		out.TotalCost += resp.CostUSD

		// A cancelled wave discards the result but keeps the cost.
		if ctx.Err() != nil {
			out.Status = types.StatusCancelled
			out.LastError = ctx.Err()
			out.TotalDuration = time.Since(start)
			return out
		}

		if err == nil && o.validate != nil {
			err = o.validate(ctx, atom, resp.Text)
		}
		if err == nil {
			out.Status = types.StatusSucceeded
			out.Response = resp
			out.TotalDuration = time.Since(start)
			return out
		}

		if errors.Is(err, context.Canceled) {
			out.Status = types.StatusCancelled
			out.LastError = err
			out.TotalDuration = time.Since(start)
			return out
		}

		kind := types.KindOf(err)
		out.LastError = err
		out.LastErrorKind = kind
		log.Debugw("attempt failed",
			"atom", atom.ID, "attempt", attempt, "kind", kind, "err", err)

		if kind.Fatal() || attempt == o.opts.MaxAttempts {
			break
		}

		feedback = buildFeedback(kind, err, attempt)

		if serr := o.sleep(ctx, o.backoff(attempt)); serr != nil {
			out.Status = types.StatusCancelled
			out.LastError = serr
			out.TotalDuration = time.Since(start)
			return out
		}
	}

	out.Status = types.StatusFailed
	out.TotalDuration = time.Since(start)
	return out
}

// schedule picks the annealing schedule for a complexity.
func (o *Orchestrator) schedule(c types.Complexity) []float64 {
	if s, ok := o.opts.PerComplexity[c]; ok && len(s) > 0 {
		return s
	}
	return o.opts.Temperatures
}

func tempFor(schedule []float64, attempt int) float64 {
	i := attempt - 1
	if i >= len(schedule) {
		i = len(schedule) - 1
	}
	return schedule[i]
}

// backoff computes base * 2^(attempt-1) with ±20% jitter, capped.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.opts.BackoffBase << (attempt - 1)
	if d > o.opts.BackoffMax || d <= 0 {
		d = o.opts.BackoffMax
	}
	o.rngMu.Lock()
	jitter := 0.8 + 0.4*o.rng.Float64()
	o.rngMu.Unlock()
	j := time.Duration(float64(d) * jitter)
	if j > o.opts.BackoffMax {
		j = o.opts.BackoffMax
	}
	return j
}

// buildFeedback composes the addendum appended to the next attempt's
// prompt. Error text is truncated so a pathological stderr cannot blow the
// context window.
func buildFeedback(kind types.ErrorKind, err error, attempt int) string {
	msg := err.Error()
	const maxErrText = 2000
	if len(msg) > maxErrText {
		msg = msg[:maxErrText] + "…(truncated)"
	}
	var b strings.Builder
	b.WriteString("\n\n## Previous attempt failed\n")
	fmt.Fprintf(&b, "Attempt %d failed with %s:\n%s\n", attempt, kind, msg)
	b.WriteString("Address the failure above and produce a corrected result.\n")
	return b.String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
