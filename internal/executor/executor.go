// Package executor runs the atoms of one wave concurrently under a bounded
// worker pool fed through the backpressure queue.
package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"waveforge/internal/cost"
	"waveforge/internal/events"
	"waveforge/internal/logging"
	"waveforge/internal/metrics"
	"waveforge/internal/queue"
	"waveforge/internal/retry"
	"waveforge/internal/types"
)

// AtomSink receives per-atom state transitions. *store.Store satisfies it;
// tests substitute fakes. A nil sink disables persistence.
type AtomSink interface {
	MarkAtomStarted(atomID types.AtomID, at time.Time) error
	FinalizeAtom(runID string, a types.Atom, ev events.Event) error
}

// Config tunes wave execution.
type Config struct {
	GlobalParallelism int
	QueueCapacity     int
	QueueThresholdPct int

	// EnqueueRetryWait and EnqueueMaxRetries bound how long a producer
	// keeps retrying a full queue before the wave aborts with
	// backpressure.
	EnqueueRetryWait  time.Duration
	EnqueueMaxRetries int

	AbortOnCriticalFailure bool
}

func (c Config) withDefaults() Config {
	if c.GlobalParallelism <= 0 {
		c.GlobalParallelism = 16
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.QueueThresholdPct <= 0 {
		c.QueueThresholdPct = 80
	}
	if c.EnqueueRetryWait <= 0 {
		c.EnqueueRetryWait = 200 * time.Millisecond
	}
	if c.EnqueueMaxRetries <= 0 {
		c.EnqueueMaxRetries = 10
	}
	return c
}

// WaveResult summarizes one executed wave. Atom id slices are disjoint.
type WaveResult struct {
	WaveIndex    int
	Succeeded    []types.AtomID
	Failed       []types.AtomID
	Skipped      []types.AtomID
	Cancelled    []types.AtomID
	NeedsReview  []types.AtomID // released with low confidence, flagged for redo
	Degraded     bool           // a critical atom failed but the wave went on
	Duration     time.Duration
	ParallelPeak int
	CostDelta    float64
}

// Executor drives waves. One instance serves a whole run; ExecuteWave is
// invoked once per wave, strictly in index order, by the service.
type Executor struct {
	retrier *retry.Orchestrator
	guards  *cost.Guardrails
	sink    AtomSink
	emitter *events.Emitter
	met     *metrics.Metrics
	cfg     Config
	now     func() time.Time
}

// New wires an executor. sink, emitter, and met may be nil.
func New(retrier *retry.Orchestrator, guards *cost.Guardrails, sink AtomSink, emitter *events.Emitter, met *metrics.Metrics, cfg Config) *Executor {
	return &Executor{
		retrier: retrier,
		guards:  guards,
		sink:    sink,
		emitter: emitter,
		met:     met,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
}

type atomOutcome struct {
	atom    types.Atom
	outcome retry.Outcome
	score   float64
}

// ExecuteWave runs every atom of the wave. It returns partial results with
// a Backpressure error when the queue stays saturated, and partial results
// with ctx.Err() on cancellation. Invoking it on a wave whose atoms are
// already terminal re-reports them without re-executing (idempotence).
func (e *Executor) ExecuteWave(ctx context.Context, runID string, wave types.Wave, atoms map[types.AtomID]types.Atom) (WaveResult, error) {
	log := logging.Get(logging.CategoryExecutor)
	start := e.now()
	res := WaveResult{WaveIndex: wave.Index}

	pending := make([]types.Atom, 0, len(wave.AtomIDs))
	for _, id := range wave.AtomIDs {
		a, ok := atoms[id]
		if !ok {
			return res, types.NewError(types.KindInvalidInput, "wave %d references unknown atom %s", wave.Index, id)
		}
		if a.Status.Terminal() {
			// Already finalized in an earlier run; report, don't re-execute.
			switch a.Status {
			case types.StatusSucceeded:
				res.Succeeded = append(res.Succeeded, a.ID)
			case types.StatusFailed:
				res.Failed = append(res.Failed, a.ID)
			case types.StatusSkipped:
				res.Skipped = append(res.Skipped, a.ID)
			case types.StatusCancelled:
				res.Cancelled = append(res.Cancelled, a.ID)
			}
			continue
		}
		pending = append(pending, a)
	}
	if len(pending) == 0 {
		res.Duration = e.now().Sub(start)
		return res, nil
	}

	workers := e.cfg.GlobalParallelism
	if wave.MaxParallel > 0 && wave.MaxParallel < workers {
		workers = wave.MaxParallel
	}
	if len(pending) < workers {
		workers = len(pending)
	}

	q := queue.New[types.Atom](e.cfg.QueueCapacity, e.cfg.QueueThresholdPct, e.met)
	outcomes := make(chan atomOutcome, len(pending))

	var inFlight int64
	var peak int64
	var wg sync.WaitGroup
	workCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := q.Dequeue(workCtx, time.Second)
				switch {
				case errors.Is(err, types.ErrQueueDrained), errors.Is(err, context.Canceled),
					errors.Is(err, context.DeadlineExceeded):
					return
				case errors.Is(err, types.ErrQueueTimeout):
					continue
				case err != nil:
					return
				}
				cur := atomic.AddInt64(&inFlight, 1)
				for {
					p := atomic.LoadInt64(&peak)
					if cur <= p || atomic.CompareAndSwapInt64(&peak, p, cur) {
						break
					}
				}
				outcomes <- e.runAtom(workCtx, runID, wave.Index, item.Value)
				atomic.AddInt64(&inFlight, -1)
			}
		}()
	}

	// Produce: admission-check then enqueue, with bounded retry on a full
	// queue. The collector drains concurrently so producers rarely stall.
	var backpressure bool
	var skippedNow []types.Atom
produce:
	for _, a := range pending {
		if ctx.Err() != nil {
			break produce
		}
		verdict := e.guards.CheckBeforeExecution(a.MasterplanID, a.EstimatedCost)
		switch verdict {
		case cost.HardExceeded:
			e.guards.RefuseAdmission(a.MasterplanID, a.ID, a.EstimatedCost)
			skippedNow = append(skippedNow, a)
			continue
		case cost.SoftExceeded:
			log.Warnw("soft cost cap exceeded, continuing", "atom", a.ID)
		}

		enqueued := false
		for attempt := 0; attempt <= e.cfg.EnqueueMaxRetries; attempt++ {
			err := q.Enqueue(a, a.Complexity.Rank(), time.Time{})
			if err == nil {
				enqueued = true
				break
			}
			if !errors.Is(err, types.ErrQueueFull) {
				break
			}
			select {
			case <-ctx.Done():
				break produce
			case <-time.After(e.cfg.EnqueueRetryWait):
			}
		}
		if !enqueued {
			backpressure = true
			break produce
		}
	}

	q.Close()

	collected := make(map[types.AtomID]atomOutcome, len(pending))
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(outcomes)
		close(done)
	}()
	for out := range outcomes {
		collected[out.atom.ID] = out
	}
	<-done

	// Skipped-by-admission atoms finalize without cost.
	for _, a := range skippedNow {
		e.finalizeSkip(runID, wave.Index, a, "hard cost cap reached")
		res.Skipped = append(res.Skipped, a.ID)
	}

	criticalFailed := false
	for _, a := range pending {
		out, ran := collected[a.ID]
		if !ran {
			continue // never dequeued: stays pending for a later resume
		}
		res.CostDelta += out.outcome.TotalCost
		switch out.atom.Status {
		case types.StatusSucceeded:
			res.Succeeded = append(res.Succeeded, a.ID)
		case types.StatusNeedsReview:
			res.NeedsReview = append(res.NeedsReview, a.ID)
		case types.StatusCancelled:
			res.Cancelled = append(res.Cancelled, a.ID)
		default:
			res.Failed = append(res.Failed, a.ID)
			if a.Complexity == types.ComplexityCritical {
				criticalFailed = true
			}
		}
	}

	res.ParallelPeak = int(atomic.LoadInt64(&peak))
	res.Duration = e.now().Sub(start)
	if e.met != nil {
		e.met.WaveDurationMS.Observe(float64(res.Duration.Milliseconds()))
		e.met.ParallelPeak.Observe(float64(res.ParallelPeak))
	}

	if criticalFailed {
		res.Degraded = true
		if e.cfg.AbortOnCriticalFailure {
			return res, types.NewError(types.KindInvalidInput, "critical atom failed in wave %d", wave.Index)
		}
	}
	if backpressure {
		return res, types.NewError(types.KindBackpressure,
			"queue saturated while scheduling wave %d", wave.Index)
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, nil
}

// runAtom executes the per-atom protocol: mark started, retry loop, score,
// record cost, finalize, emit.
func (e *Executor) runAtom(ctx context.Context, runID string, waveIndex int, a types.Atom) atomOutcome {
	log := logging.Get(logging.CategoryExecutor)
	started := e.now()
	a.StartedAt = &started

	if e.sink != nil {
		if err := e.sink.MarkAtomStarted(a.ID, started); err != nil {
			log.Errorw("mark started failed", "atom", a.ID, "err", err)
		}
	}
	e.emitter.Emit(events.Event{
		Type: events.AtomStarted, RunID: runID, MasterplanID: a.MasterplanID,
		AtomID: &a.ID, WaveIndex: &waveIndex,
	})

	out := e.retrier.Run(ctx, a)
	e.guards.Record(a.MasterplanID, a.ID, out.TotalCost)

	ended := e.now()
	a.EndedAt = &ended
	a.AttemptCount = out.AttemptCount
	if out.LastError != nil {
		a.LastError = out.LastError.Error()
		a.LastErrorKind = string(out.LastErrorKind)
	}

	var score float64
	var evType events.Type
	switch out.Status {
	case types.StatusSucceeded:
		a.Status = types.StatusSucceeded
		score = Score(ConfidenceInputs{
			ValidationPassRate:  1.0,
			AttemptsUsed:        out.AttemptCount,
			MaxAttempts:         maxAttempts(e.retrier),
			Complexity:          a.Complexity,
			IntegrationPassRate: 1.0,
		})
		a.Confidence = score
		if score < ReviewThreshold {
			a.Status = types.StatusNeedsReview
		}
		evType = events.AtomSucceeded
	case types.StatusCancelled:
		a.Status = types.StatusCancelled
		evType = events.AtomCancelled
	default:
		a.Status = types.StatusFailed
		score = Score(ConfidenceInputs{
			ValidationPassRate:  0,
			AttemptsUsed:        out.AttemptCount,
			MaxAttempts:         maxAttempts(e.retrier),
			Complexity:          a.Complexity,
			IntegrationPassRate: 0,
		})
		a.Confidence = score
		evType = events.AtomFailed
	}

	ev := events.Event{
		Type: evType, RunID: runID, MasterplanID: a.MasterplanID,
		AtomID: &a.ID, WaveIndex: &waveIndex,
		Payload: map[string]any{
			"status":     string(a.Status),
			"attempts":   out.AttemptCount,
			"cost_usd":   out.TotalCost,
			"confidence": a.Confidence,
			"band":       Band(a.Confidence),
		},
	}
	if a.LastError != "" {
		ev.Payload["error"] = a.LastError
		ev.Payload["error_kind"] = a.LastErrorKind
	}

	if e.sink != nil {
		if err := e.sink.FinalizeAtom(runID, a, ev); err != nil {
			log.Errorw("finalize failed", "atom", a.ID, "err", err)
		}
	}
	e.emitter.Emit(ev)
	if a.Status == types.StatusNeedsReview {
		e.emitter.Emit(events.Event{
			Type: events.AtomNeedsReview, RunID: runID, MasterplanID: a.MasterplanID,
			AtomID: &a.ID, WaveIndex: &waveIndex,
			Payload: map[string]any{"confidence": score, "band": Band(score)},
		})
	}

	if e.met != nil {
		e.met.AtomsTotal.WithLabelValues(string(a.Status)).Inc()
		e.met.AtomDurationMS.Observe(float64(out.TotalDuration.Milliseconds()))
		e.met.AttemptsPerAtom.Observe(float64(out.AttemptCount))
	}
	return atomOutcome{atom: a, outcome: out, score: score}
}

// finalizeSkip marks an atom skipped without executing it. No cost is
// recorded; the admission decision is the whole story.
func (e *Executor) finalizeSkip(runID string, waveIndex int, a types.Atom, reason string) {
	ended := e.now()
	a.Status = types.StatusSkipped
	a.EndedAt = &ended
	a.LastError = reason
	a.LastErrorKind = string(types.KindHardCostExceeded)

	ev := events.Event{
		Type: events.AtomSkipped, RunID: runID, MasterplanID: a.MasterplanID,
		AtomID: &a.ID, WaveIndex: &waveIndex,
		Payload: map[string]any{"reason": reason},
	}
	if e.sink != nil {
		if err := e.sink.FinalizeAtom(runID, a, ev); err != nil {
			logging.Get(logging.CategoryExecutor).Errorw("finalize skip failed", "atom", a.ID, "err", err)
		}
	}
	e.emitter.Emit(ev)
	if e.met != nil {
		e.met.AtomsTotal.WithLabelValues(string(types.StatusSkipped)).Inc()
	}
}

func maxAttempts(r *retry.Orchestrator) int { return r.MaxAttempts() }
