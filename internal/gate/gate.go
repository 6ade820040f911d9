// Package gate decides whether execution may advance past a checkpoint,
// based on auto-generated acceptance tests.
package gate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"waveforge/internal/events"
	"waveforge/internal/logging"
	"waveforge/internal/metrics"
	"waveforge/internal/testrunner"
	"waveforge/internal/types"
)

// Options tunes the gate decision.
type Options struct {
	MustThreshold   float64 // default 1.0
	ShouldThreshold float64 // default 0.95
	Parallelism     int     // concurrent test executions, default 4
}

func (o Options) withDefaults() Options {
	if o.MustThreshold <= 0 {
		o.MustThreshold = 1.0
	}
	if o.ShouldThreshold <= 0 {
		o.ShouldThreshold = 0.95
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
	return o
}

// Decision is the verdict for one gate evaluation.
type Decision struct {
	GatePassed bool // must_rate at threshold AND should_rate at threshold
	CanRelease bool // weaker: all must tests pass

	MustRate     float64
	ShouldRate   float64
	MustTotal    int
	MustPassed   int
	ShouldTotal  int
	ShouldPassed int

	Results []types.AcceptanceResult
	Summary string
}

// Gate evaluates acceptance tests through a Runner.
type Gate struct {
	runner  testrunner.Runner
	opts    Options
	met     *metrics.Metrics
	emitter *events.Emitter
}

// New builds a gate. met and emitter may be nil.
func New(runner testrunner.Runner, opts Options, met *metrics.Metrics, emitter *events.Emitter) *Gate {
	return &Gate{runner: runner, opts: opts.withDefaults(), met: met, emitter: emitter}
}

// Check runs every registered test and computes the decision. Tests run in
// parallel up to Options.Parallelism, but runs sharing a test id are
// serialized. Runner failures are not fatal to the engine: they count as
// failed results and fail the decision for this evaluation.
//
// An empty test set passes vacuously.
func (g *Gate) Check(ctx context.Context, tests []types.AcceptanceTest, runID string, waveIndex *int) Decision {
	log := logging.Get(logging.CategoryGate)

	byID := make(map[string][]types.AcceptanceTest)
	ids := make([]string, 0, len(tests))
	for _, t := range tests {
		if _, seen := byID[t.ID]; !seen {
			ids = append(ids, t.ID)
		}
		byID[t.ID] = append(byID[t.ID], t)
	}
	sort.Strings(ids)

	resultsByID := make(map[string][]types.AcceptanceResult, len(ids))
	var eg errgroup.Group
	eg.SetLimit(g.opts.Parallelism)
	var mu sync.Mutex

	for _, id := range ids {
		group := byID[id]
		eg.Go(func() error {
			local := make([]types.AcceptanceResult, 0, len(group))
			for _, t := range group {
				res := g.runner.Run(ctx, t)
				res.TestID = t.ID
				res.RunID = runID
				res.WaveIndex = waveIndex
				local = append(local, res)
			}
			mu.Lock()
			resultsByID[id] = local
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	var d Decision
	for _, id := range ids {
		group := byID[id]
		for i, t := range group {
			var res types.AcceptanceResult
			if rs := resultsByID[id]; i < len(rs) {
				res = rs[i]
			} else {
				res = types.AcceptanceResult{
					TestID: id, RunID: runID, WaveIndex: waveIndex,
					Status: types.TestError, ErrorMessage: "no result recorded",
				}
			}
			d.Results = append(d.Results, res)
			if g.met != nil {
				g.met.Acceptance.WithLabelValues(string(res.Status), string(t.Priority)).Inc()
			}
			passed := !res.Status.Failed()
			switch t.Priority {
			case types.PriorityMust:
				d.MustTotal++
				if passed {
					d.MustPassed++
				}
			default:
				d.ShouldTotal++
				if passed {
					d.ShouldPassed++
				}
			}
		}
	}

	d.MustRate = rate(d.MustPassed, d.MustTotal)
	d.ShouldRate = rate(d.ShouldPassed, d.ShouldTotal)
	d.CanRelease = d.MustRate >= g.opts.MustThreshold
	d.GatePassed = d.CanRelease && d.ShouldRate >= g.opts.ShouldThreshold
	d.Summary = g.summarize(&d)

	if g.met != nil {
		if d.GatePassed {
			g.met.GatePassed.Inc()
		} else {
			g.met.GateFailed.Inc()
		}
	}
	g.emitter.Emit(events.Event{
		Type: events.GateChecked, RunID: runID, WaveIndex: waveIndex,
		Payload: map[string]any{
			"gate_passed": d.GatePassed, "can_release": d.CanRelease,
			"must_rate": d.MustRate, "should_rate": d.ShouldRate,
			"tests": len(tests),
		},
	})
	log.Infow("gate checked",
		"run", runID, "passed", d.GatePassed, "must", d.MustRate, "should", d.ShouldRate)
	return d
}

func rate(passed, total int) float64 {
	if total == 0 {
		return 1.0 // vacuous
	}
	return float64(passed) / float64(total)
}

func (g *Gate) summarize(d *Decision) string {
	var b strings.Builder
	verdict := "BLOCKED"
	if d.GatePassed {
		verdict = "PASSED"
	} else if d.CanRelease {
		verdict = "RELEASABLE (should-coverage below threshold)"
	}
	fmt.Fprintf(&b, "Gate %s: must %d/%d (%.0f%%), should %d/%d (%.0f%%)\n",
		verdict, d.MustPassed, d.MustTotal, d.MustRate*100,
		d.ShouldPassed, d.ShouldTotal, d.ShouldRate*100)
	for _, r := range d.Results {
		if r.Status.Failed() {
			fmt.Fprintf(&b, "  %s %s: %s\n", r.Status, r.TestID, firstLine(r.ErrorMessage))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
