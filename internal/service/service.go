// Package service owns the run lifecycle: it plans, drives waves through the
// executor, applies gate cadence, and survives process restarts by rebuilding
// its state from the store.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"waveforge/internal/config"
	"waveforge/internal/cost"
	"waveforge/internal/events"
	"waveforge/internal/executor"
	"waveforge/internal/gate"
	"waveforge/internal/graph"
	"waveforge/internal/logging"
	"waveforge/internal/metrics"
	"waveforge/internal/planner"
	"waveforge/internal/store"
	"waveforge/internal/types"
)

// Service coordinates runs. One instance per process; safe for concurrent
// operator calls.
type Service struct {
	cfg     *config.Config
	st      *store.Store
	exec    *executor.Executor
	guards  *cost.Guardrails
	gate    *gate.Gate
	emitter *events.Emitter
	met     *metrics.Metrics

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu   sync.Mutex
	runs map[string]*runHandle // keyed by run id
	wg   sync.WaitGroup
}

type runHandle struct {
	runID        string
	masterplanID string
	cancel       context.CancelFunc
	done         chan struct{}
	pauseReq     atomic.Bool
	resumeCh     chan struct{}
}

// New wires a service. gate may be nil when no acceptance tests exist.
func New(cfg *config.Config, st *store.Store, exec *executor.Executor, guards *cost.Guardrails, gt *gate.Gate, emitter *events.Emitter, met *metrics.Metrics) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:        cfg,
		st:         st,
		exec:       exec,
		guards:     guards,
		gate:       gt,
		emitter:    emitter,
		met:        met,
		rootCtx:    ctx,
		rootCancel: cancel,
		runs:       make(map[string]*runHandle),
	}
}

// Close cancels every live run and waits for their loops to exit.
func (s *Service) Close() {
	s.rootCancel()
	s.wg.Wait()
}

// Start plans and launches a run for the masterplan. Starting a masterplan
// that already has a live run returns the existing run id and does nothing
// else.
func (s *Service) Start(masterplanID string, atoms []types.Atom, edges []types.Edge, tests []types.AcceptanceTest) (string, error) {
	log := logging.Get(logging.CategoryService)

	if live, ok, err := s.st.LiveRunForMasterplan(masterplanID); err != nil {
		return "", err
	} else if ok {
		log.Infow("start is a no-op, run already live", "masterplan", masterplanID, "run", live.RunID)
		return live.RunID, nil
	}

	g, err := graph.Build(atoms, edges, s.cfg.EdgeConfidenceFloor)
	if err != nil {
		return "", err
	}
	g, broken, err := graph.BreakCycles(g)
	if err != nil {
		return "", err
	}
	plan, err := planner.CreatePlan(g, masterplanID, broken, planner.Options{
		MaxWaveSize:       s.cfg.MaxWaveSize,
		GlobalParallelism: s.cfg.Parallelism,
	})
	if err != nil {
		return "", err
	}

	if err := s.st.UpsertAtoms(atoms); err != nil {
		return "", err
	}
	if err := s.st.UpsertEdges(masterplanID, edges); err != nil {
		return "", err
	}
	if len(tests) > 0 {
		if err := s.st.UpsertTests(tests); err != nil {
			return "", err
		}
	}

	runID := uuid.NewString()
	run := store.Run{
		RunID:        runID,
		MasterplanID: masterplanID,
		Status:       types.RunPending,
		StartedAt:    time.Now().UTC(),
	}
	if err := s.st.CreateRun(run); err != nil {
		return "", err
	}
	if err := s.st.SavePlan(runID, plan); err != nil {
		return "", err
	}

	if led, ok, err := s.st.LoadLedger(masterplanID); err != nil {
		return "", err
	} else if ok {
		s.guards.Restore(led)
	} else if err := s.guards.SetLimits(masterplanID, s.cfg.Cost.SoftUSD, s.cfg.Cost.HardUSD, s.cfg.Cost.PerAtomUSD); err != nil {
		return "", err
	}

	byID := make(map[types.AtomID]types.Atom, len(atoms))
	for _, a := range atoms {
		byID[a.ID] = a
	}
	s.launch(runID, masterplanID, g, plan, byID)
	return runID, nil
}

// Resume continues a paused, blocked, degraded, or interrupted run. ref is a
// run id or a masterplan id. A run paused in this process resumes in place;
// otherwise state is reloaded from the store, non-terminal atoms reset to
// pending, and a fresh loop picks up from the first incomplete wave.
// keepAttempts preserves attempt counters across the reset.
func (s *Service) Resume(ref string, keepAttempts bool) (string, error) {
	masterplanID := ref
	if run, err := s.st.GetRun(ref); err == nil {
		masterplanID = run.MasterplanID
	}
	run, ok, err := s.st.LiveRunForMasterplan(masterplanID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", types.ErrRunNotFound
	}

	s.mu.Lock()
	h, inProcess := s.runs[run.RunID]
	s.mu.Unlock()
	if inProcess {
		h.pauseReq.Store(false)
		select {
		case h.resumeCh <- struct{}{}:
		default:
		}
		return run.RunID, nil
	}

	plan, err := s.st.LoadPlan(run.RunID, masterplanID)
	if err != nil {
		return "", err
	}
	if _, err := s.st.ResetAtomsForResume(masterplanID, keepAttempts); err != nil {
		return "", err
	}
	atoms, err := s.st.LoadAtoms(masterplanID)
	if err != nil {
		return "", err
	}
	edges, err := s.st.LoadEdges(masterplanID)
	if err != nil {
		return "", err
	}
	list := make([]types.Atom, 0, len(atoms))
	for _, a := range atoms {
		list = append(list, a)
	}
	g, err := graph.Build(list, edges, s.cfg.EdgeConfidenceFloor)
	if err != nil {
		return "", err
	}
	g, _, err = graph.BreakCycles(g)
	if err != nil {
		return "", err
	}

	if led, ok, err := s.st.LoadLedger(masterplanID); err != nil {
		return "", err
	} else if ok {
		s.guards.Restore(led)
	} else if err := s.guards.SetLimits(masterplanID, s.cfg.Cost.SoftUSD, s.cfg.Cost.HardUSD, s.cfg.Cost.PerAtomUSD); err != nil {
		return "", err
	}

	s.launch(run.RunID, masterplanID, g, plan, atoms)
	return run.RunID, nil
}

// Pause requests the run stop at the next wave boundary. In-flight atoms
// finish; nothing new is scheduled until Resume.
func (s *Service) Pause(runID string) error {
	s.mu.Lock()
	h, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return types.ErrRunNotFound
	}
	h.pauseReq.Store(true)
	return nil
}

// Cancel aborts the run. In-flight generator calls are cancelled; their cost
// is still recorded.
func (s *Service) Cancel(runID string) error {
	s.mu.Lock()
	h, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		// Not in this process: flip the stored status directly so a later
		// Resume refuses it.
		run, err := s.st.GetRun(runID)
		if err != nil {
			return err
		}
		switch run.Status {
		case types.RunCompleted, types.RunCancelled, types.RunFailed:
			return nil
		}
		now := time.Now().UTC()
		return s.st.TransitionRun(runID, types.RunCancelled, run.StateVersion, &now)
	}
	h.cancel()
	return nil
}

// Wait blocks until the run's loop exits (or immediately, for a run not
// driven by this process) and reports the terminal status.
func (s *Service) Wait(runID string) (types.RunStatus, error) {
	s.mu.Lock()
	h, ok := s.runs[runID]
	s.mu.Unlock()
	if ok {
		<-h.done
	}
	run, err := s.st.GetRun(runID)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}

// StatusReport is the operator-facing snapshot of one run.
type StatusReport struct {
	Run         store.Run
	Ledger      cost.Ledger
	AtomCounts  map[types.Status]int
	TotalAtoms  int
	Terminal    int
	NeedsReview int
}

// Status assembles a report from the store, so it works for runs owned by
// other processes too.
func (s *Service) Status(runID string) (StatusReport, error) {
	run, err := s.st.GetRun(runID)
	if err != nil {
		return StatusReport{}, err
	}
	atoms, err := s.st.LoadAtoms(run.MasterplanID)
	if err != nil {
		return StatusReport{}, err
	}
	rep := StatusReport{
		Run:        run,
		Ledger:     s.guards.Snapshot(run.MasterplanID),
		AtomCounts: make(map[types.Status]int),
		TotalAtoms: len(atoms),
	}
	for _, a := range atoms {
		rep.AtomCounts[a.Status]++
		if a.Status.Terminal() {
			rep.Terminal++
		}
		if a.Status == types.StatusNeedsReview {
			rep.NeedsReview++
		}
	}
	return rep, nil
}

// launch registers a handle and spawns the wave loop.
func (s *Service) launch(runID, masterplanID string, g *graph.Graph, plan *types.ExecutionPlan, atoms map[types.AtomID]types.Atom) {
	ctx, cancel := context.WithCancel(s.rootCtx)
	h := &runHandle{
		runID:        runID,
		masterplanID: masterplanID,
		cancel:       cancel,
		done:         make(chan struct{}),
		resumeCh:     make(chan struct{}, 1),
	}
	s.mu.Lock()
	s.runs[runID] = h
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(h.done)
		defer func() {
			s.mu.Lock()
			delete(s.runs, runID)
			s.mu.Unlock()
		}()
		s.loop(ctx, h, g, plan, atoms)
	}()
}

// loop drives the waves in order for one run.
func (s *Service) loop(ctx context.Context, h *runHandle, g *graph.Graph, plan *types.ExecutionPlan, atoms map[types.AtomID]types.Atom) {
	log := logging.Get(logging.CategoryService)
	degraded := false

	if err := s.transition(h.runID, types.RunActive, nil); err != nil && !errors.Is(err, types.ErrStaleVersion) {
		log.Errorw("activate failed", "run", h.runID, "err", err)
	}
	s.record(events.Event{
		Type: events.ExecutionStarted, RunID: h.runID, MasterplanID: h.masterplanID,
		Payload: map[string]any{"waves": len(plan.Waves), "atoms": plan.TotalAtoms},
	})

	for _, wave := range plan.Waves {
		if done := s.waitIfPaused(ctx, h); done {
			s.finishCancelled(h)
			return
		}
		if allTerminal(wave, atoms) {
			continue
		}

		idx := wave.Index
		s.record(events.Event{
			Type: events.WaveStarted, RunID: h.runID, MasterplanID: h.masterplanID, WaveIndex: &idx,
			Payload: map[string]any{"size": len(wave.AtomIDs)},
		})

		s.skipOrphans(h, g, wave, atoms)

		res, err := s.exec.ExecuteWave(ctx, h.runID, wave, atoms)
		s.applyResult(res, atoms)
		if err := s.st.SaveLedger(s.guards.Snapshot(h.masterplanID)); err != nil {
			log.Errorw("ledger save failed", "run", h.runID, "err", err)
		}

		s.record(events.Event{
			Type: events.WaveCompleted, RunID: h.runID, MasterplanID: h.masterplanID, WaveIndex: &idx,
			Payload: map[string]any{
				"succeeded": len(res.Succeeded), "failed": len(res.Failed),
				"skipped": len(res.Skipped), "cancelled": len(res.Cancelled),
				"degraded": res.Degraded, "cost_usd": res.CostDelta,
				"duration_ms": res.Duration.Milliseconds(),
			},
		})

		if res.Degraded && !degraded {
			degraded = true
			if terr := s.transition(h.runID, types.RunDegraded, nil); terr != nil {
				log.Warnw("degrade transition failed", "run", h.runID, "err", terr)
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			s.finishCancelled(h)
			return
		case types.KindOf(err) == types.KindBackpressure:
			log.Errorw("wave aborted by backpressure", "run", h.runID, "wave", idx, "err", err)
			s.finishDegraded(h, err)
			return
		default:
			log.Errorw("wave failed", "run", h.runID, "wave", idx, "err", err)
			s.finishFailed(h, err)
			return
		}

		if s.cfg.Gate.Cadence == config.CadencePerWave {
			if blocked := s.runGate(ctx, h, &idx); blocked {
				return
			}
		}
	}

	if s.cfg.Gate.Cadence == config.CadenceFinal {
		if blocked := s.runGate(ctx, h, nil); blocked {
			return
		}
	}

	now := time.Now().UTC()
	if err := s.transition(h.runID, types.RunCompleted, &now); err != nil {
		log.Errorw("complete transition failed", "run", h.runID, "err", err)
	}
	s.record(events.Event{
		Type: events.ExecutionCompleted, RunID: h.runID, MasterplanID: h.masterplanID,
		Payload: map[string]any{"degraded": degraded},
	})
}

// skipOrphans finalizes atoms whose dependencies did not succeed, before the
// wave is handed to the executor.
func (s *Service) skipOrphans(h *runHandle, g *graph.Graph, wave types.Wave, atoms map[types.AtomID]types.Atom) {
	idx := wave.Index
	for _, id := range wave.AtomIDs {
		a := atoms[id]
		if a.Status.Terminal() {
			continue
		}
		var blocker types.AtomID
		blocked := false
		for _, pred := range g.Predecessors(id) {
			p := atoms[pred]
			switch p.Status {
			case types.StatusFailed, types.StatusSkipped, types.StatusCancelled:
				blocked, blocker = true, pred
			}
			if blocked {
				break
			}
		}
		if !blocked {
			continue
		}
		now := time.Now().UTC()
		a.Status = types.StatusSkipped
		a.EndedAt = &now
		a.LastError = fmt.Sprintf("dependency %s did not succeed", blocker)
		ev := events.Event{
			Type: events.AtomSkipped, RunID: h.runID, MasterplanID: h.masterplanID,
			AtomID: &a.ID, WaveIndex: &idx,
			Payload: map[string]any{"reason": "dependency_failed", "dependency": blocker.String()},
		}
		if err := s.st.FinalizeAtom(h.runID, a, ev); err != nil {
			logging.Get(logging.CategoryService).Errorw("skip finalize failed", "atom", id, "err", err)
		}
		s.emitter.Emit(ev)
		if s.met != nil {
			s.met.AtomsTotal.WithLabelValues(string(types.StatusSkipped)).Inc()
		}
		atoms[id] = a
	}
}

// runGate evaluates acceptance tests and blocks the run on failure. Returns
// true when the loop must stop.
func (s *Service) runGate(ctx context.Context, h *runHandle, waveIndex *int) bool {
	if s.gate == nil {
		return false
	}
	log := logging.Get(logging.CategoryService)
	tests, err := s.st.LoadTests(h.masterplanID)
	if err != nil {
		log.Errorw("load tests failed", "run", h.runID, "err", err)
		s.finishFailed(h, err)
		return true
	}
	if len(tests) == 0 {
		return false
	}

	dec := s.gate.Check(ctx, tests, h.runID, waveIndex)
	if err := s.st.SaveResults(dec.Results); err != nil {
		log.Errorw("save gate results failed", "run", h.runID, "err", err)
	}
	if dec.GatePassed {
		return false
	}

	if err := s.transition(h.runID, types.RunBlocked, nil); err != nil {
		log.Errorw("block transition failed", "run", h.runID, "err", err)
	}
	s.record(events.Event{
		Type: events.GateFailed, RunID: h.runID, MasterplanID: h.masterplanID, WaveIndex: waveIndex,
		Payload: map[string]any{
			"must_rate": dec.MustRate, "should_rate": dec.ShouldRate,
			"can_release": dec.CanRelease, "summary": dec.Summary,
		},
	})
	log.Warnw("run blocked by gate", "run", h.runID, "summary", dec.Summary)
	return true
}

// waitIfPaused parks at a wave boundary while a pause is requested. Returns
// true when the context died while parked.
func (s *Service) waitIfPaused(ctx context.Context, h *runHandle) bool {
	if ctx.Err() != nil {
		return true
	}
	if !h.pauseReq.Load() {
		return false
	}
	log := logging.Get(logging.CategoryService)
	if err := s.transition(h.runID, types.RunPaused, nil); err != nil {
		log.Warnw("pause transition failed", "run", h.runID, "err", err)
	}
	s.record(events.Event{Type: events.ExecutionPaused, RunID: h.runID, MasterplanID: h.masterplanID})
	select {
	case <-h.resumeCh:
		h.pauseReq.Store(false)
		if err := s.transition(h.runID, types.RunActive, nil); err != nil {
			log.Warnw("reactivate transition failed", "run", h.runID, "err", err)
		}
		return false
	case <-ctx.Done():
		return true
	}
}

func (s *Service) finishCancelled(h *runHandle) {
	now := time.Now().UTC()
	if err := s.transition(h.runID, types.RunCancelled, &now); err != nil {
		logging.Get(logging.CategoryService).Errorw("cancel transition failed", "run", h.runID, "err", err)
	}
	s.record(events.Event{Type: events.ExecutionCancelled, RunID: h.runID, MasterplanID: h.masterplanID})
}

// finishDegraded parks the run without a terminal status: the wave aborted
// under load, and a later Resume can retry it from the same plan.
func (s *Service) finishDegraded(h *runHandle, cause error) {
	if err := s.transition(h.runID, types.RunDegraded, nil); err != nil {
		logging.Get(logging.CategoryService).Errorw("degrade transition failed", "run", h.runID, "err", err)
	}
	s.record(events.Event{
		Type: events.ExecutionDegraded, RunID: h.runID, MasterplanID: h.masterplanID,
		Payload: map[string]any{
			"error": cause.Error(), "error_kind": string(types.KindOf(cause)), "resumable": true,
		},
	})
}

func (s *Service) finishFailed(h *runHandle, cause error) {
	now := time.Now().UTC()
	if err := s.transition(h.runID, types.RunFailed, &now); err != nil {
		logging.Get(logging.CategoryService).Errorw("fail transition failed", "run", h.runID, "err", err)
	}
	s.record(events.Event{
		Type: events.ExecutionCompleted, RunID: h.runID, MasterplanID: h.masterplanID,
		Payload: map[string]any{"failed": true, "error": cause.Error(), "error_kind": string(types.KindOf(cause))},
	})
}

// transition re-reads the run and applies the status change, retrying a few
// times when an operator raced us.
func (s *Service) transition(runID string, to types.RunStatus, ended *time.Time) error {
	var err error
	for i := 0; i < 3; i++ {
		var run store.Run
		run, err = s.st.GetRun(runID)
		if err != nil {
			return err
		}
		if run.Status == to {
			return nil
		}
		err = s.st.TransitionRun(runID, to, run.StateVersion, ended)
		if !errors.Is(err, types.ErrStaleVersion) {
			return err
		}
	}
	return err
}

// record appends a durable copy to the outbox and fans out live.
func (s *Service) record(ev events.Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	if err := s.st.AppendEvent(ev); err != nil {
		logging.Get(logging.CategoryService).Errorw("outbox append failed", "type", ev.Type, "err", err)
	}
	s.emitter.Emit(ev)
}

func allTerminal(wave types.Wave, atoms map[types.AtomID]types.Atom) bool {
	for _, id := range wave.AtomIDs {
		if a, ok := atoms[id]; !ok || !a.Status.Terminal() {
			return false
		}
	}
	return true
}

// applyResult folds a wave result back into the in-memory atom map so the
// next wave's dependency checks see fresh statuses.
func (s *Service) applyResult(res executor.WaveResult, atoms map[types.AtomID]types.Atom) {
	set := func(ids []types.AtomID, st types.Status) {
		for _, id := range ids {
			a := atoms[id]
			if !a.Status.Terminal() {
				a.Status = st
			}
			atoms[id] = a
		}
	}
	set(res.Succeeded, types.StatusSucceeded)
	set(res.NeedsReview, types.StatusNeedsReview)
	set(res.Failed, types.StatusFailed)
	set(res.Skipped, types.StatusSkipped)
	set(res.Cancelled, types.StatusCancelled)
}
