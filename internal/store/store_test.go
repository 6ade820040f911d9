package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waveforge/internal/cost"
	"waveforge/internal/events"
	"waveforge/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "waveforge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newAtom(mp string, complexity types.Complexity) types.Atom {
	return types.Atom{
		ID:            uuid.New(),
		MasterplanID:  mp,
		Complexity:    complexity,
		EstimatedCost: 0.1,
		Prompt:        "do the thing",
		TargetFiles:   []string{"pkg/a.py"},
		Status:        types.StatusPending,
	}
}

func TestOpenCreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "wf.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.CreateRun(Run{RunID: "r1", MasterplanID: "mp", Status: types.RunPending, StartedAt: time.Now()}))
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	start := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.CreateRun(Run{RunID: "r1", MasterplanID: "mp", Status: types.RunPending, StartedAt: start}))

	r, err := s.GetRun("r1")
	require.NoError(t, err)
	assert.Equal(t, types.RunPending, r.Status)
	assert.Equal(t, 0, r.StateVersion)
	assert.Nil(t, r.EndedAt)

	require.NoError(t, s.TransitionRun("r1", types.RunActive, 0, nil))
	r, err = s.GetRun("r1")
	require.NoError(t, err)
	assert.Equal(t, types.RunActive, r.Status)
	assert.Equal(t, 1, r.StateVersion)

	ended := time.Now()
	require.NoError(t, s.TransitionRun("r1", types.RunCompleted, 1, &ended))
	r, _ = s.GetRun("r1")
	assert.Equal(t, types.RunCompleted, r.Status)
	require.NotNil(t, r.EndedAt)
}

func TestTransitionRunStaleVersion(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateRun(Run{RunID: "r1", MasterplanID: "mp", Status: types.RunPending, StartedAt: time.Now()}))
	require.NoError(t, s.TransitionRun("r1", types.RunActive, 0, nil))

	err := s.TransitionRun("r1", types.RunPaused, 0, nil)
	assert.ErrorIs(t, err, types.ErrStaleVersion)

	// Status untouched by the stale write.
	r, _ := s.GetRun("r1")
	assert.Equal(t, types.RunActive, r.Status)
}

func TestGetRunNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetRun("missing")
	assert.ErrorIs(t, err, types.ErrRunNotFound)

	err = s.TransitionRun("missing", types.RunActive, 0, nil)
	assert.ErrorIs(t, err, types.ErrRunNotFound)
}

func TestLiveRunForMasterplan(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.LiveRunForMasterplan("mp")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.CreateRun(Run{RunID: "r1", MasterplanID: "mp", Status: types.RunActive, StartedAt: time.Now()}))
	r, ok, err := s.LiveRunForMasterplan("mp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r1", r.RunID)

	// Terminal runs stop counting as live.
	require.NoError(t, s.TransitionRun("r1", types.RunCompleted, 0, nil))
	_, ok, err = s.LiveRunForMasterplan("mp")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpsertAtomsPreservesRuntimeColumns(t *testing.T) {
	s := openTestStore(t)
	a := newAtom("mp", types.ComplexityHigh)
	require.NoError(t, s.UpsertAtoms([]types.Atom{a}))

	// Simulate execution progress, then re-upsert the declarative input.
	now := time.Now()
	a.Status = types.StatusSucceeded
	a.AttemptCount = 2
	a.Confidence = 0.8
	a.EndedAt = &now
	require.NoError(t, s.FinalizeAtom("r1", a, events.Event{Type: events.AtomSucceeded, RunID: "r1"}))

	a.Prompt = "do the thing, revised"
	a.EstimatedCost = 0.2
	a.Status = types.StatusPending
	a.AttemptCount = 0
	require.NoError(t, s.UpsertAtoms([]types.Atom{a}))

	loaded, err := s.LoadAtoms("mp")
	require.NoError(t, err)
	got := loaded[a.ID]
	assert.Equal(t, "do the thing, revised", got.Prompt)
	assert.Equal(t, 0.2, got.EstimatedCost)
	assert.Equal(t, types.StatusSucceeded, got.Status, "conflict upsert must not clobber status")
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, 0.8, got.Confidence)
}

func TestFinalizeAtomWritesOutboxAtomically(t *testing.T) {
	s := openTestStore(t)
	a := newAtom("mp", types.ComplexityMedium)
	require.NoError(t, s.UpsertAtoms([]types.Atom{a}))

	now := time.Now()
	a.Status = types.StatusFailed
	a.AttemptCount = 3
	a.LastError = "503 from provider"
	a.LastErrorKind = "transport"
	a.EndedAt = &now
	id := a.ID
	require.NoError(t, s.FinalizeAtom("r1", a, events.Event{
		Type: events.AtomFailed, RunID: "r1", AtomID: &id,
		Payload: map[string]any{"attempts": 3},
	}))

	loaded, err := s.LoadAtoms("mp")
	require.NoError(t, err)
	got := loaded[a.ID]
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, "503 from provider", got.LastError)
	assert.Equal(t, "transport", got.LastErrorKind)

	rows, err := s.UnpublishedEvents(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "r1", rows[0].RunID)
	assert.Contains(t, rows[0].JSON, string(events.AtomFailed))
}

func TestMarkAtomStartedKeepsFirstTimestamp(t *testing.T) {
	s := openTestStore(t)
	a := newAtom("mp", types.ComplexityLow)
	require.NoError(t, s.UpsertAtoms([]types.Atom{a}))

	first := time.Now().Add(-time.Hour)
	require.NoError(t, s.MarkAtomStarted(a.ID, first))
	require.NoError(t, s.MarkAtomStarted(a.ID, time.Now()))

	loaded, err := s.LoadAtoms("mp")
	require.NoError(t, err)
	got := loaded[a.ID]
	assert.Equal(t, types.StatusInProgress, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.WithinDuration(t, first, *got.StartedAt, time.Second)
}

func TestResetAtomsForResume(t *testing.T) {
	s := openTestStore(t)
	ok := newAtom("mp", types.ComplexityLow)
	failed := newAtom("mp", types.ComplexityLow)
	stuck := newAtom("mp", types.ComplexityLow)
	skipped := newAtom("mp", types.ComplexityLow)
	flagged := newAtom("mp", types.ComplexityLow)
	require.NoError(t, s.UpsertAtoms([]types.Atom{ok, failed, stuck, skipped, flagged}))

	now := time.Now()
	for _, pair := range []struct {
		atom   types.Atom
		status types.Status
	}{
		{ok, types.StatusSucceeded}, {failed, types.StatusFailed}, {skipped, types.StatusSkipped},
		{flagged, types.StatusNeedsReview},
	} {
		a := pair.atom
		a.Status = pair.status
		a.AttemptCount = 3
		a.LastError = "boom"
		a.EndedAt = &now
		require.NoError(t, s.FinalizeAtom("r1", a, events.Event{Type: events.AtomFailed}))
	}
	require.NoError(t, s.MarkAtomStarted(stuck.ID, now))

	n, err := s.ResetAtomsForResume("mp", false)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "failed, in_progress, and needs_review reset; succeeded and skipped kept")

	loaded, err := s.LoadAtoms("mp")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSucceeded, loaded[ok.ID].Status)
	assert.Equal(t, types.StatusSkipped, loaded[skipped.ID].Status)
	assert.Equal(t, types.StatusPending, loaded[failed.ID].Status)
	assert.Equal(t, types.StatusPending, loaded[stuck.ID].Status)
	assert.Equal(t, types.StatusPending, loaded[flagged.ID].Status)
	assert.Equal(t, 0, loaded[failed.ID].AttemptCount)
	assert.Empty(t, loaded[failed.ID].LastError)
}

func TestResetAtomsForResumeKeepAttempts(t *testing.T) {
	s := openTestStore(t)
	a := newAtom("mp", types.ComplexityLow)
	require.NoError(t, s.UpsertAtoms([]types.Atom{a}))
	now := time.Now()
	a.Status = types.StatusFailed
	a.AttemptCount = 2
	a.LastError = "boom"
	a.EndedAt = &now
	require.NoError(t, s.FinalizeAtom("r1", a, events.Event{Type: events.AtomFailed}))

	_, err := s.ResetAtomsForResume("mp", true)
	require.NoError(t, err)

	loaded, _ := s.LoadAtoms("mp")
	got := loaded[a.ID]
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, "boom", got.LastError)
}

func TestEdgesRoundtrip(t *testing.T) {
	s := openTestStore(t)
	a, b := uuid.New(), uuid.New()
	edges := []types.Edge{
		{Src: a, Dst: b, Kind: types.EdgeImport, Weight: 2, Confidence: 0.9},
		{Src: a, Dst: b, Kind: types.EdgeCall, Weight: 1, Confidence: 1},
	}
	require.NoError(t, s.UpsertEdges("mp", edges))
	// Re-upsert updates rather than duplicating.
	edges[0].Weight = 3
	require.NoError(t, s.UpsertEdges("mp", edges))

	loaded, err := s.LoadEdges("mp")
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	for _, e := range loaded {
		if e.Kind == types.EdgeImport {
			assert.Equal(t, 3.0, e.Weight)
		}
	}
}

func TestLedgerRoundtrip(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.LoadLedger("mp")
	require.NoError(t, err)
	assert.False(t, ok)

	atomID := uuid.New()
	led := cost.Ledger{
		MasterplanID:   "mp",
		Accumulated:    42.5,
		SoftCap:        50,
		HardCap:        100,
		PerAtomCap:     5,
		AlertFiredSoft: true,
		HardBreached:   false,
		Violations: []cost.Violation{
			{AtomID: atomID, Kind: cost.ViolationPerAtom, Observed: 6, Cap: 5, TS: time.Now().UTC()},
		},
	}
	require.NoError(t, s.SaveLedger(led))

	got, ok, err := s.LoadLedger("mp")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 42.5, got.Accumulated)
	assert.True(t, got.AlertFiredSoft)
	assert.False(t, got.HardBreached)
	require.Len(t, got.Violations, 1)
	assert.Equal(t, cost.ViolationPerAtom, got.Violations[0].Kind)
	assert.Equal(t, atomID, got.Violations[0].AtomID)

	// Saving again replaces rather than appending violations.
	require.NoError(t, s.SaveLedger(led))
	got, _, _ = s.LoadLedger("mp")
	assert.Len(t, got.Violations, 1)
}

func TestPlanRoundtrip(t *testing.T) {
	s := openTestStore(t)
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	plan := &types.ExecutionPlan{
		MasterplanID: "mp",
		Waves: []types.Wave{
			{Index: 0, AtomIDs: []types.AtomID{a, b}, MaxParallel: 2},
			{Index: 1, AtomIDs: []types.AtomID{c}, MaxParallel: 1},
		},
		CycleBrokenEdges: []types.RemovedEdge{
			{Edge: types.Edge{Src: c, Dst: a, Kind: types.EdgeImport, Weight: 1, Confidence: 0.5}, Reason: "cycle"},
		},
	}
	require.NoError(t, s.SavePlan("r1", plan))

	got, err := s.LoadPlan("r1", "mp")
	require.NoError(t, err)
	require.Len(t, got.Waves, 2)
	assert.Equal(t, []types.AtomID{a, b}, got.Waves[0].AtomIDs)
	assert.Equal(t, 3, got.TotalAtoms)
	require.Len(t, got.CycleBrokenEdges, 1)
	assert.Equal(t, c, got.CycleBrokenEdges[0].Edge.Src)

	_, err = s.LoadPlan("other", "mp")
	assert.ErrorIs(t, err, types.ErrRunNotFound)
}

func TestAcceptanceTestsAndResults(t *testing.T) {
	s := openTestStore(t)
	tests := []types.AcceptanceTest{
		{ID: "t1", MasterplanID: "mp", Requirement: "adds numbers", Priority: types.PriorityMust,
			Language: types.LangPytest, TimeoutSeconds: 30, Code: "def test_add(): assert add(1,1) == 2"},
		{ID: "t2", MasterplanID: "mp", Priority: types.PriorityShould,
			Language: types.LangJest, TimeoutSeconds: 60, Code: "it('works', () => {})"},
	}
	require.NoError(t, s.UpsertTests(tests))

	loaded, err := s.LoadTests("mp")
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, types.PriorityMust, loaded[0].Priority)
	assert.Equal(t, types.LangPytest, loaded[0].Language)

	idx := 1
	require.NoError(t, s.SaveResults([]types.AcceptanceResult{
		{TestID: "t1", RunID: "r1", WaveIndex: &idx, Status: types.TestPass, DurationMS: 120},
		{TestID: "t2", RunID: "r1", WaveIndex: &idx, Status: types.TestFail, ErrorMessage: "expected 2"},
	}))
}

func TestOutboxAppendAndPublish(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(events.Event{
			Type: events.WaveStarted, RunID: "r1",
			Payload: map[string]any{"wave": i}, TS: time.Now(),
		}))
	}

	rows, err := s.UnpublishedEvents(2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Less(t, rows[0].ID, rows[1].ID)

	require.NoError(t, s.MarkPublished([]int64{rows[0].ID, rows[1].ID}))
	rows, err = s.UnpublishedEvents(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// Marking nothing is a no-op.
	require.NoError(t, s.MarkPublished(nil))
}
