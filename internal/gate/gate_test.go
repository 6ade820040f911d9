package gate

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waveforge/internal/events"
	"waveforge/internal/testrunner"
	"waveforge/internal/types"
)

// passFail builds a runner passing every test except the named ones.
func passFail(failing ...string) testrunner.Runner {
	bad := make(map[string]bool, len(failing))
	for _, id := range failing {
		bad[id] = true
	}
	return testrunner.Func(func(_ context.Context, t types.AcceptanceTest) types.AcceptanceResult {
		status := types.TestPass
		msg := ""
		if bad[t.ID] {
			status = types.TestFail
			msg = "assertion failed"
		}
		return types.AcceptanceResult{TestID: t.ID, Status: status, ErrorMessage: msg}
	})
}

func makeTests(must, should int) []types.AcceptanceTest {
	var out []types.AcceptanceTest
	for i := 0; i < must; i++ {
		out = append(out, types.AcceptanceTest{
			ID: fmt.Sprintf("must-%02d", i), MasterplanID: "mp",
			Priority: types.PriorityMust, Language: types.LangPytest,
		})
	}
	for i := 0; i < should; i++ {
		out = append(out, types.AcceptanceTest{
			ID: fmt.Sprintf("should-%02d", i), MasterplanID: "mp",
			Priority: types.PriorityShould, Language: types.LangPytest,
		})
	}
	return out
}

func TestCheckAllPassing(t *testing.T) {
	g := New(passFail(), Options{}, nil, nil)
	d := g.Check(context.Background(), makeTests(3, 5), "run1", nil)
	assert.True(t, d.GatePassed)
	assert.True(t, d.CanRelease)
	assert.Equal(t, 1.0, d.MustRate)
	assert.Equal(t, 1.0, d.ShouldRate)
	assert.Len(t, d.Results, 8)
}

func TestCheckShouldRateBoundary(t *testing.T) {
	// 19/20 should tests = 0.95 exactly: passes at the default threshold.
	g := New(passFail("should-00"), Options{}, nil, nil)
	d := g.Check(context.Background(), makeTests(1, 20), "run1", nil)
	assert.InDelta(t, 0.95, d.ShouldRate, 1e-9)
	assert.True(t, d.GatePassed)

	// 24/25 = 0.96 passes; 23/25 = 0.92 is releasable but blocked.
	g = New(passFail("should-00", "should-01"), Options{}, nil, nil)
	d = g.Check(context.Background(), makeTests(1, 25), "run1", nil)
	assert.InDelta(t, 0.92, d.ShouldRate, 1e-9)
	assert.False(t, d.GatePassed)
	assert.True(t, d.CanRelease)
	assert.Contains(t, d.Summary, "RELEASABLE")
}

func TestCheckMustFailureBlocksRelease(t *testing.T) {
	g := New(passFail("must-00"), Options{}, nil, nil)
	d := g.Check(context.Background(), makeTests(2, 0), "run1", nil)
	assert.False(t, d.GatePassed)
	assert.False(t, d.CanRelease)
	assert.Equal(t, 0.5, d.MustRate)
	assert.Contains(t, d.Summary, "BLOCKED")
	assert.Contains(t, d.Summary, "must-00")
}

func TestCheckEmptySetPassesVacuously(t *testing.T) {
	g := New(passFail(), Options{}, nil, nil)
	d := g.Check(context.Background(), nil, "run1", nil)
	assert.True(t, d.GatePassed)
	assert.Equal(t, 1.0, d.MustRate)
	assert.Equal(t, 1.0, d.ShouldRate)
}

func TestCheckTimeoutCountsAsFailure(t *testing.T) {
	runner := testrunner.Func(func(_ context.Context, tst types.AcceptanceTest) types.AcceptanceResult {
		return types.AcceptanceResult{TestID: tst.ID, Status: types.TestTimeout, ErrorMessage: "60s elapsed"}
	})
	g := New(runner, Options{}, nil, nil)
	d := g.Check(context.Background(), makeTests(1, 0), "run1", nil)
	assert.False(t, d.CanRelease)
	assert.Equal(t, 0.0, d.MustRate)
}

func TestCheckStampsRunAndWave(t *testing.T) {
	idx := 2
	g := New(passFail(), Options{}, nil, nil)
	d := g.Check(context.Background(), makeTests(1, 1), "run9", &idx)
	for _, r := range d.Results {
		assert.Equal(t, "run9", r.RunID)
		require.NotNil(t, r.WaveIndex)
		assert.Equal(t, 2, *r.WaveIndex)
	}
}

func TestCheckEmitsGateCheckedEvent(t *testing.T) {
	sink := &events.MemorySink{}
	g := New(passFail(), Options{}, nil, events.NewEmitter(sink, nil))
	g.Check(context.Background(), makeTests(1, 1), "run1", nil)

	evs := sink.ByType(events.GateChecked)
	require.Len(t, evs, 1)
	assert.Equal(t, true, evs[0].Payload["gate_passed"])
}

func TestCheckCustomThresholds(t *testing.T) {
	// must_threshold relaxed to 0.5: one of two must failures still releases.
	g := New(passFail("must-00"), Options{MustThreshold: 0.5, ShouldThreshold: 0.5}, nil, nil)
	d := g.Check(context.Background(), makeTests(2, 0), "run1", nil)
	assert.True(t, d.CanRelease)
	assert.True(t, d.GatePassed)
}
