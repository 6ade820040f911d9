package retry

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waveforge/internal/generator"
	"waveforge/internal/types"
)

func noSleep(context.Context, time.Duration) error { return nil }

func testAtom() types.Atom {
	return types.Atom{
		ID:           uuid.New(),
		MasterplanID: "mp",
		Complexity:   types.ComplexityMedium,
		Prompt:       "write the function",
	}
}

func TestRunSucceedsFirstAttempt(t *testing.T) {
	gen := generator.Succeed("code", 0.02)
	o := New(gen, Options{}, nil, nil).WithSleeper(noSleep)

	out := o.Run(context.Background(), testAtom())
	assert.Equal(t, types.StatusSucceeded, out.Status)
	assert.Equal(t, 1, out.AttemptCount)
	assert.Equal(t, "code", out.Response.Text)
	assert.Equal(t, 0.02, out.TotalCost)
	assert.Nil(t, out.LastError)
}

func TestRunAnnealsTemperatureAndInjectsFeedback(t *testing.T) {
	gen := &generator.Scripted{Outcomes: []generator.Outcome{
		{Response: generator.Response{CostUSD: 0.01}, Err: types.NewError(types.KindValidationFail, "syntax error line 3")},
		{Response: generator.Response{CostUSD: 0.01}, Err: types.NewError(types.KindTimeout, "deadline")},
		{Response: generator.Response{Text: "fixed", CostUSD: 0.01}},
	}}
	o := New(gen, Options{Temperatures: []float64{0.7, 0.5, 0.3}}, nil, nil).WithSleeper(noSleep)

	out := o.Run(context.Background(), testAtom())
	require.Equal(t, types.StatusSucceeded, out.Status)
	assert.Equal(t, 3, out.AttemptCount)
	assert.InDelta(t, 0.03, out.TotalCost, 1e-9)

	reqs := gen.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, 0.7, reqs[0].Temperature)
	assert.Equal(t, 0.5, reqs[1].Temperature)
	assert.Equal(t, 0.3, reqs[2].Temperature)

	assert.NotContains(t, reqs[0].Prompt, "Previous attempt failed")
	assert.Contains(t, reqs[1].Prompt, "syntax error line 3")
	assert.Contains(t, reqs[2].Prompt, "deadline")
	// Only the latest failure is carried, not the whole history.
	assert.NotContains(t, reqs[2].Prompt, "syntax error line 3")
}

func TestRunStopsOnFatalError(t *testing.T) {
	gen := &generator.Scripted{Outcomes: []generator.Outcome{
		{Err: types.NewError(types.KindSchemaInvalid, "bad contract")},
		{Response: generator.Response{Text: "never reached"}},
	}}
	o := New(gen, Options{MaxAttempts: 5}, nil, nil).WithSleeper(noSleep)

	out := o.Run(context.Background(), testAtom())
	assert.Equal(t, types.StatusFailed, out.Status)
	assert.Equal(t, 1, out.AttemptCount)
	assert.Equal(t, types.KindSchemaInvalid, out.LastErrorKind)
	assert.Len(t, gen.Requests(), 1)
}

func TestRunExhaustsAttempts(t *testing.T) {
	gen := &generator.Scripted{Outcomes: []generator.Outcome{
		{Err: types.NewError(types.KindTransport, "503")},
	}}
	o := New(gen, Options{MaxAttempts: 3}, nil, nil).WithSleeper(noSleep)

	out := o.Run(context.Background(), testAtom())
	assert.Equal(t, types.StatusFailed, out.Status)
	assert.Equal(t, 3, out.AttemptCount)
	assert.Equal(t, types.KindTransport, out.LastErrorKind)
}

func TestRunValidatorRejectionTriggersRetry(t *testing.T) {
	gen := generator.Succeed("output", 0.01)
	calls := 0
	validate := func(_ context.Context, _ types.Atom, text string) error {
		calls++
		if calls == 1 {
			return types.NewError(types.KindValidationFail, "does not compile")
		}
		return nil
	}
	o := New(gen, Options{}, validate, nil).WithSleeper(noSleep)

	out := o.Run(context.Background(), testAtom())
	assert.Equal(t, types.StatusSucceeded, out.Status)
	assert.Equal(t, 2, out.AttemptCount)
}

func TestRunCancelledKeepsCost(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := generator.Func(func(context.Context, generator.Request) (generator.Response, error) {
		cancel()
		return generator.Response{CostUSD: 0.04}, nil
	})
	o := New(gen, Options{}, nil, nil).WithSleeper(noSleep)

	out := o.Run(ctx, testAtom())
	assert.Equal(t, types.StatusCancelled, out.Status)
	assert.Equal(t, 0.04, out.TotalCost)
}

func TestPerComplexityScheduleOverride(t *testing.T) {
	gen := &generator.Scripted{Outcomes: []generator.Outcome{
		{Err: types.NewError(types.KindTransport, "x")},
	}}
	o := New(gen, Options{
		MaxAttempts:  2,
		Temperatures: []float64{0.7, 0.5},
		PerComplexity: map[types.Complexity][]float64{
			types.ComplexityCritical: {0.3, 0.2},
		},
	}, nil, nil).WithSleeper(noSleep)

	a := testAtom()
	a.Complexity = types.ComplexityCritical
	o.Run(context.Background(), a)

	reqs := gen.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, 0.3, reqs[0].Temperature)
	assert.Equal(t, 0.2, reqs[1].Temperature)
}

func TestTemperatureClampsToLastEntry(t *testing.T) {
	gen := &generator.Scripted{Outcomes: []generator.Outcome{
		{Err: types.NewError(types.KindTransport, "x")},
	}}
	o := New(gen, Options{MaxAttempts: 4, Temperatures: []float64{0.7, 0.5}}, nil, nil).WithSleeper(noSleep)

	o.Run(context.Background(), testAtom())
	reqs := gen.Requests()
	require.Len(t, reqs, 4)
	assert.Equal(t, 0.5, reqs[2].Temperature)
	assert.Equal(t, 0.5, reqs[3].Temperature)
}

func TestBackoffBoundsAndJitter(t *testing.T) {
	o := New(generator.Succeed("", 0), Options{
		BackoffBase: time.Second,
		BackoffMax:  30 * time.Second,
	}, nil, nil).WithRand(rand.New(rand.NewSource(42)))

	for attempt := 1; attempt <= 10; attempt++ {
		d := o.backoff(attempt)
		base := time.Second << (attempt - 1)
		if base > 30*time.Second || base <= 0 {
			base = 30 * time.Second
		}
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.8))
		assert.LessOrEqual(t, d, 30*time.Second)
	}
}

func TestFeedbackTruncatesHugeErrors(t *testing.T) {
	huge := make([]byte, 10000)
	for i := range huge {
		huge[i] = 'x'
	}
	fb := buildFeedback(types.KindValidationFail, types.NewError(types.KindValidationFail, "%s", string(huge)), 1)
	assert.Less(t, len(fb), 2500)
	assert.Contains(t, fb, "truncated")
}

func TestRunSleepsBetweenAttempts(t *testing.T) {
	gen := &generator.Scripted{Outcomes: []generator.Outcome{
		{Err: types.NewError(types.KindTransport, "x")},
		{Response: generator.Response{Text: "ok"}},
	}}
	slept := 0
	o := New(gen, Options{}, nil, nil).WithSleeper(func(context.Context, time.Duration) error {
		slept++
		return nil
	})

	out := o.Run(context.Background(), testAtom())
	assert.Equal(t, types.StatusSucceeded, out.Status)
	assert.Equal(t, 1, slept)
}
