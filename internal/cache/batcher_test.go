package cache

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waveforge/internal/generator"
	"waveforge/internal/types"
)

func TestBatcherSingleJobPassesThrough(t *testing.T) {
	gen := generator.Succeed("answer", 0.01)
	b := NewBatcher(gen, 20*time.Millisecond, 5, nil, nil)
	defer b.Shutdown(context.Background())

	resp, err := b.Submit(context.Background(), generator.Request{Prompt: "p1", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "answer", resp.Text)
	require.Len(t, gen.Requests(), 1)
	assert.Equal(t, "p1", gen.Requests()[0].Prompt)
}

func TestBatcherCombinesConcurrentRequests(t *testing.T) {
	var mu sync.Mutex
	var prompts []string
	gen := generator.Func(func(_ context.Context, req generator.Request) (generator.Response, error) {
		mu.Lock()
		prompts = append(prompts, req.Prompt)
		mu.Unlock()
		parts := strings.Split(req.Prompt, strings.TrimSpace(batchSentinel))
		outs := make([]string, len(parts))
		for i, p := range parts {
			outs[i] = "echo:" + strings.TrimSpace(p)
		}
		return generator.Response{
			Text:    strings.Join(outs, batchSentinel),
			Usage:   generator.Usage{InTokens: 30, OutTokens: 60},
			CostUSD: 0.30,
		}, nil
	})

	b := NewBatcher(gen, 200*time.Millisecond, 5, nil, nil)
	defer b.Shutdown(context.Background())

	var wg sync.WaitGroup
	resps := make([]generator.Response, 3)
	for i, p := range []string{"alpha", "beta", "gamma"} {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			resp, err := b.Submit(context.Background(), generator.Request{Prompt: p, Model: "m"})
			require.NoError(t, err)
			resps[i] = resp
		}(i, p)
	}
	wg.Wait()

	mu.Lock()
	calls := len(prompts)
	mu.Unlock()
	assert.Equal(t, 1, calls, "three submits inside one window should be one call")

	assert.Equal(t, "echo:alpha", resps[0].Text)
	assert.Equal(t, "echo:beta", resps[1].Text)
	assert.Equal(t, "echo:gamma", resps[2].Text)
	for _, r := range resps {
		assert.InDelta(t, 0.10, r.CostUSD, 1e-9)
		assert.Equal(t, 10, r.Usage.InTokens)
	}
}

func TestBatcherShardsByTemperature(t *testing.T) {
	var mu sync.Mutex
	var calls []generator.Request
	gen := generator.Func(func(_ context.Context, req generator.Request) (generator.Response, error) {
		mu.Lock()
		calls = append(calls, req)
		mu.Unlock()
		return generator.Response{Text: "out:" + req.Prompt}, nil
	})

	b := NewBatcher(gen, 100*time.Millisecond, 5, nil, nil)
	defer b.Shutdown(context.Background())

	// Two concurrent submits at different temperatures must not share a
	// batch; each runs under its own sampling settings.
	var wg sync.WaitGroup
	for _, temp := range []float64{0.7, 0.3} {
		wg.Add(1)
		go func(temp float64) {
			defer wg.Done()
			resp, err := b.Submit(context.Background(), generator.Request{Prompt: "p", Model: "m", Temperature: temp})
			require.NoError(t, err)
			assert.Equal(t, "out:p", resp.Text)
		}(temp)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 2)
	temps := []float64{calls[0].Temperature, calls[1].Temperature}
	assert.ElementsMatch(t, []float64{0.7, 0.3}, temps)
	for _, c := range calls {
		assert.NotContains(t, c.Prompt, strings.TrimSpace(batchSentinel))
	}
}

func TestBatcherSplitMismatchFailsAllJobs(t *testing.T) {
	gen := generator.Func(func(context.Context, generator.Request) (generator.Response, error) {
		return generator.Response{Text: "one blob, no separators"}, nil
	})
	b := NewBatcher(gen, 200*time.Millisecond, 5, nil, nil)
	defer b.Shutdown(context.Background())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.Submit(context.Background(), generator.Request{Prompt: "p", Model: "m"})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.Error(t, err)
		assert.Equal(t, types.KindValidationFail, types.KindOf(err))
	}
}

func TestBatcherPropagatesGeneratorError(t *testing.T) {
	gen := generator.Func(func(context.Context, generator.Request) (generator.Response, error) {
		return generator.Response{}, types.NewError(types.KindTransport, "boom")
	})
	b := NewBatcher(gen, 10*time.Millisecond, 5, nil, nil)
	defer b.Shutdown(context.Background())

	_, err := b.Submit(context.Background(), generator.Request{Prompt: "p"})
	require.Error(t, err)
	assert.Equal(t, types.KindTransport, types.KindOf(err))
}
