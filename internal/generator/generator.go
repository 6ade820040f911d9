// Package generator defines the contract the engine generates code through.
// The engine never talks to a model API directly; caching, batching, and
// retry all wrap this one interface.
package generator

import (
	"context"
	"sync"
	"time"

	"waveforge/internal/types"
)

// Request is one generation call. MasterplanID is bookkeeping for the cache
// layer and never reaches the provider.
type Request struct {
	Prompt       string
	Model        string
	Temperature  float64
	Deadline     time.Time // zero means the context deadline governs alone
	MasterplanID string
}

// Usage reports token consumption for one call.
type Usage struct {
	InTokens  int
	OutTokens int
}

// Response is a successful generation.
type Response struct {
	Text    string
	Usage   Usage
	CostUSD float64
}

// Generator is the single required external capability. Failures must be
// classified: return an *types.EngineError whose kind tells the retry
// orchestrator whether the call may be reattempted.
type Generator interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Func adapts a function to the Generator interface.
type Func func(ctx context.Context, req Request) (Response, error)

func (f Func) Invoke(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// Scripted replays a fixed sequence of outcomes, one per Invoke call, and
// records every request it sees. Test double used across the engine suites.
type Scripted struct {
	mu       sync.Mutex
	Outcomes []Outcome
	Calls    []Request
}

// Outcome is one scripted Invoke result.
type Outcome struct {
	Response Response
	Err      error
}

// Succeed returns a scripted generator that always succeeds with text and
// the given per-call cost.
func Succeed(text string, cost float64) *Scripted {
	return &Scripted{Outcomes: []Outcome{{Response: Response{Text: text, CostUSD: cost}}}}
}

func (s *Scripted) Invoke(_ context.Context, req Request) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, req)
	if len(s.Outcomes) == 0 {
		return Response{}, types.NewError(types.KindTransport, "scripted generator exhausted")
	}
	out := s.Outcomes[0]
	if len(s.Outcomes) > 1 {
		s.Outcomes = s.Outcomes[1:]
	}
	return out.Response, out.Err
}

// Requests returns a copy of the observed calls.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.Calls))
	copy(out, s.Calls)
	return out
}
