// Package events defines the structured event contract every component emits
// on, plus the sink implementations the engine ships with. Durable delivery
// is the store's outbox; sinks here are best effort.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"waveforge/internal/logging"
	"waveforge/internal/metrics"
	"waveforge/internal/types"
)

// Type enumerates the engine's event vocabulary.
type Type string

const (
	ExecutionStarted   Type = "execution_started"
	WaveStarted        Type = "wave_started"
	AtomStarted        Type = "atom_started"
	AtomSucceeded      Type = "atom_succeeded"
	AtomFailed         Type = "atom_failed"
	AtomSkipped        Type = "atom_skipped"
	AtomCancelled      Type = "atom_cancelled"
	AtomNeedsReview    Type = "atom_needs_review"
	WaveCompleted      Type = "wave_completed"
	GateChecked        Type = "gate_checked"
	GateFailed         Type = "gate_failed"
	ExecutionCompleted Type = "execution_completed"
	ExecutionPaused    Type = "execution_paused"
	ExecutionCancelled Type = "execution_cancelled"
	ExecutionDegraded  Type = "execution_degraded"
	CostSoftExceeded   Type = "cost_soft_exceeded"
	CostHardExceeded   Type = "cost_hard_exceeded"
	CacheHit           Type = "cache_hit"
	CacheMiss          Type = "cache_miss"
	BatchFlushed       Type = "batch_flushed"
)

// Event is the wire shape published to sinks and persisted in the outbox.
type Event struct {
	Type         Type           `json:"type"`
	RunID        string         `json:"run_id,omitempty"`
	MasterplanID string         `json:"masterplan_id,omitempty"`
	AtomID       *types.AtomID  `json:"atom_id,omitempty"`
	WaveIndex    *int           `json:"wave_index,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	TS           time.Time      `json:"ts"`
}

// JSON serializes the event for the outbox.
func (e Event) JSON() ([]byte, error) { return json.Marshal(e) }

// Sink receives events. Publish must be non-blocking-ish and must never
// panic; slow or failing sinks must not stall execution.
type Sink interface {
	Publish(ev Event)
}

// Emitter stamps, counts, logs, and fans out events. Components hold an
// *Emitter rather than a raw Sink so the bookkeeping is uniform.
type Emitter struct {
	sink Sink
	met  *metrics.Metrics
	now  func() time.Time
}

// NewEmitter wires a sink and metrics. Either may be nil.
func NewEmitter(sink Sink, met *metrics.Metrics) *Emitter {
	return &Emitter{sink: sink, met: met, now: time.Now}
}

// WithClock overrides the timestamp source, for deterministic tests.
func (em *Emitter) WithClock(now func() time.Time) *Emitter {
	em.now = now
	return em
}

// Emit stamps and publishes one event.
func (em *Emitter) Emit(ev Event) {
	if em == nil {
		return
	}
	if ev.TS.IsZero() {
		ev.TS = em.now()
	}
	if em.met != nil {
		em.met.EventsEmitted.WithLabelValues(string(ev.Type)).Inc()
	}
	logging.Get(logging.CategoryEvents).Debugw("emit",
		"type", ev.Type, "run", ev.RunID, "wave", ev.WaveIndex)
	if em.sink != nil {
		em.sink.Publish(ev)
	}
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Publish(Event) {}

// MemorySink records events in order, for tests and for `status` output.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a copy of everything published so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByType filters recorded events.
func (s *MemorySink) ByType(t Type) []Event {
	var out []Event
	for _, ev := range s.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// MultiSink fans out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Publish(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ev)
		}
	}
}
