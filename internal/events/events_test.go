package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitStampsZeroTimestamp(t *testing.T) {
	sink := &MemorySink{}
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	em := NewEmitter(sink, nil).WithClock(func() time.Time { return fixed })

	em.Emit(Event{Type: WaveStarted, RunID: "r1"})
	evs := sink.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, fixed, evs[0].TS)
}

func TestEmitPreservesExplicitTimestamp(t *testing.T) {
	sink := &MemorySink{}
	em := NewEmitter(sink, nil)
	stamped := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	em.Emit(Event{Type: AtomSucceeded, TS: stamped})
	assert.Equal(t, stamped, sink.Events()[0].TS)
}

func TestNilEmitterAndNilSinkAreSafe(t *testing.T) {
	var em *Emitter
	em.Emit(Event{Type: AtomFailed}) // must not panic

	NewEmitter(nil, nil).Emit(Event{Type: AtomFailed})
}

func TestMemorySinkByType(t *testing.T) {
	sink := &MemorySink{}
	em := NewEmitter(sink, nil)
	em.Emit(Event{Type: AtomStarted})
	em.Emit(Event{Type: AtomSucceeded})
	em.Emit(Event{Type: AtomStarted})

	assert.Len(t, sink.ByType(AtomStarted), 2)
	assert.Len(t, sink.ByType(AtomSucceeded), 1)
	assert.Empty(t, sink.ByType(GateFailed))
}

func TestMemorySinkEventsReturnsCopy(t *testing.T) {
	sink := &MemorySink{}
	sink.Publish(Event{Type: WaveStarted})

	got := sink.Events()
	got[0].Type = AtomFailed
	assert.Equal(t, WaveStarted, sink.Events()[0].Type)
}

func TestMultiSinkFansOut(t *testing.T) {
	a, b := &MemorySink{}, &MemorySink{}
	multi := MultiSink{a, nil, b}
	multi.Publish(Event{Type: GateChecked})

	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestEventJSONOmitsEmptyFields(t *testing.T) {
	data, err := Event{Type: ExecutionCompleted, TS: time.Now()}.JSON()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "type")
	assert.NotContains(t, raw, "run_id")
	assert.NotContains(t, raw, "atom_id")
	assert.NotContains(t, raw, "payload")
}
