// Package cost implements admission control and accounting against
// per-masterplan soft and hard spending caps.
package cost

import (
	"sync"
	"time"

	"waveforge/internal/events"
	"waveforge/internal/logging"
	"waveforge/internal/metrics"
	"waveforge/internal/types"
)

// Verdict is the admission decision for one prospective execution.
type Verdict int

const (
	Ok Verdict = iota
	SoftExceeded
	HardExceeded
)

func (v Verdict) String() string {
	switch v {
	case SoftExceeded:
		return "soft_exceeded"
	case HardExceeded:
		return "hard_exceeded"
	default:
		return "ok"
	}
}

// ViolationKind labels a recorded cap breach.
type ViolationKind string

const (
	ViolationSoft    ViolationKind = "soft"
	ViolationHard    ViolationKind = "hard"
	ViolationPerAtom ViolationKind = "per_atom"
)

// Violation is one append-only cap breach record.
type Violation struct {
	AtomID   types.AtomID
	Kind     ViolationKind
	Observed float64
	Cap      float64
	TS       time.Time
}

// Ledger is the per-masterplan accounting state.
type Ledger struct {
	MasterplanID   string
	Accumulated    float64
	SoftCap        float64
	HardCap        float64
	PerAtomCap     float64 // 0 disables
	AlertFiredSoft bool
	HardBreached   bool
	Violations     []Violation
}

// Guardrails is a process-wide registry of ledgers addressable by
// masterplan id. All methods are safe for concurrent use; each ledger is
// serialized under the registry lock, which keeps Accumulated monotonic.
type Guardrails struct {
	mu      sync.Mutex
	ledgers map[string]*Ledger
	emitter *events.Emitter
	met     *metrics.Metrics
	now     func() time.Time
}

// New constructs an empty registry. emitter and met may be nil.
func New(emitter *events.Emitter, met *metrics.Metrics) *Guardrails {
	return &Guardrails{
		ledgers: make(map[string]*Ledger),
		emitter: emitter,
		met:     met,
		now:     time.Now,
	}
}

// WithClock overrides the violation timestamp source for tests.
func (g *Guardrails) WithClock(now func() time.Time) *Guardrails {
	g.now = now
	return g
}

// SetLimits installs or replaces caps for a masterplan. Fails with
// ErrInvalidLimits when soft > hard or any cap is negative.
func (g *Guardrails) SetLimits(masterplanID string, soft, hard, perAtom float64) error {
	if soft < 0 || hard < 0 || perAtom < 0 || soft > hard {
		return types.WrapError(types.KindInvalidInput, types.ErrInvalidLimits,
			"soft=%.2f hard=%.2f per_atom=%.2f", soft, hard, perAtom)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	led := g.ledger(masterplanID)
	led.SoftCap = soft
	led.HardCap = hard
	led.PerAtomCap = perAtom
	led.HardBreached = led.Accumulated > hard
	return nil
}

// CheckBeforeExecution is a pure admission query: would spending estimated
// on this masterplan stay within caps? It never mutates the ledger.
func (g *Guardrails) CheckBeforeExecution(masterplanID string, estimated float64) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()
	led := g.ledger(masterplanID)
	if led.HardBreached {
		return HardExceeded
	}
	projected := led.Accumulated + estimated
	if projected > led.HardCap {
		return HardExceeded
	}
	if projected > led.SoftCap {
		return SoftExceeded
	}
	return Ok
}

// Record adds actual spend for one atom. The first crossing of the soft cap
// appends a soft violation and fires the soft alert exactly once per run;
// crossing the hard cap latches admission refusal until Reset.
func (g *Guardrails) Record(masterplanID string, atomID types.AtomID, actual float64) {
	if actual < 0 {
		actual = 0
	}
	g.mu.Lock()
	led := g.ledger(masterplanID)
	before := led.Accumulated
	led.Accumulated += actual

	var fired []events.Event
	if led.PerAtomCap > 0 && actual > led.PerAtomCap {
		led.Violations = append(led.Violations, Violation{
			AtomID: atomID, Kind: ViolationPerAtom, Observed: actual, Cap: led.PerAtomCap, TS: g.now(),
		})
		logging.Get(logging.CategoryCost).Warnw("per-atom cap exceeded",
			"masterplan", masterplanID, "atom", atomID, "cost", actual, "cap", led.PerAtomCap)
	}
	if !led.AlertFiredSoft && before <= led.SoftCap && led.Accumulated > led.SoftCap {
		led.AlertFiredSoft = true
		led.Violations = append(led.Violations, Violation{
			AtomID: atomID, Kind: ViolationSoft, Observed: led.Accumulated, Cap: led.SoftCap, TS: g.now(),
		})
		fired = append(fired, events.Event{
			Type: events.CostSoftExceeded, MasterplanID: masterplanID, AtomID: &atomID,
			Payload: map[string]any{"accumulated": led.Accumulated, "cap": led.SoftCap},
		})
	}
	if !led.HardBreached && led.Accumulated > led.HardCap {
		led.HardBreached = true
		led.Violations = append(led.Violations, Violation{
			AtomID: atomID, Kind: ViolationHard, Observed: led.Accumulated, Cap: led.HardCap, TS: g.now(),
		})
		fired = append(fired, events.Event{
			Type: events.CostHardExceeded, MasterplanID: masterplanID, AtomID: &atomID,
			Payload: map[string]any{"accumulated": led.Accumulated, "cap": led.HardCap},
		})
	}
	g.mu.Unlock()

	if g.met != nil {
		g.met.CostUSDTotal.WithLabelValues("generation").Add(actual)
	}
	for _, ev := range fired {
		g.emitter.Emit(ev)
	}
}

// RefuseAdmission records that an atom was denied execution because its
// estimate would cross the hard cap. The first refusal latches HardBreached,
// appends a hard violation, and fires the hard alert, so downstream waves and
// the CLI observe the breach even when no recorded spend crossed the cap.
func (g *Guardrails) RefuseAdmission(masterplanID string, atomID types.AtomID, estimated float64) {
	g.mu.Lock()
	led := g.ledger(masterplanID)
	var fired []events.Event
	if !led.HardBreached {
		led.HardBreached = true
		led.Violations = append(led.Violations, Violation{
			AtomID: atomID, Kind: ViolationHard, Observed: led.Accumulated + estimated, Cap: led.HardCap, TS: g.now(),
		})
		fired = append(fired, events.Event{
			Type: events.CostHardExceeded, MasterplanID: masterplanID, AtomID: &atomID,
			Payload: map[string]any{
				"accumulated": led.Accumulated, "estimated": estimated, "cap": led.HardCap,
			},
		})
		logging.Get(logging.CategoryCost).Warnw("hard cost cap reached at admission",
			"masterplan", masterplanID, "atom", atomID,
			"accumulated", led.Accumulated, "estimated", estimated, "cap", led.HardCap)
	}
	g.mu.Unlock()

	for _, ev := range fired {
		g.emitter.Emit(ev)
	}
}

// Snapshot returns a copy of the ledger for status reporting.
func (g *Guardrails) Snapshot(masterplanID string) Ledger {
	g.mu.Lock()
	defer g.mu.Unlock()
	led := g.ledger(masterplanID)
	cp := *led
	cp.Violations = append([]Violation(nil), led.Violations...)
	return cp
}

// Restore installs a previously persisted ledger, replacing any in-memory
// state for that masterplan. Used on run resumption.
func (g *Guardrails) Restore(led Ledger) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := led
	cp.Violations = append([]Violation(nil), led.Violations...)
	g.ledgers[led.MasterplanID] = &cp
}

// Reset clears one ledger, or every ledger when masterplanID is empty.
// Operator action; the only way to un-latch a hard breach.
func (g *Guardrails) Reset(masterplanID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if masterplanID == "" {
		g.ledgers = make(map[string]*Ledger)
		return
	}
	delete(g.ledgers, masterplanID)
}

// ledger returns the ledger, creating a default-capped one on first touch.
// Callers hold g.mu.
func (g *Guardrails) ledger(id string) *Ledger {
	led, ok := g.ledgers[id]
	if !ok {
		led = &Ledger{MasterplanID: id, SoftCap: 50, HardCap: 100}
		g.ledgers[id] = led
	}
	return led
}
