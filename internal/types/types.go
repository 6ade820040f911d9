// Package types defines the shared data model of the execution engine:
// atoms, dependency edges, waves, execution plans, and acceptance tests.
//
// Everything here is plain data. Behavior lives in the component packages
// (graph, planner, cost, queue, cache, retry, executor, gate, service);
// they all speak these types so none of them import each other's internals.
package types

import (
	"time"

	"github.com/google/uuid"
)

// AtomID identifies one atom. Stable 128-bit, unique within a masterplan.
type AtomID = uuid.UUID

// Complexity buckets drive parallelism weighting, queue priority, and the
// optional per-complexity retry budget.
type Complexity string

const (
	ComplexityLow      Complexity = "low"
	ComplexityMedium   Complexity = "medium"
	ComplexityHigh     Complexity = "high"
	ComplexityCritical Complexity = "critical"
)

// Rank orders complexities for queue priority: critical dequeues first.
func (c Complexity) Rank() int {
	switch c {
	case ComplexityCritical:
		return 0
	case ComplexityHigh:
		return 1
	case ComplexityMedium:
		return 2
	default:
		return 3
	}
}

// Ratio maps complexity onto [0,1] for confidence scoring. Low work that
// succeeds is worth more certainty than critical work that barely passed.
func (c Complexity) Ratio() float64 {
	switch c {
	case ComplexityCritical:
		return 1.0
	case ComplexityHigh:
		return 0.75
	case ComplexityMedium:
		return 0.5
	default:
		return 0.25
	}
}

// Status is the lifecycle state of an atom within a run.
type Status string

const (
	StatusPending     Status = "pending"      // Not yet schedulable
	StatusReady       Status = "ready"        // All predecessors terminal-ok
	StatusInProgress  Status = "in_progress"  // Claimed by a worker
	StatusSucceeded   Status = "succeeded"    // Generator output accepted
	StatusFailed      Status = "failed"       // Out of attempts or fatal error
	StatusSkipped     Status = "skipped"      // Not executed (admission refused, etc.)
	StatusCancelled   Status = "cancelled"    // Run cancelled while in flight
	StatusNeedsReview Status = "needs_review" // Succeeded with low confidence
)

// Terminal reports whether the status is final for this run. needs_review is
// released-but-flagged, not terminal: a resume may redo those atoms.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}

// Atom is the smallest unit of code generation scheduled by the engine.
type Atom struct {
	ID           AtomID     `json:"id"`
	MasterplanID string     `json:"masterplan_id"`
	TaskID       string     `json:"task_id,omitempty"`
	ParentAtomID *AtomID    `json:"parent_atom_id,omitempty"`
	Complexity   Complexity `json:"complexity"`

	// EstimatedCost is a non-negative USD-equivalent used for admission.
	// The engine treats it as an input; it never computes estimates.
	EstimatedCost float64 `json:"estimated_cost"`

	TargetFiles    []string `json:"target_files,omitempty"`
	AcceptanceRefs []string `json:"acceptance_refs,omitempty"`

	// Prompt is the assembled generation prompt. Prompt assembly is an
	// external collaborator; the engine only carries the text through.
	Prompt string `json:"prompt,omitempty"`

	Status        Status  `json:"status"`
	AttemptCount  int     `json:"attempt_count"`
	LastError     string  `json:"last_error,omitempty"`
	LastErrorKind string  `json:"last_error_kind,omitempty"`
	Confidence    float64 `json:"confidence_score"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// EdgeKind classifies the evidence behind a dependency edge.
type EdgeKind string

const (
	EdgeImport   EdgeKind = "import"
	EdgeCall     EdgeKind = "call"
	EdgeVariable EdgeKind = "variable"
	EdgeType     EdgeKind = "type"
	EdgeDataFlow EdgeKind = "data_flow"
)

// Edge is a directed dependency: Dst consumes something produced by Src.
// Edges carry no runtime state; they live with the plan.
type Edge struct {
	Src        AtomID   `json:"src"`
	Dst        AtomID   `json:"dst"`
	Kind       EdgeKind `json:"kind"`
	Weight     float64  `json:"weight"`
	Confidence float64  `json:"confidence"`
}

// RemovedEdge records one edge dropped while breaking cycles, for audit.
type RemovedEdge struct {
	Edge   Edge   `json:"edge"`
	Reason string `json:"reason"`
}

// Wave is a set of atoms whose predecessors all live in strictly
// lower-indexed waves.
type Wave struct {
	Index       int      `json:"index"`
	AtomIDs     []AtomID `json:"atom_ids"`
	MaxParallel int      `json:"max_parallel"`

	// ExpectedDurationHint is telemetry-only; nothing schedules on it.
	ExpectedDurationHint time.Duration `json:"expected_duration_hint,omitempty"`
}

// ExecutionPlan is the level-partitioned schedule produced by the planner.
type ExecutionPlan struct {
	MasterplanID     string        `json:"masterplan_id"`
	Waves            []Wave        `json:"waves"`
	TotalAtoms       int           `json:"total_atoms"`
	CycleBrokenEdges []RemovedEdge `json:"cycle_broken_edges,omitempty"`
}

// RunStatus is the lifecycle state of one execution run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunActive    RunStatus = "active"
	RunPaused    RunStatus = "paused"
	RunBlocked   RunStatus = "blocked" // Gate refused to advance
	RunDegraded  RunStatus = "degraded"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// TestPriority weights an acceptance test in the gate decision.
type TestPriority string

const (
	PriorityMust   TestPriority = "must"
	PriorityShould TestPriority = "should"
)

// TestLanguage selects the acceptance runner toolchain.
type TestLanguage string

const (
	LangPytest TestLanguage = "pytest"
	LangJest   TestLanguage = "jest"
	LangVitest TestLanguage = "vitest"
)

// AcceptanceTest is one auto-generated gate test.
type AcceptanceTest struct {
	ID             string       `json:"id"`
	MasterplanID   string       `json:"masterplan_id"`
	Requirement    string       `json:"requirement_text"`
	Priority       TestPriority `json:"priority"`
	Code           string       `json:"code"`
	Language       TestLanguage `json:"language"`
	TimeoutSeconds int          `json:"timeout_seconds"`
}

// TestStatus is the outcome of a single acceptance test execution.
type TestStatus string

const (
	TestPass    TestStatus = "pass"
	TestFail    TestStatus = "fail"
	TestTimeout TestStatus = "timeout"
	TestError   TestStatus = "error"
)

// Failed reports whether the status counts as a failure for gate math.
// Timeouts and runner errors are failures; only a clean pass is not.
func (s TestStatus) Failed() bool { return s != TestPass }

// AcceptanceResult is one recorded test execution.
type AcceptanceResult struct {
	ID           string     `json:"id"`
	TestID       string     `json:"test_id"`
	RunID        string     `json:"run_id,omitempty"`
	WaveIndex    *int       `json:"wave_index,omitempty"`
	Status       TestStatus `json:"status"`
	DurationMS   int64      `json:"duration_ms"`
	Stdout       string     `json:"stdout,omitempty"`
	Stderr       string     `json:"stderr,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}
