package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the engine-visible error taxonomy. Every failure that crosses
// a component boundary is classified into exactly one kind; the retry
// orchestrator and the service map kinds to retry, skip, or halt.
type ErrorKind string

const (
	// Engine-level kinds.
	KindInvalidInput     ErrorKind = "invalid_input"
	KindGraphNonAcyclic  ErrorKind = "graph_non_acyclic"
	KindHardCostExceeded ErrorKind = "hard_cost_exceeded"
	KindBackpressure     ErrorKind = "backpressure"
	KindCacheError       ErrorKind = "cache_error"
	KindPersistence      ErrorKind = "persistence_error"

	// Generator failure kinds, transient (retried with annealing).
	KindTimeout          ErrorKind = "timeout"
	KindTransport        ErrorKind = "transport_error"
	KindValidationFail   ErrorKind = "validation_fail"
	KindGeneratorRefusal ErrorKind = "generator_refusal"

	// Generator failure kinds, fatal (never retried).
	KindSchemaInvalid    ErrorKind = "schema_invalid"
	KindContractMismatch ErrorKind = "contract_mismatch"

	KindUnknown ErrorKind = "unknown"
)

// Fatal reports whether a generation failure of this kind must not be
// retried. Unrecognized kinds default to transient.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindSchemaInvalid, KindContractMismatch, KindHardCostExceeded:
		return true
	}
	return false
}

// EngineError carries a kind alongside the wrapped cause.
type EngineError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *EngineError) Unwrap() error { return e.Err }

// NewError builds an EngineError with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *EngineError {
	return &EngineError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying error.
func WrapError(kind ErrorKind, err error, format string, args ...any) *EngineError {
	return &EngineError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain, KindUnknown if absent.
func KindOf(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindUnknown
}

// Sentinels for conditions callers branch on without needing a payload.
var (
	ErrInvalidEdge   = errors.New("edge references unknown atom")
	ErrInvalidLimits = errors.New("invalid cost limits")
	ErrQueueFull     = errors.New("queue at capacity")
	ErrQueueTimeout  = errors.New("dequeue wait timed out")
	ErrQueueDrained  = errors.New("queue closed and drained")
	ErrRunExists     = errors.New("run already exists")
	ErrRunNotFound   = errors.New("run not found")
	ErrStaleVersion  = errors.New("run state version conflict")
	ErrGateBlocked   = errors.New("blocked by acceptance gate")
)
