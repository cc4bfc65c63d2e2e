// Package errkind classifies the error kinds spec.md §7 assigns distinct
// handling to, so callers can branch with errors.Is/errors.As instead of
// string matching. Errors are wrapped with fmt.Errorf at each layer
// boundary rather than routed through a bespoke error hierarchy.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is one of the five error classes spec.md §7 distinguishes.
type Kind int

const (
	// TransientStore: connection drop, deadlock, serialization failure.
	// Retried with backoff within the current tick; the tick is
	// abandoned once the retry budget is spent.
	TransientStore Kind = iota
	// PushWorkerFailure: a dispatch or sync call to an external
	// PushWorker failed. Recorded as a TaskflowEvent; does not abort
	// the rest of the batch.
	PushWorkerFailure
	// MisconfiguredWorkflow: a cycle in the dependency graph, an
	// unknown push_destination, or a recurring workflow/task missing
	// its schedule. The workflow is treated as inactive for the tick.
	MisconfiguredWorkflow
	// InvariantViolation: an observed state the model guarantees
	// should never occur (unknown status value, terminal reversal).
	// Aborts the current transaction but not the loop.
	InvariantViolation
	// Fatal: unrecoverable startup condition (schema mismatch). The
	// process exits with a non-zero code.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case TransientStore:
		return "transient_store"
	case PushWorkerFailure:
		return "push_worker_failure"
	case MisconfiguredWorkflow:
		return "misconfigured_workflow"
	case InvariantViolation:
		return "invariant_violation"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with its Kind and the component that
// raised it.
type Error struct {
	Kind Kind
	Op   string // component/operation, e.g. "scheduler.advance_layer"
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or something it wraps) is an *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
