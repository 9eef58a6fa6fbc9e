// Package dispatcherrors defines the caller-visible error taxonomy shared by
// the protocol codec, worker, circuit breaker, load balancer, and dispatcher.
package dispatcherrors

import (
	"errors"
	"fmt"
)

// Kind identifies a caller-visible failure category.
type Kind string

const (
	KindInvalidRequest      Kind = "invalid_request"
	KindNoWorkersAvailable  Kind = "no_workers_available"
	KindCircuitOpen         Kind = "circuit_open"
	KindWorkerQueueFull     Kind = "worker_queue_full"
	KindWorkerNotReady      Kind = "worker_not_ready"
	KindRequestTimeout      Kind = "request_timeout"
	KindWorkerTerminated    Kind = "worker_terminated"
	KindProtocolError       Kind = "protocol_error"
	KindIncompatibleVersion Kind = "incompatible_protocol"
	KindShutdownInProgress  Kind = "shutdown_in_progress"
	KindInternalError       Kind = "internal_error"
)

// Error is the kinded error returned across component boundaries. It always
// carries a Kind and a human message, and optionally the id of the Worker
// involved.
type Error struct {
	Kind     Kind
	Message  string
	WorkerID string
	Cause    error
}

func (e *Error) Error() string {
	if e.WorkerID != "" {
		return fmt.Sprintf("%s: %s (worker=%s)", e.Kind, e.Message, e.WorkerID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that wraps cause, keeping cause reachable via errors.Is/As.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithWorker returns a copy of e annotated with workerID.
func (e *Error) WithWorker(workerID string) *Error {
	cp := *e
	cp.WorkerID = workerID
	return &cp
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error; otherwise
// it returns KindInternalError, following the "never panic on an uncaught
// internal error" fatal-conditions policy in spec.md §7.
func KindOf(err error) Kind {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind
	}
	return KindInternalError
}

// Is reports whether err is (or wraps) a dispatcher error of kind k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
