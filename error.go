package flowz

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Fault classifies where in the pipeline a failure originated.
type Fault int

const (
	// FaultNone is the zero value; no fault classification applies.
	FaultNone Fault = iota

	// FaultProducer means a source failed to produce a chunk
	// (I/O error, upstream fault).
	FaultProducer

	// FaultConsumer means a sink rejected or failed to accept a chunk.
	FaultConsumer

	// FaultTransform means a user-supplied mapping or flush function
	// returned an error or panicked.
	FaultTransform

	// FaultProtocol means a stage contract was violated by its caller:
	// a concurrent pull, or a write after close. Always a programming
	// error, never retried.
	FaultProtocol

	// FaultCancellation means the pipeline terminated because of an
	// external cancellation signal, not an intrinsic fault.
	FaultCancellation
)

// String returns a human-readable fault name.
func (f Fault) String() string {
	switch f {
	case FaultProducer:
		return "producer"
	case FaultConsumer:
		return "consumer"
	case FaultTransform:
		return "transform"
	case FaultProtocol:
		return "protocol"
	case FaultCancellation:
		return "cancellation"
	default:
		return "none"
	}
}

// Protocol violation sentinels. These surface immediately and loudly; they
// indicate a bug in calling code, never a recoverable data condition.
var (
	// ErrConcurrentPull is returned when a second Pull is issued while one
	// is already outstanding on the same source.
	ErrConcurrentPull = errors.New("concurrent pull on source")

	// ErrSinkClosed is returned when a chunk is written to a sink after
	// Close was called.
	ErrSinkClosed = errors.New("write after close")
)

// Error provides rich context about a pipeline failure: which stage
// originated it, the path of connectors it bubbled through, and whether it
// was a timeout or cancellation rather than an intrinsic fault.
//
// When two stages fail near-simultaneously (a source erroring while its
// sink is closing), the first error observed wins and becomes the Error;
// the second is retained in Secondary for diagnostics and is never surfaced
// as the primary failure.
type Error struct {
	Timestamp time.Time
	Err       error
	Secondary error
	Stage     Name
	Path      []Name
	Duration  time.Duration
	Fault     Fault
	Timeout   bool
	Canceled  bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	location := fmt.Sprintf("stage %q (%s)", e.Stage, e.Fault)

	if e.Timeout {
		return fmt.Sprintf("%s timed out after %v: %v", location, e.Duration, e.Err)
	}
	if e.Canceled {
		return fmt.Sprintf("%s canceled after %v: %v", location, e.Duration, e.Err)
	}
	return fmt.Sprintf("%s failed after %v: %v", location, e.Duration, e.Err)
}

// Unwrap returns the underlying error, supporting errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether the failure was caused by a deadline.
func (e *Error) IsTimeout() bool {
	return e.Timeout || errors.Is(e.Err, context.DeadlineExceeded)
}

// IsCanceled reports whether the failure was caused by cancellation.
func (e *Error) IsCanceled() bool {
	return e.Canceled || errors.Is(e.Err, context.Canceled)
}

// IsProtocolViolation reports whether the failure was a stage contract
// violation by calling code.
func (e *Error) IsProtocolViolation() bool {
	return e.Fault == FaultProtocol
}

// newStageError wraps err as an Error originating at stage with the given
// fault, unless err already carries stage context, in which case the
// existing Error is returned unchanged.
func newStageError(stage Name, fault Fault, err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{
		Timestamp: time.Now(),
		Err:       err,
		Stage:     stage,
		Path:      []Name{stage},
		Fault:     fault,
		Timeout:   errors.Is(err, context.DeadlineExceeded),
		Canceled:  errors.Is(err, context.Canceled),
	}
}

// prependPath pushes a connector name onto the front of an error's path,
// wrapping foreign errors first. It returns a copy: the same stage error
// can surface through several hops at once (fan-out cancellation), so the
// original is never mutated.
func prependPath(name Name, stage Name, fault Fault, err error) *Error {
	fe := newStageError(stage, fault, err)
	clone := *fe
	clone.Path = append([]Name{name}, fe.Path...)
	return &clone
}

// recoverToError converts a panic inside a stage's driving loop or a
// user-supplied function into a fault, so a panicking transform fails the
// pipeline instead of crashing the process.
func recoverToError(err **Error, stage Name, fault Fault) {
	if r := recover(); r != nil {
		*err = &Error{
			Timestamp: time.Now(),
			Err:       fmt.Errorf("panic: %v", r),
			Stage:     stage,
			Path:      []Name{stage},
			Fault:     fault,
		}
	}
}
