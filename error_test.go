package flowz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestError_Message(t *testing.T) {
	base := errors.New("disk full")

	t.Run("Failure", func(t *testing.T) {
		ferr := &Error{
			Err:      base,
			Stage:    "writer",
			Fault:    FaultConsumer,
			Duration: 5 * time.Millisecond,
		}
		msg := ferr.Error()
		if !strings.Contains(msg, `stage "writer"`) || !strings.Contains(msg, "consumer") {
			t.Errorf("unexpected message: %s", msg)
		}
		if !strings.Contains(msg, "disk full") {
			t.Errorf("message should carry the root cause: %s", msg)
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		ferr := &Error{Err: context.DeadlineExceeded, Stage: "reader", Timeout: true}
		if !strings.Contains(ferr.Error(), "timed out") {
			t.Errorf("unexpected message: %s", ferr.Error())
		}
		if !ferr.IsTimeout() {
			t.Error("expected IsTimeout")
		}
	})

	t.Run("Canceled", func(t *testing.T) {
		ferr := &Error{Err: context.Canceled, Stage: "reader", Canceled: true}
		if !strings.Contains(ferr.Error(), "canceled") {
			t.Errorf("unexpected message: %s", ferr.Error())
		}
		if !ferr.IsCanceled() {
			t.Error("expected IsCanceled")
		}
	})
}

func TestError_Unwrap(t *testing.T) {
	base := errors.New("root cause")
	ferr := &Error{Err: fmt.Errorf("wrapped: %w", base), Stage: "s"}
	if !errors.Is(ferr, base) {
		t.Error("errors.Is should reach the root cause through Unwrap")
	}
}

func TestFault_String(t *testing.T) {
	cases := map[Fault]string{
		FaultNone:         "none",
		FaultProducer:     "producer",
		FaultConsumer:     "consumer",
		FaultTransform:    "transform",
		FaultProtocol:     "protocol",
		FaultCancellation: "cancellation",
	}
	for fault, want := range cases {
		if got := fault.String(); got != want {
			t.Errorf("Fault(%d).String() = %q, want %q", fault, got, want)
		}
	}
}

func TestNewStageError(t *testing.T) {
	t.Run("Wraps Foreign Errors", func(t *testing.T) {
		ferr := newStageError("reader", FaultProducer, errors.New("io error"))
		if ferr.Stage != "reader" || ferr.Fault != FaultProducer {
			t.Errorf("unexpected wrapping: %+v", ferr)
		}
		if len(ferr.Path) != 1 || ferr.Path[0] != "reader" {
			t.Errorf("expected path [reader], got %v", ferr.Path)
		}
	})

	t.Run("Passes Through Existing Errors", func(t *testing.T) {
		orig := newStageError("reader", FaultProducer, errors.New("io error"))
		again := newStageError("other", FaultConsumer, orig)
		if again != orig {
			t.Error("existing *Error should pass through unchanged")
		}
	})

	t.Run("Detects Cancellation Flags", func(t *testing.T) {
		ferr := newStageError("s", FaultCancellation, context.DeadlineExceeded)
		if !ferr.Timeout {
			t.Error("deadline errors should set Timeout")
		}
		ferr = newStageError("s", FaultCancellation, context.Canceled)
		if !ferr.Canceled {
			t.Error("cancel errors should set Canceled")
		}
	})
}

func TestPrependPath(t *testing.T) {
	orig := newStageError("reader", FaultProducer, errors.New("io error"))
	wrapped := prependPath("pipe-1", orig.Stage, orig.Fault, orig)

	if len(wrapped.Path) != 2 || wrapped.Path[0] != "pipe-1" || wrapped.Path[1] != "reader" {
		t.Errorf("expected path [pipe-1 reader], got %v", wrapped.Path)
	}
	// The original must not be mutated: the same stage error can surface
	// through several hops during fan-out cancellation.
	if len(orig.Path) != 1 {
		t.Errorf("original path mutated: %v", orig.Path)
	}
}

func TestProtocolSentinels(t *testing.T) {
	ferr := newStageError("src", FaultProtocol, ErrConcurrentPull)
	if !ferr.IsProtocolViolation() {
		t.Error("expected protocol violation")
	}
	if !errors.Is(ferr, ErrConcurrentPull) {
		t.Error("sentinel should survive wrapping")
	}
}
