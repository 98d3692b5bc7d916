package flowz

import (
	"context"
	"testing"
	"time"
)

func TestFlowController_Accounting(t *testing.T) {
	fc := NewFlowController(10)

	if fc.BufferedAmount() != 0 {
		t.Errorf("expected empty controller, got %d", fc.BufferedAmount())
	}
	if fc.HighWaterMark() != 10 {
		t.Errorf("expected high-water mark 10, got %d", fc.HighWaterMark())
	}

	if !fc.Add(4) {
		t.Error("Add below high-water mark should report unsaturated")
	}
	if !fc.Add(5) {
		t.Error("Add to 9 of 10 should report unsaturated")
	}
	if fc.Add(1) {
		t.Error("Add reaching high-water mark should report saturated")
	}
	if !fc.Saturated() {
		t.Error("controller should be saturated at the mark")
	}

	fc.Remove(1)
	if fc.Saturated() {
		t.Error("controller should drain below the mark")
	}
	if fc.BufferedAmount() != 9 {
		t.Errorf("expected 9 buffered, got %d", fc.BufferedAmount())
	}
}

func TestFlowController_DefaultHighWaterMark(t *testing.T) {
	fc := NewFlowController(0)
	if fc.HighWaterMark() != DefaultHighWaterMark {
		t.Errorf("expected default mark %d, got %d", DefaultHighWaterMark, fc.HighWaterMark())
	}
}

func TestFlowController_UnderflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on negative buffered amount")
		}
	}()
	fc := NewFlowController(10)
	fc.Add(1)
	fc.Remove(2)
}

func TestFlowController_WaitDrain(t *testing.T) {
	t.Run("Immediate When Unsaturated", func(t *testing.T) {
		fc := NewFlowController(10)
		if err := fc.WaitDrain(context.Background()); err != nil {
			t.Errorf("expected immediate drain, got %v", err)
		}
	})

	t.Run("Releases When Drained", func(t *testing.T) {
		fc := NewFlowController(2)
		fc.Add(2)

		drained := make(chan error, 1)
		go func() {
			drained <- fc.WaitDrain(context.Background())
		}()

		select {
		case <-drained:
			t.Fatal("drain resolved while still saturated")
		case <-time.After(20 * time.Millisecond):
		}

		fc.Remove(1)
		select {
		case err := <-drained:
			if err != nil {
				t.Errorf("expected nil drain, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("drain never resolved after removal")
		}
	})

	t.Run("Observes Context Cancellation", func(t *testing.T) {
		fc := NewFlowController(1)
		fc.Add(1)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := fc.WaitDrain(ctx); err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestWeighers(t *testing.T) {
	if got := ByteWeight([]byte("hello")); got != 5 {
		t.Errorf("ByteWeight = %d, want 5", got)
	}
	if got := ByteWeight(nil); got != 0 {
		t.Errorf("ByteWeight(nil) = %d, want 0", got)
	}
	if got := CountWeight(struct{ X int }{42}); got != 1 {
		t.Errorf("CountWeight = %d, want 1", got)
	}
}
