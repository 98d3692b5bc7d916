package flowz

import (
	"context"
	"sync"
)

// FlowController tracks the buffered amount of a single stage against its
// high-water mark and exposes the drain signal that releases paused
// producers.
//
// Each stage exclusively owns one FlowController; controllers are never
// shared between stages. All methods are safe for concurrent use by the
// stage's producer and consumer sides.
//
// The buffered amount can never go negative: a Remove that would underflow
// indicates the consumer side released weight it never acquired, which is a
// programming error and panics rather than being reported as a data
// condition.
type FlowController struct {
	mu        sync.Mutex
	buffered  int
	highWater int
	saturated bool
	drainWait chan struct{} // non-nil exactly while saturated
}

// NewFlowController creates a controller with the given high-water mark.
// Non-positive marks fall back to DefaultHighWaterMark.
func NewFlowController(highWaterMark int) *FlowController {
	if highWaterMark <= 0 {
		highWaterMark = DefaultHighWaterMark
	}
	return &FlowController{highWater: highWaterMark}
}

// Add accounts weight units of newly buffered data. It returns false when
// the stage is now saturated and the producer should pause until the drain
// signal fires.
func (f *FlowController) Add(weight int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.buffered += weight
	if !f.saturated && f.buffered >= f.highWater {
		f.saturated = true
		f.drainWait = make(chan struct{})
	}
	return !f.saturated
}

// Remove accounts weight units of consumed data, firing the drain signal
// when the buffered amount falls back below the high-water mark.
func (f *FlowController) Remove(weight int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.buffered -= weight
	if f.buffered < 0 {
		panic("flowz: negative buffered amount")
	}
	if f.saturated && f.buffered < f.highWater {
		f.saturated = false
		close(f.drainWait)
		f.drainWait = nil
	}
}

// BufferedAmount returns the sum of accounting units not yet consumed.
func (f *FlowController) BufferedAmount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered
}

// HighWaterMark returns the configured saturation threshold.
func (f *FlowController) HighWaterMark() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.highWater
}

// Saturated reports whether the buffered amount has reached the high-water
// mark and not yet drained.
func (f *FlowController) Saturated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saturated
}

// WaitDrain blocks until the controller drains below its high-water mark.
// If the controller is not saturated, it returns immediately.
func (f *FlowController) WaitDrain(ctx context.Context) error {
	ch := f.drainChan()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainChan returns the current drain channel, nil when not saturated.
// Stages that need to race the drain signal against their own termination
// select on this directly.
func (f *FlowController) drainChan() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.saturated {
		return nil
	}
	return f.drainWait
}
