package flowz

import (
	"context"
	"sync"
	"sync/atomic"
)

// TransformFunc maps one input chunk to zero or more output chunks by
// calling emit for each output. Returning an error fails the transform;
// an error returned by emit must be propagated back unchanged.
type TransformFunc[In, Out any] func(ctx context.Context, chunk In, emit func(Out) error) error

// FlushFunc emits a transform's trailing buffered state (a partial line,
// an incomplete batch) when upstream signals end-of-data, before the
// transform reports done downstream.
type FlushFunc[Out any] func(ctx context.Context, emit func(Out) error) error

// Transform is simultaneously a Sink[In] and a Source[Out]: it receives
// input chunks through Write and emits output chunks through Pull.
//
// Its FlowController applies to the output side: Write reports ok=false
// when emitted outputs accumulate past the output high-water mark, pausing
// the upstream pipe until downstream pulls drain the buffer. The input side
// inherits backpressure from the Sink contract.
//
// Output order is strict: every output of input chunk i is emitted before
// any output of chunk i+1. There is no reordering within a transform.
type Transform[In, Out any] struct {
	name  Name
	fn    TransformFunc[In, Out]
	flush FlushFunc[Out]
	weigh Weigher[Out]
	flow  *FlowController
	life  *lifecycle

	mu        sync.Mutex
	out       []pending[Out]
	inputDone bool
	notify    chan struct{} // closed and replaced whenever out or inputDone changes

	pulling atomic.Bool
}

// NewTransform creates a Transform from a mapping function. The default
// configuration is object mode with DefaultHighWaterMark on the output
// side; adjust with the WithXxx chaining setters before attaching the
// transform to a pipe.
func NewTransform[In, Out any](name Name, fn TransformFunc[In, Out]) *Transform[In, Out] {
	return &Transform[In, Out]{
		name:   name,
		fn:     fn,
		weigh:  CountWeight[Out],
		flow:   NewFlowController(DefaultHighWaterMark),
		life:   newLifecycle(nil),
		notify: make(chan struct{}),
	}
}

// WithFlush sets the end-of-data flush function. Returns the same instance
// for chaining.
func (t *Transform[In, Out]) WithFlush(flush FlushFunc[Out]) *Transform[In, Out] {
	t.flush = flush
	return t
}

// WithHighWaterMark sets the output-side saturation threshold.
func (t *Transform[In, Out]) WithHighWaterMark(highWaterMark int) *Transform[In, Out] {
	t.flow = NewFlowController(highWaterMark)
	return t
}

// WithWeigher sets the output-side accounting weigher.
func (t *Transform[In, Out]) WithWeigher(weigh Weigher[Out]) *Transform[In, Out] {
	if weigh != nil {
		t.weigh = weigh
	}
	return t
}

// WithRelease sets a hook that runs exactly once when the transform reaches
// a terminal state.
func (t *Transform[In, Out]) WithRelease(release func(reason error)) *Transform[In, Out] {
	t.life.mu.Lock()
	t.life.teardown = release
	t.life.mu.Unlock()
	return t
}

// Name returns the name of this transform.
func (t *Transform[In, Out]) Name() Name { return t.name }

// State returns the transform's lifecycle state.
func (t *Transform[In, Out]) State() State { return t.life.current() }

// Err returns the terminal reason, nil unless Errored or Cancelled.
func (t *Transform[In, Out]) Err() error { return t.life.err() }

// Done returns a channel closed when the transform reaches a terminal
// state.
func (t *Transform[In, Out]) Done() <-chan struct{} { return t.life.terminated() }

// BufferedAmount returns the output-side accounting units not yet pulled.
func (t *Transform[In, Out]) BufferedAmount() int { return t.flow.BufferedAmount() }

// Saturated reports whether the output side is at or above its high-water
// mark.
func (t *Transform[In, Out]) Saturated() bool { return t.flow.Saturated() }

// Cancel implements Stage. Idempotent.
func (t *Transform[In, Out]) Cancel(reason error) {
	if t.life.cancel(reason) {
		t.wakeAll()
	}
}

// Write implements Sink[In]: it runs the mapping function on the chunk and
// buffers the emitted outputs. ok=false means the output buffer is
// saturated and the caller should await Drain.
func (t *Transform[In, Out]) Write(ctx context.Context, chunk In) (bool, error) {
	t.mu.Lock()
	if state := t.life.current(); state.Terminal() {
		t.mu.Unlock()
		if err := t.terminalErr(); err != nil {
			return false, err
		}
		return false, newStageError(t.name, FaultProtocol, ErrSinkClosed)
	} else if t.inputDone {
		t.mu.Unlock()
		return false, newStageError(t.name, FaultProtocol, ErrSinkClosed)
	}
	t.life.activate()
	t.mu.Unlock()

	if err := t.apply(ctx, chunk); err != nil {
		t.life.fail(err)
		t.wakeAll()
		return false, newStageError(t.name, FaultTransform, err)
	}
	return !t.flow.Saturated(), nil
}

// apply runs the mapping function with panic containment, buffering emitted
// outputs in order.
func (t *Transform[In, Out]) apply(ctx context.Context, chunk In) (err error) {
	var ferr *Error
	defer func() {
		if ferr != nil {
			err = ferr
		}
	}()
	defer recoverToError(&ferr, t.name, FaultTransform)
	return t.fn(ctx, chunk, t.emit)
}

// emit appends one output chunk to the buffer and wakes pending pulls.
func (t *Transform[In, Out]) emit(chunk Out) error {
	t.mu.Lock()
	if t.life.current().Terminal() {
		t.mu.Unlock()
		return newStageError(t.name, FaultProtocol, ErrSinkClosed)
	}
	weight := t.weigh(chunk)
	t.out = append(t.out, pending[Out]{chunk: chunk, weight: weight})
	t.flow.Add(weight)
	t.signalLocked()
	t.mu.Unlock()
	return nil
}

// Drain implements Sink[In]: it resolves when the output buffer falls back
// below the high-water mark.
func (t *Transform[In, Out]) Drain(ctx context.Context) error {
	if err := t.terminalErr(); err != nil {
		return err
	}
	ch := t.flow.drainChan()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return t.terminalErr()
	case <-t.life.terminated():
		return t.terminalErr()
	case <-ctx.Done():
		return newStageError(t.name, FaultCancellation, ctx.Err())
	}
}

// Close implements Sink[In]. With a nil error it marks the input side done
// and runs the flush function; the transform itself completes once
// downstream has pulled every buffered output. With a non-nil error it
// fails immediately.
func (t *Transform[In, Out]) Close(err error) error {
	if err != nil {
		t.life.fail(err)
		t.wakeAll()
		return nil
	}

	t.mu.Lock()
	if t.inputDone {
		t.mu.Unlock()
		return nil
	}
	if t.life.current().Terminal() {
		t.mu.Unlock()
		return t.terminalErr()
	}
	t.life.activate()
	flush := t.flush
	t.mu.Unlock()

	if flush != nil {
		if ferr := t.applyFlush(flush); ferr != nil {
			t.life.fail(ferr)
			t.wakeAll()
			return newStageError(t.name, FaultTransform, ferr)
		}
	}

	t.mu.Lock()
	t.inputDone = true
	t.signalLocked()
	t.mu.Unlock()
	return nil
}

// applyFlush runs the flush function with panic containment.
func (t *Transform[In, Out]) applyFlush(flush FlushFunc[Out]) (err error) {
	var ferr *Error
	defer func() {
		if ferr != nil {
			err = ferr
		}
	}()
	defer recoverToError(&ferr, t.name, FaultTransform)
	return flush(context.Background(), t.emit)
}

// Pull implements Source[Out]: it pops buffered outputs in order, waiting
// for upstream writes when the buffer is empty, and reports done once the
// input side is closed and the buffer is exhausted.
func (t *Transform[In, Out]) Pull(ctx context.Context) (Out, bool, error) {
	var zero Out

	if !t.pulling.CompareAndSwap(false, true) {
		return zero, false, newStageError(t.name, FaultProtocol, ErrConcurrentPull)
	}
	defer t.pulling.Store(false)

	for {
		t.mu.Lock()
		switch t.life.current() {
		case StateCompleted:
			t.mu.Unlock()
			return zero, true, nil
		case StateErrored:
			err := t.life.err()
			t.mu.Unlock()
			return zero, false, newStageError(t.name, FaultTransform, err)
		case StateCancelled:
			reason := t.life.err()
			t.mu.Unlock()
			if reason == nil {
				reason = context.Canceled
			}
			return zero, false, newStageError(t.name, FaultCancellation, reason)
		}

		if len(t.out) > 0 {
			p := t.out[0]
			t.out = t.out[1:]
			t.mu.Unlock()
			t.flow.Remove(p.weight)
			return p.chunk, false, nil
		}
		if t.inputDone {
			t.mu.Unlock()
			t.life.complete()
			return zero, true, nil
		}
		wait := t.notify
		t.mu.Unlock()

		select {
		case <-wait:
		case <-t.life.terminated():
		case <-ctx.Done():
			return zero, false, newStageError(t.name, FaultCancellation, ctx.Err())
		}
	}
}

// signalLocked wakes pending pulls. Caller holds t.mu.
func (t *Transform[In, Out]) signalLocked() {
	close(t.notify)
	t.notify = make(chan struct{})
}

func (t *Transform[In, Out]) wakeAll() {
	t.mu.Lock()
	t.signalLocked()
	t.mu.Unlock()
}

// terminalErr maps a terminal lifecycle state to the error a data-path
// caller should see; nil while the transform is healthy or Completed.
func (t *Transform[In, Out]) terminalErr() error {
	switch t.life.current() {
	case StateErrored:
		return newStageError(t.name, FaultTransform, t.life.err())
	case StateCancelled:
		reason := t.life.err()
		if reason == nil {
			reason = context.Canceled
		}
		return newStageError(t.name, FaultCancellation, reason)
	default:
		return nil
	}
}

// Map creates a 1:1 Transform from a plain mapping function.
func Map[In, Out any](name Name, fn func(context.Context, In) (Out, error)) *Transform[In, Out] {
	return NewTransform(name, func(ctx context.Context, chunk In, emit func(Out) error) error {
		out, err := fn(ctx, chunk)
		if err != nil {
			return err
		}
		return emit(out)
	})
}

// Filter creates a Transform that passes through only the chunks for which
// keep returns true.
func Filter[T any](name Name, keep func(context.Context, T) bool) *Transform[T, T] {
	return NewTransform(name, func(ctx context.Context, chunk T, emit func(T) error) error {
		if !keep(ctx, chunk) {
			return nil
		}
		return emit(chunk)
	})
}
