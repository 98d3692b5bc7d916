package flowz

import (
	"context"
	"errors"
	"sync/atomic"
)

// Source produces chunks of type T on demand.
//
// Pull is the only production path; push-style producers adapt through
// FromChannel. Exactly one Pull may be outstanding at a time per source:
// a concurrent Pull is a contract violation rejected with ErrConcurrentPull.
//
// Once a source reports done it stays done; every later Pull returns
// done=true again. Once a Pull returns an error the source is Errored and
// emits no further chunks.
type Source[T any] interface {
	Stage

	// Pull returns the next chunk, or done=true when the source is
	// exhausted. The returned chunk must not be mutated in place by the
	// caller if it crosses another stage boundary by reference.
	Pull(ctx context.Context) (chunk T, done bool, err error)
}

// Generator adapts a pull function into a Source. It enforces the
// single-outstanding-pull contract, latches done and error states, and runs
// the optional release hook exactly once on the first terminal transition.
type Generator[T any] struct {
	name    Name
	next    func(context.Context) (T, bool, error)
	life    *lifecycle
	pulling atomic.Bool
}

// Generate creates a Source from a pull function. The function returns the
// next chunk, done=true at end-of-data, or an error on producer failure.
// The single-outstanding-pull guard serializes calls, so the function may
// safely close over mutable state:
//
//	i := 0
//	nums := flowz.Generate("naturals", func(context.Context) (int, bool, error) {
//	    i++
//	    return i, false, nil
//	})
func Generate[T any](name Name, next func(context.Context) (T, bool, error)) *Generator[T] {
	return &Generator[T]{
		name: name,
		next: next,
		life: newLifecycle(nil),
	}
}

// WithRelease sets a hook that runs exactly once when the source reaches a
// terminal state, regardless of which terminal state or how many
// termination triggers fire. Use it to close file handles, sockets, and
// other underlying resources. Returns the same instance for chaining.
func (g *Generator[T]) WithRelease(release func(reason error)) *Generator[T] {
	g.life.mu.Lock()
	g.life.teardown = release
	g.life.mu.Unlock()
	return g
}

// Name returns the name of this source.
func (g *Generator[T]) Name() Name { return g.name }

// State returns the source's lifecycle state.
func (g *Generator[T]) State() State { return g.life.current() }

// Err returns the terminal reason, nil unless Errored or Cancelled.
func (g *Generator[T]) Err() error { return g.life.err() }

// Done returns a channel closed when the source reaches a terminal state.
func (g *Generator[T]) Done() <-chan struct{} { return g.life.terminated() }

// Cancel stops production, releases underlying resources, and transitions
// to Cancelled. Idempotent.
func (g *Generator[T]) Cancel(reason error) {
	g.life.cancel(reason)
}

// Pull implements Source.
func (g *Generator[T]) Pull(ctx context.Context) (T, bool, error) {
	var zero T

	if !g.pulling.CompareAndSwap(false, true) {
		return zero, false, newStageError(g.name, FaultProtocol, ErrConcurrentPull)
	}
	defer g.pulling.Store(false)

	switch g.life.current() {
	case StateCompleted:
		return zero, true, nil
	case StateErrored:
		return zero, false, newStageError(g.name, FaultProducer, g.life.err())
	case StateCancelled:
		reason := g.life.err()
		if reason == nil {
			reason = context.Canceled
		}
		return zero, false, newStageError(g.name, FaultCancellation, reason)
	}
	g.life.activate()

	if err := ctx.Err(); err != nil {
		g.life.cancel(err)
		return zero, false, newStageError(g.name, FaultCancellation, err)
	}

	chunk, done, err := g.produce(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			g.life.cancel(err)
			return zero, false, newStageError(g.name, FaultCancellation, err)
		}
		g.life.fail(err)
		return zero, false, newStageError(g.name, FaultProducer, err)
	}
	if done {
		g.life.complete()
		return zero, true, nil
	}
	return chunk, false, nil
}

// produce invokes the pull function with panic containment.
func (g *Generator[T]) produce(ctx context.Context) (chunk T, done bool, err error) {
	var ferr *Error
	defer func() {
		if ferr != nil {
			err = ferr
		}
	}()
	defer recoverToError(&ferr, g.name, FaultProducer)
	return g.next(ctx)
}

// FromSlice creates a Source that emits the given items in order, then done.
func FromSlice[T any](name Name, items []T) *Generator[T] {
	i := 0
	return Generate(name, func(context.Context) (T, bool, error) {
		if i >= len(items) {
			var zero T
			return zero, true, nil
		}
		item := items[i]
		i++
		return item, false, nil
	})
}

// FromChannel creates a Source backed by a channel. The source completes
// when the channel is closed. A pull blocked on an empty channel observes
// context cancellation.
func FromChannel[T any](name Name, ch <-chan T) *Generator[T] {
	return Generate(name, func(ctx context.Context) (T, bool, error) {
		var zero T
		select {
		case item, ok := <-ch:
			if !ok {
				return zero, true, nil
			}
			return item, false, nil
		case <-ctx.Done():
			return zero, false, ctx.Err()
		}
	})
}
