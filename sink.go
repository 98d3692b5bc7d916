package flowz

import (
	"context"
	"sync"
)

// Sink consumes chunks of type T and reports whether the caller may keep
// sending.
//
// Write returning ok=false means the sink is saturated: the caller should
// pause and await Drain before the next write. Writes are never dropped for
// flow-control reasons; saturation is a pacing hint, not an admission
// decision.
//
// Close signals that no more writes will come. A Write after Close is a
// contract violation rejected with ErrSinkClosed, never silently dropped.
type Sink[T any] interface {
	Stage

	// Write accepts a chunk. ok=false means pause until Drain resolves.
	Write(ctx context.Context, chunk T) (ok bool, err error)

	// Drain blocks until the buffered amount falls back below the
	// high-water mark. If the sink is not saturated it returns
	// immediately. It returns the sink's terminal error if the sink
	// fails or is cancelled while saturated.
	Drain(ctx context.Context) error

	// Close signals end of writes. With a nil error the sink flushes its
	// remaining buffered chunks and transitions to Completed; with a
	// non-nil error it transitions to Errored immediately.
	Close(err error) error
}

// pending is a queued write with its accounting weight captured at
// admission, so the weight removed on delivery always matches the weight
// added.
type pending[T any] struct {
	chunk  T
	weight int
}

// Consumer adapts a per-chunk function into a buffered Sink.
//
// Writes are admitted into a FIFO queue and delivered by a background
// flusher, so a slow delivery function exerts backpressure through the
// buffered amount rather than by blocking Write. Delivery is issued in
// write order; with write concurrency above one, completion order is
// unspecified but issuance order still holds.
//
// Cork suspends delivery so several logical writes coalesce into one flush
// burst on Uncork. Corking changes only the number and timing of flush
// operations, never the chunks delivered or their order. Writes issued
// while an uncork flush is running are deferred to the next flush.
type Consumer[T any] struct {
	name  Name
	fn    func(context.Context, T) error
	weigh Weigher[T]
	flow  *FlowController
	life  *lifecycle

	runCtx    context.Context
	runCancel context.CancelFunc

	mu          sync.Mutex
	queue       []pending[T]
	corked      int
	closed      bool
	started     bool
	concurrency int
	wake        chan struct{}
}

// Consume creates a Sink that delivers each chunk to fn. The default
// configuration is object mode (weight 1 per chunk) with
// DefaultHighWaterMark; adjust with the WithXxx chaining setters before the
// first write.
func Consume[T any](name Name, fn func(context.Context, T) error) *Consumer[T] {
	runCtx, runCancel := context.WithCancel(context.Background())
	c := &Consumer[T]{
		name:        name,
		fn:          fn,
		weigh:       CountWeight[T],
		flow:        NewFlowController(DefaultHighWaterMark),
		runCtx:      runCtx,
		runCancel:   runCancel,
		concurrency: 1,
		wake:        make(chan struct{}, 1),
	}
	c.life = newLifecycle(func(error) { runCancel() })
	return c
}

// WithHighWaterMark sets the saturation threshold in accounting units.
// Must be called before the first write. Returns the same instance for
// chaining.
func (c *Consumer[T]) WithHighWaterMark(highWaterMark int) *Consumer[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		c.flow = NewFlowController(highWaterMark)
	}
	return c
}

// WithWeigher sets the accounting weigher (byte mode uses ByteWeight).
// Must be called before the first write.
func (c *Consumer[T]) WithWeigher(weigh Weigher[T]) *Consumer[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started && weigh != nil {
		c.weigh = weigh
	}
	return c
}

// WithWriteConcurrency declares that up to n deliveries may be in flight at
// once. Issuance order is always write order; completion order is
// unspecified when n > 1. Must be called before the first write.
func (c *Consumer[T]) WithWriteConcurrency(n int) *Consumer[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started && n > 0 {
		c.concurrency = n
	}
	return c
}

// WithRelease sets a hook that runs exactly once when the sink reaches a
// terminal state. Use it to close file handles and sockets.
func (c *Consumer[T]) WithRelease(release func(reason error)) *Consumer[T] {
	cancel := c.runCancel
	c.life.mu.Lock()
	c.life.teardown = func(reason error) {
		cancel()
		release(reason)
	}
	c.life.mu.Unlock()
	return c
}

// Name returns the name of this sink.
func (c *Consumer[T]) Name() Name { return c.name }

// State returns the sink's lifecycle state.
func (c *Consumer[T]) State() State { return c.life.current() }

// Err returns the terminal reason, nil unless Errored or Cancelled.
func (c *Consumer[T]) Err() error { return c.life.err() }

// Done returns a channel closed when the sink reaches a terminal state.
func (c *Consumer[T]) Done() <-chan struct{} { return c.life.terminated() }

// BufferedAmount returns the accounting units admitted but not yet
// delivered.
func (c *Consumer[T]) BufferedAmount() int { return c.flow.BufferedAmount() }

// Saturated reports whether the sink is at or above its high-water mark.
func (c *Consumer[T]) Saturated() bool { return c.flow.Saturated() }

// Write implements Sink.
func (c *Consumer[T]) Write(_ context.Context, chunk T) (bool, error) {
	c.mu.Lock()
	if state := c.life.current(); state.Terminal() {
		c.mu.Unlock()
		if err := c.terminalErr(); err != nil {
			return false, err
		}
		return false, newStageError(c.name, FaultProtocol, ErrSinkClosed)
	} else if c.closed {
		c.mu.Unlock()
		return false, newStageError(c.name, FaultProtocol, ErrSinkClosed)
	}
	c.life.activate()

	weight := c.weigh(chunk)
	c.queue = append(c.queue, pending[T]{chunk: chunk, weight: weight})
	ok := c.flow.Add(weight)
	if !c.started {
		c.started = true
		go c.dispatch()
	}
	c.mu.Unlock()

	c.signal()
	return ok, nil
}

// Drain implements Sink.
func (c *Consumer[T]) Drain(ctx context.Context) error {
	if err := c.terminalErr(); err != nil {
		return err
	}
	ch := c.flow.drainChan()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return c.terminalErr()
	case <-c.life.terminated():
		return c.terminalErr()
	case <-ctx.Done():
		return newStageError(c.name, FaultCancellation, ctx.Err())
	}
}

// Close implements Sink.
func (c *Consumer[T]) Close(err error) error {
	if err != nil {
		c.life.fail(err)
		c.signal()
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if c.life.current().Terminal() {
		c.mu.Unlock()
		return c.terminalErr()
	}
	c.closed = true
	c.life.activate()
	started := c.started
	empty := len(c.queue) == 0
	c.mu.Unlock()

	if !started && empty {
		// Nothing was ever written; complete without a flusher.
		c.life.complete()
		return nil
	}
	c.signal()
	return nil
}

// Cancel implements Stage.
func (c *Consumer[T]) Cancel(reason error) {
	c.life.cancel(reason)
	c.signal()
}

// Cork suspends delivery, buffering subsequent writes. Corks nest; delivery
// resumes when every Cork has been matched by an Uncork.
func (c *Consumer[T]) Cork() {
	c.mu.Lock()
	c.corked++
	c.mu.Unlock()
}

// Uncork resumes delivery, flushing the corked writes in the order they
// were issued.
func (c *Consumer[T]) Uncork() {
	c.mu.Lock()
	fire := false
	if c.corked > 0 {
		c.corked--
		fire = c.corked == 0
	}
	c.mu.Unlock()
	if fire {
		c.signal()
	}
}

// signal nudges the flusher. Lossy by design; the flusher re-checks its
// conditions after every wake.
func (c *Consumer[T]) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// dispatch is the flusher loop. It pops queued writes in order, delivers
// them through the concurrency semaphore, and completes the sink when the
// queue empties after Close.
func (c *Consumer[T]) dispatch() {
	c.mu.Lock()
	sem := make(chan struct{}, c.concurrency)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for {
		c.mu.Lock()
		if len(c.queue) > 0 && c.corked == 0 {
			p := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			select {
			case sem <- struct{}{}:
			case <-c.runCtx.Done():
				wg.Wait()
				return
			}
			wg.Add(1)
			go func(p pending[T]) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := c.deliver(p.chunk); err != nil {
					c.life.fail(err)
					c.signal()
					return
				}
				c.flow.Remove(p.weight)
			}(p)
			continue
		}
		closed := c.closed
		empty := len(c.queue) == 0
		c.mu.Unlock()

		if closed && empty {
			wg.Wait()
			c.life.complete()
			return
		}
		select {
		case <-c.wake:
		case <-c.runCtx.Done():
			wg.Wait()
			return
		}
	}
}

// deliver invokes the consumer function with panic containment.
func (c *Consumer[T]) deliver(chunk T) (err error) {
	var ferr *Error
	defer func() {
		if ferr != nil {
			err = ferr
		}
	}()
	defer recoverToError(&ferr, c.name, FaultConsumer)
	return c.fn(c.runCtx, chunk)
}

// terminalErr maps a terminal lifecycle state to the error a data-path
// caller should see; nil while the sink is healthy or Completed.
func (c *Consumer[T]) terminalErr() error {
	switch c.life.current() {
	case StateErrored:
		return newStageError(c.name, FaultConsumer, c.life.err())
	case StateCancelled:
		reason := c.life.err()
		if reason == nil {
			reason = context.Canceled
		}
		return newStageError(c.name, FaultCancellation, reason)
	default:
		return nil
	}
}

// Collector is a Sink that gathers every chunk into a slice, in delivery
// order. Mostly useful in tests and for small bounded streams.
type Collector[T any] struct {
	*Consumer[T]

	itemsMu sync.Mutex
	items   []T
}

// Collect creates a Collector.
func Collect[T any](name Name) *Collector[T] {
	col := &Collector[T]{}
	col.Consumer = Consume(name, func(_ context.Context, chunk T) error {
		col.itemsMu.Lock()
		col.items = append(col.items, chunk)
		col.itemsMu.Unlock()
		return nil
	})
	return col
}

// Items returns a copy of the collected chunks.
func (c *Collector[T]) Items() []T {
	c.itemsMu.Lock()
	defer c.itemsMu.Unlock()
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}
