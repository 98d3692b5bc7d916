// Package testing provides test doubles for flowz-based pipelines.
//
// MockSource and MockSink track calls, inject failures at chosen points,
// and add artificial latency, making flow-control and failure-propagation
// behavior testable without real I/O:
//
//	func TestMyPipeline(t *testing.T) {
//		src := flowztesting.NewMockSource(t, "src", []int{1, 2, 3})
//		sink := flowztesting.NewMockSink[int](t, "sink")
//
//		pipe := flowz.NewPipe("pipe", src, sink)
//		if err := pipe.Run(context.Background()); err != nil {
//			t.Fatal(err)
//		}
//		flowztesting.AssertWrites(t, sink, 3)
//	}
package testing

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/flowz"
)

// MockSource is a configurable flowz.Source[T] double. It emits a fixed
// chunk sequence, optionally failing at a chosen index or delaying each
// pull, and counts pulls and cancellations.
type MockSource[T any] struct {
	t     *testing.T
	inner *flowz.Generator[T]

	pullCount   atomic.Int64
	cancelCount atomic.Int64

	mu      sync.Mutex
	chunks  []T
	index   int
	failAt  int // -1 disables
	failErr error
	delay   time.Duration
}

// NewMockSource creates a source that emits chunks in order, then done.
func NewMockSource[T any](t *testing.T, name flowz.Name, chunks []T) *MockSource[T] {
	m := &MockSource[T]{
		t:      t,
		chunks: chunks,
		failAt: -1,
	}
	m.inner = flowz.Generate(name, m.next).WithRelease(func(error) {
		m.cancelCount.Add(1)
	})
	return m
}

// WithFailAt makes pull number index (0-based) fail with err instead of
// producing a chunk.
func (m *MockSource[T]) WithFailAt(index int, err error) *MockSource[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAt = index
	m.failErr = err
	return m
}

// WithDelay adds latency to every pull.
func (m *MockSource[T]) WithDelay(d time.Duration) *MockSource[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

func (m *MockSource[T]) next(ctx context.Context) (T, bool, error) {
	m.pullCount.Add(1)

	m.mu.Lock()
	delay := m.delay
	fail := m.failAt >= 0 && m.index == m.failAt
	failErr := m.failErr
	var zero T
	if fail {
		m.mu.Unlock()
		return zero, false, failErr
	}
	if m.index >= len(m.chunks) {
		m.mu.Unlock()
		return zero, true, nil
	}
	chunk := m.chunks[m.index]
	m.index++
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, false, ctx.Err()
		}
	}
	return chunk, false, nil
}

// Pull implements flowz.Source.
func (m *MockSource[T]) Pull(ctx context.Context) (T, bool, error) {
	return m.inner.Pull(ctx)
}

// Name implements flowz.Stage.
func (m *MockSource[T]) Name() flowz.Name { return m.inner.Name() }

// State implements flowz.Stage.
func (m *MockSource[T]) State() flowz.State { return m.inner.State() }

// Err implements flowz.Stage.
func (m *MockSource[T]) Err() error { return m.inner.Err() }

// Done implements flowz.Stage.
func (m *MockSource[T]) Done() <-chan struct{} { return m.inner.Done() }

// Cancel implements flowz.Stage.
func (m *MockSource[T]) Cancel(reason error) { m.inner.Cancel(reason) }

// PullCount returns how many pulls reached the producer function.
func (m *MockSource[T]) PullCount() int64 { return m.pullCount.Load() }

// ReleaseCount returns how many times teardown ran. Exactly-once teardown
// means this never exceeds 1.
func (m *MockSource[T]) ReleaseCount() int64 { return m.cancelCount.Load() }

// MockSink is a configurable flowz.Sink[T] double built on a real buffered
// consumer, so saturation and drain behave exactly as in production. It
// records delivered chunks and can fail at a chosen write or delay every
// delivery.
type MockSink[T any] struct {
	t     *testing.T
	inner *flowz.Consumer[T]

	mu        sync.Mutex
	delivered []T
	failAt    int // -1 disables
	failErr   error
	delay     time.Duration
	count     atomic.Int64
}

// NewMockSink creates a sink with the default high-water mark. Use the
// With setters before the first write.
func NewMockSink[T any](t *testing.T, name flowz.Name) *MockSink[T] {
	m := &MockSink[T]{t: t, failAt: -1}
	m.inner = flowz.Consume(name, m.deliver)
	return m
}

// WithHighWaterMark sets the saturation threshold.
func (m *MockSink[T]) WithHighWaterMark(hwm int) *MockSink[T] {
	m.inner.WithHighWaterMark(hwm)
	return m
}

// WithFailAt makes delivery number index (0-based) fail with err.
func (m *MockSink[T]) WithFailAt(index int, err error) *MockSink[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAt = index
	m.failErr = err
	return m
}

// WithDelay adds latency to every delivery.
func (m *MockSink[T]) WithDelay(d time.Duration) *MockSink[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

func (m *MockSink[T]) deliver(ctx context.Context, chunk T) error {
	n := m.count.Add(1) - 1

	m.mu.Lock()
	delay := m.delay
	fail := m.failAt >= 0 && n == int64(m.failAt)
	failErr := m.failErr
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return failErr
	}

	m.mu.Lock()
	m.delivered = append(m.delivered, chunk)
	m.mu.Unlock()
	return nil
}

// Write implements flowz.Sink.
func (m *MockSink[T]) Write(ctx context.Context, chunk T) (bool, error) {
	return m.inner.Write(ctx, chunk)
}

// Drain implements flowz.Sink.
func (m *MockSink[T]) Drain(ctx context.Context) error { return m.inner.Drain(ctx) }

// Close implements flowz.Sink.
func (m *MockSink[T]) Close(err error) error { return m.inner.Close(err) }

// Name implements flowz.Stage.
func (m *MockSink[T]) Name() flowz.Name { return m.inner.Name() }

// State implements flowz.Stage.
func (m *MockSink[T]) State() flowz.State { return m.inner.State() }

// Err implements flowz.Stage.
func (m *MockSink[T]) Err() error { return m.inner.Err() }

// Done implements flowz.Stage.
func (m *MockSink[T]) Done() <-chan struct{} { return m.inner.Done() }

// Cancel implements flowz.Stage.
func (m *MockSink[T]) Cancel(reason error) { m.inner.Cancel(reason) }

// Delivered returns a copy of the chunks delivered so far, in order.
func (m *MockSink[T]) Delivered() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]T, len(m.delivered))
	copy(out, m.delivered)
	return out
}

// DeliveredCount returns how many deliveries were attempted.
func (m *MockSink[T]) DeliveredCount() int64 { return m.count.Load() }

// AssertWrites fails the test unless the sink delivered exactly want
// chunks.
func AssertWrites[T any](t *testing.T, sink *MockSink[T], want int) {
	t.Helper()
	if got := len(sink.Delivered()); got != want {
		t.Errorf("expected %d delivered chunks, got %d", want, got)
	}
}

// AssertState fails the test unless the stage is in the wanted state.
func AssertState(t *testing.T, stage flowz.Stage, want flowz.State) {
	t.Helper()
	if got := stage.State(); got != want {
		t.Errorf("stage %q: expected state %s, got %s", stage.Name(), want, got)
	}
}
