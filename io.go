package flowz

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// FromReader creates a byte-mode Source that pulls chunks of at most
// bufSize bytes from r. The source completes on io.EOF and errors on any
// other read failure. If r is an io.Closer it is closed exactly once when
// the source reaches a terminal state.
//
// Reads go through a single reusable scratch buffer owned by the stage;
// every emitted chunk is a fresh copy, so chunks never alias each other or
// the scratch buffer across stage boundaries.
func FromReader(name Name, r io.Reader, bufSize int) *Generator[[]byte] {
	if bufSize <= 0 {
		bufSize = 32 * 1024
	}
	scratch := make([]byte, bufSize)
	eof := false

	g := Generate(name, func(context.Context) ([]byte, bool, error) {
		if eof {
			return nil, true, nil
		}
		n, err := r.Read(scratch)
		if n > 0 {
			if errors.Is(err, io.EOF) {
				eof = true
			}
			chunk := make([]byte, n)
			copy(chunk, scratch[:n])
			return chunk, false, nil
		}
		if errors.Is(err, io.EOF) {
			return nil, true, nil
		}
		if err != nil {
			return nil, false, err
		}
		return nil, false, nil
	})
	if closer, ok := r.(io.Closer); ok {
		g.WithRelease(func(error) { _ = closer.Close() })
	}
	return g
}

// WriterSink is a byte-mode Sink backed by an io.Writer.
//
// Writes are admitted into a queue and flushed by a background flusher; the
// buffered amount is the bytes admitted but not yet written through. Each
// flush coalesces every chunk available at that moment into a single
// underlying Write call, so corking several writes and uncorking produces
// one downstream operation instead of many, with identical content and
// order.
//
// A written chunk is retained by reference until it is flushed; callers
// must not mutate it after Write returns.
type WriterSink struct {
	name Name
	w    io.Writer
	flow *FlowController
	life *lifecycle

	runCtx    context.Context
	runCancel context.CancelFunc

	mu      sync.Mutex
	queue   [][]byte
	corked  int
	closed  bool
	started bool
	wake    chan struct{}

	coalesce bytes.Buffer // reused across flushes
	flushes  atomic.Int64
}

// ToWriter creates a WriterSink with DefaultByteHighWaterMark. If w is an
// io.Closer it is closed exactly once when the sink reaches a terminal
// state.
func ToWriter(name Name, w io.Writer) *WriterSink {
	runCtx, runCancel := context.WithCancel(context.Background())
	s := &WriterSink{
		name:      name,
		w:         w,
		flow:      NewFlowController(DefaultByteHighWaterMark),
		runCtx:    runCtx,
		runCancel: runCancel,
		wake:      make(chan struct{}, 1),
	}
	s.life = newLifecycle(func(error) {
		runCancel()
		if closer, ok := w.(io.Closer); ok {
			_ = closer.Close()
		}
	})
	return s
}

// WithHighWaterMark sets the saturation threshold in bytes. Must be called
// before the first write.
func (s *WriterSink) WithHighWaterMark(highWaterMark int) *WriterSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.flow = NewFlowController(highWaterMark)
	}
	return s
}

// Name returns the name of this sink.
func (s *WriterSink) Name() Name { return s.name }

// State returns the sink's lifecycle state.
func (s *WriterSink) State() State { return s.life.current() }

// Err returns the terminal reason, nil unless Errored or Cancelled.
func (s *WriterSink) Err() error { return s.life.err() }

// Done returns a channel closed when the sink reaches a terminal state.
func (s *WriterSink) Done() <-chan struct{} { return s.life.terminated() }

// BufferedAmount returns the bytes admitted but not yet flushed.
func (s *WriterSink) BufferedAmount() int { return s.flow.BufferedAmount() }

// Flushes returns how many underlying Write calls have been issued. Cork
// transparency tests compare this, not content or order.
func (s *WriterSink) Flushes() int64 { return s.flushes.Load() }

// Write implements Sink.
func (s *WriterSink) Write(_ context.Context, chunk []byte) (bool, error) {
	s.mu.Lock()
	if s.life.current().Terminal() {
		s.mu.Unlock()
		if err := s.terminalErr(); err != nil {
			return false, err
		}
		return false, newStageError(s.name, FaultProtocol, ErrSinkClosed)
	} else if s.closed {
		s.mu.Unlock()
		return false, newStageError(s.name, FaultProtocol, ErrSinkClosed)
	}
	s.life.activate()

	s.queue = append(s.queue, chunk)
	ok := s.flow.Add(len(chunk))
	if !s.started {
		s.started = true
		go s.dispatch()
	}
	s.mu.Unlock()

	s.signal()
	return ok, nil
}

// Drain implements Sink.
func (s *WriterSink) Drain(ctx context.Context) error {
	if err := s.terminalErr(); err != nil {
		return err
	}
	ch := s.flow.drainChan()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return s.terminalErr()
	case <-s.life.terminated():
		return s.terminalErr()
	case <-ctx.Done():
		return newStageError(s.name, FaultCancellation, ctx.Err())
	}
}

// Close implements Sink.
func (s *WriterSink) Close(err error) error {
	if err != nil {
		s.life.fail(err)
		s.signal()
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.life.current().Terminal() {
		s.mu.Unlock()
		return s.terminalErr()
	}
	s.closed = true
	s.life.activate()
	started := s.started
	empty := len(s.queue) == 0
	s.mu.Unlock()

	if !started && empty {
		s.life.complete()
		return nil
	}
	s.signal()
	return nil
}

// Cancel implements Stage.
func (s *WriterSink) Cancel(reason error) {
	s.life.cancel(reason)
	s.signal()
}

// Cork suspends flushing so subsequent writes coalesce into a single
// underlying operation on Uncork. Corks nest.
func (s *WriterSink) Cork() {
	s.mu.Lock()
	s.corked++
	s.mu.Unlock()
}

// Uncork resumes flushing.
func (s *WriterSink) Uncork() {
	s.mu.Lock()
	fire := false
	if s.corked > 0 {
		s.corked--
		fire = s.corked == 0
	}
	s.mu.Unlock()
	if fire {
		s.signal()
	}
}

func (s *WriterSink) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// dispatch is the flusher loop. Each pass snapshots every chunk available
// at that moment and writes them through as one coalesced operation.
// Writes that land while a flush is in progress wait for the next flush.
func (s *WriterSink) dispatch() {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 && s.corked == 0 {
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()

			if err := s.flush(batch); err != nil {
				s.life.fail(newStageError(s.name, FaultConsumer, err))
				return
			}
			total := 0
			for _, chunk := range batch {
				total += len(chunk)
			}
			s.flow.Remove(total)
			continue
		}
		closed := s.closed
		empty := len(s.queue) == 0
		s.mu.Unlock()

		if closed && empty {
			s.life.complete()
			return
		}
		select {
		case <-s.wake:
		case <-s.runCtx.Done():
			return
		}
	}
}

// flush writes a batch through the underlying writer as one operation.
func (s *WriterSink) flush(batch [][]byte) error {
	if len(batch) == 1 {
		_, err := s.w.Write(batch[0])
		s.flushes.Add(1)
		return err
	}
	s.coalesce.Reset()
	for _, chunk := range batch {
		s.coalesce.Write(chunk)
	}
	_, err := s.w.Write(s.coalesce.Bytes())
	s.flushes.Add(1)
	return err
}

func (s *WriterSink) terminalErr() error {
	switch s.life.current() {
	case StateErrored:
		return newStageError(s.name, FaultConsumer, s.life.err())
	case StateCancelled:
		reason := s.life.err()
		if reason == nil {
			reason = context.Canceled
		}
		return newStageError(s.name, FaultCancellation, reason)
	default:
		return nil
	}
}
