package flowz

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFromReader(t *testing.T) {
	t.Run("Chunks At Buffer Size", func(t *testing.T) {
		src := FromReader("r", strings.NewReader("abcdefgh"), 3)
		got := pullAll(t, Source[[]byte](src))

		var joined []byte
		for _, chunk := range got {
			if len(chunk) > 3 {
				t.Errorf("chunk of %d bytes exceeds buffer size 3", len(chunk))
			}
			joined = append(joined, chunk...)
		}
		if string(joined) != "abcdefgh" {
			t.Errorf("reassembled %q, want %q", joined, "abcdefgh")
		}
		if src.State() != StateCompleted {
			t.Errorf("expected completed, got %s", src.State())
		}
	})

	t.Run("Chunks Do Not Alias The Scratch Buffer", func(t *testing.T) {
		src := FromReader("r", strings.NewReader("aaabbb"), 3)
		ctx := context.Background()

		first, _, err := src.Pull(ctx)
		if err != nil {
			t.Fatalf("pull: %v", err)
		}
		if _, _, err := src.Pull(ctx); err != nil {
			t.Fatalf("pull: %v", err)
		}
		if string(first) != "aaa" {
			t.Errorf("earlier chunk overwritten by a later read: %q", first)
		}
	})

	t.Run("Read Error Fails The Source", func(t *testing.T) {
		boom := errors.New("device gone")
		src := FromReader("r", io.MultiReader(strings.NewReader("ok"), errReader{boom}), 8)
		ctx := context.Background()

		if _, _, err := src.Pull(ctx); err != nil {
			t.Fatalf("pull: %v", err)
		}
		_, _, err := src.Pull(ctx)
		if !errors.Is(err, boom) {
			t.Fatalf("expected read error, got %v", err)
		}
		if src.State() != StateErrored {
			t.Errorf("expected errored, got %s", src.State())
		}
	})

	t.Run("Closes The Reader Once", func(t *testing.T) {
		rc := &closeCounter{Reader: strings.NewReader("x")}
		src := FromReader("r", rc, 8)
		pullAll(t, Source[[]byte](src))
		src.Cancel(errors.New("late cancel"))

		if got := rc.closes.Load(); got != 1 {
			t.Errorf("reader closed %d times, want 1", got)
		}
	})
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

type closeCounter struct {
	io.Reader
	closes atomic.Int64
}

func (c *closeCounter) Close() error {
	c.closes.Add(1)
	return nil
}

// safeBuffer serializes access; the sink's flusher writes from its own
// goroutine.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestToWriter(t *testing.T) {
	t.Run("Writes Through In Order", func(t *testing.T) {
		var buf safeBuffer
		sink := ToWriter("w", &buf)
		ctx := context.Background()

		for _, s := range []string{"one ", "two ", "three"} {
			if _, err := sink.Write(ctx, []byte(s)); err != nil {
				t.Fatalf("write: %v", err)
			}
		}
		if err := sink.Close(nil); err != nil {
			t.Fatalf("close: %v", err)
		}
		waitDone(t, sink)

		if got := buf.String(); got != "one two three" {
			t.Errorf("wrote %q, want %q", got, "one two three")
		}
		if sink.BufferedAmount() != 0 {
			t.Errorf("expected drained sink, %d bytes buffered", sink.BufferedAmount())
		}
	})

	t.Run("Cork Coalesces Into One Flush", func(t *testing.T) {
		var buf safeBuffer
		sink := ToWriter("w", &buf)
		ctx := context.Background()

		sink.Cork()
		for _, s := range []string{"a", "b", "c", "d"} {
			if _, err := sink.Write(ctx, []byte(s)); err != nil {
				t.Fatalf("write: %v", err)
			}
		}
		time.Sleep(20 * time.Millisecond)
		if n := sink.Flushes(); n != 0 {
			t.Fatalf("corked sink flushed %d times", n)
		}

		sink.Uncork()
		if err := sink.Close(nil); err != nil {
			t.Fatalf("close: %v", err)
		}
		waitDone(t, sink)

		if got := buf.String(); got != "abcd" {
			t.Errorf("wrote %q, corking must not change content or order", got)
		}
		if n := sink.Flushes(); n != 1 {
			t.Errorf("expected 1 coalesced flush, got %d", n)
		}
	})

	t.Run("Writer Error Fails The Sink", func(t *testing.T) {
		boom := errors.New("pipe broken")
		sink := ToWriter("w", failWriter{boom})
		ctx := context.Background()

		_, _ = sink.Write(ctx, []byte("x")) //nolint:errcheck
		waitDone(t, sink)

		if sink.State() != StateErrored {
			t.Fatalf("expected errored, got %s", sink.State())
		}
		if !errors.Is(sink.Err(), boom) {
			t.Errorf("expected writer error as reason, got %v", sink.Err())
		}
	})

	t.Run("Saturation In Bytes", func(t *testing.T) {
		block := newGate()
		sink := ToWriter("w", block).WithHighWaterMark(4)
		ctx := context.Background()

		ok, err := sink.Write(ctx, []byte("abcd"))
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		if ok {
			t.Error("4 bytes of 4 should report saturated")
		}

		drained := make(chan error, 1)
		go func() {
			drained <- sink.Drain(ctx)
		}()
		block.open()
		select {
		case err := <-drained:
			if err != nil {
				t.Fatalf("drain: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("drain never resolved after the writer unblocked")
		}
	})

	t.Run("Write After Close", func(t *testing.T) {
		sink := ToWriter("w", &safeBuffer{})
		if err := sink.Close(nil); err != nil {
			t.Fatalf("close: %v", err)
		}
		_, err := sink.Write(context.Background(), []byte("late"))
		if !errors.Is(err, ErrSinkClosed) {
			t.Errorf("expected ErrSinkClosed, got %v", err)
		}
	})

	t.Run("Closes The Writer Once", func(t *testing.T) {
		wc := &writeCloseCounter{}
		sink := ToWriter("w", wc)
		ctx := context.Background()

		_, _ = sink.Write(ctx, []byte("x")) //nolint:errcheck
		_ = sink.Close(nil)                 //nolint:errcheck
		waitDone(t, sink)
		sink.Cancel(errors.New("late cancel"))

		if got := wc.closes.Load(); got != 1 {
			t.Errorf("writer closed %d times, want 1", got)
		}
	})
}

type failWriter struct{ err error }

func (w failWriter) Write([]byte) (int, error) { return 0, w.err }

type writeCloseCounter struct {
	closes atomic.Int64
}

func (w *writeCloseCounter) Write(p []byte) (int, error) { return len(p), nil }

func (w *writeCloseCounter) Close() error {
	w.closes.Add(1)
	return nil
}

// gate is a Writer that blocks until opened.
type gate struct {
	ch chan struct{}
}

func newGate() *gate { return &gate{ch: make(chan struct{})} }

func (g *gate) open() { close(g.ch) }

func (g *gate) Write(p []byte) (int, error) {
	<-g.ch
	return len(p), nil
}

// FromReader and ToWriter compose through a pipe for plain byte shoveling.
func TestReaderToWriterPipe(t *testing.T) {
	input := strings.Repeat("stream me\n", 1000)
	var buf safeBuffer

	src := FromReader("in", strings.NewReader(input), 64)
	sink := ToWriter("out", &buf).WithHighWaterMark(256)
	pipe := NewPipe("copy", Source[[]byte](src), Sink[[]byte](sink)).WithWeigher(ByteWeight)
	defer pipe.Close() //nolint:errcheck

	if err := pipe.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := buf.String(); got != input {
		t.Errorf("output differs from input: %d bytes vs %d", len(got), len(input))
	}
}
