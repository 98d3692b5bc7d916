package flowz

import (
	"context"
	"testing"
)

func pullAll[T any](t *testing.T, src Source[T]) []T {
	t.Helper()
	var got []T
	for {
		chunk, done, err := src.Pull(context.Background())
		if err != nil {
			t.Fatalf("pull: %v", err)
		}
		if done {
			return got
		}
		got = append(got, chunk)
	}
}

func TestLineSplitter(t *testing.T) {
	t.Run("Splits Within A Chunk", func(t *testing.T) {
		tr := LineSplitter("lines")
		ctx := context.Background()

		_, _ = tr.Write(ctx, []byte("alpha\nbeta\n")) //nolint:errcheck
		_ = tr.Close(nil)                             //nolint:errcheck

		got := pullAll(t, Source[[]byte](tr))
		if len(got) != 2 || string(got[0]) != "alpha" || string(got[1]) != "beta" {
			t.Errorf("expected [alpha beta], got %q", got)
		}
	})

	t.Run("Carries Partial Lines Across Chunks", func(t *testing.T) {
		tr := LineSplitter("lines")
		ctx := context.Background()

		_, _ = tr.Write(ctx, []byte("hel"))        //nolint:errcheck
		_, _ = tr.Write(ctx, []byte("lo\nwor"))    //nolint:errcheck
		_, _ = tr.Write(ctx, []byte("ld\ntrail")) //nolint:errcheck
		_ = tr.Close(nil)                          //nolint:errcheck

		got := pullAll(t, Source[[]byte](tr))
		want := []string{"hello", "world", "trail"}
		if len(got) != len(want) {
			t.Fatalf("expected %d lines, got %d: %q", len(want), len(got), got)
		}
		for i, w := range want {
			if string(got[i]) != w {
				t.Errorf("line %d = %q, want %q", i, got[i], w)
			}
		}
	})

	t.Run("Flushes Trailing Line Without Newline", func(t *testing.T) {
		tr := LineSplitter("lines")
		ctx := context.Background()

		_, _ = tr.Write(ctx, []byte("no newline")) //nolint:errcheck
		_ = tr.Close(nil)                          //nolint:errcheck

		got := pullAll(t, Source[[]byte](tr))
		if len(got) != 1 || string(got[0]) != "no newline" {
			t.Errorf("expected trailing line on flush, got %q", got)
		}
	})

	t.Run("No Flush Output For Empty Carry", func(t *testing.T) {
		tr := LineSplitter("lines")
		ctx := context.Background()

		_, _ = tr.Write(ctx, []byte("done\n")) //nolint:errcheck
		_ = tr.Close(nil)                      //nolint:errcheck

		got := pullAll(t, Source[[]byte](tr))
		if len(got) != 1 {
			t.Errorf("expected exactly one line, got %q", got)
		}
	})

	t.Run("Emits Empty Lines", func(t *testing.T) {
		tr := LineSplitter("lines")
		ctx := context.Background()

		_, _ = tr.Write(ctx, []byte("a\n\nb\n")) //nolint:errcheck
		_ = tr.Close(nil)                        //nolint:errcheck

		got := pullAll(t, Source[[]byte](tr))
		if len(got) != 3 || len(got[1]) != 0 {
			t.Errorf("expected [a <empty> b], got %q", got)
		}
	})

	// Emitted lines must not alias the input buffer; callers reuse it.
	t.Run("Copies Out Of The Input Buffer", func(t *testing.T) {
		tr := LineSplitter("lines")
		ctx := context.Background()

		buf := []byte("first\n")
		_, _ = tr.Write(ctx, buf) //nolint:errcheck
		copy(buf, "XXXXX\n")
		_, _ = tr.Write(ctx, []byte("second\n")) //nolint:errcheck
		_ = tr.Close(nil)                        //nolint:errcheck

		got := pullAll(t, Source[[]byte](tr))
		if string(got[0]) != "first" {
			t.Errorf("emitted line aliased the caller's buffer: %q", got[0])
		}
	})
}

func TestBatch(t *testing.T) {
	t.Run("Full Batches", func(t *testing.T) {
		tr := Batch[int]("batch", 3)
		ctx := context.Background()

		for i := 0; i < 6; i++ {
			_, _ = tr.Write(ctx, i) //nolint:errcheck
		}
		_ = tr.Close(nil) //nolint:errcheck

		got := pullAll(t, Source[[]int](tr))
		if len(got) != 2 {
			t.Fatalf("expected 2 batches, got %d", len(got))
		}
		if got[0][0] != 0 || got[0][2] != 2 || got[1][0] != 3 || got[1][2] != 5 {
			t.Errorf("batch contents wrong: %v", got)
		}
	})

	t.Run("Partial Batch On Flush", func(t *testing.T) {
		tr := Batch[int]("batch", 4)
		ctx := context.Background()

		for i := 0; i < 6; i++ {
			_, _ = tr.Write(ctx, i) //nolint:errcheck
		}
		_ = tr.Close(nil) //nolint:errcheck

		got := pullAll(t, Source[[]int](tr))
		if len(got) != 2 || len(got[0]) != 4 || len(got[1]) != 2 {
			t.Fatalf("expected a full batch then a partial, got %v", got)
		}
	})

	t.Run("No Empty Batch", func(t *testing.T) {
		tr := Batch[int]("batch", 4)
		_ = tr.Close(nil) //nolint:errcheck

		got := pullAll(t, Source[[]int](tr))
		if len(got) != 0 {
			t.Errorf("expected no batches from an empty stream, got %v", got)
		}
	})

	// Emitted batches must not share backing storage with the accumulator.
	t.Run("Batches Are Independent", func(t *testing.T) {
		tr := Batch[int]("batch", 2)
		ctx := context.Background()

		for i := 0; i < 4; i++ {
			_, _ = tr.Write(ctx, i) //nolint:errcheck
		}
		_ = tr.Close(nil) //nolint:errcheck

		got := pullAll(t, Source[[]int](tr))
		if len(got) != 2 {
			t.Fatalf("expected 2 batches, got %d", len(got))
		}
		got[0][0] = 99
		if got[1][0] == 99 {
			t.Error("batches share backing storage")
		}
	})
}
