package flowz

import "context"

// Batch creates an aggregating Transform that groups size input chunks into
// one output slice (fan-in). A partial batch held when upstream ends is
// flushed before done, so no chunk is ever lost to batching.
//
// Each emitted batch is a fresh slice; batches never share backing arrays.
func Batch[T any](name Name, size int) *Transform[T, []T] {
	if size <= 0 {
		size = 1
	}
	buf := make([]T, 0, size)

	t := NewTransform(name, func(_ context.Context, chunk T, emit func([]T) error) error {
		buf = append(buf, chunk)
		if len(buf) < size {
			return nil
		}
		batch := make([]T, len(buf))
		copy(batch, buf)
		buf = buf[:0]
		return emit(batch)
	})
	t.WithFlush(func(_ context.Context, emit func([]T) error) error {
		if len(buf) == 0 {
			return nil
		}
		batch := make([]T, len(buf))
		copy(batch, buf)
		buf = buf[:0]
		return emit(batch)
	})
	return t
}
