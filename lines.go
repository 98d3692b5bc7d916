package flowz

import (
	"bytes"
	"context"
)

// LineSplitter creates a byte-mode Transform that re-chunks an arbitrary
// byte stream into one chunk per line, newline stripped. Bytes after the
// last newline are carried across input chunks and emitted by the flush
// when upstream ends, so a stream with no trailing newline still delivers
// its final partial line before done:
//
//	["ab", "cd\nef"] -> ["abcd", "ef"]
//
// Emitted lines are fresh copies; they never alias the carry buffer or the
// input chunks.
func LineSplitter(name Name) *Transform[[]byte, []byte] {
	var carry []byte

	t := NewTransform(name, func(_ context.Context, chunk []byte, emit func([]byte) error) error {
		rest := chunk
		for {
			i := bytes.IndexByte(rest, '\n')
			if i < 0 {
				carry = append(carry, rest...)
				return nil
			}
			line := make([]byte, 0, len(carry)+i)
			line = append(line, carry...)
			line = append(line, rest[:i]...)
			carry = carry[:0]
			if err := emit(line); err != nil {
				return err
			}
			rest = rest[i+1:]
		}
	})
	t.WithFlush(func(_ context.Context, emit func([]byte) error) error {
		if len(carry) == 0 {
			return nil
		}
		line := make([]byte, len(carry))
		copy(line, carry)
		carry = nil
		return emit(line)
	})
	return t.WithWeigher(ByteWeight).WithHighWaterMark(DefaultByteHighWaterMark)
}
