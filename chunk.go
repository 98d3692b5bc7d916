package flowz

// Weigher reports the accounting weight of a chunk.
//
// Flow control is expressed in accounting units, not chunks: a stage is
// saturated when the sum of the weights of its buffered chunks reaches its
// high-water mark. Byte-mode stages weigh chunks by length (ByteWeight);
// object-mode stages weigh every chunk as 1 (CountWeight). A pipeline leg
// operates in exactly one mode; converting between modes is an ordinary
// Transform whose input and output weighers differ.
type Weigher[T any] func(chunk T) int

// ByteWeight weighs a byte chunk by its length.
func ByteWeight(chunk []byte) int {
	return len(chunk)
}

// CountWeight weighs every chunk as one unit (object mode).
func CountWeight[T any](T) int {
	return 1
}

// Default high-water marks, chosen to match common stream defaults:
// object-mode stages saturate after 16 buffered chunks, byte-mode stages
// after 16KiB of buffered payload.
const (
	DefaultHighWaterMark     = 16
	DefaultByteHighWaterMark = 16 * 1024
)
