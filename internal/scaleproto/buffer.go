package scaleproto

// MaxBufferSize is the per-connection byte buffer cap.
const MaxBufferSize = 64 * 1024

// Buffer accumulates bytes for one scale connection until full packets can
// be recognized at its head.
type Buffer struct {
	data []byte
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{data: make([]byte, 0, 4096)}
}

// Append adds a chunk to the buffer. If the result exceeds MaxBufferSize,
// the buffer is truncated to its tail half and truncated reports true so the
// caller can log a warning.
func (b *Buffer) Append(chunk []byte) (truncated bool) {
	b.data = append(b.data, chunk...)
	if len(b.data) > MaxBufferSize {
		half := len(b.data) / 2
		tail := make([]byte, len(b.data)-half)
		copy(tail, b.data[half:])
		b.data = tail
		truncated = true
	}
	return truncated
}

// Bytes returns the buffer's current unconsumed contents.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Consume drops the first n bytes from the buffer.
func (b *Buffer) Consume(n int) {
	if n >= len(b.data) {
		b.data = b.data[:0]
		return
	}
	remaining := len(b.data) - n
	copy(b.data, b.data[n:])
	b.data = b.data[:remaining]
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}
