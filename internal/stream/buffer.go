package stream

import (
	"fmt"

	"github.com/banshee-data/flicker/internal/flicker"
)

// Buffer is the fixed capacity capture buffer of one acquisition. It is not
// safe for concurrent use; a Session is its only writer while attached.
type Buffer struct {
	data []byte
	n    int
}

// NewBuffer allocates a buffer of exactly size bytes.
func NewBuffer(size int) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// Append copies chunk at the write cursor. If chunk does not fit, the bytes
// that fit are kept and ErrBufferOverrun is returned.
func (b *Buffer) Append(chunk []byte) error {
	free := len(b.data) - b.n
	if len(chunk) > free {
		b.n += copy(b.data[b.n:], chunk[:free])
		return fmt.Errorf("%w: %d bytes do not fit into %d free of %d", flicker.ErrBufferOverrun, len(chunk), free, len(b.data))
	}
	b.n += copy(b.data[b.n:], chunk)
	return nil
}

// Len returns the write cursor.
func (b *Buffer) Len() int { return b.n }

// Cap returns the buffer size.
func (b *Buffer) Cap() int { return len(b.data) }

// Bytes returns the captured bytes.
func (b *Buffer) Bytes() []byte { return b.data[:b.n] }
