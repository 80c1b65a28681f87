package nio

import (
	"github.com/quic-go/quic-go/quicvarint"
)

// Buffer is a sliding byte buffer used to reassemble frames from stream data that arrives
// in arbitrary chunks, and to build frames before writing them.
//
// Unread data is buf[off:end]. Append adds at end, Skip consumes from off; Compact moves
// the unread data to the front when the buffer would otherwise grow.
type Buffer struct {
	buf []byte

	// read so far from buffer. Unread data in off:end
	off int

	// last byte with data in the buffer. bytes.Buffer uses len(buf)
	end int
}

// NewBuffer returns an empty buffer with the given initial capacity.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = bufSize
	}
	return &Buffer{buf: make([]byte, size)}
}

// Append copies p after the unread data.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.grow(len(p))
	copy(b.buf[b.end:], p)
	b.end += len(p)
}

// Write implements io.Writer, for building frames.
func (b *Buffer) Write(p []byte) (n int, err error) {
	b.Append(p)
	return len(p), nil
}

func (b *Buffer) WriteByte(d byte) error {
	b.grow(1)
	b.buf[b.end] = d
	b.end++
	return nil
}

// WriteVarint appends i as a QUIC variable-length integer.
func (b *Buffer) WriteVarint(i uint64) {
	b.grow(quicvarint.Len(i))
	out := quicvarint.Append(b.buf[b.end:b.end], i)
	b.end += len(out)
}

// Peek returns the first n unread bytes, or false if fewer are buffered.
func (b *Buffer) Peek(n int) ([]byte, bool) {
	if b.end-b.off < n {
		return nil, false
	}
	return b.buf[b.off : b.off+n], true
}

// Skip consumes count bytes and returns the number actually skipped.
func (b *Buffer) Skip(count int) int {
	if count >= b.end-b.off {
		skipped := b.end - b.off
		b.off = 0
		b.end = 0
		return skipped
	}
	b.off += count
	return count
}

// Size return the number of unread bytes in the buffer.
func (b *Buffer) Size() int {
	if b == nil {
		return 0
	}
	return b.end - b.off
}

func (b *Buffer) IsEmpty() bool {
	if b == nil {
		return true
	}
	return b.off >= b.end
}

// Bytes returns the unread portion of the buffer. Valid until the next Append.
func (b *Buffer) Bytes() []byte {
	return b.buf[b.off:b.end]
}

// Reset drops all data, keeping the storage.
func (b *Buffer) Reset() {
	b.off = 0
	b.end = 0
}

func (b *Buffer) Compact() {
	if b.off == b.end {
		b.off = 0
		b.end = 0
		return
	}
	copy(b.buf, b.buf[b.off:b.end])
	b.end = b.end - b.off
	b.off = 0
}

// grow makes room for n more bytes, compacting first.
func (b *Buffer) grow(n int) {
	c := cap(b.buf)
	if c-b.end >= n {
		return
	}
	if c-(b.end-b.off) >= n {
		b.Compact()
		return
	}
	size := c * 2
	if size < b.end-b.off+n {
		size = b.end - b.off + n
	}
	buf := make([]byte, size)
	copy(buf, b.buf[b.off:b.end])
	b.buf = buf
	b.end = b.end - b.off
	b.off = 0
}
