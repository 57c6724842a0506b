// Package buffer provides a growable byte buffer used by the wire codec.
//
// It's a stripped down version of bytes.Buffer specialized for the
// encode/decode paths in internal/encoding and internal/frames: callers
// write/append primitives without error checking (Go slices never fail to
// grow) and read primitives that can fail when the buffer is short, which
// is the common case when a partial frame has been read off the wire.
package buffer

import "encoding/binary"

// Buffer is a growable byte buffer with a read cursor.
//
// The zero value is an empty, ready to use Buffer.
type Buffer struct {
	b   []byte
	off int // read offset
}

// New creates a Buffer that reads from and appends to b.
func New(b []byte) *Buffer {
	return &Buffer{b: b}
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.b) - b.off
}

// Cap returns the capacity of the underlying storage.
func (b *Buffer) Cap() int {
	return cap(b.b)
}

// Bytes returns the unread portion of the buffer.
// The returned slice aliases the buffer's storage.
func (b *Buffer) Bytes() []byte {
	return b.b[b.off:]
}

// Detach returns the unread portion and clears the buffer.
// Unlike Bytes, callers own the returned slice going forward.
func (b *Buffer) Detach() []byte {
	out := b.Bytes()
	b.b = nil
	b.off = 0
	return out
}

// Reset discards all buffered data and the read cursor, retaining
// the underlying storage for reuse.
func (b *Buffer) Reset() {
	b.b = b.b[:0]
	b.off = 0
}

// Skip advances the read cursor by n bytes without validating that
// n bytes remain; callers must have already checked Len().
func (b *Buffer) Skip(n int) {
	b.off += n
}

// Next returns the next n bytes and advances the cursor, or (nil, false)
// if fewer than n bytes remain. n <= 0 returns an empty non-nil slice.
func (b *Buffer) Next(n int64) ([]byte, bool) {
	if n <= 0 {
		return []byte{}, true
	}
	if int64(b.Len()) < n {
		return nil, false
	}
	out := b.b[b.off : b.off+int(n)]
	b.off += int(n)
	return out, true
}

// Peek returns the next n bytes without advancing the cursor.
func (b *Buffer) Peek(n int) ([]byte, bool) {
	if b.Len() < n {
		return nil, false
	}
	return b.b[b.off : b.off+n], true
}

// ReadByte reads and returns the next byte.
func (b *Buffer) ReadByte() (byte, bool) {
	if b.Len() < 1 {
		return 0, false
	}
	v := b.b[b.off]
	b.off++
	return v, true
}

// ReadUint16 reads a big-endian uint16.
func (b *Buffer) ReadUint16() (uint16, bool) {
	buf, ok := b.Next(2)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint16(buf), true
}

// ReadUint32 reads a big-endian uint32.
func (b *Buffer) ReadUint32() (uint32, bool) {
	buf, ok := b.Next(4)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(buf), true
}

// ReadUint64 reads a big-endian uint64.
func (b *Buffer) ReadUint64() (uint64, bool) {
	buf, ok := b.Next(8)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint64(buf), true
}

// Write appends p to the buffer, satisfying io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.b = append(b.b, p...)
	return len(p), nil
}

// WriteString appends s to the buffer.
func (b *Buffer) WriteString(s string) {
	b.b = append(b.b, s...)
}

// WriteByte appends a single byte, satisfying io.ByteWriter.
func (b *Buffer) WriteByte(v byte) error {
	b.b = append(b.b, v)
	return nil
}

// AppendByte is an alias of WriteByte that never errors, for call
// sites that don't want to check the (always nil) error.
func (b *Buffer) AppendByte(v byte) {
	b.b = append(b.b, v)
}

// WriteUint16 appends v in big-endian form.
func (b *Buffer) WriteUint16(v uint16) {
	b.b = append(b.b, byte(v>>8), byte(v))
}

// AppendUint16 is an alias of WriteUint16.
func (b *Buffer) AppendUint16(v uint16) { b.WriteUint16(v) }

// WriteUint32 appends v in big-endian form.
func (b *Buffer) WriteUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.b = append(b.b, tmp[:]...)
}

// AppendUint32 is an alias of WriteUint32.
func (b *Buffer) AppendUint32(v uint32) { b.WriteUint32(v) }

// WriteUint64 appends v in big-endian form.
func (b *Buffer) WriteUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.b = append(b.b, tmp[:]...)
}

// AppendUint64 is an alias of WriteUint64.
func (b *Buffer) AppendUint64(v uint64) { b.WriteUint64(v) }
