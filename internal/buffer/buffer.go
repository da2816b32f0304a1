// Package buffer implements a growable byte buffer shared by the
// AMQP type codec, frame codec, and transport read loop.
//
// A Buffer is both a write target (encoding appends to the end) and a
// read cursor (decoding advances an internal offset). The same type
// serves both roles because a single frame's lifecycle is: write a
// performative into a fresh Buffer to send it, or hand an inbound
// Buffer to the codec to read one back out of it.
package buffer

import (
	"encoding/binary"
	"fmt"
)

// Buffer is a read/write byte buffer with a cursor for reads and
// append-only growth for writes. The zero value is usable.
type Buffer struct {
	b   []byte
	off int
}

// New wraps buf for reading and writing. Reads start at offset 0.
func New(buf []byte) *Buffer {
	return &Buffer{b: buf}
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.b) - b.off
}

// Cap returns the capacity of the underlying byte slice.
func (b *Buffer) Cap() int {
	return cap(b.b)
}

// Bytes returns the unread portion of the buffer. The returned slice
// aliases the Buffer's storage and is only valid until the next write.
func (b *Buffer) Bytes() []byte {
	return b.b[b.off:]
}

// Detach returns the entire underlying slice (ignoring the read
// cursor) and resets the Buffer to empty.
func (b *Buffer) Detach() []byte {
	out := b.b
	b.b, b.off = nil, 0
	return out
}

// Reset empties the buffer, retaining its storage for reuse.
func (b *Buffer) Reset() {
	b.b = b.b[:0]
	b.off = 0
}

// Skip advances the read cursor by n bytes without returning them.
func (b *Buffer) Skip(n int) {
	b.off += n
}

// Mark returns the current read offset, for use with Rewind.
func (b *Buffer) Mark() int {
	return b.off
}

// Rewind restores the read offset to a value previously returned by
// Mark, allowing non-destructive lookahead.
func (b *Buffer) Rewind(mark int) {
	b.off = mark
}

// Next returns the next n bytes and advances the read cursor, or an
// error if fewer than n bytes remain.
func (b *Buffer) Next(n int) ([]byte, error) {
	if b.Len() < n {
		return nil, fmt.Errorf("buffer: requested %d bytes, only %d remain", n, b.Len())
	}
	out := b.b[b.off : b.off+n]
	b.off += n
	return out, nil
}

// Peek returns the next n bytes without advancing the read cursor.
func (b *Buffer) Peek(n int) ([]byte, error) {
	if b.Len() < n {
		return nil, fmt.Errorf("buffer: requested %d bytes, only %d remain", n, b.Len())
	}
	return b.b[b.off : b.off+n], nil
}

// ReadByte implements io.ByteReader.
func (b *Buffer) ReadByte() (byte, error) {
	buf, err := b.Next(1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

// PeekByte returns the next byte without advancing the cursor.
func (b *Buffer) PeekByte() (byte, error) {
	buf, err := b.Peek(1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

// ReadUint16 reads a big-endian uint16.
func (b *Buffer) ReadUint16() (uint16, error) {
	buf, err := b.Next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf), nil
}

// ReadUint32 reads a big-endian uint32.
func (b *Buffer) ReadUint32() (uint32, error) {
	buf, err := b.Next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

// ReadUint64 reads a big-endian uint64.
func (b *Buffer) ReadUint64() (uint64, error) {
	buf, err := b.Next(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf), nil
}

// Write implements io.Writer; it always appends all of p.
func (b *Buffer) Write(p []byte) (int, error) {
	b.b = append(b.b, p...)
	return len(p), nil
}

// WriteByte implements io.ByteWriter.
func (b *Buffer) WriteByte(c byte) error {
	b.b = append(b.b, c)
	return nil
}

// WriteString appends s without conversion allocation overhead beyond append.
func (b *Buffer) WriteString(s string) {
	b.b = append(b.b, s...)
}

// WriteUint16 appends n in big-endian order.
func (b *Buffer) WriteUint16(n uint16) {
	b.b = append(b.b, byte(n>>8), byte(n))
}

// WriteUint32 appends n in big-endian order.
func (b *Buffer) WriteUint32(n uint32) {
	b.b = append(b.b, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}

// WriteUint64 appends n in big-endian order.
func (b *Buffer) WriteUint64(n uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], n)
	b.b = append(b.b, tmp[:]...)
}
