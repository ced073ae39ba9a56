// Package buffer implements the growable, cursor-addressable byte buffer
// the AMQP codec reads and writes frames through.
package buffer

import (
	"encoding/binary"
	"io"
)

// Buffer is a []byte with an independent write tail and read cursor.
// Writes always append to the end; reads always advance from off. This
// lets the same value serve as a marshal destination (Len/Bytes report the
// full written content) and, separately, as an unmarshal source (off walks
// forward over an already-received frame body).
type Buffer struct {
	b   []byte
	off int
}

// New wraps buf for reading; off starts at zero.
func New(buf []byte) *Buffer {
	return &Buffer{b: buf}
}

// Len reports the number of bytes not yet consumed by a read, which for a
// buffer that has only ever been written to equals the total length.
func (b *Buffer) Len() int {
	return len(b.b) - b.off
}

// Bytes returns the full underlying slice, including any bytes already
// consumed by reads. Callers that patch a previously written length
// prefix rely on this.
func (b *Buffer) Bytes() []byte {
	return b.b
}

// Reset clears the buffer for reuse.
func (b *Buffer) Reset() {
	b.b = b.b[:0]
	b.off = 0
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.b = append(b.b, p...)
	return len(p), nil
}

func (b *Buffer) WriteByte(c byte) error {
	b.b = append(b.b, c)
	return nil
}

func (b *Buffer) WriteString(s string) {
	b.b = append(b.b, s...)
}

func (b *Buffer) WriteUint16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.b = append(b.b, tmp[:]...)
}

func (b *Buffer) WriteUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.b = append(b.b, tmp[:]...)
}

func (b *Buffer) WriteUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.b = append(b.b, tmp[:]...)
}

// ReadByte consumes and returns the next byte.
func (b *Buffer) ReadByte() (byte, error) {
	if b.Len() < 1 {
		return 0, io.EOF
	}
	c := b.b[b.off]
	b.off++
	return c, nil
}

// Peek returns the next n bytes without consuming them.
func (b *Buffer) Peek(n int) ([]byte, error) {
	if b.Len() < n {
		return nil, io.ErrUnexpectedEOF
	}
	return b.b[b.off : b.off+n], nil
}

// Next consumes and returns the next n bytes.
func (b *Buffer) Next(n int) ([]byte, error) {
	p, err := b.Peek(n)
	if err != nil {
		return nil, err
	}
	b.off += n
	return p, nil
}

// Skip advances the read cursor by n bytes.
func (b *Buffer) Skip(n int) error {
	_, err := b.Next(n)
	return err
}

func (b *Buffer) ReadUint16() (uint16, error) {
	p, err := b.Next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

func (b *Buffer) ReadUint32() (uint32, error) {
	p, err := b.Next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p), nil
}

func (b *Buffer) ReadUint64() (uint64, error) {
	p, err := b.Next(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(p), nil
}
