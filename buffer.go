// SPDX-License-Identifier: Apache-2.0

package arena

import (
	"io"
	"unsafe"
)

// Buffer is a bytes.Buffer-like byte queue whose storage lives in a pool.
// Growing the buffer leaves the outgrown storage in the pool until it is
// cleared, so a Buffer suits building a value of unknown size once, not
// long-lived queues.
type Buffer struct {
	pool    *Pool
	buf     []byte
	off     int // read offset
	readBuf []byte
}

// NewBuffer creates an empty buffer backed by p.
func NewBuffer(p *Pool) *Buffer {
	return &Buffer{pool: p}
}

// Write implements io.Writer. It fails only if the pool runs out of memory.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	grown, err := Append(b.pool, b.buf, p...)
	if err != nil {
		return 0, err
	}
	b.buf = grown
	return len(p), nil
}

// WriteByte writes a single byte to the buffer.
func (b *Buffer) WriteByte(c byte) error {
	grown, err := Append(b.pool, b.buf, c)
	if err != nil {
		return err
	}
	b.buf = grown
	return nil
}

// WriteString writes s to the buffer.
func (b *Buffer) WriteString(s string) (int, error) {
	return b.Write(unsafe.Slice(unsafe.StringData(s), len(s)))
}

// Read implements io.Reader.
func (b *Buffer) Read(p []byte) (int, error) {
	if b.off >= len(b.buf) {
		b.Reset()
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b.buf[b.off:])
	b.off += n
	return n, nil
}

// ReadByte reads and returns the next byte from the buffer.
func (b *Buffer) ReadByte() (byte, error) {
	if b.off >= len(b.buf) {
		b.Reset()
		return 0, io.EOF
	}
	c := b.buf[b.off]
	b.off++
	return c, nil
}

// WriteTo implements io.WriterTo.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	if b.off >= len(b.buf) {
		return 0, nil
	}
	m, err := w.Write(b.buf[b.off:])
	b.off += m
	if err == nil && b.off < len(b.buf) {
		err = io.ErrShortWrite
	}
	return int64(m), err
}

// ReadFrom implements io.ReaderFrom. The read staging buffer is allocated
// from the pool on first use.
func (b *Buffer) ReadFrom(r io.Reader) (int64, error) {
	const readBufferSize = 4 * 1024

	if b.readBuf == nil {
		rb, err := b.pool.Alloc(readBufferSize)
		if err != nil {
			return 0, err
		}
		b.readBuf = rb
	}

	var n int64
	for {
		nr, er := r.Read(b.readBuf)
		if nr > 0 {
			if _, ew := b.Write(b.readBuf[:nr]); ew != nil {
				return n, ew
			}
			n += int64(nr)
		}
		if er == io.EOF {
			return n, nil
		}
		if er != nil {
			return n, er
		}
	}
}

// Bytes returns the unread portion of the buffer. The slice aliases pool
// memory and is valid until the next write or until the pool is cleared.
func (b *Buffer) Bytes() []byte {
	return b.buf[b.off:]
}

// String returns the unread portion of the buffer as a copied string.
func (b *Buffer) String() string {
	return string(b.buf[b.off:])
}

// PoolString returns the unread portion as a string sharing pool memory.
func (b *Buffer) PoolString() string {
	if b.off >= len(b.buf) {
		return ""
	}
	return unsafe.String(&b.buf[b.off], len(b.buf)-b.off)
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.buf) - b.off
}

// Cap returns the capacity of the buffer's storage.
func (b *Buffer) Cap() int {
	return cap(b.buf)
}

// Reset empties the buffer and keeps its storage.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.off = 0
}

// Truncate discards all but the first n unread bytes.
// It panics if n is negative or greater than the length of the buffer.
func (b *Buffer) Truncate(n int) {
	if n < 0 || n > b.Len() {
		panic("arena: truncation out of range")
	}
	b.buf = b.buf[:b.off+n]
}
