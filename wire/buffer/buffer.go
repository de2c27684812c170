// Package buffer provides an owned, immutable byte region and borrowed views
// into it. A Slice never copies: it is an offset and a length over its parent's
// storage, so slicing a received PDU into header, value and signature parts is
// free.
package buffer

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// ErrOutOfRange is returned when a view or read falls outside the buffer
var ErrOutOfRange = errors.New("buffer: out of range")

// Buffer owns a byte region. Its contents must not change after Wrap.
type Buffer struct {
	data []byte
}

// Wrap takes ownership of b without copying
func Wrap(b []byte) *Buffer {
	return &Buffer{data: b}
}

// Copy returns a Buffer holding a private copy of b
func Copy(b []byte) *Buffer {
	data := make([]byte, len(b))
	copy(data, b)
	return &Buffer{data: data}
}

// Len returns the size of the region
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// All returns a Slice covering the whole buffer
func (b *Buffer) All() Slice {
	return Slice{buf: b, off: 0, n: b.Len()}
}

// Slice returns a borrowed view of n bytes starting at off
func (b *Buffer) Slice(off, n int) (Slice, error) {
	return b.All().Sub(off, n)
}

// Slice is a borrowed view into a Buffer
type Slice struct {
	buf *Buffer
	off int
	n   int
}

// Len returns the number of bytes in the view
func (s Slice) Len() int { return s.n }

// Offset returns the view's offset within its parent buffer
func (s Slice) Offset() int { return s.off }

// Parent returns the buffer the view borrows from
func (s Slice) Parent() *Buffer { return s.buf }

// Sub returns a view of n bytes starting at off, relative to s
func (s Slice) Sub(off, n int) (Slice, error) {
	if off < 0 || n < 0 || off+n > s.n {
		return Slice{}, errors.Wrapf(ErrOutOfRange, "view [%d:%d] of %d bytes", off, off+n, s.n)
	}
	return Slice{buf: s.buf, off: s.off + off, n: n}, nil
}

// Bytes returns the viewed bytes. The result aliases the parent buffer and has
// its capacity capped so an append can never write into the parent.
func (s Slice) Bytes() []byte {
	if s.n == 0 {
		return nil
	}
	end := s.off + s.n
	return s.buf.data[s.off:end:end]
}

// Clone returns a private copy of the viewed bytes
func (s Slice) Clone() []byte {
	if s.n == 0 {
		return nil
	}
	out := make([]byte, s.n)
	copy(out, s.Bytes())
	return out
}

// String returns a hex rendering for logs
func (s Slice) String() string {
	return fmt.Sprintf("% X", s.Bytes())
}

// Reader is a little-endian cursor over a Slice. Errors are sticky: once a
// read runs past the end every later read returns zero values and Err reports
// the first failure.
type Reader struct {
	s   Slice
	pos int
	err error
}

// NewReader returns a Reader positioned at the start of s
func NewReader(s Slice) *Reader {
	return &Reader{s: s}
}

// Remaining returns the number of unread bytes
func (r *Reader) Remaining() int {
	if r.err != nil {
		return 0
	}
	return r.s.n - r.pos
}

// Err returns the first out-of-range error, if any
func (r *Reader) Err() error { return r.err }

// Next returns a view of the next n bytes and advances past them
func (r *Reader) Next(n int) Slice {
	if r.err != nil {
		return Slice{}
	}
	v, err := r.s.Sub(r.pos, n)
	if err != nil {
		r.err = err
		return Slice{}
	}
	r.pos += n
	return v
}

// Rest returns a view of all unread bytes and advances to the end
func (r *Reader) Rest() Slice {
	return r.Next(r.Remaining())
}

// Uint8 reads one byte
func (r *Reader) Uint8() uint8 {
	v := r.Next(1)
	if v.n == 0 {
		return 0
	}
	return v.Bytes()[0]
}

// Uint16 reads a little-endian uint16
func (r *Reader) Uint16() uint16 {
	v := r.Next(2)
	if v.n == 0 {
		return 0
	}
	return binary.LittleEndian.Uint16(v.Bytes())
}
