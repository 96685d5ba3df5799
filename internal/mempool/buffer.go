package mempool

import (
	"io"
)

// Buffer is a FIFO byte queue backed by chained pool segments. It is not safe
// for concurrent use; callers serialise access.
type Buffer struct {
	pool       *Pool
	head, tail *Segment
	start      int // read offset into head
	end        int // write offset into tail
	length     int
}

// NewBuffer returns an empty buffer that rents segments from p.
func NewBuffer(p *Pool) *Buffer {
	return &Buffer{pool: p}
}

// Len reports the number of unread bytes.
func (b *Buffer) Len() int { return b.length }

// Segments reports how many segments the buffer currently owns.
func (b *Buffer) Segments() int {
	n := 0
	for s := b.head; s != nil; s = s.Next {
		n++
	}
	return n
}

func (b *Buffer) grow() {
	s := b.pool.Rent(0)
	if b.tail == nil {
		b.head = s
		b.start = 0
	} else {
		b.tail.Next = s
	}
	b.tail = s
	b.end = 0
}

// WritableSlice returns free space at the end of the buffer, renting a new
// segment when needed. Callers fill a prefix of it and then call Commit.
func (b *Buffer) WritableSlice() []byte {
	if b.tail == nil || b.end == len(b.tail.Data) {
		b.grow()
	}
	return b.tail.Data[b.end:]
}

// Commit marks n bytes of the last WritableSlice as written.
func (b *Buffer) Commit(n int) {
	b.end += n
	b.length += n
}

// Write appends p to the buffer. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		n := copy(b.WritableSlice(), p)
		b.Commit(n)
		p = p[n:]
	}
	return total, nil
}

// WriteString appends s to the buffer.
func (b *Buffer) WriteString(s string) (int, error) {
	total := len(s)
	for len(s) > 0 {
		n := copy(b.WritableSlice(), s)
		b.Commit(n)
		s = s[n:]
	}
	return total, nil
}

// WriteByte appends a single byte.
func (b *Buffer) WriteByte(c byte) error {
	b.WritableSlice()[0] = c
	b.Commit(1)
	return nil
}

// ReadOnce performs a single read from r into free segment space.
func (b *Buffer) ReadOnce(r io.Reader) (int, error) {
	n, err := r.Read(b.WritableSlice())
	if n > 0 {
		b.Commit(n)
	}
	return n, err
}

// Peek returns the readable bytes of the first segment without consuming
// them. The slice is valid until the next call that mutates the buffer.
func (b *Buffer) Peek() []byte {
	if b.head == nil {
		return nil
	}
	if b.head == b.tail {
		return b.head.Data[b.start:b.end]
	}
	return b.head.Data[b.start:]
}

// CopyPrefix appends up to n unread bytes to dst without consuming them.
func (b *Buffer) CopyPrefix(dst []byte, n int) []byte {
	if n > b.length {
		n = b.length
	}
	off := b.start
	for s := b.head; s != nil && n > 0; s = s.Next {
		limit := len(s.Data)
		if s == b.tail {
			limit = b.end
		}
		chunk := s.Data[off:limit]
		if len(chunk) > n {
			chunk = chunk[:n]
		}
		dst = append(dst, chunk...)
		n -= len(chunk)
		off = 0
	}
	return dst
}

// Discard drops the first n unread bytes, returning emptied segments to the
// pool.
func (b *Buffer) Discard(n int) {
	if n > b.length {
		n = b.length
	}
	b.length -= n
	for n > 0 {
		limit := len(b.head.Data)
		if b.head == b.tail {
			limit = b.end
		}
		avail := limit - b.start
		if n < avail {
			b.start += n
			return
		}
		n -= avail
		b.popHead()
	}
	if b.length == 0 && b.head != nil && b.head == b.tail && b.start == b.end {
		b.popHead()
	}
}

func (b *Buffer) popHead() {
	s := b.head
	b.head = s.Next
	s.Next = nil
	b.pool.Return(s)
	b.start = 0
	if b.head == nil {
		b.tail = nil
		b.end = 0
	}
}

// Read copies unread bytes into p and consumes them. It returns io.EOF only
// when the buffer is empty and p is non-empty.
func (b *Buffer) Read(p []byte) (int, error) {
	if b.length == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := 0
	for n < len(p) && b.length > 0 {
		c := copy(p[n:], b.Peek())
		b.Discard(c)
		n += c
	}
	return n, nil
}

// Slices returns the unread bytes as one slice per segment, suitable for
// vectored writes. The slices alias the buffer.
func (b *Buffer) Slices(dst [][]byte) [][]byte {
	off := b.start
	for s := b.head; s != nil; s = s.Next {
		limit := len(s.Data)
		if s == b.tail {
			limit = b.end
		}
		if limit > off {
			dst = append(dst, s.Data[off:limit])
		}
		off = 0
	}
	return dst
}

// WriteTo drains the buffer into w.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for b.length > 0 {
		n, err := w.Write(b.Peek())
		total += int64(n)
		b.Discard(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Reset drops all content and returns every segment to the pool.
func (b *Buffer) Reset() {
	if b.head != nil {
		b.pool.Return(b.head)
	}
	b.head, b.tail = nil, nil
	b.start, b.end, b.length = 0, 0, 0
}
