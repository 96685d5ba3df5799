// Package mempool provides a pool of fixed-size buffer segments that can be
// chained to represent arbitrarily large logical buffers.
package mempool

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

const (
	// DefaultSegmentSize is the segment size used when none is configured.
	DefaultSegmentSize = 4096
	minSegmentSize     = 512
)

// Segment is one fixed-size block rented from a Pool. Segments are chained
// through Next. The contents of a freshly rented segment are not zeroed.
type Segment struct {
	Data []byte
	Next *Segment

	pool   *Pool
	rented bool
}

// Stats is a snapshot of pool usage.
type Stats struct {
	Rented   uint64 // total segments handed out
	Returned uint64 // total segments given back
	Live     int64  // segments currently owned by callers
}

// Pool hands out segments of a single power-of-two size. It is safe for
// concurrent use by many connections.
type Pool struct {
	size     int
	segments sync.Pool

	rented   atomic.Uint64
	returned atomic.Uint64
}

// New creates a pool whose segment size is segmentSize rounded up to the next
// power of two (minimum 512 bytes).
func New(segmentSize int) *Pool {
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	if segmentSize < minSegmentSize {
		segmentSize = minSegmentSize
	}
	if segmentSize&(segmentSize-1) != 0 {
		segmentSize = 1 << bits.Len(uint(segmentSize))
	}
	p := &Pool{size: segmentSize}
	p.segments.New = func() any {
		return &Segment{Data: make([]byte, p.size), pool: p}
	}
	return p
}

// SegmentSize reports the fixed size of every segment in the pool.
func (p *Pool) SegmentSize() int { return p.size }

// Rent returns a chain of segments large enough to hold sizeHint bytes. At
// least one segment is always returned.
func (p *Pool) Rent(sizeHint int) *Segment {
	n := 1
	if sizeHint > p.size {
		n = (sizeHint + p.size - 1) / p.size
	}
	var head, tail *Segment
	for i := 0; i < n; i++ {
		s := p.get()
		if head == nil {
			head = s
		} else {
			tail.Next = s
		}
		tail = s
	}
	return head
}

func (p *Pool) get() *Segment {
	s := p.segments.Get().(*Segment)
	s.Next = nil
	s.rented = true
	p.rented.Add(1)
	return s
}

// Return gives the whole chain starting at s back to the pool. Ownership
// transfers on return: the caller must not touch any segment of the chain
// afterwards. Segments that belong to another pool are dropped.
func (p *Pool) Return(s *Segment) {
	for s != nil {
		next := s.Next
		if !s.rented {
			panic("mempool: segment returned twice")
		}
		s.rented = false
		s.Next = nil
		if s.pool == p {
			p.returned.Add(1)
			p.segments.Put(s)
		}
		s = next
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	r := p.rented.Load()
	ret := p.returned.Load()
	return Stats{Rented: r, Returned: ret, Live: int64(r) - int64(ret)}
}
