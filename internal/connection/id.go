package connection

import (
	"sync/atomic"
	"time"
)

const encode32Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUV"

// IDGenerator hands out unique, monotonically increasing connection ids.
type IDGenerator struct {
	last atomic.Uint64
}

// NewIDGenerator seeds a generator from the wall clock so ids differ across
// restarts.
func NewIDGenerator() *IDGenerator {
	g := &IDGenerator{}
	g.last.Store(uint64(time.Now().UnixNano()))
	return g
}

// Next returns the next id as 13 base32 characters.
func (g *IDGenerator) Next() string {
	return EncodeID(g.last.Add(1))
}

// EncodeID renders v as 13 base32 characters, most significant first.
func EncodeID(v uint64) string {
	var buf [13]byte
	for i := 12; i >= 0; i-- {
		buf[i] = encode32Chars[v&31]
		v >>= 5
	}
	return string(buf[:])
}
