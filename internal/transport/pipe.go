package transport

import (
	"net"

	"github.com/albertbausili/velox/internal/mempool"
)

// Pipe returns an in-memory connected pair: the server side as a Transport
// and the peer as a plain net.Conn. It is the test double for protocol code.
func Pipe(pool *mempool.Pool, opts Options) (*Conn, net.Conn) {
	server, client := net.Pipe()
	return NewConn(server, pool, opts), client
}
