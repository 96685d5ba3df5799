package adapter

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log"

	"github.com/albertbausili/velox/internal/connection"
	"github.com/albertbausili/velox/internal/transport"
)

// Logging traces every byte read from and written to a connection as a hex
// dump. It does not interpret the traffic.
type Logging struct {
	// Logger receives the dumps; nil uses the connection's logger.
	Logger *log.Logger
}

// NegotiatesProtocol implements Adapter.
func (a *Logging) NegotiatesProtocol() bool { return false }

// OnConnection implements Adapter.
func (a *Logging) OnConnection(_ context.Context, cc *connection.Context) (transport.Transport, error) {
	logger := a.Logger
	if logger == nil {
		logger = cc.Observer.Logger
	}
	return &loggingTransport{Transport: cc.Transport, id: cc.ID, logger: logger}, nil
}

type loggingTransport struct {
	transport.Transport
	id     string
	logger *log.Logger
}

func (t *loggingTransport) Read(p []byte) (int, error) {
	n, err := t.Transport.Read(p)
	if n > 0 {
		t.logger.Printf("%s read %d bytes\n%s", t.id, n, hex.Dump(p[:n]))
	}
	if err != nil && !errors.Is(err, io.EOF) {
		t.logger.Printf("%s read error: %v", t.id, err)
	}
	return n, err
}

func (t *loggingTransport) Write(p []byte) (int, error) {
	n, err := t.Transport.Write(p)
	if n > 0 {
		t.logger.Printf("%s write %d bytes\n%s", t.id, n, hex.Dump(p[:n]))
	}
	if err != nil {
		t.logger.Printf("%s write error: %v", t.id, err)
	}
	return n, err
}
