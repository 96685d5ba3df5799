// Package adapter implements connection middleware that runs on an accepted
// connection before any HTTP protocol does. An adapter may replace the
// connection's transport, for example with a TLS session.
package adapter

import (
	"context"

	"github.com/albertbausili/velox/internal/connection"
	"github.com/albertbausili/velox/internal/transport"
)

// Adapter inspects or wraps a connection before protocol selection.
type Adapter interface {
	// OnConnection returns the transport the next adapter and the protocol
	// handler should use. Returning nil keeps the current one. An error
	// aborts the connection.
	OnConnection(ctx context.Context, cc *connection.Context) (transport.Transport, error)
	// NegotiatesProtocol reports whether the adapter sets cc.Protocol.
	NegotiatesProtocol() bool
}

// Chain runs adapters in registration order.
type Chain []Adapter

// Apply runs every adapter, replacing cc.Transport with each result.
func (ch Chain) Apply(ctx context.Context, cc *connection.Context) error {
	for _, a := range ch {
		t, err := a.OnConnection(ctx, cc)
		if err != nil {
			return err
		}
		if t != nil {
			cc.Transport = t
		}
	}
	return nil
}

// NegotiatesProtocol reports whether any adapter selects the protocol.
func (ch Chain) NegotiatesProtocol() bool {
	for _, a := range ch {
		if a.NegotiatesProtocol() {
			return true
		}
	}
	return false
}
