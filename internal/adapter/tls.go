package adapter

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/albertbausili/velox/internal/connection"
	"github.com/albertbausili/velox/internal/features"
	"github.com/albertbausili/velox/internal/transport"
	"golang.org/x/net/http2"
)

// DefaultHandshakeTimeout bounds a TLS handshake when none is configured.
const DefaultHandshakeTimeout = 10 * time.Second

// ALPN protocol identifiers.
const (
	ProtocolHTTP11 = "http/1.1"
	ProtocolHTTP2  = http2.NextProtoTLS
)

// ErrHandshake wraps every TLS handshake failure.
var ErrHandshake = errors.New("adapter: tls handshake failed")

// TLS terminates TLS and records the negotiated ALPN protocol.
type TLS struct {
	config  *tls.Config
	timeout time.Duration
}

// NewTLS returns a TLS adapter. protocols lists the ALPN identifiers to
// offer, in preference order; it is only used when cfg has no NextProtos.
func NewTLS(cfg *tls.Config, protocols []string, handshakeTimeout time.Duration) *TLS {
	cfg = cfg.Clone()
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = slices.Clone(protocols)
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &TLS{config: cfg, timeout: handshakeTimeout}
}

// NegotiatesProtocol implements Adapter.
func (a *TLS) NegotiatesProtocol() bool { return true }

// OnConnection performs the server handshake within the handshake timeout.
func (a *TLS) OnConnection(ctx context.Context, cc *connection.Context) (transport.Transport, error) {
	hc := &handshakeConn{Transport: cc.Transport}
	hc.autoFlush.Store(true)
	conn := tls.Server(hc, a.config)

	hctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	err := conn.HandshakeContext(hctx)
	hc.autoFlush.Store(false)

	metrics := cc.Observer.Metrics
	if err != nil {
		metrics.TLSHandshakes.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	metrics.TLSHandshakes.WithLabelValues("ok").Inc()

	state := conn.ConnectionState()
	cc.TLS = &state
	cc.Protocol = state.NegotiatedProtocol
	features.Set[features.TLSFeature](cc.Features, tlsFeature{state: state})
	return &tlsTransport{Conn: conn, inner: cc.Transport}, nil
}

// handshakeConn flushes every write while the handshake runs, since the
// handshake waits for replies to records it has only buffered.
type handshakeConn struct {
	transport.Transport
	autoFlush atomic.Bool
}

func (c *handshakeConn) Write(p []byte) (int, error) {
	n, err := c.Transport.Write(p)
	if err == nil && c.autoFlush.Load() {
		err = c.Transport.Flush()
	}
	return n, err
}

// tlsTransport exposes a TLS session as a Transport. Records are buffered
// by the inner transport until Flush.
type tlsTransport struct {
	*tls.Conn
	inner transport.Transport
}

func (t *tlsTransport) Flush() error { return t.inner.Flush() }

func (t *tlsTransport) Shutdown(d transport.Direction) error {
	if d&transport.Output != 0 {
		if err := t.Conn.CloseWrite(); err != nil {
			return err
		}
	}
	return t.inner.Shutdown(d)
}

func (t *tlsTransport) Abort(reason error)    { t.inner.Abort(reason) }
func (t *tlsTransport) Done() <-chan struct{} { return t.inner.Done() }
func (t *tlsTransport) Err() error            { return t.inner.Err() }

type tlsFeature struct{ state tls.ConnectionState }

func (f tlsFeature) ConnectionState() tls.ConnectionState { return f.state }
