// Package mux accepts connections on every configured endpoint, runs the
// adapter chain and hands each connection to the HTTP/1.1 or HTTP/2 handler.
// It owns the server lifecycle.
package mux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/albertbausili/velox/internal/adapter"
	"github.com/albertbausili/velox/internal/connection"
	"github.com/albertbausili/velox/internal/date"
	"github.com/albertbausili/velox/internal/h1"
	"github.com/albertbausili/velox/internal/h2"
	"github.com/albertbausili/velox/internal/heartbeat"
	"github.com/albertbausili/velox/internal/hosting"
	"github.com/albertbausili/velox/internal/mempool"
	"github.com/albertbausili/velox/internal/observe"
	"github.com/albertbausili/velox/internal/transport"
	"go4.org/syncutil"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"
)

// verboseConnLogging controls per-connection logging.
const verboseConnLogging = false

// ErrInvalidOperation is returned by Start and Stop when the dispatcher is
// not in a state that allows the call.
var ErrInvalidOperation = errors.New("mux: invalid operation for dispatcher state")

// State is the dispatcher lifecycle state.
type State int32

// Lifecycle states. Transitions only move forward.
const (
	NotStarted State = iota
	Started
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not started"
	case Started:
		return "started"
	case Stopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Protocols is a set of HTTP versions an endpoint serves.
type Protocols uint8

// Protocol set members.
const (
	HTTP1 Protocols = 1 << iota
	HTTP2
	HTTP1AndHTTP2 = HTTP1 | HTTP2
)

// ALPN returns the ALPN identifiers for p in preference order.
func (p Protocols) ALPN() []string {
	var out []string
	if p&HTTP2 != 0 {
		out = append(out, adapter.ProtocolHTTP2)
	}
	if p&HTTP1 != 0 {
		out = append(out, adapter.ProtocolHTTP11)
	}
	return out
}

func (p Protocols) String() string {
	var names []string
	if p&HTTP1 != 0 {
		names = append(names, "HTTP/1.1")
	}
	if p&HTTP2 != 0 {
		names = append(names, "HTTP/2")
	}
	return strings.Join(names, " and ")
}

// Binder opens an endpoint's listener. It must honour ctx and leave no
// socket open when it fails.
type Binder func(ctx context.Context) (transport.Listener, error)

// Endpoint is one listening address and its connection pipeline.
type Endpoint struct {
	Name      string
	Bind      Binder
	Protocols Protocols
	Adapters  adapter.Chain
}

// Config configures a Dispatcher.
type Config struct {
	Endpoints []Endpoint
	H1        h1.Limits
	H2        h2.Limits
	// MaxConcurrentConnections bounds open connections; 0 means unlimited.
	// Accepting pauses while the limit is reached.
	MaxConcurrentConnections int
	// HandshakeTimeout bounds the adapter chain and protocol detection.
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	Observer          *observe.Observer
	Pool              *mempool.Pool
}

// Dispatcher runs the accept loops and tracks live connections.
type Dispatcher struct {
	cfg   Config
	obs   *observe.Observer
	pool  *mempool.Pool
	ids   *connection.IDGenerator
	dates *date.Cache
	hb    *heartbeat.Heartbeat
	gate  *syncutil.Gate

	state     atomic.Int32
	listeners []transport.Listener
	cancel    context.CancelFunc
	group     *errgroup.Group

	mu       sync.Mutex
	conns    map[*connection.Context]struct{}
	closing  bool
	aborting bool
	connWG   sync.WaitGroup
}

// New creates a dispatcher in the NotStarted state.
func New(cfg Config) *Dispatcher {
	if cfg.Observer == nil {
		cfg.Observer = observe.Nop()
	}
	if cfg.Pool == nil {
		cfg.Pool = mempool.New(0)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = adapter.DefaultHandshakeTimeout
	}
	d := &Dispatcher{
		cfg:   cfg,
		obs:   cfg.Observer,
		pool:  cfg.Pool,
		ids:   connection.NewIDGenerator(),
		dates: date.NewCache(),
		hb:    heartbeat.New(cfg.HeartbeatInterval, cfg.Observer.Logger),
		conns: make(map[*connection.Context]struct{}),
	}
	if cfg.MaxConcurrentConnections > 0 {
		d.gate = syncutil.NewGate(cfg.MaxConcurrentConnections)
	}
	return d
}

// State reports the lifecycle state.
func (d *Dispatcher) State() State { return State(d.state.Load()) }

// Addrs returns the bound addresses, in endpoint order, once started.
func (d *Dispatcher) Addrs() []net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	addrs := make([]net.Addr, len(d.listeners))
	for i, l := range d.listeners {
		addrs[i] = l.Addr()
	}
	return addrs
}

// Connections reports how many connections are open.
func (d *Dispatcher) Connections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Start binds every endpoint and begins accepting. A bind failure closes
// the listeners already bound and returns the dispatcher to NotStarted.
func (d *Dispatcher) Start(ctx context.Context, app hosting.Application) error {
	if !d.state.CompareAndSwap(int32(NotStarted), int32(Started)) {
		return ErrInvalidOperation
	}
	if len(d.cfg.Endpoints) == 0 {
		d.state.Store(int32(NotStarted))
		return errors.New("mux: no endpoints configured")
	}

	listeners := make([]transport.Listener, 0, len(d.cfg.Endpoints))
	for _, ep := range d.cfg.Endpoints {
		l, err := ep.Bind(ctx)
		if err != nil {
			for _, bound := range listeners {
				_ = bound.Close()
			}
			d.state.Store(int32(NotStarted))
			return fmt.Errorf("mux: bind %s: %w", ep.Name, err)
		}
		listeners = append(listeners, l)
	}

	d.mu.Lock()
	d.listeners = listeners
	d.mu.Unlock()

	d.hb.Register(d.dates)
	d.hb.Start()

	acceptCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	g, gctx := errgroup.WithContext(acceptCtx)
	d.group = g
	for i, l := range listeners {
		ep := d.cfg.Endpoints[i]
		if ep.Protocols == 0 {
			ep.Protocols = HTTP1AndHTTP2
		}
		d.obs.Logger.Printf("Listening on %s (%s)", l.Addr(), ep.Protocols)
		g.Go(func() error {
			return d.acceptLoop(gctx, l, ep, app)
		})
	}
	return nil
}

// Stop stops accepting, asks every connection to finish its current work
// and waits until they have or ctx is done. Connections still open then are
// aborted. Stop with an expired context disposes the dispatcher at once.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if !d.state.CompareAndSwap(int32(Started), int32(Stopping)) {
		if d.state.CompareAndSwap(int32(NotStarted), int32(Stopped)) {
			return nil
		}
		return ErrInvalidOperation
	}
	defer d.state.Store(int32(Stopped))

	d.cancel()
	d.mu.Lock()
	for _, l := range d.listeners {
		_ = l.Close()
	}
	d.closing = true
	live := d.snapshotLocked()
	d.mu.Unlock()

	d.obs.Logger.Printf("Initiating graceful shutdown of %d connections...", len(live))
	for _, cc := range live {
		// A drain may block flushing GOAWAY to a slow peer.
		go cc.RequestClose()
	}

	// Teardown runs once the last connection goroutine returns, which may be
	// after Stop when a handler ignores cancellation.
	done := make(chan struct{})
	var acceptErr error
	go func() {
		acceptErr = d.group.Wait()
		d.connWG.Wait()
		d.hb.Unregister(d.dates)
		d.hb.Stop()
		d.obs.Logger.Println("Server shutdown complete")
		close(done)
	}()

	select {
	case <-done:
		return acceptErr
	case <-ctx.Done():
	}
	d.mu.Lock()
	d.aborting = true
	live = d.snapshotLocked()
	d.mu.Unlock()
	for _, cc := range live {
		cc.Abort(connection.ErrCloseRequested)
	}
	return ctx.Err()
}

func (d *Dispatcher) snapshotLocked() []*connection.Context {
	out := make([]*connection.Context, 0, len(d.conns))
	for cc := range d.conns {
		out = append(out, cc)
	}
	return out
}

func (d *Dispatcher) acceptLoop(ctx context.Context, l transport.Listener, ep Endpoint, app hosting.Application) error {
	var backoff time.Duration
	for {
		if d.gate != nil {
			d.gate.Start()
		}
		t, err := l.Accept(ctx)
		if err != nil {
			if d.gate != nil {
				d.gate.Done()
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(2*backoff, time.Second)
			}
			d.obs.Logger.Printf("mux: accept error on %s: %v; retrying in %v", l.Addr(), err, backoff)
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		backoff = 0

		cc := connection.New(d.ids.Next(), t, d.pool, d.obs)
		if !d.track(cc) {
			t.Abort(connection.ErrCloseRequested)
			if d.gate != nil {
				d.gate.Done()
			}
			continue
		}
		go d.serveConn(cc, ep, app)
	}
}

// track registers cc. A connection accepted while stopping is told to close
// at once, or refused when already aborting.
func (d *Dispatcher) track(cc *connection.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.aborting {
		return false
	}
	d.conns[cc] = struct{}{}
	d.connWG.Add(1)
	if d.closing {
		cc.RequestClose()
	}
	return true
}

func (d *Dispatcher) untrack(cc *connection.Context) {
	d.mu.Lock()
	delete(d.conns, cc)
	d.mu.Unlock()
	d.connWG.Done()
}

// serveConn runs one connection's pipeline. Nothing that happens on the
// connection escapes it.
func (d *Dispatcher) serveConn(cc *connection.Context, ep Endpoint, app hosting.Application) {
	metrics := d.obs.Metrics
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	defer func() {
		metrics.ConnectionsActive.Dec()
		d.untrack(cc)
		if d.gate != nil {
			d.gate.Done()
		}
	}()

	tc := cc.Timeouts
	tc.Initialize(time.Now())
	d.hb.Register(tc)
	defer d.hb.Unregister(tc)

	if verboseConnLogging {
		d.obs.Logger.Printf("Connection %s opened from %s", cc.ID, cc.RemoteAddr)
	}

	err := d.pipeline(cc, ep, app)
	if err != nil && cc.Cause() == nil {
		if verboseConnLogging {
			d.obs.Logger.Printf("Connection %s: %v", cc.ID, err)
		}
	}
	_ = cc.Transport.Close()
	cc.MarkClosed()

	if verboseConnLogging {
		d.obs.Logger.Printf("Connection %s closed", cc.ID)
	}
}

func (d *Dispatcher) pipeline(cc *connection.Context, ep Endpoint, app hosting.Application) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mux: panic serving connection %s: %v", cc.ID, r)
			d.obs.Logger.Print(err)
			cc.Abort(err)
		}
	}()

	ctx := cc.Context()
	cc.Timeouts.SetTimeout(d.cfg.HandshakeTimeout, heartbeat.RequestHeadersTimeout)
	if err := ep.Adapters.Apply(ctx, cc); err != nil {
		cc.Abort(err)
		return err
	}

	proto, err := d.selectProtocol(cc, ep.Protocols)
	if err != nil {
		cc.Abort(err)
		return err
	}
	switch proto {
	case HTTP2:
		return h2.NewConnection(cc, app, d.dates, d.cfg.H2).Serve(ctx)
	case HTTP1:
		return h1.NewConnection(cc, app, d.dates, d.cfg.H1).Serve(ctx)
	}
	return nil
}

// errProtocolNotEnabled is returned when ALPN selected a protocol the
// endpoint does not serve.
var errProtocolNotEnabled = errors.New("mux: negotiated protocol not enabled")

// selectProtocol picks the handler from ALPN when an adapter negotiated one,
// otherwise by looking for the HTTP/2 client preface. A zero result with a
// nil error means the peer left before sending anything.
func (d *Dispatcher) selectProtocol(cc *connection.Context, enabled Protocols) (Protocols, error) {
	switch cc.Protocol {
	case adapter.ProtocolHTTP2:
		if enabled&HTTP2 == 0 {
			return 0, errProtocolNotEnabled
		}
		return HTTP2, nil
	case adapter.ProtocolHTTP11:
		if enabled&HTTP1 == 0 {
			return 0, errProtocolNotEnabled
		}
		return HTTP1, nil
	}

	switch enabled {
	case HTTP1:
		return HTTP1, nil
	case HTTP2:
		return HTTP2, nil
	}

	isH2, prefix, err := sniff(cc.Transport)
	cc.Transport = transport.WithPrefix(cc.Transport, prefix)
	if err != nil {
		if len(prefix) == 0 {
			return 0, nil
		}
		// Let the protocol handler see the partial bytes and the error.
		return HTTP1, nil
	}
	if isH2 {
		return HTTP2, nil
	}
	return HTTP1, nil
}

// sniff reads until the input is either the full HTTP/2 client preface or
// diverges from it. The bytes read are returned for replay.
func sniff(t transport.Transport) (bool, []byte, error) {
	const preface = http2.ClientPreface
	buf := make([]byte, len(preface))
	n := 0
	for n < len(preface) {
		m, err := t.Read(buf[n:])
		n += m
		if !strings.HasPrefix(preface, string(buf[:n])) {
			return false, buf[:n], nil
		}
		if err != nil {
			return false, buf[:n], err
		}
	}
	return true, buf, nil
}
