// Package connection holds the per-connection state shared by the
// dispatcher, the adapter chain and the protocol handlers.
package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"

	"github.com/albertbausili/velox/internal/features"
	"github.com/albertbausili/velox/internal/heartbeat"
	"github.com/albertbausili/velox/internal/mempool"
	"github.com/albertbausili/velox/internal/observe"
	"github.com/albertbausili/velox/internal/transport"
)

// ErrCloseRequested is the abort reason used when a graceful close times out.
var ErrCloseRequested = errors.New("connection: server shutting down")

// Context is one accepted connection. It is created by the dispatcher and
// handed to exactly one protocol handler for its lifetime.
type Context struct {
	ID         string
	LocalAddr  net.Addr
	RemoteAddr net.Addr
	Pool       *mempool.Pool
	Features   *features.Collection
	Observer   *observe.Observer
	Timeouts   *heartbeat.TimeoutControl

	// Transport is replaced by adapters that wrap the stream (TLS, logging).
	Transport transport.Transport
	// Protocol is the ALPN protocol negotiated by an adapter, if any.
	Protocol string
	// TLS is set by the TLS adapter after a successful handshake.
	TLS *tls.ConnectionState

	ctx    context.Context
	cancel context.CancelCauseFunc

	closeRequested chan struct{}
	requestOnce    sync.Once

	mu        sync.Mutex
	onTimeout func(heartbeat.Reason)
	onClose   func()
}

// New creates the context for a freshly accepted transport.
func New(id string, t transport.Transport, pool *mempool.Pool, obs *observe.Observer) *Context {
	ctx, cancel := context.WithCancelCause(context.Background())
	c := &Context{
		ID:             id,
		LocalAddr:      t.LocalAddr(),
		RemoteAddr:     t.RemoteAddr(),
		Pool:           pool,
		Features:       features.NewCollection(nil),
		Observer:       obs,
		Transport:      t,
		ctx:            ctx,
		cancel:         cancel,
		closeRequested: make(chan struct{}),
	}
	c.Timeouts = heartbeat.NewTimeoutControl(c)
	features.Set[features.ConnectionFeature](c.Features, connectionFeature{c})
	return c
}

// Context is cancelled when the connection closes or is aborted. Request
// contexts derive from it.
func (c *Context) Context() context.Context { return c.ctx }

// Closed fires when the connection is gone.
func (c *Context) Closed() <-chan struct{} { return c.ctx.Done() }

// CloseRequested fires when the server asks the connection to drain. It
// always fires before or together with Closed.
func (c *Context) CloseRequested() <-chan struct{} { return c.closeRequested }

// IsCloseRequested reports whether RequestClose has been called.
func (c *Context) IsCloseRequested() bool {
	select {
	case <-c.closeRequested:
		return true
	default:
		return false
	}
}

// RequestClose asks the protocol handler to finish in-flight work and close.
func (c *Context) RequestClose() {
	c.requestOnce.Do(func() {
		close(c.closeRequested)
		c.mu.Lock()
		fn := c.onClose
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

// OnCloseRequested registers fn to run when RequestClose is first called.
// Protocol handlers use it to wake a blocked read.
func (c *Context) OnCloseRequested(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
	if c.IsCloseRequested() {
		fn()
	}
}

// Abort forcibly terminates the connection. The first reason wins.
func (c *Context) Abort(reason error) {
	c.requestOnce.Do(func() { close(c.closeRequested) })
	c.cancel(reason)
	c.Transport.Abort(reason)
}

// MarkClosed records normal completion.
func (c *Context) MarkClosed() {
	c.requestOnce.Do(func() { close(c.closeRequested) })
	c.cancel(net.ErrClosed)
}

// Cause returns the reason the connection ended, or nil while it is open.
func (c *Context) Cause() error {
	if c.ctx.Err() == nil {
		return nil
	}
	return context.Cause(c.ctx)
}

// SetTimeoutHandler overrides what happens on a timeout. By default the
// connection is aborted.
func (c *Context) SetTimeoutHandler(fn func(heartbeat.Reason)) {
	c.mu.Lock()
	c.onTimeout = fn
	c.mu.Unlock()
}

// OnTimeout implements heartbeat.TimeoutHandler.
func (c *Context) OnTimeout(reason heartbeat.Reason) {
	c.mu.Lock()
	fn := c.onTimeout
	c.mu.Unlock()
	if fn != nil {
		fn(reason)
		return
	}
	c.AbortTimeout(reason)
}

// AbortTimeout aborts with a timeout reason and counts it.
func (c *Context) AbortTimeout(reason heartbeat.Reason) {
	if c.Observer != nil {
		c.Observer.Metrics.ConnectionAborts.WithLabelValues(reason.String()).Inc()
		c.Observer.Logger.Printf("connection %s aborted: %s", c.ID, reason)
	}
	c.Abort(&heartbeat.TimeoutError{Reason: reason})
}

type connectionFeature struct{ c *Context }

func (f connectionFeature) ConnectionID() string { return f.c.ID }
func (f connectionFeature) LocalAddr() net.Addr  { return f.c.LocalAddr }
func (f connectionFeature) RemoteAddr() net.Addr { return f.c.RemoteAddr }
