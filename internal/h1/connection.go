package h1

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/albertbausili/velox/internal/connection"
	"github.com/albertbausili/velox/internal/date"
	"github.com/albertbausili/velox/internal/features"
	"github.com/albertbausili/velox/internal/heartbeat"
	"github.com/albertbausili/velox/internal/hosting"
	"github.com/albertbausili/velox/internal/observe"
)

// verboseLogging controls hot-path logging for performance-sensitive operations.
// Set to false in production for maximum performance.
const verboseLogging = false

// ErrRequestAborted is the connection abort reason when the application
// aborts a request through the lifetime feature.
var ErrRequestAborted = errors.New("h1: request aborted by application")

// Limits configure one HTTP/1.x connection.
type Limits struct {
	MaxRequestLineSize         int
	MaxRequestHeadersTotalSize int
	MaxRequestHeaderCount      int
	// MaxRequestBodySize is the largest accepted body; 0 means unlimited.
	MaxRequestBodySize int64
	// MaxRequestBodyDrain bounds how much unread body is discarded to keep
	// the connection alive.
	MaxRequestBodyDrain    int64
	KeepAliveTimeout       time.Duration
	RequestHeadersTimeout  time.Duration
	MinRequestBodyDataRate *features.MinDataRate
	MinResponseDataRate    *features.MinDataRate
	AddServerHeader        bool
	ServerName             string
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxRequestLineSize:         DefaultMaxRequestLineSize,
		MaxRequestHeadersTotalSize: DefaultMaxHeadersTotalSize,
		MaxRequestHeaderCount:      DefaultMaxHeaderCount,
		MaxRequestBodySize:         30_000_000,
		MaxRequestBodyDrain:        128 << 10,
		KeepAliveTimeout:           130 * time.Second,
		RequestHeadersTimeout:      30 * time.Second,
		MinRequestBodyDataRate:     &features.MinDataRate{BytesPerSecond: 240, GracePeriod: 5 * time.Second},
		MinResponseDataRate:        &features.MinDataRate{BytesPerSecond: 240, GracePeriod: 5 * time.Second},
		AddServerHeader:            true,
		ServerName:                 "velox",
	}
}

func (l Limits) normalize() Limits {
	d := DefaultLimits()
	if l.MaxRequestLineSize <= 0 {
		l.MaxRequestLineSize = d.MaxRequestLineSize
	}
	if l.MaxRequestHeadersTotalSize <= 0 {
		l.MaxRequestHeadersTotalSize = d.MaxRequestHeadersTotalSize
	}
	if l.MaxRequestHeaderCount <= 0 {
		l.MaxRequestHeaderCount = d.MaxRequestHeaderCount
	}
	if l.MaxRequestBodyDrain < 0 {
		l.MaxRequestBodyDrain = 0
	}
	if l.KeepAliveTimeout <= 0 {
		l.KeepAliveTimeout = d.KeepAliveTimeout
	}
	if l.RequestHeadersTimeout <= 0 {
		l.RequestHeadersTimeout = d.RequestHeadersTimeout
	}
	if l.ServerName == "" {
		l.ServerName = d.ServerName
	}
	return l
}

// Connection runs the HTTP/1.x request loop over one transport. Requests
// are handled one at a time on the goroutine calling Serve; pipelined input
// stays buffered until its turn.
type Connection struct {
	cc     *connection.Context
	app    hosting.Application
	limits Limits
	dates  *date.Cache
	scheme string

	in       *input
	parser   *Parser
	req      Request
	rw       responseWriter
	body     body
	features *features.Collection
	drainBuf [4096]byte

	reqCtx     context.Context
	requests   uint64
	closeAfter bool

	mu   sync.Mutex
	idle bool
}

// NewConnection prepares an HTTP/1.x handler for cc. The transport must not
// change after this call.
func NewConnection(cc *connection.Context, app hosting.Application, dates *date.Cache, limits Limits) *Connection {
	limits = limits.normalize()
	if dates == nil {
		dates = date.NewCache()
	}
	if cc.Observer == nil {
		cc.Observer = observe.Nop()
	}
	c := &Connection{
		cc:     cc,
		app:    app,
		limits: limits,
		dates:  dates,
		scheme: "http",
		in:     newInput(cc.Transport, cc.Pool),
		parser: NewParser(ParserLimits{
			MaxRequestLineSize:  limits.MaxRequestLineSize,
			MaxHeadersTotalSize: limits.MaxRequestHeadersTotalSize,
			MaxHeaderCount:      limits.MaxRequestHeaderCount,
		}),
		features: features.NewCollection(cc.Features),
	}
	if cc.TLS != nil {
		c.scheme = "https"
	}
	return c
}

// Serve processes requests until the peer closes, an error occurs, the
// connection is aborted, or a close is requested and the in-flight request
// is done. Cancelling ctx requests a graceful close.
func (c *Connection) Serve(ctx context.Context) error {
	defer c.in.release()
	c.cc.OnCloseRequested(c.wake)
	stop := context.AfterFunc(ctx, c.cc.RequestClose)
	defer stop()

	for {
		keep, err := c.serveOne()
		if err != nil || !keep {
			return err
		}
	}
}

// wake unblocks an idle read so a close request is noticed promptly.
func (c *Connection) wake() {
	c.mu.Lock()
	if c.idle {
		_ = c.cc.Transport.SetReadDeadline(time.Now())
	}
	c.mu.Unlock()
}

func (c *Connection) serveOne() (bool, error) {
	c.parser.Reset()
	c.req.Reset()
	c.closeAfter = false

	if err := c.waitForRequest(); err != nil {
		return false, c.quietClose(err)
	}
	if err := c.readHead(); err != nil {
		var bre *BadRequestError
		if errors.As(err, &bre) {
			c.rejectRequest(bre)
			return false, err
		}
		return false, c.quietClose(err)
	}
	return c.processRequest()
}

// waitForRequest blocks until the first byte of the next request arrives
// under the keep-alive timeout.
func (c *Connection) waitForRequest() error {
	c.mu.Lock()
	if c.cc.IsCloseRequested() {
		c.mu.Unlock()
		return connection.ErrCloseRequested
	}
	if c.in.buf.Len() > 0 {
		c.mu.Unlock()
		return nil
	}
	c.idle = true
	c.mu.Unlock()

	c.cc.Timeouts.SetTimeout(c.limits.KeepAliveTimeout, heartbeat.KeepAliveTimeout)
	_, err := c.in.fill()

	c.mu.Lock()
	c.idle = false
	c.mu.Unlock()
	return err
}

// quietClose maps the ways an idle connection normally ends to nil.
func (c *Connection) quietClose(err error) error {
	var te *heartbeat.TimeoutError
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, connection.ErrCloseRequested),
		c.cc.IsCloseRequested() && c.cc.Cause() == nil:
		return nil
	case errors.As(err, &te) && te.Reason == heartbeat.KeepAliveTimeout:
		return nil
	}
	return err
}

func (c *Connection) readHead() error {
	tc := c.cc.Timeouts
	tc.SetTimeout(c.limits.RequestHeadersTimeout, heartbeat.RequestHeadersTimeout)
	defer tc.CancelTimeout()

	max := c.limits.MaxRequestLineSize + c.limits.MaxRequestHeadersTotalSize + 4
	for {
		if c.in.buf.Len() > 0 {
			n, done, err := c.parser.Parse(c.in.view(max), &c.req)
			c.in.buf.Discard(n)
			if err != nil || done {
				return err
			}
		}
		if _, err := c.in.fill(); err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
}

// rejectRequest answers a malformed request and marks the connection done.
func (c *Connection) rejectRequest(bre *BadRequestError) {
	obs := c.cc.Observer
	obs.Metrics.BadRequests.WithLabelValues(strconv.Itoa(bre.Status)).Inc()
	if verboseLogging {
		obs.Logger.Printf("h1: connection %s: %v", c.cc.ID, bre)
	}
	c.rw.reset(c, &c.req)
	if err := c.rw.writeError(bre.Status); err != nil && verboseLogging {
		obs.Logger.Printf("h1: connection %s: writing %d failed: %v", c.cc.ID, bre.Status, err)
	}
}

func (c *Connection) processRequest() (bool, error) {
	req := &c.req
	obs := c.cc.Observer
	c.requests++

	c.features.Reset()
	c.rw.reset(c, req)
	c.body.reset(c, req)

	reqCtx, cancel := context.WithCancel(c.cc.Context())
	defer cancel()
	c.reqCtx = reqCtx

	id := fmt.Sprintf("%s:%08X", c.cc.ID, c.requests)
	features.Set[features.RequestFeature](c.features, requestFeature{c})
	features.Set[features.ResponseFeature](c.features, &c.rw)
	features.Set[features.ResponseBodyFeature](c.features, &c.rw)
	features.Set[features.LifetimeFeature](c.features, lifetimeFeature{c})
	features.Set[features.RequestIdentifierFeature](c.features, &features.TraceID{ID: id})
	features.Set[features.MinRequestBodyDataRateFeature](c.features, &features.RateOverride{Rate: c.limits.MinRequestBodyDataRate})
	features.Set[features.MinResponseDataRateFeature](c.features, &features.RateOverride{Rate: c.limits.MinResponseDataRate})
	if req.Framing.Mode == FramingUpgrade {
		features.Set[features.UpgradeFeature](c.features, upgradeFeature{c})
	}

	if max := c.limits.MaxRequestBodySize; max > 0 &&
		req.Framing.Mode == FramingContentLength && req.Framing.Length > max {
		bre := &BadRequestError{Status: 413, Reason: "request body too large"}
		c.rejectRequest(bre)
		return false, bre
	}

	ctx, span := obs.StartRequest(reqCtx, observe.RequestInfo{
		Protocol:  req.Proto,
		Method:    req.Method,
		Path:      req.Path,
		Scheme:    c.scheme,
		Authority: req.Host,
		RequestID: id,
		Headers:   req.Headers,
	})
	start := time.Now()
	state, err := hosting.Invoke(ctx, c.app, c.features)
	defer func() { c.app.DisposeContext(state, err) }()

	if c.rw.upgraded {
		obs.EndRequest(span, c.rw.status, err)
		obs.Metrics.ObserveRequest(req.Proto, c.rw.status, time.Since(start))
		return false, nil
	}
	if cause := c.cc.Cause(); cause != nil {
		err = cause
		obs.EndRequest(span, c.rw.status, cause)
		return false, cause
	}

	if err != nil {
		obs.Logger.Printf("h1: request %s failed: %v", id, err)
	}
	var bre *BadRequestError
	switch {
	case !c.rw.started && errors.As(c.body.err, &bre):
		obs.Metrics.BadRequests.WithLabelValues(strconv.Itoa(bre.Status)).Inc()
		_ = c.rw.writeError(bre.Status)
	case !c.rw.started && err != nil:
		_ = c.rw.writeError(500)
	case err != nil:
		// The status line is gone; the only signal left is a broken connection.
		c.cc.Abort(err)
		obs.EndRequest(span, c.rw.status, err)
		return false, nil
	}

	cerr := c.rw.Complete()
	if err == nil {
		err = cerr
	}
	obs.EndRequest(span, c.rw.status, err)
	obs.Metrics.ObserveRequest(req.Proto, c.rw.status, time.Since(start))
	if cerr != nil {
		if errors.Is(cerr, ErrFramingMismatch) {
			c.cc.Abort(cerr)
			return false, nil
		}
		return false, cerr
	}

	keep := c.rw.keepAlive && !c.closeAfter
	if keep && !c.body.drain(c.limits.MaxRequestBodyDrain) {
		keep = false
	}
	return keep, nil
}

func (c *Connection) responseRate() *features.MinDataRate {
	if f := features.Get[features.MinResponseDataRateFeature](c.features); f != nil {
		return f.MinDataRate()
	}
	return c.limits.MinResponseDataRate
}

func (c *Connection) writeContinue() error {
	if _, err := c.cc.Transport.Write(continueStatus); err != nil {
		return err
	}
	return c.cc.Transport.Flush()
}

type requestFeature struct{ c *Connection }

func (f requestFeature) Protocol() string           { return f.c.req.Proto }
func (f requestFeature) Scheme() string             { return f.c.scheme }
func (f requestFeature) Method() string             { return f.c.req.Method }
func (f requestFeature) Path() string               { return f.c.req.Path }
func (f requestFeature) RawQuery() string           { return f.c.req.RawQuery }
func (f requestFeature) RawTarget() string          { return f.c.req.RawTarget }
func (f requestFeature) Authority() string          { return f.c.req.Host }
func (f requestFeature) Headers() features.Headers  { return f.c.req.Headers }
func (f requestFeature) Body() io.Reader            { return &f.c.body }
func (f requestFeature) Trailers() features.Headers { return f.c.req.Trailers }

type lifetimeFeature struct{ c *Connection }

func (f lifetimeFeature) Context() context.Context { return f.c.reqCtx }
func (f lifetimeFeature) Abort()                   { f.c.cc.Abort(ErrRequestAborted) }

type upgradeFeature struct{ c *Connection }

func (f upgradeFeature) IsUpgradable() bool { return !f.c.rw.started }

// Upgrade sends 101 Switching Protocols and hands the raw stream to the
// caller. Input already buffered behind the request head is delivered first.
func (f upgradeFeature) Upgrade() (io.ReadWriteCloser, error) {
	c := f.c
	if c.rw.started {
		return nil, ErrResponseStarted
	}
	c.rw.upgraded = true
	c.rw.status = 101
	if _, ok := c.rw.header.Lookup("Upgrade"); !ok {
		c.rw.header.Set("Upgrade", c.req.Headers.Get("Upgrade"))
	}
	c.rw.header.Set("Connection", "Upgrade")
	if err := c.rw.start(false); err != nil {
		return nil, err
	}
	if err := c.rw.flush(); err != nil {
		return nil, err
	}
	c.closeAfter = true
	return upgradedStream{c}, nil
}

type upgradedStream struct{ c *Connection }

func (s upgradedStream) Read(p []byte) (int, error) {
	if s.c.in.buf.Len() > 0 {
		return s.c.in.buf.Read(p)
	}
	return s.c.cc.Transport.Read(p)
}

func (s upgradedStream) Write(p []byte) (int, error) {
	n, err := s.c.cc.Transport.Write(p)
	if err != nil {
		return n, err
	}
	return n, s.c.cc.Transport.Flush()
}

func (s upgradedStream) Close() error {
	return s.c.cc.Transport.Close()
}
