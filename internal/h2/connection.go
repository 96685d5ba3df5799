package h2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/albertbausili/velox/internal/connection"
	"github.com/albertbausili/velox/internal/date"
	"github.com/albertbausili/velox/internal/features"
	"github.com/albertbausili/velox/internal/h2/frame"
	"github.com/albertbausili/velox/internal/heartbeat"
	"github.com/albertbausili/velox/internal/hosting"
	"github.com/albertbausili/velox/internal/observe"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"golang.org/x/time/rate"
)

// Connection serves one HTTP/2 connection.
type Connection struct {
	cc     *connection.Context
	app    hosting.Application
	limits Limits
	dates  *date.Cache
	scheme string

	reader  *frame.Reader
	writer  *frame.Writer
	encoder *frame.HeaderEncoder // guarded by the writer lock
	decoder *frame.HeaderDecoder
	calm    *rate.Limiter

	// Frame reader state.
	sawSettings  bool
	block        []byte
	blockStream  uint32
	blockEnd     bool
	blockSelfDep bool

	mu            sync.Mutex
	cond          sync.Cond
	streams       map[uint32]*stream
	lastStreamID  uint32
	active        int
	inflow        inflow
	outflow       outflow
	peerWindow    int64
	peerFrameSize uint32
	goAway        bool
	closed        bool
	resets        [32]uint32
	resetPos      int

	wg sync.WaitGroup
}

// NewConnection prepares an HTTP/2 handler for cc. The transport must not
// change after this call and must deliver the client preface first.
func NewConnection(cc *connection.Context, app hosting.Application, dates *date.Cache, limits Limits) *Connection {
	limits = limits.normalize()
	if dates == nil {
		dates = date.NewCache()
	}
	if cc.Observer == nil {
		cc.Observer = observe.Nop()
	}
	c := &Connection{
		cc:            cc,
		app:           app,
		limits:        limits,
		dates:         dates,
		scheme:        "http",
		reader:        frame.NewReader(cc.Transport, limits.MaxFrameSize),
		writer:        frame.NewWriter(cc.Transport),
		encoder:       frame.NewHeaderEncoder(),
		decoder:       frame.NewHeaderDecoder(limits.HeaderTableSize, limits.MaxRequestHeaderFieldSize),
		calm:          rate.NewLimiter(rate.Limit(limits.ControlFrameRate), limits.ControlFrameBurst),
		streams:       make(map[uint32]*stream),
		peerWindow:    65535,
		peerFrameSize: frame.DefaultMaxFrameSize,
	}
	c.cond.L = &c.mu
	c.inflow.init(int64(limits.InitialConnectionWindowSize))
	c.outflow.n = 65535
	if cc.TLS != nil {
		c.scheme = "https"
	}
	return c
}

// Serve runs the connection until the peer goes away, a connection error
// occurs or a requested close has drained every stream. Cancelling ctx
// requests a graceful close. Connection errors are answered with GOAWAY and
// returned as *ProtocolError.
func (c *Connection) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.cc.RequestClose)
	defer stop()
	c.cc.SetTimeoutHandler(c.onTimeout)
	c.cc.Timeouts.StartConnectionReadRate(c.limits.MinRequestBodyDataRate)

	err := c.serve()
	c.shutdown(err)
	return err
}

func (c *Connection) serve() error {
	tc := c.cc.Timeouts
	tc.SetTimeout(c.limits.RequestHeadersTimeout, heartbeat.RequestHeadersTimeout)
	if err := c.readPreface(); err != nil {
		if errors.Is(err, ErrInvalidPreface) {
			return err
		}
		return c.quietClose(err)
	}

	if err := c.writer.WriteSettings(c.limits.settings()...); err != nil {
		return c.quietClose(err)
	}
	if inc := c.limits.InitialConnectionWindowSize - 65535; inc > 0 {
		if err := c.writer.WriteWindowUpdate(0, inc); err != nil {
			return c.quietClose(err)
		}
	}
	if err := c.writer.Flush(); err != nil {
		return c.quietClose(err)
	}

	c.mu.Lock()
	c.updateIdleTimerLocked()
	c.mu.Unlock()
	c.cc.OnCloseRequested(c.startDrain)

	return c.finish(c.readFrames())
}

func (c *Connection) readPreface() error {
	var buf [len(http2.ClientPreface)]byte
	if _, err := io.ReadFull(c.cc.Transport, buf[:]); err != nil {
		return err
	}
	if string(buf[:]) != http2.ClientPreface {
		return ErrInvalidPreface
	}
	return nil
}

func (c *Connection) readFrames() error {
	for {
		f, err := c.reader.ReadFrame()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				c.resetStream(se.StreamID, se.Code)
				continue
			}
			return err
		}
		if err := c.processFrame(f); err != nil {
			return err
		}
	}
}

// finish sends GOAWAY for connection errors and classifies everything else.
func (c *Connection) finish(err error) error {
	var (
		pe *ProtocolError
		ce http2.ConnectionError
	)
	switch {
	case errors.As(err, &pe):
	case errors.As(err, &ce):
		reason := "protocol error"
		if detail := c.reader.ErrorDetail(); detail != nil {
			reason = detail.Error()
		}
		pe = &ProtocolError{Code: http2.ErrCode(ce), Reason: reason}
	case errors.Is(err, http2.ErrFrameTooLarge):
		pe = &ProtocolError{Code: http2.ErrCodeFrameSize, Reason: "frame exceeds SETTINGS_MAX_FRAME_SIZE"}
	default:
		return c.quietClose(err)
	}
	if cause := c.cc.Cause(); cause != nil {
		return cause
	}
	c.sendGoAway(pe.Code, pe.Reason)
	if verboseLogging {
		c.cc.Observer.Logger.Printf("h2: connection %s: %v", c.cc.ID, pe)
	}
	return pe
}

// quietClose maps the ways a connection normally ends to nil.
func (c *Connection) quietClose(err error) error {
	if cause := c.cc.Cause(); cause != nil {
		return cause
	}
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		return nil
	case c.cc.IsCloseRequested() && errors.As(err, &ne) && ne.Timeout():
		return nil
	}
	return err
}

func (c *Connection) onTimeout(reason heartbeat.Reason) {
	if reason == heartbeat.KeepAliveTimeout {
		c.cc.RequestClose()
		return
	}
	c.cc.AbortTimeout(reason)
}

// startDrain sends GOAWAY with the last processed stream and lets active
// streams finish. New streams are refused from here on.
func (c *Connection) startDrain() {
	c.mu.Lock()
	if c.goAway || c.closed {
		c.mu.Unlock()
		return
	}
	c.goAway = true
	last := c.lastStreamID
	idle := c.active == 0
	c.mu.Unlock()

	c.cc.Observer.Metrics.H2GoAways.WithLabelValues(http2.ErrCodeNo.String()).Inc()
	_ = c.writer.WriteGoAway(last, http2.ErrCodeNo, nil)
	_ = c.writer.Flush()
	if idle {
		c.wake()
	}
}

func (c *Connection) sendGoAway(code http2.ErrCode, debug string) {
	c.mu.Lock()
	c.goAway = true
	last := c.lastStreamID
	c.mu.Unlock()
	c.cc.Observer.Metrics.H2GoAways.WithLabelValues(code.String()).Inc()
	_ = c.writer.WriteGoAway(last, code, []byte(debug))
	_ = c.writer.Flush()
}

// wake unblocks the frame reader so a drained connection can close.
func (c *Connection) wake() {
	_ = c.cc.Transport.SetReadDeadline(time.Now())
}

// shutdown fails every stream still running and waits for its handler.
func (c *Connection) shutdown(cause error) {
	c.mu.Lock()
	c.closed = true
	n := len(c.streams)
	for _, s := range c.streams {
		s.resetLocked(ErrConnectionClosed)
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	if n > 0 {
		// Handlers may be blocked flushing to a peer that stopped reading.
		if cause == nil {
			cause = ErrConnectionClosed
		}
		c.cc.Abort(cause)
	}
	c.wg.Wait()
	c.cc.Timeouts.StopRequestBody()
}

func (c *Connection) updateIdleTimerLocked() {
	if c.closed {
		return
	}
	if c.active == 0 {
		c.cc.Timeouts.SetTimeout(c.limits.KeepAliveTimeout, heartbeat.KeepAliveTimeout)
		return
	}
	c.cc.Timeouts.CancelTimeout()
}

func (c *Connection) checkFlood() error {
	if !c.calm.Allow() {
		return connError(http2.ErrCodeEnhanceYourCalm, "control frame flood")
	}
	return nil
}

func (c *Connection) processFrame(f http2.Frame) error {
	if !c.sawSettings {
		sf, ok := f.(*http2.SettingsFrame)
		if !ok || sf.IsAck() {
			return connError(http2.ErrCodeProtocol, "first frame must be SETTINGS, got %v", f.Header().Type)
		}
		c.sawSettings = true
	}
	if verboseLogging {
		c.cc.Observer.Logger.Printf("h2: connection %s: recv %v", c.cc.ID, f.Header())
	}

	switch f := f.(type) {
	case *http2.SettingsFrame:
		return c.processSettings(f)
	case *http2.HeadersFrame:
		return c.processHeaders(f)
	case *http2.ContinuationFrame:
		return c.processContinuation(f)
	case *http2.DataFrame:
		return c.processData(f)
	case *http2.WindowUpdateFrame:
		return c.processWindowUpdate(f)
	case *http2.RSTStreamFrame:
		return c.processResetStream(f)
	case *http2.PingFrame:
		return c.processPing(f)
	case *http2.PriorityFrame:
		if f.StreamDep == f.StreamID {
			c.resetStream(f.StreamID, http2.ErrCodeProtocol)
		}
		return nil
	case *http2.GoAwayFrame:
		c.cc.RequestClose()
		return nil
	case *http2.PushPromiseFrame:
		return connError(http2.ErrCodeProtocol, "client sent PUSH_PROMISE")
	default:
		// Unknown frame types are ignored.
		return nil
	}
}

func (c *Connection) processSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	if err := c.checkFlood(); err != nil {
		return err
	}
	err := f.ForeachSetting(func(s http2.Setting) error {
		if err := s.Valid(); err != nil {
			var ce http2.ConnectionError
			if errors.As(err, &ce) {
				return connError(http2.ErrCode(ce), "invalid setting %v", s)
			}
			return err
		}
		return c.applySetting(s)
	})
	if err != nil {
		return err
	}
	if err := c.writer.WriteSettingsAck(); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *Connection) applySetting(s http2.Setting) error {
	switch s.ID {
	case http2.SettingHeaderTableSize:
		c.writer.Lock()
		c.encoder.SetMaxDynamicTableSize(min(s.Val, frame.DefaultHeaderTableSize))
		c.writer.Unlock()
	case http2.SettingInitialWindowSize:
		c.mu.Lock()
		defer c.mu.Unlock()
		delta := int64(s.Val) - c.peerWindow
		c.peerWindow = int64(s.Val)
		for _, st := range c.streams {
			if !st.outflow.add(delta) {
				return connError(http2.ErrCodeFlowControl, "stream %d window overflow", st.id)
			}
		}
		c.cond.Broadcast()
	case http2.SettingMaxFrameSize:
		c.mu.Lock()
		c.peerFrameSize = s.Val
		c.mu.Unlock()
	}
	// ENABLE_PUSH, MAX_CONCURRENT_STREAMS and MAX_HEADER_LIST_SIZE only
	// constrain what a server never does or sends small enough anyway.
	return nil
}

func (c *Connection) processPing(f *http2.PingFrame) error {
	if f.IsAck() {
		return nil
	}
	if err := c.checkFlood(); err != nil {
		return err
	}
	if err := c.writer.WritePing(true, f.Data); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *Connection) maxBlockSize() int {
	return 2*int(c.limits.MaxHeaderListSize) + int(c.limits.MaxFrameSize)
}

func (c *Connection) processHeaders(f *http2.HeadersFrame) error {
	c.blockStream = f.StreamID
	c.blockEnd = f.StreamEnded()
	c.blockSelfDep = f.HasPriority() && f.Priority.StreamDep == f.StreamID
	c.block = append(c.block[:0], f.HeaderBlockFragment()...)
	if f.HeadersEnded() {
		return c.endHeaderBlock()
	}
	c.cc.Timeouts.SetTimeout(c.limits.RequestHeadersTimeout, heartbeat.RequestHeadersTimeout)
	return nil
}

func (c *Connection) processContinuation(f *http2.ContinuationFrame) error {
	c.block = append(c.block, f.HeaderBlockFragment()...)
	if len(c.block) > c.maxBlockSize() {
		return connError(http2.ErrCodeEnhanceYourCalm, "header block exceeds %d bytes", c.maxBlockSize())
	}
	if f.HeadersEnded() {
		return c.endHeaderBlock()
	}
	return nil
}

func (c *Connection) endHeaderBlock() error {
	id, endStream := c.blockStream, c.blockEnd
	fields, tooLarge, err := c.decoder.Decode(c.block, c.limits.MaxHeaderListSize)
	if cap(c.block) > 64<<10 {
		c.block = nil
	}
	if err != nil {
		return connError(http2.ErrCodeCompression, "%v", err)
	}

	c.mu.Lock()
	s := c.streams[id]
	closed := s == nil && id <= c.lastStreamID
	recent := closed && c.recentlyResetLocked(id)
	c.mu.Unlock()

	switch {
	case s != nil:
		c.processTrailers(s, fields, tooLarge, endStream)
	case id%2 == 0:
		return connError(http2.ErrCodeProtocol, "client opened even stream %d", id)
	case recent:
		// Frames in flight when we reset the stream.
	case closed:
		return connError(http2.ErrCodeStreamClosed, "HEADERS on closed stream %d", id)
	default:
		c.openStream(id, fields, tooLarge, endStream)
	}

	c.mu.Lock()
	c.updateIdleTimerLocked()
	c.mu.Unlock()
	return nil
}

func (c *Connection) openStream(id uint32, fields []hpack.HeaderField, tooLarge, endStream bool) {
	obs := c.cc.Observer
	c.mu.Lock()
	c.lastStreamID = id
	refused := c.goAway || c.active >= int(c.limits.MaxStreamsPerConnection)
	c.mu.Unlock()

	switch {
	case refused:
		obs.Metrics.H2StreamsRefused.Inc()
		c.resetStream(id, http2.ErrCodeRefusedStream)
		return
	case c.blockSelfDep:
		c.resetStream(id, http2.ErrCodeProtocol)
		return
	case tooLarge:
		c.rejectStream(id, 431, endStream)
		return
	}

	head, err := validateRequestHeaders(fields)
	if err == nil && endStream && head.contentLength > 0 {
		err = fmt.Errorf("content-length %d with empty body", head.contentLength)
	}
	if err != nil {
		if verboseLogging {
			obs.Logger.Printf("h2: connection %s: malformed request on stream %d: %v", c.cc.ID, id, err)
		}
		c.resetStream(id, http2.ErrCodeProtocol)
		return
	}
	if max := c.limits.MaxRequestBodySize; max > 0 && head.contentLength > max {
		c.rejectStream(id, 413, endStream)
		return
	}

	s := c.newStream(id, head)
	c.mu.Lock()
	s.outflow.n = c.peerWindow
	if endStream {
		s.state = StateHalfClosedRemote
	} else {
		s.state = StateOpen
	}
	c.streams[id] = s
	c.active++
	c.mu.Unlock()
	if endStream {
		s.body.finish(nil)
	}

	obs.Metrics.H2Streams.Inc()
	c.wg.Add(1)
	go c.runStream(s)
}

func (c *Connection) newStream(id uint32, head *requestHead) *stream {
	s := &stream{c: c, id: id, head: head}
	s.ctx, s.cancel = context.WithCancelCause(c.cc.Context())
	s.traceID = fmt.Sprintf("%s:%08X", c.cc.ID, id)
	s.inflow.init(int64(c.limits.InitialStreamWindowSize))
	s.body.init(s, c.cc.Pool)
	s.rw.init(s)

	s.features = features.NewCollection(c.cc.Features)
	features.Set[features.RequestFeature](s.features, requestFeature{s})
	features.Set[features.ResponseFeature](s.features, &s.rw)
	features.Set[features.ResponseBodyFeature](s.features, &s.rw)
	features.Set[features.LifetimeFeature](s.features, lifetimeFeature{s})
	features.Set[features.RequestIdentifierFeature](s.features, &features.TraceID{ID: s.traceID})
	features.Set[features.MinResponseDataRateFeature](s.features, &features.RateOverride{Rate: c.limits.MinResponseDataRate})
	return s
}

// rejectStream answers a request with an empty response without running
// the application.
func (c *Connection) rejectStream(id uint32, status int, endStream bool) {
	c.cc.Observer.Metrics.BadRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	fields := []hpack.HeaderField{
		{Name: ":status", Value: strconv.Itoa(status)},
		{Name: "date", Value: c.dates.String()},
	}
	if _, err := c.writeHeaderBlock(id, fields, true); err != nil {
		return
	}
	if !endStream {
		c.resetStream(id, http2.ErrCodeNo)
		return
	}
	_ = c.writer.Flush()
}

func (c *Connection) processTrailers(s *stream, fields []hpack.HeaderField, tooLarge, endStream bool) {
	c.mu.Lock()
	open := s.remoteOpen()
	c.mu.Unlock()
	if !open {
		c.resetStream(s.id, http2.ErrCodeStreamClosed)
		return
	}
	if !endStream || tooLarge {
		c.resetStream(s.id, http2.ErrCodeProtocol)
		return
	}
	trailers, err := validateTrailerHeaders(fields)
	if err != nil {
		c.resetStream(s.id, http2.ErrCodeProtocol)
		return
	}
	c.endRemote(s, trailers)
}

// endRemote handles END_STREAM from the peer.
func (c *Connection) endRemote(s *stream, trailers features.Headers) {
	if cl := s.head.contentLength; cl >= 0 && s.received != cl {
		c.resetStream(s.id, http2.ErrCodeProtocol)
		return
	}
	c.mu.Lock()
	switch s.state {
	case StateOpen:
		s.state = StateHalfClosedRemote
	case StateHalfClosedLocal:
		s.state = StateClosed
	}
	c.mu.Unlock()
	s.body.finish(trailers)
}

func (c *Connection) processData(f *http2.DataFrame) error {
	id, size := f.StreamID, f.Length
	data := f.Data()

	c.mu.Lock()
	if !c.inflow.take(size) {
		c.mu.Unlock()
		return connError(http2.ErrCodeFlowControl, "connection receive window exceeded")
	}
	s := c.streams[id]
	if s == nil || !s.remoteOpen() {
		idle := s == nil && id > c.lastStreamID
		silent := (s == nil && c.recentlyResetLocked(id)) || (s != nil && s.resetErr != nil)
		c.mu.Unlock()
		if idle {
			return connError(http2.ErrCodeProtocol, "DATA on idle stream %d", id)
		}
		c.consumed(nil, int(size))
		if !silent {
			c.resetStream(id, http2.ErrCodeStreamClosed)
		}
		return nil
	}
	if !s.inflow.take(size) {
		c.mu.Unlock()
		c.consumed(nil, int(size))
		c.resetStream(id, http2.ErrCodeFlowControl)
		return nil
	}
	c.mu.Unlock()

	s.received += int64(len(data))
	if cl := s.head.contentLength; cl >= 0 && s.received > cl {
		c.consumed(nil, int(size))
		c.resetStream(id, http2.ErrCodeProtocol)
		return nil
	}
	// Padding never reaches the handler; credit it right away.
	c.consumed(s, int(size)-len(data))

	if len(data) > 0 {
		c.cc.Timeouts.BytesRead(len(data))
		if max := c.limits.MaxRequestBodySize; max > 0 && s.received > max {
			dropped := s.body.fail(ErrRequestBodyTooLarge)
			c.consumed(nil, dropped+len(data))
		} else if !s.body.write(data) {
			c.consumed(s, len(data))
		}
	}
	if f.StreamEnded() {
		c.endRemote(s, nil)
	}
	return nil
}

func (c *Connection) processWindowUpdate(f *http2.WindowUpdateFrame) error {
	inc := int64(f.Increment)
	c.mu.Lock()
	if f.StreamID == 0 {
		ok := c.outflow.add(inc)
		c.cond.Broadcast()
		c.mu.Unlock()
		if !ok {
			return connError(http2.ErrCodeFlowControl, "connection window overflow")
		}
		return nil
	}
	s := c.streams[f.StreamID]
	if s == nil {
		idle := f.StreamID > c.lastStreamID
		c.mu.Unlock()
		if idle {
			return connError(http2.ErrCodeProtocol, "WINDOW_UPDATE on idle stream %d", f.StreamID)
		}
		return nil
	}
	if s.resetErr != nil {
		c.mu.Unlock()
		return nil
	}
	ok := s.outflow.add(inc)
	c.cond.Broadcast()
	c.mu.Unlock()
	if !ok {
		c.resetStream(f.StreamID, http2.ErrCodeFlowControl)
	}
	return nil
}

func (c *Connection) processResetStream(f *http2.RSTStreamFrame) error {
	if err := c.checkFlood(); err != nil {
		return err
	}
	c.mu.Lock()
	s := c.streams[f.StreamID]
	if s == nil {
		idle := f.StreamID > c.lastStreamID
		c.mu.Unlock()
		if idle {
			return connError(http2.ErrCodeProtocol, "RST_STREAM on idle stream %d", f.StreamID)
		}
		return nil
	}
	c.rememberResetLocked(f.StreamID)
	dropped := s.resetLocked(fmt.Errorf("%w by peer: %v", ErrStreamReset, f.ErrCode))
	c.mu.Unlock()
	c.consumed(nil, dropped)
	return nil
}

func (c *Connection) rememberResetLocked(id uint32) {
	c.resets[c.resetPos] = id
	c.resetPos = (c.resetPos + 1) % len(c.resets)
}

func (c *Connection) recentlyResetLocked(id uint32) bool {
	for _, r := range c.resets {
		if r == id {
			return true
		}
	}
	return false
}

// resetStream sends RST_STREAM and fails the stream locally.
func (c *Connection) resetStream(id uint32, code http2.ErrCode) {
	c.resetStreamWith(id, code, fmt.Errorf("%w: %v", ErrStreamReset, code))
}

func (c *Connection) resetStreamWith(id uint32, code http2.ErrCode, err error) {
	c.mu.Lock()
	c.rememberResetLocked(id)
	var dropped int
	if s := c.streams[id]; s != nil {
		if s.resetErr != nil {
			c.mu.Unlock()
			return
		}
		dropped = s.resetLocked(err)
	}
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		_ = c.writer.WriteRSTStream(id, code)
		_ = c.writer.Flush()
	}
	c.consumed(nil, dropped)
}

func (c *Connection) abortStream(s *stream, err error) {
	c.resetStreamWith(s.id, http2.ErrCodeInternal, err)
}

// consumed returns flow-control credit for n bytes. A nil stream credits
// only the connection window.
func (c *Connection) consumed(s *stream, n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	connInc := c.inflow.credit(n)
	var streamInc uint32
	if s != nil && s.resetErr == nil && s.remoteOpen() {
		streamInc = s.inflow.credit(n)
	}
	closed := c.closed
	c.mu.Unlock()
	if closed || (connInc == 0 && streamInc == 0) {
		return
	}
	if connInc > 0 {
		_ = c.writer.WriteWindowUpdate(0, connInc)
	}
	if streamInc > 0 {
		_ = c.writer.WriteWindowUpdate(s.id, streamInc)
	}
	_ = c.writer.Flush()
}

// runStream invokes the application for one stream and completes its
// response.
func (c *Connection) runStream(s *stream) {
	defer c.wg.Done()
	defer c.closeStream(s)

	obs := c.cc.Observer
	head := s.head
	ctx, span := obs.StartRequest(s.ctx, observe.RequestInfo{
		Protocol:  Protocol,
		Method:    head.method,
		Path:      head.path,
		Scheme:    head.scheme,
		Authority: head.authority,
		RequestID: s.traceID,
		Headers:   head.headers,
	})
	start := time.Now()
	state, err := hosting.Invoke(ctx, c.app, s.features)
	defer func() { c.app.DisposeContext(state, err) }()
	if err != nil {
		obs.Logger.Printf("h2: request %s failed: %v", s.traceID, err)
	}

	rw := &s.rw
	switch {
	case s.isReset():
	case !rw.started && errors.Is(s.body.failure(), ErrRequestBodyTooLarge):
		obs.Metrics.BadRequests.WithLabelValues("413").Inc()
		_ = rw.writeError(413)
	case !rw.started && err != nil:
		_ = rw.writeError(500)
	case err != nil:
		c.resetStream(s.id, http2.ErrCodeInternal)
	}
	if !s.isReset() {
		if cerr := rw.Complete(); cerr != nil {
			if err == nil {
				err = cerr
			}
			if errors.Is(cerr, ErrFramingMismatch) {
				c.resetStream(s.id, http2.ErrCodeInternal)
			}
		}
	}
	obs.EndRequest(span, rw.status, err)
	obs.Metrics.ObserveRequest(Protocol, rw.status, time.Since(start))
}

// closeStream releases a stream once its handler has returned. If the peer
// is still sending, RST_STREAM(NO_ERROR) tells it to stop.
func (c *Connection) closeStream(s *stream) {
	c.mu.Lock()
	delete(c.streams, s.id)
	c.active--
	stopPeer := s.resetErr == nil && s.remoteOpen() && !c.closed
	if stopPeer {
		c.rememberResetLocked(s.id)
	}
	s.state = StateClosed
	if s.resetErr == nil {
		s.resetErr = ErrStreamReset
	}
	wake := c.goAway && c.active == 0
	c.updateIdleTimerLocked()
	c.mu.Unlock()

	s.cancel(nil)
	dropped := s.body.release()
	if stopPeer {
		_ = c.writer.WriteRSTStream(s.id, http2.ErrCodeNo)
		_ = c.writer.Flush()
	}
	c.consumed(nil, dropped)
	if wake {
		c.wake()
	}
}

// writeHeaderBlock encodes and writes a header block. Encoding and writing
// happen under one writer lock so blocks reach the peer in encoding order.
func (c *Connection) writeHeaderBlock(id uint32, fields []hpack.HeaderField, endStream bool) (int, error) {
	c.mu.Lock()
	maxFrame := c.peerFrameSize
	c.mu.Unlock()

	c.writer.Lock()
	defer c.writer.Unlock()
	block, err := c.encoder.Encode(fields)
	if err != nil {
		return 0, err
	}
	return len(block), c.writer.WriteHeadersLocked(id, endStream, block, maxFrame)
}

func (c *Connection) writeHeaders(s *stream, fields []hpack.HeaderField, endStream bool) error {
	c.mu.Lock()
	err := s.writableLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	n, err := c.writeHeaderBlock(s.id, fields, endStream)
	if err != nil {
		return err
	}
	c.cc.Timeouts.BytesWrittenToBuffer(s.responseRate(), n)
	if endStream {
		c.endLocal(s)
	}
	return nil
}

// writeData sends p as DATA frames within the peer's flow-control windows.
// It blocks while either window is exhausted.
func (c *Connection) writeData(s *stream, p []byte, endStream bool) (int, error) {
	tc := c.cc.Timeouts
	minRate := s.responseRate()
	written := 0
	for len(p) > 0 {
		n, err := c.reserve(s, len(p))
		if err != nil {
			return written, err
		}
		last := endStream && n == len(p)
		if err := c.writer.WriteData(s.id, last, p[:n]); err != nil {
			return written, err
		}
		tc.BytesWrittenToBuffer(minRate, n)
		written += n
		p = p[n:]
		if last {
			c.endLocal(s)
			return written, nil
		}
	}
	if endStream {
		c.mu.Lock()
		err := s.writableLocked()
		c.mu.Unlock()
		if err != nil {
			return written, err
		}
		if err := c.writer.WriteData(s.id, true, nil); err != nil {
			return written, err
		}
		c.endLocal(s)
	}
	return written, nil
}

// reserve takes up to want bytes from both send windows, waiting for a
// WINDOW_UPDATE when either is empty.
func (c *Connection) reserve(s *stream, want int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	flushed := false
	for {
		if err := s.writableLocked(); err != nil {
			return 0, err
		}
		n := min(int64(want), s.outflow.available(), c.outflow.available(), int64(c.peerFrameSize))
		if n > 0 {
			s.outflow.take(n)
			c.outflow.take(n)
			return int(n), nil
		}
		if !flushed {
			// The peer cannot grant credit for data it has not seen.
			c.mu.Unlock()
			_ = c.writer.Flush()
			c.mu.Lock()
			flushed = true
			continue
		}
		c.cond.Wait()
	}
}

func (c *Connection) endLocal(s *stream) {
	c.mu.Lock()
	switch s.state {
	case StateOpen:
		s.state = StateHalfClosedLocal
	case StateHalfClosedRemote:
		s.state = StateClosed
	}
	c.mu.Unlock()
}

// flushResponse pushes buffered frames to the peer under the response
// data rate.
func (c *Connection) flushResponse() error {
	tc := c.cc.Timeouts
	tc.StartTimingWrite()
	err := c.writer.Flush()
	tc.StopTimingWrite()
	return err
}
