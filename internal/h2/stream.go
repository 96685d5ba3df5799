package h2

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/albertbausili/velox/internal/features"
	"github.com/albertbausili/velox/internal/mempool"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2/hpack"
)

// ErrRequestAborted is the stream reset reason when the application aborts
// a request through the lifetime feature.
var ErrRequestAborted = errors.New("h2: request aborted by application")

// State represents the state of an HTTP/2 stream.
type State int

// Stream states. Server push is never used, so the reserved states do not
// occur.
const (
	StateIdle State = iota
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half-closed (local)"
	case StateHalfClosedRemote:
		return "half-closed (remote)"
	case StateClosed:
		return "closed"
	default:
		return "idle"
	}
}

// stream is one request/response exchange. Fields marked c.mu are shared
// between the frame reader and the handler goroutine.
type stream struct {
	c       *Connection
	id      uint32
	head    *requestHead
	traceID string

	// Guarded by c.mu.
	state    State
	inflow   inflow
	outflow  outflow
	resetErr error

	// received counts DATA payload bytes; frame reader only.
	received int64

	body     requestBody
	rw       responseWriter
	features *features.Collection

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// remoteOpen reports whether the peer may still send DATA. c.mu must be held.
func (s *stream) remoteOpen() bool {
	return s.state == StateOpen || s.state == StateHalfClosedLocal
}

// writableLocked returns why the stream can no longer send, if it can't.
func (s *stream) writableLocked() error {
	if s.resetErr != nil {
		return s.resetErr
	}
	if s.c.closed {
		return ErrConnectionClosed
	}
	return nil
}

// resetLocked moves the stream to closed and fails everything waiting on
// it. It returns the number of buffered body bytes that were dropped.
func (s *stream) resetLocked(err error) int {
	if s.resetErr != nil {
		return 0
	}
	s.resetErr = err
	s.state = StateClosed
	s.cancel(err)
	dropped := s.body.fail(err)
	s.c.cond.Broadcast()
	return dropped
}

func (s *stream) isReset() bool {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.resetErr != nil
}

func (s *stream) responseRate() *features.MinDataRate {
	if f := features.Get[features.MinResponseDataRateFeature](s.features); f != nil {
		return f.MinDataRate()
	}
	return s.c.limits.MinResponseDataRate
}

// requestBody is the pipe between the frame reader, which appends DATA
// payloads, and the handler reading the body.
type requestBody struct {
	s    *stream
	mu   sync.Mutex
	cond sync.Cond
	buf  *mempool.Buffer

	eof      bool
	err      error
	trailers features.Headers
}

func (b *requestBody) init(s *stream, pool *mempool.Pool) {
	b.s = s
	b.cond.L = &b.mu
	b.buf = mempool.NewBuffer(pool)
}

// Read implements io.Reader. Consumed bytes are credited back to the peer.
func (b *requestBody) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	tc := b.s.c.cc.Timeouts
	b.mu.Lock()
	for b.buf.Len() == 0 && !b.eof && b.err == nil {
		tc.StartTimingRead()
		b.cond.Wait()
		tc.StopTimingRead()
	}
	if b.buf.Len() > 0 {
		n, _ := b.buf.Read(p)
		b.mu.Unlock()
		b.s.c.consumed(b.s, n)
		return n, nil
	}
	err := b.err
	b.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return 0, io.EOF
}

// write appends a DATA payload. It reports false when the body no longer
// accepts data; the caller then returns the flow-control credit itself.
func (b *requestBody) write(p []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil || b.eof {
		return false
	}
	_, _ = b.buf.Write(p)
	b.cond.Signal()
	return true
}

// finish marks the end of the body.
func (b *requestBody) finish(trailers features.Headers) {
	b.mu.Lock()
	if b.err == nil && !b.eof {
		b.eof = true
		b.trailers = trailers
		b.cond.Broadcast()
	}
	b.mu.Unlock()
}

// fail makes pending and future reads return err and drops buffered data.
func (b *requestBody) fail(err error) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
	n := b.buf.Len()
	b.buf.Reset()
	b.cond.Broadcast()
	return n
}

// release returns the buffer to the pool and reports how many unread bytes
// it held.
func (b *requestBody) release() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.buf.Len()
	b.buf.Reset()
	if b.err == nil && !b.eof {
		b.err = ErrStreamReset
	}
	b.cond.Broadcast()
	return n
}

func (b *requestBody) failure() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *requestBody) trailerFields() features.Headers {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.eof {
		return nil
	}
	return b.trailers
}

// responseWriter implements the response features for one stream. It is
// used only from the stream's handler goroutine.
type responseWriter struct {
	s *stream

	status     int
	header     features.Headers
	onStarting []func()

	started   bool
	completed bool
	head      bool

	declared int64
	written  int64
	fields   []hpack.HeaderField
}

func (w *responseWriter) init(s *stream) {
	*w = responseWriter{s: s, status: 200, declared: -1, head: s.head.method == "HEAD"}
}

// Status implements features.ResponseFeature.
func (w *responseWriter) Status() int { return w.status }

// SetStatus implements features.ResponseFeature.
func (w *responseWriter) SetStatus(code int) {
	if !w.started {
		w.status = code
	}
}

// Header implements features.ResponseFeature.
func (w *responseWriter) Header() *features.Headers { return &w.header }

// HasStarted implements features.ResponseFeature.
func (w *responseWriter) HasStarted() bool { return w.started }

// OnStarting implements features.ResponseFeature.
func (w *responseWriter) OnStarting(fn func()) {
	if !w.started {
		w.onStarting = append(w.onStarting, fn)
	}
}

func bodyAllowed(status int) bool {
	return status != 204 && status != 304
}

// prepare runs the starting callbacks and builds the response header block.
func (w *responseWriter) prepare() {
	for i := len(w.onStarting) - 1; i >= 0; i-- {
		w.onStarting[i]()
	}
	w.started = true
	if w.status < 200 || w.status > 999 {
		w.status = 500
	}

	c := w.s.c
	fields := append(w.fields[:0], hpack.HeaderField{Name: ":status", Value: strconv.Itoa(w.status)})
	var hasDate, hasServer bool
	for _, h := range w.header {
		name := strings.ToLower(h.Name)
		if isConnectionSpecific(name) || !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(h.Value) {
			continue
		}
		switch name {
		case "content-length":
			n, err := strconv.ParseInt(h.Value, 10, 64)
			if err != nil || n < 0 {
				continue
			}
			w.declared = n
		case "date":
			hasDate = true
		case "server":
			hasServer = true
		}
		fields = append(fields, hpack.HeaderField{Name: name, Value: h.Value})
	}
	if !hasDate {
		fields = append(fields, hpack.HeaderField{Name: "date", Value: c.dates.String()})
	}
	if c.limits.AddServerHeader && !hasServer {
		fields = append(fields, hpack.HeaderField{Name: "server", Value: c.limits.ServerName})
	}
	w.fields = fields
}

func (w *responseWriter) start(endStream bool) error {
	w.prepare()
	return w.s.c.writeHeaders(w.s, w.fields, endStream)
}

// Write implements features.ResponseBodyFeature.
func (w *responseWriter) Write(p []byte) (int, error) {
	if w.completed {
		return 0, ErrResponseCompleted
	}
	if !w.started {
		if err := w.start(false); err != nil {
			return 0, err
		}
	}
	if len(p) == 0 {
		return 0, nil
	}
	if !bodyAllowed(w.status) {
		return 0, ErrBodyNotAllowed
	}
	if w.head {
		w.written += int64(len(p))
		return len(p), nil
	}
	if w.declared >= 0 && w.written+int64(len(p)) > w.declared {
		return 0, ErrFramingMismatch
	}
	n, err := w.s.c.writeData(w.s, p, false)
	w.written += int64(n)
	return n, err
}

// Flush implements features.ResponseBodyFeature.
func (w *responseWriter) Flush() error {
	if w.completed {
		return nil
	}
	if !w.started {
		if err := w.start(false); err != nil {
			return err
		}
	}
	return w.s.c.flushResponse()
}

// Complete implements features.ResponseBodyFeature. A response that was
// never started is sent as a single HEADERS frame ending the stream.
func (w *responseWriter) Complete() error {
	if w.completed {
		return nil
	}
	w.completed = true
	if !w.started {
		w.prepare()
		if w.declared > 0 && !w.head && bodyAllowed(w.status) {
			return ErrFramingMismatch
		}
		if err := w.s.c.writeHeaders(w.s, w.fields, true); err != nil {
			return err
		}
		return w.s.c.flushResponse()
	}
	if !w.head && w.declared >= 0 && w.written != w.declared {
		return ErrFramingMismatch
	}
	if _, err := w.s.c.writeData(w.s, nil, true); err != nil {
		return err
	}
	return w.s.c.flushResponse()
}

// writeError replaces an unstarted response with an empty one carrying
// status.
func (w *responseWriter) writeError(status int) error {
	w.header.Reset()
	w.onStarting = nil
	w.status = status
	return w.Complete()
}

type requestFeature struct{ s *stream }

func (f requestFeature) Protocol() string           { return Protocol }
func (f requestFeature) Scheme() string             { return f.s.head.scheme }
func (f requestFeature) Method() string             { return f.s.head.method }
func (f requestFeature) Path() string               { return f.s.head.path }
func (f requestFeature) RawQuery() string           { return f.s.head.rawQuery }
func (f requestFeature) RawTarget() string          { return f.s.head.rawTarget }
func (f requestFeature) Authority() string          { return f.s.head.authority }
func (f requestFeature) Headers() features.Headers  { return f.s.head.headers }
func (f requestFeature) Body() io.Reader            { return &f.s.body }
func (f requestFeature) Trailers() features.Headers { return f.s.body.trailerFields() }

type lifetimeFeature struct{ s *stream }

func (f lifetimeFeature) Context() context.Context { return f.s.ctx }

// Abort resets only this stream; the connection and its other streams
// continue.
func (f lifetimeFeature) Abort() {
	f.s.c.abortStream(f.s, ErrRequestAborted)
}
