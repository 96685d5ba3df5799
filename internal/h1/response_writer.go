package h1

import (
	"errors"
	"strconv"
	"strings"

	"github.com/albertbausili/velox/internal/features"
	"golang.org/x/net/http/httpguts"
)

// ErrBodyNotAllowed is returned when writing a body to a 1xx, 204 or 304
// response.
var ErrBodyNotAllowed = errors.New("h1: response status does not allow a body")

var (
	crlf           = []byte("\r\n")
	chunkEnd       = []byte("0\r\n\r\n")
	continueStatus = []byte("HTTP/1.1 100 Continue\r\n\r\n")
)

// responseWriter buffers status and headers until the first write, flush or
// completion, then frames the body according to what is known at that point.
type responseWriter struct {
	c   *Connection
	req *Request

	status     int
	header     features.Headers
	onStarting []func()

	started   bool
	completed bool
	upgraded  bool

	mode      FramingMode
	length    int64
	written   int64
	keepAlive bool
	err       error

	head []byte
}

func (w *responseWriter) reset(c *Connection, req *Request) {
	header := w.header
	header.Reset()
	head := w.head[:0]
	onStarting := w.onStarting[:0]
	*w = responseWriter{c: c, req: req, status: 200, header: header, head: head, onStarting: onStarting}
}

// Status implements features.ResponseFeature.
func (w *responseWriter) Status() int { return w.status }

// SetStatus implements features.ResponseFeature. It has no effect once the
// response has started.
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

// start commits the head. final is set when the application completed the
// response without writing, so the length is known to be zero.
func (w *responseWriter) start(final bool) error {
	for i := len(w.onStarting) - 1; i >= 0; i-- {
		w.onStarting[i]()
	}
	w.started = true

	req := w.req
	w.keepAlive = req.KeepAlive && !w.c.closeAfter && !w.c.cc.IsCloseRequested()
	w.header.Del("Transfer-Encoding")

	noBody := req.Method == sHEAD || !bodyAllowed(w.status)
	cl, hasCL := w.header.Lookup("Content-Length")
	switch {
	case w.upgraded:
		w.mode = FramingNone
		w.header.Del("Content-Length")
	case hasCL:
		n, ok := parseInt64Bytes([]byte(strings.TrimSpace(cl)))
		if !ok {
			return errors.New("h1: invalid response Content-Length")
		}
		w.mode, w.length = FramingContentLength, n
		if noBody {
			w.mode = FramingNone
		}
	case noBody:
		w.mode = FramingNone
	case final:
		w.mode, w.length = FramingContentLength, 0
		w.header.Set("Content-Length", "0")
	case req.ProtoMinor == 1:
		w.mode = FramingChunked
		w.header.Set("Transfer-Encoding", "chunked")
	default:
		w.mode = FramingCloseDelimited
		w.keepAlive = false
	}

	if !w.upgraded {
		w.header.Del("Connection")
		if !w.keepAlive {
			w.header.Set("Connection", "close")
		} else if req.ProtoMinor == 0 {
			w.header.Set("Connection", "keep-alive")
		}
	}
	if !w.keepAlive {
		w.c.closeAfter = true
	}

	b := w.head[:0]
	b = append(b, "HTTP/1.1 "...)
	b = strconv.AppendInt(b, int64(w.status), 10)
	b = append(b, ' ')
	b = append(b, statusText(w.status)...)
	b = append(b, crlf...)
	if _, ok := w.header.Lookup("Date"); !ok {
		b = append(b, "Date: "...)
		b = append(b, w.c.dates.Bytes()...)
		b = append(b, crlf...)
	}
	if w.c.limits.AddServerHeader {
		if _, ok := w.header.Lookup("Server"); !ok {
			b = append(b, "Server: "...)
			b = append(b, w.c.limits.ServerName...)
			b = append(b, crlf...)
		}
	}
	for _, h := range w.header {
		if !httpguts.ValidHeaderFieldName(h.Name) || !httpguts.ValidHeaderFieldValue(h.Value) {
			if verboseLogging {
				w.c.cc.Observer.Logger.Printf("h1: dropping invalid response header %q", h.Name)
			}
			continue
		}
		b = append(b, h.Name...)
		b = append(b, ": "...)
		b = append(b, h.Value...)
		b = append(b, crlf...)
	}
	b = append(b, crlf...)
	w.head = b
	return w.send(b)
}

// send writes p to the transport under write-rate accounting.
func (w *responseWriter) send(p []byte) error {
	tc := w.c.cc.Timeouts
	tc.BytesWrittenToBuffer(w.c.responseRate(), len(p))
	tc.StartTimingWrite()
	_, err := w.c.cc.Transport.Write(p)
	tc.StopTimingWrite()
	if err != nil {
		w.err = err
	}
	return err
}

// Write implements features.ResponseBodyFeature.
func (w *responseWriter) Write(p []byte) (int, error) {
	switch {
	case w.err != nil:
		return 0, w.err
	case w.upgraded:
		return 0, ErrUpgraded
	case w.completed:
		return 0, ErrResponseCompleted
	}
	if !w.started {
		if err := w.start(false); err != nil {
			w.err = err
			return 0, err
		}
	}
	if len(p) == 0 {
		return 0, nil
	}

	switch w.mode {
	case FramingNone:
		if w.req.Method == sHEAD {
			w.written += int64(len(p))
			return len(p), nil
		}
		return 0, ErrBodyNotAllowed
	case FramingContentLength:
		if w.written+int64(len(p)) > w.length {
			w.err = ErrFramingMismatch
			w.c.closeAfter = true
			return 0, w.err
		}
		if err := w.send(p); err != nil {
			return 0, err
		}
	case FramingChunked:
		var size [20]byte
		chunk := strconv.AppendInt(size[:0], int64(len(p)), 16)
		chunk = append(chunk, crlf...)
		if err := w.send(chunk); err != nil {
			return 0, err
		}
		if err := w.send(p); err != nil {
			return 0, err
		}
		if err := w.send(crlf); err != nil {
			return 0, err
		}
	default:
		if err := w.send(p); err != nil {
			return 0, err
		}
	}
	w.written += int64(len(p))
	return len(p), nil
}

// Flush implements features.ResponseBodyFeature.
func (w *responseWriter) Flush() error {
	if w.err != nil {
		return w.err
	}
	if !w.started {
		if err := w.start(false); err != nil {
			w.err = err
			return err
		}
	}
	return w.flush()
}

func (w *responseWriter) flush() error {
	tc := w.c.cc.Timeouts
	tc.StartTimingWrite()
	err := w.c.cc.Transport.Flush()
	tc.StopTimingWrite()
	if err != nil && w.err == nil {
		w.err = err
	}
	return err
}

// Complete implements features.ResponseBodyFeature.
func (w *responseWriter) Complete() error {
	if w.completed || w.upgraded {
		return w.err
	}
	if w.err != nil {
		w.completed = true
		return w.err
	}
	if !w.started {
		if err := w.start(true); err != nil {
			w.err = err
			return err
		}
	}
	w.completed = true
	switch w.mode {
	case FramingChunked:
		if err := w.send(chunkEnd); err != nil {
			return err
		}
	case FramingContentLength:
		if w.written < w.length {
			w.err = ErrFramingMismatch
			w.c.closeAfter = true
			return w.err
		}
	}
	return w.flush()
}

// writeError sends a generated response and marks the connection for close.
func (w *responseWriter) writeError(status int) error {
	w.header.Reset()
	w.status = status
	w.c.closeAfter = true
	return w.Complete()
}
