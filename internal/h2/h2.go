// Package h2 serves HTTP/2 connections: the connection preface, settings
// exchange, stream multiplexing, flow control and graceful shutdown.
//
// One goroutine reads frames for the whole connection. Every stream's
// handler runs on its own goroutine; frame writes are serialised by the
// frame writer's lock.
package h2

import (
	"errors"
	"fmt"
	"time"

	"github.com/albertbausili/velox/internal/features"
	"github.com/albertbausili/velox/internal/h2/frame"
	"golang.org/x/net/http2"
)

// verboseLogging controls hot-path logging for performance-sensitive operations.
// Set to false in production for maximum performance.
const verboseLogging = false

// maxWindow is the largest legal flow-control window, 2^31-1.
const maxWindow = 1<<31 - 1

// Protocol is the value reported by the request feature.
const Protocol = "HTTP/2"

var (
	// ErrInvalidPreface is returned when the peer does not open with the
	// HTTP/2 client connection preface.
	ErrInvalidPreface = errors.New("h2: invalid connection preface")
	// ErrStreamReset is returned by body reads and writes once a stream has
	// been reset by either side.
	ErrStreamReset = errors.New("h2: stream reset")
	// ErrConnectionClosed fails stream operations after the connection ended.
	ErrConnectionClosed = errors.New("h2: connection closed")
	// ErrRequestBodyTooLarge is returned by body reads past MaxRequestBodySize.
	ErrRequestBodyTooLarge = errors.New("h2: request body too large")
	// ErrBodyNotAllowed is returned when writing a body to a 204 or 304.
	ErrBodyNotAllowed = errors.New("h2: response status does not allow a body")
	// ErrFramingMismatch reports a response whose body length disagrees with
	// its declared content-length.
	ErrFramingMismatch = errors.New("h2: response body does not match content-length")
	// ErrResponseCompleted is returned by writes after Complete.
	ErrResponseCompleted = errors.New("h2: response already completed")
)

// ProtocolError is a connection error. Serve answers it with GOAWAY
// carrying Code, then closes the connection.
type ProtocolError struct {
	Code   http2.ErrCode
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("h2: connection error %v: %s", e.Code, e.Reason)
}

func connError(code http2.ErrCode, format string, args ...any) error {
	return &ProtocolError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Limits configure one HTTP/2 connection.
type Limits struct {
	// MaxStreamsPerConnection is advertised as SETTINGS_MAX_CONCURRENT_STREAMS.
	MaxStreamsPerConnection uint32
	// InitialConnectionWindowSize is the connection receive window.
	InitialConnectionWindowSize uint32
	// InitialStreamWindowSize is advertised as SETTINGS_INITIAL_WINDOW_SIZE.
	InitialStreamWindowSize uint32
	// MaxFrameSize is advertised as SETTINGS_MAX_FRAME_SIZE.
	MaxFrameSize uint32
	// HeaderTableSize bounds the HPACK decoder's dynamic table.
	HeaderTableSize uint32
	// MaxRequestHeaderFieldSize bounds one decoded name or value.
	MaxRequestHeaderFieldSize int
	// MaxHeaderListSize bounds a decoded header list; larger requests get 431.
	MaxHeaderListSize uint32
	// MaxRequestBodySize is the largest accepted body; 0 means unlimited.
	MaxRequestBodySize int64

	KeepAliveTimeout       time.Duration
	RequestHeadersTimeout  time.Duration
	MinRequestBodyDataRate *features.MinDataRate
	MinResponseDataRate    *features.MinDataRate

	// ControlFrameRate and ControlFrameBurst bound SETTINGS, PING and
	// RST_STREAM frames from the peer. Exceeding them ends the connection
	// with ENHANCE_YOUR_CALM.
	ControlFrameRate  float64
	ControlFrameBurst int

	AddServerHeader bool
	ServerName      string
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxStreamsPerConnection:     100,
		InitialConnectionWindowSize: 128 << 10,
		InitialStreamWindowSize:     96 << 10,
		MaxFrameSize:                frame.DefaultMaxFrameSize,
		HeaderTableSize:             frame.DefaultHeaderTableSize,
		MaxRequestHeaderFieldSize:   16 << 10,
		MaxHeaderListSize:           32 << 10,
		MaxRequestBodySize:          30_000_000,
		KeepAliveTimeout:            130 * time.Second,
		RequestHeadersTimeout:       30 * time.Second,
		MinRequestBodyDataRate:      &features.MinDataRate{BytesPerSecond: 240, GracePeriod: 5 * time.Second},
		MinResponseDataRate:         &features.MinDataRate{BytesPerSecond: 240, GracePeriod: 5 * time.Second},
		ControlFrameRate:            1000,
		ControlFrameBurst:           2000,
		AddServerHeader:             true,
		ServerName:                  "velox",
	}
}

func (l Limits) normalize() Limits {
	d := DefaultLimits()
	if l.MaxStreamsPerConnection == 0 {
		l.MaxStreamsPerConnection = d.MaxStreamsPerConnection
	}
	if l.InitialConnectionWindowSize < 65535 || l.InitialConnectionWindowSize > maxWindow {
		l.InitialConnectionWindowSize = d.InitialConnectionWindowSize
	}
	// The peer may use the protocol default until it acknowledges our
	// SETTINGS, so a smaller stream window could not be enforced.
	if l.InitialStreamWindowSize < 65535 || l.InitialStreamWindowSize > maxWindow {
		l.InitialStreamWindowSize = d.InitialStreamWindowSize
	}
	if l.MaxFrameSize < frame.DefaultMaxFrameSize || l.MaxFrameSize > 1<<24-1 {
		l.MaxFrameSize = d.MaxFrameSize
	}
	if l.HeaderTableSize == 0 {
		l.HeaderTableSize = d.HeaderTableSize
	}
	if l.MaxRequestHeaderFieldSize <= 0 {
		l.MaxRequestHeaderFieldSize = d.MaxRequestHeaderFieldSize
	}
	if l.MaxHeaderListSize == 0 {
		l.MaxHeaderListSize = d.MaxHeaderListSize
	}
	if l.KeepAliveTimeout <= 0 {
		l.KeepAliveTimeout = d.KeepAliveTimeout
	}
	if l.RequestHeadersTimeout <= 0 {
		l.RequestHeadersTimeout = d.RequestHeadersTimeout
	}
	if l.ControlFrameRate <= 0 {
		l.ControlFrameRate = d.ControlFrameRate
	}
	if l.ControlFrameBurst <= 0 {
		l.ControlFrameBurst = d.ControlFrameBurst
	}
	if l.ServerName == "" {
		l.ServerName = d.ServerName
	}
	return l
}

// settings returns what the server advertises in its first SETTINGS frame.
func (l Limits) settings() []http2.Setting {
	return []http2.Setting{
		{ID: http2.SettingMaxConcurrentStreams, Val: l.MaxStreamsPerConnection},
		{ID: http2.SettingInitialWindowSize, Val: l.InitialStreamWindowSize},
		{ID: http2.SettingMaxFrameSize, Val: l.MaxFrameSize},
		{ID: http2.SettingHeaderTableSize, Val: l.HeaderTableSize},
		{ID: http2.SettingMaxHeaderListSize, Val: l.MaxHeaderListSize},
	}
}
