// Package velox provides a high-performance HTTP/1.1 and HTTP/2 server engine.
package velox

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// Engine selects the socket layer.
type Engine int

const (
	// Netpoll uses the Go runtime's network poller, one goroutine per
	// connection reader.
	Netpoll Engine = iota
	// Gnet runs gnet event loops and hands bytes to the protocol handlers.
	Gnet
)

func (e Engine) String() string {
	switch e {
	case Netpoll:
		return "netpoll"
	case Gnet:
		return "gnet"
	default:
		return fmt.Sprintf("Engine(%d)", int(e))
	}
}

// Protocols is the set of HTTP versions an endpoint accepts.
type Protocols int

const (
	HTTP1 Protocols = 1 << iota
	HTTP2

	HTTP1AndHTTP2 = HTTP1 | HTTP2
)

// ThrottleRates limits bandwidth and adds latency on every accepted
// connection. Useful to reproduce slow clients locally.
type ThrottleRates struct {
	KBps    int
	Latency time.Duration
}

// ListenOptions describes one endpoint.
type ListenOptions struct {
	Addr string // host:port, or a socket path when Network is "unix"
	// Network is "tcp" (default) or "unix". The gnet engine only serves tcp.
	Network   string
	Protocols Protocols     // defaults to HTTP1AndHTTP2
	TLS       *tls.Config   // enables TLS with ALPN negotiation
	// ConnectionLogging hex dumps all traffic on this endpoint to the logger.
	ConnectionLogging bool
	Throttle          *ThrottleRates
}

// HTTP2Limits are the HTTP/2 specific limits.
type HTTP2Limits struct {
	MaxStreamsPerConnection     uint32
	InitialConnectionWindowSize uint32
	InitialStreamWindowSize     uint32
	MaxFrameSize                uint32
	HeaderTableSize             uint32
	MaxRequestHeaderFieldSize   int
}

// MinDataRate is a throughput floor enforced after a grace period.
type MinDataRate struct {
	BytesPerSecond float64
	GracePeriod    time.Duration
}

// Limits bound what a single client may consume.
type Limits struct {
	MaxRequestLineSize         int
	MaxRequestHeadersTotalSize int
	MaxRequestHeaderCount      int
	MaxRequestBodySize         int64 // 0 means unlimited
	MaxRequestBodyDrain        int64
	KeepAliveTimeout           time.Duration
	RequestHeadersTimeout      time.Duration
	// A nil rate disables enforcement.
	MinRequestBodyDataRate *MinDataRate
	MinResponseDataRate    *MinDataRate
	// MaxConcurrentConnections bounds open connections; 0 means unlimited.
	MaxConcurrentConnections int
	HTTP2                    HTTP2Limits
	PauseWriterThreshold     int
	ResumeWriterThreshold    int
	// AddServerHeader adds "Server: velox" to every response.
	AddServerHeader bool
}

// Config holds the server configuration.
type Config struct {
	Listeners []ListenOptions
	Limits    Limits
	Logger    *log.Logger // Logger for server events
	// MetricsRegisterer receives the engine collectors. Nil keeps them in a
	// private registry.
	MetricsRegisterer prometheus.Registerer
	TracerProvider    trace.TracerProvider
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	ShutdownTimeout   time.Duration
	Engine            Engine
	Multicore         bool // gnet only
	NumEventLoop      int  // gnet only, 0 for auto-detect
	ReusePort         bool
}

// newSilentLogger creates a silent logger that discards all output
func newSilentLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// DefaultLimits returns the limits used for zero fields.
func DefaultLimits() Limits {
	return Limits{
		MaxRequestLineSize:         8 << 10,
		MaxRequestHeadersTotalSize: 32 << 10,
		MaxRequestHeaderCount:      100,
		MaxRequestBodySize:         30_000_000,
		MaxRequestBodyDrain:        128 << 10,
		KeepAliveTimeout:           130 * time.Second,
		RequestHeadersTimeout:      30 * time.Second,
		MinRequestBodyDataRate:     &MinDataRate{BytesPerSecond: 240, GracePeriod: 5 * time.Second},
		MinResponseDataRate:        &MinDataRate{BytesPerSecond: 240, GracePeriod: 5 * time.Second},
		HTTP2: HTTP2Limits{
			MaxStreamsPerConnection:     100,
			InitialConnectionWindowSize: 128 << 10,
			InitialStreamWindowSize:     96 << 10,
			MaxFrameSize:                16 << 10,
			HeaderTableSize:             4096,
			MaxRequestHeaderFieldSize:   16 << 10,
		},
		PauseWriterThreshold:  1 << 20,
		ResumeWriterThreshold: 512 << 10,
		AddServerHeader:       true,
	}
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Listeners:         []ListenOptions{{Addr: ":8080", Protocols: HTTP1AndHTTP2}},
		Limits:            DefaultLimits(),
		Logger:            newSilentLogger(),
		HeartbeatInterval: time.Second,
		HandshakeTimeout:  10 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		Engine:            Netpoll,
		Multicore:         true,
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if len(c.Listeners) == 0 {
		return errors.New("velox: no listeners configured")
	}
	if c.Engine != Netpoll && c.Engine != Gnet {
		return fmt.Errorf("velox: unknown engine %v", c.Engine)
	}
	for i := range c.Listeners {
		lo := &c.Listeners[i]
		if lo.Addr == "" {
			return fmt.Errorf("velox: listener %d has no address", i)
		}
		if lo.Protocols == 0 {
			lo.Protocols = HTTP1AndHTTP2
		}
		if lo.Protocols&^HTTP1AndHTTP2 != 0 {
			return fmt.Errorf("velox: listener %s: unknown protocols %d", lo.Addr, lo.Protocols)
		}
		if lo.Network == "" {
			lo.Network = "tcp"
		}
		if c.Engine == Gnet {
			if lo.Network != "tcp" {
				return fmt.Errorf("velox: listener %s: the gnet engine only serves tcp", lo.Addr)
			}
			if lo.Throttle != nil {
				return fmt.Errorf("velox: listener %s: throttling needs the netpoll engine", lo.Addr)
			}
		}
	}

	d := DefaultLimits()
	l := &c.Limits
	if l.MaxRequestLineSize <= 0 {
		l.MaxRequestLineSize = d.MaxRequestLineSize
	}
	if l.MaxRequestHeadersTotalSize <= 0 {
		l.MaxRequestHeadersTotalSize = d.MaxRequestHeadersTotalSize
	}
	if l.MaxRequestHeaderCount <= 0 {
		l.MaxRequestHeaderCount = d.MaxRequestHeaderCount
	}
	if l.MaxRequestBodySize < 0 {
		return errors.New("velox: MaxRequestBodySize must not be negative")
	}
	if l.MaxRequestBodyDrain <= 0 {
		l.MaxRequestBodyDrain = d.MaxRequestBodyDrain
	}
	if l.KeepAliveTimeout <= 0 {
		l.KeepAliveTimeout = d.KeepAliveTimeout
	}
	if l.RequestHeadersTimeout <= 0 {
		l.RequestHeadersTimeout = d.RequestHeadersTimeout
	}
	if l.MaxConcurrentConnections < 0 {
		return errors.New("velox: MaxConcurrentConnections must not be negative")
	}
	if l.PauseWriterThreshold <= 0 {
		l.PauseWriterThreshold = d.PauseWriterThreshold
	}
	if l.ResumeWriterThreshold <= 0 || l.ResumeWriterThreshold > l.PauseWriterThreshold {
		l.ResumeWriterThreshold = l.PauseWriterThreshold / 2
	}

	h := &l.HTTP2
	if h.MaxStreamsPerConnection == 0 {
		h.MaxStreamsPerConnection = d.HTTP2.MaxStreamsPerConnection
	}
	if h.MaxFrameSize < 16384 {
		h.MaxFrameSize = 16384
	}
	if h.MaxFrameSize > (1<<24)-1 {
		h.MaxFrameSize = (1 << 24) - 1
	}
	if h.InitialConnectionWindowSize == 0 {
		h.InitialConnectionWindowSize = d.HTTP2.InitialConnectionWindowSize
	}
	if h.InitialStreamWindowSize == 0 {
		h.InitialStreamWindowSize = d.HTTP2.InitialStreamWindowSize
	}
	if h.HeaderTableSize == 0 {
		h.HeaderTableSize = d.HTTP2.HeaderTableSize
	}
	if h.MaxRequestHeaderFieldSize <= 0 {
		h.MaxRequestHeaderFieldSize = d.HTTP2.MaxRequestHeaderFieldSize
	}

	if c.Logger == nil {
		c.Logger = newSilentLogger()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	for _, rate := range []*MinDataRate{l.MinRequestBodyDataRate, l.MinResponseDataRate} {
		if rate == nil {
			continue
		}
		if rate.BytesPerSecond <= 0 {
			return errors.New("velox: a minimum data rate must be positive")
		}
		if rate.GracePeriod <= c.HeartbeatInterval {
			return fmt.Errorf("velox: data rate grace period %v must exceed the heartbeat interval %v",
				rate.GracePeriod, c.HeartbeatInterval)
		}
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return nil
}
