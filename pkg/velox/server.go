package velox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/albertbausili/velox/internal/adapter"
	"github.com/albertbausili/velox/internal/features"
	"github.com/albertbausili/velox/internal/h1"
	"github.com/albertbausili/velox/internal/h2"
	"github.com/albertbausili/velox/internal/mempool"
	"github.com/albertbausili/velox/internal/mux"
	"github.com/albertbausili/velox/internal/observe"
	"github.com/albertbausili/velox/internal/transport"
)

// ErrServerClosed is returned by ListenAndServe after Stop or Close.
var ErrServerClosed = errors.New("velox: server closed")

// Server serves HTTP/1.1 and HTTP/2 on one or more endpoints.
type Server struct {
	config     Config
	handler    Handler
	middleware []Middleware
	observer   *observe.Observer
	pool       *mempool.Pool
	dispatcher *mux.Dispatcher

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a new Server with the provided configuration. The
// configuration is validated and the engine metrics are registered.
func New(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	obs, err := observe.New(observe.Options{
		Logger:         config.Logger,
		Registerer:     config.MetricsRegisterer,
		TracerProvider: config.TracerProvider,
	})
	if err != nil {
		return nil, fmt.Errorf("velox: %w", err)
	}
	pool := mempool.New(0)
	if err := obs.Metrics.WatchPool(pool); err != nil {
		return nil, fmt.Errorf("velox: %w", err)
	}

	s := &Server{
		config:   config,
		observer: obs,
		pool:     pool,
		stopped:  make(chan struct{}),
	}
	s.dispatcher = mux.New(mux.Config{
		Endpoints:                s.endpoints(),
		H1:                       s.h1Limits(),
		H2:                       s.h2Limits(),
		MaxConcurrentConnections: config.Limits.MaxConcurrentConnections,
		HandshakeTimeout:         config.HandshakeTimeout,
		HeartbeatInterval:        config.HeartbeatInterval,
		Observer:                 obs,
		Pool:                     pool,
	})
	return s, nil
}

// NewWithDefaults creates a new Server with default configuration.
func NewWithDefaults() (*Server, error) {
	return New(DefaultConfig())
}

// Handler sets the request handler and returns the server for method chaining.
func (s *Server) Handler(handler Handler) *Server {
	s.handler = handler
	return s
}

// Use appends middleware applied around the handler, outermost first.
func (s *Server) Use(middleware ...Middleware) *Server {
	s.middleware = append(s.middleware, middleware...)
	return s
}

// Start binds every listener and begins serving. It returns once the
// server accepts connections.
func (s *Server) Start(ctx context.Context) error {
	if s.handler == nil {
		return fmt.Errorf("handler not set")
	}
	h := s.handler
	if len(s.middleware) > 0 {
		h = Chain(s.middleware...)(h)
	}
	return s.dispatcher.Start(ctx, NewHandlerApp(h))
}

// ListenAndServe sets the handler, starts the server and blocks until it
// is stopped. It always returns a non-nil error.
func (s *Server) ListenAndServe(handler Handler) error {
	s.handler = handler
	if err := s.Start(context.Background()); err != nil {
		return err
	}
	<-s.stopped
	return ErrServerClosed
}

// Stop gracefully shuts down the server: it stops accepting, lets active
// requests finish and aborts whatever is still running when ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	defer s.stopOnce.Do(func() { close(s.stopped) })
	return s.dispatcher.Stop(ctx)
}

// Shutdown stops the server, waiting at most Config.ShutdownTimeout.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return s.Stop(ctx)
}

// Close aborts every connection immediately.
func (s *Server) Close() error {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Stop(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Addrs returns the bound addresses in listener order.
func (s *Server) Addrs() []net.Addr { return s.dispatcher.Addrs() }

// Connections reports the number of open connections.
func (s *Server) Connections() int { return s.dispatcher.Connections() }

func (s *Server) endpoints() []mux.Endpoint {
	eps := make([]mux.Endpoint, 0, len(s.config.Listeners))
	for _, lo := range s.config.Listeners {
		protocols := mux.Protocols(lo.Protocols)
		var chain adapter.Chain
		if lo.TLS != nil {
			chain = append(chain, adapter.NewTLS(lo.TLS, protocols.ALPN(), s.config.HandshakeTimeout))
		}
		if lo.ConnectionLogging {
			chain = append(chain, &adapter.Logging{})
		}
		eps = append(eps, mux.Endpoint{
			Name:      lo.Network + "://" + lo.Addr,
			Bind:      s.binder(lo),
			Protocols: protocols,
			Adapters:  chain,
		})
	}
	return eps
}

func (s *Server) binder(lo ListenOptions) mux.Binder {
	opts := transport.Options{
		PauseWriterThreshold:  s.config.Limits.PauseWriterThreshold,
		ResumeWriterThreshold: s.config.Limits.ResumeWriterThreshold,
	}
	if s.config.Engine == Gnet {
		return func(ctx context.Context) (transport.Listener, error) {
			return transport.NewGnetListener(ctx, transport.GnetConfig{
				Addr:         lo.Addr,
				Multicore:    s.config.Multicore,
				NumEventLoop: s.config.NumEventLoop,
				ReusePort:    s.config.ReusePort,
				Options:      opts,
			}, s.pool)
		}
	}
	cfg := transport.ListenConfig{
		Network:   lo.Network,
		Addr:      lo.Addr,
		ReusePort: s.config.ReusePort,
		Options:   opts,
	}
	if lo.Throttle != nil {
		cfg.Throttle = &transport.ThrottleRates{KBps: lo.Throttle.KBps, Latency: lo.Throttle.Latency}
	}
	return func(ctx context.Context) (transport.Listener, error) {
		return transport.Listen(ctx, cfg, s.pool)
	}
}

func toFeatureRate(r *MinDataRate) *features.MinDataRate {
	if r == nil {
		return nil
	}
	return &features.MinDataRate{BytesPerSecond: r.BytesPerSecond, GracePeriod: r.GracePeriod}
}

func (s *Server) h1Limits() h1.Limits {
	l := s.config.Limits
	return h1.Limits{
		MaxRequestLineSize:         l.MaxRequestLineSize,
		MaxRequestHeadersTotalSize: l.MaxRequestHeadersTotalSize,
		MaxRequestHeaderCount:      l.MaxRequestHeaderCount,
		MaxRequestBodySize:         l.MaxRequestBodySize,
		MaxRequestBodyDrain:        l.MaxRequestBodyDrain,
		KeepAliveTimeout:           l.KeepAliveTimeout,
		RequestHeadersTimeout:      l.RequestHeadersTimeout,
		MinRequestBodyDataRate:     toFeatureRate(l.MinRequestBodyDataRate),
		MinResponseDataRate:        toFeatureRate(l.MinResponseDataRate),
		AddServerHeader:            l.AddServerHeader,
		ServerName:                 "velox",
	}
}

func (s *Server) h2Limits() h2.Limits {
	l := s.config.Limits
	d := h2.DefaultLimits()
	return h2.Limits{
		MaxStreamsPerConnection:     l.HTTP2.MaxStreamsPerConnection,
		InitialConnectionWindowSize: l.HTTP2.InitialConnectionWindowSize,
		InitialStreamWindowSize:     l.HTTP2.InitialStreamWindowSize,
		MaxFrameSize:                l.HTTP2.MaxFrameSize,
		HeaderTableSize:             l.HTTP2.HeaderTableSize,
		MaxRequestHeaderFieldSize:   l.HTTP2.MaxRequestHeaderFieldSize,
		MaxHeaderListSize:           uint32(l.MaxRequestHeadersTotalSize),
		MaxRequestBodySize:          l.MaxRequestBodySize,
		KeepAliveTimeout:            l.KeepAliveTimeout,
		RequestHeadersTimeout:       l.RequestHeadersTimeout,
		MinRequestBodyDataRate:      toFeatureRate(l.MinRequestBodyDataRate),
		MinResponseDataRate:         toFeatureRate(l.MinResponseDataRate),
		ControlFrameRate:            d.ControlFrameRate,
		ControlFrameBurst:           d.ControlFrameBurst,
		AddServerHeader:             l.AddServerHeader,
		ServerName:                  "velox",
	}
}
