package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/albertbausili/velox/internal/mempool"
	"go4.org/net/throttle"
)

// Listener yields transports for incoming connections.
type Listener interface {
	// Accept blocks until a connection arrives, ctx is done or the listener
	// is closed.
	Accept(ctx context.Context) (Transport, error)
	Close() error
	Addr() net.Addr
}

// ThrottleRates limits bandwidth and adds latency to every accepted
// connection. Intended for development and tests.
type ThrottleRates struct {
	KBps    int
	Latency time.Duration
}

// ListenConfig describes one socket endpoint.
type ListenConfig struct {
	Network   string // "tcp" (default) or "unix"
	Addr      string
	ReusePort bool
	Throttle  *ThrottleRates
	Options   Options
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

type netListener struct {
	ln   net.Listener
	raw  net.Listener
	pool *mempool.Pool
	opts Options
}

// Listen binds cfg. Binding honours ctx: a cancelled context aborts the bind
// and leaves no socket open.
func Listen(ctx context.Context, cfg ListenConfig, pool *mempool.Pool) (Listener, error) {
	network := cfg.Network
	if network == "" {
		network = "tcp"
	}
	lc := net.ListenConfig{}
	if network == "tcp" || network == "tcp4" || network == "tcp6" {
		lc.Control = socketControl(cfg.ReusePort)
	}
	raw, err := lc.Listen(ctx, network, cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, cfg.Addr, err)
	}
	if err := ctx.Err(); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return NewListener(raw, cfg.Throttle, pool, cfg.Options), nil
}

// NewListener adapts an already bound net.Listener.
func NewListener(raw net.Listener, rates *ThrottleRates, pool *mempool.Pool, opts Options) Listener {
	l := &netListener{ln: raw, raw: raw, pool: pool, opts: opts}
	if rates != nil && (rates.KBps > 0 || rates.Latency > 0) {
		rate := throttle.Rate{KBps: rates.KBps, Latency: rates.Latency}
		l.ln = &throttle.Listener{Listener: raw, Down: rate, Up: rate}
	}
	return l
}

func (l *netListener) Accept(ctx context.Context) (Transport, error) {
	d, canInterrupt := l.raw.(deadliner)
	if canInterrupt {
		_ = d.SetDeadline(time.Time{})
		stop := context.AfterFunc(ctx, func() { _ = d.SetDeadline(time.Now()) })
		defer stop()
	}
	for {
		c, err := l.ln.Accept()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return nil, err
		}
		return NewConn(c, l.pool, l.opts), nil
	}
}

func (l *netListener) Close() error { return l.ln.Close() }

func (l *netListener) Addr() net.Addr { return l.ln.Addr() }
