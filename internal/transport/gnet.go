package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/albertbausili/velox/internal/mempool"
	"github.com/panjf2000/gnet/v2"
)

// GnetConfig configures the event-loop engine.
type GnetConfig struct {
	Addr         string
	Multicore    bool
	NumEventLoop int
	ReusePort    bool
	// AcceptBacklog bounds connections opened by the engine but not yet
	// taken by Accept. Excess connections are closed.
	AcceptBacklog int
	Options       Options
}

// silentGnetLogger discards gnet's internal output.
type silentGnetLogger struct{}

func (silentGnetLogger) Debugf(_ string, _ ...any) {}
func (silentGnetLogger) Infof(_ string, _ ...any)  {}
func (silentGnetLogger) Warnf(_ string, _ ...any)  {}
func (silentGnetLogger) Errorf(_ string, _ ...any) {}
func (silentGnetLogger) Fatalf(_ string, _ ...any) {}

// GnetListener runs a gnet engine and exposes its connections as
// Transports. Protocol handlers run on their own goroutines; the event loop
// only moves bytes.
type GnetListener struct {
	gnet.BuiltinEventEngine

	cfg  GnetConfig
	pool *mempool.Pool
	addr net.Addr

	engine   gnet.Engine
	booted   chan struct{}
	accepted chan *GnetConn
	closed   chan struct{}
	runErr   chan error
	once     sync.Once
}

// NewGnetListener starts the engine and returns once it is accepting.
func NewGnetListener(ctx context.Context, cfg GnetConfig, pool *mempool.Pool) (*GnetListener, error) {
	addr, err := net.ResolveTCPAddr("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("gnet listen %s: %w", cfg.Addr, err)
	}
	if cfg.AcceptBacklog <= 0 {
		cfg.AcceptBacklog = 1024
	}
	l := &GnetListener{
		cfg:      cfg,
		pool:     pool,
		addr:     addr,
		booted:   make(chan struct{}),
		accepted: make(chan *GnetConn, cfg.AcceptBacklog),
		closed:   make(chan struct{}),
		runErr:   make(chan error, 1),
	}

	options := []gnet.Option{
		gnet.WithMulticore(cfg.Multicore),
		gnet.WithReusePort(cfg.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithTCPKeepAlive(time.Minute),
		gnet.WithLogger(silentGnetLogger{}),
		gnet.WithLoadBalancing(gnet.RoundRobin),
	}
	if cfg.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(cfg.NumEventLoop))
	}

	go func() {
		l.runErr <- gnet.Run(l, "tcp://"+cfg.Addr, options...)
	}()

	select {
	case <-l.booted:
	case err := <-l.runErr:
		if err == nil {
			err = errors.New("gnet engine exited before boot")
		}
		return nil, fmt.Errorf("gnet listen %s: %w", cfg.Addr, err)
	case <-ctx.Done():
		go func() {
			select {
			case <-l.booted:
				_ = l.Close()
			case <-l.runErr:
			}
		}()
		return nil, ctx.Err()
	}
	return l, nil
}

// OnBoot records the engine handle.
func (l *GnetListener) OnBoot(eng gnet.Engine) gnet.Action {
	l.engine = eng
	close(l.booted)
	return gnet.None
}

// OnOpen hands the connection to Accept, or rejects it when the backlog is
// full or the listener is closing.
func (l *GnetListener) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	select {
	case <-l.closed:
		return nil, gnet.Close
	default:
	}
	t := newGnetConn(c, l.pool, l.cfg.Options)
	c.SetContext(t)
	select {
	case l.accepted <- t:
		return nil, gnet.None
	default:
		return nil, gnet.Close
	}
}

// OnTraffic moves as many inbound bytes as the transport has room for.
func (l *GnetListener) OnTraffic(c gnet.Conn) gnet.Action {
	t, ok := c.Context().(*GnetConn)
	if !ok {
		return gnet.Close
	}
	t.fill(c)
	return gnet.None
}

// OnClose reports end of input to the transport.
func (l *GnetListener) OnClose(c gnet.Conn, err error) gnet.Action {
	if t, ok := c.Context().(*GnetConn); ok {
		t.peerClosed(err)
	}
	return gnet.None
}

// Accept implements Listener.
func (l *GnetListener) Accept(ctx context.Context) (Transport, error) {
	select {
	case t := <-l.accepted:
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

// Close stops the engine. Connections already accepted stay owned by their
// handlers; pending ones are aborted.
func (l *GnetListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
	drain:
		for {
			select {
			case t := <-l.accepted:
				t.Abort(net.ErrClosed)
			default:
				break drain
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = l.engine.Stop(ctx)
	})
	return err
}

// Addr implements Listener.
func (l *GnetListener) Addr() net.Addr { return l.addr }

// GnetConn is a Transport over a gnet connection.
type GnetConn struct {
	lifecycle

	c    gnet.Conn
	opts Options

	mu       sync.Mutex
	in       *mempool.Buffer
	readErr  error
	paused   bool
	readable chan struct{}
	eof      chan struct{}
	eofOnce  sync.Once
	readDL   *deadline
	writeDL  *deadline

	outMu      sync.Mutex
	out        *mempool.Buffer
	outputShut bool
	inputShut  bool
	vec        [][]byte
	// inflight is set when a write was abandoned before gnet reported
	// completion; the event loop may still reference those segments.
	inflight bool
}

func newGnetConn(c gnet.Conn, pool *mempool.Pool, opts Options) *GnetConn {
	return &GnetConn{
		lifecycle: newLifecycle(),
		c:         c,
		opts:      opts.normalize(),
		in:        mempool.NewBuffer(pool),
		out:       mempool.NewBuffer(pool),
		readable:  make(chan struct{}, 1),
		eof:       make(chan struct{}),
		readDL:    newDeadline(),
		writeDL:   newDeadline(),
	}
}

// fill runs on the event loop. Bytes beyond the pause threshold stay in
// gnet's inbound buffer until the reader drains and wakes the connection.
func (t *GnetConn) fill(c gnet.Conn) {
	t.mu.Lock()
	if t.inputShut || t.aborted() != nil {
		t.mu.Unlock()
		_, _ = c.Discard(c.InboundBuffered())
		return
	}
	room := t.opts.PauseWriterThreshold - t.in.Len()
	if room <= 0 {
		t.paused = true
		t.mu.Unlock()
		return
	}
	if n := c.InboundBuffered(); n < room {
		room = n
	}
	buf, err := c.Next(room)
	if len(buf) > 0 {
		_, _ = t.in.Write(buf)
	}
	if c.InboundBuffered() > 0 {
		t.paused = true
	}
	if err != nil && t.readErr == nil {
		t.readErr = err
	}
	t.mu.Unlock()
	t.signal()
}

func (t *GnetConn) signal() {
	select {
	case t.readable <- struct{}{}:
	default:
	}
}

func (t *GnetConn) peerClosed(err error) {
	t.mu.Lock()
	if t.readErr == nil {
		if err == nil {
			err = io.EOF
		}
		t.readErr = err
	}
	t.mu.Unlock()
	t.eofOnce.Do(func() { close(t.eof) })
	t.signal()
}

// Read implements net.Conn.
func (t *GnetConn) Read(p []byte) (int, error) {
	for {
		t.mu.Lock()
		if t.in.Len() > 0 && len(p) > 0 {
			n, _ := t.in.Read(p)
			wake := t.paused && t.in.Len() <= t.opts.ResumeWriterThreshold
			if wake {
				t.paused = false
			}
			t.mu.Unlock()
			if wake {
				_ = t.c.Wake(nil)
			}
			return n, nil
		}
		if err := t.aborted(); err != nil {
			t.mu.Unlock()
			return 0, err
		}
		if t.inputShut {
			t.mu.Unlock()
			return 0, io.EOF
		}
		if t.readErr != nil {
			err := t.readErr
			t.mu.Unlock()
			return 0, err
		}
		t.mu.Unlock()
		if len(p) == 0 {
			return 0, nil
		}
		select {
		case <-t.readable:
		case <-t.done:
		case <-t.readDL.wait():
			return 0, ErrDeadlineExceeded
		}
	}
}

// Write implements net.Conn. Output is buffered until Flush.
func (t *GnetConn) Write(p []byte) (int, error) {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	if err := t.aborted(); err != nil {
		return 0, err
	}
	if t.outputShut {
		return 0, ErrClosed
	}
	_, _ = t.out.Write(p)
	if t.out.Len() >= t.opts.PauseWriterThreshold {
		if err := t.flushLocked(); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Flush hands the buffered output to the event loop and waits until it has
// been written to the socket.
func (t *GnetConn) Flush() error {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	return t.flushLocked()
}

func (t *GnetConn) flushLocked() error {
	if err := t.aborted(); err != nil {
		return err
	}
	if t.out.Len() == 0 {
		return nil
	}
	t.vec = t.out.Slices(t.vec[:0])
	result := make(chan error, 1)
	err := t.c.AsyncWritev(t.vec, func(_ gnet.Conn, err error) error {
		result <- err
		return nil
	})
	if err == nil {
		select {
		case err = <-result:
		case <-t.done:
			err, t.inflight = t.aborted(), true
		case <-t.eof:
			err, t.inflight = net.ErrClosed, true
		case <-t.writeDL.wait():
			err, t.inflight = ErrDeadlineExceeded, true
		}
	}
	clear(t.vec)
	if err != nil {
		if t.finish(&AbortError{Reason: err}) {
			_ = t.c.Close()
			t.releaseOutput()
			t.releaseInput()
		}
		return t.aborted()
	}
	t.out.Discard(t.out.Len())
	return nil
}

// Shutdown implements Transport. gnet has no half-close, so shutting down
// Output only flushes and rejects further writes.
func (t *GnetConn) Shutdown(d Direction) error {
	var err error
	if d&Output != 0 {
		t.outMu.Lock()
		if !t.outputShut {
			err = t.flushLocked()
			t.outputShut = true
		}
		t.outMu.Unlock()
	}
	if d&Input != 0 {
		t.mu.Lock()
		t.inputShut = true
		t.in.Reset()
		t.mu.Unlock()
		t.signal()
	}
	return err
}

// Abort implements Transport.
func (t *GnetConn) Abort(reason error) {
	if t.finish(&AbortError{Reason: reason}) {
		_ = t.c.Close()
		t.releaseInput()
		t.outMu.Lock()
		t.releaseOutput()
		t.outMu.Unlock()
	}
}

// Close flushes pending output and closes the connection.
func (t *GnetConn) Close() error {
	ferr := t.Flush()
	if !t.finish(net.ErrClosed) {
		return nil
	}
	err := t.c.Close()
	t.releaseInput()
	t.outMu.Lock()
	t.releaseOutput()
	t.outMu.Unlock()
	if ferr != nil {
		return ferr
	}
	return err
}

// releaseOutput returns output segments unless gnet may still hold them, in
// which case they are left to the garbage collector.
func (t *GnetConn) releaseOutput() {
	if !t.inflight {
		t.out.Reset()
	}
}

func (t *GnetConn) releaseInput() {
	t.mu.Lock()
	t.in.Reset()
	t.mu.Unlock()
}

// LocalAddr implements net.Conn.
func (t *GnetConn) LocalAddr() net.Addr { return t.c.LocalAddr() }

// RemoteAddr implements net.Conn.
func (t *GnetConn) RemoteAddr() net.Addr { return t.c.RemoteAddr() }

// SetDeadline implements net.Conn.
func (t *GnetConn) SetDeadline(d time.Time) error {
	t.readDL.set(d)
	t.writeDL.set(d)
	return nil
}

// SetReadDeadline implements net.Conn.
func (t *GnetConn) SetReadDeadline(d time.Time) error {
	t.readDL.set(d)
	return nil
}

// SetWriteDeadline implements net.Conn.
func (t *GnetConn) SetWriteDeadline(d time.Time) error {
	t.writeDL.set(d)
	return nil
}
