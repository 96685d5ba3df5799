package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/albertbausili/velox/internal/mempool"
)

// Conn is a Transport over any net.Conn (TCP, unix sockets, named pipes,
// in-memory pipes). A producer goroutine reads the socket into pooled
// segments and pauses when the consumer falls behind.
type Conn struct {
	lifecycle

	conn net.Conn
	pool *mempool.Pool
	opts Options

	mu        sync.Mutex
	in        *mempool.Buffer
	readErr   error
	paused    bool
	inputShut bool
	readable  chan struct{}
	resume    chan struct{}
	readDL    *deadline

	outMu      sync.Mutex
	out        *mempool.Buffer
	outputShut bool
	vec        [][]byte
}

// NewConn wraps c and starts its producer goroutine.
func NewConn(c net.Conn, pool *mempool.Pool, opts Options) *Conn {
	t := &Conn{
		lifecycle: newLifecycle(),
		conn:      c,
		pool:      pool,
		opts:      opts.normalize(),
		in:        mempool.NewBuffer(pool),
		out:       mempool.NewBuffer(pool),
		readable:  make(chan struct{}, 1),
		resume:    make(chan struct{}, 1),
		readDL:    newDeadline(),
	}
	go t.produce()
	return t
}

func (t *Conn) produce() {
	seg := t.pool.Rent(0)
	defer t.pool.Return(seg)
	for {
		t.mu.Lock()
		for t.in.Len() >= t.opts.PauseWriterThreshold && !t.inputShut {
			t.paused = true
			t.mu.Unlock()
			select {
			case <-t.resume:
			case <-t.done:
				return
			}
			t.mu.Lock()
		}
		stop := t.inputShut
		t.mu.Unlock()
		if stop {
			return
		}

		n, err := t.conn.Read(seg.Data)

		t.mu.Lock()
		if n > 0 && !t.inputShut && t.aborted() == nil {
			_, _ = t.in.Write(seg.Data[:n])
		}
		if err != nil && t.readErr == nil {
			if errors.Is(err, net.ErrClosed) {
				err = io.EOF
			}
			t.readErr = err
		}
		t.mu.Unlock()
		t.signal(t.readable)
		if err != nil {
			return
		}
	}
}

func (t *Conn) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Read consumes buffered input, blocking until data, EOF, abort or the read
// deadline.
func (t *Conn) Read(p []byte) (int, error) {
	for {
		t.mu.Lock()
		if t.in.Len() > 0 && len(p) > 0 {
			n, _ := t.in.Read(p)
			if t.paused && t.in.Len() <= t.opts.ResumeWriterThreshold {
				t.paused = false
				t.signal(t.resume)
			}
			t.mu.Unlock()
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

// Buffered reports how many inbound bytes are waiting to be read.
func (t *Conn) Buffered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.in.Len()
}

// Write appends p to the output buffer. Output is pushed on Flush, or
// automatically once the buffer passes the pause threshold.
func (t *Conn) Write(p []byte) (int, error) {
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

// Flush writes all buffered output using vectored I/O.
func (t *Conn) Flush() error {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	return t.flushLocked()
}

func (t *Conn) flushLocked() error {
	if err := t.aborted(); err != nil {
		return err
	}
	if t.out.Len() == 0 {
		return nil
	}
	t.vec = t.out.Slices(t.vec[:0])
	bufs := net.Buffers(t.vec)
	n, err := bufs.WriteTo(t.conn)
	t.out.Discard(int(n))
	clear(t.vec)
	if err != nil {
		if t.finish(&AbortError{Reason: err}) {
			_ = t.conn.Close()
			t.out.Reset()
			t.releaseInput()
		}
		return t.aborted()
	}
	return nil
}

type closeWriter interface {
	CloseWrite() error
}

// Shutdown half-closes the transport. Shutting down Output flushes first and
// sends FIN where the underlying connection supports it.
func (t *Conn) Shutdown(d Direction) error {
	var err error
	if d&Output != 0 {
		t.outMu.Lock()
		if !t.outputShut {
			err = t.flushLocked()
			t.outputShut = true
			if cw, ok := t.conn.(closeWriter); ok && err == nil {
				err = cw.CloseWrite()
			}
		}
		t.outMu.Unlock()
	}
	if d&Input != 0 {
		t.mu.Lock()
		t.inputShut = true
		t.in.Reset()
		t.mu.Unlock()
		t.signal(t.resume)
		t.signal(t.readable)
	}
	return err
}

// Abort closes the socket immediately. Only the first reason is kept.
func (t *Conn) Abort(reason error) {
	if t.finish(&AbortError{Reason: reason}) {
		_ = t.conn.Close()
		t.releaseInput()
		t.outMu.Lock()
		t.out.Reset()
		t.outMu.Unlock()
	}
}

// Close flushes pending output and closes the socket.
func (t *Conn) Close() error {
	ferr := t.Flush()
	if !t.finish(net.ErrClosed) {
		return nil
	}
	err := t.conn.Close()
	t.releaseInput()
	t.outMu.Lock()
	t.out.Reset()
	t.outMu.Unlock()
	if ferr != nil {
		return ferr
	}
	return err
}

func (t *Conn) releaseInput() {
	t.mu.Lock()
	t.in.Reset()
	t.mu.Unlock()
}

// LocalAddr implements net.Conn.
func (t *Conn) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// RemoteAddr implements net.Conn.
func (t *Conn) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

// SetDeadline implements net.Conn.
func (t *Conn) SetDeadline(d time.Time) error {
	t.readDL.set(d)
	return t.conn.SetWriteDeadline(d)
}

// SetReadDeadline implements net.Conn.
func (t *Conn) SetReadDeadline(d time.Time) error {
	t.readDL.set(d)
	return nil
}

// SetWriteDeadline implements net.Conn.
func (t *Conn) SetWriteDeadline(d time.Time) error {
	return t.conn.SetWriteDeadline(d)
}
