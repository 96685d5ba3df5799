// Package transport provides the duplex byte pipe every protocol handler runs
// on: a bounded inbound buffer, an outbound path with explicit flushes, and a
// single abort that fails every pending and future operation.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrConnectionAborted is matched by every error returned after Abort.
var ErrConnectionAborted = errors.New("transport: connection aborted")

// ErrClosed is returned when writing after the output side was shut down.
var ErrClosed = errors.New("transport: closed")

// AbortError carries the reason given to the first Abort call.
type AbortError struct {
	Reason error
}

func (e *AbortError) Error() string {
	if e.Reason == nil {
		return ErrConnectionAborted.Error()
	}
	return fmt.Sprintf("%v: %v", ErrConnectionAborted, e.Reason)
}

// Unwrap reports both the sentinel and the reason so errors.Is works for
// either.
func (e *AbortError) Unwrap() []error {
	if e.Reason == nil {
		return []error{ErrConnectionAborted}
	}
	return []error{ErrConnectionAborted, e.Reason}
}

// Direction selects a half of the duplex pipe.
type Direction int

const (
	// Input is the inbound half.
	Input Direction = 1 << iota
	// Output is the outbound half.
	Output
	// Both halves.
	Both = Input | Output
)

// Transport is a full-duplex connection. It satisfies net.Conn so it can be
// wrapped by crypto/tls and other net.Conn adapters.
//
// Read and Write may be used concurrently with each other; concurrent Writes
// are serialised by the caller.
type Transport interface {
	net.Conn
	// Flush pushes buffered output to the peer.
	Flush() error
	// Shutdown half-closes the given direction.
	Shutdown(d Direction) error
	// Abort tears the connection down. Only the first call has effect.
	Abort(reason error)
	// Done is closed once the transport is aborted or closed.
	Done() <-chan struct{}
	// Err returns the terminal error once Done is closed.
	Err() error
}

// Options bound the inbound buffer. Reading from the source pauses once more
// than PauseWriterThreshold bytes are pending and resumes when the consumer
// drains below ResumeWriterThreshold.
type Options struct {
	PauseWriterThreshold  int
	ResumeWriterThreshold int
}

// Defaults for Options.
const (
	DefaultPauseWriterThreshold  = 1 << 20
	DefaultResumeWriterThreshold = 512 << 10
)

func (o Options) normalize() Options {
	if o.PauseWriterThreshold <= 0 {
		o.PauseWriterThreshold = DefaultPauseWriterThreshold
	}
	if o.ResumeWriterThreshold <= 0 || o.ResumeWriterThreshold > o.PauseWriterThreshold {
		o.ResumeWriterThreshold = o.PauseWriterThreshold / 2
	}
	return o
}

// lifecycle is the shared abort/close bookkeeping embedded by transports.
type lifecycle struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newLifecycle() lifecycle {
	return lifecycle{done: make(chan struct{})}
}

// finish records err as terminal. It reports whether this call won.
func (l *lifecycle) finish(err error) bool {
	won := false
	l.once.Do(func() {
		l.err = err
		close(l.done)
		won = true
	})
	return won
}

func (l *lifecycle) Done() <-chan struct{} { return l.done }

func (l *lifecycle) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

func (l *lifecycle) aborted() error {
	select {
	case <-l.done:
		if l.err != nil {
			return l.err
		}
		return net.ErrClosed
	default:
		return nil
	}
}

// deadline is a resettable timer that closes a channel on expiry.
type deadline struct {
	mu     sync.Mutex
	timer  *time.Timer
	expiry chan struct{}
}

func newDeadline() *deadline {
	return &deadline{expiry: make(chan struct{})}
}

func (d *deadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil && !d.timer.Stop() {
		<-d.expiry
	}
	d.timer = nil
	closed := isClosedChan(d.expiry)
	if t.IsZero() {
		if closed {
			d.expiry = make(chan struct{})
		}
		return
	}
	if dur := time.Until(t); dur > 0 {
		if closed {
			d.expiry = make(chan struct{})
		}
		ch := d.expiry
		d.timer = time.AfterFunc(dur, func() { close(ch) })
		return
	}
	if !closed {
		close(d.expiry)
	}
}

func (d *deadline) wait() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.expiry
}

func isClosedChan(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

// timeoutError satisfies net.Error so crypto/tls and callers treat it as a
// deadline hit.
type timeoutError struct{}

func (timeoutError) Error() string   { return "transport: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// ErrDeadlineExceeded is returned by Read once the read deadline passes.
var ErrDeadlineExceeded net.Error = timeoutError{}
