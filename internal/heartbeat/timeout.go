package heartbeat

import (
	"fmt"
	"sync"
	"time"

	"github.com/albertbausili/velox/internal/features"
)

// Reason identifies which limit a connection violated.
type Reason int

// Timeout reasons.
const (
	None Reason = iota
	KeepAliveTimeout
	RequestHeadersTimeout
	MinRequestBodyDataRate
	MinResponseDataRate
	// ReadDataRate is the aggregated HTTP/2 request body rate across all
	// streams of a connection.
	ReadDataRate
)

func (r Reason) String() string {
	switch r {
	case KeepAliveTimeout:
		return "KeepAliveTimeout"
	case RequestHeadersTimeout:
		return "RequestHeadersTimeout"
	case MinRequestBodyDataRate:
		return "MinRequestBodyDataRate"
	case MinResponseDataRate:
		return "MinResponseDataRate"
	case ReadDataRate:
		return "ReadDataRate"
	default:
		return "None"
	}
}

// TimeoutError is the abort reason used when a limit is hit.
type TimeoutError struct {
	Reason Reason
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("connection timed out: %s", e.Reason)
}

// TimeoutHandler receives violations. It is called from the heartbeat
// goroutine, at most once per armed timeout.
type TimeoutHandler interface {
	OnTimeout(reason Reason)
}

// TimeoutControl tracks one connection's deadline and its read and write
// data rates. Checks run on heartbeat ticks; no per-connection timers exist.
type TimeoutControl struct {
	handler TimeoutHandler
	// Now is the clock used when arming timeouts. Tests replace it.
	Now func() time.Time

	mu       sync.Mutex
	lastTick time.Time

	deadline time.Time
	reason   Reason

	readRate      *features.MinDataRate
	readReason    Reason
	readEnabled   bool
	readElapsed   time.Duration
	readBytes     int64
	awaitingReads int

	writeDeadline  time.Time
	awaitingWrites int

	fired bool
}

// NewTimeoutControl returns a control that reports to h.
func NewTimeoutControl(h TimeoutHandler) *TimeoutControl {
	return &TimeoutControl{handler: h, Now: time.Now}
}

// Initialize records the starting time; rate accounting begins here.
func (tc *TimeoutControl) Initialize(now time.Time) {
	tc.mu.Lock()
	tc.lastTick = now
	tc.mu.Unlock()
}

// SetTimeout arms a deadline d from now for reason, replacing any previous
// one.
func (tc *TimeoutControl) SetTimeout(d time.Duration, reason Reason) {
	now := tc.Now()
	tc.mu.Lock()
	tc.deadline = now.Add(d)
	tc.reason = reason
	tc.fired = false
	tc.mu.Unlock()
}

// CancelTimeout disarms the deadline.
func (tc *TimeoutControl) CancelTimeout() {
	tc.mu.Lock()
	tc.deadline = time.Time{}
	tc.reason = None
	tc.mu.Unlock()
}

// TimerReason reports the currently armed reason.
func (tc *TimeoutControl) TimerReason() Reason {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.reason
}

// StartRequestBody begins request body rate tracking. A nil rate disables it.
func (tc *TimeoutControl) StartRequestBody(rate *features.MinDataRate) {
	tc.startReadRate(rate, MinRequestBodyDataRate)
}

// StartConnectionReadRate tracks the aggregate inbound body rate of a
// multiplexed connection. Violations report ReadDataRate.
func (tc *TimeoutControl) StartConnectionReadRate(rate *features.MinDataRate) {
	tc.startReadRate(rate, ReadDataRate)
}

func (tc *TimeoutControl) startReadRate(rate *features.MinDataRate, reason Reason) {
	tc.mu.Lock()
	tc.readRate = rate
	tc.readReason = reason
	tc.readEnabled = rate != nil && rate.BytesPerSecond > 0
	tc.readElapsed = 0
	tc.readBytes = 0
	tc.mu.Unlock()
}

// StopRequestBody ends request body rate tracking.
func (tc *TimeoutControl) StopRequestBody() {
	tc.mu.Lock()
	tc.readEnabled = false
	tc.mu.Unlock()
}

// StartTimingRead marks that a body read is pending. Time only counts
// against the client while the application is waiting for data.
func (tc *TimeoutControl) StartTimingRead() {
	tc.mu.Lock()
	tc.awaitingReads++
	tc.mu.Unlock()
}

// StopTimingRead marks the end of a pending read.
func (tc *TimeoutControl) StopTimingRead() {
	tc.mu.Lock()
	if tc.awaitingReads > 0 {
		tc.awaitingReads--
	}
	tc.mu.Unlock()
}

// BytesRead credits n body bytes received.
func (tc *TimeoutControl) BytesRead(n int) {
	tc.mu.Lock()
	tc.readBytes += int64(n)
	tc.mu.Unlock()
}

// BytesWrittenToBuffer extends the write deadline by the time count bytes
// should take at rate, but never by less than the grace period.
func (tc *TimeoutControl) BytesWrittenToBuffer(rate *features.MinDataRate, count int) {
	if rate == nil || rate.BytesPerSecond <= 0 {
		return
	}
	now := tc.Now()
	need := time.Duration(float64(count) / rate.BytesPerSecond * float64(time.Second))
	if need < rate.GracePeriod {
		need = rate.GracePeriod
	}
	tc.mu.Lock()
	if tc.awaitingWrites == 0 || tc.writeDeadline.Before(now) {
		tc.writeDeadline = now
	}
	tc.writeDeadline = tc.writeDeadline.Add(need)
	tc.mu.Unlock()
}

// StartTimingWrite marks a flush in progress.
func (tc *TimeoutControl) StartTimingWrite() {
	tc.mu.Lock()
	tc.awaitingWrites++
	tc.mu.Unlock()
}

// StopTimingWrite marks a flush complete.
func (tc *TimeoutControl) StopTimingWrite() {
	tc.mu.Lock()
	if tc.awaitingWrites > 0 {
		tc.awaitingWrites--
	}
	tc.mu.Unlock()
}

// OnHeartbeat implements Handler.
func (tc *TimeoutControl) OnHeartbeat(now time.Time) {
	reason := tc.check(now)
	if reason != None {
		tc.handler.OnTimeout(reason)
	}
}

func (tc *TimeoutControl) check(now time.Time) Reason {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	delta := time.Duration(0)
	if !tc.lastTick.IsZero() && now.After(tc.lastTick) {
		delta = now.Sub(tc.lastTick)
	}
	tc.lastTick = now

	if tc.fired {
		return None
	}

	if !tc.deadline.IsZero() && now.After(tc.deadline) {
		tc.fired = true
		return tc.reason
	}

	if tc.readEnabled && tc.awaitingReads > 0 {
		tc.readElapsed += delta
		if tc.readElapsed > tc.readRate.GracePeriod {
			want := tc.readRate.BytesPerSecond * tc.readElapsed.Seconds()
			if float64(tc.readBytes) < want {
				tc.fired = true
				return tc.readReason
			}
		}
	}

	if tc.awaitingWrites > 0 && !tc.writeDeadline.IsZero() && now.After(tc.writeDeadline) {
		tc.fired = true
		return MinResponseDataRate
	}
	return None
}
