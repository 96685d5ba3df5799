// Package heartbeat drives every periodic per-connection check from a single
// shared ticker.
package heartbeat

import (
	"io"
	"log"
	"sync"
	"time"
)

// DefaultInterval is the tick period when none is configured.
const DefaultInterval = time.Second

// verboseLogging guards per-tick logging.
const verboseLogging = false

// Handler is notified on every tick. Implementations must be comparable,
// typically pointers.
type Handler interface {
	OnHeartbeat(now time.Time)
}

// Heartbeat ticks all registered handlers. Registration is safe while a tick
// is in progress: each tick iterates a snapshot.
type Heartbeat struct {
	interval time.Duration
	logger   *log.Logger

	mu       sync.Mutex
	handlers map[Handler]struct{}
	snapshot []Handler

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a stopped heartbeat.
func New(interval time.Duration, logger *log.Logger) *Heartbeat {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Heartbeat{
		interval: interval,
		logger:   logger,
		handlers: make(map[Handler]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Interval reports the tick period.
func (h *Heartbeat) Interval() time.Duration { return h.interval }

// Start runs the ticker until Stop.
func (h *Heartbeat) Start() {
	go h.run()
}

func (h *Heartbeat) run() {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			h.Tick(now)
		case <-h.stop:
			return
		}
	}
}

// Stop halts the ticker and waits for an in-flight tick to finish. It must
// only be called after Start.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// Register adds handler to the tick set.
func (h *Heartbeat) Register(handler Handler) {
	h.mu.Lock()
	h.handlers[handler] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes handler. A tick already iterating may still call it
// once.
func (h *Heartbeat) Unregister(handler Handler) {
	h.mu.Lock()
	delete(h.handlers, handler)
	h.mu.Unlock()
}

// Len reports the number of registered handlers.
func (h *Heartbeat) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handlers)
}

// Tick notifies every registered handler with now. Exposed so tests can drive
// time explicitly.
func (h *Heartbeat) Tick(now time.Time) {
	h.mu.Lock()
	snap := h.snapshot[:0]
	for handler := range h.handlers {
		snap = append(snap, handler)
	}
	h.snapshot = nil
	h.mu.Unlock()

	start := time.Now()
	for _, handler := range snap {
		h.notify(handler, now)
	}
	if elapsed := time.Since(start); elapsed > h.interval {
		h.logger.Printf("heartbeat took %v, longer than the %v interval", elapsed, h.interval)
	} else if verboseLogging {
		h.logger.Printf("heartbeat ticked %d handlers in %v", len(snap), elapsed)
	}

	clear(snap)
	h.mu.Lock()
	h.snapshot = snap[:0]
	h.mu.Unlock()
}

func (h *Heartbeat) notify(handler Handler, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Printf("heartbeat handler panic: %v", r)
		}
	}()
	handler.OnHeartbeat(now)
}
