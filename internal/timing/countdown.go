// Package timing drives the single per-question countdown for the session.
package timing

import (
	"sync"
	"time"
)

// Kind distinguishes which phase the active countdown belongs to.
type Kind string

const (
	KindPreparation Kind = "preparation"
	KindSpeaking    Kind = "speaking"
)

// Signal is one tick or expiry emitted by the engine.
type Signal struct {
	Kind      Kind
	Remaining int
	Total     int
	Expired   bool
}

// Snapshot is the externally visible countdown state.
type Snapshot struct {
	Active    bool
	Kind      Kind
	Remaining int
	Total     int
}

// Engine owns at most one armed countdown at a time. Arming replaces any
// previous countdown; expiry for a given arm is emitted at most once, and
// never after a Disarm.
type Engine struct {
	interval time.Duration
	signals  chan Signal

	mu        sync.Mutex
	active    bool
	kind      Kind
	remaining int
	total     int
	cancel    chan struct{}
	expired   bool
}

// NewEngine builds an engine ticking at the given cadence. The cadence is
// fixed per engine so rendering speed never affects countdown accuracy.
func NewEngine(interval time.Duration) *Engine {
	if interval <= 0 {
		interval = time.Second
	}
	return &Engine{
		interval: interval,
		signals:  make(chan Signal, 32),
	}
}

// Signals returns the tick/expiry stream consumed by the session controller.
func (e *Engine) Signals() <-chan Signal {
	return e.signals
}

// Snapshot returns the current countdown state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{Active: e.active, Kind: e.kind, Remaining: e.remaining, Total: e.total}
}

// Arm replaces any running countdown with a fresh one of the given kind.
func (e *Engine) Arm(kind Kind, seconds int) {
	e.mu.Lock()
	e.disarmLocked()
	if seconds <= 0 {
		e.mu.Unlock()
		return
	}
	cancel := make(chan struct{})
	e.active = true
	e.kind = kind
	e.remaining = seconds
	e.total = seconds
	e.cancel = cancel
	e.expired = false
	e.mu.Unlock()

	go e.run(kind, seconds, cancel)
}

// Disarm stops the countdown without emitting an expiry signal.
func (e *Engine) Disarm() {
	e.mu.Lock()
	e.expired = true // suppress any in-flight expiry for this arm
	e.disarmLocked()
	e.mu.Unlock()
}

// disarmLocked stops the running goroutine; callers hold e.mu.
func (e *Engine) disarmLocked() {
	if e.cancel != nil {
		close(e.cancel)
		e.cancel = nil
	}
	e.active = false
	e.remaining = 0
}

// run decrements once per interval until zero or cancellation.
func (e *Engine) run(kind Kind, total int, cancel chan struct{}) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	remaining := total
	for {
		select {
		case <-cancel:
			return
		case <-ticker.C:
		}

		remaining--

		e.mu.Lock()
		// A replacement Arm may have superseded this goroutine between the
		// tick and the lock; its state must not be touched.
		select {
		case <-cancel:
			e.mu.Unlock()
			return
		default:
		}
		e.remaining = remaining
		fire := false
		if remaining <= 0 {
			fire = !e.expired
			e.expired = true
			e.disarmLocked()
		}
		e.mu.Unlock()

		e.emit(Signal{Kind: kind, Remaining: remaining, Total: total, Expired: remaining <= 0 && fire})
		if remaining <= 0 {
			return
		}
	}
}

// emit never blocks the ticker goroutine on a slow consumer.
func (e *Engine) emit(sig Signal) {
	select {
	case e.signals <- sig:
	default:
	}
}
