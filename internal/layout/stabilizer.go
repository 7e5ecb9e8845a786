// Package layout debounces and serializes pane layout recomputation.
//
// Pane churn (spawns, kills, reassignments) produces bursts of layout
// requests. A [Stabilizer] collapses a burst into one recompute after a quiet
// period and never runs two recomputes at once; requests that arrive while a
// recompute is running are coalesced into a single trailing run.
package layout

import (
	"context"
	"sync"
	"time"
)

// DefaultDebounce is the quiet period used when New is given zero.
const DefaultDebounce = 150 * time.Millisecond

// State is the stabilizer's position in its lifecycle.
type State int

const (
	// StateIdle means no recompute is scheduled or running.
	StateIdle State = iota
	// StatePending means the debounce timer is armed.
	StatePending
	// StateRunning means a recompute is in flight.
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Stabilizer runs a recompute function at most once at a time, after a
// debounce window. It is safe for concurrent use.
type Stabilizer struct {
	recompute func(ctx context.Context)
	debounce  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	queued   bool
	disposed bool
	timer    *time.Timer
	gen      uint64        // bumped whenever the armed timer is superseded
	runDone  chan struct{} // closed when the in-flight run finishes
	released chan struct{} // closed by Dispose
}

// New creates a Stabilizer. The recompute context is cancelled by Dispose.
func New(recompute func(ctx context.Context), debounce time.Duration) *Stabilizer {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Stabilizer{
		recompute: recompute,
		debounce:  debounce,
		ctx:       ctx,
		cancel:    cancel,
		released:  make(chan struct{}),
	}
}

// State returns the current state.
func (s *Stabilizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RequestLayout asks for a recompute. While one is running the request is
// remembered and served by a single trailing run; otherwise the debounce
// timer is (re)armed.
func (s *Stabilizer) RequestLayout() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return
	}
	if s.state == StateRunning {
		s.queued = true
		return
	}
	s.armLocked()
}

func (s *Stabilizer) armLocked() {
	s.stopTimerLocked()
	s.state = StatePending
	gen := s.gen
	s.timer = time.AfterFunc(s.debounce, func() { s.fire(gen) })
}

func (s *Stabilizer) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *Stabilizer) fire(gen uint64) {
	s.mu.Lock()
	if s.disposed || gen != s.gen || s.state != StatePending {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.beginLocked()
	s.mu.Unlock()

	s.run()
}

func (s *Stabilizer) beginLocked() {
	s.state = StateRunning
	s.runDone = make(chan struct{})
}

func (s *Stabilizer) run() {
	defer func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.state = StateIdle
		close(s.runDone)
		s.runDone = nil
		if s.queued && !s.disposed {
			s.queued = false
			s.armLocked()
		}
	}()
	if s.recompute != nil {
		s.recompute(s.ctx)
	}
}

// Flush settles the layout now: any pending timer is cancelled and the
// recompute runs synchronously, whether or not one was requested. If a
// recompute is in flight, Flush waits for it (and for the trailing run it may
// have queued) rather than starting an overlapping one. Dispose releases a
// waiting Flush.
func (s *Stabilizer) Flush(ctx context.Context) error {
	settled := false
	for {
		s.mu.Lock()
		if s.disposed {
			s.mu.Unlock()
			return nil
		}
		switch {
		case s.state == StateRunning:
			done := s.runDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-s.released:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
			settled = true
		case s.state == StatePending || !settled:
			s.stopTimerLocked()
			s.beginLocked()
			s.mu.Unlock()
			s.run()
			settled = true
		default:
			s.mu.Unlock()
			return nil
		}
	}
}

// Dispose stops the stabilizer: no further recomputes are started, a pending
// timer is cancelled and Flush waiters return. Safe to call multiple times.
func (s *Stabilizer) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	s.queued = false
	s.stopTimerLocked()
	if s.state == StatePending {
		s.state = StateIdle
	}
	close(s.released)
	s.cancel()
}
