// Package session implements the capture lifecycle shared by the video and
// audio pipelines.
//
// A Session is a small state machine guarded by a mutex and a condition
// variable:
//
//	Idle --Start--> Capturing --Pause--> Paused --Start--> Capturing
//	  any --End--> Stopped (terminal)
//
// Both pipeline goroutines call Wait at the top of every loop iteration.
// Wait blocks while capture is disabled and returns true once End has been
// called, so shutdown is never starved by a paused session.
package session

import (
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle state of a Session.
type State int

const (
	// StateIdle means the session was created but never started.
	StateIdle State = iota
	// StateCapturing means pipelines pass the gate.
	StateCapturing
	// StatePaused means pipelines block at the gate.
	StatePaused
	// StateStopped is terminal; pipelines exit at the gate.
	StateStopped
)

// String returns a human-readable name of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Session gates the capture pipelines.
//
// Thread-safety: all methods are safe for concurrent use.
type Session struct {
	// notifyMu orders transitions together with their notifications, so
	// listeners observe states in the order they happened.
	notifyMu sync.Mutex

	mu   sync.Mutex
	cond *sync.Cond

	captureEnabled bool
	killRequested  bool // never cleared once set
	started        bool

	epoch     uint64    // incremented on every Paused -> Capturing transition
	resumedAt time.Time // wall time of the last Paused -> Capturing transition

	done chan struct{}

	onChange func(State)
}

// New returns an idle session.
func New() *Session {
	s := &Session{done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// OnStateChange registers fn to be called after every state transition.
// Calls are serialized and arrive in transition order. fn must not block
// and must not call Start, Pause or End.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Start enables capture and wakes every waiting pipeline.
// It is a no-op after End.
func (s *Session) Start() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.killRequested || s.captureEnabled {
		s.mu.Unlock()
		return
	}
	if s.started {
		s.epoch++
		s.resumedAt = time.Now()
	}
	s.started = true
	s.captureEnabled = true
	s.cond.Broadcast()
	state, fn, epoch := s.stateLocked(), s.onChange, s.epoch
	s.mu.Unlock()

	slog.Info("session: capture enabled", "state", state.String(), "epoch", epoch)
	notify(fn, state)
}

// Pause disables capture. Pipelines finish their current iteration and
// block at the next gate check. It is a no-op after End or while not capturing.
func (s *Session) Pause() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.killRequested || !s.captureEnabled {
		s.mu.Unlock()
		return
	}
	s.captureEnabled = false
	state, fn := s.stateLocked(), s.onChange
	s.mu.Unlock()

	slog.Info("session: capture paused")
	notify(fn, state)
}

// End requests termination and wakes every waiting pipeline, including
// pipelines blocked on a paused or never-started session.
// Idempotent.
func (s *Session) End() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.killRequested {
		s.mu.Unlock()
		return
	}
	s.killRequested = true
	close(s.done)
	s.cond.Broadcast()
	fn := s.onChange
	s.mu.Unlock()

	slog.Info("session: end requested")
	notify(fn, StateStopped)
}

// Wait blocks until capture is enabled or End was called. It reports
// whether the caller must exit its loop. End takes precedence over Start.
func (s *Session) Wait() (stop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.captureEnabled && !s.killRequested {
		s.cond.Wait()
	}
	return s.killRequested
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// LastResume returns the resume epoch and the wall time of the last
// Paused -> Capturing transition. The epoch is 0 until the first resume.
func (s *Session) LastResume() (epoch uint64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch, s.resumedAt
}

// Done returns a channel closed by End. Blocking reads select on it so they
// return promptly once the session is over.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) stateLocked() State {
	switch {
	case s.killRequested:
		return StateStopped
	case s.captureEnabled:
		return StateCapturing
	case s.started:
		return StatePaused
	default:
		return StateIdle
	}
}

func notify(fn func(State), state State) {
	if fn != nil {
		fn(state)
	}
}
