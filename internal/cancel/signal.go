package cancel

import (
	"sync/atomic"
)

// Reason explains why a stop was requested.
type Reason uint32

// Stop reasons. The zero value means no stop has been requested.
const (
	ReasonUserRequested Reason = iota + 1
	ReasonExternalTerminate
	ReasonExternalInterrupt
	ReasonTimeout
	ReasonParentDied
)

// String returns the wire name of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonUserRequested:
		return "user_cancelled"
	case ReasonExternalTerminate:
		return "sigterm"
	case ReasonExternalInterrupt:
		return "sigint"
	case ReasonTimeout:
		return "timeout"
	case ReasonParentDied:
		return "parent_died"
	default:
		return "unknown"
	}
}

// Signal is a set-once cancellation flag safe for concurrent use.
// The stopped flag and the reason share a single atomic word so they can
// never be observed out of sync.
type Signal struct {
	state atomic.Uint32
	done  chan struct{}
}

// New creates a Signal that has not been stopped.
func New() *Signal {
	return &Signal{done: make(chan struct{})}
}

// RequestStop marks the signal as stopped with the given reason.
// Only the first call has any effect; it reports whether this call won.
func (s *Signal) RequestStop(reason Reason) bool {
	if reason == 0 {
		reason = ReasonUserRequested
	}
	if !s.state.CompareAndSwap(0, uint32(reason)) {
		return false
	}
	close(s.done)
	return true
}

// IsStopped reports whether a stop has been requested.
func (s *Signal) IsStopped() bool {
	return s.state.Load() != 0
}

// Reason returns the first reason supplied to RequestStop.
func (s *Signal) Reason() (Reason, bool) {
	r := Reason(s.state.Load())
	return r, r != 0
}

// Done returns a channel that is closed once a stop has been requested.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}
