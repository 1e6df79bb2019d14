// Package exception emulates hardware exception delivery with a per-worker flag.
//
// The target has no structured exception propagation across native frames.
// Native helpers that fail raise the worker's Signal; generated code polls it
// at the checkpoint after every call that may throw, performs the managed
// unwind, and clears it with ReleaseNative. Raise and release strictly
// alternate: a second raise with one pending, or a release with nothing
// pending, is a fatal pairing error.
package exception

import (
	"sync/atomic"

	"github.com/kolkov/shadowrt/internal/rt/fatal"
)

// State of a Signal.
type State uint32

const (
	// Clear means no exception is pending.
	Clear State = iota
	// Raised means an exception is pending.
	Raised
)

// String returns the state name.
func (s State) String() string {
	if s == Raised {
		return "Raised"
	}
	return "Clear"
}

// Reason records why a signal was raised.
type Reason uint32

const (
	// ReasonNone is the reason of a clear signal.
	ReasonNone Reason = iota
	// ReasonManaged is a managed exception thrown through native code.
	ReasonManaged
	// ReasonOutOfMemory is a failed allocation.
	ReasonOutOfMemory
	// ReasonOverflow is an arithmetic overflow in an allocation size.
	ReasonOverflow
)

// String returns the reason name.
func (r Reason) String() string {
	switch r {
	case ReasonManaged:
		return "managed"
	case ReasonOutOfMemory:
		return "out of memory"
	case ReasonOverflow:
		return "overflow"
	default:
		return "none"
	}
}

// Signal is the exception flag of one worker.
//
// Thread Safety: Raised may be polled from any goroutine. Raise and release
// are performed by the owning worker only.
type Signal struct {
	worker uint16
	state  atomic.Uint32
	reason atomic.Uint32
	raises atomic.Uint64
}

// NewSignal returns a clear signal for a worker.
func NewSignal(worker uint16) *Signal {
	return &Signal{worker: worker}
}

// ThrowNative raises the signal for a managed exception: Clear → Raised.
func (s *Signal) ThrowNative() {
	s.Raise(ReasonManaged)
}

// Raise moves Clear → Raised with a reason. Raising while Raised is fatal.
func (s *Signal) Raise(reason Reason) {
	if !s.state.CompareAndSwap(uint32(Clear), uint32(Raised)) {
		fatal.Workerf(fatal.KindDoubleThrow, s.worker, 0, "raise (%s) while %s exception is pending",
			reason, Reason(s.reason.Load()))
	}
	s.reason.Store(uint32(reason))
	s.raises.Add(1)
}

// ReleaseNative moves Raised → Clear and returns the reason of the raise.
// Releasing a clear signal is fatal.
func (s *Signal) ReleaseNative() Reason {
	reason := Reason(s.reason.Load())
	if !s.state.CompareAndSwap(uint32(Raised), uint32(Clear)) {
		fatal.Workerf(fatal.KindUnpairedRelease, s.worker, 0, "release with no exception pending")
	}
	s.reason.Store(uint32(ReasonNone))
	return reason
}

// Raised reports whether an exception is pending. This is the checkpoint poll.
func (s *Signal) Raised() bool {
	return State(s.state.Load()) == Raised
}

// State returns the current state.
func (s *Signal) State() State {
	return State(s.state.Load())
}

// Reason returns the reason of the pending exception, or ReasonNone.
func (s *Signal) Reason() Reason {
	return Reason(s.reason.Load())
}

// Raises returns the number of raises since creation.
func (s *Signal) Raises() uint64 {
	return s.raises.Load()
}
