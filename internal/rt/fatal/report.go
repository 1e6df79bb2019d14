// Package fatal implements fail-fast reporting for runtime invariant violations.
//
// Shadow stack exhaustion, unmatched transition frames, and unpaired
// exception throw/release calls indicate a code generation or runtime bug.
// Continuing with an inconsistent shadow stack or frame chain risks silent
// heap corruption, so none of these conditions is returned as an ordinary
// error. FailFast prints a report and hands the *Error to the installed
// handler, which must not return.
//
// The default handler panics with the *Error, so that embedding hosts and
// tests can observe the failure with Recover. Commands install an exiting
// handler with SetHandler.
package fatal

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kolkov/shadowrt/internal/rt/stackdepot"
)

// Kind classifies a fatal runtime error.
type Kind int

const (
	// KindShadowStackAlloc indicates that the shadow stack region of a
	// worker could not be reserved.
	KindShadowStackAlloc Kind = iota + 1
	// KindStackOverflow indicates that a shadow stack or dynamic stack
	// cursor left its region.
	KindStackOverflow
	// KindUnmatchedTransition indicates a transition frame pop without
	// the matching push, or out of LIFO order.
	KindUnmatchedTransition
	// KindDoubleThrow indicates a throw while an exception is pending.
	KindDoubleThrow
	// KindUnpairedRelease indicates a release with no pending exception.
	KindUnpairedRelease
	// KindBadBarrierTarget indicates an unchecked write barrier on a
	// destination outside the collector-managed heap.
	KindBadBarrierTarget
	// KindBadAccess indicates a linear memory access out of bounds.
	KindBadAccess
	// KindNativeTrap indicates that a native function trapped.
	KindNativeTrap
	// KindUnknownType indicates an allocation with an unregistered or
	// mismatched type descriptor.
	KindUnknownType
)

// String returns the headline used in reports.
func (k Kind) String() string {
	switch k {
	case KindShadowStackAlloc:
		return "shadow stack allocation failed"
	case KindStackOverflow:
		return "stack overflow"
	case KindUnmatchedTransition:
		return "unmatched transition frame"
	case KindDoubleThrow:
		return "exception thrown while another is pending"
	case KindUnpairedRelease:
		return "exception released with none pending"
	case KindBadBarrierTarget:
		return "write barrier target outside heap"
	case KindBadAccess:
		return "linear memory access out of bounds"
	case KindNativeTrap:
		return "native code trapped"
	case KindUnknownType:
		return "unknown type descriptor"
	default:
		return "unknown fatal error"
	}
}

// NoWorker is used for failures not attributable to a single worker.
const NoWorker = ^uint16(0)

// Error describes a fatal runtime error.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Worker is the id of the worker that failed, or NoWorker.
	Worker uint16

	// Msg carries the details (addresses, frame stamps).
	Msg string

	// Trace is a stackdepot hash of the worker's open transition frames
	// at the time of failure, or 0.
	Trace uint64
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Worker == NoWorker {
		return fmt.Sprintf("fatal: %s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("fatal: %s: worker %d: %s", e.Kind, e.Worker, e.Msg)
}

// Report formats the error as a multi-line report:
//
//	==================
//	FATAL: unmatched transition frame
//	Worker 3: pop of frame 2@3, innermost is 3@3
//
//	Open native transitions (most recent first):
//	  wasm-function[12]:0x4a
//	==================
func (e *Error) Report() string {
	var buf strings.Builder

	buf.WriteString("==================\n")
	fmt.Fprintf(&buf, "FATAL: %s\n", e.Kind)
	if e.Worker == NoWorker {
		fmt.Fprintf(&buf, "%s\n", e.Msg)
	} else {
		fmt.Fprintf(&buf, "Worker %d: %s\n", e.Worker, e.Msg)
	}

	if e.Trace != 0 {
		buf.WriteString("\nOpen native transitions (most recent first):\n")
		buf.WriteString(stackdepot.Get(e.Trace).Format())
	}

	buf.WriteString("==================\n")
	return buf.String()
}

// Handler receives fatal errors. It must not return.
type Handler func(*Error)

var (
	handler atomic.Pointer[Handler]

	outputMu sync.Mutex
	output   io.Writer = os.Stderr

	count atomic.Uint64
)

// SetHandler installs h and returns the previous handler.
// A nil h restores the default (panic) handler.
func SetHandler(h Handler) Handler {
	var prev *Handler
	if h == nil {
		prev = handler.Swap(nil)
	} else {
		prev = handler.Swap(&h)
	}
	if prev == nil {
		return nil
	}
	return *prev
}

// SetOutput redirects reports (os.Stderr by default).
// A nil writer discards them.
func SetOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	outputMu.Lock()
	output = w
	outputMu.Unlock()
}

// Count returns the number of fatal errors reported since startup.
func Count() uint64 {
	return count.Load()
}

// FailFast reports e and invokes the handler. It does not return.
func FailFast(e *Error) {
	count.Add(1)

	slog.Error("fatal runtime error", "kind", e.Kind.String(), "worker", int(e.Worker), "msg", e.Msg)

	outputMu.Lock()
	fmt.Fprint(output, e.Report())
	outputMu.Unlock()

	if h := handler.Load(); h != nil {
		(*h)(e)
	}
	panic(e)
}

// Failf is FailFast for failures not attributable to a single worker.
func Failf(kind Kind, format string, args ...any) {
	FailFast(&Error{Kind: kind, Worker: NoWorker, Msg: fmt.Sprintf(format, args...)})
}

// Workerf is FailFast with a worker id and a transition trace hash.
func Workerf(kind Kind, worker uint16, trace uint64, format string, args ...any) {
	FailFast(&Error{Kind: kind, Worker: worker, Msg: fmt.Sprintf(format, args...), Trace: trace})
}

// Exit is a Handler which terminates the process with status 2.
func Exit(*Error) {
	os.Exit(2)
}

// Recover runs fn and returns the fatal error it raised, if any.
// Panics which do not carry an *Error are propagated.
func Recover(fn func()) (e *Error) {
	defer func() {
		if x := recover(); x != nil {
			err, ok := x.(*Error)
			if !ok {
				panic(x)
			}
			e = err
		}
	}()

	fn()
	return nil
}
