// Package rt provides the public API of the shadow-stack runtime.
//
// See doc.go for detailed documentation and examples.
package rt

import (
	"context"
	"log/slog"

	internal "github.com/kolkov/shadowrt/internal/rt/api"
	"github.com/kolkov/shadowrt/internal/rt/exception"
	"github.com/kolkov/shadowrt/internal/rt/linmem"
	"github.com/kolkov/shadowrt/internal/rt/transition"
	"github.com/kolkov/shadowrt/internal/rt/typedesc"
	"github.com/kolkov/shadowrt/internal/rt/worker"
)

type (
	// Addr is an offset into linear memory. 0 is null.
	Addr = linmem.Addr

	// Runtime is one instance of the runtime.
	Runtime = internal.Runtime

	// Config configures a Runtime.
	Config = internal.Config

	// Worker is the per-thread context of generated code.
	Worker = worker.Context

	// TypeID identifies a registered type descriptor.
	TypeID = typedesc.ID

	// TypeDesc describes the layout of a managed type.
	TypeDesc = typedesc.Desc

	// Field is one field of a TypeDesc.
	Field = typedesc.Field

	// Reason tells why an exception signal was raised.
	Reason = exception.Reason

	// ReturnSite identifies the call site of a native transition.
	ReturnSite = transition.ReturnSite
)

// Exception reasons.
const (
	ReasonNone        = exception.ReasonNone
	ReasonManaged     = exception.ReasonManaged
	ReasonOutOfMemory = exception.ReasonOutOfMemory
	ReasonOverflow    = exception.ReasonOverflow
)

// DefaultConfig returns the configuration used by Init.
func DefaultConfig() Config {
	return internal.DefaultConfig()
}

// New creates an explicit runtime, independent of the default one.
// A nil logger discards log output. Close the runtime when done.
func New(cfg Config, log *slog.Logger) (*Runtime, error) {
	return internal.New(context.Background(), cfg, log)
}

// Init creates the default runtime and attaches the main worker.
//
// Generated code calls Init before any other operation:
//
//	func main() {
//		rt.Init()
//		defer rt.Fini()
//		// ... rest of program
//	}
//
// Init is safe to call multiple times (subsequent calls are no-ops).
func Init() {
	internal.Init()
}

// InitWith is Init with an explicit configuration and logger.
func InitWith(cfg Config, log *slog.Logger) error {
	return internal.InitWith(cfg, log)
}

// Fini prints a summary report and discards the default runtime.
//
// The summary includes:
//   - Allocation statistics
//   - Write barrier activity
//   - Collections and linear memory usage
func Fini() {
	internal.Fini()
}

// Default returns the default runtime, or nil before Init.
func Default() *Runtime {
	return internal.Default()
}

// MainWorker returns the worker attached by Init.
func MainWorker() *Worker {
	return internal.MainWorker()
}

// RegisterType adds a type descriptor to the default runtime.
func RegisterType(d TypeDesc) (TypeID, error) {
	return internal.RegisterType(d)
}

// GetShadowStackTop returns the current top of w's shadow stack, reserving
// the stack on first use.
//
// Generated function prologues call it once and keep the result in a local:
//
//	top := rt.GetShadowStackTop(w)
//	rt.SetShadowStackTop(w, top+frameSize)
//	// ... body
//	rt.SetShadowStackTop(w, top)
func GetShadowStackTop(w *Worker) Addr {
	return internal.GetShadowStackTop(w)
}

// SetShadowStackTop moves the top of w's shadow stack. Moving it outside the
// reserved region is a fatal stack overflow.
func SetShadowStackTop(w *Worker, top Addr) {
	internal.SetShadowStackTop(w, top)
}

// GetShadowStackBottom returns the lowest address of w's shadow stack.
func GetShadowStackBottom(w *Worker) Addr {
	return internal.GetShadowStackBottom(w)
}

// AssignRef stores ref into the heap slot at dst and marks its card.
//
//	// Original code:
//	node.next = other
//
//	// Generated code:
//	rt.AssignRef(node+nextOffset, other)
func AssignRef(dst, ref Addr) {
	internal.AssignRef(dst, ref)
}

// CheckedAssignRef is AssignRef for destinations which may lie outside the
// heap, such as shadow stack slots or static data.
func CheckedAssignRef(dst, ref Addr) {
	internal.CheckedAssignRef(dst, ref)
}

// AssignRefCtx is AssignRef for call sites passing a leading context
// argument, which is ignored.
func AssignRefCtx(ctx uint32, dst, ref Addr) {
	internal.AssignRefCtx(ctx, dst, ref)
}

// ThrowNativeException raises w's exception signal. Native code calls it
// when a managed exception must propagate through it.
func ThrowNativeException(w *Worker) {
	internal.ThrowNativeException(w)
}

// ReleaseNativeException clears w's exception signal at the catch point
// and returns the reason it was raised.
func ReleaseNativeException(w *Worker) Reason {
	return internal.ReleaseNativeException(w)
}

// NewObject allocates an instance of type id. It returns 0 with w's
// exception signal raised when the heap is exhausted.
func NewObject(w *Worker, shadowTop Addr, id TypeID) Addr {
	return internal.NewObject(w, shadowTop, id)
}

// NewArray allocates an array of n elements of type id. It returns 0 with
// w's exception signal raised when the heap is exhausted or n is negative.
func NewArray(w *Worker, shadowTop Addr, id TypeID, n int32) Addr {
	return internal.NewArray(w, shadowTop, id, n)
}
