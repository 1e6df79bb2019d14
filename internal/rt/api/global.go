package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/kolkov/shadowrt/internal/rt/exception"
	"github.com/kolkov/shadowrt/internal/rt/linmem"
	"github.com/kolkov/shadowrt/internal/rt/typedesc"
	"github.com/kolkov/shadowrt/internal/rt/worker"
)

// Default runtime state.
//
// Init creates the runtime and attaches the main worker; generated-code
// helpers which take no Runtime operate on it. defaultMu serializes Init and
// Fini; the helpers only load the pointers.
var (
	defaultMu  sync.Mutex
	defaultRT  atomic.Pointer[Runtime]
	mainWorker atomic.Pointer[worker.Context]

	// summary receives the Fini report.
	summary io.Writer = os.Stderr
)

// Init creates the default runtime with DefaultConfig. Subsequent calls
// are no-ops until Fini.
func Init() {
	if err := InitWith(DefaultConfig(), slog.Default()); err != nil {
		panic(err)
	}
}

// InitWith creates the default runtime with cfg. It is a no-op if the
// default runtime exists.
func InitWith(cfg Config, log *slog.Logger) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultRT.Load() != nil {
		return nil
	}

	r, err := New(context.Background(), cfg, log)
	if err != nil {
		return err
	}
	w, err := r.AttachWorker()
	if err != nil {
		r.Close(context.Background())
		return err
	}

	mainWorker.Store(w)
	defaultRT.Store(r)
	return nil
}

// Fini prints a summary of the default runtime and discards it.
func Fini() {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	r := defaultRT.Swap(nil)
	if r == nil {
		return
	}
	w := mainWorker.Swap(nil)

	st := r.Stats()

	fmt.Fprintf(summary, "\n")
	fmt.Fprintf(summary, "==================\n")
	fmt.Fprintf(summary, "Shadow Runtime Report\n")
	fmt.Fprintf(summary, "==================\n")
	fmt.Fprintf(summary, "Workers attached: %d\n", st.Workers)
	fmt.Fprintf(summary, "Objects: %d, arrays: %d, bytes: %d (heap %d/%d used)\n",
		st.Heap.Objects, st.Heap.Arrays, st.Heap.Bytes, st.Heap.Used, st.Heap.Size)
	fmt.Fprintf(summary, "Allocation slow paths: %d, failures: %d\n", st.Heap.SlowPaths, st.Heap.Failures)
	fmt.Fprintf(summary, "Barrier stores: %d, filtered: %d, card marks: %d\n",
		st.Barrier.Stores, st.Barrier.Filtered, st.Barrier.Marks)
	fmt.Fprintf(summary, "Collections: %d\n", st.Collections)
	fmt.Fprintf(summary, "Linear memory: %d blocks, %d bytes reserved\n", st.Mapper.Blocks, st.Mapper.ReservedBytes)
	fmt.Fprintf(summary, "==================\n\n")

	if w.Chain().Depth() == 0 {
		r.DetachWorker(w)
	}
	r.Close(context.Background())
}

// Default returns the default runtime, or nil before Init.
func Default() *Runtime {
	return defaultRT.Load()
}

// MainWorker returns the worker attached by Init, or nil.
func MainWorker() *worker.Context {
	return mainWorker.Load()
}

func mustDefault() *Runtime {
	r := Default()
	if r == nil {
		panic("shadowrt: runtime not initialized")
	}
	return r
}

// The functions below are the helpers called by generated code.

// GetShadowStackTop returns w's shadow stack top, reserving the region on
// first use.
func GetShadowStackTop(w *worker.Context) linmem.Addr {
	return w.Region().GetOrInitTop()
}

// SetShadowStackTop moves w's shadow stack top.
func SetShadowStackTop(w *worker.Context, top linmem.Addr) {
	w.Region().SetTop(top)
}

// GetShadowStackBottom returns w's shadow stack bottom.
func GetShadowStackBottom(w *worker.Context) linmem.Addr {
	return w.Region().GetBottom()
}

// AssignRef stores ref at dst, a heap location, and records the store.
func AssignRef(dst, ref linmem.Addr) {
	mustDefault().barrier.AssignReference(dst, ref)
}

// CheckedAssignRef stores ref at dst, which may lie outside the heap.
func CheckedAssignRef(dst, ref linmem.Addr) {
	mustDefault().barrier.CheckedAssignReference(dst, ref)
}

// AssignRefCtx is AssignRef with an unused leading context argument.
func AssignRefCtx(ctx uint32, dst, ref linmem.Addr) {
	mustDefault().barrier.AssignReferenceWithContext(ctx, dst, ref)
}

// ThrowNativeException raises w's exception signal.
func ThrowNativeException(w *worker.Context) {
	w.Signal().ThrowNative()
}

// ReleaseNativeException clears w's exception signal and returns the reason
// it was raised.
func ReleaseNativeException(w *worker.Context) exception.Reason {
	return w.Signal().ReleaseNative()
}

// NewObject allocates from the default runtime.
func NewObject(w *worker.Context, shadowTop linmem.Addr, id typedesc.ID) linmem.Addr {
	return mustDefault().NewObject(w, shadowTop, id)
}

// NewArray allocates from the default runtime.
func NewArray(w *worker.Context, shadowTop linmem.Addr, id typedesc.ID, n int32) linmem.Addr {
	return mustDefault().NewArray(w, shadowTop, id, n)
}

// RegisterType adds a type descriptor to the default runtime.
func RegisterType(d typedesc.Desc) (typedesc.ID, error) {
	return mustDefault().RegisterType(d)
}
