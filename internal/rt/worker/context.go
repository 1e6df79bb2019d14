package worker

import (
	"golang.org/x/sys/cpu"

	"github.com/kolkov/shadowrt/internal/rt/dynstack"
	"github.com/kolkov/shadowrt/internal/rt/exception"
	"github.com/kolkov/shadowrt/internal/rt/heap"
	"github.com/kolkov/shadowrt/internal/rt/linmem"
	"github.com/kolkov/shadowrt/internal/rt/shadowstack"
	"github.com/kolkov/shadowrt/internal/rt/transition"
)

// Context is the runtime state of one worker: its shadow stack, transition
// chain, exception signal, dynamic stack and allocation window.
//
// Thread Safety: Owned by a single goroutine. A collector may read the
// shadow stack and transition chain at a safepoint.
type Context struct {
	id    uint16
	stack *shadowstack.Region
	chain *transition.Chain
	exc   *exception.Signal
	dyn   *dynstack.Allocator

	// alloc is written on every fast-path allocation; keep it off the
	// cache line of neighbouring contexts.
	_     cpu.CacheLinePad
	alloc heap.AllocContext
	_     cpu.CacheLinePad
}

func newContext(id uint16, mapper Reserver, mem linmem.Memory, cfg Config) *Context {
	return &Context{
		id:    id,
		stack: shadowstack.New(mapper, mem, cfg.StackSize, id),
		chain: transition.NewChain(id),
		exc:   exception.NewSignal(id),
		dyn:   dynstack.New(mapper, cfg.DynamicLimit, id),
	}
}

// ID returns the worker id.
func (c *Context) ID() uint16 { return c.id }

// Region returns the shadow stack.
func (c *Context) Region() *shadowstack.Region { return c.stack }

// Chain returns the transition frame chain.
func (c *Context) Chain() *transition.Chain { return c.chain }

// Signal returns the exception signal.
func (c *Context) Signal() *exception.Signal { return c.exc }

// Dynamic returns the dynamic stack allocator.
func (c *Context) Dynamic() *dynstack.Allocator { return c.dyn }

// AllocContext returns the allocation window.
func (c *Context) AllocContext() *heap.AllocContext { return &c.alloc }

// EnterNative records a managed→native call made from ret. The shadow stack
// top is captured before the callee runs, so that everything below it is
// treated as live while native code executes.
func (c *Context) EnterNative(ret transition.ReturnSite, args ...uint64) *transition.Frame {
	top := c.stack.GetOrInitTop()
	return c.chain.Push(top, ret, args)
}

// LeaveNative pops f and restores the shadow stack top captured at entry.
func (c *Context) LeaveNative(f *transition.Frame) {
	c.chain.Pop(f)
	c.stack.SetTop(f.ShadowTop)
}

// CallNative runs fn as a native callee of the managed call site ret.
// A fatal error inside fn leaves the frame open for the report.
func (c *Context) CallNative(ret transition.ReturnSite, fn func(), args ...uint64) {
	f := c.EnterNative(ret, args...)
	fn()
	c.LeaveNative(f)
}

// EnterManaged starts a reverse call from native code into managed code.
func (c *Context) EnterManaged() {
	c.chain.EnterManaged()
}

// LeaveManaged returns from a reverse call.
func (c *Context) LeaveManaged() {
	c.chain.LeaveManaged()
}

// RootLimit returns the upper bound of the live shadow stack. While native
// code runs it is the top captured by the innermost frame; otherwise it is
// the current top.
func (c *Context) RootLimit() linmem.Addr {
	if c.chain.InNative() {
		return c.chain.Current().ShadowTop
	}
	return c.stack.GetTop()
}

// EnumerateRoots calls fn for every non-null reference slot below RootLimit.
func (c *Context) EnumerateRoots(fn func(slot, ref linmem.Addr)) {
	c.stack.Scan(c.RootLimit(), fn)
}

// AllocDynamic returns size bytes of dynamic stack owned by the shadow
// frame whose base is frame, as returned by Reserve.
func (c *Context) AllocDynamic(size uint32, frame linmem.Addr) linmem.Addr {
	return c.dyn.Alloc(size, frame)
}

// ReleaseDynamic frees the dynamic stack of frame and its callees.
func (c *Context) ReleaseDynamic(frame linmem.Addr) {
	c.dyn.Release(frame)
}

// Trace captures the open transition frames into the stack depot.
func (c *Context) Trace() uint64 {
	return c.chain.Trace()
}
