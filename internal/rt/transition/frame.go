// Package transition implements the managed→native transition frame chain.
//
// When managed code calls native code, the worker captures its shadow stack
// top and links a Frame recording it into the chain. A collection running
// while native code executes treats the shadow stack below the captured top
// as the live managed set. The chain is most-recent-first and strictly LIFO:
// popping anything but the innermost frame would corrupt the collector's view
// of live roots, so it is fatal.
//
// Native code may call back into managed code (reverse entry). EnterManaged
// marks the innermost frame as re-entered; nested managed→native calls made
// from there push further frames on top. LeaveManaged must balance before the
// frame itself is popped.
//
// State machine per worker:
//
//	managed ──Push──▶ native ──Pop──▶ managed
//	                  │    ▲
//	       EnterManaged    LeaveManaged
//	                  ▼    │
//	            managed (re-entered)
package transition

import (
	"sync/atomic"

	"github.com/kolkov/shadowrt/internal/rt/fatal"
	"github.com/kolkov/shadowrt/internal/rt/linmem"
	"github.com/kolkov/shadowrt/internal/rt/stackdepot"
	"github.com/kolkov/shadowrt/internal/rt/stamp"
)

// ReturnSite is the return-address equivalent recorded in a frame.
type ReturnSite = stackdepot.Site

// Frame records the state of one managed→native call.
//
// All fields except the re-entry count are immutable once pushed.
type Frame struct {
	// ShadowTop is the shadow stack top captured before the call.
	ShadowTop linmem.Addr

	// Return identifies the managed call site.
	Return ReturnSite

	// Args holds the argument words passed to the native callee.
	Args []uint64

	// Stamp identifies the frame within its worker.
	Stamp stamp.Stamp

	prev      *Frame
	reentries atomic.Int32
}

// Prev returns the next outer frame, or nil.
func (f *Frame) Prev() *Frame {
	return f.prev
}

// Reentered reports whether managed code is running on top of this frame.
func (f *Frame) Reentered() bool {
	return f.reentries.Load() > 0
}

// Chain is the transition frame chain of one worker.
//
// Thread Safety: Mutated only by the owning worker. Walk may be called by a
// collector at a safepoint; the head pointer is published atomically.
type Chain struct {
	worker uint16
	head   atomic.Pointer[Frame]
	depth  atomic.Int32
	seq    uint64
}

// NewChain creates an empty chain for a worker.
func NewChain(worker uint16) *Chain {
	return &Chain{worker: worker}
}

// Worker returns the owning worker id.
func (c *Chain) Worker() uint16 {
	return c.worker
}

// InNative reports whether the worker is executing native code on behalf
// of a managed caller: the innermost frame exists and is not re-entered.
func (c *Chain) InNative() bool {
	f := c.head.Load()
	return f != nil && !f.Reentered()
}

// Current returns the innermost frame, or nil.
func (c *Chain) Current() *Frame {
	return c.head.Load()
}

// Depth returns the number of open frames.
func (c *Chain) Depth() int {
	return int(c.depth.Load())
}

// Push links a new innermost frame. The caller must capture top before the
// native call begins. Pushing while already in native code is fatal.
func (c *Chain) Push(top linmem.Addr, ret ReturnSite, args []uint64) *Frame {
	if c.InNative() {
		c.fail("push of %s while native frame %s is current", ret, c.head.Load().Stamp)
	}

	c.seq++
	f := &Frame{
		ShadowTop: top,
		Return:    ret,
		Args:      args,
		Stamp:     stamp.New(c.worker, c.seq),
		prev:      c.head.Load(),
	}
	c.head.Store(f)
	c.depth.Add(1)
	return f
}

// Pop unlinks f, which must be the innermost frame with no open re-entry.
func (c *Chain) Pop(f *Frame) {
	head := c.head.Load()
	switch {
	case head == nil:
		c.fail("pop of %s from empty chain", stampOf(f))
	case f != head:
		c.fail("pop of %s, innermost is %s", stampOf(f), head.Stamp)
	case head.Reentered():
		c.fail("pop of %s with managed re-entry still open", head.Stamp)
	}

	c.head.Store(head.prev)
	c.depth.Add(-1)
}

// EnterManaged records a reverse (native→managed) call on the innermost
// frame. The worker must be in native code.
func (c *Chain) EnterManaged() {
	f := c.head.Load()
	if f == nil || f.Reentered() {
		c.fail("managed entry while not in native code")
	}
	f.reentries.Add(1)
}

// LeaveManaged returns from a reverse call entered by EnterManaged.
func (c *Chain) LeaveManaged() {
	f := c.head.Load()
	if f == nil || !f.Reentered() {
		c.fail("managed return without matching entry")
	}
	f.reentries.Add(-1)
}

// Walk calls fn for each open frame, most recent first, until fn returns false.
func (c *Chain) Walk(fn func(*Frame) bool) {
	for f := c.head.Load(); f != nil; f = f.prev {
		if !fn(f) {
			return
		}
	}
}

// Frames returns the open frames, most recent first.
func (c *Chain) Frames() []*Frame {
	var out []*Frame
	c.Walk(func(f *Frame) bool {
		out = append(out, f)
		return true
	})
	return out
}

// Sites returns the return sites of the open frames, most recent first.
func (c *Chain) Sites() []ReturnSite {
	var out []ReturnSite
	c.Walk(func(f *Frame) bool {
		out = append(out, f.Return)
		return true
	})
	return out
}

// Trace captures the open frames into the stack depot.
func (c *Chain) Trace() uint64 {
	return stackdepot.Capture(c.Sites())
}

func (c *Chain) fail(format string, args ...any) {
	fatal.Workerf(fatal.KindUnmatchedTransition, c.worker, c.Trace(), format, args...)
}

func stampOf(f *Frame) any {
	if f == nil {
		return "<nil>"
	}
	return f.Stamp
}
