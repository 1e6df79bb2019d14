// Package heap implements the object allocator used by generated code.
//
// Each worker owns an AllocContext, a [Ptr, Limit) window carved out of the
// heap. NewObject and NewArray bump Ptr without locking when the request fits
// (the fast path). Everything else goes through the slow path: the caller's
// shadow stack top is published first so that a collection triggered by the
// allocation sees every live root, then the window is refilled from the heap
// under a lock.
//
// Allocation failures are not Go errors. A failed allocation raises the
// worker's exception signal (out of memory, or overflow for impossible
// array sizes) and returns 0; generated code observes the signal at its next
// checkpoint.
package heap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kolkov/shadowrt/internal/rt/exception"
	"github.com/kolkov/shadowrt/internal/rt/fatal"
	"github.com/kolkov/shadowrt/internal/rt/linmem"
	"github.com/kolkov/shadowrt/internal/rt/shadowstack"
	"github.com/kolkov/shadowrt/internal/rt/typedesc"
)

const (
	// DefaultQuantum is the size of an allocation window refill.
	DefaultQuantum = 8 << 10

	// MaxFastArrayLength is the largest element count served by the fast
	// path. Longer arrays always take the slow path.
	MaxFastArrayLength = 0x10000
)

// AllocContext is the per-worker bump allocation window.
type AllocContext struct {
	Ptr   linmem.Addr
	Limit linmem.Addr
}

// Available returns the bytes left in the window.
func (c *AllocContext) Available() uint32 {
	return uint32(c.Limit - c.Ptr)
}

// Mutator is the allocating worker as seen by the heap.
type Mutator interface {
	AllocContext() *AllocContext
	Signal() *exception.Signal
	Region() *shadowstack.Region
}

// CollectHook is called when the heap is exhausted, before the allocation
// is retried once. It returns false when retrying is pointless.
type CollectHook func(need uint32) bool

// Reserver hands out zero-filled blocks of linear memory.
type Reserver interface {
	Reserve(size, align uint32) linmem.Addr
}

// Heap is the collector-managed range of linear memory.
//
// Thread Safety: Fast-path allocation touches only the caller's
// AllocContext. Refills and the finalization queue are guarded by mu.
type Heap struct {
	mem     linmem.Memory
	types   *typedesc.Registry
	lo, hi  linmem.Addr
	quantum uint32

	mu          sync.Mutex
	next        linmem.Addr
	hook        CollectHook
	finalizable []linmem.Addr

	objects   atomic.Uint64
	arrays    atomic.Uint64
	bytes     atomic.Uint64
	slowPaths atomic.Uint64
	refills   atomic.Uint64
	failures  atomic.Uint64
}

// New reserves size bytes from mapper for the heap. A zero quantum selects
// DefaultQuantum.
func New(mapper Reserver, mem linmem.Memory, types *typedesc.Registry, size, quantum uint32) (*Heap, error) {
	if quantum == 0 {
		quantum = DefaultQuantum
	}
	quantum = uint32(linmem.AlignUp(uint64(quantum), linmem.SlotSize))
	if size < quantum {
		return nil, fmt.Errorf("heap size %d smaller than allocation quantum %d", size, quantum)
	}

	lo := mapper.Reserve(size, linmem.PageSize)
	if lo == 0 {
		return nil, fmt.Errorf("cannot reserve %d byte heap", size)
	}

	return &Heap{
		mem:     mem,
		types:   types,
		lo:      lo,
		hi:      lo + linmem.Addr(size),
		quantum: quantum,
		next:    lo,
	}, nil
}

// Range returns the heap bounds [lo, hi).
func (h *Heap) Range() (lo, hi linmem.Addr) {
	return h.lo, h.hi
}

// Contains reports whether a lies within the heap.
func (h *Heap) Contains(a linmem.Addr) bool {
	return a >= h.lo && a < h.hi
}

// Types returns the type registry consulted by the allocator.
func (h *Heap) Types() *typedesc.Registry {
	return h.types
}

// SetCollectHook installs the exhaustion hook and returns the previous one.
func (h *Heap) SetCollectHook(hook CollectHook) CollectHook {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.hook
	h.hook = hook
	return prev
}

// NewObject allocates an instance of a non-array type. shadowTop is the
// caller's current shadow stack top, published on the slow path.
func (h *Heap) NewObject(m Mutator, shadowTop linmem.Addr, id typedesc.ID) linmem.Addr {
	d := h.types.Lookup(id)
	if d == nil || d.IsArray() {
		fatal.Failf(fatal.KindUnknownType, "object allocation of type %d", id)
	}

	size, _ := d.Size(0)
	if !d.Finalizable {
		if obj := h.bump(m.AllocContext(), size); obj != 0 {
			h.initObject(obj, id)
			h.objects.Add(1)
			h.bytes.Add(uint64(size))
			return obj
		}
	}

	obj := h.slow(m, shadowTop, size)
	if obj == 0 {
		return 0
	}
	h.initObject(obj, id)
	if d.Finalizable {
		h.enqueueFinalizer(obj)
	}
	h.objects.Add(1)
	h.bytes.Add(uint64(size))
	return obj
}

// NewArray allocates an array of n elements. A negative n or a size that
// does not fit in linear memory raises an overflow.
func (h *Heap) NewArray(m Mutator, shadowTop linmem.Addr, id typedesc.ID, n int32) linmem.Addr {
	d := h.types.Lookup(id)
	if d == nil || !d.IsArray() {
		fatal.Failf(fatal.KindUnknownType, "array allocation of type %d", id)
	}

	if n < 0 {
		m.Signal().Raise(exception.ReasonOverflow)
		return 0
	}
	size, ok := d.Size(uint32(n))
	if !ok {
		m.Signal().Raise(exception.ReasonOverflow)
		return 0
	}

	var obj linmem.Addr
	if n <= MaxFastArrayLength && !d.Finalizable {
		obj = h.bump(m.AllocContext(), size)
	}
	if obj == 0 {
		if obj = h.slow(m, shadowTop, size); obj == 0 {
			return 0
		}
		if d.Finalizable {
			h.enqueueFinalizer(obj)
		}
	}

	h.initObject(obj, id)
	linmem.Store(h.mem, obj+typedesc.LengthOffset, linmem.Addr(n))
	h.arrays.Add(1)
	h.bytes.Add(uint64(size))
	return obj
}

// TypeOf returns the type stored in the header of obj.
func (h *Heap) TypeOf(obj linmem.Addr) typedesc.ID {
	return typedesc.ID(linmem.Load(h.mem, obj))
}

// Length returns the element count of an array.
func (h *Heap) Length(obj linmem.Addr) int32 {
	return int32(linmem.Load(h.mem, obj+typedesc.LengthOffset)) //nolint:gosec
}

// DrainFinalizable returns and clears the queue of finalizable objects.
func (h *Heap) DrainFinalizable() []linmem.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := h.finalizable
	h.finalizable = nil
	return out
}

// Retire abandons the remainder of a worker's window.
func (h *Heap) Retire(c *AllocContext) {
	c.Ptr, c.Limit = 0, 0
}

func (h *Heap) bump(c *AllocContext, size uint32) linmem.Addr {
	if uint64(c.Ptr)+uint64(size) > uint64(c.Limit) {
		return 0
	}
	obj := c.Ptr
	c.Ptr += linmem.Addr(size)
	return obj
}

func (h *Heap) initObject(obj linmem.Addr, id typedesc.ID) {
	linmem.Store(h.mem, obj, linmem.Addr(id))
}

func (h *Heap) enqueueFinalizer(obj linmem.Addr) {
	h.mu.Lock()
	h.finalizable = append(h.finalizable, obj)
	h.mu.Unlock()
}

// slow publishes the shadow stack top, then serves size bytes either from a
// fresh window (small requests) or directly from the heap (large ones).
// On exhaustion the collect hook runs once outside the lock.
func (h *Heap) slow(m Mutator, shadowTop linmem.Addr, size uint32) linmem.Addr {
	h.slowPaths.Add(1)
	if shadowTop != 0 {
		m.Region().SetTop(shadowTop)
	}

	for attempt := 0; ; attempt++ {
		obj, hook := h.refill(m.AllocContext(), size)
		if obj != 0 {
			return obj
		}
		if attempt > 0 || hook == nil || !hook(size) {
			break
		}
	}

	h.failures.Add(1)
	m.Signal().Raise(exception.ReasonOutOfMemory)
	return 0
}

func (h *Heap) refill(c *AllocContext, size uint32) (linmem.Addr, CollectHook) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if size > h.quantum/2 {
		if obj := h.carve(size); obj != 0 {
			return obj, nil
		}
		return 0, h.hook
	}

	chunk := h.carve(h.quantum)
	if chunk == 0 {
		return 0, h.hook
	}
	h.refills.Add(1)
	c.Ptr, c.Limit = chunk, chunk+linmem.Addr(h.quantum)
	return h.bump(c, size), nil
}

func (h *Heap) carve(n uint32) linmem.Addr {
	if uint64(h.next)+uint64(n) > uint64(h.hi) {
		return 0
	}
	a := h.next
	h.next += linmem.Addr(n)
	return a
}

// Stats summarizes allocator activity.
type Stats struct {
	Size      uint32
	Used      uint32
	Objects   uint64
	Arrays    uint64
	Bytes     uint64
	SlowPaths uint64
	Refills   uint64
	Failures  uint64
	Pending   int // Finalizable objects not yet drained.
}

// Stats returns a snapshot of allocator counters.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	used := uint32(h.next - h.lo)
	pending := len(h.finalizable)
	h.mu.Unlock()

	return Stats{
		Size:      uint32(h.hi - h.lo),
		Used:      used,
		Objects:   h.objects.Load(),
		Arrays:    h.arrays.Load(),
		Bytes:     h.bytes.Load(),
		SlowPaths: h.slowPaths.Load(),
		Refills:   h.refills.Load(),
		Failures:  h.failures.Load(),
		Pending:   pending,
	}
}
