package shadowstack

import (
	"sync/atomic"

	"github.com/kolkov/shadowrt/internal/rt/fatal"
	"github.com/kolkov/shadowrt/internal/rt/linmem"
)

// DefaultCapacity is the size of a shadow stack region in bytes.
const DefaultCapacity = 1 << 20

// Reserver hands out zero-filled blocks of linear memory.
// *linmem.Mapper implements it.
type Reserver interface {
	Reserve(size, align uint32) linmem.Addr
	Release(addr linmem.Addr, size uint32) bool
}

// Region is the shadow stack of one worker.
//
// Invariant: bottom <= top <= bottom+capacity once initialized.
type Region struct {
	mapper   Reserver
	mem      linmem.Memory
	owner    uint16
	capacity uint32

	bottom atomic.Uint32
	top    atomic.Uint32
}

// New creates an uninitialized region. The backing memory is reserved by
// the first GetOrInitTop call. A zero capacity selects DefaultCapacity.
func New(mapper Reserver, mem linmem.Memory, capacity uint32, owner uint16) *Region {
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	capacity &^= linmem.SlotSize - 1

	return &Region{
		mapper:   mapper,
		mem:      mem,
		owner:    owner,
		capacity: capacity,
	}
}

// GetOrInitTop returns the current top. On the first call the backing
// region is reserved and bottom == top. Failure to reserve is fatal: without
// a shadow stack the collector cannot run at all.
func (r *Region) GetOrInitTop() linmem.Addr {
	if top := r.top.Load(); top != 0 {
		return linmem.Addr(top)
	}

	base := r.mapper.Reserve(r.capacity, linmem.SlotSize)
	if base == 0 {
		fatal.Workerf(fatal.KindShadowStackAlloc, r.owner, 0, "cannot reserve %d bytes", r.capacity)
	}

	r.bottom.Store(uint32(base))
	r.top.Store(uint32(base))
	return base
}

// GetTop returns the current top, or 0 before initialization.
func (r *Region) GetTop() linmem.Addr {
	return linmem.Addr(r.top.Load())
}

// SetTop moves the top cursor. Moving it outside [bottom, bottom+capacity]
// is a fatal stack overflow (or underflow).
func (r *Region) SetTop(p linmem.Addr) {
	bottom := r.bottom.Load()
	if bottom == 0 {
		fatal.Workerf(fatal.KindStackOverflow, r.owner, 0, "set top to %s before shadow stack initialization", p)
	}
	if uint32(p) < bottom || uint64(p) > uint64(bottom)+uint64(r.capacity) {
		fatal.Workerf(fatal.KindStackOverflow, r.owner, 0, "shadow stack top %s outside [%s, %s]",
			p, linmem.Addr(bottom), r.Limit())
	}
	r.top.Store(uint32(p))
}

// GetBottom returns the fixed lower bound, or 0 before initialization.
func (r *Region) GetBottom() linmem.Addr {
	return linmem.Addr(r.bottom.Load())
}

// Capacity returns the region size in bytes.
func (r *Region) Capacity() uint32 {
	return r.capacity
}

// Limit returns bottom+capacity, or 0 before initialization.
func (r *Region) Limit() linmem.Addr {
	bottom := r.bottom.Load()
	if bottom == 0 {
		return 0
	}
	return linmem.Addr(bottom + r.capacity)
}

// Initialized reports whether the backing region has been reserved.
func (r *Region) Initialized() bool {
	return r.bottom.Load() != 0
}

// Depth returns the number of slots between bottom and top.
func (r *Region) Depth() int {
	return int(r.top.Load()-r.bottom.Load()) / linmem.SlotSize
}

// Reserve claims n zeroed slots above the top and returns their base.
// This is the prologue half of a frame.
func (r *Region) Reserve(n int) linmem.Addr {
	base := r.GetOrInitTop()
	size := uint64(n) * linmem.SlotSize //nolint:gosec // n is a slot count
	if n < 0 || uint64(base)+size > uint64(r.Limit()) {
		fatal.Workerf(fatal.KindStackOverflow, r.owner, 0, "reserving %d slots at %s exceeds limit %s",
			n, base, r.Limit())
	}

	linmem.Zero(r.mem, base, uint32(size))
	r.SetTop(base + linmem.Addr(size))
	return base
}

// Release restores the top to base. This is the epilogue half of a frame.
func (r *Region) Release(base linmem.Addr) {
	r.SetTop(base)
}

// Slot returns the address of slot i of a frame reserved at base.
func (r *Region) Slot(base linmem.Addr, i int) linmem.Addr {
	return base + linmem.Addr(i*linmem.SlotSize) //nolint:gosec
}

// Push stores ref in a new slot at the top.
func (r *Region) Push(ref linmem.Addr) linmem.Addr {
	slot := r.Reserve(1)
	linmem.Store(r.mem, slot, ref)
	return slot
}

// Pop removes the topmost slot and returns its content.
func (r *Region) Pop() linmem.Addr {
	top := r.GetTop()
	if top == 0 || top == r.GetBottom() {
		fatal.Workerf(fatal.KindStackOverflow, r.owner, 0, "pop of empty shadow stack")
	}
	slot := top - linmem.SlotSize
	ref := linmem.Load(r.mem, slot)
	r.SetTop(slot)
	return ref
}

// Scan calls fn for every non-null slot in [bottom, limit). A limit above
// the top is clamped to the top.
func (r *Region) Scan(limit linmem.Addr, fn func(slot, ref linmem.Addr)) {
	bottom := r.GetBottom()
	if bottom == 0 {
		return
	}
	if top := r.GetTop(); limit > top {
		limit = top
	}

	for slot := bottom; slot < limit; slot += linmem.SlotSize {
		if ref := linmem.Load(r.mem, slot); ref != 0 {
			fn(slot, ref)
		}
	}
}

// Free returns the backing memory to the mapper. The region must not be
// used afterwards.
func (r *Region) Free() {
	bottom := r.bottom.Swap(0)
	r.top.Store(0)
	if bottom != 0 {
		r.mapper.Release(linmem.Addr(bottom), r.capacity)
	}
}
