// Package dynstack implements the dynamic stack allocator used for localloc
// buffers that must stay live in exception handlers and therefore cannot
// live on the native stack.
//
// The allocator is a pointer bump over pages of linear memory. Each
// allocation is tagged with the shadow stack frame that owns it; successive
// allocations of the same frame merge into one block, so releasing a frame
// is O(1) in the common case. Releasing a frame frees every block of that
// frame and of its callees (frames at higher shadow stack addresses, since
// the shadow stack grows upwards).
//
// Pages are at least MinPageSize bytes. Freed pages go to a LIFO free list,
// except the first page which stays busy so the fast path never sees an
// empty allocator twice. The total size is capped to catch runaway
// recursion; exceeding the cap is a fatal stack overflow.
package dynstack

import (
	"github.com/kolkov/shadowrt/internal/rt/fatal"
	"github.com/kolkov/shadowrt/internal/rt/linmem"
)

const (
	// DefaultLimit is the total size cap in bytes.
	DefaultLimit = 10 << 20

	// MinPageSize is the smallest page requested from the mapper.
	MinPageSize = 64 << 10

	// Alignment of every allocation.
	Alignment = 8
)

// Reserver hands out zero-filled blocks of linear memory.
type Reserver interface {
	Reserve(size, align uint32) linmem.Addr
	Release(addr linmem.Addr, size uint32) bool
}

// block is a run of allocations belonging to one shadow frame.
type block struct {
	frame linmem.Addr
	end   linmem.Addr
}

type page struct {
	base   linmem.Addr
	size   uint32
	blocks []block
}

func (p *page) end() linmem.Addr {
	return p.base + linmem.Addr(p.size)
}

// Allocator is the dynamic stack of one worker.
//
// Thread Safety: NOT safe for concurrent use; owned by a single worker.
type Allocator struct {
	mapper Reserver
	owner  uint16
	limit  uint64

	current    linmem.Addr // One past the last allocated byte.
	currentEnd linmem.Addr // One past the end of the current page.
	busy       []*page     // Ordered first to current.
	free       []*page     // LIFO.
	total      uint64      // Bytes of pages obtained from the mapper.
}

// New creates an empty allocator. A zero limit selects DefaultLimit.
func New(mapper Reserver, limit uint64, owner uint16) *Allocator {
	if limit == 0 {
		limit = DefaultLimit
	}
	return &Allocator{
		mapper: mapper,
		owner:  owner,
		limit:  limit,
	}
}

// Alloc returns size bytes owned by the shadow frame at frame. The frame must
// be the same as, or a callee of, the frame of the previous live allocation.
func (a *Allocator) Alloc(size uint32, frame linmem.Addr) linmem.Addr {
	if size == 0 {
		size = 1
	}
	n := linmem.AlignUp(uint64(size), Alignment)

	if len(a.busy) > 0 && uint64(a.current)+n <= uint64(a.currentEnd) {
		p := a.busy[len(a.busy)-1]
		addr := a.current
		a.current += linmem.Addr(n)
		p.addBlock(frame, a.current)
		return addr
	}

	return a.allocPage(n, frame)
}

func (p *page) addBlock(frame, end linmem.Addr) {
	if k := len(p.blocks); k > 0 && p.blocks[k-1].frame == frame {
		p.blocks[k-1].end = end
		return
	}
	p.blocks = append(p.blocks, block{frame: frame, end: end})
}

func (a *Allocator) allocPage(n uint64, frame linmem.Addr) linmem.Addr {
	want := linmem.AlignUp(n, MinPageSize)

	var p *page
	for i := len(a.free) - 1; i >= 0; i-- {
		if uint64(a.free[i].size) >= want {
			p = a.free[i]
			a.free = append(a.free[:i], a.free[i+1:]...)
			break
		}
	}

	if p == nil {
		if a.total+want > a.limit {
			fatal.Workerf(fatal.KindStackOverflow, a.owner, 0,
				"dynamic stack limit %d bytes exceeded", a.limit)
		}
		base := a.mapper.Reserve(uint32(want), Alignment) //nolint:gosec // bounded by limit
		if base == 0 {
			fatal.Workerf(fatal.KindStackOverflow, a.owner, 0,
				"cannot reserve %d bytes of dynamic stack", want)
		}
		a.total += want
		p = &page{base: base, size: uint32(want)} //nolint:gosec
	}

	p.blocks = p.blocks[:0]
	a.busy = append(a.busy, p)

	a.current = p.base + linmem.Addr(n)
	a.currentEnd = p.end()
	p.addBlock(frame, a.current)
	return p.base
}

// Release frees every allocation owned by frame or by its callees.
func (a *Allocator) Release(frame linmem.Addr) {
	if len(a.busy) == 0 {
		return
	}

	for {
		p := a.busy[len(a.busy)-1]

		k := len(p.blocks)
		for k > 0 && p.blocks[k-1].frame >= frame {
			k--
		}
		p.blocks = p.blocks[:k]

		if k > 0 {
			a.current = p.blocks[k-1].end
			a.currentEnd = p.end()
			return
		}

		if len(a.busy) == 1 {
			// Keep the first page busy and empty.
			a.current = p.base
			a.currentEnd = p.end()
			return
		}

		a.busy = a.busy[:len(a.busy)-1]
		a.free = append(a.free, p)
	}
}

// Stats describes allocator usage.
type Stats struct {
	BusyPages int
	FreePages int
	Total     uint64 // Bytes obtained from the mapper.
	InUse     uint64 // Bytes of live allocations.
}

// Stats returns current usage.
func (a *Allocator) Stats() Stats {
	s := Stats{
		BusyPages: len(a.busy),
		FreePages: len(a.free),
		Total:     a.total,
	}
	for i, p := range a.busy {
		if i == len(a.busy)-1 {
			s.InUse += uint64(a.current - p.base)
		} else if k := len(p.blocks); k > 0 {
			s.InUse += uint64(p.blocks[k-1].end - p.base)
		}
	}
	return s
}

// Free returns every page to the mapper.
func (a *Allocator) Free() {
	for _, p := range a.busy {
		a.mapper.Release(p.base, p.size)
	}
	for _, p := range a.free {
		a.mapper.Release(p.base, p.size)
	}
	*a = Allocator{mapper: a.mapper, owner: a.owner, limit: a.limit}
}
