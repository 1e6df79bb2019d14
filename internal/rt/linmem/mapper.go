package linmem

import (
	"sort"
	"sync"
)

// Mapper emulates virtual memory reservation on top of a linear memory
// which can only grow.
//
// Reserve hands out zero-filled blocks aligned to at least PageSize, growing
// the memory when no released block fits. Release returns a whole block;
// partial unmapping is not supported and callers must pass the address that
// Reserve returned. Commit, Decommit and Reset follow the semantics of an
// allocator without page protection: commit always succeeds, decommit only
// zero-fills, reset is refused.
//
// Thread Safety: All methods are safe for concurrent use.
type Mapper struct {
	mu     sync.Mutex
	mem    Memory
	next   uint64          // Bump pointer for never-used memory.
	blocks map[Addr]uint32 // Live reservations: base → size.
	free   []span          // Released ranges, sorted by base, coalesced.

	reserved uint64
}

type span struct {
	base uint64
	size uint64
}

// NewMapper creates a mapper over mem. The first page is never handed out,
// so that low addresses (including null) stay unmapped.
func NewMapper(mem Memory) *Mapper {
	return &Mapper{
		mem:    mem,
		next:   PageSize,
		blocks: make(map[Addr]uint32),
	}
}

// Memory returns the underlying linear memory.
func (m *Mapper) Memory() Memory {
	return m.mem
}

// Reserve returns a zero-filled block of size bytes aligned to align, or 0
// if the memory cannot grow enough. Alignments below PageSize are raised to
// PageSize.
func (m *Mapper) Reserve(size, align uint32) Addr {
	if size == 0 {
		return 0
	}
	if align < PageSize {
		align = PageSize
	}
	if align&(align-1) != 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	base, ok := m.takeFree(uint64(size), uint64(align))
	if !ok {
		base, ok = m.bump(uint64(size), uint64(align))
		if !ok {
			return 0
		}
	}

	a := Addr(base) //nolint:gosec // base+size fits in memory
	Zero(m.mem, a, size)
	m.blocks[a] = size
	m.reserved += uint64(size)
	return a
}

// ReserveAndCommitLargePages reserves a page-aligned block. Linear memory
// has no large pages, so this is a plain reservation.
func (m *Mapper) ReserveAndCommitLargePages(size uint32) Addr {
	a := m.Reserve(size, PageSize)
	if a != 0 && !m.Commit(a, size) {
		m.Release(a, size)
		return 0
	}
	return a
}

// Release frees the whole block starting at addr. The size argument is
// ignored. It reports false if addr is not the start of a live block.
func (m *Mapper) Release(addr Addr, _ uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	size, ok := m.blocks[addr]
	if !ok {
		return false
	}
	delete(m.blocks, addr)
	m.reserved -= uint64(size)
	m.insertFree(span{base: uint64(addr), size: uint64(size)})
	return true
}

// Commit always succeeds: reserved memory is always accessible.
func (m *Mapper) Commit(Addr, uint32) bool {
	return true
}

// Decommit zero-fills the range; the memory stays accessible.
func (m *Mapper) Decommit(addr Addr, size uint32) bool {
	return m.mem.Write(uint32(addr), make([]byte, size))
}

// Reset is not supported and always reports false.
func (m *Mapper) Reset(Addr, uint32, bool) bool {
	return false
}

// BlockSize returns the size of the live block starting at addr.
func (m *Mapper) BlockSize(addr Addr) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	size, ok := m.blocks[addr]
	return size, ok
}

// MapperStats describes mapper usage.
type MapperStats struct {
	Blocks        int    // Live reservations.
	ReservedBytes uint64 // Bytes in live reservations.
	FreeBytes     uint64 // Bytes released and available for reuse.
	HighWater     uint64 // End of the highest range ever reserved.
}

// Stats returns current usage.
func (m *Mapper) Stats() MapperStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := MapperStats{
		Blocks:        len(m.blocks),
		ReservedBytes: m.reserved,
		HighWater:     m.next,
	}
	for _, f := range m.free {
		s.FreeBytes += f.size
	}
	return s
}

// takeFree carves an aligned range out of the first released span that
// fits. Leftovers on either side stay free.
func (m *Mapper) takeFree(size, align uint64) (uint64, bool) {
	for i, f := range m.free {
		base := AlignUp(f.base, align)
		if base+size > f.base+f.size {
			continue
		}

		m.free = append(m.free[:i], m.free[i+1:]...)
		if base > f.base {
			m.insertFree(span{base: f.base, size: base - f.base})
		}
		if end := base + size; end < f.base+f.size {
			m.insertFree(span{base: end, size: f.base + f.size - end})
		}
		return base, true
	}
	return 0, false
}

func (m *Mapper) bump(size, align uint64) (uint64, bool) {
	base := AlignUp(m.next, align)
	end := base + size
	if end > uint64(MaxPages)*PageSize {
		return 0, false
	}

	if have := uint64(m.mem.Size()); end > have {
		delta := (AlignUp(end, PageSize) - have) / PageSize
		if _, ok := m.mem.Grow(uint32(delta)); !ok { //nolint:gosec // bounded by MaxPages
			return 0, false
		}
	}

	if base > m.next {
		// Alignment gap is usable by later, smaller reservations.
		m.insertFree(span{base: m.next, size: base - m.next})
	}
	m.next = end
	return base, true
}

// insertFree adds s to the sorted free list, merging adjacent spans.
func (m *Mapper) insertFree(s span) {
	i := sort.Search(len(m.free), func(i int) bool { return m.free[i].base >= s.base })
	m.free = append(m.free, span{})
	copy(m.free[i+1:], m.free[i:])
	m.free[i] = s

	if i+1 < len(m.free) && m.free[i].base+m.free[i].size == m.free[i+1].base {
		m.free[i].size += m.free[i+1].size
		m.free = append(m.free[:i+1], m.free[i+2:]...)
	}
	if i > 0 && m.free[i-1].base+m.free[i-1].size == m.free[i].base {
		m.free[i-1].size += m.free[i].size
		m.free = append(m.free[:i], m.free[i+1:]...)
	}
}
