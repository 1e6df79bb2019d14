// Package linmem models the 32-bit linear memory of a wasm32 target.
//
// Every managed object, shadow stack slot and native buffer lives in a single
// byte-addressable linear memory. Addresses are 32-bit offsets; address 0 is
// null and never handed out by the Mapper.
//
// Two backends implement Memory: Flat, a Go byte slice, and the exported
// memory of a wazero module instance (see package wasmhost). Both grow in
// 64 KiB pages and never shrink.
package linmem

import (
	"fmt"
	"sync"

	"github.com/kolkov/shadowrt/internal/rt/fatal"
)

// Addr is a linear memory address. Object references are addresses of
// object headers; 0 is null.
type Addr uint32

// String formats the address in hex.
func (a Addr) String() string {
	return fmt.Sprintf("0x%08x", uint32(a))
}

const (
	// PageSize is the wasm page size and the mapping granularity.
	PageSize = 65536

	// MaxPages is the largest page count whose byte size fits in a uint32.
	MaxPages = 65535

	// SlotSize is the size of a pointer or reference slot.
	SlotSize = 4
)

// Memory is the byte-addressable surface of a linear memory.
//
// The method set matches the memory of a wazero module instance, so
// api.Memory satisfies it directly. All multi-byte values are little endian.
// Methods report false on out-of-bounds access instead of panicking.
type Memory interface {
	// Size returns the size in bytes.
	Size() uint32

	// Grow adds deltaPages pages and returns the previous page count.
	Grow(deltaPages uint32) (previousPages uint32, ok bool)

	ReadUint32Le(offset uint32) (uint32, bool)
	WriteUint32Le(offset, v uint32) bool

	// Read returns a view of byteCount bytes. The view may be invalidated
	// by Grow.
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
}

// Flat is a Memory backed by a Go byte slice.
//
// Thread Safety: Accesses from multiple workers are safe. Concurrent writes
// to the same bytes are not ordered with respect to each other.
type Flat struct {
	mu       sync.RWMutex
	buf      []byte
	maxPages uint32
}

// NewFlat allocates initialPages pages which may grow up to maxPages.
func NewFlat(initialPages, maxPages uint32) *Flat {
	if maxPages == 0 || maxPages > MaxPages {
		maxPages = MaxPages
	}
	if initialPages > maxPages {
		initialPages = maxPages
	}
	return &Flat{
		buf:      make([]byte, uint64(initialPages)*PageSize),
		maxPages: maxPages,
	}
}

// Size implements Memory.
func (m *Flat) Size() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint32(len(m.buf)) //nolint:gosec // bounded by MaxPages
}

// Grow implements Memory.
func (m *Flat) Grow(deltaPages uint32) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := uint32(len(m.buf) / PageSize) //nolint:gosec
	if uint64(prev)+uint64(deltaPages) > uint64(m.maxPages) {
		return prev, false
	}
	if deltaPages > 0 {
		m.buf = append(m.buf, make([]byte, uint64(deltaPages)*PageSize)...)
	}
	return prev, true
}

func (m *Flat) inBounds(offset, n uint32) bool {
	return uint64(offset)+uint64(n) <= uint64(len(m.buf))
}

// ReadUint32Le implements Memory.
func (m *Flat) ReadUint32Le(offset uint32) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.inBounds(offset, 4) {
		return 0, false
	}
	b := m.buf[offset : offset+4]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, true
}

// WriteUint32Le implements Memory.
func (m *Flat) WriteUint32Le(offset, v uint32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.inBounds(offset, 4) {
		return false
	}
	b := m.buf[offset : offset+4]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	return true
}

// Read implements Memory.
func (m *Flat) Read(offset, byteCount uint32) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.inBounds(offset, byteCount) {
		return nil, false
	}
	return m.buf[offset : offset+byteCount : offset+byteCount], true
}

// Write implements Memory.
func (m *Flat) Write(offset uint32, v []byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.inBounds(offset, uint32(len(v))) { //nolint:gosec
		return false
	}
	copy(m.buf[offset:], v)
	return true
}

// Load reads the slot at a, failing fast when it is out of bounds.
func Load(m Memory, a Addr) Addr {
	v, ok := m.ReadUint32Le(uint32(a))
	if !ok {
		fatal.Failf(fatal.KindBadAccess, "load of %s (memory size 0x%x)", a, m.Size())
	}
	return Addr(v)
}

// Store writes v to the slot at a, failing fast when it is out of bounds.
func Store(m Memory, a, v Addr) {
	if !m.WriteUint32Le(uint32(a), uint32(v)) {
		fatal.Failf(fatal.KindBadAccess, "store to %s (memory size 0x%x)", a, m.Size())
	}
}

// Zero clears n bytes at a.
func Zero(m Memory, a Addr, n uint32) {
	if n == 0 {
		return
	}
	if !m.Write(uint32(a), make([]byte, n)) {
		fatal.Failf(fatal.KindBadAccess, "zero of %d bytes at %s", n, a)
	}
}

// Move copies n bytes from src to dst. Overlapping ranges behave like memmove.
func Move(m Memory, dst, src Addr, n uint32) {
	if n == 0 || dst == src {
		return
	}
	view, ok := m.Read(uint32(src), n)
	if !ok {
		fatal.Failf(fatal.KindBadAccess, "move of %d bytes from %s", n, src)
	}
	// The view aliases memory, so copy it out before an overlapping write.
	tmp := make([]byte, n)
	copy(tmp, view)
	if !m.Write(uint32(dst), tmp) {
		fatal.Failf(fatal.KindBadAccess, "move of %d bytes to %s", n, dst)
	}
}

// AlignUp rounds v up to a multiple of align, which must be a power of two.
func AlignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
