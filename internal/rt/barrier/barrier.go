package barrier

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/kolkov/shadowrt/internal/rt/fatal"
	"github.com/kolkov/shadowrt/internal/rt/linmem"
)

// Barrier performs reference stores into linear memory and records them in
// a card table.
//
// Thread Safety: All entry points are safe for concurrent use by workers.
type Barrier struct {
	mem   linmem.Memory
	cards *CardTable

	// Counters live on their own cache lines: every reference store in
	// every worker touches them.
	_        cpu.CacheLinePad
	stores   atomic.Uint64
	_        cpu.CacheLinePad
	filtered atomic.Uint64
	_        cpu.CacheLinePad
	marks    atomic.Uint64
	_        cpu.CacheLinePad
}

// New creates a barrier storing into mem and marking cards.
func New(mem linmem.Memory, cards *CardTable) *Barrier {
	return &Barrier{mem: mem, cards: cards}
}

// Cards returns the card table.
func (b *Barrier) Cards() *CardTable {
	return b.cards
}

// AssignReference stores ref into the slot at dst and marks the card of dst.
// The destination must lie in the heap; the caller has null-checked dst.
func (b *Barrier) AssignReference(dst, ref linmem.Addr) {
	if !b.cards.Covers(dst) {
		lo, hi := b.cards.Range()
		fatal.Failf(fatal.KindBadBarrierTarget, "unchecked store to %s outside heap [%s, %s)", dst, lo, hi)
	}

	linmem.Store(b.mem, dst, ref)
	b.stores.Add(1)

	if b.cards.Mark(dst) {
		b.marks.Add(1)
	}
}

// CheckedAssignReference stores ref into the slot at dst and marks the card
// of dst only if dst lies in the heap.
func (b *Barrier) CheckedAssignReference(dst, ref linmem.Addr) {
	linmem.Store(b.mem, dst, ref)
	b.stores.Add(1)

	if !b.cards.Covers(dst) {
		b.filtered.Add(1)
		return
	}
	if b.cards.Mark(dst) {
		b.marks.Add(1)
	}
}

// AssignReferenceWithContext is AssignReference for callers passing an
// extra leading context argument, which is ignored.
func (b *Barrier) AssignReferenceWithContext(_ uint32, dst, ref linmem.Addr) {
	b.AssignReference(dst, ref)
}

// CopyReferences moves count reference slots from src to dst and marks
// every heap card in the destination range. Overlapping ranges are allowed.
func (b *Barrier) CopyReferences(dst, src linmem.Addr, count uint32) {
	if count == 0 {
		return
	}
	n := count * linmem.SlotSize

	linmem.Move(b.mem, dst, src, n)
	b.stores.Add(uint64(count))

	if marked := b.cards.MarkRange(dst, n); marked > 0 {
		b.marks.Add(uint64(marked)) //nolint:gosec
	}
}

// Stats describes barrier activity.
type Stats struct {
	Stores   uint64 // Reference slots written.
	Filtered uint64 // Checked stores outside the heap.
	Marks    uint64 // Clean cards turned dirty.
}

// Stats returns the counters.
func (b *Barrier) Stats() Stats {
	return Stats{
		Stores:   b.stores.Load(),
		Filtered: b.filtered.Load(),
		Marks:    b.marks.Load(),
	}
}
