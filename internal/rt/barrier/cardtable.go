package barrier

import (
	"math/bits"
	"sync/atomic"

	"github.com/kolkov/shadowrt/internal/rt/linmem"
)

// DefaultCardShift selects 512-byte cards.
const DefaultCardShift = 9

// CardTable records dirty cards of the heap range [lo, hi).
//
// Thread Safety: Mark and IsDirty are lock-free and safe for concurrent use.
// Clear must run at a safepoint.
type CardTable struct {
	lo, hi linmem.Addr
	shift  uint
	cards  int
	words  []atomic.Uint32
}

// NewCardTable covers [lo, hi) with cards of 1<<shift bytes.
// A zero shift selects DefaultCardShift.
func NewCardTable(lo, hi linmem.Addr, shift uint) *CardTable {
	if shift == 0 {
		shift = DefaultCardShift
	}
	if hi < lo {
		hi = lo
	}

	size := uint64(hi - lo)
	cards := int((size + (1 << shift) - 1) >> shift) //nolint:gosec // at most 2^32 / card size

	return &CardTable{
		lo:    lo,
		hi:    hi,
		shift: shift,
		cards: cards,
		words: make([]atomic.Uint32, (cards+31)/32),
	}
}

// Range returns the covered heap range.
func (c *CardTable) Range() (lo, hi linmem.Addr) {
	return c.lo, c.hi
}

// Covers reports whether a lies in the heap range.
func (c *CardTable) Covers(a linmem.Addr) bool {
	return a >= c.lo && a < c.hi
}

// Len returns the number of cards.
func (c *CardTable) Len() int {
	return c.cards
}

// CardSize returns the card size in bytes.
func (c *CardTable) CardSize() uint32 {
	return 1 << c.shift
}

// CardOf returns the card index of a, which must be covered.
func (c *CardTable) CardOf(a linmem.Addr) int {
	return int(uint32(a-c.lo) >> c.shift)
}

// CardRange returns the address range of card i, clipped to the heap.
func (c *CardTable) CardRange(i int) (lo, hi linmem.Addr) {
	lo = c.lo + linmem.Addr(uint32(i)<<c.shift) //nolint:gosec
	end := uint64(lo) + uint64(c.CardSize())
	if end > uint64(c.hi) {
		end = uint64(c.hi)
	}
	return lo, linmem.Addr(end) //nolint:gosec
}

// Mark sets the card of a, which must be covered. It reports whether the
// card was clean before.
func (c *CardTable) Mark(a linmem.Addr) bool {
	i := c.CardOf(a)
	bit := uint32(1) << (i & 31)
	old := c.words[i>>5].Or(bit)
	return old&bit == 0
}

// MarkRange sets every card overlapping [a, a+n) ∩ [lo, hi).
func (c *CardTable) MarkRange(a linmem.Addr, n uint32) int {
	if n == 0 {
		return 0
	}
	start := uint64(a)
	end := start + uint64(n)
	if start < uint64(c.lo) {
		start = uint64(c.lo)
	}
	if end > uint64(c.hi) {
		end = uint64(c.hi)
	}
	if start >= end {
		return 0
	}

	marked := 0
	first := c.CardOf(linmem.Addr(start)) //nolint:gosec
	last := c.CardOf(linmem.Addr(end - 1)) //nolint:gosec
	for i := first; i <= last; i++ {
		lo, _ := c.CardRange(i)
		if c.Mark(lo) {
			marked++
		}
	}
	return marked
}

// IsDirty reports whether the card of a is marked. Addresses outside the
// heap are never dirty.
func (c *CardTable) IsDirty(a linmem.Addr) bool {
	if !c.Covers(a) {
		return false
	}
	i := c.CardOf(a)
	return c.words[i>>5].Load()&(1<<(i&31)) != 0
}

// ForEachDirty calls fn with every dirty card in ascending order.
func (c *CardTable) ForEachDirty(fn func(card int, lo, hi linmem.Addr)) {
	for w := range c.words {
		word := c.words[w].Load()
		for word != 0 {
			b := bits.TrailingZeros32(word)
			word &^= 1 << b

			card := w<<5 + b
			lo, hi := c.CardRange(card)
			fn(card, lo, hi)
		}
	}
}

// DirtyCards returns the indexes of all dirty cards.
func (c *CardTable) DirtyCards() []int {
	var out []int
	c.ForEachDirty(func(card int, _, _ linmem.Addr) {
		out = append(out, card)
	})
	return out
}

// DirtyCount returns the number of dirty cards.
func (c *CardTable) DirtyCount() int {
	n := 0
	for w := range c.words {
		n += bits.OnesCount32(c.words[w].Load())
	}
	return n
}

// Clear resets all marks.
func (c *CardTable) Clear() {
	for w := range c.words {
		c.words[w].Store(0)
	}
}
