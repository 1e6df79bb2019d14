package dynstack

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/shadowrt/internal/rt/fatal"
	"github.com/kolkov/shadowrt/internal/rt/linmem"
)

func newAllocator(t *testing.T, limit uint64) (*Allocator, *linmem.Mapper) {
	t.Helper()
	mapper := linmem.NewMapper(linmem.NewFlat(1, 1024))
	return New(mapper, limit, 1), mapper
}

func TestAllocAligned(t *testing.T) {
	a, _ := newAllocator(t, 0)

	p1 := a.Alloc(3, 0x1000)
	p2 := a.Alloc(5, 0x1000)
	p3 := a.Alloc(16, 0x1000)

	assert.Zero(t, uint32(p1)%Alignment)
	assert.Equal(t, p1+8, p2)
	assert.Equal(t, p2+8, p3)

	s := a.Stats()
	assert.Equal(t, 1, s.BusyPages)
	assert.Equal(t, uint64(MinPageSize), s.Total)
	assert.Equal(t, uint64(32), s.InUse)
}

// TestSameFrameMerges tests that successive allocations of a frame form one block.
func TestSameFrameMerges(t *testing.T) {
	a, _ := newAllocator(t, 0)

	a.Alloc(8, 0x1000)
	a.Alloc(8, 0x1000)
	a.Alloc(8, 0x1000)
	require.Len(t, a.busy[0].blocks, 1)

	a.Alloc(8, 0x1010)
	assert.Len(t, a.busy[0].blocks, 2)
}

// TestReleaseFrameAndCallees tests that release frees the frame and deeper frames.
func TestReleaseFrameAndCallees(t *testing.T) {
	a, _ := newAllocator(t, 0)

	outer := a.Alloc(8, 0x1000)
	mid := a.Alloc(8, 0x1010)
	a.Alloc(8, 0x1020)
	a.Alloc(8, 0x1020)

	a.Release(0x1010)
	assert.Equal(t, uint64(8), a.Stats().InUse)

	// The next allocation reuses the released space.
	again := a.Alloc(8, 0x1010)
	assert.Equal(t, mid, again)

	a.Release(0x1000)
	assert.Zero(t, a.Stats().InUse)
	assert.Equal(t, outer, a.Alloc(8, 0x1000))
}

func TestReleaseUnknownFrameIsNoop(t *testing.T) {
	a, _ := newAllocator(t, 0)
	a.Release(0x1000) // Nothing allocated yet.

	a.Alloc(8, 0x1000)
	a.Release(0x2000) // Only frames at or above 0x2000 are released.
	assert.Equal(t, uint64(8), a.Stats().InUse)
}

// TestPagesMoveToFreeList tests page recycling across releases.
func TestPagesMoveToFreeList(t *testing.T) {
	a, mapper := newAllocator(t, 0)

	a.Alloc(MinPageSize/2, 0x1000)
	second := a.Alloc(MinPageSize, 0x1010) // Does not fit: new page.
	assert.Equal(t, 2, a.Stats().BusyPages)
	assert.Equal(t, 2, mapper.Stats().Blocks)

	a.Release(0x1010)
	s := a.Stats()
	assert.Equal(t, 1, s.BusyPages)
	assert.Equal(t, 1, s.FreePages)

	// A later overflow of the first page picks the free page up again.
	again := a.Alloc(MinPageSize, 0x1010)
	assert.Equal(t, second, again)
	assert.Equal(t, 2, mapper.Stats().Blocks, "no new reservation")
}

// TestFirstPageStaysBusy tests that releasing everything keeps the first page.
func TestFirstPageStaysBusy(t *testing.T) {
	a, _ := newAllocator(t, 0)

	first := a.Alloc(16, 0x1000)
	a.Alloc(MinPageSize, 0x1010)
	a.Release(0x1000)

	s := a.Stats()
	assert.Equal(t, 1, s.BusyPages)
	assert.Equal(t, 1, s.FreePages)
	assert.Zero(t, s.InUse)
	assert.Equal(t, first, a.Alloc(16, 0x1000))
}

func TestLargeAllocationRoundsPage(t *testing.T) {
	a, _ := newAllocator(t, 0)

	a.Alloc(MinPageSize+1, 0x1000)
	assert.Equal(t, uint64(2*MinPageSize), a.Stats().Total)
}

// TestLimitIsFatal tests the overall cap.
func TestLimitIsFatal(t *testing.T) {
	fatal.SetOutput(io.Discard)
	t.Cleanup(func() { fatal.SetOutput(nil) })

	a, _ := newAllocator(t, 2*MinPageSize)
	a.Alloc(MinPageSize, 0x1000)
	a.Alloc(MinPageSize, 0x1010)

	e := fatal.Recover(func() { a.Alloc(8, 0x1020) })
	require.NotNil(t, e)
	assert.Equal(t, fatal.KindStackOverflow, e.Kind)
	assert.Equal(t, uint16(1), e.Worker)
}

func TestFree(t *testing.T) {
	a, mapper := newAllocator(t, 0)

	a.Alloc(MinPageSize, 0x1000)
	a.Alloc(MinPageSize, 0x1010)
	a.Release(0x1010)
	require.Equal(t, 2, mapper.Stats().Blocks)

	a.Free()
	assert.Zero(t, mapper.Stats().Blocks)
	assert.Equal(t, Stats{}, a.Stats())
}
