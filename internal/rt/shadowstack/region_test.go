package shadowstack

import (
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/shadowrt/internal/rt/fatal"
	"github.com/kolkov/shadowrt/internal/rt/linmem"
)

func quiet(t *testing.T) {
	t.Helper()
	fatal.SetOutput(io.Discard)
	t.Cleanup(func() { fatal.SetOutput(nil) })
}

func newRegion(t *testing.T, capacity uint32) (*Region, linmem.Memory) {
	t.Helper()
	mem := linmem.NewFlat(1, 64)
	return New(linmem.NewMapper(mem), mem, capacity, 1), mem
}

// verifyInvariant checks bottom <= top <= bottom+capacity.
func verifyInvariant(t *testing.T, r *Region) {
	t.Helper()
	require.LessOrEqual(t, r.GetBottom(), r.GetTop())
	require.LessOrEqual(t, uint64(r.GetTop()), uint64(r.GetBottom())+uint64(r.Capacity()))
}

// TestLazyInit tests that the region is reserved on first GetOrInitTop.
func TestLazyInit(t *testing.T) {
	r, _ := newRegion(t, 4096)

	assert.False(t, r.Initialized())
	assert.Zero(t, r.GetTop())
	assert.Zero(t, r.GetBottom())
	assert.Zero(t, r.Limit())

	top := r.GetOrInitTop()
	require.NotZero(t, top)
	assert.True(t, r.Initialized())
	assert.Equal(t, top, r.GetBottom())
	assert.Equal(t, top, r.GetTop())
	assert.Equal(t, top+4096, r.Limit())

	assert.Equal(t, top, r.GetOrInitTop(), "second call does not reallocate")
}

func TestDefaultCapacity(t *testing.T) {
	mem := linmem.NewFlat(1, 64)
	r := New(linmem.NewMapper(mem), mem, 0, 1)
	assert.Equal(t, uint32(DefaultCapacity), r.Capacity())
}

// TestAllocationFailureIsFatal tests that an unreservable region aborts.
func TestAllocationFailureIsFatal(t *testing.T) {
	quiet(t)

	mem := linmem.NewFlat(1, 2)
	r := New(linmem.NewMapper(mem), mem, DefaultCapacity, 7)

	e := fatal.Recover(func() { r.GetOrInitTop() })
	require.NotNil(t, e)
	assert.Equal(t, fatal.KindShadowStackAlloc, e.Kind)
	assert.Equal(t, uint16(7), e.Worker)
	assert.False(t, r.Initialized())
}

func TestReserveRelease(t *testing.T) {
	r, mem := newRegion(t, 4096)

	base := r.Reserve(3)
	assert.Equal(t, r.GetBottom(), base)
	assert.Equal(t, base+12, r.GetTop())
	assert.Equal(t, 3, r.Depth())

	linmem.Store(mem, r.Slot(base, 2), 0x5000)
	assert.Equal(t, linmem.Addr(0x5000), linmem.Load(mem, base+8))

	inner := r.Reserve(2)
	assert.Equal(t, base+12, inner)
	r.Release(inner)
	r.Release(base)
	assert.Equal(t, r.GetBottom(), r.GetTop())
}

// TestReserveZeroesSlots tests that a reused frame does not expose stale refs.
func TestReserveZeroesSlots(t *testing.T) {
	r, mem := newRegion(t, 4096)

	base := r.Reserve(2)
	linmem.Store(mem, base, 0xdead)
	r.Release(base)

	again := r.Reserve(2)
	require.Equal(t, base, again)
	assert.Zero(t, linmem.Load(mem, again))
}

func TestPushPop(t *testing.T) {
	r, _ := newRegion(t, 4096)

	r.Push(0x100)
	r.Push(0x200)
	assert.Equal(t, 2, r.Depth())
	assert.Equal(t, linmem.Addr(0x200), r.Pop())
	assert.Equal(t, linmem.Addr(0x100), r.Pop())
	assert.Zero(t, r.Depth())
}

func TestOverflowIsFatal(t *testing.T) {
	quiet(t)

	tests := []struct {
		name string
		fn   func(r *Region)
	}{
		{"reserve past limit", func(r *Region) { r.Reserve(4096/4 + 1) }},
		{"set top past limit", func(r *Region) { r.SetTop(r.Limit() + 4) }},
		{"set top below bottom", func(r *Region) { r.SetTop(r.GetBottom() - 4) }},
		{"pop empty", func(r *Region) { r.Pop() }},
		{"negative reserve", func(r *Region) { r.Reserve(-1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newRegion(t, 4096)
			r.GetOrInitTop()

			e := fatal.Recover(func() { tt.fn(r) })
			require.NotNil(t, e)
			assert.Equal(t, fatal.KindStackOverflow, e.Kind)
			verifyInvariant(t, r)
		})
	}
}

func TestSetTopBeforeInitIsFatal(t *testing.T) {
	quiet(t)

	r, _ := newRegion(t, 4096)
	e := fatal.Recover(func() { r.SetTop(0x10000) })
	require.NotNil(t, e)
	assert.Equal(t, fatal.KindStackOverflow, e.Kind)
}

func TestFillToCapacity(t *testing.T) {
	r, _ := newRegion(t, 64)

	base := r.Reserve(16)
	assert.Equal(t, r.Limit(), r.GetTop())
	r.Release(base)
}

// TestNestingMonotonicity tests that random nested frames keep the invariant
// and a balanced sequence restores the starting top.
func TestNestingMonotonicity(t *testing.T) {
	r, _ := newRegion(t, 1<<16)
	rng := rand.New(rand.NewSource(1))

	start := r.GetOrInitTop()
	var frames []linmem.Addr

	for step := 0; step < 2000; step++ {
		if len(frames) == 0 || (rng.Intn(2) == 0 && len(frames) < 200) {
			frames = append(frames, r.Reserve(rng.Intn(8)))
		} else {
			r.Release(frames[len(frames)-1])
			frames = frames[:len(frames)-1]
		}
		verifyInvariant(t, r)
	}

	for len(frames) > 0 {
		r.Release(frames[len(frames)-1])
		frames = frames[:len(frames)-1]
		verifyInvariant(t, r)
	}
	assert.Equal(t, start, r.GetTop())
}

func TestScan(t *testing.T) {
	r, mem := newRegion(t, 4096)

	base := r.Reserve(4)
	linmem.Store(mem, r.Slot(base, 0), 0x100)
	linmem.Store(mem, r.Slot(base, 2), 0x300)
	linmem.Store(mem, r.Slot(base, 3), 0x400)

	var got []linmem.Addr
	r.Scan(r.Slot(base, 3), func(_, ref linmem.Addr) { got = append(got, ref) })
	assert.Equal(t, []linmem.Addr{0x100, 0x300}, got, "limit is exclusive, nulls skipped")

	got = got[:0]
	r.Scan(r.Limit(), func(_, ref linmem.Addr) { got = append(got, ref) })
	assert.Equal(t, []linmem.Addr{0x100, 0x300, 0x400}, got, "limit clamped to top")
}

func TestFree(t *testing.T) {
	mem := linmem.NewFlat(1, 64)
	mapper := linmem.NewMapper(mem)
	r := New(mapper, mem, 4096, 1)

	r.GetOrInitTop()
	require.Equal(t, 1, mapper.Stats().Blocks)

	r.Free()
	assert.False(t, r.Initialized())
	assert.Zero(t, mapper.Stats().Blocks)
}

func BenchmarkReserveRelease(b *testing.B) {
	mem := linmem.NewFlat(1, 64)
	r := New(linmem.NewMapper(mem), mem, 0, 1)
	r.GetOrInitTop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		base := r.Reserve(4)
		r.Release(base)
	}
}
