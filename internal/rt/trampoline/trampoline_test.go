package trampoline

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/shadowrt/internal/rt/linmem"
	"github.com/kolkov/shadowrt/internal/rt/shadowstack"
)

func TestRegisterLookup(t *testing.T) {
	tab := NewTable()
	assert.Nil(t, tab.Lookup(0), "null entry")
	assert.Nil(t, tab.Lookup(42), "out of range")

	p := tab.Register(func() int32 { return 1 })
	assert.Equal(t, FuncPtr(1), p)
	assert.NotNil(t, tab.Lookup(p))
	assert.Equal(t, 2, tab.Len())
}

// TestShapeIntegrity tests that the object-returning int32 shape returns
// exactly the callee's value and leaves the shadow stack untouched.
func TestShapeIntegrity(t *testing.T) {
	mem := linmem.NewFlat(1, 64)
	stack := shadowstack.New(linmem.NewMapper(mem), mem, 4096, 1)
	base := stack.Reserve(2)
	linmem.Store(mem, stack.Slot(base, 0), 0x1111)
	linmem.Store(mem, stack.Slot(base, 1), 0x2222)
	topBefore := stack.GetTop()

	tab := NewTable()
	p := tab.Register(func(n int32) linmem.Addr {
		// The callee uses its own frame and releases it.
		frame := stack.Reserve(3)
		linmem.Store(mem, frame, linmem.Addr(n))
		defer stack.Release(frame)
		return linmem.Addr(0x20000 + n)
	})

	for _, n := range []int32{0, 1, -1, 0x7fff} {
		got := CallRefI32(tab, p, n)
		assert.Equal(t, linmem.Addr(0x20000+n), got)
		assert.Equal(t, topBefore, stack.GetTop())
	}
	assert.Equal(t, linmem.Addr(0x1111), linmem.Load(mem, stack.Slot(base, 0)))
	assert.Equal(t, linmem.Addr(0x2222), linmem.Load(mem, stack.Slot(base, 1)))
}

func TestNamedShapes(t *testing.T) {
	tab := NewTable()

	var gotRef linmem.Addr
	voidRef := tab.Register(func(obj linmem.Addr) { gotRef = obj })
	CallVoidRef(tab, voidRef, 0x3000)
	assert.Equal(t, linmem.Addr(0x3000), gotRef)

	var gotI int32
	var gotObj, gotPtr linmem.Addr
	mixed := tab.Register(func(i int32, obj, ptr linmem.Addr) { gotI, gotObj, gotPtr = i, obj, ptr })
	CallVoidI32RefPtr(tab, mixed, -5, 0x4000, 0x50)
	assert.Equal(t, int32(-5), gotI)
	assert.Equal(t, linmem.Addr(0x4000), gotObj)
	assert.Equal(t, linmem.Addr(0x50), gotPtr)

	cmp := tab.Register(func(a, b linmem.Addr) int32 {
		if a == b {
			return 1
		}
		return 0
	})
	assert.Equal(t, int32(1), CallI32RefRef(tab, cmp, 7, 7))
	assert.Equal(t, int32(0), CallI32RefRef(tab, cmp, 7, 8))

	double := tab.Register(func(a int32) int32 { return a * 2 })
	assert.Equal(t, int32(42), CallI32I32(tab, double, 21))
}

func TestGenericShapes(t *testing.T) {
	tab := NewTable()

	p0 := tab.Register(func() uint64 { return 9 })
	assert.Equal(t, uint64(9), Call0[uint64](tab, p0))

	p3 := tab.Register(func(a, b, c int64) int64 { return a + b + c })
	assert.Equal(t, int64(6), Call3[int64, int64, int64, int64](tab, p3, 1, 2, 3))

	var sum float64
	pi := tab.Register(func(a, b float64) { sum = a + b })
	Invoke2(tab, pi, 1.5, 2.5)
	assert.Equal(t, 4.0, sum)
}

// TestMismatchedShapePanics documents that no validation takes place.
func TestMismatchedShapePanics(t *testing.T) {
	tab := NewTable()
	p := tab.Register(func(a int32) int32 { return a })

	assert.Panics(t, func() { CallRefI32(tab, p, 1) })
	assert.Panics(t, func() { CallVoidRef(tab, 0, 1) }, "null pointer")
}

func TestConcurrentRegister(t *testing.T) {
	tab := NewTable()

	const n = 64
	ptrs := make([]FuncPtr, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := int32(i)
			ptrs[i] = tab.Register(func() int32 { return v })
		}(i)
	}
	wg.Wait()

	for i, p := range ptrs {
		require.Equal(t, int32(i), Call0[int32](tab, p))
	}
}

func BenchmarkCallRefI32(b *testing.B) {
	tab := NewTable()
	p := tab.Register(func(n int32) linmem.Addr { return linmem.Addr(n) })

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = CallRefI32(tab, p, int32(i))
	}
}
