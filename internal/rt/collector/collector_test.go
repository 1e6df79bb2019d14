package collector

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/shadowrt/internal/rt/barrier"
	"github.com/kolkov/shadowrt/internal/rt/debugger"
	"github.com/kolkov/shadowrt/internal/rt/exception"
	"github.com/kolkov/shadowrt/internal/rt/heap"
	"github.com/kolkov/shadowrt/internal/rt/linmem"
	"github.com/kolkov/shadowrt/internal/rt/transition"
	"github.com/kolkov/shadowrt/internal/rt/typedesc"
	"github.com/kolkov/shadowrt/internal/rt/worker"
)

type fixture struct {
	mem     *linmem.Flat
	mapper  *linmem.Mapper
	workers *worker.Registry
	heap    *heap.Heap
	barrier *barrier.Barrier
	dbg     *debugger.Lists
	gc      *Collector
	node    typedesc.ID
}

func newFixture(t *testing.T, heapSize uint32) *fixture {
	t.Helper()

	f := &fixture{mem: linmem.NewFlat(1, 1024)}
	f.mapper = linmem.NewMapper(f.mem)
	f.workers = worker.NewRegistry(f.mapper, f.mem, worker.Config{StackSize: 4096}, nil)

	types := typedesc.NewRegistry()
	var err error
	f.node, err = types.Register(typedesc.Desc{Name: "Node", BaseSize: 8,
		Fields: []typedesc.Field{{Name: "next", Offset: 4, IsRef: true}}})
	require.NoError(t, err)

	f.heap, err = heap.New(f.mapper, f.mem, types, heapSize, 1024)
	require.NoError(t, err)

	lo, hi := f.heap.Range()
	f.barrier = barrier.New(f.mem, barrier.NewCardTable(lo, hi, barrier.DefaultCardShift))
	f.dbg = debugger.NewLists()
	f.gc = New(f.workers, f.barrier.Cards(), f.dbg, nil)
	f.heap.SetCollectHook(f.gc.ExhaustionHook)
	return f
}

// TestNativeTransitionRoots runs a collection while a worker is in native
// code: only slots below the captured top are roots.
func TestNativeTransitionRoots(t *testing.T) {
	f := newFixture(t, 64<<10)
	w, err := f.workers.Attach()
	require.NoError(t, err)

	frame := w.Region().Reserve(2)
	a := f.heap.NewObject(w, w.Region().GetTop(), f.node)
	b := f.heap.NewObject(w, w.Region().GetTop(), f.node)
	linmem.Store(f.mem, w.Region().Slot(frame, 0), a)
	f.barrier.CheckedAssignReference(w.Region().Slot(frame, 1), b)
	f.barrier.AssignReference(a+4, b)

	tf := w.EnterNative(transition.ReturnSite{FuncIndex: 3, Offset: 0x40})
	w.Region().Push(0xdead0) // native scratch, not a root

	cycle := f.gc.Collect(ReasonExplicit)
	require.Len(t, cycle.Workers, 1)
	ws := cycle.Workers[0]
	assert.Equal(t, w.ID(), ws.ID)
	assert.Equal(t, []linmem.Addr{tf.ShadowTop}, ws.Frames)
	assert.Equal(t, tf.ShadowTop, ws.RootLimit)
	assert.Equal(t, []Root{{frame, a}, {frame + 4, b}}, ws.Roots)
	assert.NotZero(t, ws.Trace)
	assert.Equal(t, []int{f.barrier.Cards().CardOf(a + 4)}, cycle.DirtyCards)
	assert.Contains(t, cycle.Format(), "wasm-function[3]:0x40")

	w.LeaveNative(tf)
	again := f.gc.Collect(ReasonExplicit)
	assert.Empty(t, again.DirtyCards, "cards cleared by the previous cycle")
	assert.Equal(t, uint64(2), f.gc.Cycles())
	assert.Same(t, again, f.gc.Last())
}

func TestDebuggerListsInCycle(t *testing.T) {
	f := newFixture(t, 64<<10)
	require.NoError(t, f.dbg.AddProtectedBuffer(uuid.New(), debugger.Buffer{Addr: 0x5000, Size: 32}))
	require.NoError(t, f.dbg.AddOwnedHandle(uuid.New(), debugger.OwnedHandle{Object: 0x6000}))

	cycle := f.gc.Collect(ReasonExplicit)
	assert.Equal(t, []debugger.Buffer{{Addr: 0x5000, Size: 32}}, cycle.Buffers)
	assert.Equal(t, []debugger.OwnedHandle{{Object: 0x6000}}, cycle.Handles)
	assert.Empty(t, cycle.Workers)
}

func TestExhaustionTriggersCollection(t *testing.T) {
	f := newFixture(t, 4096)
	w, err := f.workers.Attach()
	require.NoError(t, err)

	var seen []*Cycle
	f.gc.OnCycle(func(c *Cycle) { seen = append(seen, c) })

	top := w.Region().GetOrInitTop()
	n := 0
	for f.heap.NewObject(w, top, f.node) != 0 {
		n++
	}
	assert.Equal(t, 4096/8, n)

	require.Len(t, seen, 1)
	assert.Equal(t, ReasonExhaustion, seen[0].Reason)
	assert.Equal(t, "exhaustion", seen[0].Reason.String())
	assert.Equal(t, exception.ReasonOutOfMemory, w.Signal().ReleaseNative())
}

// TestCallbackReadsCollector queries the collector from inside its own
// OnCycle callback, which must see the finished cycle.
func TestCallbackReadsCollector(t *testing.T) {
	f := newFixture(t, 64<<10)

	var (
		last   *Cycle
		cycles uint64
	)
	f.gc.OnCycle(func(*Cycle) {
		last = f.gc.Last()
		cycles = f.gc.Cycles()
	})

	c := f.gc.Collect(ReasonExplicit)
	assert.Same(t, c, last)
	assert.Equal(t, uint64(1), cycles)

	c = f.gc.Collect(ReasonExplicit)
	assert.Same(t, c, last)
	assert.Equal(t, uint64(2), cycles)
}

func TestWorkersInIDOrder(t *testing.T) {
	f := newFixture(t, 64<<10)
	for i := 0; i < 3; i++ {
		w, err := f.workers.Attach()
		require.NoError(t, err)
		w.Region().Push(linmem.Addr(0x100 * (i + 1)))
	}

	cycle := f.gc.Collect(ReasonExplicit)
	require.Len(t, cycle.Workers, 3)
	for i, ws := range cycle.Workers {
		assert.Equal(t, uint16(i), ws.ID)
		require.Len(t, ws.Roots, 1)
		assert.Equal(t, linmem.Addr(0x100*(i+1)), ws.Roots[0].Ref)
		assert.Zero(t, ws.Trace)
	}
	assert.Equal(t, 3, cycle.RootCount())
}
