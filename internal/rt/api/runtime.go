// Package api assembles the runtime components into a Runtime and provides
// the entry points called by generated code.
//
// A Runtime owns one linear memory and everything carved out of it: the
// memory-mapping shim, the collector-managed heap with its card table, the
// per-worker regions, the debugger lists and the root-gathering collector.
// Most programs use the default runtime created by Init.
package api

import (
	"fmt"
	"log/slog"
	"strconv"

	. "import.name/type/context"

	"github.com/kolkov/shadowrt/internal/rt/barrier"
	"github.com/kolkov/shadowrt/internal/rt/collector"
	"github.com/kolkov/shadowrt/internal/rt/debugger"
	"github.com/kolkov/shadowrt/internal/rt/fatal"
	"github.com/kolkov/shadowrt/internal/rt/heap"
	"github.com/kolkov/shadowrt/internal/rt/linmem"
	"github.com/kolkov/shadowrt/internal/rt/trampoline"
	"github.com/kolkov/shadowrt/internal/rt/typedesc"
	"github.com/kolkov/shadowrt/internal/rt/wasmhost"
	"github.com/kolkov/shadowrt/internal/rt/worker"
)

const defaultHeapSize = 16 << 20

// Runtime is one instance of the runtime.
//
// Thread Safety: Safe for concurrent use by attached workers.
type Runtime struct {
	cfg Config
	log *slog.Logger

	host    *wasmhost.Host // nil with the flat backend
	mem     linmem.Memory
	mapper  *linmem.Mapper
	types   *typedesc.Registry
	heap    *heap.Heap
	barrier *barrier.Barrier
	workers *worker.Registry
	dbg     *debugger.Lists
	gc      *collector.Collector
	natives *trampoline.Table
}

// New creates a runtime. A nil logger discards log output.
func New(ctx Context, cfg Config, log *slog.Logger) (*Runtime, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	sz, err := cfg.sizes()
	if err != nil {
		return nil, err
	}
	if sz.heap == 0 {
		sz.heap = defaultHeapSize
	}

	r := &Runtime{
		cfg:     cfg,
		log:     log,
		types:   typedesc.NewRegistry(),
		dbg:     debugger.NewLists(),
		natives: trampoline.NewTable(),
	}

	switch cfg.Memory.Backend {
	case BackendWasm:
		r.host, err = wasmhost.New(ctx, cfg.Memory.InitialPages, cfg.Memory.MaxPages, log)
		if err != nil {
			return nil, err
		}
		r.mem = r.host.Memory()

	default:
		r.mem = linmem.NewFlat(cfg.Memory.InitialPages, cfg.Memory.MaxPages)
	}

	r.mapper = linmem.NewMapper(r.mem)

	r.heap, err = heap.New(r.mapper, r.mem, r.types, sz.heap, sz.quantum)
	if err != nil {
		r.closeHost(ctx)
		return nil, fmt.Errorf("heap: %w", err)
	}

	lo, hi := r.heap.Range()
	r.barrier = barrier.New(r.mem, barrier.NewCardTable(lo, hi, cfg.Heap.CardShift))
	r.workers = worker.NewRegistry(r.mapper, r.mem, worker.Config{
		StackSize:    sz.stack,
		DynamicLimit: sz.dynamic,
	}, log)
	r.gc = collector.New(r.workers, r.barrier.Cards(), r.dbg, log)
	r.heap.SetCollectHook(r.gc.ExhaustionHook)

	log.Debug("runtime ready",
		"backend", cfg.Memory.Backend,
		"heap_lo", lo.String(),
		"heap_hi", hi.String(),
		"card_shift", cfg.Heap.CardShift)

	return r, nil
}

// Close releases the wasm runtime, if any. Attached workers must not be
// used afterwards.
func (r *Runtime) Close(ctx Context) error {
	return r.closeHost(ctx)
}

func (r *Runtime) closeHost(ctx Context) error {
	if r.host == nil {
		return nil
	}
	return r.host.Close(ctx)
}

// Config returns the configuration the runtime was created with.
func (r *Runtime) Config() Config { return r.cfg }

// Memory returns the linear memory.
func (r *Runtime) Memory() linmem.Memory { return r.mem }

// Mapper returns the memory-mapping shim.
func (r *Runtime) Mapper() *linmem.Mapper { return r.mapper }

// Types returns the type registry.
func (r *Runtime) Types() *typedesc.Registry { return r.types }

// Heap returns the collector-managed heap.
func (r *Runtime) Heap() *heap.Heap { return r.heap }

// Barrier returns the write barrier.
func (r *Runtime) Barrier() *barrier.Barrier { return r.barrier }

// Workers returns the worker registry.
func (r *Runtime) Workers() *worker.Registry { return r.workers }

// Debugger returns the debugger lists.
func (r *Runtime) Debugger() *debugger.Lists { return r.dbg }

// Collector returns the collector.
func (r *Runtime) Collector() *collector.Collector { return r.gc }

// Natives returns the trampoline table of native functions.
func (r *Runtime) Natives() *trampoline.Table { return r.natives }

// Host returns the wasm host, or nil with the flat backend.
func (r *Runtime) Host() *wasmhost.Host { return r.host }

// AttachWorker registers the calling goroutine as a worker.
func (r *Runtime) AttachWorker() (*worker.Context, error) {
	return r.workers.Attach()
}

// DetachWorker unregisters w.
func (r *Runtime) DetachWorker(w *worker.Context) {
	r.workers.Detach(w)
}

// RegisterType adds a type descriptor.
func (r *Runtime) RegisterType(d typedesc.Desc) (typedesc.ID, error) {
	return r.types.Register(d)
}

// NewObject allocates an object on behalf of w, whose shadow stack top is
// shadowTop. It returns 0 with w's exception signal raised on failure.
func (r *Runtime) NewObject(w *worker.Context, shadowTop linmem.Addr, id typedesc.ID) linmem.Addr {
	return r.heap.NewObject(w, shadowTop, id)
}

// NewArray allocates an array of n elements on behalf of w.
func (r *Runtime) NewArray(w *worker.Context, shadowTop linmem.Addr, id typedesc.ID, n int32) linmem.Addr {
	return r.heap.NewArray(w, shadowTop, id, n)
}

// Collect gathers the roots of every worker.
func (r *Runtime) Collect() *collector.Cycle {
	return r.gc.Collect(collector.ReasonExplicit)
}

// DebugHeader describes the runtime's linear-memory structures and every
// registered type.
func (r *Runtime) DebugHeader() *debugger.Header {
	h := debugger.NewHeader()

	h.AddSize("ObjectHeader", typedesc.HeaderSize)
	h.AddField("ObjectHeader", "TypeID", 0)
	h.AddSize("ArrayHeader", typedesc.ArrayHeaderSize)
	h.AddField("ArrayHeader", "Length", typedesc.LengthOffset)
	h.AddSize("AllocContext", 2*linmem.SlotSize)
	h.AddField("AllocContext", "Ptr", 0)
	h.AddField("AllocContext", "Limit", linmem.SlotSize)

	for id := typedesc.ID(1); int(id) <= r.types.Len(); id++ {
		d := r.types.Lookup(id)
		h.AddSize(d.Name, d.BaseSize)
		for _, f := range d.Fields {
			h.AddField(d.Name, f.Name, f.Offset)
		}
	}

	lo, hi := r.heap.Range()
	h.AddGlobal("HeapLo", uint64(lo))
	h.AddGlobal("HeapHi", uint64(hi))

	h.AddDefine("CardShift", strconv.FormatUint(uint64(r.cfg.Heap.CardShift), 10))
	h.AddDefine("SlotSize", strconv.Itoa(linmem.SlotSize))
	h.AddDefine("PageSize", strconv.Itoa(linmem.PageSize))
	h.AddDefine("MaxFastArrayLength", strconv.Itoa(heap.MaxFastArrayLength))
	return h
}

// Stats summarizes the runtime.
type Stats struct {
	Heap        heap.Stats
	Barrier     barrier.Stats
	Mapper      linmem.MapperStats
	Workers     int
	Collections uint64
	Fatal       uint64
}

// Stats returns a snapshot of runtime counters.
func (r *Runtime) Stats() Stats {
	return Stats{
		Heap:        r.heap.Stats(),
		Barrier:     r.barrier.Stats(),
		Mapper:      r.mapper.Stats(),
		Workers:     r.workers.Len(),
		Collections: r.gc.Cycles(),
		Fatal:       fatal.Count(),
	}
}
