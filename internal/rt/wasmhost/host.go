// Package wasmhost runs the runtime on a wazero linear memory and exposes
// native libraries to generated code.
//
// The linear memory is owned by a generated memory-only module, so the same
// memory a compiled program imports can back the shadow stacks and the heap.
// Native functions are Go functions exported from host modules; Bind*
// registers them in a trampoline table under the shape generated code uses to
// call them. A native function that traps is a fatal error.
package wasmhost

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	. "import.name/type/context"

	"github.com/kolkov/shadowrt/internal/rt/fatal"
	"github.com/kolkov/shadowrt/internal/rt/linmem"
	"github.com/kolkov/shadowrt/internal/rt/trampoline"
)

// MemoryModule is the name of the module owning the linear memory.
const MemoryModule = "shadowrt"

// MemoryExport is the export name of the linear memory.
const MemoryExport = "memory"

// Host is a wazero runtime hosting one linear memory and any number of
// native modules.
type Host struct {
	rt  wazero.Runtime
	mem *memory
	log *slog.Logger
}

// New starts a runtime with a memory of initialPages, growable to
// maxPages. A nil logger discards log output.
func New(ctx Context, initialPages, maxPages uint32, log *slog.Logger) (*Host, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if maxPages == 0 || maxPages > linmem.MaxPages {
		maxPages = linmem.MaxPages
	}
	if initialPages > maxPages {
		return nil, fmt.Errorf("initial memory size %d pages exceeds maximum %d", initialPages, maxPages)
	}

	config := wazero.NewRuntimeConfigInterpreter().WithMemoryLimitPages(maxPages)
	rt := wazero.NewRuntimeWithConfig(ctx, config)

	mod, err := rt.InstantiateWithConfig(ctx, memoryModule(initialPages, maxPages), wazero.NewModuleConfig().WithName(MemoryModule))
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiating memory module: %w", err)
	}

	mem := mod.ExportedMemory(MemoryExport)
	if mem == nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("memory module does not export %q", MemoryExport)
	}

	log.Debug("wasm memory ready", "pages", initialPages, "max_pages", maxPages)

	return &Host{
		rt:  rt,
		mem: &memory{mem: mem},
		log: log,
	}, nil
}

// Memory returns the linear memory. Growth through it is safe against
// concurrent loads and stores.
func (h *Host) Memory() linmem.Memory {
	return h.mem
}

// DefineNatives instantiates a host module exporting fns by name. Each
// value must be a Go function accepted by wazero.HostFunctionBuilder.WithFunc.
func (h *Host) DefineNatives(ctx Context, module string, fns map[string]any) error {
	b := h.rt.NewHostModuleBuilder(module)
	for name, fn := range fns {
		b.NewFunctionBuilder().WithFunc(fn).Export(name)
	}

	if _, err := b.Instantiate(ctx); err != nil {
		return fmt.Errorf("instantiating native module %s: %w", module, err)
	}

	h.log.Debug("native module defined", "module", module, "functions", len(fns))
	return nil
}

// BindRefI32 registers module.name as an object-returning function taking
// one int32.
func (h *Host) BindRefI32(ctx Context, tab *trampoline.Table, module, name string) (trampoline.FuncPtr, error) {
	fn, err := h.lookup(module, name, 1, 1)
	if err != nil {
		return 0, err
	}
	return tab.Register(func(a int32) linmem.Addr {
		return linmem.Addr(api.DecodeU32(h.call(ctx, fn, module, name, api.EncodeI32(a))[0]))
	}), nil
}

// BindVoidRef registers module.name as a void function taking one object.
func (h *Host) BindVoidRef(ctx Context, tab *trampoline.Table, module, name string) (trampoline.FuncPtr, error) {
	fn, err := h.lookup(module, name, 1, 0)
	if err != nil {
		return 0, err
	}
	return tab.Register(func(obj linmem.Addr) {
		h.call(ctx, fn, module, name, api.EncodeU32(uint32(obj)))
	}), nil
}

// BindI32I32 registers module.name as an int32 function taking one int32.
func (h *Host) BindI32I32(ctx Context, tab *trampoline.Table, module, name string) (trampoline.FuncPtr, error) {
	fn, err := h.lookup(module, name, 1, 1)
	if err != nil {
		return 0, err
	}
	return tab.Register(func(a int32) int32 {
		return api.DecodeI32(h.call(ctx, fn, module, name, api.EncodeI32(a))[0])
	}), nil
}

// Close shuts the runtime down. The memory must not be used afterwards.
func (h *Host) Close(ctx Context) error {
	return h.rt.Close(ctx)
}

func (h *Host) lookup(module, name string, params, results int) (api.Function, error) {
	mod := h.rt.Module(module)
	if mod == nil {
		return nil, fmt.Errorf("native module %s not defined", module)
	}

	fn := mod.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("native module %s does not export %s", module, name)
	}

	def := fn.Definition()
	if len(def.ParamTypes()) != params || len(def.ResultTypes()) != results {
		return nil, fmt.Errorf("native function %s.%s has %d params and %d results, want %d and %d",
			module, name, len(def.ParamTypes()), len(def.ResultTypes()), params, results)
	}
	return fn, nil
}

func (h *Host) call(ctx Context, fn api.Function, module, name string, params ...uint64) []uint64 {
	results, err := fn.Call(ctx, params...)
	if err != nil {
		fatal.Failf(fatal.KindNativeTrap, "%s.%s: %v", module, name, err)
	}
	return results
}

// memoryModule encodes a module which only defines and exports a memory.
func memoryModule(minPages, maxPages uint32) []byte {
	b := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

	var mem []byte
	mem = binary.AppendUvarint(mem, 1) // one memory
	mem = append(mem, 0x01)            // limits with maximum
	mem = binary.AppendUvarint(mem, uint64(minPages))
	mem = binary.AppendUvarint(mem, uint64(maxPages))
	b = appendSection(b, 5, mem)

	var exp []byte
	exp = binary.AppendUvarint(exp, 1) // one export
	exp = binary.AppendUvarint(exp, uint64(len(MemoryExport)))
	exp = append(exp, MemoryExport...)
	exp = append(exp, 0x02, 0x00) // memory 0
	b = appendSection(b, 7, exp)

	return b
}

func appendSection(b []byte, id byte, payload []byte) []byte {
	b = append(b, id)
	b = binary.AppendUvarint(b, uint64(len(payload)))
	return append(b, payload...)
}
