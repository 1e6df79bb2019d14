// Package rt is the runtime substrate for garbage-collected code compiled to
// a wasm32-like target, where the native stack cannot be scanned.
//
// Managed references never live only on the native stack. Generated code
// keeps them in a per-worker shadow stack in linear memory, records every
// reference store in a card table through a write barrier, and brackets
// every call into native code with a transition frame, so a collector can
// find all roots without help from the machine.
//
// # Quick Start
//
//	package main
//
//	import "github.com/kolkov/shadowrt/rt"
//
//	func main() {
//		rt.Init()
//		defer rt.Fini()
//
//		w := rt.MainWorker()
//		node, _ := rt.RegisterType(rt.TypeDesc{
//			Name:     "Node",
//			BaseSize: 8,
//			Fields:   []rt.Field{{Name: "next", Offset: 4, IsRef: true}},
//		})
//
//		a := rt.NewObject(w, rt.GetShadowStackTop(w), node)
//		b := rt.NewObject(w, rt.GetShadowStackTop(w), node)
//		rt.AssignRef(a+4, b)
//	}
//
// # API Overview
//
// The package provides functions for:
//   - Initialization and finalization: [Init], [InitWith], [Fini], [New]
//   - Shadow stack management: [GetShadowStackTop], [SetShadowStackTop],
//     [GetShadowStackBottom]
//   - Write barriers: [AssignRef], [CheckedAssignRef], [AssignRefCtx]
//   - Exceptions crossing native code: [ThrowNativeException],
//     [ReleaseNativeException]
//   - Allocation: [RegisterType], [NewObject], [NewArray]
//   - Version information: [GetInfo], [Version]
//
// Transitions into native code are made through the worker itself:
//
//	w.CallNative(site, func() {
//		// native code; the shadow stack below the captured top is a root set
//	})
//
// # Failure Model
//
// Violations of the calling convention (unbalanced transitions, stack
// overflow, stores outside the heap through the unchecked barrier) are not
// recoverable. The runtime prints a report and panics; programs which must
// exit instead install an exiting handler.
//
// Allocation failure is not fatal: NewObject and NewArray return 0 and raise
// the worker's exception signal, which generated code polls after the call.
//
// # Memory Backends
//
// The default backend is a Go byte slice. With Memory.Backend set to "wasm"
// the linear memory is the exported memory of a wazero module, and native
// libraries can be bound as host functions.
package rt
