// Package trampoline implements raw indirect calls through function pointers.
//
// Generated code sometimes holds only an untyped function pointer value but
// must still make an ordinary typed call. A FuncPtr is an index into a
// Table of registered callees; the Call* helpers are parameterized by the
// argument and return shape at compile time and perform no validation of
// the pointer. Calling a pointer with a shape other than the registered one
// is undefined behaviour; in Go it surfaces as a runtime panic from the type
// assertion, never as a returned error.
package trampoline

import (
	"sync"

	"github.com/kolkov/shadowrt/internal/rt/linmem"
)

// FuncPtr is a function pointer: an index into a Table. 0 is null.
type FuncPtr uint32

// Table holds registered callees.
//
// Thread Safety: Safe for concurrent registration and calls.
type Table struct {
	mu  sync.RWMutex
	fns []any
}

// NewTable creates a table with the null entry reserved.
func NewTable() *Table {
	return &Table{fns: make([]any, 1)}
}

// Register adds fn, which must be a func value, and returns its pointer.
func (t *Table) Register(fn any) FuncPtr {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.fns = append(t.fns, fn)
	return FuncPtr(len(t.fns) - 1) //nolint:gosec
}

// Lookup returns the callee at p, or nil.
func (t *Table) Lookup(p FuncPtr) any {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if int(p) >= len(t.fns) {
		return nil
	}
	return t.fns[p]
}

// Len returns the number of entries including the null entry.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.fns)
}

// Call0 calls p as func() R.
func Call0[R any](t *Table, p FuncPtr) R {
	return t.Lookup(p).(func() R)()
}

// Call1 calls p as func(A) R.
func Call1[A, R any](t *Table, p FuncPtr, a A) R {
	return t.Lookup(p).(func(A) R)(a)
}

// Call2 calls p as func(A, B) R.
func Call2[A, B, R any](t *Table, p FuncPtr, a A, b B) R {
	return t.Lookup(p).(func(A, B) R)(a, b)
}

// Call3 calls p as func(A, B, C) R.
func Call3[A, B, C, R any](t *Table, p FuncPtr, a A, b B, c C) R {
	return t.Lookup(p).(func(A, B, C) R)(a, b, c)
}

// Invoke1 calls p as func(A).
func Invoke1[A any](t *Table, p FuncPtr, a A) {
	t.Lookup(p).(func(A))(a)
}

// Invoke2 calls p as func(A, B).
func Invoke2[A, B any](t *Table, p FuncPtr, a A, b B) {
	t.Lookup(p).(func(A, B))(a, b)
}

// Invoke3 calls p as func(A, B, C).
func Invoke3[A, B, C any](t *Table, p FuncPtr, a A, b B, c C) {
	t.Lookup(p).(func(A, B, C))(a, b, c)
}

// The shapes below are the ones emitted by the code generator.

// CallRefI32 calls an object-returning callee taking one int32.
func CallRefI32(t *Table, p FuncPtr, a int32) linmem.Addr {
	return Call1[int32, linmem.Addr](t, p, a)
}

// CallVoidRef calls a void callee taking one object.
func CallVoidRef(t *Table, p FuncPtr, obj linmem.Addr) {
	Invoke1(t, p, obj)
}

// CallVoidI32RefPtr calls a void callee taking an int32, an object and a
// raw pointer.
func CallVoidI32RefPtr(t *Table, p FuncPtr, a int32, obj, ptr linmem.Addr) {
	Invoke3(t, p, a, obj, ptr)
}

// CallI32RefRef calls an int32-returning callee taking two objects.
func CallI32RefRef(t *Table, p FuncPtr, a, b linmem.Addr) int32 {
	return Call2[linmem.Addr, linmem.Addr, int32](t, p, a, b)
}

// CallI32I32 calls an int32-returning callee taking one int32.
func CallI32I32(t *Table, p FuncPtr, a int32) int32 {
	return Call1[int32, int32](t, p, a)
}
