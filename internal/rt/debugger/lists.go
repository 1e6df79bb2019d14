// Package debugger holds the state a debugging agent shares with the
// collector: protected buffers and owned object handles pinned across
// collections, and the debug header describing runtime structures to
// out-of-process tools.
//
// Entries are added before a collection can observe them and removed only
// once the agent no longer needs them. All list mutations and the
// collector's report run under one mutex, so a collection never sees a
// half-linked node.
package debugger

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"import.name/lock"

	"github.com/kolkov/shadowrt/internal/rt/linmem"
)

// ErrDuplicateKey is returned when a correlation key is already registered.
var ErrDuplicateKey = errors.New("debugger: duplicate correlation key")

// Buffer is a range of linear memory the collector must not move or reuse.
type Buffer struct {
	Addr linmem.Addr
	Size uint32
}

// OwnedHandle pins an object on behalf of the debugger.
type OwnedHandle struct {
	Object linmem.Addr
}

// Lists are the protected buffer and owned handle lists.
//
// Thread Safety: Safe for concurrent use.
type Lists struct {
	mu      sync.Mutex
	buffers *List[Buffer]
	handles *List[OwnedHandle]
}

// NewLists creates empty lists.
func NewLists() *Lists {
	return &Lists{
		buffers: NewList[Buffer](),
		handles: NewList[OwnedHandle](),
	}
}

// AddProtectedBuffer registers b under key.
func (d *Lists) AddProtectedBuffer(key uuid.UUID, b Buffer) (err error) {
	lock.Guard(&d.mu, func() {
		if _, ok := d.buffers.Append(key, b); !ok {
			err = ErrDuplicateKey
		}
	})
	return
}

// RemoveProtectedBuffer unregisters the buffer with key.
func (d *Lists) RemoveProtectedBuffer(key uuid.UUID) (b Buffer, ok bool) {
	lock.Guard(&d.mu, func() {
		b, ok = d.buffers.Remove(key)
	})
	return
}

// AddOwnedHandle registers h under key.
func (d *Lists) AddOwnedHandle(key uuid.UUID, h OwnedHandle) (err error) {
	lock.Guard(&d.mu, func() {
		if _, ok := d.handles.Append(key, h); !ok {
			err = ErrDuplicateKey
		}
	})
	return
}

// RemoveOwnedHandle unregisters the handle with key.
func (d *Lists) RemoveOwnedHandle(key uuid.UUID) (h OwnedHandle, ok bool) {
	lock.Guard(&d.mu, func() {
		h, ok = d.handles.Remove(key)
	})
	return
}

// Report is the conservative view of the lists seen by a collection.
type Report struct {
	Buffers []Buffer
	Handles []OwnedHandle
}

// Report returns the current entries in registration order.
func (d *Lists) Report() (r Report) {
	lock.Guard(&d.mu, func() {
		r = d.report()
	})
	return
}

// Safepoint runs fn with the lists frozen and passes it their report.
// Registrations made concurrently wait until fn returns.
func (d *Lists) Safepoint(fn func(Report)) {
	lock.Guard(&d.mu, func() {
		fn(d.report())
	})
}

func (d *Lists) report() Report {
	r := Report{
		Buffers: make([]Buffer, 0, d.buffers.Len()),
		Handles: make([]OwnedHandle, 0, d.handles.Len()),
	}
	d.buffers.Each(func(_ uuid.UUID, b Buffer) bool {
		r.Buffers = append(r.Buffers, b)
		return true
	})
	d.handles.Each(func(_ uuid.UUID, h OwnedHandle) bool {
		r.Handles = append(r.Handles, h)
		return true
	})
	return r
}

// Len returns the number of buffers and handles.
func (d *Lists) Len() (buffers, handles int) {
	lock.Guard(&d.mu, func() {
		buffers, handles = d.buffers.Len(), d.handles.Len()
	})
	return
}
