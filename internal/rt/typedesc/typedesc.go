// Package typedesc defines the type descriptors consulted by the allocator
// and the collector.
//
// A descriptor has one canonical shape: base size, optional array component,
// a flat field list where every field carries its offset, its type and the
// type that declares it, and a single ExplicitLayout flag. Explicit layout
// means field offsets were fixed by the program and padding between fields
// is significant (it must be preserved on copies and compared on equality).
package typedesc

import (
	"fmt"
	"sort"
	"sync"
)

// ID identifies a registered type. It is the value stored in the first word
// of every object header. 0 is invalid.
type ID uint32

const (
	// HeaderSize is the size of an object header (the type ID).
	HeaderSize = 4

	// ArrayHeaderSize is the header of an array: type ID and element count.
	ArrayHeaderSize = 8

	// LengthOffset is the offset of the element count in an array header.
	LengthOffset = 4
)

// Field describes one instance field.
type Field struct {
	Name   string
	Offset uint32 // From the start of the object, header included.
	Type   ID     // Field type; 0 for primitives.
	Owner  ID     // Declaring type; a base type for inherited fields.
	IsRef  bool   // Holds an object reference.
}

// Desc describes an object or array type.
type Desc struct {
	ID   ID
	Name string

	// BaseSize is the size of an instance without array elements,
	// header included.
	BaseSize uint32

	// ComponentSize is the element size of an array type, 0 otherwise.
	ComponentSize uint32

	// ComponentIsRef marks arrays of object references.
	ComponentIsRef bool

	// Finalizable types always take the allocation slow path.
	Finalizable bool

	// ExplicitLayout marks programmer-fixed field offsets with
	// significant padding.
	ExplicitLayout bool

	Fields []Field
}

// IsArray reports whether the type is an array type.
func (d *Desc) IsArray() bool {
	return d.ComponentSize != 0
}

// FieldCount returns the number of instance fields.
func (d *Desc) FieldCount() int {
	return len(d.Fields)
}

// RefOffsets returns the offsets of reference fields in ascending order.
func (d *Desc) RefOffsets() []uint32 {
	var out []uint32
	for _, f := range d.Fields {
		if f.IsRef {
			out = append(out, f.Offset)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Size returns the allocation size for n elements (n is ignored for
// non-arrays), rounded up to the slot size. ok is false on overflow of the
// 32-bit address space.
func (d *Desc) Size(n uint32) (size uint32, ok bool) {
	s := uint64(d.BaseSize)
	if d.IsArray() {
		s += uint64(n) * uint64(d.ComponentSize)
	}
	s = (s + 3) &^ 3
	if s > 1<<32-1 {
		return 0, false
	}
	return uint32(s), true
}

// Validate checks field placement. Fields must lie within the base size
// and past the header; overlapping fields require explicit layout.
func (d *Desc) Validate() error {
	header := uint32(HeaderSize)
	if d.IsArray() {
		header = ArrayHeaderSize
	}
	if d.BaseSize < header {
		return fmt.Errorf("type %s: base size %d smaller than header %d", d.Name, d.BaseSize, header)
	}

	fields := append([]Field(nil), d.Fields...)
	sort.Slice(fields, func(i, j int) bool { return fields[i].Offset < fields[j].Offset })

	for i, f := range fields {
		if f.Offset < header || uint64(f.Offset)+4 > uint64(d.BaseSize) {
			return fmt.Errorf("type %s: field %s at offset %d outside [%d, %d)", d.Name, f.Name, f.Offset, header, d.BaseSize)
		}
		if f.IsRef && f.Offset%4 != 0 {
			return fmt.Errorf("type %s: reference field %s misaligned at offset %d", d.Name, f.Name, f.Offset)
		}
		if i > 0 && fields[i-1].Offset+4 > f.Offset && !d.ExplicitLayout {
			return fmt.Errorf("type %s: fields %s and %s overlap without explicit layout", d.Name, fields[i-1].Name, f.Name)
		}
	}
	return nil
}

// Registry maps IDs to descriptors.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	descs []*Desc
	names map[string]ID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		descs: make([]*Desc, 1),
		names: make(map[string]ID),
	}
}

// Register validates d, assigns its ID and stores it. Fields with a zero
// Owner are attributed to d itself.
func (r *Registry) Register(d Desc) (ID, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if d.Name != "" {
		if _, dup := r.names[d.Name]; dup {
			return 0, fmt.Errorf("type %s already registered", d.Name)
		}
	}

	d.ID = ID(len(r.descs)) //nolint:gosec
	d.Fields = append([]Field(nil), d.Fields...)
	for i := range d.Fields {
		if d.Fields[i].Owner == 0 {
			d.Fields[i].Owner = d.ID
		}
	}

	r.descs = append(r.descs, &d)
	if d.Name != "" {
		r.names[d.Name] = d.ID
	}
	return d.ID, nil
}

// Lookup returns the descriptor for id, or nil.
func (r *Registry) Lookup(id ID) *Desc {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id == 0 || int(id) >= len(r.descs) {
		return nil
	}
	return r.descs[id]
}

// ByName returns the descriptor registered under name, or nil.
func (r *Registry) ByName(name string) *Desc {
	r.mu.RLock()
	id, ok := r.names[name]
	r.mu.RUnlock()

	if !ok {
		return nil
	}
	return r.Lookup(id)
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.descs) - 1
}
