package debugger

import (
	"github.com/google/uuid"
)

// Handle is a stable index into a List arena. It stays valid until the
// entry is removed; the slot may then be reused by a later Append.
type Handle int32

// None is the null handle.
const None Handle = -1

type node[T any] struct {
	key   uuid.UUID
	value T
	prev  Handle
	next  Handle
}

// List is an insertion-ordered list stored in a slice arena. Entries are
// identified by a correlation key; Append and Remove are O(1).
//
// Thread Safety: NOT safe for concurrent use; Lists serializes access.
type List[T any] struct {
	nodes []node[T]
	free  []Handle
	head  Handle
	tail  Handle
	index map[uuid.UUID]Handle
}

// NewList creates an empty list.
func NewList[T any]() *List[T] {
	return &List[T]{
		head:  None,
		tail:  None,
		index: make(map[uuid.UUID]Handle),
	}
}

// Append links value at the tail under key. It returns false, leaving the
// list unchanged, if key is already present.
func (l *List[T]) Append(key uuid.UUID, value T) (Handle, bool) {
	if _, dup := l.index[key]; dup {
		return None, false
	}

	n := node[T]{key: key, value: value, prev: l.tail, next: None}

	var h Handle
	if k := len(l.free); k > 0 {
		h = l.free[k-1]
		l.free = l.free[:k-1]
		l.nodes[h] = n
	} else {
		h = Handle(len(l.nodes)) //nolint:gosec
		l.nodes = append(l.nodes, n)
	}

	// The node is fully initialized before it becomes reachable.
	if l.tail == None {
		l.head = h
	} else {
		l.nodes[l.tail].next = h
	}
	l.tail = h
	l.index[key] = h
	return h, true
}

// Remove unlinks the entry with key and returns its value.
func (l *List[T]) Remove(key uuid.UUID) (T, bool) {
	h, ok := l.index[key]
	if !ok {
		var zero T
		return zero, false
	}

	n := l.nodes[h]
	if n.prev == None {
		l.head = n.next
	} else {
		l.nodes[n.prev].next = n.next
	}
	if n.next == None {
		l.tail = n.prev
	} else {
		l.nodes[n.next].prev = n.prev
	}

	delete(l.index, key)
	l.nodes[h] = node[T]{prev: None, next: None}
	l.free = append(l.free, h)
	return n.value, true
}

// Get returns the value stored under key.
func (l *List[T]) Get(key uuid.UUID) (T, bool) {
	h, ok := l.index[key]
	if !ok {
		var zero T
		return zero, false
	}
	return l.nodes[h].value, true
}

// At returns the key and value at h.
func (l *List[T]) At(h Handle) (uuid.UUID, T) {
	n := &l.nodes[h]
	return n.key, n.value
}

// Len returns the number of entries.
func (l *List[T]) Len() int {
	return len(l.index)
}

// Each calls fn in insertion order until fn returns false.
func (l *List[T]) Each(fn func(key uuid.UUID, value T) bool) {
	for h := l.head; h != None; h = l.nodes[h].next {
		if !fn(l.nodes[h].key, l.nodes[h].value) {
			return
		}
	}
}
