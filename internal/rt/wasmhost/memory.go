package wasmhost

import (
	"sync"

	"github.com/tetratelabs/wazero/api"
)

// memory serializes Grow against accesses to a wazero memory. wazero
// replaces the backing buffer on growth without synchronizing readers, while
// workers load and store through the memory concurrently with the mapper
// growing it.
type memory struct {
	mu  sync.RWMutex
	mem api.Memory
}

func (m *memory) Size() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mem.Size()
}

func (m *memory) Grow(deltaPages uint32) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mem.Grow(deltaPages)
}

func (m *memory) ReadUint32Le(offset uint32) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mem.ReadUint32Le(offset)
}

func (m *memory) WriteUint32Le(offset, v uint32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mem.WriteUint32Le(offset, v)
}

// Read returns a view which, as with linmem.Flat, Grow may invalidate.
func (m *memory) Read(offset, byteCount uint32) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mem.Read(offset, byteCount)
}

func (m *memory) Write(offset uint32, v []byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mem.Write(offset, v)
}
