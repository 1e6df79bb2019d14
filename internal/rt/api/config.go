package api

import (
	"fmt"

	"github.com/inhies/go-bytesize"
)

// Memory backends.
const (
	BackendFlat = "flat"
	BackendWasm = "wasm"
)

// Config of a Runtime. Sizes are human-readable byte sizes such as "1MB".
type Config struct {
	Memory struct {
		Backend      string
		InitialPages uint32
		MaxPages     uint32
	}

	ShadowStack struct {
		Size string
	}

	DynamicStack struct {
		Limit string
	}

	Heap struct {
		Size         string
		CardShift    uint
		AllocQuantum string
	}

	Log struct {
		Journal bool
		Debug   bool
	}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	var c Config
	c.Memory.Backend = BackendFlat
	c.Memory.InitialPages = 1
	c.Memory.MaxPages = 4096
	c.ShadowStack.Size = "1MB"
	c.DynamicStack.Limit = "10MB"
	c.Heap.Size = "16MB"
	c.Heap.CardShift = 9
	c.Heap.AllocQuantum = "8KB"
	return c
}

// sizes are the parsed byte sizes of a Config.
type sizes struct {
	stack   uint32
	dynamic uint64
	heap    uint32
	quantum uint32
}

func (c *Config) sizes() (s sizes, err error) {
	var v uint64

	if v, err = parseSize("shadowstack.size", c.ShadowStack.Size, 1<<32-1); err != nil {
		return
	}
	s.stack = uint32(v)

	if s.dynamic, err = parseSize("dynamicstack.limit", c.DynamicStack.Limit, 1<<32-1); err != nil {
		return
	}

	if v, err = parseSize("heap.size", c.Heap.Size, 1<<32-1); err != nil {
		return
	}
	s.heap = uint32(v)

	if v, err = parseSize("heap.allocquantum", c.Heap.AllocQuantum, 1<<20); err != nil {
		return
	}
	s.quantum = uint32(v)

	return
}

// validate checks the settings which are not sizes.
func (c *Config) validate() error {
	switch c.Memory.Backend {
	case BackendFlat, BackendWasm:
	default:
		return fmt.Errorf("memory.backend: unknown backend %q", c.Memory.Backend)
	}
	if c.Memory.InitialPages == 0 {
		return fmt.Errorf("memory.initialpages: must be positive")
	}
	if c.Heap.CardShift < 4 || c.Heap.CardShift > 20 {
		return fmt.Errorf("heap.cardshift: %d outside [4, 20]", c.Heap.CardShift)
	}
	return nil
}

func parseSize(key, s string, max uint64) (uint64, error) {
	if s == "" {
		return 0, nil // Package default.
	}

	b, err := bytesize.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if uint64(b) > max {
		return 0, fmt.Errorf("%s: %s exceeds %d bytes", key, s, max)
	}
	return uint64(b), nil
}
