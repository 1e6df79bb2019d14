// Package stackdepot implements trace storage and deduplication for
// transition-chain snapshots.
//
// A trace is the sequence of return sites of the managed→native transition
// frames that are open on a worker, most recent first. Fatal reports and
// collector snapshots refer to traces by a 64-bit hash, so each unique trace
// is stored once no matter how many reports mention it.
//
// Design:
//   - Fixed-size traces (MaxFrames sites, 8 bytes per site)
//   - Hash-based deduplication (FNV-1a hash)
//   - Global sync.Map storage (thread-safe)
//
// Usage:
//
//	hash := stackdepot.Capture(sites)
//
//	// Later, in a report:
//	if trace := stackdepot.Get(hash); trace != nil {
//	    fmt.Print(trace.Format())
//	}
package stackdepot

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
)

const (
	// MaxFrames is the maximum number of sites stored per trace.
	// Deeper chains are truncated to their innermost MaxFrames frames,
	// which is where an unmatched transition almost always shows up.
	MaxFrames = 16
)

// Site is the return-address equivalent on a wasm32 target: the index of
// the calling function and the code offset of the call instruction.
type Site struct {
	FuncIndex uint32
	Offset    uint32
}

// String formats the site the way wasm engines print trap backtraces.
func (s Site) String() string {
	return fmt.Sprintf("wasm-function[%d]:0x%x", s.FuncIndex, s.Offset)
}

// Trace is a captured chain of sites with fixed capacity.
//
// Memory layout: 16 × 8 bytes + count = 132 bytes per trace.
type Trace struct {
	Sites [MaxFrames]Site
	N     int // Number of valid entries in Sites.
}

// depot maps uint64 hash → *Trace.
//
// Thread Safety: sync.Map provides lock-free reads, lock-based writes.
var depot sync.Map

// Capture stores the given sites and returns the hash identifying them.
//
// If the same trace was captured before, the existing entry is reused.
// An empty trace yields hash 0, which Get maps back to nil.
//
// Thread Safety: Safe for concurrent calls from multiple workers.
func Capture(sites []Site) uint64 {
	if len(sites) == 0 {
		return 0
	}

	var trace Trace
	trace.N = copy(trace.Sites[:], sites)

	hash := hashSites(trace.Sites[:trace.N])
	if _, exists := depot.Load(hash); exists {
		return hash
	}

	depot.Store(hash, &trace)
	return hash
}

// Get retrieves a trace by hash, or nil if the hash is zero or unknown.
func Get(hash uint64) *Trace {
	if hash == 0 {
		return nil
	}

	val, ok := depot.Load(hash)
	if !ok {
		return nil
	}

	return val.(*Trace)
}

// hashSites computes the FNV-1a hash of a site sequence.
// A zero result is remapped so that 0 keeps meaning "no trace".
func hashSites(sites []Site) uint64 {
	h := fnv.New64a()

	var buf [8]byte
	for _, s := range sites {
		binary.LittleEndian.PutUint32(buf[0:], s.FuncIndex)
		binary.LittleEndian.PutUint32(buf[4:], s.Offset)
		_, _ = h.Write(buf[:]) // Write never returns error for hash.Hash.
	}

	sum := h.Sum64()
	if sum == 0 {
		sum = 1
	}
	return sum
}

// Format renders the trace one site per line, most recent first:
//
//	  wasm-function[12]:0x4a
//	  wasm-function[3]:0x1f0
func (t *Trace) Format() string {
	if t == nil || t.N == 0 {
		return "  <no native transitions>\n"
	}

	var buf strings.Builder
	for _, s := range t.Sites[:t.N] {
		fmt.Fprintf(&buf, "  %s\n", s)
	}
	return buf.String()
}

// Reset clears the depot (for testing).
//
// Thread Safety: NOT safe for concurrent calls.
func Reset() {
	depot = sync.Map{}
}

// Stats returns the number of unique traces and their approximate memory use.
//
// Performance: O(N) - must iterate all entries in sync.Map.
func Stats() (uniqueTraces int, totalMemory int64) {
	depot.Range(func(_, _ any) bool {
		uniqueTraces++
		return true
	})

	// Trace body plus ~32 bytes of sync.Map entry overhead.
	const bytesPerTrace = MaxFrames*8 + 8 + 32
	totalMemory = int64(uniqueTraces) * bytesPerTrace

	return uniqueTraces, totalMemory
}
