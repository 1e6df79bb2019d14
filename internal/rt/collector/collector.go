// Package collector is a root-gathering harness standing in for the
// garbage collector.
//
// It consumes exactly what a collector needs from the calling convention:
// per worker, the transition chain (most recent first) and the shadow stack
// below the root limit; the dirty cards recorded by the write barrier; and
// the debugger's conservative lists. A Cycle is a snapshot of those roots.
// Marking, sweeping and compaction are out of scope.
package collector

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/kolkov/shadowrt/internal/rt/barrier"
	"github.com/kolkov/shadowrt/internal/rt/debugger"
	"github.com/kolkov/shadowrt/internal/rt/linmem"
	"github.com/kolkov/shadowrt/internal/rt/stackdepot"
	"github.com/kolkov/shadowrt/internal/rt/worker"
)

// Reason records what triggered a cycle.
type Reason int

const (
	// ReasonExplicit is a collection requested by the host.
	ReasonExplicit Reason = iota
	// ReasonExhaustion is a collection triggered by a failed allocation.
	ReasonExhaustion
)

func (r Reason) String() string {
	if r == ReasonExhaustion {
		return "exhaustion"
	}
	return "explicit"
}

// Root is a non-null reference slot on a shadow stack.
type Root struct {
	Slot linmem.Addr
	Ref  linmem.Addr
}

// WorkerSnapshot holds the roots of one worker.
type WorkerSnapshot struct {
	ID uint16

	// Frames are the captured shadow stack tops of the open transition
	// frames, most recent first.
	Frames []linmem.Addr

	RootLimit linmem.Addr
	Roots     []Root

	// Trace is the stackdepot hash of the open transition frames.
	Trace uint64
}

// Cycle is the snapshot taken by one collection.
type Cycle struct {
	Seq        uint64
	Reason     Reason
	Workers    []WorkerSnapshot
	DirtyCards []int
	Buffers    []debugger.Buffer
	Handles    []debugger.OwnedHandle
}

// RootCount returns the number of shadow stack roots across all workers.
func (c *Cycle) RootCount() int {
	n := 0
	for _, w := range c.Workers {
		n += len(w.Roots)
	}
	return n
}

// Format renders the cycle for humans.
func (c *Cycle) Format() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Collection #%d (%s)\n", c.Seq, c.Reason)
	for _, w := range c.Workers {
		fmt.Fprintf(&buf, "  Worker %d: %d roots below %s, %d native transitions\n",
			w.ID, len(w.Roots), w.RootLimit, len(w.Frames))
		for _, r := range w.Roots {
			fmt.Fprintf(&buf, "    %s -> %s\n", r.Slot, r.Ref)
		}
		if w.Trace != 0 {
			for _, line := range strings.Split(strings.TrimRight(stackdepot.Get(w.Trace).Format(), "\n"), "\n") {
				fmt.Fprintf(&buf, "  %s\n", line)
			}
		}
	}
	fmt.Fprintf(&buf, "  Dirty cards: %v\n", c.DirtyCards)
	fmt.Fprintf(&buf, "  Protected buffers: %d, owned handles: %d\n", len(c.Buffers), len(c.Handles))
	return buf.String()
}

// Collector gathers roots. Collections are serialized.
//
// Thread Safety: Collect is safe for concurrent use, but the caller must
// ensure that workers are at a safepoint (allocating or in native code).
type Collector struct {
	workers *worker.Registry
	cards   *barrier.CardTable
	dbg     *debugger.Lists
	log     *slog.Logger

	mu     sync.Mutex
	seq    uint64
	last   *Cycle
	notify func(*Cycle)
}

// New creates a collector. A nil logger discards log output.
func New(workers *worker.Registry, cards *barrier.CardTable, dbg *debugger.Lists, log *slog.Logger) *Collector {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Collector{
		workers: workers,
		cards:   cards,
		dbg:     dbg,
		log:     log,
	}
}

// OnCycle installs a callback invoked after every collection.
func (c *Collector) OnCycle(fn func(*Cycle)) {
	c.mu.Lock()
	c.notify = fn
	c.mu.Unlock()
}

// Collect takes a snapshot of every root and clears the card table. The
// OnCycle callback runs after the collector lock is released.
func (c *Collector) Collect(reason Reason) *Cycle {
	cycle, notify := c.collect(reason)
	if notify != nil {
		notify(cycle)
	}
	return cycle
}

func (c *Collector) collect(reason Reason) (*Cycle, func(*Cycle)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	cycle := &Cycle{Seq: c.seq, Reason: reason}

	c.dbg.Safepoint(func(r debugger.Report) {
		cycle.Buffers = r.Buffers
		cycle.Handles = r.Handles

		c.workers.Each(func(w *worker.Context) bool {
			cycle.Workers = append(cycle.Workers, snapshot(w))
			return true
		})

		cycle.DirtyCards = c.cards.DirtyCards()
		c.cards.Clear()
	})

	c.last = cycle
	c.log.Debug("collection",
		"seq", cycle.Seq,
		"reason", reason.String(),
		"workers", len(cycle.Workers),
		"roots", cycle.RootCount(),
		"dirty_cards", len(cycle.DirtyCards))

	return cycle, c.notify
}

// Last returns the most recent cycle, or nil.
func (c *Collector) Last() *Cycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Cycles returns the number of collections performed.
func (c *Collector) Cycles() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// ExhaustionHook is a heap.CollectHook. Roots are gathered but nothing is
// reclaimed, so it reports that retrying is pointless.
func (c *Collector) ExhaustionHook(need uint32) bool {
	c.log.Debug("heap exhausted", "need", need)
	c.Collect(ReasonExhaustion)
	return false
}

func snapshot(w *worker.Context) WorkerSnapshot {
	s := WorkerSnapshot{
		ID:        w.ID(),
		RootLimit: w.RootLimit(),
		Trace:     w.Trace(),
	}
	for _, f := range w.Chain().Frames() {
		s.Frames = append(s.Frames, f.ShadowTop)
	}
	w.EnumerateRoots(func(slot, ref linmem.Addr) {
		s.Roots = append(s.Roots, Root{slot, ref})
	})
	return s
}
