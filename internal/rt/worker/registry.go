// Package worker ties the per-worker runtime state together and hands out
// worker ids.
//
// A worker is any goroutine that runs generated code. It attaches once,
// receiving a Context with its own shadow stack, transition chain, exception
// signal, dynamic stack and allocation window, and detaches when done. Ids
// are recycled; fatal reports and transition frame stamps carry them.
package worker

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"import.name/lock"

	"github.com/kolkov/shadowrt/internal/rt/fatal"
	"github.com/kolkov/shadowrt/internal/rt/linmem"
)

// MaxWorkers is the number of ids available. fatal.NoWorker is never used.
const MaxWorkers = int(fatal.NoWorker)

// ErrTooManyWorkers is returned by Attach when every id is in use.
var ErrTooManyWorkers = errors.New("too many workers")

// Reserver hands out zero-filled blocks of linear memory.
// *linmem.Mapper implements it.
type Reserver interface {
	Reserve(size, align uint32) linmem.Addr
	Release(addr linmem.Addr, size uint32) bool
}

// Config sizes the per-worker regions. Zero values select the defaults of
// the shadowstack and dynstack packages.
type Config struct {
	StackSize    uint32
	DynamicLimit uint64
}

// Registry tracks attached workers.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mapper Reserver
	mem    linmem.Memory
	cfg    Config
	log    *slog.Logger

	// retire is held exclusively while a detaching worker's regions are
	// freed, and shared by Each, so a walk never sees freed memory.
	retire sync.RWMutex

	mu   sync.Mutex
	next uint16   // Never-used ids start here.
	free []uint16 // Recycled ids, reused LIFO.
	live map[uint16]*Context
}

// NewRegistry creates a registry whose workers reserve their regions from
// mapper. A nil logger discards log output.
func NewRegistry(mapper Reserver, mem linmem.Memory, cfg Config, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		mapper: mapper,
		mem:    mem,
		cfg:    cfg,
		log:    log,
		live:   make(map[uint16]*Context),
	}
}

// Attach registers a new worker.
func (r *Registry) Attach() (*Context, error) {
	var (
		c   *Context
		err error
	)

	lock.Guard(&r.mu, func() {
		var id uint16
		switch {
		case len(r.free) > 0:
			id = r.free[len(r.free)-1]
			r.free = r.free[:len(r.free)-1]
		case int(r.next) < MaxWorkers:
			id = r.next
			r.next++
		default:
			err = ErrTooManyWorkers
			return
		}

		c = newContext(id, r.mapper, r.mem, r.cfg)
		r.live[id] = c
	})
	if err != nil {
		return nil, err
	}

	r.log.Debug("worker attached", "worker", int(c.id))
	return c, nil
}

// Detach releases the regions of c and recycles its id. Detaching a worker
// with open transition frames is fatal.
func (r *Registry) Detach(c *Context) {
	if n := c.chain.Depth(); n > 0 {
		fatal.Workerf(fatal.KindUnmatchedTransition, c.id, c.Trace(), "detach with %d open native transitions", n)
	}
	if c.exc.Raised() {
		r.log.Warn("worker detached with pending exception", "worker", int(c.id), "reason", c.exc.Reason().String())
	}

	r.retire.Lock()
	defer r.retire.Unlock()

	var registered bool
	lock.Guard(&r.mu, func() {
		if r.live[c.id] == c {
			delete(r.live, c.id)
			registered = true
		}
	})

	c.stack.Free()
	c.dyn.Free()
	c.alloc.Ptr, c.alloc.Limit = 0, 0

	if registered {
		lock.Guard(&r.mu, func() {
			r.free = append(r.free, c.id)
		})
	}

	r.log.Debug("worker detached", "worker", int(c.id))
}

// Lookup returns the attached worker with id, or nil.
func (r *Registry) Lookup(id uint16) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[id]
}

// Len returns the number of attached workers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Each calls fn for every attached worker in id order until fn returns
// false. fn runs without the registry lock held, but Detach waits for it to
// return; fn must not detach workers.
func (r *Registry) Each(fn func(*Context) bool) {
	r.retire.RLock()
	defer r.retire.RUnlock()

	var list []*Context
	lock.Guard(&r.mu, func() {
		list = make([]*Context, 0, len(r.live))
		for _, c := range r.live {
			list = append(list, c)
		}
	})
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })

	for _, c := range list {
		if !fn(c) {
			return
		}
	}
}
