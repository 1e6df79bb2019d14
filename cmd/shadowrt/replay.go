// replay.go implements the 'shadowrt replay' command.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"import.name/pan"

	"github.com/kolkov/shadowrt/internal/rt/api"
	"github.com/kolkov/shadowrt/internal/rt/collector"
	"github.com/kolkov/shadowrt/internal/rt/debugger"
	"github.com/kolkov/shadowrt/internal/rt/linmem"
	"github.com/kolkov/shadowrt/internal/rt/transition"
	"github.com/kolkov/shadowrt/internal/rt/typedesc"
	"github.com/kolkov/shadowrt/internal/rt/worker"
)

var z = new(pan.Zone)

// replayCommand implements the 'shadowrt replay' command.
//
// The trace is a JSON document:
//
//	{
//	  "types": [
//	    {"name": "Node", "size": 12, "fields": [{"name": "next", "offset": 4, "ref": true}]}
//	  ],
//	  "ops": [
//	    {"op": "attach", "worker": 0},
//	    {"op": "reserve", "worker": 0, "slots": 2, "as": "f"},
//	    {"op": "alloca", "worker": 0, "frame": "f", "size": 64, "as": "buf"},
//	    {"op": "new", "worker": 0, "type": "Node", "as": "a"},
//	    {"op": "store-slot", "worker": 0, "frame": "f", "index": 0, "ref": "a"},
//	    {"op": "native-enter", "worker": 0, "func": 3, "offset": 16},
//	    {"op": "collect"},
//	    {"op": "native-leave", "worker": 0}
//	  ]
//	}
//
// Every collection snapshot is printed to stdout.
func replayCommand(args []string) {
	flags := flag.NewFlagSet("replay", flag.ExitOnError)
	quiet := flags.Bool("q", false, "print only the final statistics")
	flags.Parse(args)

	if flags.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Error: replay needs exactly one trace file")
		os.Exit(1)
	}

	data, err := os.ReadFile(flags.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	r := newRuntime()
	defer r.Close(context.Background())

	out := io.Writer(os.Stdout)
	if *quiet {
		out = io.Discard
	}

	if err := replay(out, r, data); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	printStats(os.Stdout, r.Stats())
}

// replayer holds the state of one replay.
type replayer struct {
	out     io.Writer
	r       *api.Runtime
	workers map[int64]*worker.Context
	frames  map[int64][]*transition.Frame
	vars    map[string]linmem.Addr
}

// replay runs the operations of a trace against r. Malformed traces are
// reported as errors; runtime invariant violations are fatal.
func replay(out io.Writer, r *api.Runtime, data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("trace is not valid JSON")
	}

	p := &replayer{
		out:     out,
		r:       r,
		workers: make(map[int64]*worker.Context),
		frames:  make(map[int64][]*transition.Frame),
		vars:    make(map[string]linmem.Addr),
	}

	r.Collector().OnCycle(func(c *collector.Cycle) {
		fmt.Fprint(out, c.Format())
	})

	return z.Recover(func() {
		trace := gjson.ParseBytes(data)

		trace.Get("types").ForEach(func(_, t gjson.Result) bool {
			p.registerType(t)
			return true
		})

		for i, op := range trace.Get("ops").Array() {
			if err := p.step(op); err != nil {
				z.Check(fmt.Errorf("op %d (%s): %w", i, op.Get("op").String(), err))
			}
		}
	})
}

func (p *replayer) registerType(t gjson.Result) {
	d := typedesc.Desc{
		Name:           t.Get("name").String(),
		BaseSize:       uint32(t.Get("size").Uint()),
		ComponentSize:  uint32(t.Get("component").Uint()),
		ComponentIsRef: t.Get("componentRef").Bool(),
		Finalizable:    t.Get("finalizable").Bool(),
		ExplicitLayout: t.Get("explicit").Bool(),
	}

	for _, f := range t.Get("fields").Array() {
		d.Fields = append(d.Fields, typedesc.Field{
			Name:   f.Get("name").String(),
			Offset: uint32(f.Get("offset").Uint()),
			IsRef:  f.Get("ref").Bool(),
		})
	}

	_, err := p.r.RegisterType(d)
	z.Check(err)
}

func (p *replayer) step(op gjson.Result) error {
	name := op.Get("op").String()

	if name == "attach" {
		id := op.Get("worker").Int()
		if p.workers[id] != nil {
			return fmt.Errorf("worker %d already attached", id)
		}
		w, err := p.r.AttachWorker()
		if err != nil {
			return err
		}
		p.workers[id] = w
		return nil
	}

	if name == "collect" {
		p.r.Collect()
		return nil
	}

	w := p.workers[op.Get("worker").Int()]
	if w == nil {
		return fmt.Errorf("worker %d is not attached", op.Get("worker").Int())
	}

	switch name {
	case "detach":
		p.r.DetachWorker(w)
		delete(p.workers, op.Get("worker").Int())

	case "reserve":
		p.define(op, w.Region().Reserve(int(op.Get("slots").Int())))

	case "release":
		base, err := p.lookup(op.Get("frame"))
		if err != nil {
			return err
		}
		w.ReleaseDynamic(base)
		w.Region().Release(base)

	case "alloca":
		frame, err := p.lookup(op.Get("frame"))
		if err != nil {
			return err
		}
		p.define(op, w.AllocDynamic(uint32(op.Get("size").Uint()), frame))

	case "new":
		id, err := p.typeID(op.Get("type").String())
		if err != nil {
			return err
		}
		p.allocated(op, w, p.r.NewObject(w, w.Region().GetOrInitTop(), id))

	case "new-array":
		id, err := p.typeID(op.Get("type").String())
		if err != nil {
			return err
		}
		p.allocated(op, w, p.r.NewArray(w, w.Region().GetOrInitTop(), id, int32(op.Get("length").Int())))

	case "store", "store-checked":
		dst, err := p.lookup(op.Get("dst"))
		if err != nil {
			return err
		}
		ref, err := p.lookup(op.Get("ref"))
		if err != nil {
			return err
		}
		dst += linmem.Addr(op.Get("field").Uint())
		if name == "store" {
			p.r.Barrier().AssignReference(dst, ref)
		} else {
			p.r.Barrier().CheckedAssignReference(dst, ref)
		}

	case "store-slot":
		base, err := p.lookup(op.Get("frame"))
		if err != nil {
			return err
		}
		ref, err := p.lookup(op.Get("ref"))
		if err != nil {
			return err
		}
		p.r.Barrier().CheckedAssignReference(w.Region().Slot(base, int(op.Get("index").Int())), ref)

	case "native-enter":
		var args []uint64
		for _, a := range op.Get("args").Array() {
			args = append(args, a.Uint())
		}
		site := transition.ReturnSite{
			FuncIndex: uint32(op.Get("func").Uint()),
			Offset:    uint32(op.Get("offset").Uint()),
		}
		id := op.Get("worker").Int()
		p.frames[id] = append(p.frames[id], w.EnterNative(site, args...))

	case "native-leave":
		id := op.Get("worker").Int()
		stack := p.frames[id]
		if len(stack) == 0 {
			return fmt.Errorf("worker %d has no open native transition", id)
		}
		w.LeaveNative(stack[len(stack)-1])
		p.frames[id] = stack[:len(stack)-1]

	case "managed-enter":
		w.EnterManaged()

	case "managed-leave":
		w.LeaveManaged()

	case "throw":
		w.Signal().ThrowNative()

	case "release-exc":
		fmt.Fprintf(p.out, "Worker %d released exception: %s\n", w.ID(), w.Signal().ReleaseNative())

	case "protect", "unprotect":
		return p.protect(op, name == "protect")

	case "own", "disown":
		return p.own(op, name == "own")

	default:
		return fmt.Errorf("unknown operation")
	}

	return nil
}

func (p *replayer) protect(op gjson.Result, add bool) error {
	key, err := uuid.Parse(op.Get("key").String())
	if err != nil {
		return err
	}
	if !add {
		if _, ok := p.r.Debugger().RemoveProtectedBuffer(key); !ok {
			return fmt.Errorf("buffer %s is not protected", key)
		}
		return nil
	}

	addr, err := p.lookup(op.Get("addr"))
	if err != nil {
		return err
	}
	return p.r.Debugger().AddProtectedBuffer(key, debugger.Buffer{
		Addr: addr,
		Size: uint32(op.Get("size").Uint()),
	})
}

func (p *replayer) own(op gjson.Result, add bool) error {
	key, err := uuid.Parse(op.Get("key").String())
	if err != nil {
		return err
	}
	if !add {
		if _, ok := p.r.Debugger().RemoveOwnedHandle(key); !ok {
			return fmt.Errorf("handle %s is not owned", key)
		}
		return nil
	}

	obj, err := p.lookup(op.Get("object"))
	if err != nil {
		return err
	}
	return p.r.Debugger().AddOwnedHandle(key, debugger.OwnedHandle{Object: obj})
}

// allocated records the result of an allocation. A null result means the
// worker's exception signal was raised.
func (p *replayer) allocated(op gjson.Result, w *worker.Context, obj linmem.Addr) {
	if obj == 0 {
		fmt.Fprintf(p.out, "Worker %d allocation failed: %s\n", w.ID(), w.Signal().Reason())
	}
	p.define(op, obj)
}

func (p *replayer) define(op gjson.Result, a linmem.Addr) {
	if name := op.Get("as").String(); name != "" {
		p.vars[name] = a
	}
}

// lookup resolves a variable name or a numeric address.
func (p *replayer) lookup(v gjson.Result) (linmem.Addr, error) {
	switch v.Type {
	case gjson.Number:
		return linmem.Addr(v.Uint()), nil
	case gjson.String:
		a, ok := p.vars[v.String()]
		if !ok {
			return 0, fmt.Errorf("undefined variable %q", v.String())
		}
		return a, nil
	case gjson.Null:
		if !v.Exists() {
			return 0, fmt.Errorf("missing operand")
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("bad operand %s", v.Raw)
	}
}

func (p *replayer) typeID(name string) (typedesc.ID, error) {
	d := p.r.Types().ByName(name)
	if d == nil {
		return 0, fmt.Errorf("unknown type %q", name)
	}
	return d.ID, nil
}

func printStats(w io.Writer, st api.Stats) {
	fmt.Fprintln(w, strings.Repeat("=", 18))
	fmt.Fprintf(w, "Objects: %d, arrays: %d, bytes: %d\n", st.Heap.Objects, st.Heap.Arrays, st.Heap.Bytes)
	fmt.Fprintf(w, "Barrier stores: %d, card marks: %d\n", st.Barrier.Stores, st.Barrier.Marks)
	fmt.Fprintf(w, "Collections: %d\n", st.Collections)
}
