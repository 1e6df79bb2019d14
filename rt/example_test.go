package rt_test

import (
	"fmt"

	"github.com/kolkov/shadowrt/rt"
)

// Example demonstrates allocation and a barriered store.
func Example() {
	rt.Init()
	defer rt.Fini()

	w := rt.MainWorker()
	node, err := rt.RegisterType(rt.TypeDesc{
		Name:     "ExampleNode",
		BaseSize: 8,
		Fields:   []rt.Field{{Name: "next", Offset: 4, IsRef: true}},
	})
	if err != nil {
		panic(err)
	}

	a := rt.NewObject(w, rt.GetShadowStackTop(w), node)
	b := rt.NewObject(w, rt.GetShadowStackTop(w), node)
	rt.AssignRef(a+4, b)

	fmt.Println(rt.Default().Barrier().Stats().Marks)

	// Output:
	// 1
}

// Example_nativeTransition shows roots kept alive across a native call.
func Example_nativeTransition() {
	r, err := rt.New(rt.DefaultConfig(), nil)
	if err != nil {
		panic(err)
	}
	w, err := r.AttachWorker()
	if err != nil {
		panic(err)
	}

	top := rt.GetShadowStackTop(w)
	w.Region().Push(0x10000) // a live reference held by the caller

	w.CallNative(rt.ReturnSite{FuncIndex: 7, Offset: 0x2a}, func() {
		cycle := r.Collect()
		fmt.Println("roots:", cycle.RootCount(), "frames:", len(cycle.Workers[0].Frames))
	})

	rt.SetShadowStackTop(w, top)
	r.DetachWorker(w)

	// Output:
	// roots: 1 frames: 1
}

// Example_exception shows a managed exception crossing native code.
func Example_exception() {
	r, err := rt.New(rt.DefaultConfig(), nil)
	if err != nil {
		panic(err)
	}
	w, err := r.AttachWorker()
	if err != nil {
		panic(err)
	}

	rt.ThrowNativeException(w)
	fmt.Println(w.Signal().Raised())
	fmt.Println(rt.ReleaseNativeException(w))

	// Output:
	// true
	// managed
}
