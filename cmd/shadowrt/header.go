// header.go implements the 'shadowrt header' command.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/kolkov/shadowrt/internal/rt/debugger"
)

// headerCommand implements the 'shadowrt header' command.
//
// It prints the debug header of a runtime created from the configuration,
// either decoded (the default) or as a hex dump of its encoding.
//
// Example:
//
//	shadowrt -o heap.cardshift=10 header
//	shadowrt header -hex
func headerCommand(args []string) {
	flags := flag.NewFlagSet("header", flag.ExitOnError)
	dump := flags.Bool("hex", false, "print the encoded header as hex")
	flags.Parse(args)

	r := newRuntime()
	defer r.Close(context.Background())

	data, err := r.DebugHeader().MarshalBinary()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *dump {
		fmt.Print(hex.Dump(data))
		return
	}

	if err := printHeader(os.Stdout, data); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// printHeader decodes an encoded header and prints its entries.
func printHeader(w io.Writer, data []byte) error {
	var h debugger.Header
	if err := h.UnmarshalBinary(data); err != nil {
		return err
	}

	fmt.Fprintf(w, "Debug header %s, %d-byte pointers, %d bytes\n", h.Version(), h.PointerSize(), len(data))

	fmt.Fprintf(w, "\nTypes:\n")
	for _, e := range h.Types {
		if e.FieldName == debugger.SizeField {
			fmt.Fprintf(w, "  %-24s size %d\n", e.TypeName, e.Offset)
		} else {
			fmt.Fprintf(w, "  %-24s %s @ %d\n", e.TypeName, e.FieldName, e.Offset)
		}
	}

	fmt.Fprintf(w, "\nGlobals:\n")
	for _, e := range h.Globals {
		fmt.Fprintf(w, "  %-24s 0x%08x\n", e.Name, e.Address)
	}

	fmt.Fprintf(w, "\nDefines:\n")
	for _, e := range h.Defines {
		fmt.Fprintf(w, "  %-24s %s\n", e.Name, e.Value)
	}
	return nil
}
