// Package main implements the shadowrt CLI tool.
//
// The tool drives the runtime outside of generated code. It can:
//
//  1. Replay a JSON trace of runtime operations and print every
//     collection snapshot
//  2. Print the debug header describing runtime data structures
//
// Usage:
//
//	shadowrt [options] replay trace.json
//	shadowrt [options] header
//
// Options are configuration keys, read from a TOML file (-f) or assigned
// one by one (-o heap.size=4MB).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"import.name/confi"

	"github.com/kolkov/shadowrt/internal/logging"
	"github.com/kolkov/shadowrt/internal/rt/api"
	"github.com/kolkov/shadowrt/internal/rt/fatal"
	"github.com/kolkov/shadowrt/rt"
)

var c = func() *api.Config {
	x := api.DefaultConfig()
	return &x
}()

const usageText = `shadowrt - shadow-stack runtime tool

USAGE:
    shadowrt [options] <command> [arguments]

COMMANDS:
    replay     Replay a JSON trace of runtime operations
    header     Print the debug header
    version    Show version information
    help       Show this help message

EXAMPLES:
    # Replay a trace with a small heap
    shadowrt -o heap.size=64KB replay trace.json

    # Dump the header as hex
    shadowrt header -hex

OPTIONS:
`

func main() {
	if err := readDefaultConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	flag.Var(confi.FileReader(c), "f", "read TOML configuration file")
	flag.Var(confi.Assigner(c), "o", "set a configuration key (path.to.key=value)")
	configUsage := confi.FlagUsage(nil, c)
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usageText)
		configUsage()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	switch command {
	case "replay":
		replayCommand(args)
	case "header":
		headerCommand(args)
	case "version", "--version", "-v":
		info := rt.GetInfo()
		fmt.Printf("shadowrt version %s (debug header %s)\n", info.Version, info.HeaderVersion)
	case "help", "--help", "-h":
		flag.Usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

// readDefaultConfig reads ~/.config/shadowrt/shadowrt.toml if it exists.
func readDefaultConfig() error {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil
	}

	filename := filepath.Join(dir, "shadowrt", "shadowrt.toml")
	if _, err := os.Stat(filename); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return confi.FileReader(c).Set(filename)
}

// newRuntime creates a runtime from the parsed configuration. Runtime
// invariant violations terminate the process.
func newRuntime() *api.Runtime {
	level := slog.LevelInfo
	if c.Log.Debug {
		level = slog.LevelDebug
	}

	log, err := logging.Init(c.Log.Journal, level)
	if err != nil {
		log.Warn("journal logging unavailable", "error", err)
	}

	fatal.SetHandler(fatal.Exit)

	r, err := api.New(context.Background(), *c, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return r
}
