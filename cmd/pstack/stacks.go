// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/ianlancetaylor/demangle"
	"github.com/spf13/cobra"

	"github.com/coredump-tools/pstack/proc"
	"github.com/coredump-tools/pstack/unwind"
)

// runStacks is the root command's default action: attach to (or open) the
// named target, then print every thread's call stack, innermost frame
// first (spec.md §4.E, §6's "unwind(thread) -> lazy sequence<Frame>").
func runStacks(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logSink()

	process, err := openTarget(args, log)
	if err != nil {
		return err
	}
	defer process.Detach()

	if err := process.Load(); err != nil {
		return fmt.Errorf("loaded-object discovery: %w", err)
	}

	resolver := newObjectResolver(cfg.DebugPrefix, log)

	threads := process.Threads()
	if len(threads) == 0 {
		return fmt.Errorf("no threads found in target")
	}

	for i, t := range threads {
		if i > 0 {
			fmt.Println()
		}
		fmt.Printf("Thread %d\n", t.ID())
		printStack(process, t, resolver, cfg.MaxFrames)
	}
	return nil
}

func printStack(process proc.Process, t proc.Thread, resolver *objectResolver, maxFrames int) {
	it := unwind.NewFrameIterator(process, t, resolver, maxFrames)
	depth := 0
	for {
		frame, ok := it.Next()
		if !ok {
			break
		}
		printFrame(depth, frame)
		depth++
	}
	if err := it.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "  (unwind stopped: %v)\n", err)
	}
}

func printFrame(depth int, f unwind.Frame) {
	name := frameName(f)
	objName := "??"
	if f.Object != nil {
		objName = objectLabel(f.Object)
	}
	loc := ""
	if f.File != "" {
		loc = fmt.Sprintf(" at %s:%d", f.File, f.Line)
	}
	if flagShowAddrs {
		fmt.Printf("#%-3d %s %s (%s)%s\n", depth, f.PC, name, objName, loc)
	} else {
		fmt.Printf("#%-3d %s (%s)%s\n", depth, name, objName, loc)
	}
}

// frameName demangles f.Symbol best-effort: the same degrade-to-raw-name
// policy vtable.demangleName applies to vtable symbols (spec.md §7).
func frameName(f unwind.Frame) string {
	if f.Symbol == "" || f.Symbol == "??" {
		return "??"
	}
	if d, err := demangle.ToString(f.Symbol); err == nil {
		return d
	}
	return f.Symbol
}

func objectLabel(o *proc.LoadedObject) string {
	if o.Name != "" {
		return o.Name
	}
	if o.Path != "" {
		return o.Path
	}
	return "<main>"
}
