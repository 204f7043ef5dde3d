// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/ianlancetaylor/demangle"
	"github.com/spf13/cobra"

	"github.com/coredump-tools/pstack/proc"
	"github.com/coredump-tools/pstack/unwind"
)

// newExploreCommand builds a small read-eval-print loop over an already
// opened target: `sym NAME` looks up a symbol by exact name across every
// loaded object, `addr HEX` symbolicates an address the way a stack
// frame would be, and `frame TID` prints one thread's unwound stack on
// demand, all without re-running the tool for each query.
func newExploreCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "explore [flags] [executable] <core|pid>",
		Short: "Open an interactive prompt for ad hoc symbol and address lookups",
		Args:  targetArgs,
		RunE:  runExplore,
	}
	return cmd
}

func runExplore(cmd *cobra.Command, args []string) error {
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
	resolver.elvesByObject(process.LoadedObjects())

	rl, err := readline.New("(pstack) ")
	if err != nil {
		return fmt.Errorf("starting line editor: %w", err)
	}
	defer rl.Close()

	e := &explorer{process: process, resolver: resolver, maxFrames: cfg.MaxFrames, out: rl.Stdout()}
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := e.dispatch(strings.TrimSpace(line)); err != nil {
			if err == io.EOF {
				return nil
			}
			fmt.Fprintf(e.out, "error: %v\n", err)
		}
	}
}

type explorer struct {
	process   proc.Process
	resolver  *objectResolver
	maxFrames int
	out       io.Writer
}

func (e *explorer) dispatch(line string) error {
	if line == "" {
		return nil
	}
	fields := strings.Fields(line)
	cmd, rest := fields[0], fields[1:]
	switch cmd {
	case "sym":
		return e.lookupSymbol(rest)
	case "addr":
		return e.lookupAddress(rest)
	case "frame":
		return e.printThread(rest)
	case "help":
		fmt.Fprintln(e.out, "commands: sym NAME | addr HEX | frame TID | quit")
		return nil
	case "quit", "exit":
		return io.EOF
	default:
		return fmt.Errorf("unknown command %q (try \"help\")", cmd)
	}
}

func (e *explorer) lookupSymbol(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: sym NAME")
	}
	for _, o := range e.process.LoadedObjects() {
		f := e.resolver.elves[o]
		if f == nil {
			continue
		}
		syms, err := f.Symbols()
		if err != nil {
			continue
		}
		for _, sym := range syms {
			if sym.Name != args[0] {
				continue
			}
			fmt.Fprintf(e.out, "%s  size=%d  in %s\n", o.LoadBase.Add(int64(sym.Value)), sym.Size, objectLabel(o))
		}
	}
	return nil
}

func (e *explorer) lookupAddress(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: addr HEX")
	}
	pc, err := parseHexAddress(args[0])
	if err != nil {
		return fmt.Errorf("parsing address: %w", err)
	}
	o := e.process.ObjectContainingPC(pc)
	if o == nil {
		fmt.Fprintln(e.out, "??")
		return nil
	}
	info := e.resolver.ObjectInfo(o)
	name, file, line := unwind.Symbolicate(o, info, pc)
	if d, err := demangle.ToString(name); err == nil {
		name = d
	}
	if file != "" {
		fmt.Fprintf(e.out, "%s (%s) at %s:%d\n", name, objectLabel(o), file, line)
	} else {
		fmt.Fprintf(e.out, "%s (%s)\n", name, objectLabel(o))
	}
	return nil
}

func (e *explorer) printThread(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: frame TID")
	}
	tid, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("parsing tid: %w", err)
	}
	for _, t := range e.process.Threads() {
		if t.ID() != tid {
			continue
		}
		printStack(e.process, t, e.resolver, e.maxFrames)
		return nil
	}
	return fmt.Errorf("no thread with id %d", tid)
}
