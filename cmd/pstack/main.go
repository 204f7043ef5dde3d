// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command pstack inspects a running process or a post-mortem core image
// of one and reports, per thread, the call stack decoded into symbolic
// form. A "vtables" subcommand scans a core's memory for pointers that
// plausibly reference C++ virtual-function tables, reporting a
// per-class count histogram (spec.md §6, the consumer this module's
// core exists to serve).
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/coredump-tools/pstack/config"
	"github.com/coredump-tools/pstack/logging"
	"github.com/coredump-tools/pstack/proc"
)

var (
	flagConfigPath   string
	flagDebugPrefix  string
	flagVerbose      bool
	flagMaxFrames    int
	flagShowAddrs    bool
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		// cobra has already printed the error; translate it to spec.md
		// §6's exit-code contract (usage errors are distinguished by
		// cobra's own flag/arg parsing failures, everything else is a
		// parse/attach failure).
		if _, ok := err.(usageError); ok {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// usageError marks a returned error as a CLI usage mistake (spec.md §6
// exit code 2) rather than a parse/attach failure (exit code 1).
type usageError struct{ error }

// targetArgs validates the shared "[executable] <core|pid>" positional
// grammar the root command and both subcommands accept, returning a usageError (rather than
// cobra's own generic arg-count error) so main's exit-code translation
// can tell a malformed invocation from a failed attach.
func targetArgs(cmd *cobra.Command, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usageError{fmt.Errorf("expected [executable] <core|pid>, got %d arguments", len(args))}
	}
	return nil
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "pstack [flags] [executable] <core|pid>",
		Short:         "Print symbolic call stacks from a live process or core image",
		SilenceUsage:  true,
		SilenceErrors: false,
		Args:          targetArgs,
		RunE:          runStacks,
	}
	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to a pstack config.yaml (default: "+config.DefaultPath()+")")
	root.PersistentFlags().StringVar(&flagDebugPrefix, "debug-prefix", "", "override the .gnu_debuglink search prefix")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log parse warnings and skipped objects to stderr")
	root.PersistentFlags().IntVar(&flagMaxFrames, "max-frames", 0, "bound the number of frames unwound per thread (default: config's max_frames)")
	root.PersistentFlags().BoolVarP(&flagShowAddrs, "show-addresses", "s", false, "print each frame's raw PC alongside its symbol")
	root.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return usageError{err}
	})

	root.AddCommand(newVTablesCommand())
	root.AddCommand(newExploreCommand())
	return root
}

// loadConfig resolves the tunables a command needs, applying --config
// and the targeted per-flag overrides on top of config.Default().
func loadConfig() (config.Config, error) {
	path := flagConfigPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if flagDebugPrefix != "" {
		cfg.DebugPrefix = flagDebugPrefix
	}
	if flagMaxFrames > 0 {
		cfg.MaxFrames = flagMaxFrames
	}
	return cfg, nil
}

func logSink() logging.Sink {
	if flagVerbose {
		return logging.Std(os.Stderr)
	}
	return logging.Discard
}

// loadableProcess is a proc.Process with the Load method that both
// *proc.CoreProcess and *proc.LiveProcess provide.
type loadableProcess interface {
	proc.Process
	Load() error
}

// openTarget implements spec.md §6's positional argument grammar:
// "[executable] <core|pid>". A lone numeric argument is a PID to
// attach to live; otherwise the last argument is a core file and an
// optional leading argument names the executable that produced it.
func openTarget(args []string, log logging.Sink) (loadableProcess, error) {
	var execPath, target string
	switch len(args) {
	case 1:
		target = args[0]
	case 2:
		execPath, target = args[0], args[1]
	default:
		return nil, usageError{fmt.Errorf("expected [executable] <core|pid>, got %d arguments", len(args))}
	}

	if pid, err := strconv.Atoi(target); err == nil {
		p, err := proc.AttachLive(pid, log)
		if err != nil {
			return nil, fmt.Errorf("attaching to pid %d: %w", pid, err)
		}
		return p, nil
	}

	p, err := proc.OpenCore(target, execPath, log)
	if err != nil {
		return nil, fmt.Errorf("opening core %s: %w", target, err)
	}
	return p, nil
}
