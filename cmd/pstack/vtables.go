// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coredump-tools/pstack/elf"
	"github.com/coredump-tools/pstack/proc"
	"github.com/coredump-tools/pstack/vtable"
)

var (
	flagPatterns   []string
	flagRangeStart string
	flagRangeEnd   string
	flagLiteral    string
	flagParallel   bool
)

// newVTablesCommand builds the secondary tool spec.md §4.F describes:
// a glob-matched symbol collector swept against every readable page of
// a core image, reporting either a per-class vtable-pointer histogram,
// an address-range pointer search, or a literal-string search,
// depending on which flags the caller supplied (spec.md §6's "-p", "-f
// START -e END", "-S").
func newVTablesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vtables [flags] [executable] <core|pid>",
		Short: "Scan a core image for C++ vtable pointers and count live instances per class",
		Args:  targetArgs,
		RunE:  runVTables,
	}
	cmd.Flags().StringArrayVarP(&flagPatterns, "pattern", "p", nil, "glob pattern(s) matched against symbol names (default _ZTV*)")
	cmd.Flags().StringVarP(&flagRangeStart, "start", "f", "", "start of an address range to search for pointers (hex)")
	cmd.Flags().StringVarP(&flagRangeEnd, "end", "e", "", "end of an address range to search for pointers (hex, exclusive)")
	cmd.Flags().StringVarP(&flagLiteral, "literal", "S", "", "search memory for a literal string instead of scanning for vtable pointers")
	cmd.Flags().BoolVar(&flagParallel, "parallel", false, "sweep memory pages across GOMAXPROCS workers (spec.md §5's optional parallel sweep)")
	return cmd
}

func runVTables(cmd *cobra.Command, args []string) error {
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

	if flagLiteral != "" {
		return runLiteralSearch(process)
	}

	resolver := newObjectResolver(cfg.DebugPrefix, log)
	objects := process.LoadedObjects()
	elves := resolver.elvesByObject(objects)
	order, addrSize, err := nativeAddrEnv(objects, elves)
	if err != nil {
		return err
	}

	if flagRangeStart != "" || flagRangeEnd != "" {
		return runRangeSearch(process, order, addrSize)
	}

	patterns := flagPatterns
	if len(patterns) == 0 {
		patterns = cfg.VTablePatterns
	}
	return runVTableCount(process, elves, objects, patterns, order, addrSize)
}

func runLiteralSearch(process proc.Process) error {
	hits := vtable.SearchLiteral(process, []byte(flagLiteral))
	for _, h := range hits {
		fmt.Printf("%s\n", h.Address)
	}
	return nil
}

func runRangeSearch(process proc.Process, order binary.ByteOrder, addrSize int) error {
	min, err := parseHexAddress(flagRangeStart)
	if err != nil {
		return usageError{fmt.Errorf("-f: %w", err)}
	}
	max, err := parseHexAddress(flagRangeEnd)
	if err != nil {
		return usageError{fmt.Errorf("-e: %w", err)}
	}
	hits := vtable.SearchRange(process, order, addrSize, min, max)
	for _, h := range hits {
		fmt.Printf("%s\n", h.Slot)
	}
	return nil
}

func runVTableCount(process proc.Process, elves map[*proc.LoadedObject]*elf.File, objects []*proc.LoadedObject, patterns []string, order binary.ByteOrder, addrSize int) error {
	candidates, err := vtable.Collect(objects, elves, patterns)
	if err != nil {
		return fmt.Errorf("collecting vtable symbols: %w", err)
	}

	var rows []vtable.CountRow
	if flagParallel {
		rows = vtable.ParallelCountVTables(process, candidates, order, addrSize)
	} else {
		rows = vtable.CountVTables(process, candidates, order, addrSize)
	}

	for _, row := range rows {
		fmt.Printf("%6d %s\n", row.Count, row.Demangled)
	}
	return nil
}

// nativeAddrEnv derives the byte order and address size the scanner
// should read process memory with from the first successfully opened
// loaded object's ELF header: spec.md's scanner operates in the
// target's own native pointer width, not the host's.
func nativeAddrEnv(objects []*proc.LoadedObject, elves map[*proc.LoadedObject]*elf.File) (binary.ByteOrder, int, error) {
	for _, o := range objects {
		if f := elves[o]; f != nil {
			return f.ByteOrder(), f.AddrSize(), nil
		}
	}
	return nil, 0, fmt.Errorf("no loaded object could be opened to determine address size")
}

func parseHexAddress(s string) (proc.Address, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, err
	}
	return proc.Address(n), nil
}
