// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vtable scans a process's loaded objects for symbols matching
// a glob pattern (by default the Itanium C++ ABI's `_ZTV*` vtable
// symbols), then sweeps every readable page counting pointer-sized
// words that point into one of those symbols — a cheap way to count
// live instances of a C++ class in a core dump without walking the
// heap allocator's own bookkeeping (spec.md §4.F).
package vtable

import (
	"path"

	"github.com/ianlancetaylor/demangle"

	"github.com/coredump-tools/pstack/elf"
	"github.com/coredump-tools/pstack/proc"
)

// DefaultPatterns is the glob pattern set used when the caller supplies
// none: every Itanium-mangled vtable symbol.
var DefaultPatterns = []string{"_ZTV*"}

// Candidate is one collected symbol a word in memory may point into.
type Candidate struct {
	Name      string
	Address   proc.Address
	Size      uint64
	Object    *proc.LoadedObject
}

// CountRow is one line of the scanner's output: a candidate symbol and
// how many pointer-sized, pointer-aligned words across the process's
// readable memory pointed into it.
type CountRow struct {
	Candidate
	// Demangled is demangle.ToString(Name), or Name itself if it isn't
	// a valid Itanium mangled name (demangle failure degrades to the
	// raw name rather than failing the scan, spec.md §7).
	Demangled string
	Count     int
}

// Collect gathers every candidate vtable symbol across objects, the
// entry point cmd/pstack's vtables subcommand drives the scanner
// through (spec.md §4.F step 1).
func Collect(objects []*proc.LoadedObject, elves map[*proc.LoadedObject]*elf.File, patterns []string) ([]Candidate, error) {
	return collectCandidates(objects, elves, patterns)
}

// Demangle is demangleName exported for callers formatting a CountRow's
// raw Name themselves.
func Demangle(name string) string { return demangleName(name) }

// collectCandidates gathers every symbol in every loaded object whose
// name matches one of patterns, relocated by the object's load base
// (spec.md §4.F step 1).
func collectCandidates(objects []*proc.LoadedObject, elves map[*proc.LoadedObject]*elf.File, patterns []string) ([]Candidate, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	var out []Candidate
	for _, obj := range objects {
		f := elves[obj]
		if f == nil {
			continue
		}
		syms, err := f.Symbols()
		if err != nil {
			return nil, err
		}
		for _, sym := range syms {
			if sym.Name == "" {
				continue
			}
			matched := false
			for _, pat := range patterns {
				if ok, _ := path.Match(pat, sym.Name); ok {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
			out = append(out, Candidate{
				Name:    sym.Name,
				Address: obj.LoadBase.Add(int64(sym.Value)),
				Size:    sym.Size,
				Object:  obj,
			})
		}
	}
	return out, nil
}

// demangleName best-effort demangles name, falling back to the raw name
// on any failure (unmangled C symbols, malformed input).
func demangleName(name string) string {
	if d, err := demangle.ToString(name); err == nil {
		return d
	}
	return name
}
