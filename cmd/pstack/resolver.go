// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"os"

	"github.com/coredump-tools/pstack/breader"
	"github.com/coredump-tools/pstack/dwarf"
	"github.com/coredump-tools/pstack/elf"
	"github.com/coredump-tools/pstack/logging"
	"github.com/coredump-tools/pstack/proc"
	"github.com/coredump-tools/pstack/unwind"
)

// objectResolver implements unwind.Resolver by opening and parsing each
// loaded object's ELF/CFI/DWARF resources the first time the unwinder
// asks about it, then caching the result for the process's lifetime
// (spec.md §4.E step 1: "ask the process for the loaded object
// containing the current PC"). It also keeps the opened *elf.File
// around so the vtables subcommand can reuse the same parse instead of
// opening every object twice.
type objectResolver struct {
	debugPrefix string
	log         logging.Sink

	cache map[*proc.LoadedObject]*unwind.ObjectInfo
	elves map[*proc.LoadedObject]*elf.File
}

func newObjectResolver(debugPrefix string, log logging.Sink) *objectResolver {
	return &objectResolver{
		debugPrefix: debugPrefix,
		log:         logging.OrDiscard(log),
		cache:       make(map[*proc.LoadedObject]*unwind.ObjectInfo),
		elves:       make(map[*proc.LoadedObject]*elf.File),
	}
}

// ObjectInfo implements unwind.Resolver.
func (r *objectResolver) ObjectInfo(o *proc.LoadedObject) *unwind.ObjectInfo {
	if info, ok := r.cache[o]; ok {
		return info
	}
	info := r.buildObjectInfo(o)
	r.cache[o] = info
	return info
}

// elvesByObject forces every object to be opened (used by the vtables
// subcommand, which needs a symbol table per object regardless of
// whether the unwinder ever asked about it) and returns the resulting
// map; objects that failed to open have no entry in it.
func (r *objectResolver) elvesByObject(objects []*proc.LoadedObject) map[*proc.LoadedObject]*elf.File {
	for _, o := range objects {
		r.ObjectInfo(o)
	}
	return r.elves
}

func (r *objectResolver) buildObjectInfo(o *proc.LoadedObject) *unwind.ObjectInfo {
	if o.Path == "" {
		return nil
	}
	f, err := r.open(o)
	if err != nil {
		r.log.Warnf("pstack: opening %s: %v", o.Path, err)
		return nil
	}
	r.elves[o] = f
	f.EnsureCompanion(o.Path, r.debugPrefix)

	return &unwind.ObjectInfo{
		ELF:      f,
		AddrSize: f.AddrSize(),
		Order:    f.ByteOrder(),
		CFI:      r.loadCFI(f),
		Symbols:  r.loadDWARFSymbols(f),
	}
}

func (r *objectResolver) open(o *proc.LoadedObject) (*elf.File, error) {
	file, err := os.Open(o.Path)
	if err != nil {
		return nil, err
	}
	return elf.OpenWithLog(breader.NewFileReader(file), logAdapter{r.log})
}

// loadCFI prefers .eh_frame (present in every compiler-emitted object)
// and falls back to .debug_frame, matching spec.md §6's "DWARF v3/v4
// CFI (.debug_frame and .eh_frame)". A missing or malformed CFI section
// is a non-fatal degradation (spec.md §7): the unwinder simply stops at
// the first frame in that object.
func (r *objectResolver) loadCFI(f *elf.File) *dwarf.Section {
	if sec, err := f.GetSection(".eh_frame", elf.SHTAny); err == nil {
		if cfi := r.parseCFI(sec, f, dwarf.FormatEhFrame); cfi != nil {
			return cfi
		}
	}
	if sec, err := f.GetSection(".debug_frame", elf.SHTAny); err == nil {
		if cfi := r.parseCFI(sec, f, dwarf.FormatDebugFrame); cfi != nil {
			return cfi
		}
	}
	return nil
}

func (r *objectResolver) parseCFI(sec *elf.Section, f *elf.File, format dwarf.Format) *dwarf.Section {
	data, err := sec.Bytes()
	if err != nil {
		r.log.Warnf("pstack: reading %s: %v", sec.Name, err)
		return nil
	}
	cfi, err := dwarf.ParseSection(format, data, f.ByteOrder(), f.AddrSize(), sec.Addr)
	if err != nil {
		r.log.Warnf("pstack: parsing %s: %v", sec.Name, err)
		return nil
	}
	return cfi
}

// loadDWARFSymbols builds the DWARF subprogram/line fallback table
// spec.md §4.E step 6 calls for when the ELF symbol table has nothing
// for a PC, or nil if the object carries no .debug_info (stripped, or
// never compiled with -g) -- a non-fatal degradation (spec.md §7).
func (r *objectResolver) loadDWARFSymbols(f *elf.File) *dwarf.SymbolTable {
	abbrev, err := sectionBytes(f, ".debug_abbrev")
	if err != nil {
		return nil
	}
	info, err := sectionBytes(f, ".debug_info")
	if err != nil {
		return nil
	}
	str, _ := sectionBytes(f, ".debug_str")
	line, _ := sectionBytes(f, ".debug_line")
	tab, err := dwarf.NewSymbolTable(abbrev, info, str, line)
	if err != nil {
		r.log.Warnf("pstack: parsing DWARF symbol table: %v", err)
		return nil
	}
	return tab
}

func sectionBytes(f *elf.File, name string) ([]byte, error) {
	sec, err := f.GetSection(name, elf.SHTAny)
	if err != nil {
		return nil, err
	}
	return sec.Bytes()
}

// logAdapter lets objectResolver hand its logging.Sink to elf.OpenWithLog,
// which accepts any value satisfying its own (unexported) Debugf/Warnf
// surface rather than logging.Sink itself, to avoid an elf->logging
// import it otherwise wouldn't need.
type logAdapter struct{ s logging.Sink }

func (a logAdapter) Debugf(format string, args ...interface{}) { a.s.Debugf(format, args...) }
func (a logAdapter) Warnf(format string, args ...interface{})  { a.s.Warnf(format, args...) }
