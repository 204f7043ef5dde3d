// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package unwind turns a thread's captured register file into a
// sequence of stack frames by walking call frame information (spec.md
// §4.E): look up the loaded object containing the program counter,
// find its FDE, compute the canonical frame address and the register
// rules in effect there, apply them to recover the caller's registers,
// and repeat.
package unwind

import (
	"encoding/binary"
	"errors"

	"github.com/coredump-tools/pstack/dwarf"
	"github.com/coredump-tools/pstack/elf"
	"github.com/coredump-tools/pstack/proc"
)

// x86-64 psABI DWARF register numbers for the two registers the
// unwinder consults by name; every other register rule is carried
// through generically by number. Grounded on the name-to-DWARF-number
// mapping idiom golang-debug's internal/gocore/dwarf.go
// (hardwareRegs2DWARF, regnum.AMD64NameToDwarf) uses for the same
// purpose, generalized here from a Go-runtime-specific register dump
// to any CFI consumer.
const (
	RegPC = 16 // rip
	RegSP = 7  // rsp
)

// ErrNoFDE names the case where no call frame information covers a
// frame's program counter, so unwinding cannot continue past it.
// FrameIterator does not return it: the walk ends at that frame and Err
// reports nil.
var ErrNoFDE = errors.New("unwind: no call frame information for this address")

// ErrUnsupportedRule names the case where a frame's return address, or
// the CFA itself, depends on a DWARF expression pstack doesn't evaluate
// (spec.md §4.C design note: RuleExpression/RuleValExpression/
// def_cfa_expression are parsed but not interpreted). FrameIterator
// does not return it: the walk ends at that frame and Err reports nil.
var ErrUnsupportedRule = errors.New("unwind: rule requires DWARF expression evaluation")

// ObjectInfo bundles the debug resources available for one loaded
// object: the ELF symbol table for the primary by-address lookup, the
// parsed call frame information the frame iterator walks, and
// (optionally) a DWARF symbol table for the subprogram-lookup fallback
// spec.md §4.E step 6 calls for when the ELF symbol table has nothing
// for a PC.
type ObjectInfo struct {
	ELF      *elf.File
	CFI      *dwarf.Section
	Symbols  *dwarf.SymbolTable // nil if the object carries no DWARF info
	AddrSize int
	Order    binary.ByteOrder
}

// Resolver supplies the debug resources for a loaded object. Callers
// typically parse each object's ELF/CFI/DWARF once, up front, and
// return the cached *ObjectInfo here keyed by the object pointer
// proc.Process.LoadedObjects returned.
type Resolver interface {
	ObjectInfo(o *proc.LoadedObject) *ObjectInfo
}

// Frame is one emitted stack frame.
type Frame struct {
	// PC is the frame's relocated program counter: for the topmost
	// frame, the thread's captured PC; for every other frame, the
	// return address recovered from its callee.
	PC proc.Address
	// CFA is the frame's canonical frame address.
	CFA proc.Address
	// Object is the loaded object PC falls within, or nil if none did
	// (in which case Symbol is "??" and File/Line are left zero).
	Object *proc.LoadedObject
	// Symbol is the best available name for PC ("??" if none was
	// found), resolved via the ELF symbol table and, failing that, the
	// DWARF subprogram walk.
	Symbol string
	// File and Line are the DWARF line-table entry for PC, if the
	// object carries line information covering it.
	File string
	Line int
}
