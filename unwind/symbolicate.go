// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package unwind

import (
	"github.com/coredump-tools/pstack/elf"
	"github.com/coredump-tools/pstack/proc"
)

// Symbolicate is symbolicate exported for callers outside the package
// that already hold an object's *ObjectInfo and a relocated address —
// an interactive explorer resolving an address the user typed, for
// instance, rather than a frame the unwinder produced.
func Symbolicate(o *proc.LoadedObject, info *ObjectInfo, pc proc.Address) (name, file string, line int) {
	return symbolicate(info, uint64(o.Unrelocated(pc)))
}

// symbolicate resolves unrelocated (pc already translated to the
// object's own link addresses) to a name, falling back from the ELF
// symbol table to the DWARF subprogram walk, and separately resolves a
// source file/line from the DWARF line table when available. A PC with
// no match in either degrades to "??" rather than failing the frame
// (spec.md §7: symbolication failure is non-fatal).
func symbolicate(info *ObjectInfo, unrelocated uint64) (name, file string, line int) {
	name = "??"
	if info == nil {
		return
	}
	if info.ELF != nil {
		if sym, err := info.ELF.FindSymbolByAddress(unrelocated, elf.SymTypeFunc); err == nil {
			name = sym.Name
		}
	}
	if info.Symbols == nil {
		return
	}
	if name == "??" {
		if fn, _, _, err := info.Symbols.FunctionForPC(unrelocated); err == nil {
			name = fn
		}
	}
	if f, l, err := info.Symbols.LineForPC(unrelocated); err == nil {
		file, line = f, l
	}
	return
}
