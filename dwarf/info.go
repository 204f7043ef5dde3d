// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dwarf

import (
	"errors"
	"fmt"

	stddwarf "debug/dwarf"
)

// SymbolTable wraps the standard library's debug/dwarf abbrev/info
// walker with the by-name and by-PC lookups pstack's unwinder and
// symbolication fallback chain need. The CFI engine (cfi.go,
// unwind_rules.go) is hand-rolled because the standard library exposes
// no Call Frame Information at all; the compile-unit/subprogram and
// line-number walk below has nothing CFI-specific about it, so it
// reuses debug/dwarf rather than re-implementing a second DWARF info
// parser from scratch (see DESIGN.md).
type SymbolTable struct {
	data *stddwarf.Data
}

// ErrNotFound is returned by SymbolTable lookups that find nothing.
var ErrNotFound = errors.New("dwarf: not found")

// NewSymbolTable parses the .debug_abbrev/.debug_info/.debug_str (and
// optionally .debug_line, read separately via LineForPC) sections into
// a queryable symbol table.
func NewSymbolTable(abbrev, info, str, line []byte) (*SymbolTable, error) {
	data, err := stddwarf.New(abbrev, nil, nil, info, line, nil, nil, str)
	if err != nil {
		return nil, fmt.Errorf("dwarf: parsing info: %w", err)
	}
	return &SymbolTable{data: data}, nil
}

// FunctionByName returns the low PC of the named DW_TAG_subprogram
// entry.
func (s *SymbolTable) FunctionByName(name string) (uint64, error) {
	r := s.data.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return 0, fmt.Errorf("dwarf: walking info: %w", err)
		}
		if entry == nil {
			break
		}
		if entry.Tag != stddwarf.TagSubprogram {
			continue
		}
		if n, _ := entry.Val(stddwarf.AttrName).(string); n != name {
			continue
		}
		lowpc, ok := entry.Val(stddwarf.AttrLowpc).(uint64)
		if !ok {
			return 0, fmt.Errorf("dwarf: subprogram %q has no low PC", name)
		}
		return lowpc, nil
	}
	return 0, fmt.Errorf("function %q: %w", name, ErrNotFound)
}

// FunctionForPC returns the name and PC range of the DW_TAG_subprogram
// entry containing pc, the fallback pstack's unwinder consults when an
// ELF symbol table lookup comes up empty (spec.md §4.C/§4.E).
func (s *SymbolTable) FunctionForPC(pc uint64) (name string, lowpc, highpc uint64, err error) {
	r := s.data.Reader()
	for {
		entry, rerr := r.Next()
		if rerr != nil {
			return "", 0, 0, fmt.Errorf("dwarf: walking info: %w", rerr)
		}
		if entry == nil {
			break
		}
		if entry.Tag != stddwarf.TagSubprogram {
			continue
		}
		lo, lok := entry.Val(stddwarf.AttrLowpc).(uint64)
		hi, hok := highPC(entry, lo)
		if !lok || !hok || pc < lo || pc >= hi {
			continue
		}
		n, _ := entry.Val(stddwarf.AttrName).(string)
		return n, lo, hi, nil
	}
	return "", 0, 0, fmt.Errorf("pc %#x: %w", pc, ErrNotFound)
}

// highPC normalizes DW_AT_high_pc, which producers encode either as an
// absolute address or (DWARF4+) as an offset from DW_AT_low_pc.
func highPC(entry *stddwarf.Entry, lowpc uint64) (uint64, bool) {
	v := entry.Val(stddwarf.AttrHighpc)
	switch hi := v.(type) {
	case uint64:
		if hi <= lowpc {
			// Already an offset rather than an absolute address.
			return lowpc + hi, true
		}
		return hi, true
	case int64:
		return lowpc + uint64(hi), true
	default:
		return 0, false
	}
}

// LineForPC returns the source file and line number covering pc, per
// the compilation unit's line-number program. Requires that
// NewSymbolTable was given the .debug_line section.
func (s *SymbolTable) LineForPC(pc uint64) (file string, line int, err error) {
	r := s.data.Reader()
	for {
		entry, rerr := r.Next()
		if rerr != nil {
			return "", 0, fmt.Errorf("dwarf: walking info: %w", rerr)
		}
		if entry == nil {
			break
		}
		if entry.Tag != stddwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		lr, err := s.data.LineReader(entry)
		if err != nil || lr == nil {
			r.SkipChildren()
			continue
		}
		var le stddwarf.LineEntry
		if err := lr.SeekPC(pc, &le); err != nil {
			if errors.Is(err, stddwarf.ErrUnknownPC) {
				r.SkipChildren()
				continue
			}
			return "", 0, fmt.Errorf("dwarf: seeking line for pc %#x: %w", pc, err)
		}
		if le.File != nil {
			return le.File.Name, le.Line, nil
		}
		return "", le.Line, nil
	}
	return "", 0, fmt.Errorf("pc %#x: %w", pc, ErrNotFound)
}
