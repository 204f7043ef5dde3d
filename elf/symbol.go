// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elf

import "fmt"

// SymBind is the STB_* nibble of st_info.
type SymBind byte

const (
	BindLocal  SymBind = 0
	BindGlobal SymBind = 1
	BindWeak   SymBind = 2
)

// SymType is the STT_* nibble of st_info.
type SymType byte

const (
	SymTypeNone    SymType = 0
	SymTypeObject  SymType = 1
	SymTypeFunc    SymType = 2
	SymTypeSection SymType = 3
	SymTypeFile    SymType = 4

	// SymTypeAny is the wildcard sentinel find_symbol_by_address uses
	// when the caller doesn't care whether the match is a function or
	// a data object (spec.md §4.B).
	SymTypeAny SymType = 0xff
)

// Symbol is one Elf*_Sym record, byte-order- and class-neutral.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
	Info  byte
	Other byte
	Shndx uint16

	// section is the section Shndx refers to, kept so
	// FindSymbolByAddress can tell whether the symbol resolves into an
	// allocated (SHF_ALLOC) section without a second lookup. nil for
	// SHN_UNDEF and the other reserved Shndx values (SHN_ABS,
	// SHN_COMMON, ...), which name no real section.
	section *Section
}

// Bind returns the symbol's binding (local/global/weak).
func (s *Symbol) Bind() SymBind { return SymBind(s.Info >> 4) }

// Type returns the symbol's type (func/object/section/...).
func (s *Symbol) Type() SymType { return SymType(s.Info & 0xf) }

// Defined reports whether the symbol resolves to a section in this
// object, as opposed to SHN_UNDEF (an unresolved import).
func (s *Symbol) Defined() bool {
	return s.Shndx != shnUndef
}

// Allocated reports whether the symbol's target section is loaded into
// memory (SHF_ALLOC). spec.md §4.B requires address-lookup candidates
// to satisfy this; a symbol into a non-allocated section (debug info,
// a relocation section, ...) cannot back a live address.
func (s *Symbol) Allocated() bool {
	return s.section != nil && s.section.Flags&SHFAlloc != 0
}

func (s *Symbol) String() string {
	return fmt.Sprintf("%s@%#x (%s, size %d)", s.Name, s.Value, s.Type(), s.Size)
}

func (t SymType) String() string {
	switch t {
	case SymTypeNone:
		return "notype"
	case SymTypeObject:
		return "object"
	case SymTypeFunc:
		return "func"
	case SymTypeSection:
		return "section"
	case SymTypeFile:
		return "file"
	case SymTypeAny:
		return "any"
	default:
		return fmt.Sprintf("symtype(%d)", byte(t))
	}
}

func symInfo(bind SymBind, typ SymType) byte {
	return byte(bind)<<4 | byte(typ&0xf)
}
