// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package elf implements the ELF object model (spec.md §4.B, component
// B): headers, program/section tables, symbol tables including the
// classic hash-bucket accelerator, and linked debug companions
// discovered via .gnu_debuglink. It is a from-scratch reader — not a
// wrapper around the standard library's debug/elf — because pstack needs
// precise control over the hash-lookup and find_symbol_by_address
// fallback semantics spec.md specifies, including the documented
// false-positive "stub match" behavior for stripped binaries.
package elf

import "fmt"

// Class is the ELF file class (EI_CLASS): 32- or 64-bit.
type Class byte

const (
	ClassNone Class = 0
	Class32   Class = 1
	Class64   Class = 2
)

func (c Class) String() string {
	switch c {
	case Class32:
		return "ELF32"
	case Class64:
		return "ELF64"
	default:
		return fmt.Sprintf("ClassUnknown(%d)", c)
	}
}

// Data is the ELF data encoding (EI_DATA): byte order of multi-byte
// fields in the rest of the file.
type Data byte

const (
	DataNone Data = 0
	Data2LSB Data = 1 // little-endian
	Data2MSB Data = 2 // big-endian
)

// Type is the object file type (e_type).
type Type uint16

const (
	TypeNone Type = 0
	TypeRel  Type = 1
	TypeExec Type = 2
	TypeDyn  Type = 3
	TypeCore Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeRel:
		return "REL"
	case TypeExec:
		return "EXEC"
	case TypeDyn:
		return "DYN"
	case TypeCore:
		return "CORE"
	default:
		return fmt.Sprintf("TypeUnknown(%d)", t)
	}
}

// Machine is the target architecture (e_machine). Only the machines
// pstack's unwinder and arch registers understand are named; others
// parse fine but unwinding them is unsupported.
type Machine uint16

const (
	MachineNone    Machine = 0
	Machine386     Machine = 3
	MachineARM     Machine = 40
	MachineX86_64  Machine = 62
	MachineAArch64 Machine = 183
)

func (m Machine) String() string {
	switch m {
	case Machine386:
		return "386"
	case MachineARM:
		return "ARM"
	case MachineX86_64:
		return "X86_64"
	case MachineAArch64:
		return "AArch64"
	default:
		return fmt.Sprintf("MachineUnknown(%d)", m)
	}
}

const (
	identSize = 16
	magic0    = 0x7f
	magic1    = 'E'
	magic2    = 'L'
	magic3    = 'F'

	// ELF64 and ELF32 on-disk record sizes. Only sym64Size/sym32Size are
	// used, as the symbol entry size when a table's sh_entsize is zero;
	// the header sizes are not checked against e_ehsize/e_phentsize/e_shentsize.
	ehdr64Size = 64
	phdr64Size = 56
	shdr64Size = 64
	sym64Size  = 24

	ehdr32Size = 52
	phdr32Size = 32
	shdr32Size = 40
	sym32Size  = 16
)

// FileHeader is the parsed, byte-order-neutral e_ident+Elf*_Ehdr.
type FileHeader struct {
	Class      Class
	Data       Data
	OSABI      byte
	Type       Type
	Machine    Machine
	Version    uint32
	Entry      uint64
	Phoff      uint64
	Shoff      uint64
	Flags      uint32
	Ehsize     uint16
	Phentsize  uint16
	Phnum      uint16
	Shentsize  uint16
	Shnum      uint16
	Shstrndx   uint16
}

// ProgramType is p_type.
type ProgramType uint32

const (
	PTNull    ProgramType = 0
	PTLoad    ProgramType = 1
	PTDynamic ProgramType = 2
	PTInterp  ProgramType = 3
	PTNote    ProgramType = 4
	PTShlib   ProgramType = 5
	PTPhdr    ProgramType = 6
	PTTLS     ProgramType = 7
)

// ProgramFlags is p_flags.
type ProgramFlags uint32

const (
	PFExec  ProgramFlags = 1
	PFWrite ProgramFlags = 2
	PFRead  ProgramFlags = 4
)

// ProgramHeader is one entry of the program header table: a runtime
// loadable segment (spec.md Glossary: Segment).
type ProgramHeader struct {
	Type   ProgramType
	Flags  ProgramFlags
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// Contains reports whether va falls within [Vaddr, Vaddr+Memsz).
func (p *ProgramHeader) Contains(va uint64) bool {
	return va >= p.Vaddr && va < p.Vaddr+p.Memsz
}

// SectionType is sh_type.
type SectionType uint32

const (
	SHTNull     SectionType = 0
	SHTProgbits SectionType = 1
	SHTSymtab   SectionType = 2
	SHTStrtab   SectionType = 3
	SHTRela     SectionType = 4
	SHTHash     SectionType = 5
	SHTDynamic  SectionType = 6
	SHTNote     SectionType = 7
	SHTNobits   SectionType = 8
	SHTRel      SectionType = 9
	SHTDynsym   SectionType = 11

	// SHTAny is the wildcard sentinel: GetSection matches any type
	// when the caller passes this (spec.md §4.B get_section semantics).
	SHTAny SectionType = 0xffffffff
)

// SectionFlags is sh_flags.
type SectionFlags uint64

const (
	SHFWrite     SectionFlags = 0x1
	SHFAlloc     SectionFlags = 0x2
	SHFExecinstr SectionFlags = 0x4
	SHFCompressed SectionFlags = 0x800
)

// SectionHeader is one entry of the section header table (spec.md
// Glossary: Section).
type SectionHeader struct {
	NameIdx  uint32
	Name     string // filled in once the section-name string table is known
	Type     SectionType
	Flags    SectionFlags
	Addr     uint64
	Off      uint64
	Size     uint64
	Link     uint32
	Info     uint32
	Addralign uint64
	Entsize  uint64
}

// reserved section indices (st_shndx / e_shstrndx sentinels).
const (
	shnUndef  = 0
	shnXindex = 0xffff
	shnLoreserve = 0xff00
)
