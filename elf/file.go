// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/coredump-tools/pstack/breader"
)

var (
	errBadMagic   = errors.New("elf: bad magic number")
	errShortHash  = errors.New("elf: truncated hash table")
	errNoSections = errors.New("elf: no section header table")

	// ErrNotFound is returned by symbol and section lookups that find
	// nothing, distinguished from a hard I/O or format error so callers
	// can decide whether "no match" is fatal.
	ErrNotFound = errors.New("elf: not found")
)

// Section is a section header bound to the File it came from, so its
// Data method can resolve SHF_COMPRESSED transparently.
type Section struct {
	SectionHeader
	file *File
}

// File is a parsed ELF object: the header, program and section tables,
// name-resolved sections, and (lazily) the hash accelerator and any
// .gnu_debuglink companion. All multi-byte fields have been converted
// to the host's native types regardless of the file's class or byte
// order (spec.md §4.B).
type File struct {
	r     breader.Reader
	order binary.ByteOrder

	Header   FileHeader
	Progs    []ProgramHeader
	Sections []*Section

	byName map[string]*Section

	hashOnce  bool
	hash      *hashTable
	hashSect  *Section

	// companionTried/companion cache the debug companion resolved by
	// EnsureCompanion: spec.md §4.B requires companion lookup be
	// attempted at most once per File.
	companionTried bool
	companion      *File

	log logSink
}

// ByteOrder returns the byte order multi-byte fields in this file (and
// its sections) were read with.
func (f *File) ByteOrder() binary.ByteOrder { return f.order }

// AddrSize returns the size in bytes of this file's native address
// (4 for ELF32, 8 for ELF64), the addrSize CFI parsing needs.
func (f *File) AddrSize() int {
	if f.Header.Class == Class32 {
		return 4
	}
	return 8
}

// EnsureCompanion resolves and caches this file's .gnu_debuglink
// companion, searching path's conventional debug directories under
// prefix (spec.md §4.B). A missing or unverifiable companion is left
// silently uncached, matching a missing debug companion's documented
// non-fatal degradation (spec.md §7). Bounded to depth 1: the returned
// companion is never itself searched for a further companion.
func (f *File) EnsureCompanion(path, prefix string) {
	if f.companionTried {
		return
	}
	f.companionTried = true
	comp, err := f.OpenDebugCompanion(StandardDebugSearchDirs(path, prefix))
	if err != nil || comp == nil {
		return
	}
	f.companion = comp
}

// logSink is the minimal surface elf needs from logging.Sink, kept
// local to avoid an import cycle with the top-level logging package
// (which has no reason to depend on elf).
type logSink interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

type discardSink struct{}

func (discardSink) Debugf(string, ...interface{}) {}
func (discardSink) Warnf(string, ...interface{})  {}

// Open parses the ELF object read from r. r must support random access
// back to offset 0 (a plain file, an mmap'd core segment, or anything
// else satisfying breader.Reader).
func Open(r breader.Reader) (*File, error) {
	return OpenWithLog(r, discardSink{})
}

// OpenWithLog is Open with an explicit log sink for parse-time
// diagnostics (malformed optional sections are logged and skipped
// rather than failing the whole parse).
func OpenWithLog(r breader.Reader, log logSink) (*File, error) {
	if log == nil {
		log = discardSink{}
	}
	ident := make([]byte, identSize)
	if err := breader.ReadFull(r, 0, ident); err != nil {
		return nil, fmt.Errorf("elf: reading e_ident: %w", err)
	}
	if ident[0] != magic0 || ident[1] != magic1 || ident[2] != magic2 || ident[3] != magic3 {
		return nil, fmt.Errorf("%s: %w", r.String(), errBadMagic)
	}
	class := Class(ident[4])
	data := Data(ident[5])
	var order binary.ByteOrder
	switch data {
	case Data2LSB:
		order = binary.LittleEndian
	case Data2MSB:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%s: unknown data encoding %d", r.String(), data)
	}

	f := &File{r: r, order: order, log: log}
	var err error
	switch class {
	case Class64:
		err = f.parse64(ident)
	case Class32:
		err = f.parse32(ident)
	default:
		return nil, fmt.Errorf("%s: unknown class %d", r.String(), class)
	}
	if err != nil {
		return nil, err
	}
	f.resolveSectionNames()
	return f, nil
}

func (f *File) parse64(ident []byte) error {
	var raw struct {
		Type      uint16
		Machine   uint16
		Version   uint32
		Entry     uint64
		Phoff     uint64
		Shoff     uint64
		Flags     uint32
		Ehsize    uint16
		Phentsize uint16
		Phnum     uint16
		Shentsize uint16
		Shnum     uint16
		Shstrndx  uint16
	}
	if err := f.r.ReadObj(identSize, f.order, &raw); err != nil {
		return fmt.Errorf("%s: reading Elf64_Ehdr: %w", f.r.String(), err)
	}
	f.Header = FileHeader{
		Class: Class64, Data: Data(ident[5]), OSABI: ident[7],
		Type: Type(raw.Type), Machine: Machine(raw.Machine), Version: raw.Version,
		Entry: raw.Entry, Phoff: raw.Phoff, Shoff: raw.Shoff, Flags: raw.Flags,
		Ehsize: raw.Ehsize, Phentsize: raw.Phentsize, Phnum: raw.Phnum,
		Shentsize: raw.Shentsize, Shnum: raw.Shnum, Shstrndx: raw.Shstrndx,
	}

	for i := uint16(0); i < raw.Phnum; i++ {
		off := int64(raw.Phoff) + int64(i)*int64(raw.Phentsize)
		var p struct {
			Type   uint32
			Flags  uint32
			Off    uint64
			Vaddr  uint64
			Paddr  uint64
			Filesz uint64
			Memsz  uint64
			Align  uint64
		}
		if err := f.r.ReadObj(off, f.order, &p); err != nil {
			return fmt.Errorf("%s: reading phdr %d: %w", f.r.String(), i, err)
		}
		f.Progs = append(f.Progs, ProgramHeader{
			Type: ProgramType(p.Type), Flags: ProgramFlags(p.Flags),
			Off: p.Off, Vaddr: p.Vaddr, Paddr: p.Paddr,
			Filesz: p.Filesz, Memsz: p.Memsz, Align: p.Align,
		})
	}

	for i := uint16(0); i < raw.Shnum; i++ {
		off := int64(raw.Shoff) + int64(i)*int64(raw.Shentsize)
		var s struct {
			Name      uint32
			Type      uint32
			Flags     uint64
			Addr      uint64
			Off       uint64
			Size      uint64
			Link      uint32
			Info      uint32
			Addralign uint64
			Entsize   uint64
		}
		if err := f.r.ReadObj(off, f.order, &s); err != nil {
			return fmt.Errorf("%s: reading shdr %d: %w", f.r.String(), i, err)
		}
		f.Sections = append(f.Sections, &Section{file: f, SectionHeader: SectionHeader{
			NameIdx: s.Name, Type: SectionType(s.Type), Flags: SectionFlags(s.Flags),
			Addr: s.Addr, Off: s.Off, Size: s.Size, Link: s.Link, Info: s.Info,
			Addralign: s.Addralign, Entsize: s.Entsize,
		}})
	}
	return nil
}

func (f *File) parse32(ident []byte) error {
	var raw struct {
		Type      uint16
		Machine   uint16
		Version   uint32
		Entry     uint32
		Phoff     uint32
		Shoff     uint32
		Flags     uint32
		Ehsize    uint16
		Phentsize uint16
		Phnum     uint16
		Shentsize uint16
		Shnum     uint16
		Shstrndx  uint16
	}
	if err := f.r.ReadObj(identSize, f.order, &raw); err != nil {
		return fmt.Errorf("%s: reading Elf32_Ehdr: %w", f.r.String(), err)
	}
	f.Header = FileHeader{
		Class: Class32, Data: Data(ident[5]), OSABI: ident[7],
		Type: Type(raw.Type), Machine: Machine(raw.Machine), Version: raw.Version,
		Entry: uint64(raw.Entry), Phoff: uint64(raw.Phoff), Shoff: uint64(raw.Shoff), Flags: raw.Flags,
		Ehsize: raw.Ehsize, Phentsize: raw.Phentsize, Phnum: raw.Phnum,
		Shentsize: raw.Shentsize, Shnum: raw.Shnum, Shstrndx: raw.Shstrndx,
	}

	for i := uint16(0); i < raw.Phnum; i++ {
		off := int64(raw.Phoff) + int64(i)*int64(raw.Phentsize)
		var p struct {
			Type   uint32
			Off    uint32
			Vaddr  uint32
			Paddr  uint32
			Filesz uint32
			Memsz  uint32
			Flags  uint32
			Align  uint32
		}
		if err := f.r.ReadObj(off, f.order, &p); err != nil {
			return fmt.Errorf("%s: reading phdr %d: %w", f.r.String(), i, err)
		}
		f.Progs = append(f.Progs, ProgramHeader{
			Type: ProgramType(p.Type), Flags: ProgramFlags(p.Flags),
			Off: uint64(p.Off), Vaddr: uint64(p.Vaddr), Paddr: uint64(p.Paddr),
			Filesz: uint64(p.Filesz), Memsz: uint64(p.Memsz), Align: uint64(p.Align),
		})
	}

	for i := uint16(0); i < raw.Shnum; i++ {
		off := int64(raw.Shoff) + int64(i)*int64(raw.Shentsize)
		var s struct {
			Name      uint32
			Type      uint32
			Flags     uint32
			Addr      uint32
			Off       uint32
			Size      uint32
			Link      uint32
			Info      uint32
			Addralign uint32
			Entsize   uint32
		}
		if err := f.r.ReadObj(off, f.order, &s); err != nil {
			return fmt.Errorf("%s: reading shdr %d: %w", f.r.String(), i, err)
		}
		f.Sections = append(f.Sections, &Section{file: f, SectionHeader: SectionHeader{
			NameIdx: s.Name, Type: SectionType(s.Type), Flags: SectionFlags(s.Flags),
			Addr: uint64(s.Addr), Off: uint64(s.Off), Size: uint64(s.Size),
			Link: s.Link, Info: s.Info, Addralign: uint64(s.Addralign), Entsize: uint64(s.Entsize),
		}})
	}
	return nil
}

func (f *File) resolveSectionNames() {
	if int(f.Header.Shstrndx) >= len(f.Sections) {
		return
	}
	strtab := f.Sections[f.Header.Shstrndx]
	f.byName = make(map[string]*Section, len(f.Sections))
	for _, s := range f.Sections {
		name, err := f.r.ReadString(int64(strtab.Off) + int64(s.NameIdx))
		if err != nil {
			f.log.Warnf("elf: section name at shstrtab+%#x: %v", s.NameIdx, err)
			continue
		}
		s.Name = name
		f.byName[name] = s
	}
}

// Base returns the lowest p_vaddr among PT_LOAD segments, the value a
// position-independent executable's runtime load bias is measured
// against (spec.md §4.B, §4.D).
func (f *File) Base() uint64 {
	base := ^uint64(0)
	found := false
	for i := range f.Progs {
		p := &f.Progs[i]
		if p.Type != PTLoad {
			continue
		}
		if !found || p.Vaddr < base {
			base = p.Vaddr
			found = true
		}
	}
	if !found {
		return 0
	}
	return base
}

// Interpreter returns the PT_INTERP path (e.g.
// /lib64/ld-linux-x86-64.so.2), or "" if the object has none (a static
// binary or a shared library).
func (f *File) Interpreter() (string, error) {
	for i := range f.Progs {
		p := &f.Progs[i]
		if p.Type != PTInterp {
			continue
		}
		buf := make([]byte, p.Filesz)
		if err := breader.ReadFull(f.r, int64(p.Off), buf); err != nil {
			return "", fmt.Errorf("elf: reading PT_INTERP: %w", err)
		}
		if i := indexByteELF(buf, 0); i >= 0 {
			buf = buf[:i]
		}
		return string(buf), nil
	}
	return "", nil
}

func indexByteELF(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// FindHeaderForAddress returns the PT_LOAD segment covering virtual
// address va, or nil if none does.
func (f *File) FindHeaderForAddress(va uint64) *ProgramHeader {
	for i := range f.Progs {
		p := &f.Progs[i]
		if p.Type == PTLoad && p.Contains(va) {
			return p
		}
	}
	return nil
}

// GetSection returns the first section named name whose type matches
// typ, or typ == SHTAny to match any type. Returns ErrNotFound if there
// is no such section in this file or (bounded to one hop) its debug
// companion (spec.md §4.B).
func (f *File) GetSection(name string, typ SectionType) (*Section, error) {
	if f.companion != nil {
		if s, err := f.companion.GetSection(name, typ); err == nil {
			return s, nil
		}
	}
	if s, ok := f.byName[name]; ok && (typ == SHTAny || s.Type == typ) {
		return s, nil
	}
	return nil, fmt.Errorf("section %q: %w", name, ErrNotFound)
}

// Bytes reads the section's full (decompressed) content into memory.
func (s *Section) Bytes() ([]byte, error) {
	r, err := s.Data()
	if err != nil {
		return nil, err
	}
	size, err := s.uncompressedSize()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if size == 0 {
		return buf, nil
	}
	if err := breader.ReadFull(r, 0, buf); err != nil {
		return nil, fmt.Errorf("section %s: reading body: %w", s.Name, err)
	}
	return buf, nil
}

// uncompressedSize returns the section's logical byte length: its
// on-disk Size for a plain section, or the Elf64_Chdr's recorded size
// for an SHF_COMPRESSED one.
func (s *Section) uncompressedSize() (int64, error) {
	if s.Flags&SHFCompressed == 0 {
		return int64(s.Size), nil
	}
	var hdr struct {
		Type      uint32
		_pad      uint32
		Size      uint64
		Addralign uint64
	}
	if err := s.file.r.ReadObj(int64(s.Off), s.file.order, &hdr); err != nil {
		return 0, fmt.Errorf("section %s: reading Elf64_Chdr: %w", s.Name, err)
	}
	return int64(hdr.Size), nil
}

// Data returns the section's (decompressed, if SHF_COMPRESSED) content
// as a Reader over just that section's bytes, offset 0 == the first
// content byte.
func (s *Section) Data() (breader.Reader, error) {
	if s.Type == SHTNobits {
		return breader.NewBytesReader(nil, s.Name), nil
	}
	if s.Flags&SHFCompressed == 0 {
		return &sectionReader{base: s.file.r, off: int64(s.Off), size: int64(s.Size), name: s.Name}, nil
	}
	return s.decompress()
}

func (s *Section) decompress() (breader.Reader, error) {
	var hdr struct {
		Type      uint32
		_pad      uint32
		Size      uint64
		Addralign uint64
	}
	if err := s.file.r.ReadObj(int64(s.Off), s.file.order, &hdr); err != nil {
		return nil, fmt.Errorf("section %s: reading Elf64_Chdr: %w", s.Name, err)
	}
	const chdrSize = 24
	body := make([]byte, int64(s.Size)-chdrSize)
	if err := breader.ReadFull(s.file.r, int64(s.Off)+chdrSize, body); err != nil {
		return nil, fmt.Errorf("section %s: reading compressed body: %w", s.Name, err)
	}
	return breader.NewCompressedSection(breader.CompressionType(hdr.Type), body, int64(hdr.Size), s.Name)
}

// sectionReader is a breader.Reader restricted to one section's byte
// range within the owning file, with offset 0 == the section's first
// byte.
type sectionReader struct {
	base breader.Reader
	off  int64
	size int64
	name string
}

func (s *sectionReader) String() string { return s.name }

func (s *sectionReader) ReadAt(off int64, buf []byte) (int, error) {
	if off >= s.size {
		return 0, errEOFSection
	}
	if off+int64(len(buf)) > s.size {
		buf = buf[:s.size-off]
	}
	return s.base.ReadAt(s.off+off, buf)
}

func (s *sectionReader) ReadObj(off int64, order binary.ByteOrder, v interface{}) error {
	return s.base.ReadObj(s.off+off, order, v)
}

func (s *sectionReader) ReadString(off int64) (string, error) {
	return s.base.ReadString(s.off + off)
}

var errEOFSection = errors.New("elf: read past end of section")

// ensureHash lazily parses the .hash section, if any, the first time a
// name lookup needs it.
func (f *File) ensureHash() {
	if f.hashOnce {
		return
	}
	f.hashOnce = true
	sec, ok := f.byName[".hash"]
	if !ok || sec.Type != SHTHash {
		return
	}
	r, err := sec.Data()
	if err != nil {
		f.log.Warnf("elf: reading .hash: %v", err)
		return
	}
	buf := make([]byte, sec.Size)
	if err := breader.ReadFull(r, 0, buf); err != nil {
		f.log.Warnf("elf: reading .hash: %v", err)
		return
	}
	ht, err := parseHashTable(buf, f.order)
	if err != nil {
		f.log.Warnf("elf: parsing .hash: %v", err)
		return
	}
	f.hash = ht
	f.hashSect = sec
}

// symbolTables returns the .dynsym and .symtab sections, looked up by
// name, in that order, omitting whichever the object lacks.
func (f *File) symbolTables() []*Section {
	var tabs []*Section
	if s, ok := f.byName[".dynsym"]; ok {
		tabs = append(tabs, s)
	}
	if s, ok := f.byName[".symtab"]; ok {
		tabs = append(tabs, s)
	}
	return tabs
}

func (f *File) readSymbol(sec *Section, idx uint32) (*Symbol, error) {
	entsize := sec.Entsize
	if entsize == 0 {
		if f.Header.Class == Class64 {
			entsize = sym64Size
		} else {
			entsize = sym32Size
		}
	}
	r, err := sec.Data()
	if err != nil {
		return nil, err
	}
	strtabSec := f.Sections[sec.Link]

	var nameIdx uint32
	var sym Symbol
	if f.Header.Class == Class64 {
		var raw struct {
			Name  uint32
			Info  byte
			Other byte
			Shndx uint16
			Value uint64
			Size  uint64
		}
		if err := r.ReadObj(int64(idx)*int64(entsize), f.order, &raw); err != nil {
			return nil, err
		}
		nameIdx, sym.Info, sym.Other, sym.Shndx, sym.Value, sym.Size =
			raw.Name, raw.Info, raw.Other, raw.Shndx, raw.Value, raw.Size
	} else {
		var raw struct {
			Name  uint32
			Value uint32
			Size  uint32
			Info  byte
			Other byte
			Shndx uint16
		}
		if err := r.ReadObj(int64(idx)*int64(entsize), f.order, &raw); err != nil {
			return nil, err
		}
		nameIdx, sym.Info, sym.Other, sym.Shndx, sym.Value, sym.Size =
			raw.Name, raw.Info, raw.Other, raw.Shndx, uint64(raw.Value), uint64(raw.Size)
	}
	name, err := f.r.ReadString(int64(strtabSec.Off) + int64(nameIdx))
	if err != nil {
		name = ""
	}
	sym.Name = name
	if int(sym.Shndx) < len(f.Sections) {
		sym.section = f.Sections[sym.Shndx]
	}
	return &sym, nil
}

// Symbols returns every defined symbol in .dynsym and .symtab, in that
// order, for callers that need to scan by name pattern rather than look
// up one name or address at a time (the vtable scanner's glob-matched
// symbol collection, spec.md §4.F).
func (f *File) Symbols() ([]*Symbol, error) {
	var syms []*Symbol
	for _, tab := range f.symbolTables() {
		count := tab.Size / nonZero(tab.Entsize, symEntSize(f.Header.Class))
		for i := uint32(0); i < uint32(count); i++ {
			sym, err := f.readSymbol(tab, i)
			if err != nil {
				return nil, fmt.Errorf("%s: reading symbol %d of %s: %w", f.r.String(), i, tab.Name, err)
			}
			if !sym.Defined() {
				continue
			}
			syms = append(syms, sym)
		}
	}
	return syms, nil
}

// FindSymbolByName looks up name using the .hash accelerator if the
// object has one, falling back to a linear scan of .dynsym and .symtab
// (spec.md §4.B).
func (f *File) FindSymbolByName(name string) (*Symbol, error) {
	f.ensureHash()
	if f.hash != nil {
		idx, ok := f.hash.lookup(name, func(idx uint32) bool {
			sym, err := f.readSymbol(f.hashSect.linkedSymtab(), idx)
			return err == nil && sym.Name == name
		})
		if ok {
			return f.readSymbol(f.hashSect.linkedSymtab(), idx)
		}
	}
	for _, tab := range f.symbolTables() {
		count := tab.Size / nonZero(tab.Entsize, symEntSize(f.Header.Class))
		for i := uint32(0); i < uint32(count); i++ {
			sym, err := f.readSymbol(tab, i)
			if err == nil && sym.Name == name {
				return sym, nil
			}
		}
	}
	return nil, fmt.Errorf("symbol %q: %w", name, ErrNotFound)
}

// linkedSymtab resolves the sh_link of a hash section to the symbol
// table section it accelerates.
func (s *Section) linkedSymtab() *Section {
	if int(s.Link) < len(s.file.Sections) {
		return s.file.Sections[s.Link]
	}
	return nil
}

func symEntSize(c Class) uint64 {
	if c == Class64 {
		return sym64Size
	}
	return sym32Size
}

func nonZero(v, fallback uint64) uint64 {
	if v == 0 {
		return fallback
	}
	return v
}

// FindSymbolByAddress returns the symbol of type kind (or SymTypeAny)
// whose range contains addr. Failing an exact containment match, it
// falls back to the zero-sized symbol of that kind with the highest
// value not exceeding addr — the documented "stub match" spec.md §4.B
// calls for on stripped binaries where size information is missing, at
// the cost of occasional false positives into the following function's
// body. With no such zero-sized symbol it returns ErrNotFound.
func (f *File) FindSymbolByAddress(addr uint64, kind SymType) (*Symbol, error) {
	var candidates []*Symbol
	for _, tab := range f.symbolTables() {
		count := tab.Size / nonZero(tab.Entsize, symEntSize(f.Header.Class))
		for i := uint32(0); i < uint32(count); i++ {
			sym, err := f.readSymbol(tab, i)
			if err != nil || !sym.Defined() {
				continue
			}
			if kind != SymTypeAny && sym.Type() != kind {
				continue
			}
			if !sym.Allocated() {
				continue
			}
			if sym.Value <= addr {
				candidates = append(candidates, sym)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("address %#x: %w", addr, ErrNotFound)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Value > candidates[j].Value })

	for _, sym := range candidates {
		if sym.Size > 0 && addr < sym.Value+sym.Size {
			return sym, nil
		}
	}
	// No exact containment: stub match against the nearest preceding
	// zero-sized symbol, which may not actually extend this far.
	for _, sym := range candidates {
		if sym.Size == 0 {
			return sym, nil
		}
	}
	return nil, fmt.Errorf("address %#x: %w", addr, ErrNotFound)
}
