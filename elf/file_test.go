// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elf

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/coredump-tools/pstack/breader"
)

// buildTestELF assembles a minimal but structurally complete little-
// endian ELF64 executable in memory: one PT_LOAD segment and
// .strtab/.symtab/.hash/.gnu_debuglink/.shstrtab sections, with two
// global function symbols ("foo", sized, and "bar", zero-sized to
// exercise the stub-match fallback). debuglinkCRC is embedded verbatim
// in the .gnu_debuglink section so callers can test companion
// resolution against a real value.
func buildTestELF(t *testing.T, debuglinkCRC uint32) []byte {
	t.Helper()
	order := binary.LittleEndian
	buf := make([]byte, 64+56) // reserve ehdr + 1 phdr, patched below

	appendObj := func(v interface{}) int64 {
		off := int64(len(buf))
		var b bytes.Buffer
		if err := binary.Write(&b, order, v); err != nil {
			t.Fatalf("binary.Write: %v", err)
		}
		buf = append(buf, b.Bytes()...)
		return off
	}
	appendBytes := func(b []byte) int64 {
		off := int64(len(buf))
		buf = append(buf, b...)
		return off
	}
	pad4 := func() {
		for len(buf)%4 != 0 {
			buf = append(buf, 0)
		}
	}

	strtabOff := appendBytes([]byte("\x00foo\x00bar\x00"))
	strtabSize := int64(9)
	const fooNameIdx, barNameIdx = 1, 5

	type elfSym struct {
		Name  uint32
		Info  byte
		Other byte
		Shndx uint16
		Value uint64
		Size  uint64
	}
	symtabOff := appendObj(elfSym{})
	appendObj(elfSym{Name: fooNameIdx, Info: symInfo(BindGlobal, SymTypeFunc), Shndx: 1, Value: 0x1000, Size: 0x10})
	appendObj(elfSym{Name: barNameIdx, Info: symInfo(BindGlobal, SymTypeFunc), Shndx: 1, Value: 0x2000, Size: 0})
	symtabSize := int64(len(buf)) - symtabOff

	const nbucket = 2
	buckets := make([]uint32, nbucket)
	chains := make([]uint32, 3)
	place := func(idx uint32, name string) {
		b := elfHash(name) % nbucket
		chains[idx] = buckets[b]
		buckets[b] = idx
	}
	place(1, "foo")
	place(2, "bar")
	hashOff := appendObj(uint32(nbucket))
	appendObj(uint32(len(chains)))
	for _, b := range buckets {
		appendObj(b)
	}
	for _, c := range chains {
		appendObj(c)
	}
	hashSize := int64(len(buf)) - hashOff

	pad4()
	dlBytes := append([]byte("prog.debug"), 0)
	for len(dlBytes)%4 != 0 {
		dlBytes = append(dlBytes, 0)
	}
	debuglinkOff := appendBytes(dlBytes)
	var crcBuf [4]byte
	order.PutUint32(crcBuf[:], debuglinkCRC)
	appendBytes(crcBuf[:])
	debuglinkSize := int64(len(buf)) - debuglinkOff

	names := []string{"", ".text", ".strtab", ".symtab", ".hash", ".gnu_debuglink", ".shstrtab"}
	nameIdx := map[string]uint32{}
	var sb []byte
	for _, n := range names {
		nameIdx[n] = uint32(len(sb))
		sb = append(sb, n...)
		sb = append(sb, 0)
	}
	shstrtabOff := appendBytes(sb)
	shstrtabSize := int64(len(sb))

	type elfShdr struct {
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
	shoff := int64(len(buf))
	shdrs := []elfShdr{
		{},
		// foo/bar (Shndx: 1) resolve into this section: it must carry
		// SHF_ALLOC for FindSymbolByAddress's stub-match fallback to
		// consider them (spec.md §4.B).
		{Name: nameIdx[".text"], Type: uint32(SHTProgbits), Flags: uint64(SHFAlloc | SHFExecinstr), Addr: 0x1000, Off: 64, Size: 0x3000},
		{Name: nameIdx[".strtab"], Type: uint32(SHTStrtab), Off: uint64(strtabOff), Size: uint64(strtabSize)},
		{Name: nameIdx[".symtab"], Type: uint32(SHTSymtab), Off: uint64(symtabOff), Size: uint64(symtabSize), Link: 2, Entsize: 24},
		{Name: nameIdx[".hash"], Type: uint32(SHTHash), Off: uint64(hashOff), Size: uint64(hashSize), Link: 3},
		{Name: nameIdx[".gnu_debuglink"], Type: uint32(SHTProgbits), Off: uint64(debuglinkOff), Size: uint64(debuglinkSize)},
		{Name: nameIdx[".shstrtab"], Type: uint32(SHTStrtab), Off: uint64(shstrtabOff), Size: uint64(shstrtabSize)},
	}
	for _, s := range shdrs {
		appendObj(s)
	}

	copy(buf[0:4], []byte{magic0, magic1, magic2, magic3})
	buf[4] = byte(Class64)
	buf[5] = byte(Data2LSB)
	buf[6] = 1

	type ehdrTail struct {
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
	tail := ehdrTail{
		Type: uint16(TypeExec), Machine: uint16(MachineX86_64), Version: 1,
		Entry: 0x1000, Phoff: 64, Shoff: uint64(shoff),
		Ehsize: 64, Phentsize: 56, Phnum: 1,
		Shentsize: 64, Shnum: uint16(len(shdrs)), Shstrndx: 6,
	}
	var tb bytes.Buffer
	binary.Write(&tb, order, tail)
	copy(buf[16:64], tb.Bytes())

	type elfPhdr struct {
		Type   uint32
		Flags  uint32
		Off    uint64
		Vaddr  uint64
		Paddr  uint64
		Filesz uint64
		Memsz  uint64
		Align  uint64
	}
	ph := elfPhdr{Type: uint32(PTLoad), Flags: uint32(PFRead | PFExec), Vaddr: 0x1000, Paddr: 0x1000, Filesz: uint64(len(buf)), Memsz: uint64(len(buf)), Align: 0x1000}
	var pb bytes.Buffer
	binary.Write(&pb, order, ph)
	copy(buf[64:120], pb.Bytes())

	return buf
}

func openTest(t *testing.T, buf []byte) *File {
	t.Helper()
	f, err := Open(breader.NewBytesReader(buf, "test.elf"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return f
}

func TestParseHeader(t *testing.T) {
	f := openTest(t, buildTestELF(t, 0))
	if f.Header.Class != Class64 || f.Header.Machine != MachineX86_64 || f.Header.Type != TypeExec {
		t.Fatalf("unexpected header: %+v", f.Header)
	}
	if len(f.Progs) != 1 || f.Progs[0].Type != PTLoad {
		t.Fatalf("unexpected program headers: %+v", f.Progs)
	}
}

func TestBase(t *testing.T) {
	f := openTest(t, buildTestELF(t, 0))
	if got := f.Base(); got != 0x1000 {
		t.Fatalf("Base() = %#x, want 0x1000", got)
	}
}

func TestInterpreterAbsent(t *testing.T) {
	f := openTest(t, buildTestELF(t, 0))
	interp, err := f.Interpreter()
	if err != nil || interp != "" {
		t.Fatalf("Interpreter() = %q, %v, want \"\", nil", interp, err)
	}
}

func TestGetSection(t *testing.T) {
	f := openTest(t, buildTestELF(t, 0))
	if _, err := f.GetSection(".symtab", SHTSymtab); err != nil {
		t.Fatalf("GetSection(.symtab, SHTSymtab): %v", err)
	}
	if _, err := f.GetSection(".hash", SHTAny); err != nil {
		t.Fatalf("GetSection(.hash, SHTAny): %v", err)
	}
	if _, err := f.GetSection(".nonexistent", SHTAny); err == nil {
		t.Fatal("expected ErrNotFound for missing section")
	}
}

func TestFindSymbolByName(t *testing.T) {
	f := openTest(t, buildTestELF(t, 0))
	sym, err := f.FindSymbolByName("foo")
	if err != nil {
		t.Fatalf("FindSymbolByName(foo): %v", err)
	}
	if sym.Value != 0x1000 || sym.Size != 0x10 {
		t.Fatalf("foo = %+v", sym)
	}
	sym, err = f.FindSymbolByName("bar")
	if err != nil || sym.Value != 0x2000 {
		t.Fatalf("FindSymbolByName(bar) = %+v, %v", sym, err)
	}
	if _, err := f.FindSymbolByName("nope"); err == nil {
		t.Fatal("expected ErrNotFound for missing symbol")
	}
}

func TestFindSymbolByAddress(t *testing.T) {
	f := openTest(t, buildTestELF(t, 0))

	sym, err := f.FindSymbolByAddress(0x1005, SymTypeAny)
	if err != nil || sym.Name != "foo" {
		t.Fatalf("exact containment match = %+v, %v", sym, err)
	}

	// bar has size 0: any address at or beyond it can only stub-match.
	sym, err = f.FindSymbolByAddress(0x2010, SymTypeAny)
	if err != nil || sym.Name != "bar" {
		t.Fatalf("stub match = %+v, %v", sym, err)
	}

	if _, err := f.FindSymbolByAddress(0x500, SymTypeAny); err == nil {
		t.Fatal("expected ErrNotFound below all symbols")
	}
}

func TestDebugLink(t *testing.T) {
	f := openTest(t, buildTestELF(t, 0xdeadbeef))
	name, crc, ok, err := f.DebugLink()
	if err != nil || !ok || name != "prog.debug" || crc != 0xdeadbeef {
		t.Fatalf("DebugLink() = %q, %#x, %v, %v", name, crc, ok, err)
	}
}

func TestOpenDebugCompanion(t *testing.T) {
	companion := buildTestELF(t, 0)
	crc := crc32.ChecksumIEEE(companion)
	primary := openTest(t, buildTestELF(t, crc))

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "prog.debug"), companion, 0644); err != nil {
		t.Fatal(err)
	}

	comp, err := primary.OpenDebugCompanion([]string{dir})
	if err != nil {
		t.Fatalf("OpenDebugCompanion: %v", err)
	}
	if comp == nil {
		t.Fatal("OpenDebugCompanion returned nil, want a parsed companion")
	}
	if comp.Header.Class != Class64 {
		t.Fatalf("companion header: %+v", comp.Header)
	}
}

func TestOpenDebugCompanionCRCMismatch(t *testing.T) {
	primary := openTest(t, buildTestELF(t, 0x12345678)) // won't match any real file's CRC

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "prog.debug"), []byte("wrong contents"), 0644); err != nil {
		t.Fatal(err)
	}

	comp, err := primary.OpenDebugCompanion([]string{dir})
	if err != nil {
		t.Fatalf("OpenDebugCompanion: %v", err)
	}
	if comp != nil {
		t.Fatal("expected nil companion on CRC mismatch")
	}
}
