// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package unwind

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/coredump-tools/pstack/dwarf"
	"github.com/coredump-tools/pstack/proc"
)

func uleb128(v uint64) []byte {
	var b []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func sleb128(v int64) []byte {
	var b []byte
	more := true
	for more {
		c := byte(v & 0x7f)
		v >>= 7
		signBit := c&0x40 != 0
		if (v == 0 && !signBit) || (v == -1 && signBit) {
			more = false
		} else {
			c |= 0x80
		}
		b = append(b, c)
	}
	return b
}

// buildDebugFrame assembles a minimal .debug_frame section: one CIE
// whose initial instructions establish CFA = rbp(reg6)+16, return
// address (reg16, rip) at CFA-8, and saved rbp (reg6) at CFA-16 — the
// classic frame-pointer-based x86-64 prologue convention — and one FDE
// covering [low, high) that adds no further instructions of its own.
func buildDebugFrame(t *testing.T, low, high uint64) []byte {
	t.Helper()
	order := binary.LittleEndian

	var initial bytes.Buffer
	initial.WriteByte(0x0c) // DW_CFA_def_cfa
	initial.Write(uleb128(6))
	initial.Write(uleb128(16))
	initial.WriteByte(0x80 | 16) // DW_CFA_offset, reg 16 (rip)
	initial.Write(uleb128(1))    // * data_align(-8) = -8
	initial.WriteByte(0x80 | 6)  // DW_CFA_offset, reg 6 (rbp)
	initial.Write(uleb128(2))    // * data_align(-8) = -16

	var cieBody bytes.Buffer
	cieBody.WriteByte(1)   // version
	cieBody.WriteByte(0)   // augmentation: empty cstring
	cieBody.Write(uleb128(1))
	cieBody.Write(sleb128(-8))
	cieBody.Write(uleb128(16)) // return_address_register
	cieBody.Write(initial.Bytes())

	var cieEntry bytes.Buffer
	binary.Write(&cieEntry, order, uint32(4+cieBody.Len()))
	binary.Write(&cieEntry, order, uint32(0xffffffff))
	cieEntry.Write(cieBody.Bytes())

	var fdeBody bytes.Buffer
	binary.Write(&fdeBody, order, uint64(low))
	binary.Write(&fdeBody, order, uint64(high-low))

	var fdeEntry bytes.Buffer
	binary.Write(&fdeEntry, order, uint32(4+fdeBody.Len()))
	binary.Write(&fdeEntry, order, uint32(0)) // cie_pointer: CIE entry starts at offset 0
	fdeEntry.Write(fdeBody.Bytes())

	var out bytes.Buffer
	out.Write(cieEntry.Bytes())
	out.Write(fdeEntry.Bytes())
	return out.Bytes()
}

type fakeProcess struct {
	mem map[proc.Address]uint64
	obj *proc.LoadedObject
}

func (p *fakeProcess) ReadAt(a proc.Address, buf []byte) (int, error) {
	if len(buf) != 8 {
		return 0, proc.Unmapped
	}
	v, ok := p.mem[a]
	if !ok {
		return 0, proc.Unmapped
	}
	binary.LittleEndian.PutUint64(buf, v)
	return 8, nil
}
func (p *fakeProcess) Mappings() []*proc.Mapping          { return nil }
func (p *fakeProcess) Threads() []proc.Thread             { return nil }
func (p *fakeProcess) LoadedObjects() []*proc.LoadedObject { return []*proc.LoadedObject{p.obj} }
func (p *fakeProcess) ObjectContainingPC(pc proc.Address) *proc.LoadedObject {
	for _, s := range p.obj.Spans {
		if pc >= s.Min && pc < s.Max {
			return p.obj
		}
	}
	return nil
}
func (p *fakeProcess) Detach() error { return nil }

type fakeThread struct{ regs proc.Registers }

func (t *fakeThread) ID() uint64          { return 1 }
func (t *fakeThread) Regs() proc.Registers { return t.regs }

type fakeResolver struct{ info *ObjectInfo }

func (r *fakeResolver) ObjectInfo(o *proc.LoadedObject) *ObjectInfo { return r.info }

func TestFrameIteratorSingleFrame(t *testing.T) {
	const low, high = 0x401000, 0x401030
	data := buildDebugFrame(t, low, high)
	cfi, err := dwarf.ParseSection(dwarf.FormatDebugFrame, data, binary.LittleEndian, 8, 0)
	if err != nil {
		t.Fatalf("ParseSection: %v", err)
	}

	obj := &proc.LoadedObject{Spans: []proc.Span{{Min: low, Max: high}}}
	const rbp = 0x7fff1000
	const cfa = rbp + 16
	p := &fakeProcess{
		obj: obj,
		mem: map[proc.Address]uint64{
			cfa - 8:  0, // saved return address: zero terminates the walk
			cfa - 16: 0x7fff2000,
		},
	}
	regs := proc.Registers{RegPC: low + 0x10, 6: rbp}
	thread := &fakeThread{regs: regs}
	resolver := &fakeResolver{info: &ObjectInfo{CFI: cfi, AddrSize: 8, Order: binary.LittleEndian}}

	it := NewFrameIterator(p, thread, resolver, 4096)
	frame, ok := it.Next()
	if !ok {
		t.Fatalf("Next: want a frame, got none (err=%v)", it.Err())
	}
	if frame.PC != low+0x10 {
		t.Fatalf("frame.PC = %s, want %#x", frame.PC, low+0x10)
	}
	if frame.CFA != cfa {
		t.Fatalf("frame.CFA = %s, want %#x", frame.CFA, cfa)
	}
	if frame.Object != obj {
		t.Fatalf("frame.Object = %v, want obj", frame.Object)
	}

	if _, ok := it.Next(); ok {
		t.Fatalf("Next: want termination on zero return address")
	}
	if it.Err() != nil {
		t.Fatalf("Err() = %v, want nil (clean termination)", it.Err())
	}
}

func TestFrameIteratorNoObject(t *testing.T) {
	p := &fakeProcess{obj: &proc.LoadedObject{}}
	thread := &fakeThread{regs: proc.Registers{RegPC: 0xdeadbeef}}
	it := NewFrameIterator(p, thread, &fakeResolver{}, 4096)

	frame, ok := it.Next()
	if !ok {
		t.Fatalf("Next: want one frame even with no matching object")
	}
	if frame.Object != nil || frame.Symbol != "??" {
		t.Fatalf("frame = %+v, want unsymbolicated frame with nil Object", frame)
	}
	if _, ok := it.Next(); ok {
		t.Fatalf("Next: want termination after the unresolvable frame")
	}
}

func TestFrameIteratorMaxFrames(t *testing.T) {
	const low, high = 0x401000, 0x401030
	data := buildDebugFrame(t, low, high)
	cfi, err := dwarf.ParseSection(dwarf.FormatDebugFrame, data, binary.LittleEndian, 8, 0)
	if err != nil {
		t.Fatalf("ParseSection: %v", err)
	}
	obj := &proc.LoadedObject{Spans: []proc.Span{{Min: low, Max: high}}}

	// A saved rbp/return-address pair that sends the walk right back to
	// the same frame, forever, if nothing bounds it: the CFA-progress
	// guard (or, failing that, maxFrames) must stop it.
	rbp := proc.Address(0x7fff1000)
	mem := map[proc.Address]uint64{}
	cfa := rbp + 16
	mem[cfa-8] = low + 0x10  // return address: back into the same FDE
	mem[cfa-16] = uint64(rbp) // saved rbp: unchanged, so CFA never advances

	p := &fakeProcess{obj: obj, mem: mem}
	thread := &fakeThread{regs: proc.Registers{RegPC: low + 0x10, 6: uint64(rbp)}}
	resolver := &fakeResolver{info: &ObjectInfo{CFI: cfi, AddrSize: 8, Order: binary.LittleEndian}}

	it := NewFrameIterator(p, thread, resolver, 4096)
	count := 0
	for {
		_, ok := it.Next()
		if !ok {
			break
		}
		count++
		if count > 4096 {
			t.Fatalf("iterator did not terminate: CFA-progress guard failed to catch the non-advancing cycle")
		}
	}
	if count != 1 {
		t.Fatalf("emitted %d frames, want exactly 1 (stopped by the non-advancing-CFA guard)", count)
	}
}
