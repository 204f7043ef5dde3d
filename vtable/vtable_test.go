// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vtable

import (
	"encoding/binary"
	"testing"

	"github.com/coredump-tools/pstack/proc"
)

// memProcess is a minimal proc.Process backed by a fixed set of mappings,
// enough to drive the scanner without a real live or core provider. Each
// mapping's backing bytes are held alongside it rather than recovered
// from the Mapping value itself, since Mapping keeps its contents
// unexported.
type memSeg struct {
	mapping *proc.Mapping
	data    []byte
}

type memProcess struct {
	segs []memSeg
}

func newMemProcess(min proc.Address, perm proc.Perm, data []byte) *memProcess {
	max := min + proc.Address(len(data))
	return &memProcess{segs: []memSeg{{mapping: proc.NewMapping(min, max, perm, data), data: data}}}
}

func (p *memProcess) addSeg(min proc.Address, perm proc.Perm, data []byte) {
	max := min + proc.Address(len(data))
	p.segs = append(p.segs, memSeg{mapping: proc.NewMapping(min, max, perm, data), data: data})
}

func (p *memProcess) ReadAt(a proc.Address, buf []byte) (int, error) {
	for _, s := range p.segs {
		if a < s.mapping.Min() || a >= s.mapping.Max() {
			continue
		}
		if s.mapping.Perm()&proc.Read == 0 {
			return 0, proc.Unmapped
		}
		off := a.Sub(s.mapping.Min())
		n := copy(buf, s.data[off:])
		if n < len(buf) {
			return n, proc.Unmapped
		}
		return n, nil
	}
	return 0, proc.Unmapped
}
func (p *memProcess) Mappings() []*proc.Mapping {
	out := make([]*proc.Mapping, len(p.segs))
	for i, s := range p.segs {
		out[i] = s.mapping
	}
	return out
}
func (p *memProcess) Threads() []proc.Thread                               { return nil }
func (p *memProcess) LoadedObjects() []*proc.LoadedObject                  { return nil }
func (p *memProcess) ObjectContainingPC(pc proc.Address) *proc.LoadedObject { return nil }
func (p *memProcess) Detach() error                                        { return nil }

func TestCountVTables(t *testing.T) {
	const vtableAddr = 0x500000
	const vtableSize = 16
	const heapMin = 0x600000

	// Seven heap objects, each an 8-byte vptr pointing at vtableAddr,
	// laid out back to back starting at heapMin.
	heap := make([]byte, 7*8)
	for i := 0; i < 7; i++ {
		binary.LittleEndian.PutUint64(heap[i*8:], vtableAddr)
	}

	p := newMemProcess(heapMin, proc.Read|proc.Write, heap)

	candidates := []Candidate{
		{Name: "_ZTV1C", Address: vtableAddr, Size: vtableSize},
		{Name: "_ZTV1D", Address: vtableAddr + 0x1000, Size: vtableSize},
	}

	rows := CountVTables(p, candidates, binary.LittleEndian, 8)
	if len(rows) != 1 {
		t.Fatalf("CountVTables: got %d rows, want 1 (zero-count suppressed)", len(rows))
	}
	if rows[0].Name != "_ZTV1C" || rows[0].Count != 7 {
		t.Fatalf("rows[0] = %+v, want _ZTV1C count 7", rows[0])
	}
}

func TestCountVTablesParallelMatchesSerial(t *testing.T) {
	const vtableAddr = 0x500000
	const vtableSize = 16

	p := &memProcess{}
	for i := 0; i < 5; i++ {
		base := proc.Address(0x700000 + i*0x10000)
		buf := make([]byte, 16)
		binary.LittleEndian.PutUint64(buf, vtableAddr)
		binary.LittleEndian.PutUint64(buf[8:], vtableAddr)
		p.addSeg(base, proc.Read, buf)
	}
	candidates := []Candidate{{Name: "_ZTV1C", Address: vtableAddr, Size: vtableSize}}

	serial := CountVTables(p, candidates, binary.LittleEndian, 8)
	parallel := ParallelCountVTables(p, candidates, binary.LittleEndian, 8)
	if len(serial) != 1 || len(parallel) != 1 {
		t.Fatalf("serial=%v parallel=%v, want one row each", serial, parallel)
	}
	if serial[0].Count != parallel[0].Count {
		t.Fatalf("serial count %d != parallel count %d", serial[0].Count, parallel[0].Count)
	}
	if serial[0].Count != 10 {
		t.Fatalf("count = %d, want 10 (5 mappings x 2 pointers)", serial[0].Count)
	}
}

func TestSearchRange(t *testing.T) {
	buf := make([]byte, 0x30)
	// Three in-range, 4-byte-aligned pointers; one out of range; one
	// in range but misaligned.
	binary.LittleEndian.PutUint64(buf[0x00:], 0x1100)
	binary.LittleEndian.PutUint64(buf[0x08:], 0x1fff) // in range but not 4-byte aligned
	binary.LittleEndian.PutUint64(buf[0x10:], 0x1200)
	binary.LittleEndian.PutUint64(buf[0x18:], 0x2000) // exactly max, excluded
	binary.LittleEndian.PutUint64(buf[0x20:], 0x1800)

	p := newMemProcess(0x900000, proc.Read, buf)

	hits := SearchRange(p, binary.LittleEndian, 8, 0x1000, 0x2000)
	if len(hits) != 3 {
		t.Fatalf("SearchRange: got %d hits, want 3: %+v", len(hits), hits)
	}
}

func TestSearchLiteral(t *testing.T) {
	buf := []byte("xxxhelloxxxhelloxxx")
	p := newMemProcess(0xa00000, proc.Read, buf)
	hits := SearchLiteral(p, []byte("hello"))
	if len(hits) != 2 {
		t.Fatalf("SearchLiteral: got %d hits, want 2: %+v", len(hits), hits)
	}
	if hits[0].Address != 0xa00000+3 {
		t.Fatalf("hits[0].Address = %s, want %#x", hits[0].Address, 0xa00000+3)
	}
}

func TestLocate(t *testing.T) {
	cands := sortedCandidates([]Candidate{
		{Name: "b", Address: 0x2000, Size: 0x10},
		{Name: "a", Address: 0x1000, Size: 0x10},
	})
	if idx := locate(cands, 0x1005); idx != 0 || cands[idx].Name != "a" {
		t.Fatalf("locate(0x1005) = %d, want candidate a", idx)
	}
	if idx := locate(cands, 0x1010); idx != -1 {
		t.Fatalf("locate(0x1010) = %d, want -1 (past a's size)", idx)
	}
	if idx := locate(cands, 0x0fff); idx != -1 {
		t.Fatalf("locate(0x0fff) = %d, want -1 (below everything)", idx)
	}
}
