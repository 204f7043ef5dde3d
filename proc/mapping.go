// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package proc

import "fmt"

// A Mapping is a contiguous region of the target's address space, backed
// either by a content slice (core-file providers, which read the whole
// segment up front) or left to be read on demand (the live provider,
// which has no fixed backing buffer).
type Mapping struct {
	min, max Address
	perm     Perm

	// contents holds the segment's bytes for providers that materialize
	// mappings eagerly (core files). Live processes leave this nil and
	// read through ptrace instead.
	contents []byte
}

// NewMapping builds a Mapping directly from already-materialized
// contents, for test fixtures and other callers assembling a Process
// outside the core/live providers.
func NewMapping(min, max Address, perm Perm, contents []byte) *Mapping {
	return &Mapping{min: min, max: max, perm: perm, contents: contents}
}

// Min returns the lowest virtual address of the mapping.
func (m *Mapping) Min() Address { return m.min }

// Max returns the virtual address just past the end of the mapping.
func (m *Mapping) Max() Address { return m.max }

// Size returns Max-Min.
func (m *Mapping) Size() int64 { return m.max.Sub(m.min) }

// Perm returns the mapping's access permissions.
func (m *Mapping) Perm() Perm { return m.perm }

// pageShift/pageSize assume a 4K host page, matching every Linux
// architecture pstack targets; mappings are always trimmed to page
// boundaries by their provider before being added to the table.
const (
	pageShift = 12
	pageSize  = 1 << pageShift
)

// We divide the remaining 64-12=52 address bits into a 12-bit top level
// plus three 10-bit levels and a 10-bit leaf, the same split the
// teacher's core-dump reader uses: sparse enough that a handful of
// mappings cost only a few small arrays, dense enough that any real
// address space walks in four pointer dereferences.
type pageTable0 [1 << 10]*Mapping
type pageTable1 [1 << 10]*pageTable0
type pageTable2 [1 << 10]*pageTable1
type pageTable3 [1 << 10]*pageTable2
type pageTableTop [1 << 12]*pageTable3

// addressSpace owns the set of mappings of a target and answers
// mapping-containing-address queries in O(1).
type addressSpace struct {
	mappings []*Mapping
	table    pageTableTop
}

func (s *addressSpace) findMapping(a Address) *Mapping {
	t3 := s.table[a>>52]
	if t3 == nil {
		return nil
	}
	t2 := t3[(a>>42)%(1<<10)]
	if t2 == nil {
		return nil
	}
	t1 := t2[(a>>32)%(1<<10)]
	if t1 == nil {
		return nil
	}
	t0 := t1[(a>>22)%(1<<10)]
	if t0 == nil {
		return nil
	}
	return t0[(a>>pageShift)%(1<<10)]
}

// add registers m in both the flat mapping list and the page table. min
// and max must already be page-aligned.
func (s *addressSpace) add(m *Mapping) error {
	if uint64(m.min)%pageSize != 0 {
		return fmt.Errorf("proc: mapping start %s isn't page-aligned", m.min)
	}
	if uint64(m.max)%pageSize != 0 {
		return fmt.Errorf("proc: mapping end %s isn't page-aligned", m.max)
	}
	s.mappings = append(s.mappings, m)
	for a := m.min; a < m.max; a += pageSize {
		i3 := a >> 52
		t3 := s.table[i3]
		if t3 == nil {
			t3 = new(pageTable3)
			s.table[i3] = t3
		}
		i2 := (a >> 42) % (1 << 10)
		t2 := t3[i2]
		if t2 == nil {
			t2 = new(pageTable2)
			t3[i2] = t2
		}
		i1 := (a >> 32) % (1 << 10)
		t1 := t2[i1]
		if t1 == nil {
			t1 = new(pageTable1)
			t2[i1] = t1
		}
		i0 := (a >> 22) % (1 << 10)
		t0 := t1[i0]
		if t0 == nil {
			t0 = new(pageTable0)
			t1[i0] = t0
		}
		t0[(a>>pageShift)%(1<<10)] = m
	}
	return nil
}

// readAt reads len(buf) bytes starting at a from the space's eagerly
// materialized mappings, failing with Unmapped if any byte in the range
// falls outside a readable mapping.
func (s *addressSpace) readAt(a Address, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m := s.findMapping(a + Address(n))
		if m == nil || m.perm&Read == 0 {
			return n, Unmapped
		}
		off := (a + Address(n)).Sub(m.min)
		avail := int64(len(m.contents)) - off
		if avail <= 0 {
			return n, Unmapped
		}
		want := int64(len(buf) - n)
		if want > avail {
			want = avail
		}
		copy(buf[n:], m.contents[off:off+want])
		n += int(want)
	}
	return n, nil
}
