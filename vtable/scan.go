// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vtable

import (
	"encoding/binary"
	"runtime"
	"sort"
	"sync"

	"github.com/coredump-tools/pstack/proc"
)

// sortedCandidates returns a copy of cands sorted ascending by address, the
// order locate's bisection requires.
func sortedCandidates(cands []Candidate) []Candidate {
	out := make([]Candidate, len(cands))
	copy(out, cands)
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// locate returns the index of the candidate whose range [Address,
// Address+Size) contains v, or -1 if none does. cands must already be
// sorted ascending by Address (spec.md §4.F: "greatest entry with
// address≤word, hit requires address+size>word").
func locate(cands []Candidate, v uint64) int {
	i := sort.Search(len(cands), func(i int) bool { return uint64(cands[i].Address) > v })
	i--
	if i < 0 {
		return -1
	}
	if v < uint64(cands[i].Address)+cands[i].Size {
		return i
	}
	return -1
}

// readableMappings returns the subset of mappings a pointer sweep should
// visit: those the process can actually be read from.
func readableMappings(mappings []*proc.Mapping) []*proc.Mapping {
	var out []*proc.Mapping
	for _, m := range mappings {
		if m.Perm()&proc.Read != 0 {
			out = append(out, m)
		}
	}
	return out
}

// sweepRange tallies, into counts (indexed the same as cands), every
// pointer-sized aligned word in [min, max) that lands inside one of
// cands's ranges.
func sweepRange(process proc.Process, order binary.ByteOrder, addrSize int, cands []Candidate, min, max proc.Address, counts []int) {
	var buf [8]byte
	word := proc.Address(addrSize)
	for a := alignUp(min, word); a+word <= max; a += word {
		if _, err := process.ReadAt(a, buf[:addrSize]); err != nil {
			continue
		}
		v := readUint(order, buf[:addrSize])
		if idx := locate(cands, v); idx >= 0 {
			counts[idx]++
		}
	}
}

func alignUp(a, align proc.Address) proc.Address {
	rem := uint64(a) % uint64(align)
	if rem == 0 {
		return a
	}
	return a + (align - proc.Address(rem))
}

func readUint(order binary.ByteOrder, buf []byte) uint64 {
	if len(buf) == 8 {
		return order.Uint64(buf)
	}
	return uint64(order.Uint32(buf))
}

// CountVTables sweeps every readable mapping of process, one pointer-sized
// aligned word at a time, counting how many words point into each
// candidate's range. It returns rows sorted by count descending, with
// zero-count candidates suppressed (spec.md §4.F).
func CountVTables(process proc.Process, candidates []Candidate, order binary.ByteOrder, addrSize int) []CountRow {
	cands := sortedCandidates(candidates)
	counts := make([]int, len(cands))
	for _, m := range readableMappings(process.Mappings()) {
		sweepRange(process, order, addrSize, cands, m.Min(), m.Max(), counts)
	}
	return buildRows(cands, counts)
}

// ParallelCountVTables is CountVTables's concurrent form: mappings are
// split into disjoint slices across runtime.GOMAXPROCS(0) workers, each
// with its own tally, merged single-threaded at the end so no counter is
// ever shared between goroutines (spec.md §4.F's optional parallel sweep).
func ParallelCountVTables(process proc.Process, candidates []Candidate, order binary.ByteOrder, addrSize int) []CountRow {
	cands := sortedCandidates(candidates)
	mappings := readableMappings(process.Mappings())

	workers := runtime.GOMAXPROCS(0)
	if workers > len(mappings) {
		workers = len(mappings)
	}
	if workers < 1 {
		return buildRows(cands, make([]int, len(cands)))
	}

	perWorker := make([][]int, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		perWorker[w] = make([]int, len(cands))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := w; i < len(mappings); i += workers {
				m := mappings[i]
				sweepRange(process, order, addrSize, cands, m.Min(), m.Max(), perWorker[w])
			}
		}()
	}
	wg.Wait()

	total := make([]int, len(cands))
	for _, counts := range perWorker {
		for i, c := range counts {
			total[i] += c
		}
	}
	return buildRows(cands, total)
}

func buildRows(cands []Candidate, counts []int) []CountRow {
	var rows []CountRow
	for i, c := range cands {
		if counts[i] == 0 {
			continue
		}
		rows = append(rows, CountRow{Candidate: c, Demangled: demangleName(c.Name), Count: counts[i]})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Count > rows[j].Count })
	return rows
}

// RangeHit is one pointer-sized, aligned word whose value fell within a
// searched address range.
type RangeHit struct {
	Slot  proc.Address // address of the word itself
	Value proc.Address // the pointer value found there
}

// SearchRange scans every readable mapping for pointer-sized words whose
// value v satisfies min<=v<max and v is 4-byte aligned, independent of any
// vtable candidate (spec.md §4.F's address-range search mode: "-f/-e").
func SearchRange(process proc.Process, order binary.ByteOrder, addrSize int, min, max proc.Address) []RangeHit {
	var hits []RangeHit
	var buf [8]byte
	word := proc.Address(addrSize)
	for _, m := range readableMappings(process.Mappings()) {
		for a := alignUp(m.Min(), word); a+word <= m.Max(); a += word {
			if _, err := process.ReadAt(a, buf[:addrSize]); err != nil {
				continue
			}
			v := readUint(order, buf[:addrSize])
			if v%4 != 0 {
				continue
			}
			if v >= uint64(min) && v < uint64(max) {
				hits = append(hits, RangeHit{Slot: a, Value: proc.Address(v)})
			}
		}
	}
	return hits
}

// LiteralHit is one occurrence of a literal-string search needle.
type LiteralHit struct {
	Address proc.Address
}

// SearchLiteral scans every readable mapping bytewise for needle, reporting
// every address at which a full match begins (spec.md §4.F's -S mode).
func SearchLiteral(process proc.Process, needle []byte) []LiteralHit {
	if len(needle) == 0 {
		return nil
	}
	var hits []LiteralHit
	for _, m := range readableMappings(process.Mappings()) {
		size := m.Max().Sub(m.Min())
		if size < int64(len(needle)) {
			continue
		}
		buf := make([]byte, size)
		if _, err := process.ReadAt(m.Min(), buf); err != nil {
			continue
		}
		for off := 0; off+len(needle) <= len(buf); off++ {
			if matchAt(buf, off, needle) {
				hits = append(hits, LiteralHit{Address: m.Min().Add(int64(off))})
			}
		}
	}
	return hits
}

func matchAt(buf []byte, off int, needle []byte) bool {
	for i, b := range needle {
		if buf[off+i] != b {
			return false
		}
	}
	return true
}
