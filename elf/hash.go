// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elf

import "encoding/binary"

// elfHash is the classic SysV ELF symbol hash (used by SHT_HASH
// sections): a 4-bit left rotate per character with the top nibble
// folded back in via XOR, per the System V ABI and as implemented by
// every linker and libc that ships a .hash section. This is the
// accelerator find_symbol_by_name consults before falling back to a
// linear scan (spec.md §4.B).
func elfHash(name string) uint32 {
	var h, g uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		if g = h & 0xf0000000; g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

// hashTable is a parsed SHT_HASH section: nbucket buckets mapping
// hash%nbucket to the first symbol index in a chain, and nchain
// chain-link entries (chain[i] is the next symbol index sharing a
// bucket with symbol i, or STN_UNDEF to end the chain). Symbol table
// index 0 is always STN_UNDEF and never a real definition.
type hashTable struct {
	buckets []uint32
	chains  []uint32
}

func parseHashTable(data []byte, order binary.ByteOrder) (*hashTable, error) {
	if len(data) < 8 {
		return nil, errShortHash
	}
	nbucket := order.Uint32(data[0:4])
	nchain := order.Uint32(data[4:8])
	need := 8 + 4*(int64(nbucket)+int64(nchain))
	if int64(len(data)) < need {
		return nil, errShortHash
	}
	ht := &hashTable{
		buckets: make([]uint32, nbucket),
		chains:  make([]uint32, nchain),
	}
	off := 8
	for i := range ht.buckets {
		ht.buckets[i] = order.Uint32(data[off:])
		off += 4
	}
	for i := range ht.chains {
		ht.chains[i] = order.Uint32(data[off:])
		off += 4
	}
	return ht, nil
}

// lookup walks the bucket chain for name, calling match for each
// candidate symbol index. match returns true to accept; lookup returns
// the first accepted index and true, or 0 and false if the chain is
// exhausted without a match.
func (h *hashTable) lookup(name string, match func(idx uint32) bool) (uint32, bool) {
	if len(h.buckets) == 0 {
		return 0, false
	}
	idx := h.buckets[elfHash(name)%uint32(len(h.buckets))]
	for idx != shnUndef {
		if idx >= uint32(len(h.chains)) {
			return 0, false
		}
		if match(idx) {
			return idx, true
		}
		idx = h.chains[idx]
	}
	return 0, false
}
