// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dwarf

import (
	"encoding/binary"
	"testing"
)

// buildTestEhFrame assembles a two-entry .eh_frame section by hand: one
// CIE (augmentation "zR", code align 1, data align -8, return address
// register 16, initial rule CFA=r7+8 and r16 stored at CFA-8) and one
// FDE covering [0x401000, 0x401020) whose program advances 0x10 bytes
// in and then sets the CFA offset to 16 (modeling a push %rbp-style
// prologue).
func buildTestEhFrame() []byte {
	order := binary.LittleEndian
	u32 := func(v uint32) []byte {
		b := make([]byte, 4)
		order.PutUint32(b, v)
		return b
	}
	u64 := func(v uint64) []byte {
		b := make([]byte, 8)
		order.PutUint64(b, v)
		return b
	}

	cieContent := concat(
		[]byte{0, 0, 0, 0}, // CIE id (0 in eh_frame format)
		[]byte{1},          // version
		[]byte{'z', 'R', 0},
		[]byte{1},    // code alignment factor (ULEB128)
		[]byte{0x78}, // data alignment factor (SLEB128 -8)
		[]byte{16},   // return address register (version 1: single byte)
		[]byte{1},    // augmentation data length (ULEB128)
		[]byte{0x00}, // 'R': DW_EH_PE_absptr
		[]byte{0x0c, 0x07, 0x08, 0x90, 0x01}, // def_cfa(r7,8); offset(r16, factor 1)
	)
	cieEntry := concat(u32(uint32(len(cieContent))), cieContent)

	fdeContent := concat(
		// Backward delta from the FDE's own id field (which sits 4
		// bytes past the end of the CIE entry, after the FDE's own
		// length field) back to the start of the CIE entry at offset 0.
		u32(uint32(len(cieEntry)+4)), // backward delta to the CIE entry start
		u64(0x401000),              // initial location
		u64(0x20),                  // address range
		[]byte{0},                  // augmentation data length (none for 'R')
		[]byte{0x02, 0x10, 0x0e, 0x10}, // advance_loc1(0x10); def_cfa_offset(16)
	)
	fdeEntry := concat(u32(uint32(len(fdeContent))), fdeContent)

	return concat(cieEntry, fdeEntry)
}

// buildTestEhFrameManyFDEs assembles one CIE (identical to
// buildTestEhFrame's) followed by n contiguous, empty-program FDEs each
// covering a 0x10-byte range starting at 0x401000 -- enough entries to
// force FDEForPC's bisection below its len<=2 linear-scan floor.
func buildTestEhFrameManyFDEs(n int) []byte {
	order := binary.LittleEndian
	u32 := func(v uint32) []byte {
		b := make([]byte, 4)
		order.PutUint32(b, v)
		return b
	}
	u64 := func(v uint64) []byte {
		b := make([]byte, 8)
		order.PutUint64(b, v)
		return b
	}

	cieContent := concat(
		[]byte{0, 0, 0, 0},
		[]byte{1},
		[]byte{'z', 'R', 0},
		[]byte{1},
		[]byte{0x78},
		[]byte{16},
		[]byte{1},
		[]byte{0x00},
		[]byte{0x0c, 0x07, 0x08, 0x90, 0x01},
	)
	cieEntry := concat(u32(uint32(len(cieContent))), cieContent)

	out := concat(cieEntry)
	for i := 0; i < n; i++ {
		cieRelativeOff := int64(len(out)) + 4 // past this FDE's own length field
		fdeContent := concat(
			u32(uint32(cieRelativeOff)),
			u64(0x401000+uint64(i)*0x10),
			u64(0x10),
			[]byte{0}, // augmentation data length
		)
		fdeEntry := concat(u32(uint32(len(fdeContent))), fdeContent)
		out = concat(out, fdeEntry)
	}
	return out
}

func TestFDEForPCBisectionCoversMiddleFDE(t *testing.T) {
	sec, err := ParseSection(FormatEhFrame, buildTestEhFrameManyFDEs(4), binary.LittleEndian, 8, 0)
	if err != nil {
		t.Fatalf("ParseSection: %v", err)
	}

	// Lows are [0x401000, 0x401010, 0x401020, 0x401030]; pc=0x401025
	// falls in the third FDE, [0x401020, 0x401030) -- the case a
	// mid+1-on-miss bisection drops from its search window.
	fde, err := sec.FDEForPC(0x401025)
	if err != nil {
		t.Fatalf("FDEForPC(0x401025): %v", err)
	}
	if fde.Low != 0x401020 || fde.High != 0x401030 {
		t.Fatalf("fde range = [%#x, %#x), want [0x401020, 0x401030)", fde.Low, fde.High)
	}

	for i := 0; i < 4; i++ {
		low := uint64(0x401000 + i*0x10)
		fde, err := sec.FDEForPC(low)
		if err != nil {
			t.Fatalf("FDEForPC(%#x): %v", low, err)
		}
		if fde.Low != low {
			t.Fatalf("FDEForPC(%#x) = [%#x, %#x), want Low == pc", low, fde.Low, fde.High)
		}
	}

	if _, err := sec.FDEForPC(0x401040); err != NotCovered {
		t.Fatalf("FDEForPC(0x401040) = %v, want NotCovered", err)
	}
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestParseEhFrameAndFDELookup(t *testing.T) {
	sec, err := ParseSection(FormatEhFrame, buildTestEhFrame(), binary.LittleEndian, 8, 0)
	if err != nil {
		t.Fatalf("ParseSection: %v", err)
	}

	fde, err := sec.FDEForPC(0x401005)
	if err != nil {
		t.Fatalf("FDEForPC(0x401005): %v", err)
	}
	if fde.Low != 0x401000 || fde.High != 0x401020 {
		t.Fatalf("fde range = [%#x, %#x)", fde.Low, fde.High)
	}

	if _, err := sec.FDEForPC(0x402000); err != NotCovered {
		t.Fatalf("FDEForPC(0x402000) = %v, want NotCovered", err)
	}
}

func TestComputeUnwindRulesBeforeAdvance(t *testing.T) {
	sec, err := ParseSection(FormatEhFrame, buildTestEhFrame(), binary.LittleEndian, 8, 0)
	if err != nil {
		t.Fatal(err)
	}
	fde, err := sec.FDEForPC(0x401000)
	if err != nil {
		t.Fatal(err)
	}

	rules, err := ComputeUnwindRules(fde, 0x401000, binary.LittleEndian, 8)
	if err != nil {
		t.Fatalf("ComputeUnwindRules: %v", err)
	}
	if rules.CFA.Register != 7 || rules.CFA.Offset != 8 {
		t.Fatalf("CFA = %+v, want {7, 8}", rules.CFA)
	}
	ra := rules.Rule(16)
	if ra.Kind != RuleOffset || ra.Offset != -8 {
		t.Fatalf("r16 rule = %+v, want Offset -8", ra)
	}
	if rules.ReturnAddressRegister != 16 {
		t.Fatalf("ReturnAddressRegister = %d, want 16", rules.ReturnAddressRegister)
	}
}

func TestComputeUnwindRulesAfterAdvance(t *testing.T) {
	sec, err := ParseSection(FormatEhFrame, buildTestEhFrame(), binary.LittleEndian, 8, 0)
	if err != nil {
		t.Fatal(err)
	}
	fde, err := sec.FDEForPC(0x401015)
	if err != nil {
		t.Fatal(err)
	}

	rules, err := ComputeUnwindRules(fde, 0x401010, binary.LittleEndian, 8)
	if err != nil {
		t.Fatalf("ComputeUnwindRules: %v", err)
	}
	if rules.CFA.Register != 7 || rules.CFA.Offset != 16 {
		t.Fatalf("CFA = %+v, want {7, 16} after the prologue advance", rules.CFA)
	}
	// The return-address rule established by the CIE must still apply;
	// it is untouched by the FDE program in this test.
	ra := rules.Rule(16)
	if ra.Kind != RuleOffset || ra.Offset != -8 {
		t.Fatalf("r16 rule = %+v, want Offset -8", ra)
	}
}

func TestComputeUnwindRulesOutsideFDE(t *testing.T) {
	sec, err := ParseSection(FormatEhFrame, buildTestEhFrame(), binary.LittleEndian, 8, 0)
	if err != nil {
		t.Fatal(err)
	}
	fde, err := sec.FDEForPC(0x401000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ComputeUnwindRules(fde, 0x500000, binary.LittleEndian, 8); err != NotCovered {
		t.Fatalf("ComputeUnwindRules outside range = %v, want NotCovered", err)
	}
}
