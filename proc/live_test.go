// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package proc

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestParseMapsLine(t *testing.T) {
	cases := []struct {
		line    string
		wantNil bool
		min     Address
		max     Address
		perm    Perm
	}{
		{
			line: "00400000-00401000 r-xp 00000000 08:01 1234567 /bin/cat",
			min:  0x400000, max: 0x401000, perm: Read | Exec,
		},
		{
			line: "7ffd12340000-7ffd12360000 rw-p 00000000 00:00 0 [stack]",
			min:  0x7ffd12340000, max: 0x7ffd12360000, perm: Read | Write,
		},
		{
			// ---p mappings (guard pages) carry no permission bits at all.
			line:    "00401000-00402000 ---p 00000000 00:00 0",
			wantNil: true,
		},
	}
	for _, c := range cases {
		m, err := parseMapsLine(c.line)
		if err != nil {
			t.Fatalf("parseMapsLine(%q): %v", c.line, err)
		}
		if c.wantNil {
			if m != nil {
				t.Fatalf("parseMapsLine(%q) = %+v, want nil", c.line, m)
			}
			continue
		}
		if m.min != c.min || m.max != c.max || m.perm != c.perm {
			t.Fatalf("parseMapsLine(%q) = {%s,%s,%s}, want {%s,%s,%s}",
				c.line, m.min, m.max, m.perm, c.min, c.max, c.perm)
		}
	}
}

func TestParseMapsLineMalformed(t *testing.T) {
	if _, err := parseMapsLine("not-a-maps-line"); err == nil {
		t.Fatalf("parseMapsLine: want error for malformed line")
	}
}

func TestAmd64RegsToDWARF(t *testing.T) {
	var r unix.PtraceRegs
	r.Rax = 1
	r.Rdx = 2
	r.Rcx = 3
	r.Rbx = 4
	r.Rsi = 5
	r.Rdi = 6
	r.Rbp = 7
	r.Rsp = 8
	r.R8 = 9
	r.R15 = 16
	r.Rip = 0x401234

	regs := amd64RegsToDWARF(&r)
	want := map[uint64]uint64{
		0: 1, 1: 2, 2: 3, 3: 4, 4: 5, 5: 6, 6: 7, 7: 8,
		8: 9, 15: 16, 16: 0x401234,
	}
	for reg, v := range want {
		if got := regs[reg]; got != v {
			t.Errorf("regs[%d] = %#x, want %#x", reg, got, v)
		}
	}
	if pc, ok := regs.PC(16); !ok || pc != 0x401234 {
		t.Fatalf("regs.PC(16) = (%#x, %v), want (0x401234, true)", pc, ok)
	}
}
