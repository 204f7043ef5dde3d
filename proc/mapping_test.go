// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package proc

import "testing"

func TestAddressSpaceFindMapping(t *testing.T) {
	var s addressSpace
	m1 := &Mapping{min: 0x1000, max: 0x3000, perm: Read | Exec, contents: make([]byte, 0x2000)}
	m2 := &Mapping{min: 0x10000000000, max: 0x10000002000, perm: Read | Write, contents: make([]byte, 0x2000)}
	if err := s.add(m1); err != nil {
		t.Fatalf("add m1: %v", err)
	}
	if err := s.add(m2); err != nil {
		t.Fatalf("add m2: %v", err)
	}

	if got := s.findMapping(0x1000); got != m1 {
		t.Fatalf("findMapping(0x1000) = %v, want m1", got)
	}
	if got := s.findMapping(0x2fff); got != m1 {
		t.Fatalf("findMapping(0x2fff) = %v, want m1", got)
	}
	if got := s.findMapping(0x3000); got != nil {
		t.Fatalf("findMapping(0x3000) = %v, want nil", got)
	}
	if got := s.findMapping(0x10000000000); got != m2 {
		t.Fatalf("findMapping(high) = %v, want m2", got)
	}
	if got := s.findMapping(0xdead0000); got != nil {
		t.Fatalf("findMapping(unmapped) = %v, want nil", got)
	}
}

func TestAddressSpaceAddRejectsMisalignedMapping(t *testing.T) {
	var s addressSpace
	if err := s.add(&Mapping{min: 0x1001, max: 0x2000}); err == nil {
		t.Fatalf("add: want error for misaligned min")
	}
	if err := s.add(&Mapping{min: 0x1000, max: 0x2001}); err == nil {
		t.Fatalf("add: want error for misaligned max")
	}
}

func TestAddressSpaceReadAt(t *testing.T) {
	var s addressSpace
	contents := make([]byte, pageSize)
	copy(contents, []byte("hello world"))
	if err := s.add(&Mapping{min: 0x1000, max: 0x1000 + pageSize, perm: Read, contents: contents}); err != nil {
		t.Fatalf("add: %v", err)
	}

	buf := make([]byte, 5)
	if n, err := s.readAt(0x1000, buf); err != nil || n != 5 || string(buf) != "hello" {
		t.Fatalf("readAt = (%d, %v, %q), want (5, nil, %q)", n, err, buf, "hello")
	}

	if _, err := s.readAt(0x500, buf); err != Unmapped {
		t.Fatalf("readAt(unmapped) = %v, want Unmapped", err)
	}

	// A read that starts in the mapping but runs past its end must fail.
	tail := make([]byte, pageSize+1)
	if _, err := s.readAt(0x1000, tail); err != Unmapped {
		t.Fatalf("readAt(past contents) = %v, want Unmapped", err)
	}
}

func TestAddressSpaceReadAtNoPermission(t *testing.T) {
	var s addressSpace
	if err := s.add(&Mapping{min: 0x1000, max: 0x1000 + pageSize, perm: Write, contents: make([]byte, pageSize)}); err != nil {
		t.Fatalf("add: %v", err)
	}
	buf := make([]byte, 1)
	if _, err := s.readAt(0x1000, buf); err != Unmapped {
		t.Fatalf("readAt(no read perm) = %v, want Unmapped", err)
	}
}

func TestPermString(t *testing.T) {
	cases := []struct {
		p    Perm
		want string
	}{
		{0, "---"},
		{Read, "r--"},
		{Read | Write, "rw-"},
		{Read | Write | Exec, "rwx"},
		{Exec, "--x"},
	}
	for _, c := range cases {
		if got := c.p.String(); got != c.want {
			t.Errorf("Perm(%d).String() = %q, want %q", c.p, got, c.want)
		}
	}
}
