// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dwarf

import "fmt"

// cursor is a forward-only byte-stream reader over a CFI program or
// frame-entry body, tracking its position within the owning section so
// DW_EH_PE_pcrel-style encodings can compute an absolute address.
// Grounded on the byte-cursor pattern every from-scratch CFI reader in
// the retrieved pack builds (pattyshack-bad's Cursor, ConradIrwin's
// bytes.Reader-based walk).
type cursor struct {
	data []byte
	pos  int
}

func newCursor(data []byte) *cursor { return &cursor{data: data} }

func (c *cursor) done() bool { return c.pos >= len(c.data) }

func (c *cursor) u8() (byte, error) {
	if c.pos >= len(c.data) {
		return 0, errShortCFI
	}
	b := c.data[c.pos]
	c.pos++
	return b, nil
}

func (c *cursor) bytes(n int) ([]byte, error) {
	if n < 0 || c.pos+n > len(c.data) {
		return nil, errShortCFI
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *cursor) u16(order byteOrder) (uint16, error) {
	b, err := c.bytes(2)
	if err != nil {
		return 0, err
	}
	return order.Uint16(b), nil
}

func (c *cursor) u32(order byteOrder) (uint32, error) {
	b, err := c.bytes(4)
	if err != nil {
		return 0, err
	}
	return order.Uint32(b), nil
}

func (c *cursor) u64(order byteOrder) (uint64, error) {
	b, err := c.bytes(8)
	if err != nil {
		return 0, err
	}
	return order.Uint64(b), nil
}

func (c *cursor) cstring() (string, error) {
	start := c.pos
	for c.pos < len(c.data) {
		if c.data[c.pos] == 0 {
			s := string(c.data[start:c.pos])
			c.pos++
			return s, nil
		}
		c.pos++
	}
	return "", errShortCFI
}

// uleb128 decodes an unsigned LEB128 value, per DWARF section 7.6.
func (c *cursor) uleb128() (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := c.u8()
		if err != nil {
			return 0, err
		}
		if shift < 64 {
			result |= uint64(b&0x7f) << shift
		}
		shift += 7
		if b&0x80 == 0 {
			return result, nil
		}
		if shift > 70 {
			return 0, fmt.Errorf("dwarf: uleb128 overflow")
		}
	}
}

// sleb128 decodes a signed LEB128 value, per DWARF section 7.6.
func (c *cursor) sleb128() (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = c.u8()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
		if shift > 70 {
			return 0, fmt.Errorf("dwarf: sleb128 overflow")
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, nil
}

// byteOrder is the subset of encoding/binary.ByteOrder the CFI reader
// needs; kept as its own interface so this file doesn't have to import
// encoding/binary just to name the parameter type.
type byteOrder interface {
	Uint16([]byte) uint16
	Uint32([]byte) uint32
	Uint64([]byte) uint64
}
