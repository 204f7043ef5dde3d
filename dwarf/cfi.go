// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dwarf implements the subset of DWARF this debugger needs:
// Call Frame Information (.debug_frame and .eh_frame) parsing and the
// register-rule state machine that turns a CIE/FDE pair into the
// unwind recipe for one program counter, plus a thin wrapper around
// the standard library's debug/dwarf for symbol-by-PC and line-number
// lookups (spec.md §4.C).
package dwarf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

var (
	errShortCFI = errors.New("dwarf: truncated call frame information")

	// NotCovered is returned when no FDE in a Section covers the
	// requested PC: the address lies outside any function this CFI
	// section describes.
	NotCovered = errors.New("dwarf: pc not covered by call frame information")
)

// eh_frame pointer encoding bytes (DW_EH_PE_*), the gcc/LSB extension
// .eh_frame uses to compress addresses. .debug_frame never uses these;
// its pointers are always plain, absolute, address-size values.
const (
	ehPEAbsptr  = 0x00
	ehPEUleb128 = 0x01
	ehPEUdata2  = 0x02
	ehPEUdata4  = 0x03
	ehPEUdata8  = 0x04
	ehPESleb128 = 0x09
	ehPESdata2  = 0x0a
	ehPESdata4  = 0x0b
	ehPESdata8  = 0x0c
	ehPEOmit    = 0xff

	ehPEPcrel = 0x10
)

// Format distinguishes the two CFI section encodings pstack reads: the
// DWARF-standard .debug_frame (CIE sentinel 0xffffffff, no pointer
// encoding augmentation) and gcc/clang's .eh_frame (CIE sentinel 0,
// augmented DW_EH_PE_* pointer encodings, CIE pointers stored as
// backward deltas rather than absolute offsets).
type Format int

const (
	FormatDebugFrame Format = iota
	FormatEhFrame
)

// CIE is one Common Information Entry: the register-rule defaults and
// CFA recipe shared by every FDE that references it.
type CIE struct {
	Offset                int64
	Version               byte
	Augmentation          string
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	ReturnAddressRegister uint64
	FDEPointerEncoding    byte // ehPEOmit if the CIE carries no 'R' augmentation
	InitialInstructions   []byte
}

// FDE is one Frame Description Entry: the CFI program covering
// [Low, High) machine instructions.
type FDE struct {
	CIE          *CIE
	Low          uint64
	High         uint64
	Instructions []byte
}

// Contains reports whether pc falls within this FDE's instruction
// range.
func (f *FDE) Contains(pc uint64) bool { return pc >= f.Low && pc < f.High }

// Section is a fully parsed .debug_frame or .eh_frame section: every
// CIE resolved, every FDE decoded and sorted by starting address for
// bisection lookup (spec.md §4.C).
type Section struct {
	format       Format
	order        binary.ByteOrder
	addrSize     int // 4 or 8
	sectionVaddr uint64

	fdes []*FDE
}

// ParseSection parses the raw bytes of a .debug_frame or .eh_frame
// section. addrSize is the target's pointer width (4 or 8);
// sectionVaddr is the section's runtime virtual address, used to
// resolve DW_EH_PE_pcrel-encoded pointers in .eh_frame (pass 0 for
// .debug_frame, which never needs it).
func ParseSection(format Format, data []byte, order binary.ByteOrder, addrSize int, sectionVaddr uint64) (*Section, error) {
	if addrSize != 4 && addrSize != 8 {
		return nil, fmt.Errorf("dwarf: unsupported address size %d", addrSize)
	}
	s := &Section{format: format, order: order, addrSize: addrSize, sectionVaddr: sectionVaddr}
	if err := s.parse(data); err != nil {
		return nil, err
	}
	sort.Slice(s.fdes, func(i, j int) bool { return s.fdes[i].Low < s.fdes[j].Low })
	return s, nil
}

func (s *Section) parse(data []byte) error {
	cies := map[int64]*CIE{}
	pos := 0
	for pos < len(data) {
		entryStart := pos
		if pos+4 > len(data) {
			return errShortCFI
		}
		length := s.order.Uint32(data[pos : pos+4])
		pos += 4
		if length == 0xffffffff {
			return fmt.Errorf("dwarf: 64-bit DWARF CFI format not supported")
		}
		if length == 0 {
			break // zero-length terminator padding
		}
		end := pos + int(length)
		if end > len(data) {
			return errShortCFI
		}

		idFieldPos := pos
		if pos+4 > len(data) {
			return errShortCFI
		}
		rawID := s.order.Uint32(data[pos : pos+4])
		pos += 4

		isCIE := (s.format == FormatEhFrame && rawID == 0) ||
			(s.format == FormatDebugFrame && rawID == 0xffffffff)
		if isCIE {
			cie, err := s.parseCIE(data[pos:end], int64(entryStart))
			if err != nil {
				return fmt.Errorf("dwarf: CIE at %#x: %w", entryStart, err)
			}
			cies[int64(entryStart)] = cie
			pos = end
			continue
		}

		var cieOffset int64
		if s.format == FormatEhFrame {
			cieOffset = int64(idFieldPos) - int64(rawID)
		} else {
			cieOffset = int64(rawID)
		}
		cie, ok := cies[cieOffset]
		if !ok {
			return fmt.Errorf("dwarf: FDE at %#x references unknown CIE at %#x", entryStart, cieOffset)
		}

		fde, err := s.parseFDE(data[pos:end], cie, int64(pos))
		if err != nil {
			return fmt.Errorf("dwarf: FDE at %#x: %w", entryStart, err)
		}
		s.fdes = append(s.fdes, fde)
		pos = end
	}
	return nil
}

func (s *Section) parseCIE(body []byte, offset int64) (*CIE, error) {
	c := newCursor(body)
	version, err := c.u8()
	if err != nil {
		return nil, err
	}
	aug, err := c.cstring()
	if err != nil {
		return nil, err
	}
	if s.format == FormatEhFrame && version == 4 {
		if _, err := c.u8(); err != nil { // address_size
			return nil, err
		}
		if _, err := c.u8(); err != nil { // segment_selector_size
			return nil, err
		}
	}
	codeAlign, err := c.uleb128()
	if err != nil {
		return nil, err
	}
	dataAlign, err := c.sleb128()
	if err != nil {
		return nil, err
	}
	var raReg uint64
	if s.format == FormatEhFrame && version == 1 {
		b, err := c.u8()
		if err != nil {
			return nil, err
		}
		raReg = uint64(b)
	} else {
		raReg, err = c.uleb128()
		if err != nil {
			return nil, err
		}
	}

	fdeEnc := byte(ehPEOmit)
	if len(aug) > 0 && aug[0] == 'z' {
		augLen, err := c.uleb128()
		if err != nil {
			return nil, err
		}
		dataStart := c.pos
		for i := 1; i < len(aug); i++ {
			switch aug[i] {
			case 'R':
				b, err := c.u8()
				if err != nil {
					return nil, err
				}
				fdeEnc = b
			case 'L':
				if _, err := c.u8(); err != nil {
					return nil, err
				}
			case 'P':
				encByte, err := c.u8()
				if err != nil {
					return nil, err
				}
				if err := skipEncodedValue(c, encByte, s.addrSize); err != nil {
					return nil, err
				}
			case 'S':
				// signal-frame marker: no augmentation data
			}
		}
		c.pos = dataStart + int(augLen)
	}

	return &CIE{
		Offset:                offset,
		Version:               version,
		Augmentation:          aug,
		CodeAlignmentFactor:   codeAlign,
		DataAlignmentFactor:   dataAlign,
		ReturnAddressRegister: raReg,
		FDEPointerEncoding:    fdeEnc,
		InitialInstructions:   body[c.pos:],
	}, nil
}

func (s *Section) parseFDE(body []byte, cie *CIE, bodyAbsOffset int64) (*FDE, error) {
	c := newCursor(body)
	var low, rangeLen uint64
	var err error
	if s.format == FormatEhFrame {
		enc := cie.FDEPointerEncoding
		if enc == ehPEOmit {
			enc = byte(ehPEAbsptr)
		}
		pcrelBase := s.sectionVaddr + uint64(bodyAbsOffset+int64(c.pos))
		low, err = decodeFramePointer(c, enc, s.order, s.addrSize, pcrelBase)
		if err != nil {
			return nil, fmt.Errorf("initial location: %w", err)
		}
		// The address-range field always uses an absolute (non-pc-
		// relative), unsigned encoding of the same width as the
		// location encoding.
		rangeLen, err = decodeFramePointer(c, ehPEAbsptr|(enc&0x0f), s.order, s.addrSize, 0)
		if err != nil {
			return nil, fmt.Errorf("address range: %w", err)
		}
	} else {
		low, err = readAddr(c, s.addrSize, s.order)
		if err != nil {
			return nil, fmt.Errorf("initial location: %w", err)
		}
		rangeLen, err = readAddr(c, s.addrSize, s.order)
		if err != nil {
			return nil, fmt.Errorf("address range: %w", err)
		}
	}

	if len(cie.Augmentation) > 0 && cie.Augmentation[0] == 'z' {
		augLen, err := c.uleb128()
		if err != nil {
			return nil, err
		}
		c.pos += int(augLen)
	}

	return &FDE{CIE: cie, Low: low, High: low + rangeLen, Instructions: body[c.pos:]}, nil
}

func readAddr(c *cursor, addrSize int, order binary.ByteOrder) (uint64, error) {
	if addrSize == 4 {
		v, err := c.u32(order)
		return uint64(v), err
	}
	return c.u64(order)
}

func skipEncodedValue(c *cursor, enc byte, addrSize int) error {
	switch enc & 0x0f {
	case ehPEAbsptr:
		_, err := c.bytes(addrSize)
		return err
	case ehPEUdata2, ehPESdata2:
		_, err := c.bytes(2)
		return err
	case ehPEUdata4, ehPESdata4:
		_, err := c.bytes(4)
		return err
	case ehPEUdata8, ehPESdata8:
		_, err := c.bytes(8)
		return err
	case ehPEUleb128:
		_, err := c.uleb128()
		return err
	case ehPESleb128:
		_, err := c.sleb128()
		return err
	default:
		return fmt.Errorf("dwarf: unsupported pointer encoding %#x", enc)
	}
}

func decodeFramePointer(c *cursor, enc byte, order binary.ByteOrder, addrSize int, pcrelBase uint64) (uint64, error) {
	if enc == ehPEOmit {
		return 0, fmt.Errorf("dwarf: omitted pointer encoding")
	}
	var base uint64
	switch enc & 0x70 {
	case ehPEAbsptr:
	case ehPEPcrel:
		base = pcrelBase
	default:
		return 0, fmt.Errorf("dwarf: unsupported pointer base encoding %#x", enc&0x70)
	}

	var delta int64
	switch enc & 0x0f {
	case ehPEAbsptr:
		v, err := readAddr(c, addrSize, order)
		if err != nil {
			return 0, err
		}
		delta = int64(v)
	case ehPEUdata2:
		v, err := c.u16(order)
		if err != nil {
			return 0, err
		}
		delta = int64(v)
	case ehPESdata2:
		v, err := c.u16(order)
		if err != nil {
			return 0, err
		}
		delta = int64(int16(v))
	case ehPEUdata4:
		v, err := c.u32(order)
		if err != nil {
			return 0, err
		}
		delta = int64(v)
	case ehPESdata4:
		v, err := c.u32(order)
		if err != nil {
			return 0, err
		}
		delta = int64(int32(v))
	case ehPEUdata8:
		v, err := c.u64(order)
		if err != nil {
			return 0, err
		}
		delta = int64(v)
	case ehPESdata8:
		v, err := c.u64(order)
		if err != nil {
			return 0, err
		}
		delta = int64(v)
	case ehPEUleb128:
		v, err := c.uleb128()
		if err != nil {
			return 0, err
		}
		delta = int64(v)
	case ehPESleb128:
		v, err := c.sleb128()
		if err != nil {
			return 0, err
		}
		delta = v
	default:
		return 0, fmt.Errorf("dwarf: unsupported pointer encoding %#x", enc&0x0f)
	}
	return base + uint64(delta), nil
}

// FDEForPC returns the FDE covering pc, found by bisection over the
// Low-sorted FDE list (grounded on the pack's eh_frame lookup pattern:
// pattyshack-bad's FDEContainingAddress). Returns NotCovered if no FDE
// spans pc.
func (s *Section) FDEForPC(pc uint64) (*FDE, error) {
	fdes := s.fdes
	if len(fdes) == 0 || pc < fdes[0].Low {
		return nil, NotCovered
	}
	for len(fdes) > 2 {
		mid := len(fdes) / 2
		switch {
		case pc < fdes[mid].Low:
			fdes = fdes[:mid]
		case pc == fdes[mid].Low:
			return fdes[mid], nil
		default:
			fdes = fdes[mid:]
		}
	}
	for _, fde := range fdes {
		if fde.Contains(pc) {
			return fde, nil
		}
	}
	return nil, NotCovered
}
