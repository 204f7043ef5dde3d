// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dwarf

import (
	"encoding/binary"
	"fmt"
)

// Call frame instruction opcodes (DW_CFA_*), DWARF section 6.4.2.
// Opcodes 0x40/0x80/0xc0 pack a 6-bit operand into the low bits of the
// opcode byte itself; the rest take their operands from the stream.
// Grounded on the opcode table every CFI interpreter in the retrieved
// pack names identically (ConradIrwin-go-dwarf's unwind.go).
const (
	dwCFAAdvanceLoc  = 0x40 // +delta (6-bit)
	dwCFAOffset      = 0x80 // +register (6-bit), ULEB128 offset
	dwCFARestore     = 0xc0 // +register (6-bit)

	dwCFANop               = 0x00
	dwCFASetLoc            = 0x01 // address
	dwCFAAdvanceLoc1       = 0x02 // 1-byte delta
	dwCFAAdvanceLoc2       = 0x03 // 2-byte delta
	dwCFAAdvanceLoc4       = 0x04 // 4-byte delta
	dwCFAOffsetExtended    = 0x05 // ULEB128 register, ULEB128 offset
	dwCFARestoreExtended   = 0x06 // ULEB128 register
	dwCFAUndefined         = 0x07 // ULEB128 register
	dwCFASameValue         = 0x08 // ULEB128 register
	dwCFARegister          = 0x09 // ULEB128 register, ULEB128 register
	dwCFARememberState     = 0x0a
	dwCFARestoreState      = 0x0b
	dwCFADefCFA            = 0x0c // ULEB128 register, ULEB128 offset
	dwCFADefCFARegister    = 0x0d // ULEB128 register
	dwCFADefCFAOffset      = 0x0e // ULEB128 offset
	dwCFADefCFAExpression  = 0x0f // BLOCK
	dwCFAExpression        = 0x10 // ULEB128 register, BLOCK
	dwCFAOffsetExtendedSF  = 0x11 // ULEB128 register, SLEB128 offset
	dwCFADefCFASF          = 0x12 // ULEB128 register, SLEB128 offset
	dwCFADefCFAOffsetSF    = 0x13 // SLEB128 offset
	dwCFAValOffset         = 0x14 // ULEB128 register, ULEB128 offset
	dwCFAValOffsetSF       = 0x15 // ULEB128 register, SLEB128 offset
	dwCFAValExpression     = 0x16 // ULEB128 register, BLOCK
)

// RuleKind identifies how to recover one register's value in the
// caller's frame (DWARF section 6.4.1).
type RuleKind int

const (
	// RuleUndefined: the register's prior value cannot be recovered.
	RuleUndefined RuleKind = iota
	// RuleSameValue: the register is unchanged from the callee.
	RuleSameValue
	// RuleOffset: the value is stored at CFA+Offset.
	RuleOffset
	// RuleValOffset: the register's new value IS CFA+Offset.
	RuleValOffset
	// RuleRegister: the value is Register's value in the callee.
	RuleRegister
	// RuleExpression: the value is at the address a DWARF location
	// expression computes. pstack records the raw expression bytes but
	// does not evaluate them (see DESIGN.md, Component C); a frame
	// whose unwind depends on one cannot be fully recovered.
	RuleExpression
	// RuleValExpression: the register's new value IS what a DWARF
	// expression computes. Also recorded but not evaluated.
	RuleValExpression
)

// RegisterRule is the recipe for one register in one UnwindRules row.
type RegisterRule struct {
	Kind       RuleKind
	Offset     int64
	Register   uint64
	Expression []byte
}

// CFARule is the recipe for the Canonical Frame Address: either
// Register's value plus Offset, or (DW_CFA_def_cfa_expression) the
// address a raw DWARF expression computes, recorded but not evaluated.
type CFARule struct {
	Register   uint64
	Offset     int64
	Expression []byte
}

// UnwindRules is the fully resolved recipe for recovering the caller's
// CFA and registers at one specific PC (spec.md §4.C/§4.E).
type UnwindRules struct {
	CFA                   CFARule
	ReturnAddressRegister uint64
	Registers             map[uint64]RegisterRule
}

// Rule returns reg's rule, or RuleUndefined if the CFI program never
// mentioned it.
func (u *UnwindRules) Rule(reg uint64) RegisterRule {
	if r, ok := u.Registers[reg]; ok {
		return r
	}
	return RegisterRule{Kind: RuleUndefined}
}

type row struct {
	cfa  CFARule
	regs map[uint64]RegisterRule
}

func newRow() row { return row{regs: map[uint64]RegisterRule{}} }

func cloneRow(r row) row {
	nr := row{cfa: r.cfa, regs: make(map[uint64]RegisterRule, len(r.regs))}
	for k, v := range r.regs {
		nr.regs[k] = v
	}
	return nr
}

// ComputeUnwindRules runs fde's CIE initial instructions followed by
// its own instructions up to pc, producing the register-rule table in
// effect at that exact address (spec.md §4.C). addrSize is the
// target's pointer width, needed to size DW_CFA_set_loc's address
// operand.
func ComputeUnwindRules(fde *FDE, pc uint64, order binary.ByteOrder, addrSize int) (*UnwindRules, error) {
	if !fde.Contains(pc) {
		return nil, NotCovered
	}
	cie := fde.CIE

	initial := newRow()
	if err := runCFA(cie, cie.InitialInstructions, &initial, nil, nil, 0, 0, order, addrSize); err != nil {
		return nil, fmt.Errorf("CIE initial instructions: %w", err)
	}

	cur := cloneRow(initial)
	var stack []row
	if err := runCFA(cie, fde.Instructions, &cur, &initial, &stack, fde.Low, pc, order, addrSize); err != nil {
		return nil, fmt.Errorf("FDE instructions: %w", err)
	}

	return &UnwindRules{
		CFA:                   cur.cfa,
		ReturnAddressRegister: cie.ReturnAddressRegister,
		Registers:             cur.regs,
	}, nil
}

// runCFA interprets a CFI instruction stream into cur. loc is the
// running location counter, started at startLoc; when stopPC is
// nonzero (i.e. this is an FDE program, not CIE initial instructions),
// execution halts before any advance that would move loc past stopPC,
// since everything beyond that point describes instructions after the
// PC of interest.
func runCFA(cie *CIE, instrs []byte, cur *row, initial *row, stack *[]row, startLoc, stopPC uint64, order binary.ByteOrder, addrSize int) error {
	c := newCursor(instrs)
	loc := startLoc
	bounded := stopPC != 0

	advance := func(delta uint64) bool {
		newLoc := loc + delta*cie.CodeAlignmentFactor
		if bounded && newLoc > stopPC {
			return false
		}
		loc = newLoc
		return true
	}

	for !c.done() {
		op, err := c.u8()
		if err != nil {
			return err
		}

		switch op & 0xc0 {
		case dwCFAAdvanceLoc:
			if !advance(uint64(op & 0x3f)) {
				return nil
			}
			continue
		case dwCFAOffset:
			reg := uint64(op & 0x3f)
			off, err := c.uleb128()
			if err != nil {
				return err
			}
			cur.regs[reg] = RegisterRule{Kind: RuleOffset, Offset: int64(off) * cie.DataAlignmentFactor}
			continue
		case dwCFARestore:
			reg := uint64(op & 0x3f)
			restoreRegister(cur, initial, reg)
			continue
		}

		switch op {
		case dwCFANop:
		case dwCFASetLoc:
			addr, err := readAddr(c, addrSize, order)
			if err != nil {
				return err
			}
			if bounded && addr > stopPC {
				return nil
			}
			loc = addr
		case dwCFAAdvanceLoc1:
			d, err := c.u8()
			if err != nil {
				return err
			}
			if !advance(uint64(d)) {
				return nil
			}
		case dwCFAAdvanceLoc2:
			d, err := c.u16(order)
			if err != nil {
				return err
			}
			if !advance(uint64(d)) {
				return nil
			}
		case dwCFAAdvanceLoc4:
			d, err := c.u32(order)
			if err != nil {
				return err
			}
			if !advance(uint64(d)) {
				return nil
			}
		case dwCFAOffsetExtended:
			reg, err := c.uleb128()
			if err != nil {
				return err
			}
			off, err := c.uleb128()
			if err != nil {
				return err
			}
			cur.regs[reg] = RegisterRule{Kind: RuleOffset, Offset: int64(off) * cie.DataAlignmentFactor}
		case dwCFAOffsetExtendedSF:
			reg, err := c.uleb128()
			if err != nil {
				return err
			}
			off, err := c.sleb128()
			if err != nil {
				return err
			}
			cur.regs[reg] = RegisterRule{Kind: RuleOffset, Offset: off * cie.DataAlignmentFactor}
		case dwCFARestoreExtended:
			reg, err := c.uleb128()
			if err != nil {
				return err
			}
			restoreRegister(cur, initial, reg)
		case dwCFAUndefined:
			reg, err := c.uleb128()
			if err != nil {
				return err
			}
			cur.regs[reg] = RegisterRule{Kind: RuleUndefined}
		case dwCFASameValue:
			reg, err := c.uleb128()
			if err != nil {
				return err
			}
			cur.regs[reg] = RegisterRule{Kind: RuleSameValue}
		case dwCFARegister:
			reg, err := c.uleb128()
			if err != nil {
				return err
			}
			src, err := c.uleb128()
			if err != nil {
				return err
			}
			cur.regs[reg] = RegisterRule{Kind: RuleRegister, Register: src}
		case dwCFARememberState:
			if stack != nil {
				*stack = append(*stack, cloneRow(*cur))
			}
		case dwCFARestoreState:
			if stack != nil && len(*stack) > 0 {
				n := len(*stack) - 1
				*cur = (*stack)[n]
				*stack = (*stack)[:n]
			}
		case dwCFADefCFA:
			reg, err := c.uleb128()
			if err != nil {
				return err
			}
			off, err := c.uleb128()
			if err != nil {
				return err
			}
			cur.cfa = CFARule{Register: reg, Offset: int64(off)}
		case dwCFADefCFASF:
			reg, err := c.uleb128()
			if err != nil {
				return err
			}
			off, err := c.sleb128()
			if err != nil {
				return err
			}
			cur.cfa = CFARule{Register: reg, Offset: off * cie.DataAlignmentFactor}
		case dwCFADefCFARegister:
			reg, err := c.uleb128()
			if err != nil {
				return err
			}
			cur.cfa.Register = reg
			cur.cfa.Expression = nil
		case dwCFADefCFAOffset:
			off, err := c.uleb128()
			if err != nil {
				return err
			}
			cur.cfa.Offset = int64(off)
		case dwCFADefCFAOffsetSF:
			off, err := c.sleb128()
			if err != nil {
				return err
			}
			cur.cfa.Offset = off * cie.DataAlignmentFactor
		case dwCFADefCFAExpression:
			n, err := c.uleb128()
			if err != nil {
				return err
			}
			b, err := c.bytes(int(n))
			if err != nil {
				return err
			}
			cur.cfa = CFARule{Expression: append([]byte(nil), b...)}
		case dwCFAExpression:
			reg, err := c.uleb128()
			if err != nil {
				return err
			}
			n, err := c.uleb128()
			if err != nil {
				return err
			}
			b, err := c.bytes(int(n))
			if err != nil {
				return err
			}
			cur.regs[reg] = RegisterRule{Kind: RuleExpression, Expression: append([]byte(nil), b...)}
		case dwCFAValOffset:
			reg, err := c.uleb128()
			if err != nil {
				return err
			}
			off, err := c.uleb128()
			if err != nil {
				return err
			}
			cur.regs[reg] = RegisterRule{Kind: RuleValOffset, Offset: int64(off) * cie.DataAlignmentFactor}
		case dwCFAValOffsetSF:
			reg, err := c.uleb128()
			if err != nil {
				return err
			}
			off, err := c.sleb128()
			if err != nil {
				return err
			}
			cur.regs[reg] = RegisterRule{Kind: RuleValOffset, Offset: off * cie.DataAlignmentFactor}
		case dwCFAValExpression:
			reg, err := c.uleb128()
			if err != nil {
				return err
			}
			n, err := c.uleb128()
			if err != nil {
				return err
			}
			b, err := c.bytes(int(n))
			if err != nil {
				return err
			}
			cur.regs[reg] = RegisterRule{Kind: RuleValExpression, Expression: append([]byte(nil), b...)}
		default:
			return fmt.Errorf("unsupported CFA opcode %#x", op)
		}
	}
	return nil
}

func restoreRegister(cur, initial *row, reg uint64) {
	if initial == nil {
		delete(cur.regs, reg)
		return
	}
	if r, ok := initial.regs[reg]; ok {
		cur.regs[reg] = r
	} else {
		delete(cur.regs, reg)
	}
}
