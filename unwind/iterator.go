// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package unwind

import (
	"encoding/binary"
	"fmt"

	"github.com/coredump-tools/pstack/dwarf"
	"github.com/coredump-tools/pstack/proc"
)

// FrameIterator produces a thread's stack frames one at a time, from
// innermost to outermost (spec.md §4.E). It is a lazy, finite sequence:
// callers may stop consuming at any point, and it terminates itself
// after at most maxFrames frames, or sooner, whichever comes first.
type FrameIterator struct {
	process  proc.Process
	resolver Resolver
	regs     proc.Registers

	maxFrames int
	emitted   int
	lastCFA   proc.Address
	haveLast  bool
	done      bool
	err       error
}

// NewFrameIterator starts an iterator over t's captured registers.
// maxFrames bounds the number of frames it will ever emit (spec.md §8's
// default is 4096; pass 0 for no bound beyond the CFA-progress guard).
func NewFrameIterator(p proc.Process, t proc.Thread, resolver Resolver, maxFrames int) *FrameIterator {
	return &FrameIterator{
		process:   p,
		resolver:  resolver,
		regs:      t.Regs(),
		maxFrames: maxFrames,
	}
}

// Err returns the error that stopped iteration, or nil if iteration
// ended normally (PC reached zero, no further FDE, or the caller simply
// stopped calling Next).
func (it *FrameIterator) Err() error { return it.err }

// Next produces the next frame. It returns false once the sequence is
// exhausted; callers must stop calling Next at that point.
func (it *FrameIterator) Next() (Frame, bool) {
	if it.done {
		return Frame{}, false
	}
	if it.maxFrames > 0 && it.emitted >= it.maxFrames {
		it.done = true
		return Frame{}, false
	}

	pc, ok := it.regs.PC(RegPC)
	if !ok || pc == 0 {
		it.done = true
		return Frame{}, false
	}

	obj := it.process.ObjectContainingPC(proc.Address(pc))
	frame := Frame{PC: proc.Address(pc), Object: obj, Symbol: "??"}
	if obj == nil {
		it.done = true
		return frame, true
	}
	unrelocated := uint64(obj.Unrelocated(proc.Address(pc)))

	info := it.resolver.ObjectInfo(obj)
	frame.Symbol, frame.File, frame.Line = symbolicate(info, unrelocated)
	if info == nil || info.CFI == nil {
		it.done = true
		return frame, true
	}

	fde, err := info.CFI.FDEForPC(unrelocated)
	if err != nil {
		it.done = true
		return frame, true
	}
	rules, err := dwarf.ComputeUnwindRules(fde, unrelocated, info.Order, info.AddrSize)
	if err != nil {
		it.done = true
		it.err = fmt.Errorf("unwind: computing rules at %#x: %w", unrelocated, err)
		return frame, true
	}

	cfa, ok := it.resolveCFA(rules.CFA)
	if !ok {
		it.done = true
		return frame, true
	}

	// The CFA must strictly increase frame over frame on a
	// downward-growing stack; anything else means this frame's register
	// state didn't actually change from the one just emitted, so the
	// walk has stalled or looped. Stop before emitting it rather than
	// spin (spec.md §4.E step 7, "guard against cycles with a small
	// bounded history" — here a single comparison against the
	// immediately preceding CFA, which already catches both literal
	// repeats and non-progress).
	if it.haveLast && proc.Address(cfa) <= it.lastCFA {
		it.done = true
		return Frame{}, false
	}
	frame.CFA = proc.Address(cfa)
	it.lastCFA = proc.Address(cfa)
	it.haveLast = true
	it.emitted++

	caller, ok := it.applyRules(rules, proc.Address(cfa), info.Order)
	if !ok {
		it.done = true
		return frame, true
	}
	it.regs = caller
	return frame, true
}

// resolveCFA computes the canonical frame address from a CFARule,
// reading it.regs for the register-based form. The DWARF-expression
// form is parsed but not evaluated (see ErrUnsupportedRule), so a frame
// whose CFA depends on one cannot be unwound past.
func (it *FrameIterator) resolveCFA(rule dwarf.CFARule) (uint64, bool) {
	if rule.Expression != nil {
		return 0, false
	}
	base, ok := it.regs[rule.Register]
	if !ok {
		return 0, false
	}
	return uint64(int64(base) + rule.Offset), true
}

// applyRules produces the caller's register file from rules, reading
// stack slots through it.process where a rule says the value lives at
// CFA+Offset. The caller's SP is always the CFA itself, per the DWARF
// CFI model; the caller's PC is the return-address register's rule.
func (it *FrameIterator) applyRules(rules *dwarf.UnwindRules, cfa proc.Address, order binary.ByteOrder) (proc.Registers, bool) {
	caller := make(proc.Registers, len(rules.Registers)+1)
	caller[RegSP] = uint64(cfa)

	for reg, rule := range rules.Registers {
		switch rule.Kind {
		case dwarf.RuleUndefined:
		case dwarf.RuleSameValue:
			if v, ok := it.regs[reg]; ok {
				caller[reg] = v
			}
		case dwarf.RuleOffset:
			var buf [8]byte
			addr := cfa.Add(rule.Offset)
			if _, err := it.process.ReadAt(addr, buf[:]); err != nil {
				continue
			}
			caller[reg] = order.Uint64(buf[:])
		case dwarf.RuleValOffset:
			caller[reg] = uint64(int64(cfa) + rule.Offset)
		case dwarf.RuleRegister:
			if v, ok := it.regs[rule.Register]; ok {
				caller[reg] = v
			}
		case dwarf.RuleExpression, dwarf.RuleValExpression:
			// Not evaluated; leave the register unset. If this is the
			// return-address register the caller's PC check below
			// will end iteration, which is the correct outcome: the
			// frame genuinely can't be recovered further.
		}
	}

	raReg := rules.ReturnAddressRegister
	if _, ok := caller[raReg]; !ok {
		return caller, false
	}
	caller[RegPC] = caller[raReg]
	return caller, true
}
