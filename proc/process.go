// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package proc

import "github.com/coredump-tools/pstack/logging"

// Registers is a snapshot of a thread's general-purpose register file,
// keyed by DWARF register number (the numbering CFI rules reference) so
// the unwinder can apply a rule to a register without an architecture
// switch of its own.
type Registers map[uint64]uint64

// PC returns the thread's program counter, looked up by the
// architecture's DWARF register number for it.
func (r Registers) PC(pcReg uint64) (uint64, bool) {
	v, ok := r[pcReg]
	return v, ok
}

// A Thread is a single flow of execution within a Process: one OS thread
// for a live process, one NT_PRSTATUS note for a core.
type Thread interface {
	// ID returns the OS thread/LWP ID.
	ID() uint64
	// Regs returns the thread's captured register file.
	Regs() Registers
}

// A Span is a relocated address range one of an object's PT_LOAD
// segments occupies in the target's address space.
type Span struct {
	Min, Max Address
}

func (s Span) contains(a Address) bool { return a >= s.Min && a < s.Max }

// A LoadedObject is one entry of the dynamic linker's link map: the main
// executable, a shared library, or the VDSO.
type LoadedObject struct {
	Name     string  // soname or path, "" for the main executable
	LoadBase Address // relocation applied to the object's link addresses
	Path     string  // filesystem path, if known

	// Spans are the object's PT_LOAD ranges after relocation by
	// LoadBase, populated on a best-effort basis (the backing file may
	// not be reachable at discovery time, per spec.md's "or read from
	// memory if the file is unavailable" fallback). A LoadedObject with
	// no Spans simply never matches ObjectContainingPC.
	Spans []Span
}

// containsPC reports whether pc falls within one of o's relocated spans.
func (o *LoadedObject) containsPC(pc Address) bool {
	for _, s := range o.Spans {
		if s.contains(pc) {
			return true
		}
	}
	return false
}

// Unrelocated converts a virtual address in this object's mapped range
// to the unrelocated address used by its ELF symbols and DWARF info.
func (o *LoadedObject) Unrelocated(va Address) Address {
	return va.Add(-int64(o.LoadBase))
}

// Process is the address-space abstraction both providers implement:
// core-file playback and live ptrace attachment.
type Process interface {
	// ReadAt reads len(buf) bytes from virtual address a. It returns
	// Unmapped if any part of the range isn't backed by a readable
	// mapping.
	ReadAt(a Address, buf []byte) (int, error)

	// Mappings returns the process's memory mappings.
	Mappings() []*Mapping

	// Threads returns the process's threads.
	Threads() []Thread

	// LoadedObjects returns the objects discovered via the dynamic
	// linker rendezvous (or, for a statically linked executable, just
	// the executable itself at load base 0).
	LoadedObjects() []*LoadedObject

	// ObjectContainingPC returns the loaded object whose mapped range
	// contains pc, or nil if none does.
	ObjectContainingPC(pc Address) *LoadedObject

	// Detach releases the underlying resource: it resumes and detaches
	// a live process, or marks a core as detached. Once called, ReadAt
	// returns ErrDetached; the other methods keep returning the data
	// gathered before Detach.
	Detach() error
}

// sink normalizes a possibly-nil logging.Sink the way every component
// package does.
func sink(s logging.Sink) logging.Sink { return logging.OrDiscard(s) }
