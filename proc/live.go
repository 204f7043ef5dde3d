// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package proc

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/coredump-tools/pstack/logging"
)

// ptraceRun runs every closure sent on fc on one dedicated OS thread and
// sends its result back on ec. ptrace's state (attached tracer,
// single-step mode, pending signal) is per-thread in the kernel, so
// every ptrace syscall for a given tracee must come from the same
// goroutine-pinned OS thread or the kernel rejects it with ESRCH.
// Grounded on golang-debug's program/server/ptrace.go ptraceRun.
func ptraceRun(fc chan func() error, ec chan error) {
	runtime.LockOSThread()
	for f := range fc {
		ec <- f()
	}
}

// LiveProcess is the ptrace-based Process provider: it attaches to a
// running target, reads its memory and registers through ptrace, and on
// Detach resumes and detaches every thread it stopped. Grounded on
// golang-debug's program/server/ptrace.go for the dedicated-OS-thread
// dispatch pattern, generalized from syscall.Ptrace* to
// golang.org/x/sys/unix's fuller surface per spec.md §4.D.
type LiveProcess struct {
	pid      int
	fc       chan func() error
	ec       chan error
	space    addressSpace
	threads  []Thread
	objects  []*LoadedObject
	detached bool
	log      logging.Sink
}

type liveThread struct {
	pid  int
	regs Registers
}

func (t *liveThread) ID() uint64      { return uint64(t.pid) }
func (t *liveThread) Regs() Registers { return t.regs }

// Load performs loaded-object discovery (spec.md §6's process.load()).
// AttachLive already runs the rendezvous walk during attachment, so
// Load is a no-op kept only for interface parity with spec.md's
// "process.load() (idempotent)" surface; calling it any number of
// times is always safe.
func (p *LiveProcess) Load() error { return nil }

// AttachLive attaches to pid via ptrace, stops it, and reads its memory
// mappings (/proc/pid/maps) and initial thread register state. Callers
// must call Detach when finished to resume the target.
func AttachLive(pid int, log logging.Sink) (*LiveProcess, error) {
	log = sink(log)
	p := &LiveProcess{
		pid: pid,
		fc:  make(chan func() error),
		ec:  make(chan error),
		log: log,
	}
	go ptraceRun(p.fc, p.ec)

	if err := p.run(func() error { return unix.PtraceAttach(pid) }); err != nil {
		return nil, fmt.Errorf("proc: attaching to pid %d: %w", pid, err)
	}
	var status unix.WaitStatus
	if err := p.run(func() error {
		_, err := unix.Wait4(pid, &status, 0, nil)
		return err
	}); err != nil {
		return nil, fmt.Errorf("proc: waiting for pid %d to stop: %w", pid, err)
	}

	if err := p.readMaps(); err != nil {
		return nil, err
	}
	if err := p.readThreads(); err != nil {
		log.Warnf("proc: reading thread list: %v", err)
	}
	if err := p.loadRendezvousLive(); err != nil {
		log.Warnf("proc: loaded-object discovery: %v", err)
	}
	return p, nil
}

// run dispatches f to the dedicated ptrace thread and returns its result.
func (p *LiveProcess) run(f func() error) error {
	p.fc <- f
	return <-p.ec
}

func (p *LiveProcess) readMaps() error {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", p.pid))
	if err != nil {
		return fmt.Errorf("proc: opening /proc/%d/maps: %w", p.pid, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m, err := parseMapsLine(sc.Text())
		if err != nil {
			p.log.Warnf("proc: skipping unparseable maps line: %v", err)
			continue
		}
		if m == nil {
			continue
		}
		if err := p.space.add(m); err != nil {
			p.log.Warnf("proc: adding mapping: %v", err)
		}
	}
	return sc.Err()
}

// parseMapsLine parses one /proc/pid/maps line ("start-end perms offset
// dev inode path"). Live mappings carry no contents; reads go through
// ptrace on demand.
func parseMapsLine(line string) (*Mapping, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, fmt.Errorf("too few fields")
	}
	rangeParts := strings.SplitN(fields[0], "-", 2)
	if len(rangeParts) != 2 {
		return nil, fmt.Errorf("bad address range %q", fields[0])
	}
	min, err := strconv.ParseUint(rangeParts[0], 16, 64)
	if err != nil {
		return nil, err
	}
	max, err := strconv.ParseUint(rangeParts[1], 16, 64)
	if err != nil {
		return nil, err
	}
	permStr := fields[1]
	var perm Perm
	if strings.Contains(permStr, "r") {
		perm |= Read
	}
	if strings.Contains(permStr, "w") {
		perm |= Write
	}
	if strings.Contains(permStr, "x") {
		perm |= Exec
	}
	if perm == 0 {
		return nil, nil
	}
	return &Mapping{min: Address(min), max: Address(max), perm: perm}, nil
}

func (p *LiveProcess) readThreads() error {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", p.pid))
	if err != nil {
		return err
	}
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		var regs unix.PtraceRegs
		if err := p.run(func() error { return unix.PtraceGetRegs(tid, &regs) }); err != nil {
			p.log.Warnf("proc: reading registers for thread %d: %v", tid, err)
			continue
		}
		p.threads = append(p.threads, &liveThread{pid: tid, regs: amd64RegsToDWARF(&regs)})
	}
	return nil
}

// amd64RegsToDWARF converts a unix.PtraceRegs snapshot to the x86-64
// psABI's DWARF register numbering, the same mapping CoreProcess.
// readPRStatus applies to the equivalent NT_PRSTATUS fields.
func amd64RegsToDWARF(r *unix.PtraceRegs) Registers {
	return Registers{
		0:  r.Rax,
		1:  r.Rdx,
		2:  r.Rcx,
		3:  r.Rbx,
		4:  r.Rsi,
		5:  r.Rdi,
		6:  r.Rbp,
		7:  r.Rsp,
		8:  r.R8,
		9:  r.R9,
		10: r.R10,
		11: r.R11,
		12: r.R12,
		13: r.R13,
		14: r.R14,
		15: r.R15,
		16: r.Rip,
	}
}

func (p *LiveProcess) ReadAt(a Address, buf []byte) (int, error) {
	if p.detached {
		return 0, ErrDetached
	}
	var n int
	err := p.run(func() error {
		var err error
		n, err = unix.PtracePeekData(p.pid, uintptr(a), buf)
		return err
	})
	if err != nil {
		return n, fmt.Errorf("%w: %v", Unmapped, err)
	}
	return n, nil
}

func (p *LiveProcess) Mappings() []*Mapping { return p.space.mappings }

func (p *LiveProcess) Threads() []Thread { return p.threads }

func (p *LiveProcess) LoadedObjects() []*LoadedObject { return p.objects }

func (p *LiveProcess) ObjectContainingPC(pc Address) *LoadedObject {
	for _, o := range p.objects {
		if o.containsPC(pc) {
			return o
		}
	}
	return nil
}

// Detach resumes every stopped thread and detaches the tracer, per
// spec.md's live-provider "on drop, detaches and resumes all threads".
func (p *LiveProcess) Detach() error {
	if p.detached {
		return nil
	}
	p.detached = true
	err := p.run(func() error { return unix.PtraceDetach(p.pid) })
	close(p.fc)
	return err
}
