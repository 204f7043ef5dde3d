// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logging provides the caller-supplied debug sink used throughout
// pstack. There is no process-wide logger: every component that wants to
// log takes a Sink explicitly, and the default is silent.
package logging

import (
	"fmt"
	"io"
	"log"
)

// A Sink receives diagnostic output from the proc package and the
// pstack command, which also forwards the elf package's warnings to it
// (the breader, dwarf, unwind and vtable packages do not log). Debugf is for verbose/trace-level detail;
// Warnf is for recoverable problems worth surfacing (a skipped loaded
// object, a missing debug companion).
type Sink interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
}

// Discard is a Sink that drops everything. It is the default sink used
// whenever a caller does not supply one.
var Discard Sink = discard{}

type discard struct{}

func (discard) Debugf(string, ...interface{}) {}
func (discard) Warnf(string, ...interface{})  {}

// Std returns a Sink that writes to w using the standard library's log
// package, prefixing warnings so they stand out from debug chatter.
func Std(w io.Writer) Sink {
	return &stdSink{l: log.New(w, "", log.LstdFlags)}
}

type stdSink struct {
	l *log.Logger
}

func (s *stdSink) Debugf(format string, args ...interface{}) {
	s.l.Output(2, fmt.Sprintf(format, args...))
}

func (s *stdSink) Warnf(format string, args ...interface{}) {
	s.l.Output(2, "WARNING: "+fmt.Sprintf(format, args...))
}

// OrDiscard returns s if non-nil, else Discard. Packages that accept an
// optional Sink from a caller should run it through this before use so
// they never need a nil check at each call site.
func OrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}
