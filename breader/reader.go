// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package breader implements the random-access, caching, decompressing
// byte reader abstraction that every other layer of pstack is built on
// top of (spec.md §3, §4.A component A). A Reader is the one primitive
// that knows how to get bytes from somewhere — a file, a byte slice held
// in memory, a decompressed section, or a cache wrapping any of those.
package breader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrShortRead is returned by a strict record read (ReadObj, or a
// ReadAt call that demands the full buffer) when fewer bytes are
// available than requested.
var ErrShortRead = errors.New("breader: short read")

// ErrUnterminatedString is returned by ReadString when the backing
// reader runs out of bytes before a NUL terminator is found.
var ErrUnterminatedString = errors.New("breader: unterminated string")

// A Reader is a random-access source of bytes. Implementations must be
// safe for concurrent ReadAt calls from multiple goroutines reading
// disjoint regions; the reader NewCaching returns additionally serializes cache access
// with a mutex so concurrent callers never race on cache state.
type Reader interface {
	// ReadAt reads len(buf) bytes starting at offset off. It returns
	// the number of bytes actually read and, if that is less than
	// len(buf), a non-nil error (io.EOF at end of data, ErrShortRead
	// for a backing file truncated mid-record). A raw byte scan that
	// wants to tolerate a short tail should inspect n rather than
	// treating any error as fatal.
	ReadAt(off int64, buf []byte) (n int, err error)

	// ReadObj reads exactly binary.Size(v) bytes at off and decodes
	// them into v using order. v must be a pointer to a fixed-size
	// type (no strings, no slices without a fixed length).
	ReadObj(off int64, order binary.ByteOrder, v interface{}) error

	// ReadString reads bytes starting at off until a NUL byte or the
	// end of the reader. Hitting end-of-reader without a NUL is
	// ErrUnterminatedString.
	ReadString(off int64) (string, error)

	// String returns a short human-readable identifier for the
	// reader, e.g. a file path, used in error messages and the -v
	// trace output.
	String() string
}

// ReadFull reads len(buf) bytes at off, treating any shortfall as
// ErrShortRead. It's the strict counterpart used by ReadObj and by
// callers (like the ELF header parser) that cannot tolerate partial
// records.
func ReadFull(r Reader, off int64, buf []byte) error {
	n, err := r.ReadAt(off, buf)
	if n == len(buf) {
		return nil
	}
	if err == nil {
		err = ErrShortRead
	}
	return fmt.Errorf("reading %d bytes at %#x from %s: %w", len(buf), off, r.String(), err)
}

// fileReader is a Reader backed by an *os.File.
type fileReader struct {
	f *os.File
}

// NewFileReader wraps f as a Reader. The caller retains ownership of f
// (pstack never closes readers it did not open itself).
func NewFileReader(f *os.File) Reader {
	return &fileReader{f: f}
}

func (r *fileReader) ReadAt(off int64, buf []byte) (int, error) {
	return r.f.ReadAt(buf, off)
}

func (r *fileReader) ReadObj(off int64, order binary.ByteOrder, v interface{}) error {
	return readObj(r, off, order, v)
}

func (r *fileReader) ReadString(off int64) (string, error) {
	return readString(r, off)
}

func (r *fileReader) String() string {
	return r.f.Name()
}

// bytesReader is a Reader backed by an in-memory byte slice: core-file
// mmap'd segments, inflated sections, and test fixtures all use this.
type bytesReader struct {
	name string
	data []byte
}

// NewBytesReader wraps data as a Reader identified by name in error
// messages.
func NewBytesReader(data []byte, name string) Reader {
	return &bytesReader{name: name, data: data}
}

func (r *bytesReader) ReadAt(off int64, buf []byte) (int, error) {
	if off < 0 || off > int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(buf, r.data[off:])
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

func (r *bytesReader) ReadObj(off int64, order binary.ByteOrder, v interface{}) error {
	return readObj(r, off, order, v)
}

func (r *bytesReader) ReadString(off int64) (string, error) {
	return readString(r, off)
}

func (r *bytesReader) String() string {
	return r.name
}

func readObj(r Reader, off int64, order binary.ByteOrder, v interface{}) error {
	size := binary.Size(v)
	if size < 0 {
		return fmt.Errorf("breader: type %T is not fixed-size", v)
	}
	buf := make([]byte, size)
	if err := ReadFull(r, off, buf); err != nil {
		return err
	}
	return binary.Read(sliceReader(buf), order, v)
}

// sliceReader adapts a []byte to io.Reader for binary.Read without an
// extra bytes.Reader allocation on the hot path mattering much; kept
// simple since ELF/DWARF records are small.
type sliceReader []byte

func (s sliceReader) Read(p []byte) (int, error) {
	n := copy(p, s)
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func readString(r Reader, off int64) (string, error) {
	const chunk = 64
	var buf []byte
	pos := off
	tmp := make([]byte, chunk)
	for {
		n, err := r.ReadAt(pos, tmp)
		if n > 0 {
			if i := indexByte(tmp[:n], 0); i >= 0 {
				buf = append(buf, tmp[:i]...)
				return string(buf), nil
			}
			buf = append(buf, tmp[:n]...)
			pos += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				return "", fmt.Errorf("%s at %#x: %w", r.String(), off, ErrUnterminatedString)
			}
			return "", err
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}
