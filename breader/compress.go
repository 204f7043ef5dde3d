// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package breader

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// CompressionType identifies the ELF SHF_COMPRESSED algorithm (sh_type
// field of the Elf*_Chdr compression header), per spec.md §4.A and §6.
type CompressionType uint32

const (
	CompressionZlib CompressionType = 1 // ELFCOMPRESS_ZLIB
	CompressionZstd CompressionType = 2 // ELFCOMPRESS_ZSTD
)

// ErrUnsupportedCompression is returned for a compression type pstack
// cannot inflate. Only zlib is supported; see SPEC_FULL.md §4.A for why
// xz/zstd are declared but not implemented.
var ErrUnsupportedCompression = errors.New("breader: unsupported compression type")

// memoizeThreshold is the small-section cutoff below which the fully
// inflated blob is memoized rather than re-inflated on every backward
// seek (spec.md §4.A).
const memoizeThreshold = 4 << 20 // 4 MiB

// NewCompressedSection returns a Reader exposing the inflated view of a
// single SHF_COMPRESSED section as if it were a flat file, per spec.md
// §4.A. compressed is the raw (still-compressed) section bytes
// immediately following the Elf*_Chdr header; uncompressedSize is taken
// from that header.
func NewCompressedSection(typ CompressionType, compressed []byte, uncompressedSize int64, name string) (Reader, error) {
	switch typ {
	case CompressionZlib:
		return newZlibSection(compressed, uncompressedSize, name)
	default:
		return nil, fmt.Errorf("%s: %w (type %d)", name, ErrUnsupportedCompression, typ)
	}
}

func newZlibSection(compressed []byte, uncompressedSize int64, name string) (Reader, error) {
	if uncompressedSize <= memoizeThreshold {
		zr, err := zlib.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("%s: opening zlib stream: %w", name, err)
		}
		defer zr.Close()
		blob, err := io.ReadAll(io.LimitReader(zr, uncompressedSize+1))
		if err != nil {
			return nil, fmt.Errorf("%s: inflating: %w", name, err)
		}
		if int64(len(blob)) > uncompressedSize {
			blob = blob[:uncompressedSize]
		}
		return NewBytesReader(blob, name+" (inflated)"), nil
	}
	return &streamingZlibSection{
		compressed: compressed,
		size:       uncompressedSize,
		name:       name,
	}, nil
}

// streamingZlibSection re-inflates from the start of the section on a
// backward seek, per spec.md §4.A's allowance for sections above the
// small-size memoization threshold.
type streamingZlibSection struct {
	compressed []byte
	size       int64
	name       string

	zr     io.ReadCloser
	pos    int64
	closed bool
}

func (s *streamingZlibSection) String() string { return s.name }

func (s *streamingZlibSection) reset() error {
	if s.zr != nil {
		s.zr.Close()
	}
	zr, err := zlib.NewReader(bytes.NewReader(s.compressed))
	if err != nil {
		return fmt.Errorf("%s: reopening zlib stream: %w", s.name, err)
	}
	s.zr = zr
	s.pos = 0
	return nil
}

func (s *streamingZlibSection) ReadAt(off int64, buf []byte) (int, error) {
	if off > s.size {
		off = s.size
	}
	if s.zr == nil || off < s.pos {
		if err := s.reset(); err != nil {
			return 0, err
		}
	}
	if off > s.pos {
		if _, err := io.CopyN(io.Discard, s.zr, off-s.pos); err != nil {
			return 0, fmt.Errorf("%s: seeking to %#x: %w", s.name, off, err)
		}
		s.pos = off
	}
	n, err := io.ReadFull(s.zr, buf)
	s.pos += int64(n)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

func (s *streamingZlibSection) ReadObj(off int64, order binary.ByteOrder, v interface{}) error {
	return readObj(s, off, order, v)
}

func (s *streamingZlibSection) ReadString(off int64) (string, error) {
	return readString(s, off)
}
