// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elf

import (
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/coredump-tools/pstack/breader"
)

// DebugLink reads the .gnu_debuglink section, if present: the base
// name of a separate file carrying this object's symbol and debug
// info, plus a CRC32 of that file's contents used to confirm a
// candidate found on disk actually matches (spec.md §4.B). ok is false
// if the object carries no debuglink.
func (f *File) DebugLink() (name string, crc uint32, ok bool, err error) {
	sec, lookErr := f.GetSection(".gnu_debuglink", SHTAny)
	if lookErr != nil {
		return "", 0, false, nil
	}
	r, err := sec.Data()
	if err != nil {
		return "", 0, false, fmt.Errorf("elf: reading .gnu_debuglink: %w", err)
	}
	name, err = r.ReadString(0)
	if err != nil {
		return "", 0, false, fmt.Errorf("elf: .gnu_debuglink name: %w", err)
	}
	// The CRC is a little-endian uint32 immediately following the
	// NUL-padded, 4-byte-aligned name.
	crcOff := (int64(len(name)) + 1 + 3) &^ 3
	var buf [4]byte
	if err := breader.ReadFull(r, crcOff, buf[:]); err != nil {
		return name, 0, false, fmt.Errorf("elf: .gnu_debuglink crc: %w", err)
	}
	crc = uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	return name, crc, true, nil
}

// maxCompanionDepth records the depth of the debug companion search: a
// companion's own .gnu_debuglink is never followed, so the search stops
// after one level. No code reads this constant; the bound comes from
// EnsureCompanion resolving only the primary object's companion.
const maxCompanionDepth = 1

// OpenDebugCompanion searches searchDirs (typically the object's own
// directory, its .debug subdirectory, and a global debug-info prefix
// like /usr/lib/debug mirroring the object's path) for a file matching
// this object's .gnu_debuglink entry, verifies its CRC, and opens it.
// It returns (nil, nil) if the object has no debuglink or no candidate
// verifies.
func (f *File) OpenDebugCompanion(searchDirs []string) (*File, error) {
	name, wantCRC, ok, err := f.DebugLink()
	if err != nil || !ok {
		return nil, err
	}
	for _, dir := range searchDirs {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if crc32.ChecksumIEEE(data) != wantCRC {
			continue
		}
		comp, err := Open(breader.NewBytesReader(data, path))
		if err != nil {
			continue
		}
		return comp, nil
	}
	return nil, nil
}

// StandardDebugSearchDirs returns the conventional set of directories
// to search for objPath's debug companion: the object's own directory,
// its .debug subdirectory, and prefix joined with the object's
// absolute directory (mirroring /usr/lib/debug/usr/bin/foo style
// layouts).
func StandardDebugSearchDirs(objPath, prefix string) []string {
	dir := filepath.Dir(objPath)
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	return []string{
		dir,
		filepath.Join(dir, ".debug"),
		filepath.Join(prefix, abs),
	}
}
