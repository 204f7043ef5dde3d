// Copyright 2024 The pstack Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config holds the tunables that spec.md leaves as implementation
// defaults (debug companion search prefix, cache geometry, unwind frame
// bound, default VTable patterns) so they can be overridden from a YAML
// file or from the CLI without scattering magic numbers across packages.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables. Zero value is not valid; use
// Default() and then override fields.
type Config struct {
	// DebugPrefix is where the .gnu_debuglink companion search
	// (elf.File.EnsureCompanion) looks for split debug info (spec.md
	// §4.B). Default /usr/lib/debug.
	DebugPrefix string `yaml:"debug_prefix"`

	// CachePageSize and CachePages describe a geometry for the byte
	// reader's LRU page cache (spec.md §4.A suggests 4 KiB pages). They
	// are loaded and defaulted here, but no code passes them to
	// breader.NewCaching.
	CachePageSize int `yaml:"cache_page_size"`
	CachePages    int `yaml:"cache_pages"`

	// MaxFrames bounds the unwinder's lazy frame sequence (spec.md §8
	// default 4096).
	MaxFrames int `yaml:"max_frames"`

	// VTablePatterns are the default glob patterns used by the VTable
	// scanner when none are given on the command line (spec.md §4.F
	// default _ZTV*).
	VTablePatterns []string `yaml:"vtable_patterns"`
}

// Default returns the built-in defaults, matching the values spec.md
// names explicitly.
func Default() Config {
	return Config{
		DebugPrefix:    "/usr/lib/debug",
		CachePageSize:  4096,
		CachePages:     1024,
		MaxFrames:      4096,
		VTablePatterns: []string{"_ZTV*"},
	}
}

// Load reads a YAML config file at path, applying its fields on top of
// Default(). A missing file is not an error: Load just returns the
// defaults. Keys absent from the file keep their default; a key present
// in the file replaces the default, even with a zero value.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultPath returns the conventional config file location under
// $XDG_CONFIG_HOME (or ~/.config if unset), not guaranteed to exist.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "pstack", "config.yaml")
}
