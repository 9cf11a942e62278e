// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

// Package vpath normalizes and disambiguates the virtual paths under
// which ingested files are displayed.
//
// Virtual paths are a display concern only. Physical storage location
// is always the short, hash-derived object path inside the
// content-addressed store, so nothing in this package affects where
// bytes land on disk, and on-disk path length is never a failure mode.
// What this package guarantees is that archive member names, which
// are attacker-controlled, normalize to safe, unique, bounded display
// paths.
package vpath

import (
	"fmt"
	"path"
	"strings"
)

// Separator joins a parent archive's virtual path to a member path:
// "outer.zip!inner/file.txt". Distinct from "/" so the archive
// boundary stays visible in nested display paths.
const Separator = "!"

// ErrUnsafePath is wrapped by Normalize errors for member names that
// would escape the virtual root.
var ErrUnsafePath = fmt.Errorf("unsafe archive member path")

// Normalize converts a raw archive member name into a canonical
// virtual path: forward slashes, no leading slash, no drive letter,
// dot segments collapsed. Member names that escape the root after
// cleaning ("../x", "a/../../x") are rejected, the classic zip-slip
// shapes, as are empty names and names that clean to ".".
func Normalize(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty name", ErrUnsafePath)
	}

	name := strings.ReplaceAll(raw, `\`, "/")

	// Strip Windows volume prefixes ("C:", "//server/share") that
	// some archivers record.
	if len(name) >= 2 && name[1] == ':' {
		name = name[2:]
	}
	name = strings.TrimLeft(name, "/")

	// After cleaning, any traversal that escapes the root survives as
	// a leading ".." segment.
	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, raw)
	}

	return cleaned, nil
}

// Join produces the nested display path for a member of an archive
// that itself has a virtual path: "outer.zip!docs/inner.tar!a.txt".
// An empty parent (the root archive) yields the member path unchanged.
func Join(parentVirtual, member string) string {
	if parentVirtual == "" {
		return member
	}
	return parentVirtual + Separator + member
}

// Base returns the final member component of a virtual path, crossing
// both "/" and the archive separator.
func Base(virtual string) string {
	if i := strings.LastIndex(virtual, Separator); i >= 0 {
		virtual = virtual[i+len(Separator):]
	}
	return path.Base(virtual)
}

// Truncate bounds a display path to max bytes while keeping the
// extension and appending a short uniquifying tag derived from the
// full path, so two long paths that share a prefix stay
// distinguishable after truncation. Paths at or under the bound are
// returned unchanged. max values under 16 are raised to 16.
func Truncate(display string, max int) string {
	if max < 16 {
		max = 16
	}
	if len(display) <= max {
		return display
	}

	ext := path.Ext(display)
	if len(ext) > 8 {
		ext = ""
	}

	tag := fmt.Sprintf("~%06x", pathTag(display))
	keep := max - len(tag) - len(ext)
	return display[:keep] + tag + ext
}

// pathTag is a small FNV-1a over the full path. Display uniquifier
// only; collisions here cost readability, not correctness.
func pathTag(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	hash := uint32(offset32)
	for i := 0; i < len(s); i++ {
		hash ^= uint32(s[i])
		hash *= prime32
	}
	return hash & 0xFFFFFF
}
