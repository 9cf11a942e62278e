// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package vpath

import (
	"fmt"
	"path"
	"strings"
)

// Collisions disambiguates display names within one traversal. Two
// distinct entries that normalize to the same virtual path receive
// " (2)", " (3)", … suffixes before the extension, in first-seen
// order. The suffixing is deterministic for a fixed entry order, which
// the engine guarantees (depth-first walk order within an archive).
//
// Not safe for concurrent use; the engine owns one Collisions per run
// and claims paths from the traversal goroutine only.
type Collisions struct {
	seen map[string]int
}

// NewCollisions returns an empty collision tracker.
func NewCollisions() *Collisions {
	return &Collisions{seen: make(map[string]int)}
}

// Claim records the virtual path and returns the display form: the
// path itself on first claim, a suffixed variant on subsequent claims.
// The suffixed variant is itself claimed, so a literal "name (2).txt"
// arriving later gets "(3)".
func (c *Collisions) Claim(virtual string) string {
	count, ok := c.seen[virtual]
	if !ok {
		c.seen[virtual] = 1
		return virtual
	}

	// Probe upward from the last suffix handed out for this base.
	for n := count + 1; ; n++ {
		candidate := suffixed(virtual, n)
		if _, taken := c.seen[candidate]; taken {
			continue
		}
		c.seen[virtual] = n
		c.seen[candidate] = 1
		return candidate
	}
}

// suffixed inserts " (n)" before the extension of the final path
// component: "dir/report.txt" → "dir/report (2).txt".
func suffixed(virtual string, n int) string {
	dir, base := path.Split(virtual)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return fmt.Sprintf("%s%s (%d)%s", dir, stem, n, ext)
}
