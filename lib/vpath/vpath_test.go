// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package vpath

import (
	"errors"
	"strings"
	"testing"
)

// --- Normalize ---

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "docs/readme.txt", "docs/readme.txt"},
		{"leading slash", "/etc/passwd", "etc/passwd"},
		{"double leading slash", "//server/share/x", "server/share/x"},
		{"backslashes", `dir\sub\file.bin`, "dir/sub/file.bin"},
		{"drive letter", `C:\temp\x.txt`, "temp/x.txt"},
		{"internal dots collapse", "a/./b/../c.txt", "a/c.txt"},
		{"trailing slash", "dir/sub/", "dir/sub"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.input)
			if err != nil {
				t.Fatalf("Normalize(%q): %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeRejectsUnsafe(t *testing.T) {
	// The zip-slip table: every shape that escapes the virtual root.
	unsafe := []string{
		"",
		".",
		"..",
		"../x",
		"a/../../x",
		"..\\x",
		"/..",
		"....//x/../../../y", // cleans to an escape
	}

	for _, input := range unsafe {
		if got, err := Normalize(input); err == nil {
			t.Errorf("Normalize(%q) = %q, want error", input, got)
		} else if !errors.Is(err, ErrUnsafePath) {
			t.Errorf("Normalize(%q) error = %v, want ErrUnsafePath", input, err)
		}
	}
}

// --- Join / Base ---

func TestJoin(t *testing.T) {
	if got := Join("", "a.txt"); got != "a.txt" {
		t.Errorf("Join root = %q", got)
	}
	got := Join("outer.zip", "docs/inner.tar")
	if got != "outer.zip!docs/inner.tar" {
		t.Errorf("Join = %q", got)
	}
	nested := Join(got, "a.txt")
	if nested != "outer.zip!docs/inner.tar!a.txt" {
		t.Errorf("nested Join = %q", nested)
	}
}

func TestBase(t *testing.T) {
	if got := Base("outer.zip!docs/inner.tar!sub/a.txt"); got != "a.txt" {
		t.Errorf("Base = %q, want a.txt", got)
	}
	if got := Base("plain/file.bin"); got != "file.bin" {
		t.Errorf("Base = %q, want file.bin", got)
	}
}

// --- Truncate ---

func TestTruncateShortPathUnchanged(t *testing.T) {
	if got := Truncate("short.txt", 64); got != "short.txt" {
		t.Errorf("Truncate = %q, want unchanged", got)
	}
}

func TestTruncateBoundsLength(t *testing.T) {
	long := strings.Repeat("directory/", 50) + "file.txt"
	got := Truncate(long, 80)
	if len(got) > 80 {
		t.Fatalf("Truncate output length %d > 80: %q", len(got), got)
	}
	if !strings.HasSuffix(got, ".txt") {
		t.Errorf("Truncate dropped extension: %q", got)
	}
}

func TestTruncateDistinguishesSharedPrefixes(t *testing.T) {
	prefix := strings.Repeat("x", 200)
	a := Truncate(prefix+"/a.txt", 64)
	b := Truncate(prefix+"/b.txt", 64)
	if a == b {
		t.Errorf("truncated paths collide: %q", a)
	}
}

// --- Collisions ---

func TestCollisionsFirstClaimUnchanged(t *testing.T) {
	c := NewCollisions()
	if got := c.Claim("docs/a.txt"); got != "docs/a.txt" {
		t.Errorf("first Claim = %q", got)
	}
}

func TestCollisionsSuffixing(t *testing.T) {
	c := NewCollisions()
	c.Claim("report.txt")

	if got := c.Claim("report.txt"); got != "report (2).txt" {
		t.Errorf("second Claim = %q, want report (2).txt", got)
	}
	if got := c.Claim("report.txt"); got != "report (3).txt" {
		t.Errorf("third Claim = %q, want report (3).txt", got)
	}
}

func TestCollisionsSuffixKeepsDirectory(t *testing.T) {
	c := NewCollisions()
	c.Claim("dir/sub/x.bin")
	if got := c.Claim("dir/sub/x.bin"); got != "dir/sub/x (2).bin" {
		t.Errorf("Claim = %q, want dir/sub/x (2).bin", got)
	}
}

func TestCollisionsLiteralSuffixTaken(t *testing.T) {
	// An entry literally named "a (2).txt" claims that spot; the next
	// duplicate of "a.txt" must skip to (3).
	c := NewCollisions()
	c.Claim("a.txt")
	c.Claim("a (2).txt")
	if got := c.Claim("a.txt"); got != "a (3).txt" {
		t.Errorf("Claim = %q, want a (3).txt", got)
	}
}

func TestCollisionsNoExtension(t *testing.T) {
	c := NewCollisions()
	c.Claim("Makefile")
	if got := c.Claim("Makefile"); got != "Makefile (2)" {
		t.Errorf("Claim = %q, want Makefile (2)", got)
	}
}

func TestCollisionsDeterministicOrder(t *testing.T) {
	run := func() []string {
		c := NewCollisions()
		inputs := []string{"x.txt", "x.txt", "y.txt", "x.txt"}
		out := make([]string, len(inputs))
		for i, in := range inputs {
			out[i] = c.Claim(in)
		}
		return out
	}

	first, second := run(), run()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("claim %d differs across runs: %q vs %q", i, first[i], second[i])
		}
	}
}
