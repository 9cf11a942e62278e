// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

// Package bombcheck scores archive entries for decompression-bomb
// risk before any byte of them is extracted.
//
// The model is quantitative, not signature-based. A single entry's
// compression ratio (uncompressed/compressed) flags suspicion; the
// risk score raises that ratio to the power of the nesting depth,
// because compounding compression across nested containers is the
// actual attack vector: a 10:1 ratio is unremarkable at the top level
// and disqualifying four levels down. Cumulative byte ceilings bound
// total extraction regardless of per-entry ratios.
//
// Every function in this package is pure. Callers evaluate an entry's
// metrics BEFORE writing anything to the object store, so a Halt
// verdict guarantees no byte of the offending entry was committed.
package bombcheck

import (
	"encoding/json"
	"fmt"
	"math"
)

// Metrics describes one candidate container entry at the point where
// the engine decides whether to descend into it.
type Metrics struct {
	// CompressedSize is the entry's size as stored in its parent
	// archive, in bytes.
	CompressedSize int64

	// UncompressedSize is the entry's declared size after
	// decompression, in bytes. Declared sizes are attacker-controlled;
	// the cumulative ceilings below are enforced against actual
	// extracted bytes as a backstop.
	UncompressedSize int64

	// Depth is the nesting depth at which the entry was found. The
	// root archive is depth 0.
	Depth int

	// ArchiveBytes is the total number of bytes extracted so far for
	// the current top-level run.
	ArchiveBytes int64

	// WorkspaceBytes is the total number of bytes stored in the
	// target workspace, including previous runs.
	WorkspaceBytes int64
}

// Limits carries the policy thresholds the detector scores against.
// See policy.Policy for defaults and validation.
type Limits struct {
	// RatioThreshold is the single-entry compression ratio above
	// which an entry is flagged.
	RatioThreshold float64

	// RiskScoreThreshold is the ratio^depth score above which the run
	// halts.
	RiskScoreThreshold float64

	// MaxArchiveBytes is the per-run extracted byte ceiling.
	MaxArchiveBytes int64

	// MaxWorkspaceBytes is the per-workspace stored byte ceiling.
	MaxWorkspaceBytes int64
}

// Decision is the kind of verdict the detector returns.
type Decision int

const (
	// Allow means the entry is unremarkable and extraction proceeds.
	Allow Decision = iota

	// Flag means the entry is suspicious: the finding is recorded and
	// extraction continues, unless policy escalates flagged entries to
	// a halt (policy.Policy.HaltOnFlagged).
	Flag

	// Halt means the entry or its cumulative effect disqualifies the
	// run. Nothing of the entry may be written.
	Halt
)

// String returns the lowercase verdict name.
func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Flag:
		return "flag"
	case Halt:
		return "halt"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// MarshalText renders the decision name in JSON output.
func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Verdict is the detector's answer for one entry: the decision plus a
// human-readable reason for Flag and Halt.
type Verdict struct {
	Decision Decision

	// Reason explains a Flag or Halt in operator-readable terms.
	// Empty for Allow.
	Reason string

	// Ratio and RiskScore record the computed values for audit
	// events, including when the decision is Allow.
	Ratio     float64
	RiskScore float64
}

// MarshalJSON renders the verdict with non-finite ratios as strings;
// JSON numbers cannot carry the +Inf a zero compressed size produces.
func (v Verdict) MarshalJSON() ([]byte, error) {
	finite := func(f float64) any {
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return fmt.Sprintf("%g", f)
		}
		return f
	}
	return json.Marshal(struct {
		Decision  Decision `json:"decision"`
		Reason    string   `json:"reason,omitempty"`
		Ratio     any      `json:"ratio"`
		RiskScore any      `json:"risk_score"`
	}{v.Decision, v.Reason, finite(v.Ratio), finite(v.RiskScore)})
}

// Ratio returns uncompressed/compressed. A zero compressed size
// yields +Inf rather than a division fault: an entry that claims to
// inflate from nothing is the canonical bomb signature and is always
// halted by Evaluate.
func Ratio(compressed, uncompressed int64) float64 {
	if compressed == 0 {
		return math.Inf(1)
	}
	return float64(uncompressed) / float64(compressed)
}

// RiskScore raises ratio to the power of depth. Depth 0 (the root
// archive itself) scores 1 regardless of ratio; each level of nesting
// multiplies the exponent, so a modestly suspicious ratio becomes
// rapidly disqualifying as nesting increases.
func RiskScore(ratio float64, depth int) float64 {
	return math.Pow(ratio, float64(depth))
}

// Evaluate scores one entry against the limits and returns a verdict.
// Checks are ordered from most to least severe so the returned reason
// names the strongest violation:
//
//  1. +Inf ratio (zero compressed size) → Halt.
//  2. Cumulative per-run or per-workspace byte ceiling → Halt.
//  3. Risk score above threshold → Halt.
//  4. Single-entry ratio above threshold → Flag.
//  5. Otherwise → Allow.
func Evaluate(m Metrics, limits Limits) Verdict {
	ratio := Ratio(m.CompressedSize, m.UncompressedSize)
	score := RiskScore(ratio, m.Depth)

	if math.IsInf(ratio, 1) {
		return Verdict{
			Decision:  Halt,
			Reason:    "entry declares zero compressed size",
			Ratio:     ratio,
			RiskScore: score,
		}
	}

	if limits.MaxArchiveBytes > 0 && m.ArchiveBytes+m.UncompressedSize > limits.MaxArchiveBytes {
		return Verdict{
			Decision: Halt,
			Reason: fmt.Sprintf("extraction would exceed per-archive ceiling (%d + %d > %d bytes)",
				m.ArchiveBytes, m.UncompressedSize, limits.MaxArchiveBytes),
			Ratio:     ratio,
			RiskScore: score,
		}
	}

	if limits.MaxWorkspaceBytes > 0 && m.WorkspaceBytes+m.UncompressedSize > limits.MaxWorkspaceBytes {
		return Verdict{
			Decision: Halt,
			Reason: fmt.Sprintf("extraction would exceed workspace ceiling (%d + %d > %d bytes)",
				m.WorkspaceBytes, m.UncompressedSize, limits.MaxWorkspaceBytes),
			Ratio:     ratio,
			RiskScore: score,
		}
	}

	if limits.RiskScoreThreshold > 0 && score > limits.RiskScoreThreshold {
		return Verdict{
			Decision: Halt,
			Reason: fmt.Sprintf("risk score %.1f exceeds threshold %.1f (ratio %.1f at depth %d)",
				score, limits.RiskScoreThreshold, ratio, m.Depth),
			Ratio:     ratio,
			RiskScore: score,
		}
	}

	if limits.RatioThreshold > 0 && ratio > limits.RatioThreshold {
		return Verdict{
			Decision: Flag,
			Reason: fmt.Sprintf("compression ratio %.1f exceeds threshold %.1f",
				ratio, limits.RatioThreshold),
			Ratio:     ratio,
			RiskScore: score,
		}
	}

	return Verdict{Decision: Allow, Ratio: ratio, RiskScore: score}
}
