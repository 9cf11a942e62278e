// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy defines the safety and resource limits that govern an
// ingestion run: nesting depth, expansion-ratio thresholds, size
// ceilings, concurrency, and progress cadence.
//
// Policies are authored on disk as YAML or as JSONC (JSON extended
// with comments and trailing commas); the file extension selects the
// parser. A policy file overrides only the fields it names; everything
// else keeps the Default value. There is no environment-variable
// override layer: the file is the single source of truth, which keeps
// runs deterministic and auditable.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Depth bounds. A run may never be configured deeper than MaxDepthCeiling.
const (
	MinDepth        = 1
	MaxDepthCeiling = 20
	DefaultDepth    = 10
)

// Policy is the complete limit set for ingestion runs.
type Policy struct {
	// MaxDepth is the deepest nesting level that will be descended
	// into. The root archive is depth 0; entries inside it are depth 1.
	// Branches that would exceed MaxDepth are recorded as truncated,
	// never silently dropped. Range [1, 20].
	MaxDepth int `yaml:"max_depth" json:"max_depth"`

	// RatioThreshold flags an archive whose uncompressed/compressed
	// ratio meets or exceeds it. Flagged archives still ingest; the
	// verdict is recorded and reported. Zero disables the check.
	RatioThreshold float64 `yaml:"ratio_threshold" json:"ratio_threshold"`

	// RiskScoreThreshold halts an archive whose ratio^depth meets or
	// exceeds it. Zero disables the check.
	RiskScoreThreshold float64 `yaml:"risk_score_threshold" json:"risk_score_threshold"`

	// MaxArchiveBytes is the uncompressed-size ceiling for a single
	// archive (the root plus everything under it). Zero disables.
	MaxArchiveBytes int64 `yaml:"max_archive_bytes" json:"max_archive_bytes"`

	// MaxWorkspaceBytes is the cumulative uncompressed-size ceiling
	// across a workspace. Zero disables.
	MaxWorkspaceBytes int64 `yaml:"max_workspace_bytes" json:"max_workspace_bytes"`

	// SiblingStreams bounds how many entries of one archive are
	// processed concurrently.
	SiblingStreams int `yaml:"sibling_streams" json:"sibling_streams"`

	// MaxConcurrentIngestions bounds how many archives the service
	// processes at once. Zero means NumCPU/2, minimum 1.
	MaxConcurrentIngestions int `yaml:"max_concurrent_ingestions" json:"max_concurrent_ingestions"`

	// CopyBufferSize is the buffer used when streaming entry content.
	CopyBufferSize int `yaml:"copy_buffer_size" json:"copy_buffer_size"`

	// HaltOnFlagged escalates ratio-flagged entries from a recorded
	// finding to a run halt. Off, the run continues and the finding is
	// reported.
	HaltOnFlagged bool `yaml:"halt_on_flagged" json:"halt_on_flagged"`

	// ProgressInterval is the minimum spacing between progress events
	// for one run. Progress also fires every ProgressEvery entries or
	// ProgressBytes ingested bytes, whichever comes first; zero
	// disables that trigger.
	ProgressInterval Duration `yaml:"progress_interval" json:"progress_interval"`
	ProgressEvery    int64    `yaml:"progress_every" json:"progress_every"`
	ProgressBytes    int64    `yaml:"progress_bytes" json:"progress_bytes"`

	// CheckpointInterval is how often traversal progress is persisted.
	// Checkpoints also fire every CheckpointEvery entries or
	// CheckpointBytes ingested bytes; zero disables that trigger.
	CheckpointInterval Duration `yaml:"checkpoint_interval" json:"checkpoint_interval"`
	CheckpointEvery    int64    `yaml:"checkpoint_every" json:"checkpoint_every"`
	CheckpointBytes    int64    `yaml:"checkpoint_bytes" json:"checkpoint_bytes"`
}

// Duration is a time.Duration that unmarshals from the usual Go
// duration syntax ("500ms", "5s") in both YAML and JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.parse(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.parse(raw)
}

func (d *Duration) parse(raw string) error {
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Default returns the standard production policy.
func Default() Policy {
	return Policy{
		MaxDepth:                DefaultDepth,
		RatioThreshold:          100,
		RiskScoreThreshold:      1e6,
		MaxArchiveBytes:         10 << 30,
		MaxWorkspaceBytes:       50 << 30,
		SiblingStreams:          4,
		MaxConcurrentIngestions: 0,
		CopyBufferSize:          64 << 10,
		ProgressInterval:        Duration(500 * time.Millisecond),
		ProgressEvery:           1000,
		ProgressBytes:           64 << 20,
		CheckpointInterval:      Duration(5 * time.Second),
		CheckpointEvery:         500,
		CheckpointBytes:         256 << 20,
	}
}

// Load reads a policy file, merging it over Default. The extension
// selects the parser: .yaml/.yml for YAML, anything else JSONC.
func Load(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: reading %s: %w", path, err)
	}

	p := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return Policy{}, fmt.Errorf("policy: %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &p); err != nil {
			return Policy{}, fmt.Errorf("policy: %s: %w", path, err)
		}
	}

	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("policy: %s: %w", path, err)
	}
	return p, nil
}

// Validate checks the policy for errors. All findings are reported at
// once, joined.
func (p Policy) Validate() error {
	var errs []error

	if p.MaxDepth < MinDepth || p.MaxDepth > MaxDepthCeiling {
		errs = append(errs, fmt.Errorf("max_depth must be in [%d, %d], got %d",
			MinDepth, MaxDepthCeiling, p.MaxDepth))
	}
	if p.RatioThreshold < 0 {
		errs = append(errs, fmt.Errorf("ratio_threshold must be >= 0, got %g", p.RatioThreshold))
	}
	if p.RiskScoreThreshold < 0 {
		errs = append(errs, fmt.Errorf("risk_score_threshold must be >= 0, got %g", p.RiskScoreThreshold))
	}
	if p.MaxArchiveBytes < 0 {
		errs = append(errs, fmt.Errorf("max_archive_bytes must be >= 0, got %d", p.MaxArchiveBytes))
	}
	if p.MaxWorkspaceBytes < 0 {
		errs = append(errs, fmt.Errorf("max_workspace_bytes must be >= 0, got %d", p.MaxWorkspaceBytes))
	}
	if p.MaxArchiveBytes > 0 && p.MaxWorkspaceBytes > 0 && p.MaxArchiveBytes > p.MaxWorkspaceBytes {
		errs = append(errs, fmt.Errorf("max_archive_bytes (%d) exceeds max_workspace_bytes (%d)",
			p.MaxArchiveBytes, p.MaxWorkspaceBytes))
	}
	if p.SiblingStreams < 1 {
		errs = append(errs, fmt.Errorf("sibling_streams must be >= 1, got %d", p.SiblingStreams))
	}
	if p.MaxConcurrentIngestions < 0 {
		errs = append(errs, fmt.Errorf("max_concurrent_ingestions must be >= 0, got %d", p.MaxConcurrentIngestions))
	}
	if p.CopyBufferSize < 4096 {
		errs = append(errs, fmt.Errorf("copy_buffer_size must be >= 4096, got %d", p.CopyBufferSize))
	}
	if p.ProgressInterval <= 0 {
		errs = append(errs, fmt.Errorf("progress_interval must be positive, got %v", p.ProgressInterval))
	}
	if p.ProgressEvery < 0 {
		errs = append(errs, fmt.Errorf("progress_every must be >= 0, got %d", p.ProgressEvery))
	}
	if p.ProgressBytes < 0 {
		errs = append(errs, fmt.Errorf("progress_bytes must be >= 0, got %d", p.ProgressBytes))
	}
	if p.CheckpointInterval <= 0 {
		errs = append(errs, fmt.Errorf("checkpoint_interval must be positive, got %v", p.CheckpointInterval))
	}
	if p.CheckpointEvery < 0 {
		errs = append(errs, fmt.Errorf("checkpoint_every must be >= 0, got %d", p.CheckpointEvery))
	}
	if p.CheckpointBytes < 0 {
		errs = append(errs, fmt.Errorf("checkpoint_bytes must be >= 0, got %d", p.CheckpointBytes))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ConcurrentIngestions resolves MaxConcurrentIngestions: an explicit
// value passes through, zero means half the CPU count, minimum 1.
func (p Policy) ConcurrentIngestions() int {
	if p.MaxConcurrentIngestions > 0 {
		return p.MaxConcurrentIngestions
	}
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	return n
}

// ClampDepth bounds a per-request depth override to the valid range.
// Zero means "use the policy depth".
func (p Policy) ClampDepth(requested int) int {
	if requested == 0 {
		return p.MaxDepth
	}
	if requested < MinDepth {
		return MinDepth
	}
	if requested > MaxDepthCeiling {
		return MaxDepthCeiling
	}
	return requested
}
