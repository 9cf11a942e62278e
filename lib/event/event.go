// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

// Package event defines the observable surface of an ingestion run:
// progress snapshots, security findings, per-entry problems, and the
// final completion summary. Producers hand events to a Sink; the
// engine never blocks on a slow consumer beyond what the sink itself
// does.
package event

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cask-foundation/cask/lib/bombcheck"
)

// Kind classifies the problems an ingestion run can hit on individual
// entries. Problems are recorded and reported; only a few of them stop
// the run.
type Kind int

const (
	KindNone Kind = iota
	KindUnsupportedFormat
	KindCorruptedArchive
	KindPermissionDenied
	KindDepthLimitExceeded
	KindZipBombDetected
	KindDiskSpaceExhausted
	KindCancellationRequested
	KindInternal
)

var kindNames = [...]string{
	KindNone:                  "none",
	KindUnsupportedFormat:     "unsupported_format",
	KindCorruptedArchive:      "corrupted_archive",
	KindPermissionDenied:      "permission_denied",
	KindDepthLimitExceeded:    "depth_limit_exceeded",
	KindZipBombDetected:       "zip_bomb_detected",
	KindDiskSpaceExhausted:    "disk_space_exhausted",
	KindCancellationRequested: "cancellation_requested",
	KindInternal:              "internal",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// MarshalText renders the kind name in JSON output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Fatal reports whether a problem of this kind stops the whole run
// rather than being recorded as a warning on one entry.
func (k Kind) Fatal() bool {
	switch k {
	case KindZipBombDetected, KindDiskSpaceExhausted, KindCancellationRequested:
		return true
	}
	return false
}

// Progress is a point-in-time snapshot of one run.
type Progress struct {
	WorkspaceID    string
	ArchiveLocator string

	EntriesSeen     int64
	EntriesIngested int64
	EntriesSkipped  int64
	BytesIngested   int64

	// CurrentPath is the virtual path being processed when the
	// snapshot was taken. Best effort, may lag.
	CurrentPath string

	// HierarchicalPath is the chain of open container paths from the
	// root archive down to CurrentPath's parent.
	HierarchicalPath []string

	Depth int
	At    time.Time
}

// Problem is a non-fatal or fatal finding attached to one entry.
type Problem struct {
	Kind        Kind
	VirtualPath string
	Detail      string
}

// SecurityFinding reports a detector verdict for one archive.
type SecurityFinding struct {
	WorkspaceID    string
	ArchiveLocator string
	VirtualPath    string
	Depth          int
	Verdict        bombcheck.Verdict
}

// Completion is the terminal event for a run.
type Completion struct {
	WorkspaceID    string
	ArchiveLocator string

	State           string
	EntriesIngested int64
	EntriesSkipped  int64
	BytesIngested   int64
	Problems        []Problem
	Duration        time.Duration
}

// Sink receives run events. Implementations must be safe for
// concurrent use; sibling streams of one run report independently.
type Sink interface {
	Progress(Progress)
	Security(SecurityFinding)
	Complete(Completion)
}

// LogSink writes every event to a structured logger. The zero-value
// logger rules apply: pass nil and events are discarded.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink wraps a logger as a Sink. A nil logger discards.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Progress(p Progress) {
	s.logger.Info("ingest progress",
		"workspace", p.WorkspaceID,
		"locator", p.ArchiveLocator,
		"entries_seen", p.EntriesSeen,
		"entries_ingested", p.EntriesIngested,
		"entries_skipped", p.EntriesSkipped,
		"bytes_ingested", p.BytesIngested,
		"current_path", p.CurrentPath,
		"depth", p.Depth)
}

func (s *LogSink) Security(f SecurityFinding) {
	level := slog.LevelWarn
	if f.Verdict.Decision == bombcheck.Halt {
		level = slog.LevelError
	}
	s.logger.Log(nil, level, "security finding",
		"workspace", f.WorkspaceID,
		"locator", f.ArchiveLocator,
		"virtual_path", f.VirtualPath,
		"depth", f.Depth,
		"decision", f.Verdict.Decision.String(),
		"reason", f.Verdict.Reason,
		"ratio", f.Verdict.Ratio,
		"risk_score", f.Verdict.RiskScore)
}

func (s *LogSink) Complete(c Completion) {
	s.logger.Info("ingest complete",
		"workspace", c.WorkspaceID,
		"locator", c.ArchiveLocator,
		"state", c.State,
		"entries_ingested", c.EntriesIngested,
		"entries_skipped", c.EntriesSkipped,
		"bytes_ingested", c.BytesIngested,
		"problems", len(c.Problems),
		"duration", c.Duration)
}

// Discard is a Sink that drops everything. Useful as a default.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Progress(Progress)        {}
func (discardSink) Security(SecurityFinding) {}
func (discardSink) Complete(Completion)      {}

// Collector is a Sink that records events in memory, for tests and
// for the CLI's status rendering.
type Collector struct {
	mu          sync.Mutex
	progress    []Progress
	findings    []SecurityFinding
	completions []Completion
}

func (c *Collector) Progress(p Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress = append(c.progress, p)
}

func (c *Collector) Security(f SecurityFinding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.findings = append(c.findings, f)
}

func (c *Collector) Complete(done Completion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completions = append(c.completions, done)
}

// Snapshot returns copies of everything collected so far.
func (c *Collector) Snapshot() (progress []Progress, findings []SecurityFinding, completions []Completion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Progress(nil), c.progress...),
		append([]SecurityFinding(nil), c.findings...),
		append([]Completion(nil), c.completions...)
}
