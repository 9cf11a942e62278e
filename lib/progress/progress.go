// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

// Package progress rate-bounds the observable side effects of an
// ingestion run. Counters update on every entry; progress events and
// checkpoint writes fire on a cadence of entries processed, bytes
// ingested, or elapsed time, whichever trips first, so a million tiny
// entries cannot flood the sink or the catalog. Time is injected,
// which makes the cadence testable without sleeping.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/cask-foundation/cask/lib/catalog"
	"github.com/cask-foundation/cask/lib/clock"
	"github.com/cask-foundation/cask/lib/codec"
	"github.com/cask-foundation/cask/lib/event"
)

// Metrics is the counter set carried in progress events and persisted
// inside checkpoints.
type Metrics struct {
	EntriesSeen     int64 `cbor:"entries_seen"`
	EntriesIngested int64 `cbor:"entries_ingested"`
	EntriesSkipped  int64 `cbor:"entries_skipped"`
	BytesIngested   int64 `cbor:"bytes_ingested"`
}

// Cadence says when a rate-bounded side effect is due: after Every
// entries, after Bytes ingested bytes, or once Interval has elapsed
// since the last firing. A zero Every or Bytes disables that trigger.
type Cadence struct {
	Interval time.Duration
	Every    int64
	Bytes    int64
}

func (c Cadence) due(last, now time.Time, entries, bytes int64) bool {
	if last.IsZero() {
		return true
	}
	if c.Every > 0 && entries >= c.Every {
		return true
	}
	if c.Bytes > 0 && bytes >= c.Bytes {
		return true
	}
	return now.Sub(last) >= c.Interval
}

// Tracker accumulates run counters and emits rate-bounded progress
// events. Safe for concurrent use; sibling streams of one run share a
// tracker.
type Tracker struct {
	sink    event.Sink
	clk     clock.Clock
	cadence Cadence

	workspaceID    string
	archiveLocator string

	mu          sync.Mutex
	metrics     Metrics
	currentPath string
	depth       int
	hierarchy   []string
	lastEmit    time.Time
	emitted     Metrics
}

// NewTracker creates a tracker for one run. A nil sink discards; a
// nil clock uses real time.
func NewTracker(workspaceID, archiveLocator string, sink event.Sink, clk clock.Clock, cadence Cadence) *Tracker {
	if sink == nil {
		sink = event.Discard
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Tracker{
		sink:           sink,
		clk:            clk,
		cadence:        cadence,
		workspaceID:    workspaceID,
		archiveLocator: archiveLocator,
	}
}

// Seen records one encountered entry. hierarchy is the chain of open
// container paths from the root archive down to the entry's parent;
// the tracker keeps the slice, so callers must not reuse it.
func (t *Tracker) Seen(virtualPath string, depth int, hierarchy []string) {
	t.mu.Lock()
	t.metrics.EntriesSeen++
	t.currentPath = virtualPath
	t.depth = depth
	t.hierarchy = hierarchy
	t.emitLocked(false)
	t.mu.Unlock()
}

// Ingested records one stored entry and its uncompressed size.
func (t *Tracker) Ingested(bytes int64) {
	t.mu.Lock()
	t.metrics.EntriesIngested++
	t.metrics.BytesIngested += bytes
	t.emitLocked(false)
	t.mu.Unlock()
}

// Skipped records one entry that was seen but not stored (resume hit,
// warning, directory).
func (t *Tracker) Skipped() {
	t.mu.Lock()
	t.metrics.EntriesSkipped++
	t.emitLocked(false)
	t.mu.Unlock()
}

// Flush emits a progress event regardless of cadence.
func (t *Tracker) Flush() {
	t.mu.Lock()
	t.emitLocked(true)
	t.mu.Unlock()
}

// Metrics returns a copy of the current counters.
func (t *Tracker) Metrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metrics
}

func (t *Tracker) emitLocked(force bool) {
	now := t.clk.Now()
	entries := t.metrics.EntriesSeen - t.emitted.EntriesSeen
	bytes := t.metrics.BytesIngested - t.emitted.BytesIngested
	if !force && !t.cadence.due(t.lastEmit, now, entries, bytes) {
		return
	}
	t.lastEmit = now
	t.emitted = t.metrics
	t.sink.Progress(event.Progress{
		WorkspaceID:      t.workspaceID,
		ArchiveLocator:   t.archiveLocator,
		EntriesSeen:      t.metrics.EntriesSeen,
		EntriesIngested:  t.metrics.EntriesIngested,
		EntriesSkipped:   t.metrics.EntriesSkipped,
		BytesIngested:    t.metrics.BytesIngested,
		CurrentPath:      t.currentPath,
		Depth:            t.depth,
		HierarchicalPath: t.hierarchy,
		At:               now,
	})
}

// CheckpointWriter persists traversal progress at a bounded rate.
// Checkpoints are advisory: correctness of resume comes from content
// re-verification, so a missed write costs repeated work, never
// repeated records.
type CheckpointWriter struct {
	cat     *catalog.Catalog
	clk     clock.Clock
	cadence Cadence

	workspaceID    string
	archiveLocator string

	mu        sync.Mutex
	lastWrite time.Time
	lastIndex int64
	lastBytes int64
}

// NewCheckpointWriter creates a writer for one run. A nil clock uses
// real time.
func NewCheckpointWriter(cat *catalog.Catalog, workspaceID, archiveLocator string, clk clock.Clock, cadence Cadence) *CheckpointWriter {
	if clk == nil {
		clk = clock.Real()
	}
	return &CheckpointWriter{
		cat:            cat,
		clk:            clk,
		cadence:        cadence,
		workspaceID:    workspaceID,
		archiveLocator: archiveLocator,
	}
}

// MaybeWrite persists a checkpoint if the cadence is due. Returns true
// when a write happened.
func (w *CheckpointWriter) MaybeWrite(ctx context.Context, entryIndex int64, m Metrics) (bool, error) {
	w.mu.Lock()
	now := w.clk.Now()
	if !w.cadence.due(w.lastWrite, now, entryIndex-w.lastIndex, m.BytesIngested-w.lastBytes) {
		w.mu.Unlock()
		return false, nil
	}
	w.markLocked(now, entryIndex, m)
	w.mu.Unlock()

	return true, w.write(ctx, entryIndex, m, now)
}

// Write persists a checkpoint unconditionally. Used at halt points so
// the last position is never lost to cadence.
func (w *CheckpointWriter) Write(ctx context.Context, entryIndex int64, m Metrics) error {
	w.mu.Lock()
	now := w.clk.Now()
	w.markLocked(now, entryIndex, m)
	w.mu.Unlock()

	return w.write(ctx, entryIndex, m, now)
}

func (w *CheckpointWriter) markLocked(now time.Time, entryIndex int64, m Metrics) {
	w.lastWrite = now
	w.lastIndex = entryIndex
	w.lastBytes = m.BytesIngested
}

// Clear removes the run's checkpoint after successful completion.
func (w *CheckpointWriter) Clear(ctx context.Context) error {
	return w.cat.DeleteCheckpoint(ctx, w.workspaceID, w.archiveLocator)
}

func (w *CheckpointWriter) write(ctx context.Context, entryIndex int64, m Metrics, now time.Time) error {
	blob, err := codec.Marshal(m)
	if err != nil {
		return err
	}
	return w.cat.WriteCheckpoint(ctx, catalog.Checkpoint{
		WorkspaceID:    w.workspaceID,
		ArchiveLocator: w.archiveLocator,
		LastEntryIndex: entryIndex,
		Metrics:        blob,
		WrittenAt:      now,
	})
}

// DecodeMetrics unpacks the metrics blob of a stored checkpoint.
func DecodeMetrics(blob []byte) (Metrics, error) {
	var m Metrics
	if len(blob) == 0 {
		return m, nil
	}
	err := codec.Unmarshal(blob, &m)
	return m, err
}
