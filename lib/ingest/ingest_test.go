// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cask-foundation/cask/lib/bombcheck"
	"github.com/cask-foundation/cask/lib/cas"
	"github.com/cask-foundation/cask/lib/event"
	"github.com/cask-foundation/cask/lib/policy"
	"github.com/cask-foundation/cask/lib/workspace"
)

// --- fixtures ---

func writeZip(t *testing.T, dir, name string, files map[string][]byte) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for member, content := range files {
		w, err := zw.Create(member)
		if err != nil {
			t.Fatalf("zip create %s: %v", member, err)
		}
		if _, err := w.Write(content); err != nil {
			t.Fatalf("zip write %s: %v", member, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func zipBytes(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for member, content := range files {
		w, err := zw.Create(member)
		if err != nil {
			t.Fatalf("zip create %s: %v", member, err)
		}
		if _, err := w.Write(content); err != nil {
			t.Fatalf("zip write %s: %v", member, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

// incompressible returns n bytes of seeded pseudo-random noise, which
// deflate stores at roughly a 1:1 ratio.
func incompressible(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	rand.New(rand.NewSource(42)).Read(data)
	return data
}

// writeNestedChain writes a root zip wrapping containers-1 further
// zips, the innermost holding leaf.txt. The leaf ends up at entry
// depth == containers.
func writeNestedChain(t *testing.T, dir string, containers int, leaf []byte) string {
	t.Helper()
	payload := zipBytes(t, map[string][]byte{"leaf.txt": leaf})
	for i := containers - 1; i >= 1; i-- {
		payload = zipBytes(t, map[string][]byte{fmt.Sprintf("nest%02d.zip", i): payload})
	}
	path := filepath.Join(dir, "chain.zip")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("writing chain.zip: %v", err)
	}
	return path
}

func openTestWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	manager, err := workspace.NewManager(t.TempDir(), cas.CompressionNone, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ws, err := manager.Open("ws-test")
	if err != nil {
		t.Fatalf("Open workspace: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func testPolicy() policy.Policy {
	p := policy.Default()
	p.SiblingStreams = 2
	return p
}

func newTestEngine(pol policy.Policy, sink event.Sink) *Engine {
	return NewEngine(nil, pol, sink, nil, nil)
}

func countProblems(result *Result, kind event.Kind) int {
	n := 0
	for _, p := range result.Problems {
		if p.Kind == kind {
			n++
		}
	}
	return n
}

// --- basic ingestion ---

func TestIngestFlatZip(t *testing.T) {
	ws := openTestWorkspace(t)
	locator := writeZip(t, t.TempDir(), "bundle.zip", map[string][]byte{
		"readme.txt":  []byte("hello world"),
		"data/nums":   []byte("1 2 3"),
		"data/empty+": {},
	})

	engine := newTestEngine(testPolicy(), nil)
	result, err := engine.Ingest(context.Background(), ws, Request{WorkspaceID: ws.ID, Locator: locator})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.State != StateCompleted {
		t.Fatalf("state = %s, problems = %v", result.State, result.Problems)
	}
	if result.Metrics.EntriesIngested != 3 {
		t.Errorf("EntriesIngested = %d, want 3", result.Metrics.EntriesIngested)
	}
	if result.MaxDepthReached != 1 {
		t.Errorf("MaxDepthReached = %d, want 1", result.MaxDepthReached)
	}

	record, err := ws.Catalog.FileByVirtualPath(context.Background(), ws.ID, "bundle.zip!readme.txt")
	if err != nil {
		t.Fatalf("FileByVirtualPath: %v", err)
	}
	if record.ByteSize != int64(len("hello world")) {
		t.Errorf("ByteSize = %d", record.ByteSize)
	}
	if record.DepthLevel != 1 {
		t.Errorf("DepthLevel = %d, want 1", record.DepthLevel)
	}
	if record.MimeType == "" {
		t.Error("MimeType empty for text file")
	}

	// Content is retrievable and intact.
	rc, err := ws.Store.Get(context.Background(), record.ContentHash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	if data, _ := io.ReadAll(rc); string(data) != "hello world" {
		t.Errorf("content = %q", data)
	}
}

func TestIngestNestedArchives(t *testing.T) {
	ws := openTestWorkspace(t)

	inner := zipBytes(t, map[string][]byte{"deep.txt": []byte("three levels down")})
	middle := zipBytes(t, map[string][]byte{"inner.zip": inner, "mid.txt": []byte("middle")})
	locator := writeZip(t, t.TempDir(), "outer.zip", map[string][]byte{
		"middle.zip": middle,
		"top.txt":    []byte("top"),
	})

	engine := newTestEngine(testPolicy(), nil)
	result, err := engine.Ingest(context.Background(), ws, Request{WorkspaceID: ws.ID, Locator: locator})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.State != StateCompleted {
		t.Fatalf("state = %s, problems = %v", result.State, result.Problems)
	}
	if result.MaxDepthReached != 3 {
		t.Errorf("MaxDepthReached = %d, want 3", result.MaxDepthReached)
	}

	ctx := context.Background()
	deep, err := ws.Catalog.FileByVirtualPath(ctx, ws.ID, "outer.zip!middle.zip!inner.zip!deep.txt")
	if err != nil {
		t.Fatalf("deep file missing: %v", err)
	}
	if deep.DepthLevel != 3 {
		t.Errorf("deep DepthLevel = %d, want 3", deep.DepthLevel)
	}

	// The archive chain is recorded with parentage.
	stats, err := ws.Catalog.WorkspaceStats(ctx, ws.ID)
	if err != nil {
		t.Fatalf("WorkspaceStats: %v", err)
	}
	if stats.ArchiveCount != 3 {
		t.Errorf("ArchiveCount = %d, want 3 (outer, middle, inner)", stats.ArchiveCount)
	}
	// Containers are archives, not files: 3 regular files total.
	if stats.FileCount != 3 {
		t.Errorf("FileCount = %d, want 3", stats.FileCount)
	}
}

func TestIngestTarball(t *testing.T) {
	ws := openTestWorkspace(t)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	content := []byte("tarred content")
	if err := tw.WriteHeader(&tar.Header{Name: "member.txt", Mode: 0o644, Size: int64(len(content))}); err != nil {
		t.Fatalf("header: %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("write: %v", err)
	}
	tw.Close()
	locator := filepath.Join(t.TempDir(), "bundle.tar")
	if err := os.WriteFile(locator, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("writing tar: %v", err)
	}

	engine := newTestEngine(testPolicy(), nil)
	result, err := engine.Ingest(context.Background(), ws, Request{WorkspaceID: ws.ID, Locator: locator})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.State != StateCompleted || result.Metrics.EntriesIngested != 1 {
		t.Fatalf("result = %+v", result)
	}
	if _, err := ws.Catalog.FileByVirtualPath(context.Background(), ws.ID, "bundle.tar!member.txt"); err != nil {
		t.Fatalf("record missing: %v", err)
	}
}

// --- depth limiting ---

func TestIngestDepthLimitTruncatesBranch(t *testing.T) {
	ws := openTestWorkspace(t)

	inner := zipBytes(t, map[string][]byte{"hidden.txt": []byte("below the limit")})
	locator := writeZip(t, t.TempDir(), "outer.zip", map[string][]byte{
		"inner.zip": inner,
		"top.txt":   []byte("visible"),
	})

	engine := newTestEngine(testPolicy(), nil)
	result, err := engine.Ingest(context.Background(), ws, Request{
		WorkspaceID: ws.ID,
		Locator:     locator,
		MaxDepth:    1,
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	// Truncation is a warning, not a failure.
	if result.State != StateCompleted {
		t.Fatalf("state = %s", result.State)
	}
	if countProblems(result, event.KindDepthLimitExceeded) != 1 {
		t.Fatalf("problems = %v, want one depth warning", result.Problems)
	}

	ctx := context.Background()
	// The sibling at the allowed depth is fully ingested.
	if _, err := ws.Catalog.FileByVirtualPath(ctx, ws.ID, "outer.zip!top.txt"); err != nil {
		t.Errorf("sibling missing: %v", err)
	}
	// The truncated container is preserved as an opaque file.
	rec, err := ws.Catalog.FileByVirtualPath(ctx, ws.ID, "outer.zip!inner.zip")
	if err != nil {
		t.Fatalf("truncated container not stored: %v", err)
	}
	if rec.ByteSize != int64(len(inner)) {
		t.Errorf("stored container size = %d, want %d", rec.ByteSize, len(inner))
	}
	// Nothing under it was expanded.
	if _, err := ws.Catalog.FileByVirtualPath(ctx, ws.ID, "outer.zip!inner.zip!hidden.txt"); err == nil {
		t.Error("file beyond the depth limit was ingested")
	}
}

func TestIngestTwentyLevelsFullyExtracted(t *testing.T) {
	ws := openTestWorkspace(t)
	locator := writeNestedChain(t, t.TempDir(), 20, []byte("bottom of the chain"))

	var sink event.Collector
	engine := newTestEngine(testPolicy(), &sink)
	result, err := engine.Ingest(context.Background(), ws, Request{
		WorkspaceID: ws.ID,
		Locator:     locator,
		MaxDepth:    20,
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.State != StateCompleted {
		t.Fatalf("state = %s, problems = %v", result.State, result.Problems)
	}
	if len(result.Problems) != 0 {
		t.Fatalf("problems = %v, want none", result.Problems)
	}
	if result.MaxDepthReached != 20 {
		t.Errorf("MaxDepthReached = %d, want 20", result.MaxDepthReached)
	}

	virtual := "chain.zip"
	for i := 1; i < 20; i++ {
		virtual += fmt.Sprintf("!nest%02d.zip", i)
	}
	virtual += "!leaf.txt"
	leaf, err := ws.Catalog.FileByVirtualPath(context.Background(), ws.ID, virtual)
	if err != nil {
		t.Fatalf("leaf missing at %s: %v", virtual, err)
	}
	if leaf.DepthLevel != 20 {
		t.Errorf("leaf DepthLevel = %d, want 20", leaf.DepthLevel)
	}

	// The final flushed progress event carries the full container
	// chain down to the leaf's parent.
	progress, _, _ := sink.Snapshot()
	if len(progress) == 0 {
		t.Fatal("no progress events emitted")
	}
	last := progress[len(progress)-1]
	if len(last.HierarchicalPath) != 20 {
		t.Errorf("HierarchicalPath depth = %d, want 20", len(last.HierarchicalPath))
	}
	if len(last.HierarchicalPath) > 0 && !strings.HasSuffix(last.HierarchicalPath[0], "chain.zip") {
		t.Errorf("chain root = %q", last.HierarchicalPath[0])
	}
}

func TestIngestDeepChainTruncatedOncePerBranch(t *testing.T) {
	ws := openTestWorkspace(t)
	locator := writeNestedChain(t, t.TempDir(), 25, []byte("unreachable"))

	engine := newTestEngine(testPolicy(), nil)
	result, err := engine.Ingest(context.Background(), ws, Request{
		WorkspaceID: ws.ID,
		Locator:     locator,
		MaxDepth:    20,
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.State != StateCompleted {
		t.Fatalf("state = %s, problems = %v", result.State, result.Problems)
	}
	if got := countProblems(result, event.KindDepthLimitExceeded); got != 1 {
		t.Fatalf("depth warnings = %d, want exactly 1: %v", got, result.Problems)
	}
	if result.MaxDepthReached != 20 {
		t.Errorf("MaxDepthReached = %d, want 20", result.MaxDepthReached)
	}

	// The container at the limit is preserved opaque; nothing under it
	// was expanded.
	virtual := "chain.zip"
	for i := 1; i <= 20; i++ {
		virtual += fmt.Sprintf("!nest%02d.zip", i)
	}
	if _, err := ws.Catalog.FileByVirtualPath(context.Background(), ws.ID, virtual); err != nil {
		t.Errorf("truncated container not stored: %v", err)
	}
	if _, err := ws.Catalog.FileByVirtualPath(context.Background(), ws.ID, virtual+"!nest21.zip"); err == nil {
		t.Error("entry beyond the depth limit was expanded")
	}
}

// --- sibling independence ---

func TestIngestCorruptSiblingIsIsolated(t *testing.T) {
	ws := openTestWorkspace(t)

	goodInner := zipBytes(t, map[string][]byte{"ok.txt": []byte("fine")})
	// A zip header with a torn-off body: detection claims it, opening fails.
	corrupt := append([]byte("PK\x03\x04"), bytes.Repeat([]byte{0}, 40)...)
	locator := writeZip(t, t.TempDir(), "outer.zip", map[string][]byte{
		"broken.zip": corrupt,
		"good.zip":   goodInner,
		"plain.txt":  []byte("plain"),
	})

	engine := newTestEngine(testPolicy(), nil)
	result, err := engine.Ingest(context.Background(), ws, Request{WorkspaceID: ws.ID, Locator: locator})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.State != StateCompleted {
		t.Fatalf("state = %s, problems = %v", result.State, result.Problems)
	}
	if countProblems(result, event.KindCorruptedArchive) == 0 {
		t.Fatalf("problems = %v, want a corruption record", result.Problems)
	}

	ctx := context.Background()
	if _, err := ws.Catalog.FileByVirtualPath(ctx, ws.ID, "outer.zip!good.zip!ok.txt"); err != nil {
		t.Errorf("healthy sibling archive not ingested: %v", err)
	}
	if _, err := ws.Catalog.FileByVirtualPath(ctx, ws.ID, "outer.zip!plain.txt"); err != nil {
		t.Errorf("plain sibling not ingested: %v", err)
	}
}

func TestIngestUnsafeMemberNameSkipped(t *testing.T) {
	ws := openTestWorkspace(t)
	locator := writeZip(t, t.TempDir(), "bundle.zip", map[string][]byte{
		"../escape.txt": []byte("zip slip"),
		"normal.txt":    []byte("fine"),
	})

	engine := newTestEngine(testPolicy(), nil)
	result, err := engine.Ingest(context.Background(), ws, Request{WorkspaceID: ws.ID, Locator: locator})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.State != StateCompleted {
		t.Fatalf("state = %s", result.State)
	}
	if countProblems(result, event.KindCorruptedArchive) != 1 {
		t.Fatalf("problems = %v, want one unsafe-name record", result.Problems)
	}
	if _, err := ws.Catalog.FileByVirtualPath(context.Background(), ws.ID, "bundle.zip!normal.txt"); err != nil {
		t.Errorf("safe sibling missing: %v", err)
	}
	if result.Metrics.EntriesIngested != 1 {
		t.Errorf("EntriesIngested = %d, want 1", result.Metrics.EntriesIngested)
	}
}

// --- security limits ---

func TestIngestHaltsOnRiskScore(t *testing.T) {
	ws := openTestWorkspace(t)
	// A megabyte of zeros deflates hundreds of times over.
	locator := writeZip(t, t.TempDir(), "bomb.zip", map[string][]byte{
		"zeros.bin": make([]byte, 1<<20),
	})

	pol := testPolicy()
	pol.RiskScoreThreshold = 50
	var sink event.Collector
	engine := newTestEngine(pol, &sink)

	result, err := engine.Ingest(context.Background(), ws, Request{WorkspaceID: ws.ID, Locator: locator})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.State != StateHalted {
		t.Fatalf("state = %s, want halted", result.State)
	}
	if countProblems(result, event.KindZipBombDetected) == 0 {
		t.Fatalf("problems = %v, want zip bomb detection", result.Problems)
	}
	_, findings, _ := sink.Snapshot()
	if len(findings) == 0 {
		t.Fatal("no security finding emitted")
	}
	if findings[0].Verdict.Decision != bombcheck.Halt {
		t.Errorf("finding decision = %s, want halt", findings[0].Verdict.Decision)
	}

	// Checked before writing: the bomb's content never reached the store.
	if _, err := ws.Catalog.FileByVirtualPath(context.Background(), ws.ID, "bomb.zip!zeros.bin"); err == nil {
		t.Error("halted entry was indexed anyway")
	}
}

func TestIngestFlagsHighRatioButContinues(t *testing.T) {
	ws := openTestWorkspace(t)
	locator := writeZip(t, t.TempDir(), "dense.zip", map[string][]byte{
		"zeros.bin": make([]byte, 1<<20),
	})

	pol := testPolicy()
	pol.RatioThreshold = 50
	pol.RiskScoreThreshold = 0 // ratio alone never halts
	var sink event.Collector
	engine := newTestEngine(pol, &sink)

	result, err := engine.Ingest(context.Background(), ws, Request{WorkspaceID: ws.ID, Locator: locator})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.State != StateCompleted {
		t.Fatalf("state = %s, problems = %v", result.State, result.Problems)
	}
	if result.Metrics.EntriesIngested != 1 {
		t.Errorf("EntriesIngested = %d, want 1", result.Metrics.EntriesIngested)
	}
	_, findings, _ := sink.Snapshot()
	if len(findings) != 1 {
		t.Fatalf("got %d findings, want 1 (flagged once per archive)", len(findings))
	}
	if findings[0].Verdict.Decision != bombcheck.Flag {
		t.Errorf("decision = %s, want flag", findings[0].Verdict.Decision)
	}
}

func TestIngestFlagsDenseMemberAmongIncompressibleSiblings(t *testing.T) {
	ws := openTestWorkspace(t)
	// The noise dominates the archive, so the whole-archive ratio
	// stays near 1. Only the zeros member's own ratio is suspicious.
	locator := writeZip(t, t.TempDir(), "mixed.zip", map[string][]byte{
		"noise.bin": incompressible(t, 4<<20),
		"zeros.bin": make([]byte, 1<<20),
	})

	pol := testPolicy()
	pol.RatioThreshold = 100
	pol.RiskScoreThreshold = 0
	var sink event.Collector
	engine := newTestEngine(pol, &sink)

	result, err := engine.Ingest(context.Background(), ws, Request{WorkspaceID: ws.ID, Locator: locator})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.State != StateCompleted {
		t.Fatalf("state = %s, problems = %v", result.State, result.Problems)
	}
	if result.Metrics.EntriesIngested != 2 {
		t.Errorf("EntriesIngested = %d, want 2", result.Metrics.EntriesIngested)
	}
	_, findings, _ := sink.Snapshot()
	if len(findings) != 1 {
		t.Fatalf("got %d findings, want 1", len(findings))
	}
	if findings[0].Verdict.Decision != bombcheck.Flag {
		t.Errorf("decision = %s, want flag", findings[0].Verdict.Decision)
	}
	if !strings.HasSuffix(findings[0].VirtualPath, "zeros.bin") {
		t.Errorf("flagged path = %q, want the dense member", findings[0].VirtualPath)
	}
}

func TestIngestHaltOnFlaggedEscalates(t *testing.T) {
	ws := openTestWorkspace(t)
	locator := writeZip(t, t.TempDir(), "dense.zip", map[string][]byte{
		"zeros.bin": make([]byte, 1<<20),
	})

	pol := testPolicy()
	pol.RatioThreshold = 50
	pol.RiskScoreThreshold = 0
	pol.HaltOnFlagged = true
	var sink event.Collector
	engine := newTestEngine(pol, &sink)

	result, err := engine.Ingest(context.Background(), ws, Request{WorkspaceID: ws.ID, Locator: locator})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.State != StateHalted {
		t.Fatalf("state = %s, want halted", result.State)
	}
	if countProblems(result, event.KindZipBombDetected) == 0 {
		t.Fatalf("problems = %v, want bomb detection", result.Problems)
	}
	_, findings, _ := sink.Snapshot()
	if len(findings) == 0 {
		t.Fatal("no security finding emitted")
	}
	if findings[0].Verdict.Decision != bombcheck.Flag {
		t.Errorf("decision = %s, want flag (escalated by policy)", findings[0].Verdict.Decision)
	}
	if _, err := ws.Catalog.FileByVirtualPath(context.Background(), ws.ID, "dense.zip!zeros.bin"); err == nil {
		t.Error("escalated entry was indexed anyway")
	}
}

func TestIngestHaltsOnArchiveCeiling(t *testing.T) {
	ws := openTestWorkspace(t)
	locator := writeZip(t, t.TempDir(), "big.zip", map[string][]byte{
		"a.bin": bytes.Repeat([]byte("abcdefgh"), 1024), // 8 KiB, incompressible enough
	})

	pol := testPolicy()
	pol.RatioThreshold = 0
	pol.RiskScoreThreshold = 0
	pol.MaxArchiveBytes = 1024
	engine := newTestEngine(pol, nil)

	result, err := engine.Ingest(context.Background(), ws, Request{WorkspaceID: ws.ID, Locator: locator})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.State != StateHalted {
		t.Fatalf("state = %s, want halted", result.State)
	}
	if countProblems(result, event.KindZipBombDetected) == 0 {
		t.Fatalf("problems = %v, want ceiling halt", result.Problems)
	}
	stats, _ := ws.Catalog.WorkspaceStats(context.Background(), ws.ID)
	if stats.FileCount != 0 {
		t.Errorf("FileCount = %d, want 0 (nothing written past the ceiling)", stats.FileCount)
	}
}

// --- resume ---

func TestIngestRerunSkipsUnchangedEntries(t *testing.T) {
	ws := openTestWorkspace(t)
	locator := writeZip(t, t.TempDir(), "bundle.zip", map[string][]byte{
		"a.txt": []byte("alpha"),
		"b.txt": []byte("beta"),
	})
	engine := newTestEngine(testPolicy(), nil)
	ctx := context.Background()

	first, err := engine.Ingest(ctx, ws, Request{WorkspaceID: ws.ID, Locator: locator})
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	if first.State != StateCompleted || first.Metrics.EntriesIngested != 2 {
		t.Fatalf("first = %+v", first)
	}

	second, err := engine.Ingest(ctx, ws, Request{WorkspaceID: ws.ID, Locator: locator})
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if second.State != StateCompleted {
		t.Fatalf("second state = %s", second.State)
	}
	if second.Metrics.EntriesIngested != 0 {
		t.Errorf("second EntriesIngested = %d, want 0", second.Metrics.EntriesIngested)
	}
	if second.Metrics.EntriesSkipped != 2 {
		t.Errorf("second EntriesSkipped = %d, want 2", second.Metrics.EntriesSkipped)
	}

	// Still exactly one record per path.
	stats, _ := ws.Catalog.WorkspaceStats(ctx, ws.ID)
	if stats.FileCount != 2 {
		t.Errorf("FileCount = %d, want 2", stats.FileCount)
	}
}

func TestIngestRerunReplacesChangedEntry(t *testing.T) {
	ws := openTestWorkspace(t)
	dir := t.TempDir()
	engine := newTestEngine(testPolicy(), nil)
	ctx := context.Background()

	locator := writeZip(t, dir, "bundle.zip", map[string][]byte{"a.txt": []byte("v1")})
	if _, err := engine.Ingest(ctx, ws, Request{WorkspaceID: ws.ID, Locator: locator}); err != nil {
		t.Fatalf("first Ingest: %v", err)
	}

	// Same locator, changed content.
	locator = writeZip(t, dir, "bundle.zip", map[string][]byte{"a.txt": []byte("v2 changed")})
	result, err := engine.Ingest(ctx, ws, Request{WorkspaceID: ws.ID, Locator: locator})
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if result.Metrics.EntriesIngested != 1 {
		t.Errorf("EntriesIngested = %d, want 1 (content changed)", result.Metrics.EntriesIngested)
	}

	record, err := ws.Catalog.FileByVirtualPath(ctx, ws.ID, "bundle.zip!a.txt")
	if err != nil {
		t.Fatalf("FileByVirtualPath: %v", err)
	}
	rc, err := ws.Store.Get(ctx, record.ContentHash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	if data, _ := io.ReadAll(rc); string(data) != "v2 changed" {
		t.Errorf("content = %q, want replacement", data)
	}
}

func TestIngestClearsCheckpointOnCompletion(t *testing.T) {
	ws := openTestWorkspace(t)
	locator := writeZip(t, t.TempDir(), "bundle.zip", map[string][]byte{"a.txt": []byte("x")})
	engine := newTestEngine(testPolicy(), nil)
	ctx := context.Background()

	if _, err := engine.Ingest(ctx, ws, Request{WorkspaceID: ws.ID, Locator: locator}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, err := ws.Catalog.LoadCheckpoint(ctx, ws.ID, locator); err == nil {
		t.Error("checkpoint survived a completed run")
	}
}

func TestIngestHaltedRunKeepsCheckpoint(t *testing.T) {
	ws := openTestWorkspace(t)
	locator := writeZip(t, t.TempDir(), "bomb.zip", map[string][]byte{
		"fine.txt":  []byte("stored before the bomb"),
		"zeros.bin": make([]byte, 1<<20),
	})

	pol := testPolicy()
	pol.SiblingStreams = 1
	pol.RiskScoreThreshold = 50
	engine := newTestEngine(pol, nil)
	ctx := context.Background()

	result, err := engine.Ingest(ctx, ws, Request{WorkspaceID: ws.ID, Locator: locator})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.State != StateHalted {
		t.Fatalf("state = %s", result.State)
	}
	if _, err := ws.Catalog.LoadCheckpoint(ctx, ws.ID, locator); err != nil {
		t.Errorf("halted run left no checkpoint: %v", err)
	}
}

// --- cancellation ---

func TestIngestCancelledContext(t *testing.T) {
	ws := openTestWorkspace(t)
	locator := writeZip(t, t.TempDir(), "bundle.zip", map[string][]byte{"a.txt": []byte("x")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := newTestEngine(testPolicy(), nil)
	result, err := engine.Ingest(ctx, ws, Request{WorkspaceID: ws.ID, Locator: locator})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.State != StateCancelled {
		t.Fatalf("state = %s, want cancelled", result.State)
	}
	if countProblems(result, event.KindCancellationRequested) == 0 {
		t.Errorf("problems = %v, want cancellation record", result.Problems)
	}
}

// --- errors ---

func TestIngestMissingLocator(t *testing.T) {
	ws := openTestWorkspace(t)
	engine := newTestEngine(testPolicy(), nil)
	if _, err := engine.Ingest(context.Background(), ws, Request{
		WorkspaceID: ws.ID,
		Locator:     filepath.Join(t.TempDir(), "absent.zip"),
	}); err == nil {
		t.Fatal("Ingest of missing locator succeeded")
	}
}

func TestIngestUnsupportedRoot(t *testing.T) {
	ws := openTestWorkspace(t)
	locator := filepath.Join(t.TempDir(), "document.pdf")
	if err := os.WriteFile(locator, []byte("%PDF-1.7 not an archive"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	engine := newTestEngine(testPolicy(), nil)
	result, err := engine.Ingest(context.Background(), ws, Request{WorkspaceID: ws.ID, Locator: locator})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.State != StateHalted {
		t.Fatalf("state = %s", result.State)
	}
	if countProblems(result, event.KindUnsupportedFormat) != 1 {
		t.Fatalf("problems = %v, want unsupported format", result.Problems)
	}
}

func TestIngestEmitsCompletionEvent(t *testing.T) {
	ws := openTestWorkspace(t)
	locator := writeZip(t, t.TempDir(), "bundle.zip", map[string][]byte{"a.txt": []byte("x")})

	var sink event.Collector
	engine := newTestEngine(testPolicy(), &sink)
	if _, err := engine.Ingest(context.Background(), ws, Request{WorkspaceID: ws.ID, Locator: locator}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	_, _, completions := sink.Snapshot()
	if len(completions) != 1 {
		t.Fatalf("got %d completions, want 1", len(completions))
	}
	c := completions[0]
	if c.State != "completed" || c.EntriesIngested != 1 {
		t.Errorf("completion = %+v", c)
	}
	if !strings.HasSuffix(c.ArchiveLocator, "bundle.zip") {
		t.Errorf("locator = %q", c.ArchiveLocator)
	}
}
