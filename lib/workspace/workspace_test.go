// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cask-foundation/cask/lib/cas"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), cas.CompressionNone, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

// --- identifiers ---

func TestValidateID(t *testing.T) {
	valid := []string{"a", "ws-alpha", "team.reports", "x9_y", "0abc"}
	for _, id := range valid {
		if err := ValidateID(id); err != nil {
			t.Errorf("ValidateID(%q) = %v, want nil", id, err)
		}
	}
	invalid := []string{"", "WS", "-lead", ".hidden", "has space", "a/b", "..", "über"}
	for _, id := range invalid {
		if err := ValidateID(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("ValidateID(%q) = %v, want ErrInvalidID", id, err)
		}
	}
}

// --- lifecycle ---

func TestOpenCreatesLayout(t *testing.T) {
	m := newTestManager(t)

	ws, err := m.Open("ws-alpha")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ws.Close()

	if _, err := os.Stat(filepath.Join(ws.Dir(), "objects")); err != nil {
		t.Errorf("objects dir missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws.Dir(), "catalog.db")); err != nil {
		t.Errorf("catalog.db missing: %v", err)
	}

	// The store and catalog are usable immediately.
	put, err := ws.Store.Put(context.Background(), bytes.NewReader([]byte("payload")))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	reader, err := ws.Store.Get(context.Background(), put.Digest)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer reader.Close()
	if data, _ := io.ReadAll(reader); string(data) != "payload" {
		t.Errorf("roundtrip = %q, want payload", data)
	}
}

func TestListAndExists(t *testing.T) {
	m := newTestManager(t)

	for _, id := range []string{"ws-b", "ws-a"} {
		ws, err := m.Open(id)
		if err != nil {
			t.Fatalf("Open(%s): %v", id, err)
		}
		ws.Close()
	}

	ids, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("List = %v, want 2 workspaces", ids)
	}

	ok, err := m.Exists("ws-a")
	if err != nil || !ok {
		t.Errorf("Exists(ws-a) = %v, %v, want true", ok, err)
	}
	ok, err = m.Exists("ws-missing")
	if err != nil || ok {
		t.Errorf("Exists(ws-missing) = %v, %v, want false", ok, err)
	}
}

func TestListSkipsTrash(t *testing.T) {
	m := newTestManager(t)
	ws, err := m.Open("ws-a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ws.Close()

	ids, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, id := range ids {
		if id == ".trash" {
			t.Fatal("List included .trash")
		}
	}
}

func TestDelete(t *testing.T) {
	m := newTestManager(t)
	ws, err := m.Open("ws-doomed")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := ws.Store.Put(context.Background(), bytes.NewReader([]byte("gone soon"))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ws.Close()

	if err := m.Delete("ws-doomed"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ok, err := m.Exists("ws-doomed")
	if err != nil || ok {
		t.Errorf("workspace still exists after delete")
	}
	if err := m.Delete("ws-doomed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}

func TestSweepTrash(t *testing.T) {
	m := newTestManager(t)

	// Simulate an interrupted delete: a renamed workspace left behind.
	leftover := filepath.Join(m.root, ".trash", "ws-old.12345")
	if err := os.MkdirAll(filepath.Join(leftover, "objects"), 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := m.SweepTrash(); err != nil {
		t.Fatalf("SweepTrash: %v", err)
	}
	if _, err := os.Stat(leftover); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("leftover survived sweep: %v", err)
	}
}

// --- disk space ---

func TestFreeSpaceAndPreflight(t *testing.T) {
	m := newTestManager(t)

	free, err := m.FreeSpace()
	if err != nil {
		t.Fatalf("FreeSpace: %v", err)
	}
	if free <= 0 {
		t.Fatalf("FreeSpace = %d, want positive", free)
	}

	if err := m.Preflight(0); err != nil {
		t.Errorf("Preflight(0) = %v, want nil", err)
	}
	if err := m.Preflight(1024); err != nil {
		t.Errorf("Preflight(1024) = %v, want nil", err)
	}
	// No filesystem has this much headroom.
	if err := m.Preflight(1 << 62); !errors.Is(err, ErrDiskSpaceExhausted) {
		t.Errorf("Preflight(huge) = %v, want ErrDiskSpaceExhausted", err)
	}
}
