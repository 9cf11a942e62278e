// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

// Package workspace manages the on-disk layout of ingestion
// workspaces. Each workspace is a self-contained directory holding a
// content-addressed object store and a catalog database:
//
//	<root>/<workspace-id>/
//	    objects/        content-addressed store (lib/cas)
//	    catalog.db      metadata index (lib/catalog)
//
// Workspaces are isolated: no object or record is ever shared between
// two workspace directories, so deleting one is a plain directory
// removal.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cask-foundation/cask/lib/cas"
	"github.com/cask-foundation/cask/lib/catalog"
)

// ErrInvalidID is returned for workspace identifiers that do not
// match the accepted pattern.
var ErrInvalidID = errors.New("workspace: invalid identifier")

// ErrNotFound is returned when a workspace directory does not exist.
var ErrNotFound = errors.New("workspace: not found")

// ErrDiskSpaceExhausted is returned by Preflight when the filesystem
// cannot hold the requested payload.
var ErrDiskSpaceExhausted = errors.New("workspace: disk space exhausted")

// Identifiers are path components, so the pattern is strict: lowercase
// alphanumerics plus dot, underscore, hyphen, starting alphanumeric.
var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// ValidateID checks a workspace identifier.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q (want lowercase alphanumerics, dot, underscore, hyphen; max 64)", ErrInvalidID, id)
	}
	return nil
}

// Manager opens, enumerates, and deletes workspaces under one root.
type Manager struct {
	root        string
	compression cas.Compression
	logger      *slog.Logger
}

// NewManager creates the root directory if needed. Objects written
// through workspaces opened by this manager use the given at-rest
// compression setting.
func NewManager(root string, compression cas.Compression, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: creating root: %w", err)
	}
	// Trash holds renamed-away workspaces until their contents are
	// removed; rename is atomic, the recursive delete is not.
	if err := os.MkdirAll(filepath.Join(root, ".trash"), 0o755); err != nil {
		return nil, fmt.Errorf("workspace: creating trash: %w", err)
	}
	return &Manager{root: root, compression: compression, logger: logger}, nil
}

// Workspace is one opened workspace: its object store and catalog.
type Workspace struct {
	ID      string
	Store   *cas.Store
	Catalog *catalog.Catalog

	dir string
}

// Open opens a workspace, creating it if absent.
func (m *Manager) Open(id string) (*Workspace, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	dir := filepath.Join(m.root, id)

	store, err := cas.NewStore(filepath.Join(dir, "objects"), m.compression)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", id, err)
	}
	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"), m.logger)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", id, err)
	}
	return &Workspace{ID: id, Store: store, Catalog: cat, dir: dir}, nil
}

// Close releases the workspace's catalog pool. The object store holds
// no open handles between operations.
func (w *Workspace) Close() error {
	return w.Catalog.Close()
}

// Dir returns the workspace's directory.
func (w *Workspace) Dir() string { return w.dir }

// List returns the identifiers of all workspaces under the root,
// sorted (ReadDir order).
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("workspace: listing root: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() || ValidateID(entry.Name()) != nil {
			continue
		}
		ids = append(ids, entry.Name())
	}
	return ids, nil
}

// Exists reports whether a workspace directory is present.
func (m *Manager) Exists(id string) (bool, error) {
	if err := ValidateID(id); err != nil {
		return false, err
	}
	info, err := os.Stat(filepath.Join(m.root, id))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// Delete removes a workspace. The directory is first renamed into the
// trash area so the workspace identifier frees up atomically, then the
// contents are removed. A crash mid-delete leaves only trash to sweep.
func (m *Manager) Delete(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	dir := filepath.Join(m.root, id)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	trashed := filepath.Join(m.root, ".trash", fmt.Sprintf("%s.%d", id, time.Now().UnixNano()))
	if err := os.Rename(dir, trashed); err != nil {
		return fmt.Errorf("workspace: trashing %s: %w", id, err)
	}
	if err := os.RemoveAll(trashed); err != nil {
		return fmt.Errorf("workspace: removing %s: %w", id, err)
	}
	m.logger.Info("workspace deleted", "workspace", id)
	return nil
}

// SweepTrash removes leftovers from interrupted deletes.
func (m *Manager) SweepTrash() error {
	trash := filepath.Join(m.root, ".trash")
	entries, err := os.ReadDir(trash)
	if err != nil {
		return fmt.Errorf("workspace: reading trash: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(trash, entry.Name())); err != nil {
			return fmt.Errorf("workspace: sweeping %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// FreeSpace returns the bytes available to unprivileged writers on the
// filesystem holding the root.
func (m *Manager) FreeSpace() (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(m.root, &stat); err != nil {
		return 0, fmt.Errorf("workspace: statfs %s: %w", m.root, err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

// Preflight checks that the filesystem can absorb an expected payload
// before any byte is written. Returns ErrDiskSpaceExhausted when it
// cannot. A zero expectation only verifies the filesystem is statable.
func (m *Manager) Preflight(expectedBytes int64) error {
	free, err := m.FreeSpace()
	if err != nil {
		return err
	}
	if expectedBytes > 0 && free < expectedBytes {
		return fmt.Errorf("%w: need %d bytes, %d available", ErrDiskSpaceExhausted, expectedBytes, free)
	}
	return nil
}
