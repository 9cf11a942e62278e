// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

// Package catalog is the per-workspace metadata index: which logical
// files were ingested, which object each one's content lives in, how
// archives nest, and how far an interrupted run had progressed.
//
// The catalog never stores content. Every file row references an
// object in the workspace's content-addressed store by digest, and the
// engine writes the object BEFORE inserting the row; the row insert
// is the commit point, so a crash between the two leaves an orphan
// object (harmless, reclaimed with the workspace) but never a dangling
// file row.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/cask-foundation/cask/lib/cas"
	"github.com/cask-foundation/cask/lib/sqlitepool"
)

// ErrNotFound is returned by lookups with no matching row.
var ErrNotFound = errors.New("catalog: not found")

// FileRecord is one ingested logical file. Many FileRecords may share
// one content digest; the object is stored once.
type FileRecord struct {
	ID           int64
	WorkspaceID  string
	ContentHash  cas.Digest
	VirtualPath  string
	OriginalName string
	ByteSize     int64
	ModifiedTime time.Time

	// MimeType is empty when unknown.
	MimeType string

	// ParentArchiveID is nil for files found in the root archive.
	ParentArchiveID *int64

	DepthLevel int
}

// ArchiveRecord is one container encountered during traversal,
// including the root archive itself at depth 0.
type ArchiveRecord struct {
	ID          int64
	WorkspaceID string
	VirtualPath string

	// ArchiveKind is the decoder kind ("zip", "tar", "tar.gz", ...).
	ArchiveKind string

	// ParentArchiveID is nil for the root archive.
	ParentArchiveID *int64

	DepthLevel int
}

// Checkpoint records ingestion progress for one archive locator.
// Advisory: resume correctness comes from digest re-verification, not
// from this index.
type Checkpoint struct {
	WorkspaceID    string
	ArchiveLocator string
	LastEntryIndex int64

	// Metrics is a CBOR blob of accumulated run metrics (lib/codec).
	Metrics []byte

	WrittenAt time.Time
}

// Stats summarizes a workspace's catalog for status output.
type Stats struct {
	FileCount    int64
	ArchiveCount int64
	TotalBytes   int64
	UniqueHashes int64
}

// Catalog is the metadata store for one workspace, backed by a pooled
// SQLite database. Safe for concurrent use.
type Catalog struct {
	pool *sqlitepool.Pool
}

// Open opens (creating if needed) the catalog database at path.
func Open(path string, logger *slog.Logger) (*Catalog, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return &Catalog{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (c *Catalog) Close() error {
	return c.pool.Close()
}

// InsertArchive inserts an archive record and returns its id. The
// caller must have inserted the parent first (the FK rejects unknown
// parents). If a record for (workspace, virtual path) already exists
// (the resume case), the existing id is returned unchanged.
func (c *Catalog) InsertArchive(ctx context.Context, record ArchiveRecord) (int64, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer c.pool.Put(conn)

	existing, found, err := archiveIDByPath(conn, record.WorkspaceID, record.VirtualPath)
	if err != nil {
		return 0, err
	}
	if found {
		return existing, nil
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO archives (workspace_id, virtual_path, archive_kind, parent_archive_id, depth_level)
		VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				record.WorkspaceID, record.VirtualPath, record.ArchiveKind,
				nullableID(record.ParentArchiveID), record.DepthLevel,
			},
		})
	if err != nil {
		return 0, fmt.Errorf("catalog: insert archive %q: %w", record.VirtualPath, err)
	}
	return conn.LastInsertRowID(), nil
}

// InsertFile inserts a file record and returns its id. The content
// object for record.ContentHash must already exist in the workspace
// store; this insert is the commit point of the object+record unit.
// Inserting a duplicate (workspace, virtual path) fails; resume logic
// checks FileByVirtualPath first.
func (c *Catalog) InsertFile(ctx context.Context, record FileRecord) (int64, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer c.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO files (workspace_id, content_hash, virtual_path, original_name,
			byte_size, modified_time, mime_type, parent_archive_id, depth_level)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				record.WorkspaceID, record.ContentHash.String(), record.VirtualPath,
				record.OriginalName, record.ByteSize, record.ModifiedTime.Unix(),
				nullableText(record.MimeType), nullableID(record.ParentArchiveID),
				record.DepthLevel,
			},
		})
	if err != nil {
		return 0, fmt.Errorf("catalog: insert file %q: %w", record.VirtualPath, err)
	}
	return conn.LastInsertRowID(), nil
}

// UpsertFile inserts a file record, or refreshes the existing record
// at the same (workspace, virtual path). Re-running an ingestion is
// idempotent through this path: an unchanged entry rewrites identical
// values, a changed source replaces the old content reference.
func (c *Catalog) UpsertFile(ctx context.Context, record FileRecord) (int64, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer c.pool.Put(conn)

	var id int64
	err = sqlitex.Execute(conn, `
		INSERT INTO files (workspace_id, content_hash, virtual_path, original_name,
			byte_size, modified_time, mime_type, parent_archive_id, depth_level)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, virtual_path) DO UPDATE SET
			content_hash = excluded.content_hash,
			original_name = excluded.original_name,
			byte_size = excluded.byte_size,
			modified_time = excluded.modified_time,
			mime_type = excluded.mime_type,
			parent_archive_id = excluded.parent_archive_id,
			depth_level = excluded.depth_level
		RETURNING id`,
		&sqlitex.ExecOptions{
			Args: []any{
				record.WorkspaceID, record.ContentHash.String(), record.VirtualPath,
				record.OriginalName, record.ByteSize, record.ModifiedTime.Unix(),
				nullableText(record.MimeType), nullableID(record.ParentArchiveID),
				record.DepthLevel,
			},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("catalog: upsert file %q: %w", record.VirtualPath, err)
	}
	return id, nil
}

// FileByVirtualPath returns the file record at the given virtual path,
// or ErrNotFound.
func (c *Catalog) FileByVirtualPath(ctx context.Context, workspaceID, virtualPath string) (FileRecord, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return FileRecord{}, err
	}
	defer c.pool.Put(conn)

	var record FileRecord
	found := false
	err = sqlitex.Execute(conn, selectFiles+`WHERE workspace_id = ? AND virtual_path = ?`,
		&sqlitex.ExecOptions{
			Args: []any{workspaceID, virtualPath},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				var scanErr error
				record, scanErr = scanFile(stmt)
				return scanErr
			},
		})
	if err != nil {
		return FileRecord{}, fmt.Errorf("catalog: file by path: %w", err)
	}
	if !found {
		return FileRecord{}, fmt.Errorf("%w: file %q", ErrNotFound, virtualPath)
	}
	return record, nil
}

// AllFiles returns every file record in the workspace, ordered by id
// (insertion order).
func (c *Catalog) AllFiles(ctx context.Context, workspaceID string) ([]FileRecord, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Put(conn)

	var records []FileRecord
	err = sqlitex.Execute(conn, selectFiles+`WHERE workspace_id = ? ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: []any{workspaceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record, scanErr := scanFile(stmt)
				if scanErr != nil {
					return scanErr
				}
				records = append(records, record)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("catalog: all files: %w", err)
	}
	return records, nil
}

// FilesByDigest returns every file record sharing one content digest.
func (c *Catalog) FilesByDigest(ctx context.Context, workspaceID string, digest cas.Digest) ([]FileRecord, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Put(conn)

	var records []FileRecord
	err = sqlitex.Execute(conn, selectFiles+`WHERE workspace_id = ? AND content_hash = ? ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: []any{workspaceID, digest.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record, scanErr := scanFile(stmt)
				if scanErr != nil {
					return scanErr
				}
				records = append(records, record)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("catalog: files by digest: %w", err)
	}
	return records, nil
}

// Children returns the file records directly contained by an archive.
func (c *Catalog) Children(ctx context.Context, archiveID int64) ([]FileRecord, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Put(conn)

	var records []FileRecord
	err = sqlitex.Execute(conn, selectFiles+`WHERE parent_archive_id = ? ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: []any{archiveID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record, scanErr := scanFile(stmt)
				if scanErr != nil {
					return scanErr
				}
				records = append(records, record)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("catalog: children: %w", err)
	}
	return records, nil
}

// ChildArchives returns the archive records directly nested in an
// archive.
func (c *Catalog) ChildArchives(ctx context.Context, archiveID int64) ([]ArchiveRecord, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Put(conn)

	var records []ArchiveRecord
	err = sqlitex.Execute(conn, `
		SELECT id, workspace_id, virtual_path, archive_kind, parent_archive_id, depth_level
		FROM archives WHERE parent_archive_id = ? ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: []any{archiveID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				records = append(records, scanArchive(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("catalog: child archives: %w", err)
	}
	return records, nil
}

// WriteCheckpoint persists progress for one archive locator.
// Monotonic: a rewrite never lowers last_entry_index; a stale write
// (lower index than stored) leaves the stored metrics in place too.
func (c *Catalog) WriteCheckpoint(ctx context.Context, checkpoint Checkpoint) error {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO checkpoints (workspace_id, archive_locator, last_entry_index, metrics, written_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, archive_locator) DO UPDATE SET
			metrics = CASE WHEN excluded.last_entry_index >= last_entry_index
				THEN excluded.metrics ELSE metrics END,
			written_at = CASE WHEN excluded.last_entry_index >= last_entry_index
				THEN excluded.written_at ELSE written_at END,
			last_entry_index = MAX(last_entry_index, excluded.last_entry_index)`,
		&sqlitex.ExecOptions{
			Args: []any{
				checkpoint.WorkspaceID, checkpoint.ArchiveLocator,
				checkpoint.LastEntryIndex, checkpoint.Metrics,
				checkpoint.WrittenAt.Unix(),
			},
		})
	if err != nil {
		return fmt.Errorf("catalog: write checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the stored checkpoint for a locator, or
// ErrNotFound.
func (c *Catalog) LoadCheckpoint(ctx context.Context, workspaceID, archiveLocator string) (Checkpoint, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return Checkpoint{}, err
	}
	defer c.pool.Put(conn)

	var checkpoint Checkpoint
	found := false
	err = sqlitex.Execute(conn, `
		SELECT workspace_id, archive_locator, last_entry_index, metrics, written_at
		FROM checkpoints WHERE workspace_id = ? AND archive_locator = ?`,
		&sqlitex.ExecOptions{
			Args: []any{workspaceID, archiveLocator},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				checkpoint = Checkpoint{
					WorkspaceID:    stmt.ColumnText(0),
					ArchiveLocator: stmt.ColumnText(1),
					LastEntryIndex: stmt.ColumnInt64(2),
					WrittenAt:      time.Unix(stmt.ColumnInt64(4), 0).UTC(),
				}
				if stmt.ColumnLen(3) > 0 {
					checkpoint.Metrics = make([]byte, stmt.ColumnLen(3))
					stmt.ColumnBytes(3, checkpoint.Metrics)
				}
				return nil
			},
		})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("catalog: load checkpoint: %w", err)
	}
	if !found {
		return Checkpoint{}, fmt.Errorf("%w: checkpoint for %q", ErrNotFound, archiveLocator)
	}
	return checkpoint, nil
}

// DeleteCheckpoint removes the checkpoint for a locator. Called only
// when a top-level run completes.
func (c *Catalog) DeleteCheckpoint(ctx context.Context, workspaceID, archiveLocator string) error {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		DELETE FROM checkpoints WHERE workspace_id = ? AND archive_locator = ?`,
		&sqlitex.ExecOptions{
			Args: []any{workspaceID, archiveLocator},
		})
	if err != nil {
		return fmt.Errorf("catalog: delete checkpoint: %w", err)
	}
	return nil
}

// WorkspaceStats summarizes the workspace's catalog.
func (c *Catalog) WorkspaceStats(ctx context.Context, workspaceID string) (Stats, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer c.pool.Put(conn)

	var stats Stats
	err = sqlitex.Execute(conn, `
		SELECT COUNT(*), COALESCE(SUM(byte_size), 0), COUNT(DISTINCT content_hash)
		FROM files WHERE workspace_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{workspaceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.FileCount = stmt.ColumnInt64(0)
				stats.TotalBytes = stmt.ColumnInt64(1)
				stats.UniqueHashes = stmt.ColumnInt64(2)
				return nil
			},
		})
	if err != nil {
		return Stats{}, fmt.Errorf("catalog: stats: %w", err)
	}

	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM archives WHERE workspace_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{workspaceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.ArchiveCount = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return Stats{}, fmt.Errorf("catalog: stats: %w", err)
	}
	return stats, nil
}

const selectFiles = `
	SELECT id, workspace_id, content_hash, virtual_path, original_name,
		byte_size, modified_time, mime_type, parent_archive_id, depth_level
	FROM files `

func scanFile(stmt *sqlite.Stmt) (FileRecord, error) {
	digest, err := cas.ParseDigest(stmt.ColumnText(2))
	if err != nil {
		return FileRecord{}, fmt.Errorf("catalog: corrupt content_hash column: %w", err)
	}

	record := FileRecord{
		ID:           stmt.ColumnInt64(0),
		WorkspaceID:  stmt.ColumnText(1),
		ContentHash:  digest,
		VirtualPath:  stmt.ColumnText(3),
		OriginalName: stmt.ColumnText(4),
		ByteSize:     stmt.ColumnInt64(5),
		ModifiedTime: time.Unix(stmt.ColumnInt64(6), 0).UTC(),
		MimeType:     stmt.ColumnText(7),
		DepthLevel:   stmt.ColumnInt(9),
	}
	if stmt.ColumnType(8) != sqlite.TypeNull {
		parent := stmt.ColumnInt64(8)
		record.ParentArchiveID = &parent
	}
	return record, nil
}

func scanArchive(stmt *sqlite.Stmt) ArchiveRecord {
	record := ArchiveRecord{
		ID:          stmt.ColumnInt64(0),
		WorkspaceID: stmt.ColumnText(1),
		VirtualPath: stmt.ColumnText(2),
		ArchiveKind: stmt.ColumnText(3),
		DepthLevel:  stmt.ColumnInt(5),
	}
	if stmt.ColumnType(4) != sqlite.TypeNull {
		parent := stmt.ColumnInt64(4)
		record.ParentArchiveID = &parent
	}
	return record
}

func archiveIDByPath(conn *sqlite.Conn, workspaceID, virtualPath string) (int64, bool, error) {
	var id int64
	found := false
	err := sqlitex.Execute(conn, `
		SELECT id FROM archives WHERE workspace_id = ? AND virtual_path = ?`,
		&sqlitex.ExecOptions{
			Args: []any{workspaceID, virtualPath},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				id = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, false, fmt.Errorf("catalog: archive by path: %w", err)
	}
	return id, found, nil
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
