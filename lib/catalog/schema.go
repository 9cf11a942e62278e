// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

// schema is applied on every connection via OnConnect. Statements are
// idempotent so pool connections can race on first use.
//
// Integrity invariants carried by the schema rather than application
// code:
//
//   - parent_archive_id always names an existing archive row (FK,
//     enforced because sqlitepool turns foreign_keys ON).
//   - one file row per (workspace_id, virtual_path): the resume path
//     treats virtual path as the stable identity of an entry.
//   - archives form a forest: the FK permits only parents that were
//     inserted earlier, and the engine only inserts a child while its
//     parent frame is on the stack, which structurally forbids cycles.
const schema = `
CREATE TABLE IF NOT EXISTS archives (
	id                INTEGER PRIMARY KEY,
	workspace_id      TEXT    NOT NULL,
	virtual_path      TEXT    NOT NULL,
	archive_kind      TEXT    NOT NULL,
	parent_archive_id INTEGER REFERENCES archives(id),
	depth_level       INTEGER NOT NULL,
	UNIQUE (workspace_id, virtual_path)
);

CREATE TABLE IF NOT EXISTS files (
	id                INTEGER PRIMARY KEY,
	workspace_id      TEXT    NOT NULL,
	content_hash      TEXT    NOT NULL,
	virtual_path      TEXT    NOT NULL,
	original_name     TEXT    NOT NULL,
	byte_size         INTEGER NOT NULL,
	modified_time     INTEGER NOT NULL,
	mime_type         TEXT,
	parent_archive_id INTEGER REFERENCES archives(id),
	depth_level       INTEGER NOT NULL,
	UNIQUE (workspace_id, virtual_path)
);

CREATE INDEX IF NOT EXISTS files_by_hash
	ON files (workspace_id, content_hash);

CREATE INDEX IF NOT EXISTS files_by_parent
	ON files (parent_archive_id);

CREATE TABLE IF NOT EXISTS checkpoints (
	workspace_id     TEXT    NOT NULL,
	archive_locator  TEXT    NOT NULL,
	last_entry_index INTEGER NOT NULL,
	metrics          BLOB,
	written_at       INTEGER NOT NULL,
	PRIMARY KEY (workspace_id, archive_locator)
);
`
