// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

// Package cas implements Cask's content-addressed object store.
//
// Objects are addressed by the BLAKE3 keyed digest of their raw bytes
// and stored once regardless of how many ingested files share that
// content. The store is append-only: objects are never rewritten or
// individually deleted; a workspace's entire object tree is removed
// only when the workspace itself is deleted.
//
// On-disk layout under the store root:
//
//	objects/
//	  tmp/                     in-flight writes (crash debris is inert)
//	  ab/                      shard: first 2 hex chars of the digest
//	    cdef...89              raw object (62 remaining hex chars)
//	    0123...45.zst          zstd-compressed object
//
// Sharding by the leading digest byte bounds directory fan-out to 256
// entries at the top level. Physical paths are always short and
// hash-derived, so archive member path length never reaches the
// filesystem.
package cas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrNotFound is returned by Get and Stat for digests with no stored
// object.
var ErrNotFound = errors.New("cas: object not found")

// ErrCorruptObject is returned by Get when the stored bytes no longer
// hash to the requested digest. The store surfaces corruption rather
// than silently returning wrong data.
var ErrCorruptObject = errors.New("cas: object corrupt")

const tmpDir = "tmp"

// Store is a content-addressed object store rooted at one directory.
// Safe for concurrent use: Put is idempotent and concurrent puts of
// the same content converge on one stored object.
type Store struct {
	root        string
	compression Compression
}

// NewStore opens (creating if needed) a store rooted at root. The
// compression setting governs new writes only; Get handles every
// encoding regardless of the store's current setting.
func NewStore(root string, compression Compression) (*Store, error) {
	switch compression {
	case CompressionNone, CompressionZstd, CompressionLZ4, CompressionAuto:
	default:
		return nil, fmt.Errorf("cas: invalid compression setting %s", compression)
	}

	for _, dir := range []string{root, filepath.Join(root, tmpDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cas: creating store directory %s: %w", dir, err)
		}
	}
	return &Store{root: root, compression: compression}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// TempDir returns the store's scratch directory. Files created there
// live on the same filesystem as the objects, so renames into shards
// stay atomic, and crash debris is swept with the store.
func (s *Store) TempDir() string { return filepath.Join(s.root, tmpDir) }

// PutResult describes the outcome of one Put.
type PutResult struct {
	// Digest is the object's address.
	Digest Digest

	// Size is the object's raw byte count.
	Size int64

	// StoredSize is the byte count on disk after at-rest encoding.
	// Equal to Size when the object deduplicated against an existing
	// encoding with a different setting only in the sense that it
	// reports the existing object's size.
	StoredSize int64

	// Deduplicated is true when the content already existed and no
	// new object was written.
	Deduplicated bool

	// Compression is the at-rest encoding of the stored object.
	Compression Compression
}

// Put streams r into the store and returns the content digest.
// Idempotent: storing identical content twice returns the same digest
// and performs at most one physical write; the second call discards
// its spool after the existence check.
//
// The write lands in tmp/ first and is renamed into its shard only
// after the full stream is hashed and flushed, so a crash can never
// leave a partial object at a final path.
func (s *Store) Put(ctx context.Context, r io.Reader) (PutResult, error) {
	if err := ctx.Err(); err != nil {
		return PutResult{}, err
	}

	// Probe the head of the stream for compression auto-selection.
	probe := make([]byte, probeSize)
	probeLen, err := io.ReadFull(r, probe)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return PutResult{}, fmt.Errorf("cas: reading content: %w", err)
	}
	probe = probe[:probeLen]

	tag := s.compression
	if tag == CompressionAuto {
		tag = selectCompression(probe)
	}

	spool, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "put-*")
	if err != nil {
		return PutResult{}, fmt.Errorf("cas: creating spool file: %w", err)
	}
	spoolPath := spool.Name()
	// The spool is removed on every path except the final rename.
	defer os.Remove(spoolPath)

	encoder, err := compressingWriter(spool, tag)
	if err != nil {
		spool.Close()
		return PutResult{}, fmt.Errorf("cas: %w", err)
	}

	hasher := NewHasher()
	sink := io.MultiWriter(hasher, encoder)

	size := int64(0)
	if _, err := sink.Write(probe); err != nil {
		spool.Close()
		return PutResult{}, fmt.Errorf("cas: writing content: %w", err)
	}
	size += int64(probeLen)

	copied, err := io.Copy(sink, &contextReader{ctx: ctx, inner: r})
	if err != nil {
		spool.Close()
		return PutResult{}, fmt.Errorf("cas: writing content: %w", err)
	}
	size += copied

	if err := encoder.Close(); err != nil {
		spool.Close()
		return PutResult{}, fmt.Errorf("cas: flushing encoder: %w", err)
	}
	if err := spool.Sync(); err != nil {
		spool.Close()
		return PutResult{}, fmt.Errorf("cas: syncing spool: %w", err)
	}
	storedSize, err := spool.Seek(0, io.SeekEnd)
	if err != nil {
		spool.Close()
		return PutResult{}, fmt.Errorf("cas: sizing spool: %w", err)
	}
	if err := spool.Close(); err != nil {
		return PutResult{}, fmt.Errorf("cas: closing spool: %w", err)
	}

	digest := hasher.Sum()

	// Deduplication: if any encoding of this digest exists the spool
	// is discarded. The existence check and rename are not atomic
	// together, but a lost race just means two identical renames:
	// os.Rename replaces atomically and both files hold the same
	// content.
	if existing, _, found, err := s.locate(digest); err != nil {
		return PutResult{}, err
	} else if found {
		info, statErr := os.Stat(existing)
		if statErr != nil {
			return PutResult{}, fmt.Errorf("cas: stat existing object: %w", statErr)
		}
		return PutResult{
			Digest:       digest,
			Size:         size,
			StoredSize:   info.Size(),
			Deduplicated: true,
			Compression:  tagFromPath(existing),
		}, nil
	}

	final := s.objectPath(digest, tag)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return PutResult{}, fmt.Errorf("cas: creating shard directory: %w", err)
	}
	if err := os.Rename(spoolPath, final); err != nil {
		return PutResult{}, fmt.Errorf("cas: committing object: %w", err)
	}

	return PutResult{
		Digest:      digest,
		Size:        size,
		StoredSize:  storedSize,
		Compression: tag,
	}, nil
}

// Get opens the object for digest. The returned reader transparently
// decompresses and re-verifies the digest as it is consumed: reading
// to EOF on bytes that no longer hash to digest fails with
// ErrCorruptObject instead of returning wrong data.
func (s *Store) Get(ctx context.Context, digest Digest) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, tag, found, err := s.locate(digest)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest.Ref())
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cas: opening object %s: %w", digest.Ref(), err)
	}

	decoder, err := decompressingReader(file, tag)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("cas: %w", err)
	}

	return &verifyingReader{
		want:    digest,
		hasher:  NewHasher(),
		decoder: decoder,
		file:    file,
	}, nil
}

// Exists reports whether an object with the given digest is stored.
func (s *Store) Exists(digest Digest) (bool, error) {
	_, _, found, err := s.locate(digest)
	return found, err
}

// ObjectInfo describes a stored object for status and CLI output.
type ObjectInfo struct {
	Digest      Digest
	StoredSize  int64
	Compression Compression
}

// Stat returns storage metadata for a stored object.
func (s *Store) Stat(digest Digest) (ObjectInfo, error) {
	path, tag, found, err := s.locate(digest)
	if err != nil {
		return ObjectInfo{}, err
	}
	if !found {
		return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, digest.Ref())
	}
	info, err := os.Stat(path)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("cas: stat object: %w", err)
	}
	return ObjectInfo{Digest: digest, StoredSize: info.Size(), Compression: tag}, nil
}

// TotalStoredBytes walks the shard directories and sums stored object
// sizes. Used for workspace ceiling checks and status output.
func (s *Store) TotalStoredBytes() (uint64, error) {
	var total uint64
	err := filepath.WalkDir(s.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if entry.Name() == tmpDir && filepath.Dir(path) == s.root {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		total += uint64(info.Size())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cas: walking store: %w", err)
	}
	return total, nil
}

// objectPath returns the final path for a digest under a given
// at-rest encoding.
func (s *Store) objectPath(digest Digest, tag Compression) string {
	hexDigest := digest.String()
	return filepath.Join(s.root, hexDigest[:2], hexDigest[2:]+tag.extension())
}

// locate finds the stored encoding of digest, if any.
func (s *Store) locate(digest Digest) (path string, tag Compression, found bool, err error) {
	for _, candidate := range onDiskEncodings {
		candidatePath := s.objectPath(digest, candidate)
		if _, statErr := os.Stat(candidatePath); statErr == nil {
			return candidatePath, candidate, true, nil
		} else if !errors.Is(statErr, fs.ErrNotExist) {
			return "", 0, false, fmt.Errorf("cas: probing object path: %w", statErr)
		}
	}
	return "", 0, false, nil
}

// tagFromPath recovers the encoding from a stored object's extension.
func tagFromPath(path string) Compression {
	switch filepath.Ext(path) {
	case ".zst":
		return CompressionZstd
	case ".lz4":
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// verifyingReader re-hashes object bytes as they are read and checks
// the digest at EOF.
type verifyingReader struct {
	want    Digest
	hasher  *Hasher
	decoder io.ReadCloser
	file    *os.File
	failed  bool
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	if r.failed {
		return 0, ErrCorruptObject
	}

	n, err := r.decoder.Read(p)
	if n > 0 {
		r.hasher.Write(p[:n])
	}
	if err == io.EOF {
		if r.hasher.Sum() != r.want {
			r.failed = true
			return n, fmt.Errorf("%w: %s", ErrCorruptObject, r.want.Ref())
		}
	}
	return n, err
}

func (r *verifyingReader) Close() error {
	r.decoder.Close()
	return r.file.Close()
}

// contextReader aborts a long copy when its context is cancelled,
// checking once per Read (i.e., per 32 KiB copy chunk).
type contextReader struct {
	ctx   context.Context
	inner io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.inner.Read(p)
}
