// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

// Package unpack provides format decoders for the archive types the
// ingestion engine understands. Every decoder presents the same
// sequential view: open a source, walk its entries in order, stream
// each entry's content. Random-access formats (zip) iterate their
// index in stored order; sequential formats (tar, single-member
// compression streams) read straight through.
//
// Decoders are registered in a Registry. Detection uses the leading
// bytes of the source first and falls back to the file name, so a
// mislabeled archive still opens and a renamed one does too. Formats
// not built in (rar and friends) can be added by registering a
// Decoder; sources no registered decoder claims fail with
// ErrUnsupportedFormat.
package unpack

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"
)

// ErrUnsupportedFormat is returned when no registered decoder claims a
// source.
var ErrUnsupportedFormat = errors.New("unpack: unsupported archive format")

// SniffLen is how many leading bytes Detect needs. Tar's magic sits at
// offset 257, so anything shorter cannot identify a tar.
const SniffLen = 512

// SizeUnknown marks entry sizes the container does not record.
const SizeUnknown int64 = -1

// EntryInfo describes one entry as the container records it. Sizes
// come from container headers and are advisory until the content is
// actually streamed.
type EntryInfo struct {
	// Name is the raw path inside the archive, unsanitized. Callers
	// must normalize it before using it as any kind of path.
	Name string

	// Size is the uncompressed size, or SizeUnknown.
	Size int64

	// CompressedSize is the stored size, or SizeUnknown for formats
	// that do not record per-entry compressed sizes.
	CompressedSize int64

	Mode    fs.FileMode
	ModTime time.Time
	IsDir   bool
}

// Entry is one archive entry plus access to its content. Open may be
// called at most once, before the reader advances past the entry.
type Entry struct {
	EntryInfo
	Open func() (io.ReadCloser, error)
}

// Reader walks an opened archive's entries in order.
type Reader interface {
	// Next returns the next entry, or io.EOF when the archive is
	// exhausted. Any other error means the container is damaged from
	// this point on.
	Next() (*Entry, error)

	Close() error
}

// Decoder opens one archive format.
type Decoder interface {
	// Kind is the format name recorded in the catalog ("zip", "tar",
	// "tar.gz", "gz", ...).
	Kind() string

	// Claims reports whether this decoder handles a source, judged
	// from its leading bytes and, where magic alone is ambiguous
	// (gzip wrapping a tar versus gzip wrapping a lone file), its
	// name.
	Claims(name string, header []byte) bool

	// Open prepares the source for iteration. The name is the
	// source's display name (single-member streams derive the member
	// name from it). The ReaderAt must stay valid until the returned
	// Reader is closed.
	Open(name string, src io.ReaderAt, size int64) (Reader, error)
}

// Registry holds the known decoders, consulted in registration order.
type Registry struct {
	decoders []Decoder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// DefaultRegistry returns a registry with every built-in format:
// zip, the tar family (plain, gzip, zstd, lz4), and the single-member
// compression streams (gz, zst, lz4).
func DefaultRegistry() *Registry {
	r := NewRegistry()
	// Compound formats must be consulted before the bare streams
	// they are wrapped in, or "x.tar.gz" would open as a lone gzip
	// member.
	r.Register(zipDecoder{})
	r.Register(tarDecoder{compression: tarPlain})
	r.Register(tarDecoder{compression: tarGzip})
	r.Register(tarDecoder{compression: tarZstd})
	r.Register(tarDecoder{compression: tarLZ4})
	r.Register(streamDecoder{format: streamGzip})
	r.Register(streamDecoder{format: streamZstd})
	r.Register(streamDecoder{format: streamLZ4})
	return r
}

// Register appends a decoder. Later registrations lose ties to
// earlier ones.
func (r *Registry) Register(d Decoder) {
	r.decoders = append(r.decoders, d)
}

// Detect picks the decoder for a source. ErrUnsupportedFormat when
// none claims it.
func (r *Registry) Detect(name string, header []byte) (Decoder, error) {
	for _, d := range r.decoders {
		if d.Claims(name, header) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
}

// Open sniffs the source and opens it with the matching decoder.
func (r *Registry) Open(name string, src io.ReaderAt, size int64) (string, Reader, error) {
	header := make([]byte, SniffLen)
	n, err := src.ReadAt(header, 0)
	if err != nil && err != io.EOF {
		return "", nil, fmt.Errorf("unpack: reading header of %s: %w", name, err)
	}
	decoder, err := r.Detect(name, header[:n])
	if err != nil {
		return "", nil, err
	}
	reader, err := decoder.Open(name, src, size)
	if err != nil {
		return "", nil, err
	}
	return decoder.Kind(), reader, nil
}

// IsArchiveName reports whether a file name carries an extension some
// registered decoder could produce entries from. Used to decide
// whether a nested entry is worth descending into; the header check
// still gates the actual descent.
func (r *Registry) IsArchiveName(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range []string{
		".zip", ".tar", ".tar.gz", ".tgz", ".tar.zst", ".tar.lz4",
		".gz", ".zst", ".lz4",
	} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// --- magic numbers ---

var (
	magicZip      = []byte{'P', 'K', 0x03, 0x04}
	magicZipEmpty = []byte{'P', 'K', 0x05, 0x06}
	magicGzip     = []byte{0x1f, 0x8b}
	magicZstd     = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicLZ4      = []byte{0x04, 0x22, 0x4d, 0x18}
)

func hasMagic(header, magic []byte) bool {
	return len(header) >= len(magic) && string(header[:len(magic)]) == string(magic)
}

// tarMagicAt257 checks the ustar magic. Pre-POSIX tars lack it; those
// only open via their .tar extension.
func tarMagicAt257(header []byte) bool {
	return len(header) >= 262 && string(header[257:262]) == "ustar"
}

func hasSuffix(name string, suffixes ...string) bool {
	lower := strings.ToLower(name)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}
