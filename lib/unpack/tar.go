// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package unpack

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

type tarCompression int

const (
	tarPlain tarCompression = iota
	tarGzip
	tarZstd
	tarLZ4
)

// tarDecoder opens tar archives, optionally wrapped in a compression
// stream. One decoder instance per wrapping, so the catalog records
// the precise kind.
type tarDecoder struct {
	compression tarCompression
}

func (d tarDecoder) Kind() string {
	switch d.compression {
	case tarGzip:
		return "tar.gz"
	case tarZstd:
		return "tar.zst"
	case tarLZ4:
		return "tar.lz4"
	}
	return "tar"
}

func (d tarDecoder) Claims(name string, header []byte) bool {
	switch d.compression {
	case tarPlain:
		return tarMagicAt257(header) || hasSuffix(name, ".tar")
	case tarGzip:
		// Magic alone cannot tell gzip-of-tar from gzip-of-file, so
		// the compound kinds require the extension to agree.
		return hasSuffix(name, ".tar.gz", ".tgz") && (len(header) == 0 || hasMagic(header, magicGzip))
	case tarZstd:
		return hasSuffix(name, ".tar.zst") && (len(header) == 0 || hasMagic(header, magicZstd))
	case tarLZ4:
		return hasSuffix(name, ".tar.lz4") && (len(header) == 0 || hasMagic(header, magicLZ4))
	}
	return false
}

func (d tarDecoder) Open(_ string, src io.ReaderAt, size int64) (Reader, error) {
	raw := io.NewSectionReader(src, 0, size)

	var (
		stream io.Reader
		closer func() error
	)
	switch d.compression {
	case tarPlain:
		stream = raw
	case tarGzip:
		gz, err := gzip.NewReader(raw)
		if err != nil {
			return nil, fmt.Errorf("unpack: opening %s: %w", d.Kind(), err)
		}
		stream, closer = gz, gz.Close
	case tarZstd:
		zr, err := zstd.NewReader(raw, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("unpack: opening %s: %w", d.Kind(), err)
		}
		stream = zr
		closer = func() error { zr.Close(); return nil }
	case tarLZ4:
		stream = lz4.NewReader(raw)
	}

	return &tarReader{
		kind:   d.Kind(),
		tr:     tar.NewReader(stream),
		closer: closer,
	}, nil
}

type tarReader struct {
	kind   string
	tr     *tar.Reader
	closer func() error
}

func (r *tarReader) Next() (*Entry, error) {
	for {
		hdr, err := r.tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("unpack: reading %s: %w", r.kind, err)
		}

		switch hdr.Typeflag {
		case tar.TypeReg, tar.TypeDir:
		default:
			// Symlinks, devices, and fifos have no content to store.
			continue
		}

		info := EntryInfo{
			Name:           hdr.Name,
			Size:           hdr.Size,
			CompressedSize: SizeUnknown,
			Mode:           hdr.FileInfo().Mode(),
			ModTime:        hdr.ModTime,
			IsDir:          hdr.Typeflag == tar.TypeDir,
		}
		return &Entry{
			EntryInfo: info,
			Open: func() (io.ReadCloser, error) {
				// Valid until the next Next call; tar is sequential.
				return io.NopCloser(r.tr), nil
			},
		}, nil
	}
}

func (r *tarReader) Close() error {
	if r.closer != nil {
		return r.closer()
	}
	return nil
}
