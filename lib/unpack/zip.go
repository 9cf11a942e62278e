// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package unpack

import (
	"archive/zip"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// zipDecoder opens zip archives. Deflate members are decoded with the
// klauspost flate implementation instead of the standard one.
type zipDecoder struct{}

func (zipDecoder) Kind() string { return "zip" }

func (zipDecoder) Claims(name string, header []byte) bool {
	if hasMagic(header, magicZip) || hasMagic(header, magicZipEmpty) {
		return true
	}
	// Self-extracting or prefixed zips put the local header later;
	// trust the extension and let zip.NewReader find the directory.
	return hasSuffix(name, ".zip")
}

func (zipDecoder) Open(_ string, src io.ReaderAt, size int64) (Reader, error) {
	zr, err := zip.NewReader(src, size)
	if err != nil {
		return nil, fmt.Errorf("unpack: opening zip: %w", err)
	}
	zr.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})
	return &zipReader{files: zr.File}, nil
}

type zipReader struct {
	files []*zip.File
	next  int
}

func (r *zipReader) Next() (*Entry, error) {
	if r.next >= len(r.files) {
		return nil, io.EOF
	}
	f := r.files[r.next]
	r.next++

	info := EntryInfo{
		Name:           f.Name,
		Size:           int64(f.UncompressedSize64),
		CompressedSize: int64(f.CompressedSize64),
		Mode:           f.Mode(),
		ModTime:        f.Modified,
		IsDir:          f.Mode().IsDir(),
	}
	return &Entry{
		EntryInfo: info,
		Open: func() (io.ReadCloser, error) {
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("unpack: opening zip member %s: %w", f.Name, err)
			}
			return rc, nil
		},
	}, nil
}

func (r *zipReader) Close() error { return nil }
