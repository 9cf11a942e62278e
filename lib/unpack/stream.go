// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package unpack

import (
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

type streamFormat int

const (
	streamGzip streamFormat = iota
	streamZstd
	streamLZ4
)

// streamDecoder opens bare compression streams (.gz, .zst, .lz4) as
// single-member archives. The member's name is the source name with
// the compression extension removed; its size is unknown until
// streamed (gzip's trailer size field wraps at 4 GiB, so it is not
// trusted).
type streamDecoder struct {
	format streamFormat
}

func (d streamDecoder) Kind() string {
	switch d.format {
	case streamZstd:
		return "zst"
	case streamLZ4:
		return "lz4"
	}
	return "gz"
}

func (d streamDecoder) Claims(name string, header []byte) bool {
	switch d.format {
	case streamGzip:
		return hasMagic(header, magicGzip) || hasSuffix(name, ".gz")
	case streamZstd:
		return hasMagic(header, magicZstd) || hasSuffix(name, ".zst")
	case streamLZ4:
		return hasMagic(header, magicLZ4) || hasSuffix(name, ".lz4")
	}
	return false
}

func (d streamDecoder) Open(name string, src io.ReaderAt, size int64) (Reader, error) {
	return &streamReader{decoder: d, name: name, src: src, size: size}, nil
}

type streamReader struct {
	decoder streamDecoder
	name    string
	src     io.ReaderAt
	size    int64
	done    bool
	closer  func() error
}

// memberName strips the directory and compression extension from the
// source name: "logs/report.csv.gz" yields "report.csv". A name that
// is nothing but the extension falls back to "member".
func (r *streamReader) memberName() string {
	base := path.Base(strings.ReplaceAll(r.name, "\\", "/"))
	member := strings.TrimSuffix(base, "."+r.decoder.Kind())
	if r.decoder.format == streamGzip {
		member = strings.TrimSuffix(member, ".gz")
	}
	if member == "" || member == "." {
		return "member"
	}
	return member
}

func (r *streamReader) Next() (*Entry, error) {
	if r.done {
		return nil, io.EOF
	}
	r.done = true

	name := r.memberName()
	modTime := time.Time{}

	var opened io.ReadCloser
	open := func() (io.ReadCloser, error) {
		if opened != nil {
			return opened, nil
		}
		raw := io.NewSectionReader(r.src, 0, r.size)
		switch r.decoder.format {
		case streamGzip:
			gz, err := gzip.NewReader(raw)
			if err != nil {
				return nil, fmt.Errorf("unpack: opening gzip member: %w", err)
			}
			r.closer = gz.Close
			opened = gz
			return gz, nil
		case streamZstd:
			zr, err := zstd.NewReader(raw, zstd.WithDecoderConcurrency(1))
			if err != nil {
				return nil, fmt.Errorf("unpack: opening zstd member: %w", err)
			}
			opened = zr.IOReadCloser()
			return opened, nil
		default:
			opened = io.NopCloser(lz4.NewReader(raw))
			return opened, nil
		}
	}

	// Gzip headers may carry the original file name and mtime; peek
	// at the stream so the entry reports them.
	if r.decoder.format == streamGzip {
		gz, err := open()
		if err != nil {
			return nil, err
		}
		if g, ok := gz.(*gzip.Reader); ok {
			if g.Name != "" {
				name = g.Name
			}
			modTime = g.ModTime
		}
	}

	return &Entry{
		EntryInfo: EntryInfo{
			Name:           name,
			Size:           SizeUnknown,
			CompressedSize: r.size,
			ModTime:        modTime,
		},
		Open: open,
	}, nil
}

func (r *streamReader) Close() error {
	if r.closer != nil {
		return r.closer()
	}
	return nil
}
