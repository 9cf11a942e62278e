// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the at-rest encoding of a stored object.
// The digest always covers the raw (uncompressed) bytes, so the
// choice of at-rest encoding never affects an object's address and
// can differ between stores holding the same content.
type Compression uint8

const (
	// CompressionNone stores raw bytes. Chosen for content that does
	// not compress (media, encrypted data, already-compressed
	// archives, the common case for ingested archive members).
	CompressionNone Compression = 0

	// CompressionZstd stores zstd-framed bytes. Best ratio for
	// text-like content at acceptable CPU cost.
	CompressionZstd Compression = 1

	// CompressionLZ4 stores lz4-framed bytes. Cheaper decode than
	// zstd for mildly compressible binary content.
	CompressionLZ4 Compression = 2

	// CompressionAuto is a store-level setting only, never an on-disk
	// tag: each Put probes its first bytes and picks one of the
	// concrete encodings above.
	CompressionAuto Compression = 255
)

// String returns the compression name used in policy files and logs.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	case CompressionAuto:
		return "auto"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a compression name from policy files.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	case "auto", "":
		return CompressionAuto, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// extension returns the filename suffix that records the object's
// at-rest encoding. The suffix is the only metadata a stored object
// carries; everything else is derivable from its bytes.
func (c Compression) extension() string {
	switch c {
	case CompressionZstd:
		return ".zst"
	case CompressionLZ4:
		return ".lz4"
	default:
		return ""
	}
}

// onDiskEncodings lists the concrete encodings in lookup order. None
// first: it is the overwhelmingly common case for archive members.
var onDiskEncodings = []Compression{CompressionNone, CompressionZstd, CompressionLZ4}

// probeEncoder is a shared zstd encoder used only for compressibility
// probing (EncodeAll on a bounded buffer). Safe for concurrent use.
var probeEncoder *zstd.Encoder

func init() {
	var err error
	probeEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("cas: zstd probe encoder initialization failed: " + err.Error())
	}
}

// probeSize bounds the bytes sampled for compression auto-selection.
const probeSize = 32 * 1024

// selectCompression probes up to probeSize leading bytes and picks an
// at-rest encoding by achieved zstd ratio. Mirrors the thresholds the
// rest of the storage stack uses: strong compression → zstd, marginal
// → lz4, otherwise raw.
func selectCompression(probe []byte) Compression {
	if len(probe) == 0 {
		return CompressionNone
	}

	compressed := probeEncoder.EncodeAll(probe, nil)
	ratio := float64(len(probe)) / float64(len(compressed))

	switch {
	case ratio >= 1.5:
		return CompressionZstd
	case ratio >= 1.1:
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// compressingWriter wraps w with the encoder for tag. The returned
// closer must be closed to flush the frame before the underlying file
// is renamed into place.
func compressingWriter(w io.Writer, tag Compression) (io.WriteCloser, error) {
	switch tag {
	case CompressionNone:
		return nopWriteCloser{w}, nil
	case CompressionZstd:
		encoder, err := zstd.NewWriter(w,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		return encoder, nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported at-rest encoding: %s", tag)
	}
}

// decompressingReader wraps r with the decoder for tag. The returned
// closer releases decoder resources; it does not close r.
func decompressingReader(r io.Reader, tag Compression) (io.ReadCloser, error) {
	switch tag {
	case CompressionNone:
		return io.NopCloser(r), nil
	case CompressionZstd:
		decoder, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return decoder.IOReadCloser(), nil
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported at-rest encoding: %s", tag)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
