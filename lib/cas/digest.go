// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 keyed hash of an object's raw bytes. It
// is the object's storage address: two logical files with identical
// content share one Digest and one stored object.
type Digest [32]byte

// objectDomainKey is the 32-byte key for BLAKE3 keyed hashing of
// object content. A fixed protocol constant: changing it invalidates
// every stored object address. The bytes are the ASCII domain name
// zero-padded to 32, readable in hex dumps without weakening the hash
// (keyed BLAKE3 treats the key as opaque).
var objectDomainKey = [32]byte{
	'c', 'a', 's', 'k', '.', 'o', 'b', 'j', 'e', 'c', 't',
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// HashBytes computes the object-domain digest of data. Streaming
// callers use NewHasher instead.
func HashBytes(data []byte) Digest {
	hasher := NewHasher()
	hasher.Write(data)
	return hasher.Sum()
}

// Hasher accumulates object bytes and produces their Digest. It
// implements io.Writer so it can sit in a MultiWriter chain alongside
// the spool file during Put.
type Hasher struct {
	inner *blake3.Hasher
}

// NewHasher returns a Hasher keyed for the object domain.
func NewHasher() *Hasher {
	inner, err := blake3.NewKeyed(objectDomainKey[:])
	if err != nil {
		// NewKeyed fails only on wrong key length, which the fixed
		// array rules out.
		panic("cas: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return &Hasher{inner: inner}
}

// Write adds data to the running hash. Never returns an error.
func (h *Hasher) Write(data []byte) (int, error) {
	return h.inner.Write(data)
}

// Sum returns the digest of everything written so far.
func (h *Hasher) Sum() Digest {
	var digest Digest
	copy(digest[:], h.inner.Sum(nil))
	return digest
}

// String returns the canonical 64-character hex form.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Ref returns the short object reference used in logs and CLI output:
// "obj-" followed by the first 12 hex characters.
func (d Digest) Ref() string {
	return "obj-" + hex.EncodeToString(d[:6])
}

// IsZero reports whether the digest is the zero value. The zero
// digest is never a valid object address.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText implements encoding.TextMarshaler so Digest fields
// serialize as hex in JSON, YAML, and CBOR (via lib/codec's text
// marshaler configuration).
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest parses a 64-character hex string into a Digest.
func ParseDigest(hexString string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing object digest: %w", err)
	}
	if len(decoded) != len(digest) {
		return digest, fmt.Errorf("object digest is %d bytes, want %d", len(decoded), len(digest))
	}
	copy(digest[:], decoded)
	return digest, nil
}
