// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// spillThreshold is where a buffered entry moves from memory to a
// temp file. Entries below it never touch the disk twice.
const spillThreshold = 4 << 20

// spool buffers one entry's uncompressed content so it can be read
// again: once was spent decoding it out of the container, and the
// store, the detector, and nested descent all need bytes they can
// seek in. Small entries stay in memory, large ones spill to a temp
// file.
type spool struct {
	mem  bytes.Buffer
	file *os.File
	size int64
	dir  string
}

func newSpool(dir string) *spool {
	return &spool{dir: dir}
}

func (s *spool) Write(p []byte) (int, error) {
	if s.file == nil && s.size+int64(len(p)) > spillThreshold {
		file, err := os.CreateTemp(s.dir, "spill-*")
		if err != nil {
			return 0, fmt.Errorf("ingest: creating spill file: %w", err)
		}
		if _, err := file.Write(s.mem.Bytes()); err != nil {
			file.Close()
			os.Remove(file.Name())
			return 0, fmt.Errorf("ingest: spilling buffer: %w", err)
		}
		s.mem.Reset()
		s.file = file
	}

	var (
		n   int
		err error
	)
	if s.file != nil {
		n, err = s.file.Write(p)
	} else {
		n, err = s.mem.Write(p)
	}
	s.size += int64(n)
	return n, err
}

func (s *spool) Size() int64 { return s.size }

// ReaderAt returns random access to the buffered content.
func (s *spool) ReaderAt() io.ReaderAt {
	if s.file != nil {
		return s.file
	}
	return bytes.NewReader(s.mem.Bytes())
}

// Reader returns a fresh sequential view from the start.
func (s *spool) Reader() io.Reader {
	return io.NewSectionReader(s.ReaderAt(), 0, s.size)
}

// Prefix returns up to n leading bytes, for sniffing.
func (s *spool) Prefix(n int) ([]byte, error) {
	if int64(n) > s.size {
		n = int(s.size)
	}
	buf := make([]byte, n)
	if _, err := s.ReaderAt().ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// Close releases the buffer, removing any spill file.
func (s *spool) Close() error {
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	err := s.file.Close()
	if removeErr := os.Remove(name); err == nil {
		err = removeErr
	}
	s.file = nil
	return err
}
