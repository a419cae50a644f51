// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package authenticator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// FileCache is an append-only Cache backed by a file, so answers collected
// in one session can unlock the adapter in later ones without the daemon.
//
// The file is a sequence of records: a length-prefixed seed, a 16-bit item
// count, then that many length-prefixed answer blocks. All integers are
// big-endian 16-bit. Updating a seed appends a new record; the last record
// for a seed wins. There is no deletion.
type FileCache struct {
	mem map[string][3][]byte
	f   *os.File // nil in read-only mode
}

// OpenFileCache loads all records from path. In read-only mode Put only
// updates the in-memory view. A missing file is valid (and empty) unless
// read-only.
func OpenFileCache(path string, readOnly bool) (*FileCache, error) {
	flags := os.O_RDONLY
	if !readOnly {
		flags = os.O_APPEND | os.O_CREATE | os.O_RDWR
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}

	c := &FileCache{mem: map[string][3][]byte{}}
	if err := c.load(f); err != nil {
		f.Close()
		return nil, err
	}
	if readOnly {
		f.Close()
	} else {
		c.f = f
	}
	return c, nil
}

func (c *FileCache) load(f *os.File) error {
	offset := int64(0)
	readBlob := func() ([]byte, error) {
		var length uint16
		if err := binary.Read(f, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		blob := make([]byte, length)
		if _, err := io.ReadFull(f, blob); err != nil {
			return nil, err
		}
		return blob, nil
	}

	for {
		seed, err := readBlob()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// A seed cut off at EOF is what a crash mid-append leaves
			// behind; the complete records before it are kept.
			return nil
		}
		if err != nil {
			return fmt.Errorf("auth cache: record at %d: reading seed: %w", offset, err)
		}
		var count uint16
		if err := binary.Read(f, binary.BigEndian, &count); err != nil {
			return fmt.Errorf("auth cache: record at %d: reading item count: %w", offset, err)
		}
		if count != 3 {
			return fmt.Errorf("auth cache: record at %d: %d items, expected 3", offset, count)
		}
		var answers [3][]byte
		for i := range answers {
			if answers[i], err = readBlob(); err != nil {
				return fmt.Errorf("auth cache: record at %d: reading item %d: %w", offset, i+1, err)
			}
		}
		c.mem[string(seed)] = answers

		pos, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return err
		}
		offset = pos
	}
}

func (c *FileCache) Get(seed []byte) ([3][]byte, bool) {
	a, ok := c.mem[string(seed)]
	return a, ok
}

func (c *FileCache) Put(seed []byte, answers [3][]byte) error {
	c.mem[string(seed)] = answers
	if c.f == nil {
		return nil
	}

	record := appendBlob(nil, seed)
	record = binary.BigEndian.AppendUint16(record, 3)
	for _, a := range answers {
		record = appendBlob(record, a)
	}
	if _, err := c.f.Write(record); err != nil {
		return fmt.Errorf("auth cache: appending record: %w", err)
	}
	return c.f.Sync()
}

func (c *FileCache) Close() error {
	if c.f == nil {
		return nil
	}
	return c.f.Close()
}

func appendBlob(buf, blob []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(blob)))
	return append(buf, blob...)
}
