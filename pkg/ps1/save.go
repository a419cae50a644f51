// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ps1

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrPastEnd = errors.New("ps1: offset past end of save data")

// Save is one game save: a head block and the chain hanging off it. The
// block list and directory metadata are captured when the save is opened;
// reopen after structural changes such as AppendBlock.
type Save struct {
	card   *Card
	blocks []int

	region      byte
	productCode [ProductCodeLength]byte
	identifier  [IdentifierLength]byte
}

func (c *Card) openSave(head int) (*Save, error) {
	blocks, err := c.chain(head)
	if err != nil {
		return nil, err
	}
	hdr, err := c.readHeader(head)
	if err != nil {
		return nil, err
	}
	s := &Save{card: c, blocks: blocks, region: hdr[regionOffset]}
	copy(s.productCode[:], hdr[productCodeOffset:])
	copy(s.identifier[:], hdr[identifierOffset:])
	declared := int(binary.LittleEndian.Uint32(hdr[saveLengthOffset:]))
	if declared != s.Size() {
		return nil, fmt.Errorf("ps1: save at block %d declares %#x bytes but chains %d blocks",
			head, declared, len(blocks))
	}
	return s, nil
}

// HeadBlock returns the save's directory entry number.
func (s *Save) HeadBlock() int { return s.blocks[0] }

// Blocks returns the save's block numbers in chain order.
func (s *Save) Blocks() []int {
	return append([]int(nil), s.blocks...)
}

// Size returns the save's data size in bytes.
func (s *Save) Size() int { return len(s.blocks) * BlockLength }

func (s *Save) Region() byte { return s.region }

// ProductCode returns the 10-byte product code from the directory entry.
func (s *Save) ProductCode() []byte { return append([]byte(nil), s.productCode[:]...) }

// Identifier returns the 8-byte save identifier from the directory entry.
func (s *Save) Identifier() []byte { return append([]byte(nil), s.identifier[:]...) }

func (s *Save) setHeader(offset int64, data []byte) error {
	head := s.blocks[0]
	if err := s.card.write(headerOffset(head)+offset, data); err != nil {
		return err
	}
	return s.card.updateXOR(head)
}

func (s *Save) SetRegion(region byte) error {
	if err := s.setHeader(regionOffset, []byte{region}); err != nil {
		return err
	}
	s.region = region
	return nil
}

func (s *Save) SetProductCode(code []byte) error {
	if len(code) != ProductCodeLength {
		return fmt.Errorf("ps1: product code must be %d bytes, got %d", ProductCodeLength, len(code))
	}
	if err := s.setHeader(productCodeOffset, code); err != nil {
		return err
	}
	copy(s.productCode[:], code)
	return nil
}

func (s *Save) SetIdentifier(id []byte) error {
	if len(id) != IdentifierLength {
		return fmt.Errorf("ps1: identifier must be %d bytes, got %d", IdentifierLength, len(id))
	}
	if err := s.setHeader(identifierOffset, id); err != nil {
		return err
	}
	copy(s.identifier[:], id)
	return nil
}

// ReadData reads save data across the block chain. Reads reaching past
// the end of the save are truncated.
func (s *Save) ReadData(offset int64, length int) ([]byte, error) {
	size := int64(s.Size())
	if offset >= size {
		return nil, nil
	}
	if int64(length) > size-offset {
		length = int(size - offset)
	}
	out := make([]byte, 0, length)
	for length > 0 {
		idx := int(offset / BlockLength)
		blockOffset := offset % BlockLength
		n := BlockLength - int(blockOffset)
		if n > length {
			n = length
		}
		chunk, err := s.card.read(int64(s.blocks[idx])*BlockLength+blockOffset, n)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		offset += int64(n)
		length -= n
	}
	return out, nil
}

// WriteData writes save data across the block chain and returns the byte
// count actually written. Writes are clipped at the end of the save; a
// write starting past the end fails.
func (s *Save) WriteData(offset int64, data []byte) (int, error) {
	size := int64(s.Size())
	if offset >= size {
		return 0, ErrPastEnd
	}
	if int64(len(data)) > size-offset {
		data = data[:size-offset]
	}
	written := 0
	for len(data) > 0 {
		idx := int(offset / BlockLength)
		blockOffset := offset % BlockLength
		n := BlockLength - int(blockOffset)
		if n > len(data) {
			n = len(data)
		}
		if err := s.card.write(int64(s.blocks[idx])*BlockLength+blockOffset, data[:n]); err != nil {
			return written, err
		}
		data = data[n:]
		offset += int64(n)
		written += n
	}
	return written, nil
}
