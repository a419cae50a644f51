// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ps1 reads and edits the native filesystem of PS1 memory cards.
//
// A card is 16 blocks of 8 KiB. Block 0 holds the allocation table: 16
// directory entries of 128 bytes, one per block, each ending in a XOR
// checksum of the preceding bytes. Entry 0 is the superblock and starts
// with the magic "MC". A save occupies one head block plus a chain of
// linked blocks threaded through the entries' next-block fields.
package ps1

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// Storage is the backing card image. *mca.Device satisfies it, as does
// any flat file wrapper.
type Storage interface {
	Read(offset int64, length int) ([]byte, error)
	Write(offset int64, data []byte) error
}

const (
	BlockCount  = 0x10
	BlockLength = 0x2000

	headerLength     = 0x80
	headerAreaLength = headerLength * BlockCount
	xorOffset        = headerLength - 1

	statusFree   = 0xa0
	statusUsed   = 0x50
	statusLinked = 0x02
	statusEnd    = 0x01

	saveLengthOffset  = 0x4
	nextBlockOffset   = 0x8
	nextBlockNone     = 0xffff
	formatByteOffset  = 0xa
	formatByteValue   = 'B'
	regionOffset      = 0xb
	productCodeOffset = 0xc
	ProductCodeLength = 10
	identifierOffset  = 0x16
	IdentifierLength  = 8
)

var superblockMagic = []byte("MC")

var (
	ErrBadMagic       = errors.New("ps1: superblock magic mismatch")
	ErrCorruptHeader  = errors.New("ps1: directory entry checksum mismatch")
	ErrBlockRange     = errors.New("ps1: block number out of range")
	ErrBlockAllocated = errors.New("ps1: block already allocated")
	ErrBlockFree      = errors.New("ps1: block already free")
	ErrNoSave         = errors.New("ps1: block does not belong to a save")
	ErrChainLoop      = errors.New("ps1: block chain loops")
)

// Card is the filesystem view of a PS1 memory card image.
type Card struct {
	st Storage

	// Maps every save block to its head block. Rebuilt lazily after any
	// directory write.
	linkMap map[int]int
}

// Open validates the superblock magic and returns the card.
func Open(st Storage) (*Card, error) {
	magic, err := st.Read(0, len(superblockMagic))
	if err != nil {
		return nil, err
	}
	for i, b := range superblockMagic {
		if magic[i] != b {
			return nil, fmt.Errorf("%w: got % x", ErrBadMagic, magic)
		}
	}
	return &Card{st: st}, nil
}

func checkBlock(block int) error {
	if block < 1 || block >= BlockCount {
		return fmt.Errorf("%w: %d", ErrBlockRange, block)
	}
	return nil
}

func (c *Card) read(offset int64, length int) ([]byte, error) {
	return c.st.Read(offset, length)
}

func (c *Card) write(offset int64, data []byte) error {
	if offset < headerAreaLength {
		c.linkMap = nil
	}
	return c.st.Write(offset, data)
}

func headerOffset(block int) int64 {
	return int64(block) * headerLength
}

func (c *Card) readHeader(block int) ([]byte, error) {
	return c.read(headerOffset(block), headerLength)
}

// updateXOR recomputes the trailing checksum of a directory entry after
// its fields changed.
func (c *Card) updateXOR(block int) error {
	hdr, err := c.read(headerOffset(block), headerLength-1)
	if err != nil {
		return err
	}
	var x byte
	for _, b := range hdr {
		x ^= b
	}
	return c.write(headerOffset(block)+xorOffset, []byte{x})
}

// checkXOR verifies a directory entry checksum. All 128 bytes of a valid
// entry XOR to zero.
func (c *Card) checkXOR(block int) error {
	hdr, err := c.readHeader(block)
	if err != nil {
		return err
	}
	var x byte
	for _, b := range hdr {
		x ^= b
	}
	if x != 0 {
		return fmt.Errorf("%w: entry %d", ErrCorruptHeader, block)
	}
	return nil
}

// nextBlock reads the linked-block field of an entry. The stored value is
// off by one: entry 0 is the superblock, so save blocks are numbered from
// the second entry.
func (c *Card) nextBlock(block int) (int, error) {
	raw, err := c.read(headerOffset(block)+nextBlockOffset, 2)
	if err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(raw)
	if v == nextBlockNone {
		return 0, nil
	}
	return int(v) + 1, nil
}

func (c *Card) setNextBlock(block, next int) error {
	v := uint16(nextBlockNone)
	if next != 0 {
		v = uint16(next - 1)
	}
	raw := binary.LittleEndian.AppendUint16(nil, v)
	return c.write(headerOffset(block)+nextBlockOffset, raw)
}

// chain returns a save's block list starting at head, verifying each
// visited entry's checksum. A repeated block means the directory is
// damaged in a way that would otherwise loop forever.
func (c *Card) chain(head int) ([]int, error) {
	blocks := []int{head}
	seen := map[int]bool{head: true}
	block := head
	for {
		if err := c.checkXOR(block); err != nil {
			return nil, err
		}
		next, err := c.nextBlock(block)
		if err != nil {
			return nil, err
		}
		if next == 0 {
			return blocks, nil
		}
		if err := checkBlock(next); err != nil {
			return nil, err
		}
		if seen[next] {
			return nil, fmt.Errorf("%w: block %d revisits %d", ErrChainLoop, block, next)
		}
		seen[next] = true
		blocks = append(blocks, next)
		block = next
	}
}

// LinkMap maps every allocated block to the head block of its save. A
// linked block whose head was not found maps to -1.
func (c *Card) LinkMap() (map[int]int, error) {
	if c.linkMap == nil {
		linkMap := make(map[int]int)
		for block := 1; block < BlockCount; block++ {
			if _, ok := linkMap[block]; ok {
				continue
			}
			if err := c.checkXOR(block); err != nil {
				return nil, err
			}
			state, err := c.read(headerOffset(block), 1)
			if err != nil {
				return nil, err
			}
			if state[0]&statusUsed != statusUsed {
				continue
			}
			if state[0]&statusLinked != 0 {
				linkMap[block] = -1
				continue
			}
			blocks, err := c.chain(block)
			if err != nil {
				return nil, err
			}
			for _, b := range blocks {
				linkMap[b] = block
			}
		}
		c.linkMap = linkMap
	}
	out := make(map[int]int, len(c.linkMap))
	for k, v := range c.linkMap {
		out[k] = v
	}
	return out, nil
}

// Save resolves the save owning the given block, head or linked.
func (c *Card) Save(block int) (*Save, error) {
	if err := checkBlock(block); err != nil {
		return nil, err
	}
	linkMap, err := c.LinkMap()
	if err != nil {
		return nil, err
	}
	head, ok := linkMap[block]
	if !ok || head < 0 {
		return nil, fmt.Errorf("%w: block %d", ErrNoSave, block)
	}
	return c.openSave(head)
}

// Saves lists every save on the card, ordered by head block.
func (c *Card) Saves() ([]*Save, error) {
	linkMap, err := c.LinkMap()
	if err != nil {
		return nil, err
	}
	var heads []int
	for block, head := range linkMap {
		if block == head {
			heads = append(heads, block)
		}
	}
	sort.Ints(heads)
	saves := make([]*Save, 0, len(heads))
	for _, head := range heads {
		save, err := c.openSave(head)
		if err != nil {
			return nil, err
		}
		saves = append(saves, save)
	}
	return saves, nil
}

// CreateSave allocates a free block as the head of a new one-block save.
func (c *Card) CreateSave(block int) error {
	return c.allocateBlock(block, true)
}

func (c *Card) allocateBlock(block int, head bool) error {
	if err := checkBlock(block); err != nil {
		return err
	}
	if err := c.checkXOR(block); err != nil {
		return err
	}
	offset := headerOffset(block)
	state, err := c.read(offset, 1)
	if err != nil {
		return err
	}
	if state[0]&statusUsed != 0 {
		return fmt.Errorf("%w: %d", ErrBlockAllocated, block)
	}
	status := byte(statusUsed | statusEnd)
	if !head {
		status |= statusLinked
	}
	if err := c.write(offset, []byte{status}); err != nil {
		return err
	}
	if head {
		size := binary.LittleEndian.AppendUint32(nil, BlockLength)
		if err := c.write(offset+saveLengthOffset, size); err != nil {
			return err
		}
		if err := c.write(offset+formatByteOffset, []byte{formatByteValue}); err != nil {
			return err
		}
	}
	if err := c.setNextBlock(block, 0); err != nil {
		return err
	}
	return c.updateXOR(block)
}

func (c *Card) saveBlockCount(head int) (int, error) {
	raw, err := c.read(headerOffset(head)+saveLengthOffset, 4)
	if err != nil {
		return 0, err
	}
	size := binary.LittleEndian.Uint32(raw)
	if size%BlockLength != 0 {
		return 0, fmt.Errorf("ps1: save size %#x of block %d is not block aligned", size, head)
	}
	return int(size / BlockLength), nil
}

func (c *Card) setSaveBlockCount(head, count int) error {
	raw := binary.LittleEndian.AppendUint32(nil, uint32(count*BlockLength))
	return c.write(headerOffset(head)+saveLengthOffset, raw)
}

// AppendBlock grows a save by allocating block and chaining it after the
// save's current last block.
func (c *Card) AppendBlock(head, block int) error {
	if err := checkBlock(head); err != nil {
		return err
	}
	blocks, err := c.chain(head)
	if err != nil {
		return err
	}
	if err := c.allocateBlock(block, false); err != nil {
		return err
	}
	last := blocks[len(blocks)-1]
	if err := c.setNextBlock(last, block); err != nil {
		return err
	}
	if err := c.updateXOR(last); err != nil {
		return err
	}
	count, err := c.saveBlockCount(head)
	if err != nil {
		return err
	}
	if err := c.setSaveBlockCount(head, count+1); err != nil {
		return err
	}
	return c.updateXOR(head)
}

func (c *Card) freeBlock(block int) error {
	offset := headerOffset(block)
	state, err := c.read(offset, 1)
	if err != nil {
		return err
	}
	if err := c.write(offset, []byte{state[0]&0x0f | statusFree}); err != nil {
		return err
	}
	return c.updateXOR(block)
}

// DeleteSave marks a save's head and linked blocks free. Block contents
// are left in place.
func (c *Card) DeleteSave(head int) error {
	if err := checkBlock(head); err != nil {
		return err
	}
	state, err := c.read(headerOffset(head), 1)
	if err != nil {
		return err
	}
	if state[0]&statusUsed != statusUsed {
		return fmt.Errorf("%w: %d", ErrBlockFree, head)
	}
	blocks, err := c.chain(head)
	if err != nil {
		return err
	}
	for i := len(blocks) - 1; i >= 0; i-- {
		if err := c.freeBlock(blocks[i]); err != nil {
			return err
		}
	}
	return nil
}
