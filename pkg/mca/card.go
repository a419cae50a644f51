// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mca

import "fmt"

// CardType is the value reported by the adapter's type-detection command.
type CardType byte

const (
	CardNone CardType = 0
	CardPS1  CardType = 1
	CardPS2  CardType = 2
)

func (t CardType) String() string {
	switch t {
	case CardNone:
		return "none"
	case CardPS1:
		return "PS1"
	case CardPS2:
		return "PS2"
	}
	return fmt.Sprintf("unknown(0x%02x)", byte(t))
}

const (
	// FrameLength is the PS1 storage block size.
	FrameLength = 0x80
	// PS1CardSize is the total addressable size of a PS1 card (1024 frames).
	PS1CardSize = 0x20000

	// PageLength is the PS2 storage block size.
	PageLength = 0x210
	// PS2CardSize is the total addressable size of a PS2 card.
	PS2CardSize = 0x840210
)

// Geometry describes the block layout of a card type. Card geometries are
// protocol constants, not negotiated.
type Geometry struct {
	BlockSize int
	TotalSize int64
}

// GeometryOf returns the geometry for a detected card type. The second
// return value is false for CardNone and any unrecognized type.
func GeometryOf(t CardType) (Geometry, bool) {
	switch t {
	case CardPS1:
		return Geometry{BlockSize: FrameLength, TotalSize: PS1CardSize}, true
	case CardPS2:
		return Geometry{BlockSize: PageLength, TotalSize: PS2CardSize}, true
	}
	return Geometry{}, false
}
