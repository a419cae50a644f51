// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Byte-range I/O over whichever block primitive the inserted card implies.
// The card type is re-detected on every call: the card can be swapped
// between calls and the adapter gives no notification.

package mca

import "fmt"

// blockIO binds the geometry and block primitives of the detected card for
// the duration of a single operation.
type blockIO struct {
	geo   Geometry
	read  func(block int) ([]byte, error)
	write func(block int, data []byte) error
}

func (d *Device) resolveCard() (blockIO, error) {
	t, err := d.CardType()
	if err != nil {
		return blockIO{}, err
	}
	switch t {
	case CardPS1:
		geo, _ := GeometryOf(CardPS1)
		return blockIO{geo: geo, read: d.ReadFrame, write: d.WriteFrame}, nil
	case CardPS2:
		geo, _ := GeometryOf(CardPS2)
		return blockIO{geo: geo, read: d.ReadPage, write: d.WritePage}, nil
	}
	return blockIO{}, fmt.Errorf("%w (type 0x%02x)", ErrNoCard, byte(t))
}

// Size returns the total addressable size of the inserted card.
func (d *Device) Size() (int64, error) {
	bio, err := d.resolveCard()
	if err != nil {
		return 0, err
	}
	return bio.geo.TotalSize, nil
}

// BlockSize returns the block size of the inserted card.
func (d *Device) BlockSize() (int, error) {
	bio, err := d.resolveCard()
	if err != nil {
		return 0, err
	}
	return bio.geo.BlockSize, nil
}

// Read returns exactly length bytes starting at offset. Offset and length
// may be arbitrary as long as the range fits on the card.
func (d *Device) Read(offset int64, length int) ([]byte, error) {
	bio, err := d.resolveCard()
	if err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 || offset+int64(length) > bio.geo.TotalSize {
		return nil, fmt.Errorf("%w: read [%d, %d)", ErrOutOfRange, offset, offset+int64(length))
	}

	bs := bio.geo.BlockSize
	block := int(offset / int64(bs))
	start := int(offset % int64(bs))

	out := make([]byte, 0, start+length+bs)
	for len(out) < start+length {
		data, err := bio.read(block)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
		block++
	}
	return out[start : start+length], nil
}

// Write stores data starting at offset, reading back the boundary blocks
// when the range does not start or end on a block boundary.
func (d *Device) Write(offset int64, data []byte) error {
	bio, err := d.resolveCard()
	if err != nil {
		return err
	}
	if offset < 0 || offset+int64(len(data)) > bio.geo.TotalSize {
		return fmt.Errorf("%w: write [%d, %d)", ErrOutOfRange, offset, offset+int64(len(data)))
	}

	bs := bio.geo.BlockSize
	block := int(offset / int64(bs))
	start := int(offset % int64(bs))

	buf := make([]byte, 0, start+len(data)+bs)
	if start > 0 {
		head, err := bio.read(block)
		if err != nil {
			return err
		}
		buf = append(buf, head[:start]...)
	}
	buf = append(buf, data...)

	for len(buf) >= bs {
		if err := bio.write(block, buf[:bs]); err != nil {
			return err
		}
		buf = buf[bs:]
		block++
	}
	if len(buf) > 0 {
		tail, err := bio.read(block)
		if err != nil {
			return err
		}
		buf = append(buf, tail[len(buf):]...)
		if err := bio.write(block, buf); err != nil {
			return err
		}
	}
	return nil
}
