// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mca

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// simDevice builds a device over a simulated card whose first blocks hold a
// recognizable pattern, plus a flat reference image of those blocks.
func simDevice(t *testing.T, typ CardType, patternBlocks int) (*Device, *simAdapter, []byte) {
	t.Helper()
	sim := newSimAdapter(typ)
	d := NewDevice(sim, &simAuthenticator{sim: sim})
	bs := sim.card.blockSize
	image := make([]byte, patternBlocks*bs)
	for i := range image {
		image[i] = byte((i*31 + i/257) ^ (i >> 8))
	}
	for b := 0; b < patternBlocks; b++ {
		sim.card.writeBlock(b, image[b*bs:(b+1)*bs])
	}
	return d, sim, image
}

func TestReadExactLength(t *testing.T) {
	for _, typ := range []CardType{CardPS1, CardPS2} {
		t.Run(typ.String(), func(t *testing.T) {
			d, _, image := simDevice(t, typ, 5)
			rng := rand.New(rand.NewSource(1))
			for i := 0; i < 50; i++ {
				offset := rng.Int63n(int64(len(image) - 1))
				length := rng.Intn(len(image) - int(offset))
				got, err := d.Read(offset, length)
				if err != nil {
					t.Fatalf("Read(%d, %d): %v", offset, length, err)
				}
				if len(got) != length {
					t.Fatalf("Read(%d, %d) returned %d bytes", offset, length, len(got))
				}
				if !bytes.Equal(got, image[offset:int(offset)+length]) {
					t.Fatalf("Read(%d, %d) content mismatch", offset, length)
				}
			}
		})
	}
}

func TestReadStraddlesBlocks(t *testing.T) {
	// A read spanning blocks k..k+m must equal the concatenation of the
	// full-block reads trimmed at both ends.
	for _, typ := range []CardType{CardPS1, CardPS2} {
		t.Run(typ.String(), func(t *testing.T) {
			d, sim, _ := simDevice(t, typ, 6)
			bs := sim.card.blockSize

			offset := int64(bs + bs/3)
			length := 3*bs + bs/2
			got, err := d.Read(offset, length)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}

			var whole []byte
			for b := 1; b <= 5; b++ {
				whole = append(whole, sim.card.readBlock(b)...)
			}
			want := whole[bs/3 : bs/3+length]
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("straddling read mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	for _, typ := range []CardType{CardPS1, CardPS2} {
		t.Run(typ.String(), func(t *testing.T) {
			d, sim, _ := simDevice(t, typ, 8)
			bs := sim.card.blockSize
			rng := rand.New(rand.NewSource(2))

			for i := 0; i < 25; i++ {
				offset := rng.Int63n(int64(4 * bs))
				data := make([]byte, 1+rng.Intn(3*bs))
				rng.Read(data)
				if err := d.Write(offset, data); err != nil {
					t.Fatalf("Write(%d, %d bytes): %v", offset, len(data), err)
				}
				got, err := d.Read(offset, len(data))
				if err != nil {
					t.Fatalf("Read back: %v", err)
				}
				if !bytes.Equal(got, data) {
					t.Fatalf("round trip mismatch at offset %d length %d", offset, len(data))
				}
			}
		})
	}
}

func TestUnalignedWritePreservesNeighbors(t *testing.T) {
	for _, typ := range []CardType{CardPS1, CardPS2} {
		t.Run(typ.String(), func(t *testing.T) {
			d, sim, image := simDevice(t, typ, 4)
			bs := sim.card.blockSize

			// Straddle the block 1/2 boundary without touching either edge.
			offset := int64(bs + bs/2)
			data := bytes.Repeat([]byte{0xee}, bs)
			if err := d.Write(offset, data); err != nil {
				t.Fatalf("Write: %v", err)
			}

			want := append([]byte(nil), image...)
			copy(want[offset:], data)
			var got []byte
			for b := 0; b < 4; b++ {
				got = append(got, sim.card.readBlock(b)...)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("bytes outside the written range changed (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOutOfRange(t *testing.T) {
	for _, typ := range []CardType{CardPS1, CardPS2} {
		t.Run(typ.String(), func(t *testing.T) {
			d, sim, _ := simDevice(t, typ, 1)
			geo, _ := GeometryOf(typ)

			if _, err := d.Read(geo.TotalSize-1, 2); !errors.Is(err, ErrOutOfRange) {
				t.Errorf("Read past end: err = %v, want ErrOutOfRange", err)
			}
			if err := d.Write(geo.TotalSize-1, []byte{0, 0}); !errors.Is(err, ErrOutOfRange) {
				t.Errorf("Write past end: err = %v, want ErrOutOfRange", err)
			}
			// The range check happens before any block I/O.
			for _, op := range sim.log {
				if op != "cardtype" && op != "isauth" {
					t.Fatalf("out-of-range request reached the card: %v", sim.log)
				}
			}

			// The exact boundary is valid.
			if _, err := d.Read(geo.TotalSize-10, 10); err != nil {
				t.Errorf("Read at boundary: %v", err)
			}
		})
	}
}

func TestNoCard(t *testing.T) {
	sim := newSimAdapter(CardNone)
	d := NewDevice(sim, nil)
	if _, err := d.Read(0, 16); !errors.Is(err, ErrNoCard) {
		t.Errorf("Read with no card: err = %v, want ErrNoCard", err)
	}
	if err := d.Write(0, make([]byte, 16)); !errors.Is(err, ErrNoCard) {
		t.Errorf("Write with no card: err = %v, want ErrNoCard", err)
	}
	if _, err := d.Size(); !errors.Is(err, ErrNoCard) {
		t.Errorf("Size with no card: err = %v, want ErrNoCard", err)
	}
}

func TestCardTypeRedetectedPerCall(t *testing.T) {
	d, sim, _ := simDevice(t, CardPS1, 1)
	if _, err := d.Read(0, 8); err != nil {
		t.Fatalf("Read: %v", err)
	}
	// Swap the card out between calls; the next operation must notice.
	sim.card = newSimCard(CardNone)
	if _, err := d.Read(0, 8); !errors.Is(err, ErrNoCard) {
		t.Errorf("Read after card swap: err = %v, want ErrNoCard", err)
	}
}

func TestSizeAndBlockSize(t *testing.T) {
	testCases := []struct {
		typ       CardType
		size      int64
		blockSize int
	}{
		{CardPS1, PS1CardSize, FrameLength},
		{CardPS2, PS2CardSize, PageLength},
	}
	for _, tc := range testCases {
		t.Run(tc.typ.String(), func(t *testing.T) {
			sim := newSimAdapter(tc.typ)
			d := NewDevice(sim, nil)
			size, err := d.Size()
			if err != nil || size != tc.size {
				t.Errorf("Size = (%d, %v), want %d", size, err, tc.size)
			}
			bs, err := d.BlockSize()
			if err != nil || bs != tc.blockSize {
				t.Errorf("BlockSize = (%d, %v), want %d", bs, err, tc.blockSize)
			}
		})
	}
}
