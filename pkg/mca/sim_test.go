// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// A wire-level simulator of the memory card adapter. It parses the framed
// commands the driver writes and queues the 64-byte response packets a real
// adapter would produce, including multi-packet long responses and the
// authentication handshake with optional acknowledgement timeouts.

package mca

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

type simCard struct {
	typ       CardType
	blockSize int
	blocks    map[int][]byte
}

func newSimCard(typ CardType) *simCard {
	geo, ok := GeometryOf(typ)
	if !ok {
		return &simCard{typ: typ}
	}
	return &simCard{typ: typ, blockSize: geo.BlockSize, blocks: map[int][]byte{}}
}

func (c *simCard) readBlock(n int) []byte {
	if b, ok := c.blocks[n]; ok {
		return append([]byte(nil), b...)
	}
	return make([]byte, c.blockSize)
}

func (c *simCard) writeBlock(n int, data []byte) {
	c.blocks[n] = append([]byte(nil), data...)
}

// simAdapter implements usb.Transport.
type simAdapter struct {
	card *simCard

	// Answer blocks the simulated challenge accepts. ComputeAnswers of the
	// paired simAuthenticator returns these.
	answers [3][]byte
	seed    []byte

	// Number of times the acknowledgement step (seq 5) responds with a
	// denied status before succeeding.
	ackTimeouts int
	// Whether the adapter grants authenticated state once a handshake runs
	// to completion.
	acceptAuth    bool
	authenticated bool

	queue [][]byte // pending response packets
	log   []string // one entry per command received
	errs  []error
}

func newSimAdapter(typ CardType) *simAdapter {
	return &simAdapter{
		card:       newSimCard(typ),
		seed:       []byte{0x10, 0x21, 0x32, 0x43, 0x54, 0x65, 0x76, 0x87, 0x98},
		answers:    [3][]byte{bytes.Repeat([]byte{0xa1}, 9), bytes.Repeat([]byte{0xb2}, 9), bytes.Repeat([]byte{0xc3}, 9)},
		acceptAuth: true,
	}
}

func (s *simAdapter) failf(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	s.errs = append(s.errs, err)
	return err
}

func (s *simAdapter) Close() error { return nil }

func (s *simAdapter) BulkRead(endpoint int, maxLen int) ([]byte, error) {
	if len(s.queue) == 0 {
		return nil, s.failf("bulk read with no pending response")
	}
	pkt := s.queue[0]
	s.queue = s.queue[1:]
	if len(pkt) > maxLen {
		pkt = pkt[:maxLen]
	}
	return pkt, nil
}

func (s *simAdapter) BulkWrite(endpoint int, data []byte) error {
	if len(data) < 2 || data[0] != commandMarker {
		return s.failf("not a command: % x", data)
	}
	if data[1] == commandTypeLong {
		if len(data) < 4 {
			return s.failf("truncated long command: % x", data)
		}
		declared := int(binary.LittleEndian.Uint16(data[2:4]))
		op := data[4:]
		if len(op) != declared {
			return s.failf("long command length prefix %d != payload %d", declared, len(op))
		}
		return s.handleLong(op)
	}
	return s.handleShort(data[1:])
}

// respondShort queues a single packet carrying raw bytes behind the marker.
func (s *simAdapter) respondShort(b ...byte) {
	s.queue = append(s.queue, append([]byte{responseMarker}, b...))
}

// respondStatus queues a long-response failure: marker and status only.
func (s *simAdapter) respondStatus(status byte) {
	s.queue = append(s.queue, []byte{responseMarker, status})
}

// respondLong queues a successful long response, splitting the payload
// across continuation packets the way the adapter does.
func (s *simAdapter) respondLong(payload []byte) {
	first := []byte{responseMarker, statusSuccess}
	first = binary.LittleEndian.AppendUint16(first, uint16(len(payload)))
	n := len(payload)
	if n > bulkPacketLength-4 {
		n = bulkPacketLength - 4
	}
	first = append(first, payload[:n]...)
	s.queue = append(s.queue, first)
	for rest := payload[n:]; len(rest) > 0; {
		n := len(rest)
		if n > bulkPacketLength {
			n = bulkPacketLength
		}
		s.queue = append(s.queue, rest[:n])
		rest = rest[n:]
	}
}

// stuffed prefixes real payload bytes with a 0xFF stuffing run.
func stuffed(stuffing int, real ...byte) []byte {
	return append(bytes.Repeat([]byte{0xff}, stuffing), real...)
}

func (s *simAdapter) handleShort(op []byte) error {
	switch {
	case len(op) == 1 && op[0] == 0x40:
		s.log = append(s.log, "cardtype")
		s.respondShort(byte(s.card.typ))
		return nil

	case len(op) == 8 && op[0] == 0x52 && op[1] == 0x03:
		page := int(binary.LittleEndian.Uint32(op[2:6]))
		if !bytes.Equal(op[6:8], []byte{0x55, 0x2b}) {
			return s.failf("read page suffix: % x", op[6:8])
		}
		s.log = append(s.log, fmt.Sprintf("readpage:%d", page))
		if !s.authenticated {
			s.respondStatus(statusDenied)
			return nil
		}
		s.respondLong(s.card.readBlock(page))
		return nil

	case len(op) == 8+PageLength && op[0] == 0x57 && op[1] == 0x03:
		page := int(binary.LittleEndian.Uint32(op[2:6]))
		if !bytes.Equal(op[6+PageLength:], []byte{0x55, 0x2b}) {
			return s.failf("write page suffix: % x", op[6+PageLength:])
		}
		s.log = append(s.log, fmt.Sprintf("writepage:%d", page))
		if !s.authenticated {
			s.respondShort(statusDenied)
			return nil
		}
		s.card.writeBlock(page, op[6:6+PageLength])
		s.respondShort(statusSuccess)
		return nil
	}
	return s.failf("unrecognized short command: % x", op)
}

func (s *simAdapter) handleLong(op []byte) error {
	if len(op) < 2 || op[0] != 0x81 {
		return s.failf("unrecognized long command: % x", op)
	}
	switch op[1] {
	case 0x11:
		s.log = append(s.log, "isauth")
		if s.authenticated {
			s.respondLong(stuffed(2, 0x2b, 0x55))
		} else {
			s.respondStatus(statusDenied)
		}
		return nil

	case 0x52: // read frame
		if len(op) != 6+0x86 {
			return s.failf("read frame command length %d", len(op))
		}
		frame := int(binary.BigEndian.Uint16(op[4:6]))
		s.log = append(s.log, fmt.Sprintf("readframe:%d", frame))
		payload := []byte{0xff, 0x00, 0x5a, 0x5d, 0x00, 0x00, 0x5c, 0x5d}
		payload = binary.BigEndian.AppendUint16(payload, uint16(frame))
		payload = append(payload, s.card.readBlock(frame)...)
		payload = append(payload, 0xde, 0xad) // checksum, not modeled
		s.respondLong(payload)
		return nil

	case 0x57: // write frame
		if len(op) != 6+FrameLength+4 {
			return s.failf("write frame command length %d", len(op))
		}
		frame := int(binary.BigEndian.Uint16(op[4:6]))
		data := op[6 : 6+FrameLength]
		if !bytes.Equal(op[6+FrameLength+1:], []byte{0x5c, 0x5d, 0x47}) {
			return s.failf("write frame trailer: % x", op[6+FrameLength+1:])
		}
		s.log = append(s.log, fmt.Sprintf("writeframe:%d", frame))
		s.card.writeBlock(frame, data)
		payload := []byte{0xff, 0x00, 0x5a, 0x5d, 0x00}
		payload = binary.BigEndian.AppendUint16(payload, uint16(frame))
		payload = append(payload, data...)
		// The trailer varies on real hardware because the host sends an
		// uncomputed checksum. Vary it here so tolerance is exercised.
		payload = append(payload, 0x5c, byte(frame), 0x99)
		s.respondLong(payload)
		return nil

	case 0xf0:
		return s.handle81F0(op)

	case 0xf3:
		s.log = append(s.log, "81f3")
		s.respondLong(stuffed(2, 0x2b, 0xff))
		return nil

	case 0xf7:
		s.log = append(s.log, "81f7")
		s.respondLong(stuffed(2, 0x2b, 0xff))
		return nil

	case 0x28:
		s.log = append(s.log, "8128")
		s.respondLong(stuffed(2, 0x2b, 0xff, 0xff))
		return nil

	case 0x27:
		s.log = append(s.log, "8127")
		s.respondLong(stuffed(2, 0x2b, 0x55))
		return nil

	case 0x26:
		s.log = append(s.log, "8126")
		s.respondLong(stuffed(3, 0x2b, 1, 2, 3, 4, 5, 6, 7, 8, 9, 0x55))
		// Completing the finalizing probes is where the simulated adapter
		// decides the handshake outcome.
		if s.acceptAuth {
			s.authenticated = true
		}
		return nil

	case 0x58:
		s.log = append(s.log, "8158")
		s.respondStatus(statusDenied)
		return nil
	}
	return s.failf("unrecognized long command: % x", op)
}

func (s *simAdapter) handle81F0(op []byte) error {
	if len(op) < 3 {
		return s.failf("81f0 without sequence number")
	}
	seq := op[2]
	s.log = append(s.log, fmt.Sprintf("81f0:%02x", seq))
	tail := op[3:]

	switch seq {
	case 1, 2: // adapter serial
		s.respondLong(stuffed(4, append(append([]byte{0x2b}, bytes.Repeat([]byte{0x5e}, 9)...), 0xff)...))
	case 4: // challenge seed
		s.respondLong(stuffed(4, append(append([]byte{0x2b}, s.seed...), 0xff)...))
	case 5: // acknowledgement, where timeouts surface
		if s.ackTimeouts > 0 {
			s.ackTimeouts--
			s.respondStatus(statusDenied)
			return nil
		}
		s.respondLong(stuffed(2, 0x2b, 0xff))
	case 6, 7, 0x0b: // answer blocks
		if len(tail) != SeedLength+2 {
			return s.failf("81f0 seq %#x answer length %d", seq, len(tail))
		}
		idx := map[byte]int{6: 0, 7: 1, 0x0b: 2}[seq]
		if !bytes.Equal(tail[:SeedLength], s.answers[idx]) {
			s.acceptAuth = false
		}
		s.respondLong(stuffed(2, 0x2b, 0xff))
	case 0x0f, 0x11, 0x13: // device-auth blocks
		s.respondLong(stuffed(4, append(append([]byte{0x2b}, bytes.Repeat([]byte{0xd0 + seq}, 9)...), 0xff)...))
	default: // plain probes: 0, 3, 8, 9, 0xa, 0xc, 0xd, 0xe, 0x10, 0x12, 0x14
		s.respondLong(stuffed(2, 0x2b, 0xff))
	}
	return nil
}

// simAuthenticator returns the answers the paired simAdapter accepts,
// unless an override is set.
type simAuthenticator struct {
	sim      *simAdapter
	override *[3][]byte
	seeds    [][]byte // seeds observed, for test assertions
	computes int
}

func (a *simAuthenticator) ComputeAnswers(seed []byte) ([3][]byte, error) {
	a.computes++
	a.seeds = append(a.seeds, append([]byte(nil), seed...))
	if a.override != nil {
		return *a.override, nil
	}
	return a.sim.answers, nil
}
