// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements the adapter's reverse-engineered command set. Every operation
// is one command write followed by one (possibly multi-packet) response
// read; structural mismatches are fatal for the call, except where a denied
// status is a documented alternate outcome.

package mca

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ps1CommandTail pads the frame-read command to the 0x8C-byte shape the
// adapter expects.
var ps1CommandTail = make([]byte, 0x86)

// padCommand appends the zero padding several commands carry.
func padCommand(op []byte, padding int) []byte {
	return append(append(make([]byte, 0, len(op)+padding), op...), make([]byte, padding)...)
}

// stripStuffing validates the leading 0xFF stuffing run of a response and
// returns the trailing keep bytes of real payload.
func stripStuffing(op string, payload []byte, keep int) ([]byte, error) {
	if len(payload) < keep {
		return nil, &ProtocolError{Op: op, Check: "stuffed payload too short", Got: payload}
	}
	stuffing := payload[:len(payload)-keep]
	for _, b := range stuffing {
		if b != 0xff {
			return nil, &ProtocolError{Op: op, Check: "stuffing", Got: stuffing}
		}
	}
	return payload[len(payload)-keep:], nil
}

// CardType queries which kind of card, if any, is inserted in the adapter.
func (d *Device) CardType() (CardType, error) {
	const op = "get card type"
	if err := d.c.sendShort([]byte{0x40}); err != nil {
		return CardNone, err
	}
	resp, err := d.c.recvResponse()
	if err != nil {
		return CardNone, err
	}
	if len(resp) != 1 {
		return CardNone, &ProtocolError{Op: op, Check: "response length", Got: resp}
	}
	return CardType(resp[0]), nil
}

// IsAuthenticated probes whether the adapter grants full access. False
// means the adapter is in limited mode (PS1 cards only); it is a meaningful
// outcome, not an error.
func (d *Device) IsAuthenticated() (bool, error) {
	const op = "authentication status"
	if err := d.c.sendLong(padCommand([]byte{0x81, 0x11}, 2)); err != nil {
		return false, err
	}
	status, payload, err := d.c.recvLong()
	if err != nil {
		return false, err
	}
	if status == statusDenied {
		return false, nil
	}
	if status != statusSuccess {
		return false, &ProtocolError{Op: op, Check: "status", Want: []byte{statusSuccess}, Got: []byte{status}}
	}
	sentinel, err := stripStuffing(op, payload, 2)
	if err != nil {
		return false, err
	}
	if !bytes.Equal(sentinel, []byte{0x2b, 0x55}) {
		return false, &ProtocolError{Op: op, Check: "sentinel", Want: []byte{0x2b, 0x55}, Got: sentinel}
	}
	return true, nil
}

// ReadFrame reads one PS1 frame.
func (d *Device) ReadFrame(frame int) ([]byte, error) {
	op := fmt.Sprintf("read frame %d", frame)
	cmd := make([]byte, 0, 6+len(ps1CommandTail))
	cmd = append(cmd, 0x81, 0x52, 0x00, 0x00)
	cmd = binary.BigEndian.AppendUint16(cmd, uint16(frame))
	cmd = append(cmd, ps1CommandTail...)
	if err := d.c.sendLong(cmd); err != nil {
		return nil, err
	}
	status, payload, err := d.c.recvLong()
	if err != nil {
		return nil, err
	}
	if status != statusSuccess {
		return nil, &ProtocolError{Op: op, Check: "status", Want: []byte{statusSuccess}, Got: []byte{status}}
	}
	// The 10-byte header is not validated: reference dumps show its second
	// byte varies (0x00 or 0x08). The 2-byte trailer looks like a checksum
	// and is discarded.
	if len(payload) != 10+FrameLength+2 {
		return nil, &ProtocolError{Op: op, Check: "payload length", Got: payload}
	}
	return payload[10 : 10+FrameLength], nil
}

// WriteFrame writes one PS1 frame. The checksum byte is sent as zero; the
// adapter commits the data regardless, but the uncomputed checksum makes
// the last 3 response bytes vary, so those are deliberately not validated.
func (d *Device) WriteFrame(frame int, data []byte) error {
	op := fmt.Sprintf("write frame %d", frame)
	if len(data) != FrameLength {
		return &ProtocolError{Op: op, Check: "frame data length", Got: data}
	}
	cmd := make([]byte, 0, 6+FrameLength+4)
	cmd = append(cmd, 0x81, 0x57, 0x5a, 0x5d)
	cmd = binary.BigEndian.AppendUint16(cmd, uint16(frame))
	cmd = append(cmd, data...)
	cmd = append(cmd, 0x00)             // checksum, accepted uncomputed
	cmd = append(cmd, 0x5c, 0x5d, 0x47) // trailer
	if err := d.c.sendLong(cmd); err != nil {
		return err
	}
	status, payload, err := d.c.recvLong()
	if err != nil {
		return err
	}
	if status != statusSuccess {
		return &ProtocolError{Op: op, Check: "status", Want: []byte{statusSuccess}, Got: []byte{status}}
	}
	if len(payload) < 10 {
		return &ProtocolError{Op: op, Check: "payload length", Got: payload}
	}
	if !bytes.Equal(payload[:4], []byte{0xff, 0x00, 0x5a, 0x5d}) || payload[4] != 0x00 {
		return &ProtocolError{Op: op, Check: "echoed header", Want: []byte{0xff, 0x00, 0x5a, 0x5d, 0x00}, Got: payload[:5]}
	}
	frameNo := binary.BigEndian.AppendUint16(nil, uint16(frame))
	if !bytes.Equal(payload[5:7], frameNo) {
		return &ProtocolError{Op: op, Check: "echoed frame number", Want: frameNo, Got: payload[5:7]}
	}
	if !bytes.Equal(payload[7:len(payload)-3], data) {
		return &ProtocolError{Op: op, Check: "echoed frame data", Want: data, Got: payload[7 : len(payload)-3]}
	}
	return nil
}

// ReadPage reads one PS2 page, authenticating first if needed.
func (d *Device) ReadPage(page int) ([]byte, error) {
	op := fmt.Sprintf("read page %d", page)
	if err := d.Authenticate(); err != nil {
		return nil, err
	}
	cmd := make([]byte, 0, 8)
	cmd = append(cmd, 0x52, 0x03)
	cmd = binary.LittleEndian.AppendUint32(cmd, uint32(page))
	cmd = append(cmd, 0x55, 0x2b)
	if err := d.c.sendShort(cmd); err != nil {
		return nil, err
	}
	status, payload, err := d.c.recvLong()
	if err != nil {
		return nil, err
	}
	if status != statusSuccess {
		return nil, &ProtocolError{Op: op, Check: "status", Want: []byte{statusSuccess}, Got: []byte{status}}
	}
	if len(payload) != PageLength {
		return nil, &ProtocolError{Op: op, Check: "payload length", Got: payload}
	}
	return payload, nil
}

// WritePage writes one PS2 page, authenticating first if needed.
func (d *Device) WritePage(page int, data []byte) error {
	op := fmt.Sprintf("write page %d", page)
	if len(data) != PageLength {
		return &ProtocolError{Op: op, Check: "page data length", Got: data}
	}
	if err := d.Authenticate(); err != nil {
		return err
	}
	cmd := make([]byte, 0, 8+PageLength)
	cmd = append(cmd, 0x57, 0x03)
	cmd = binary.LittleEndian.AppendUint32(cmd, uint32(page))
	cmd = append(cmd, data...)
	cmd = append(cmd, 0x55, 0x2b)
	if err := d.c.sendShort(cmd); err != nil {
		return err
	}
	resp, err := d.c.recvResponse()
	if err != nil {
		return err
	}
	if len(resp) != 1 || resp[0] != statusSuccess {
		return &ProtocolError{Op: op, Check: "status", Want: []byte{statusSuccess}, Got: resp}
	}
	return nil
}

// The 0x81F0 family below carries the authentication handshake. The
// sequence number orders the exchange; the semantics of most steps are
// unknown beyond "must be sent in this order".

// cmd81F0 issues a bare 0x81F0 step. A denied status reports false, which
// at the acknowledgement step (seq 5) means the adapter timed out the
// handshake; any success response must carry the fixed sentinel.
func (d *Device) cmd81F0(seq byte) (bool, error) {
	op := fmt.Sprintf("81f0 step 0x%02x", seq)
	if err := d.c.sendLong(padCommand([]byte{0x81, 0xf0, seq}, 2)); err != nil {
		return false, err
	}
	status, payload, err := d.c.recvLong()
	if err != nil {
		return false, err
	}
	if status != statusSuccess {
		return false, nil
	}
	sentinel, err := stripStuffing(op, payload, 2)
	if err != nil {
		return false, err
	}
	if !bytes.Equal(sentinel, []byte{0x2b, 0xff}) {
		return false, &ProtocolError{Op: op, Check: "sentinel", Want: []byte{0x2b, 0xff}, Got: sentinel}
	}
	return true, nil
}

// recv81F0 issues a 0x81F0 step whose response carries length payload bytes
// between the 0x2B/0xFF sentinels.
func (d *Device) recv81F0(seq byte, length int) ([]byte, error) {
	op := fmt.Sprintf("81f0 recv 0x%02x", seq)
	padding := length + 2
	if err := d.c.sendLong(padCommand([]byte{0x81, 0xf0, seq}, padding)); err != nil {
		return nil, err
	}
	status, payload, err := d.c.recvLong()
	if err != nil {
		return nil, err
	}
	if status != statusSuccess {
		return nil, &ProtocolError{Op: op, Check: "status", Want: []byte{statusSuccess}, Got: []byte{status}}
	}
	resp, err := stripStuffing(op, payload, padding)
	if err != nil {
		return nil, err
	}
	if resp[0] != 0x2b || resp[len(resp)-1] != 0xff {
		return nil, &ProtocolError{Op: op, Check: "sentinel", Got: resp}
	}
	return resp[1 : len(resp)-1], nil
}

// send81F0 issues a 0x81F0 step carrying a SeedLength-byte answer block.
func (d *Device) send81F0(seq byte, data []byte) error {
	op := fmt.Sprintf("81f0 send 0x%02x", seq)
	if len(data) != SeedLength {
		return &ProtocolError{Op: op, Check: "answer block length", Got: data}
	}
	cmd := append([]byte{0x81, 0xf0, seq}, data...)
	if err := d.c.sendLong(padCommand(cmd, 2)); err != nil {
		return err
	}
	status, payload, err := d.c.recvLong()
	if err != nil {
		return err
	}
	if status != statusSuccess {
		return &ProtocolError{Op: op, Check: "status", Want: []byte{statusSuccess}, Got: []byte{status}}
	}
	sentinel, err := stripStuffing(op, payload, 2)
	if err != nil {
		return err
	}
	if !bytes.Equal(sentinel, []byte{0x2b, 0xff}) {
		return &ProtocolError{Op: op, Check: "sentinel", Want: []byte{0x2b, 0xff}, Got: sentinel}
	}
	return nil
}

// getRandomNumber fetches the adapter's 9-byte authentication seed.
func (d *Device) getRandomNumber() ([]byte, error) {
	return d.recv81F0(4, SeedLength)
}

// expectSentinel issues a fixed-shape probe and validates its sentinel run.
func (d *Device) expectSentinel(op string, cmd []byte, keep int, want []byte) ([]byte, error) {
	if err := d.c.sendLong(cmd); err != nil {
		return nil, err
	}
	status, payload, err := d.c.recvLong()
	if err != nil {
		return nil, err
	}
	if status != statusSuccess {
		return nil, &ProtocolError{Op: op, Check: "status", Want: []byte{statusSuccess}, Got: []byte{status}}
	}
	resp, err := stripStuffing(op, payload, keep)
	if err != nil {
		return nil, err
	}
	if want != nil && !bytes.Equal(resp, want) {
		return nil, &ProtocolError{Op: op, Check: "sentinel", Want: want, Got: resp}
	}
	return resp, nil
}

func (d *Device) cmd81F3() error {
	_, err := d.expectSentinel("probe 81f3", padCommand([]byte{0x81, 0xf3, 0x00}, 2), 2, []byte{0x2b, 0xff})
	return err
}

func (d *Device) cmd81F7() error {
	_, err := d.expectSentinel("probe 81f7", padCommand([]byte{0x81, 0xf7, 0x01}, 2), 2, []byte{0x2b, 0xff})
	return err
}

func (d *Device) cmd8128() error {
	_, err := d.expectSentinel("probe 8128", padCommand([]byte{0x81, 0x28}, 3), 3, []byte{0x2b, 0xff, 0xff})
	return err
}

func (d *Device) cmd8127() error {
	_, err := d.expectSentinel("probe 8127", padCommand([]byte{0x81, 0x27, 0x55}, 2), 2, []byte{0x2b, 0x55})
	return err
}

func (d *Device) cmd8126() ([]byte, error) {
	const op = "probe 8126"
	resp, err := d.expectSentinel(op, padCommand([]byte{0x81, 0x26}, 11), 11, nil)
	if err != nil {
		return nil, err
	}
	if resp[0] != 0x2b || resp[len(resp)-1] != 0x55 {
		return nil, &ProtocolError{Op: op, Check: "sentinel", Got: resp}
	}
	return resp[1 : len(resp)-1], nil
}

// cmd8158 is the one probe whose expected outcome is a denied status.
func (d *Device) cmd8158() error {
	const op = "probe 8158"
	if err := d.c.sendLong([]byte{0x81, 0x58, 0x00, 0x00, 0x00}); err != nil {
		return err
	}
	status, _, err := d.c.recvLong()
	if err != nil {
		return err
	}
	if status != statusDenied {
		return &ProtocolError{Op: op, Check: "status", Want: []byte{statusDenied}, Got: []byte{status}}
	}
	return nil
}
