// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements the adapter's bulk framing: command encoding and response
// reassembly. No protocol semantics live here beyond the frame format.

package mca

import (
	"encoding/binary"

	"github.com/psxtools/go-memcard/pkg/usb"
)

const (
	bulkPacketLength = 64

	commandMarker   = 0xaa
	commandTypeLong = 0x42

	responseMarker = 0x55
	statusSuccess  = 0x5a
	// statusDenied doubles as "not authenticated" on the status probe and
	// as "handshake timed out" during the authentication acknowledgement.
	statusDenied = 0xaf
)

type codec struct {
	t usb.Transport
}

// sendShort writes the opcode verbatim behind the command marker, as a
// single bulk transfer. The adapter handles write-side segmentation.
func (c codec) sendShort(op []byte) error {
	buf := make([]byte, 0, 1+len(op))
	buf = append(buf, commandMarker)
	buf = append(buf, op...)
	return c.t.BulkWrite(usb.WriteEndpoint, buf)
}

// sendLong wraps the opcode with the long-command type marker and a
// little-endian 16-bit payload length.
func (c codec) sendLong(op []byte) error {
	buf := make([]byte, 0, 4+len(op))
	buf = append(buf, commandMarker, commandTypeLong)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(op)))
	buf = append(buf, op...)
	return c.t.BulkWrite(usb.WriteEndpoint, buf)
}

// recvPacket reads one raw bulk packet.
func (c codec) recvPacket() ([]byte, error) {
	return c.t.BulkRead(usb.ReadEndpoint, bulkPacketLength)
}

// recvResponse reads one packet and validates the response marker. The
// returned bytes start at the status byte; callers trim to the length they
// expect. A wrong marker is fatal and never retried here: it means the
// transport is desynchronized.
func (c codec) recvResponse() ([]byte, error) {
	pkt, err := c.recvPacket()
	if err != nil {
		return nil, err
	}
	if len(pkt) < 2 || pkt[0] != responseMarker {
		return nil, &FramingError{Reason: "not a valid response packet", Packet: pkt}
	}
	return pkt[1:], nil
}

// recvLong reads a long response: a first packet with status and a
// little-endian 16-bit declared payload length, followed by raw
// continuation packets (no marker, no status) until the declared length is
// accumulated. On a non-success status the payload is empty. The payload is
// trimmed to the declared length.
func (c codec) recvLong() (status byte, payload []byte, err error) {
	resp, err := c.recvResponse()
	if err != nil {
		return 0, nil, err
	}
	status = resp[0]
	if status != statusSuccess {
		return status, nil, nil
	}
	if len(resp) < 3 {
		return 0, nil, &FramingError{Reason: "long response lacks length prefix", Packet: resp}
	}
	declared := int(binary.LittleEndian.Uint16(resp[1:3]))
	data := append([]byte(nil), resp[3:]...)
	for len(data) < declared {
		pkt, err := c.recvPacket()
		if err != nil {
			return 0, nil, err
		}
		if len(pkt) == 0 {
			return 0, nil, &FramingError{
				Reason: "empty continuation packet mid long response",
				Packet: data,
			}
		}
		data = append(data, pkt...)
	}
	return status, data[:declared], nil
}
