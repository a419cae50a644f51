// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mca

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCard is returned when type detection reports no card, or a card
	// type with no registered geometry.
	ErrNoCard = errors.New("no card present or unknown card type")

	// ErrOutOfRange is returned when a requested byte range exceeds the
	// detected card capacity. Reported before any I/O is attempted.
	ErrOutOfRange = errors.New("requested range exceeds card capacity")

	// ErrAuthenticationFailed is returned when the handshake ran to
	// completion but the adapter still reports unauthenticated state.
	ErrAuthenticationFailed = errors.New("handshake completed but adapter denies authentication")

	// ErrAuthRetriesExhausted is returned when the adapter kept timing out
	// the handshake acknowledgement until the configured retry bound.
	ErrAuthRetriesExhausted = errors.New("authentication retry bound exceeded")
)

// FramingError reports a bulk packet that does not parse as a response:
// wrong marker byte, truncation, or a malformed length prefix. It indicates
// the transport is desynchronized; the caller must reopen the device.
type FramingError struct {
	Reason string
	Packet []byte
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing: %s: % x", e.Reason, e.Packet)
}

// ProtocolError reports a well-framed response that fails a structural
// check. The protocol is undocumented by the vendor, so the offending bytes
// are carried verbatim to make reverse-engineering mismatches diagnosable.
type ProtocolError struct {
	Op    string // command being executed
	Check string // which expectation was violated
	Want  []byte // may be nil when no single expected value exists
	Got   []byte
}

func (e *ProtocolError) Error() string {
	if e.Want == nil {
		return fmt.Sprintf("%s: unexpected %s: % x", e.Op, e.Check, e.Got)
	}
	return fmt.Sprintf("%s: unexpected %s: got % x, want % x", e.Op, e.Check, e.Got, e.Want)
}
