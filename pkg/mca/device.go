// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mca implements the host-side protocol of the PlayStation memory
// card USB adapter: command framing, the reverse-engineered command set,
// byte-range block I/O over PS1 frames or PS2 pages, and the stateful
// challenge-response authentication handshake.
//
// The protocol is strictly sequential request/response. A Device owns its
// transport exclusively; concurrent callers must serialize around it, since
// the adapter cannot disambiguate interleaved commands.
package mca

import (
	"github.com/psxtools/go-memcard/pkg/usb"
)

// SeedLength is the size of the adapter's random seed and of each of the
// three answer blocks derived from it.
const SeedLength = 9

// DefaultAuthRetryLimit bounds how many times an authentication attempt is
// restarted after the adapter times out the acknowledgement step.
const DefaultAuthRetryLimit = 16

// Authenticator is the external collaborator that converts the adapter's
// random seed into the three answer blocks the handshake sends back. The
// computation itself is out of scope for this package.
type Authenticator interface {
	// ComputeAnswers derives the three answer blocks from a SeedLength-byte
	// seed. Each block must be SeedLength bytes.
	ComputeAnswers(seed []byte) ([3][]byte, error)
}

// Device drives one memory card adapter.
type Device struct {
	c              codec
	auth           Authenticator
	authRetryLimit int
}

type DeviceOpt func(d *Device)

// WithAuthRetryLimit sets the number of timeout-triggered handshake
// restarts allowed per Authenticate call. A negative value retries forever,
// which is how the adapter was originally driven; opting into it risks an
// infinite loop against a persistently misbehaving device.
func WithAuthRetryLimit(n int) DeviceOpt {
	return func(d *Device) {
		d.authRetryLimit = n
	}
}

// NewDevice wraps an open transport. The authenticator is only exercised
// when a PS2 card requires the handshake; it may be nil for PS1-only use.
func NewDevice(t usb.Transport, auth Authenticator, opts ...DeviceOpt) *Device {
	d := &Device{
		c:              codec{t: t},
		auth:           auth,
		authRetryLimit: DefaultAuthRetryLimit,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}
