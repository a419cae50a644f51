// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Implements the adapter's challenge-response authentication handshake.
// The meaning of most steps is unknown; what matters is that they are
// issued in this exact order and fast enough for the adapter's timeout
// window. PS2 card access is refused until the handshake completes.

package mca

import (
	"fmt"
	"log"
)

// Authenticate unlocks full card access. It returns immediately if the
// adapter already reports authenticated state. When the adapter times out
// the acknowledgement step it signals a denied status; the whole sequence
// is then restarted from the top, up to the configured retry limit.
func (d *Device) Authenticate() error {
	for attempt := 0; d.authRetryLimit < 0 || attempt <= d.authRetryLimit; attempt++ {
		ok, err := d.IsAuthenticated()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		timedOut, err := d.authAttempt()
		if err != nil {
			return err
		}
		if timedOut {
			log.Printf("mca: authentication acknowledgement timed out, restarting handshake (attempt %d)", attempt+1)
			continue
		}

		ok, err = d.IsAuthenticated()
		if err != nil {
			return err
		}
		if !ok {
			// The sequence ran to completion but the adapter still says no.
			// Restarting will not help.
			return ErrAuthenticationFailed
		}
		return nil
	}
	return fmt.Errorf("%w (%d restarts)", ErrAuthRetriesExhausted, d.authRetryLimit)
}

// authAttempt runs one pass of the handshake. timedOut reports the adapter
// abandoning the attempt at the acknowledgement step, which is the
// documented retry path rather than an error.
func (d *Device) authAttempt() (timedOut bool, err error) {
	if d.auth == nil {
		return false, fmt.Errorf("authentication required but no authenticator configured")
	}

	// Priming probes.
	if err := d.cmd81F3(); err != nil {
		return false, err
	}
	if err := d.cmd81F7(); err != nil {
		return false, err
	}
	if _, err := d.cmd81F0(0); err != nil {
		return false, err
	}
	// Adapter serial, perhaps. The values are unused but the reads must
	// happen to keep the sequence numbers aligned.
	if _, err := d.recv81F0(1, SeedLength); err != nil {
		return false, err
	}
	if _, err := d.recv81F0(2, SeedLength); err != nil {
		return false, err
	}
	if _, err := d.cmd81F0(3); err != nil {
		return false, err
	}

	// Challenge: the adapter hands out a random seed and the collaborator
	// computes the three answer blocks.
	seed, err := d.getRandomNumber()
	if err != nil {
		return false, err
	}
	answers, err := d.auth.ComputeAnswers(seed)
	if err != nil {
		return false, fmt.Errorf("computing auth answers for seed % x: %w", seed, err)
	}

	// Acknowledgement. A denied status here means the answer computation
	// took longer than the adapter tolerates.
	acked, err := d.cmd81F0(5)
	if err != nil {
		return false, err
	}
	if !acked {
		return true, nil
	}

	// Answer blocks, interleaved with fixed probes.
	if err := d.send81F0(6, answers[0]); err != nil {
		return false, err
	}
	if err := d.send81F0(7, answers[1]); err != nil {
		return false, err
	}
	for _, seq := range []byte{0x08, 0x09, 0x0a} {
		if _, err := d.cmd81F0(seq); err != nil {
			return false, err
		}
	}
	if err := d.send81F0(0x0b, answers[2]); err != nil {
		return false, err
	}
	for _, seq := range []byte{0x0c, 0x0d, 0x0e} {
		if _, err := d.cmd81F0(seq); err != nil {
			return false, err
		}
	}

	// Device-auth exchange. The adapter has already accepted or rejected
	// internally; the received blocks are not validated here.
	if _, err := d.recv81F0(0x0f, SeedLength); err != nil {
		return false, err
	}
	if _, err := d.cmd81F0(0x10); err != nil {
		return false, err
	}
	if _, err := d.recv81F0(0x11, SeedLength); err != nil {
		return false, err
	}
	if _, err := d.cmd81F0(0x12); err != nil {
		return false, err
	}
	if _, err := d.recv81F0(0x13, SeedLength); err != nil {
		return false, err
	}
	if _, err := d.cmd81F0(0x14); err != nil {
		return false, err
	}

	// Finalizing probes, fixed order.
	if err := d.cmd8128(); err != nil {
		return false, err
	}
	if err := d.cmd8127(); err != nil {
		return false, err
	}
	if _, err := d.cmd8126(); err != nil {
		return false, err
	}
	return false, nil
}
