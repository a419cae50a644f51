// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package authenticator provides implementations of the answer-computation
// collaborator the authentication handshake depends on. The computation
// itself happens on real console hardware reachable over TCP; this package
// only fetches, caches and replays its results.
package authenticator

import (
	"errors"
	"fmt"
)

const (
	// SeedLength is the size of the adapter's challenge seed and of each
	// answer block.
	SeedLength = 9

	// answerRecordLength is the size of one answer record on the daemon
	// wire; the 9 answer bytes sit at offset 7.
	answerRecordLength = 0x12
	answerOffset       = 7
)

var ErrSeedLength = errors.New("invalid seed length")

// Cache stores computed answers keyed by seed. The adapter's PRNG is weak
// enough that a small cache covers most seeds it will ever produce.
type Cache interface {
	Get(seed []byte) ([3][]byte, bool)
	Put(seed []byte, answers [3][]byte) error
}

// MemCache is a volatile Cache.
type MemCache map[string][3][]byte

func (c MemCache) Get(seed []byte) ([3][]byte, bool) {
	a, ok := c[string(seed)]
	return a, ok
}

func (c MemCache) Put(seed []byte, answers [3][]byte) error {
	c[string(seed)] = answers
	return nil
}

func checkSeed(seed []byte) error {
	if len(seed) != SeedLength {
		return fmt.Errorf("%w: %d, expected %d", ErrSeedLength, len(seed), SeedLength)
	}
	return nil
}
