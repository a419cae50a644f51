// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package authenticator

import (
	"time"
)

// Replay answers only from a cache of previous sessions, without any
// daemon. It exploits a weakness of the adapter: the PRNG behind the seed
// is heavily biased, so a cache holding a handful of seeds has a high hit
// rate. On a miss it deliberately stalls past the adapter's timeout window
// and returns dummy answers; the adapter then abandons the attempt and
// draws a fresh seed on the restart, which may well be a cached one.
type Replay struct {
	cache Cache
	stall time.Duration
}

type ReplayOpt func(r *Replay)

// WithStall overrides how long a cache miss sleeps before returning dummy
// answers. The default of one second exceeds the observed timeout window.
func WithStall(d time.Duration) ReplayOpt {
	return func(r *Replay) {
		r.stall = d
	}
}

func NewReplay(cache Cache, opts ...ReplayOpt) *Replay {
	r := &Replay{cache: cache, stall: time.Second}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ComputeAnswers satisfies the handshake collaborator interface.
func (r *Replay) ComputeAnswers(seed []byte) ([3][]byte, error) {
	if answers, ok := r.cache.Get(seed); ok {
		return answers, nil
	}
	time.Sleep(r.stall)
	// In case the adapter has not timed out after all, hand it something
	// well-formed; the handshake will fail cleanly instead of desyncing.
	var dummy [3][]byte
	for i := range dummy {
		dummy[i] = make([]byte, SeedLength)
	}
	return dummy, nil
}
