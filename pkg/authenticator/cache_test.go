// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package authenticator

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testAnswers(fill byte) [3][]byte {
	return [3][]byte{
		bytes.Repeat([]byte{fill}, SeedLength),
		bytes.Repeat([]byte{fill + 1}, SeedLength),
		bytes.Repeat([]byte{fill + 2}, SeedLength),
	}
}

func TestFileCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth_cache.bin")

	c, err := OpenFileCache(path, false)
	if err != nil {
		t.Fatalf("OpenFileCache: %v", err)
	}
	seedA := []byte("seed-AAAA")
	seedB := []byte("seed-BBBB")
	if err := c.Put(seedA, testAnswers(0x10)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Put(seedB, testAnswers(0x20)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen read-only and verify both records survived.
	c, err = OpenFileCache(path, true)
	if err != nil {
		t.Fatalf("OpenFileCache read-only: %v", err)
	}
	got, ok := c.Get(seedA)
	if !ok {
		t.Fatal("seed A missing after reopen")
	}
	if diff := cmp.Diff(testAnswers(0x10), got); diff != "" {
		t.Errorf("seed A answers mismatch (-want +got):\n%s", diff)
	}
	if _, ok := c.Get(seedB); !ok {
		t.Error("seed B missing after reopen")
	}
	if _, ok := c.Get([]byte("seed-CCCC")); ok {
		t.Error("unknown seed reported as cached")
	}
}

func TestFileCacheLastRecordWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth_cache.bin")
	c, err := OpenFileCache(path, false)
	if err != nil {
		t.Fatalf("OpenFileCache: %v", err)
	}
	seed := []byte("seed-AAAA")
	if err := c.Put(seed, testAnswers(0x10)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Put(seed, testAnswers(0x30)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	c.Close()

	c, err = OpenFileCache(path, true)
	if err != nil {
		t.Fatalf("OpenFileCache: %v", err)
	}
	got, _ := c.Get(seed)
	if diff := cmp.Diff(testAnswers(0x30), got); diff != "" {
		t.Errorf("older record shadowed the newer one (-want +got):\n%s", diff)
	}
}

func TestFileCacheTruncatedTrailingSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth_cache.bin")
	c, err := OpenFileCache(path, false)
	if err != nil {
		t.Fatalf("OpenFileCache: %v", err)
	}
	seed := []byte("seed-AAAA")
	if err := c.Put(seed, testAnswers(0x10)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	c.Close()

	// A crash mid-append leaves a seed cut off at EOF. The complete
	// record before it must survive.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.Write([]byte{0x00, 0x09, 's', 'h', 'o', 'r', 't'}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close()

	c, err = OpenFileCache(path, true)
	if err != nil {
		t.Fatalf("OpenFileCache with truncated tail: %v", err)
	}
	got, ok := c.Get(seed)
	if !ok {
		t.Fatal("leading record lost to the truncated tail")
	}
	if diff := cmp.Diff(testAnswers(0x10), got); diff != "" {
		t.Errorf("leading record mismatch (-want +got):\n%s", diff)
	}
}

func TestFileCacheCorruptRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth_cache.bin")
	c, err := OpenFileCache(path, false)
	if err != nil {
		t.Fatalf("OpenFileCache: %v", err)
	}
	if err := c.Put([]byte("seed-AAAA"), testAnswers(0x10)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	c.Close()

	// A whole seed followed by nothing is corruption past the tolerated
	// truncated-tail case: the item count is missing.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.Write([]byte{0x00, 0x05, 'w', 'h', 'o', 'l', 'e'}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close()

	if _, err := OpenFileCache(path, true); err == nil {
		t.Fatal("corrupt trailing record accepted")
	} else if !strings.Contains(err.Error(), "record at") {
		t.Errorf("corruption error lacks record offset: %v", err)
	}
}

func TestFileCacheMissingReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.bin")
	if _, err := OpenFileCache(path, true); err == nil {
		t.Fatal("read-only open of a missing file succeeded")
	}
	// Writable open creates it.
	c, err := OpenFileCache(path, false)
	if err != nil {
		t.Fatalf("OpenFileCache: %v", err)
	}
	c.Close()
}
