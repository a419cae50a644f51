// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package usb provides the bulk transport used to talk to the memory card
// adapter. The protocol core only needs the two primitives in Transport;
// everything device-specific (enumeration, interface claiming) lives here.
package usb

import (
	"errors"
)

const (
	// Sony PS3 memory card adapter (CECHZM1).
	VendorID  = 0x054c
	ProductID = 0x02ea

	// Fixed logical endpoint numbers of the adapter.
	WriteEndpoint = 2
	ReadEndpoint  = 1
)

var (
	ErrDeviceNotFound = errors.New("memory card adapter not found")
	ErrBadEndpoint    = errors.New("endpoint is not open on this transport")
)

// Transport is a blocking bulk-transfer channel to the adapter.
//
// Both calls block until the transfer completes. A transfer must not be
// aborted mid-flight: the adapter cannot resynchronize a partial frame, so
// recovery from a stuck transfer is "close and reopen the device".
type Transport interface {
	BulkWrite(endpoint int, data []byte) error
	BulkRead(endpoint int, maxLen int) ([]byte, error)
	Close() error
}
