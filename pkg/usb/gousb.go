// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package usb

import (
	"fmt"

	"github.com/google/gousb"
)

// Device is a Transport backed by libusb via gousb.
type Device struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	out  *gousb.OutEndpoint
	in   *gousb.InEndpoint
}

// Open finds the first attached adapter by VID/PID, claims interface 0 and
// resolves both bulk endpoints.
func Open() (*Device, error) {
	return OpenVIDPID(VendorID, ProductID)
}

func OpenVIDPID(vid, pid uint16) (*Device, error) {
	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == vid && uint16(desc.Product) == pid
	})
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("enumerating USB devices: %w", err)
	}
	if len(devs) == 0 {
		ctx.Close()
		return nil, fmt.Errorf("%w (VID=0x%04x PID=0x%04x)", ErrDeviceNotFound, vid, pid)
	}
	dev := devs[0]
	for _, d := range devs[1:] {
		d.Close()
	}

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("setting auto-detach: %w", err)
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("selecting configuration 1: %w", err)
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("claiming interface 0: %w", err)
	}

	out, err := intf.OutEndpoint(WriteEndpoint)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("opening bulk-out endpoint %d: %w", WriteEndpoint, err)
	}
	in, err := intf.InEndpoint(ReadEndpoint)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("opening bulk-in endpoint %d: %w", ReadEndpoint, err)
	}

	return &Device{ctx: ctx, dev: dev, cfg: cfg, intf: intf, out: out, in: in}, nil
}

func (d *Device) BulkWrite(endpoint int, data []byte) error {
	if endpoint != WriteEndpoint {
		return fmt.Errorf("%w: bulk-out %d", ErrBadEndpoint, endpoint)
	}
	if _, err := d.out.Write(data); err != nil {
		return fmt.Errorf("bulk write (% x): %w", data, err)
	}
	return nil
}

func (d *Device) BulkRead(endpoint int, maxLen int) ([]byte, error) {
	if endpoint != ReadEndpoint {
		return nil, fmt.Errorf("%w: bulk-in %d", ErrBadEndpoint, endpoint)
	}
	buf := make([]byte, maxLen)
	n, err := d.in.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("bulk read: %w", err)
	}
	return buf[:n], nil
}

func (d *Device) Close() error {
	d.intf.Close()
	if err := d.cfg.Close(); err != nil {
		return err
	}
	if err := d.dev.Close(); err != nil {
		return err
	}
	return d.ctx.Close()
}
