// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// mcanbd exposes the memory card in a USB adapter as an NBD export, so it
// can be attached with nbd-client and mounted like any block device.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"

	"github.com/psxtools/go-memcard/pkg/authenticator"
	"github.com/psxtools/go-memcard/pkg/mca"
	"github.com/psxtools/go-memcard/pkg/nbd"
	"github.com/psxtools/go-memcard/pkg/usb"
)

var (
	nbdPort           = flag.Int("nbd-port", 20530, "Port the embedded NBD server will listen on")
	nbdAddress        = flag.String("nbd-address", "", "Address the embedded NBD server will listen on")
	authCache         = flag.String("auth-cache", "auth_cache.bin", "File containing authentication data from previous sessions")
	authCacheReadOnly = flag.Bool("auth-cache-read-only", false, "Don't store authentication data generated during this run")
	authPort          = flag.Int("auth-port", 20531, "Port used to contact the authentication daemon")
	authAddress       = flag.String("auth-address", "127.0.0.1", "Address used to contact the authentication daemon")
	replay            = flag.Bool("replay", false, "Never contact the authentication daemon, replay cached answers only")
	authRetryLimit    = flag.Int("auth-retry-limit", mca.DefaultAuthRetryLimit, "Handshake restarts to tolerate before giving up; negative retries forever")
	readOnly          = flag.Bool("read-only", false, "Export the card read-only")
)

func main() {
	flag.Parse()

	cache, err := authenticator.OpenFileCache(*authCache, *authCacheReadOnly)
	if err != nil {
		log.Fatalf("Failed to open authentication cache %s: %v", *authCache, err)
	}
	defer cache.Close()

	var auth mca.Authenticator
	if *replay {
		auth = authenticator.NewReplay(cache)
	} else {
		remote := authenticator.NewRemote(
			fmt.Sprintf("%s:%d", *authAddress, *authPort),
			authenticator.WithCache(cache))
		defer remote.Close()
		auth = remote
	}

	t, err := usb.Open()
	if err != nil {
		log.Fatalf("Failed to open adapter: %v", err)
	}
	defer t.Close()
	dev := mca.NewDevice(t, auth, mca.WithAuthRetryLimit(*authRetryLimit))

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", *nbdAddress, *nbdPort))
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	defer listener.Close()
	log.Printf("Waiting for client on %s", listener.Addr())

	// The adapter is a single slot; clients are served one at a time.
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Fatalf("Accept failed: %v", err)
		}
		log.Printf("Client connected: %s", conn.RemoteAddr())
		srv := nbd.NewServer(conn, dev, *readOnly)
		if err := srv.Serve(); err != nil {
			log.Printf("Client session ended: %v", err)
		} else {
			log.Printf("Client disconnected")
		}
	}
}
