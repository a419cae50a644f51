// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package nbd exports a block device over the Network Block Device
// protocol (fixed newstyle negotiation), so a memory card can be attached
// as /dev/nbdX and used with regular filesystem tooling.
//
// Socket setup and the accept loop are the caller's business; a Server
// drives exactly one established client connection.
package nbd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
)

// Device is the storage a Server exports. *mca.Device satisfies it.
type Device interface {
	Size() (int64, error)
	BlockSize() (int, error)
	Read(offset int64, length int) ([]byte, error)
	Write(offset int64, data []byte) error
}

const (
	greetingPrefix  = "NBDMAGICIHAVEOPT"
	clientOptMagic  = "IHAVEOPT"
	serverOptMagic  = 0x0003e889045565a9
	requestMagic    = 0x25609513
	responseMagic   = 0x67446698
	greetingPadding = 124

	// Way over any standard option's payload length.
	maxOptSize = 1 << 10
	// Largest single transfer, the value recommended by the NBD spec.
	MaxBlockSize = 1 << 25
)

// Negotiation options.
const (
	optExportName      = 1
	optAbort           = 2
	optList            = 3
	optInfo            = 6
	optGo              = 7
	optStructuredReply = 8
)

// Option reply types.
const (
	repAck    = 1
	repServer = 2
	repInfo   = 3

	repErrBit     = 1 << 31
	repErrUnsup   = repErrBit + 1
	repErrInvalid = repErrBit + 3
	repErrTooBig  = repErrBit + 9
)

// Info reply subtypes.
const (
	infoExport    = 0
	infoName      = 1
	infoBlockSize = 3
)

// Transmission commands.
const (
	cmdRead  = 0
	cmdWrite = 1
	cmdDisc  = 2
	cmdFlush = 3
	cmdTrim  = 4
	cmdCache = 5
)

// Command flags.
const (
	cmdFlagFUA    = 1 << 0
	cmdFlagNoHole = 1 << 1
	cmdFlagDF     = 1 << 2
	cmdFlagReqOne = 1 << 3
)

// Per-command allowed flag masks; a request carrying anything else is
// answered with ENOTSUP.
var commandAllowedFlags = map[uint16]uint16{
	cmdRead:  cmdFlagFUA | cmdFlagDF,
	cmdWrite: cmdFlagFUA,
	cmdDisc:  cmdFlagFUA,
	cmdFlush: cmdFlagFUA,
	cmdTrim:  cmdFlagFUA,
	cmdCache: cmdFlagFUA,
}

// Transmission flags advertised for the export.
const (
	flagHasFlags     = 1 << 0
	flagReadOnly     = 1 << 1
	flagCanMultiConn = 1 << 8
)

// Handshake flags.
const (
	flagFixedNewstyle = 1 << 0
	flagNoZeroes      = 1 << 1

	clientFlagFixedNewstyle = 1 << 0
	clientFlagNoZeroes      = 1 << 1
	clientFlagKnownMask     = clientFlagFixedNewstyle | clientFlagNoZeroes
)

// NBD-level errno values used in simple replies.
const (
	errnoEPERM   = 1
	errnoEIO     = 5
	errnoEINVAL  = 22
	errnoENOTSUP = 95
)

// Server serves one NBD client connection.
type Server struct {
	conn     net.Conn
	dev      Device
	readOnly bool
}

// NewServer wraps an established client connection. With readOnly the
// export is advertised read-only and writes are refused server-side, for
// clients that ignore the advertisement.
func NewServer(conn net.Conn, dev Device, readOnly bool) *Server {
	return &Server{conn: conn, dev: dev, readOnly: readOnly}
}

// Serve performs the handshake and processes commands until the client
// disconnects. A nil return means an orderly shutdown.
func (s *Server) Serve() error {
	ok, err := s.greet()
	if err != nil {
		s.conn.Close()
		return err
	}
	if !ok {
		return nil
	}
	for {
		cont, err := s.handle()
		if err != nil {
			s.conn.Close()
			return err
		}
		if !cont {
			return nil
		}
	}
}

func (s *Server) transmissionFlags() uint16 {
	flags := uint16(flagHasFlags | flagCanMultiConn)
	if s.readOnly {
		flags |= flagReadOnly
	}
	return flags
}

// recvOption reads one negotiation option. An oversized payload is drained
// and reported as (option, nil, nil) so the caller can reply ErrTooBig
// without desyncing the stream.
func (s *Server) recvOption() (option uint32, value []byte, err error) {
	hdr := struct {
		Magic  [8]byte
		Option uint32
		Length uint32
	}{}
	if err := binary.Read(s.conn, binary.BigEndian, &hdr); err != nil {
		return 0, nil, err
	}
	if string(hdr.Magic[:]) != clientOptMagic {
		return 0, nil, fmt.Errorf("bad client option magic: % x", hdr.Magic)
	}
	if hdr.Length > maxOptSize {
		if _, err := io.CopyN(io.Discard, s.conn, int64(hdr.Length)); err != nil {
			return 0, nil, err
		}
		return hdr.Option, nil, nil
	}
	value = make([]byte, hdr.Length)
	if _, err := io.ReadFull(s.conn, value); err != nil {
		return 0, nil, err
	}
	return hdr.Option, value, nil
}

func (s *Server) sendOption(option, status uint32, value []byte) error {
	hdr := struct {
		Magic  uint64
		Option uint32
		Status uint32
		Length uint32
	}{serverOptMagic, option, status, uint32(len(value))}
	if err := binary.Write(s.conn, binary.BigEndian, &hdr); err != nil {
		return err
	}
	if len(value) > 0 {
		_, err := s.conn.Write(value)
		return err
	}
	return nil
}

// exportInfo is the size+flags block sent for EXPORT_NAME and INFO/GO.
func (s *Server) exportInfo() ([]byte, error) {
	size, err := s.dev.Size()
	if err != nil {
		return nil, fmt.Errorf("resolving export size: %w", err)
	}
	buf := binary.BigEndian.AppendUint64(nil, uint64(size))
	return binary.BigEndian.AppendUint16(buf, s.transmissionFlags()), nil
}

// greet runs the fixed-newstyle negotiation. It returns false when the
// client aborted or failed negotiation and the connection is already
// closed.
func (s *Server) greet() (bool, error) {
	if _, err := s.conn.Write([]byte(greetingPrefix)); err != nil {
		return false, err
	}
	if err := binary.Write(s.conn, binary.BigEndian, uint16(flagFixedNewstyle|flagNoZeroes)); err != nil {
		return false, err
	}
	var clientFlags uint32
	if err := binary.Read(s.conn, binary.BigEndian, &clientFlags); err != nil {
		return false, err
	}
	if clientFlags&^uint32(clientFlagKnownMask) != 0 {
		return false, fmt.Errorf("unknown client handshake flags 0x%x", clientFlags)
	}
	noZeroes := clientFlags&clientFlagNoZeroes != 0

	if clientFlags&clientFlagFixedNewstyle != 0 {
		done, ok, err := s.haggle()
		if err != nil || !ok {
			return false, err
		}
		if done == optExportName {
			info, err := s.exportInfo()
			if err != nil {
				return false, err
			}
			if !noZeroes {
				info = append(info, make([]byte, greetingPadding)...)
			}
			if _, err := s.conn.Write(info); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	// Old-style client: the only permitted option is EXPORT_NAME.
	option, value, err := s.recvOption()
	if err != nil {
		return false, err
	}
	if option != optExportName || len(value) != 0 {
		s.conn.Close()
		return false, nil
	}
	info, err := s.exportInfo()
	if err != nil {
		return false, err
	}
	if !noZeroes {
		info = append(info, make([]byte, greetingPadding)...)
	}
	if _, err := s.conn.Write(info); err != nil {
		return false, err
	}
	return true, nil
}

// haggle processes options until the client commits to the export (via
// EXPORT_NAME or GO) or aborts. done reports which option ended the phase.
func (s *Server) haggle() (done uint32, ok bool, err error) {
	for {
		option, value, err := s.recvOption()
		if err != nil {
			return 0, false, err
		}
		switch {
		case option == optExportName:
			// Only the default (empty) export exists. EXPORT_NAME has no
			// error reply, so a named request just closes the connection.
			if len(value) != 0 {
				s.conn.Close()
				return 0, false, nil
			}
			return optExportName, true, nil

		case value == nil: // oversized payload, already drained
			if err := s.sendOption(option, repErrTooBig, nil); err != nil {
				return 0, false, err
			}

		case option == optAbort:
			if err := s.sendOption(option, repAck, nil); err != nil {
				return 0, false, err
			}
			s.conn.Close()
			return 0, false, nil

		case option == optList:
			if len(value) != 0 {
				if err := s.sendOption(option, repErrInvalid, nil); err != nil {
					return 0, false, err
				}
				continue
			}
			// One export with an empty name.
			if err := s.sendOption(option, repServer, make([]byte, 4)); err != nil {
				return 0, false, err
			}
			if err := s.sendOption(option, repAck, nil); err != nil {
				return 0, false, err
			}

		case option == optInfo || option == optGo:
			committed, err := s.handleInfo(option, value)
			if err != nil {
				return 0, false, err
			}
			if committed && option == optGo {
				return optGo, true, nil
			}

		default:
			if err := s.sendOption(option, repErrUnsup, nil); err != nil {
				return 0, false, err
			}
		}
	}
}

func (s *Server) handleInfo(option uint32, value []byte) (bool, error) {
	// Payload: u32 name length, name, u16 information request count,
	// u16 requests. The individual requests are ignored; everything is
	// always sent.
	if len(value) < 6 {
		return false, s.sendOption(option, repErrInvalid, nil)
	}
	nameLen := int(binary.BigEndian.Uint32(value[:4]))
	if 4+nameLen+2 > len(value) {
		return false, s.sendOption(option, repErrInvalid, nil)
	}
	if nameLen != 0 {
		return false, s.sendOption(option, repErrInvalid, nil)
	}

	info, err := s.exportInfo()
	if err != nil {
		return false, err
	}
	export := binary.BigEndian.AppendUint16(nil, infoExport)
	export = append(export, info...)
	if err := s.sendOption(option, repInfo, export); err != nil {
		return false, err
	}

	name := binary.BigEndian.AppendUint16(nil, infoName)
	if err := s.sendOption(option, repInfo, name); err != nil {
		return false, err
	}

	blockSize, err := s.dev.BlockSize()
	if err != nil {
		return false, fmt.Errorf("resolving export block size: %w", err)
	}
	bs := binary.BigEndian.AppendUint16(nil, infoBlockSize)
	bs = binary.BigEndian.AppendUint32(bs, 1)
	bs = binary.BigEndian.AppendUint32(bs, uint32(blockSize))
	bs = binary.BigEndian.AppendUint32(bs, MaxBlockSize)
	if err := s.sendOption(option, repInfo, bs); err != nil {
		return false, err
	}

	return true, s.sendOption(option, repAck, nil)
}

type request struct {
	Magic   [4]byte
	Flags   uint16
	Command uint16
	Handle  [8]byte
	Offset  uint64
	Length  uint32
}

func (s *Server) simpleReply(handle [8]byte, errno uint32, data []byte) error {
	hdr := struct {
		Magic  uint32
		Error  uint32
		Handle [8]byte
	}{responseMagic, errno, handle}
	if err := binary.Write(s.conn, binary.BigEndian, &hdr); err != nil {
		return err
	}
	if len(data) > 0 {
		_, err := s.conn.Write(data)
		return err
	}
	return nil
}

// handle processes one transmission-phase request. cont reports whether
// the session keeps going; a clean disconnect returns (false, nil).
func (s *Server) handle() (cont bool, err error) {
	var req request
	if err := binary.Read(s.conn, binary.BigEndian, &req); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, err
	}
	if binary.BigEndian.Uint32(req.Magic[:]) != requestMagic {
		s.conn.Close()
		return false, nil
	}

	if req.Flags&^commandAllowedFlags[req.Command] != 0 {
		// A write's payload is already in flight and must be consumed
		// before replying, or the stream desyncs.
		if req.Command == cmdWrite {
			if req.Length > MaxBlockSize {
				s.conn.Close()
				return false, nil
			}
			if _, err := io.CopyN(io.Discard, s.conn, int64(req.Length)); err != nil {
				s.conn.Close()
				return false, nil
			}
		}
		return true, s.simpleReply(req.Handle, errnoENOTSUP, nil)
	}

	switch req.Command {
	case cmdRead:
		var errno uint32
		var data []byte
		switch {
		case req.Flags&cmdFlagDF != 0:
			errno = errnoENOTSUP
		case req.Length > MaxBlockSize:
			errno = errnoEINVAL
		case req.Length > 0:
			data, err = s.dev.Read(int64(req.Offset), int(req.Length))
			if err != nil {
				log.Printf("nbd: read %d@%d failed: %v", req.Length, req.Offset, err)
				errno, data = errnoEIO, nil
			}
		}
		return true, s.simpleReply(req.Handle, errno, data)

	case cmdWrite:
		if req.Length > MaxBlockSize {
			// Oversized writes cannot be drained sanely; drop the client.
			s.simpleReply(req.Handle, errnoEINVAL, nil)
			s.conn.Close()
			return false, nil
		}
		data := make([]byte, req.Length)
		if _, err := io.ReadFull(s.conn, data); err != nil {
			s.conn.Close()
			return false, nil
		}
		var errno uint32
		if s.readOnly {
			errno = errnoEPERM
		} else if req.Length > 0 {
			if err := s.dev.Write(int64(req.Offset), data); err != nil {
				log.Printf("nbd: write %d@%d failed: %v", req.Length, req.Offset, err)
				errno = errnoEIO
			}
		}
		return true, s.simpleReply(req.Handle, errno, nil)

	case cmdDisc:
		s.conn.Close()
		return false, nil

	case cmdFlush, cmdTrim, cmdCache:
		// Known commands that are never advertised. A conforming client
		// should not send them, but an ENOTSUP reply keeps the session
		// usable either way.
		return true, s.simpleReply(req.Handle, errnoENOTSUP, nil)
	}

	s.simpleReply(req.Handle, errnoENOTSUP, nil)
	s.conn.Close()
	return false, nil
}
