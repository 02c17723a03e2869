// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

// Package mbclient is the master-side session: it issues one Modbus
// request at a time over either an MBAP (TCP) or RTU transport and
// waits for the matching response, timing requests out the way
// ClientPoller needs (spec §4.5: 500 ms per request).
package mbclient

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/fluffware/mbtool/internal/mbwire"
)

// ErrBrokenPipe is returned when the transport itself appears to have
// gone away; ClientPoller treats this distinctly from other I/O errors
// (spec §4.5: "BrokenPipe: treat as disconnect").
var ErrBrokenPipe = errors.New("mbclient: broken pipe")

// Mode selects the wire framing a Session speaks.
type Mode int

const (
	ModeTCP Mode = iota
	ModeRTU
)

// Session wraps one open connection (TCP socket or serial port) and
// issues synchronous request/response exchanges against it.
type Session struct {
	conn          net.Conn
	mode          Mode
	transactionID uint16
}

// New wraps an already-connected net.Conn. For RTU, conn is typically a
// serial port adapted to the net.Conn interface by TransportGlue.
func New(conn net.Conn, mode Mode) *Session {
	return &Session{conn: conn, mode: mode}
}

// Close closes the underlying connection.
func (s *Session) Close() error { return s.conn.Close() }

// Do issues req against unit and returns the decoded response PDU,
// applying timeout as the deadline for both the write and the read.
func (s *Session) Do(unit uint8, req mbwire.PDU, timeout time.Duration) (mbwire.PDU, error) {
	if err := s.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return mbwire.PDU{}, err
	}
	switch s.mode {
	case ModeTCP:
		return s.doTCP(unit, req)
	default:
		return s.doRTU(unit, req)
	}
}

func (s *Session) doTCP(unit uint8, req mbwire.PDU) (mbwire.PDU, error) {
	s.transactionID++
	tid := s.transactionID
	frame, err := mbwire.EncodeTCP(tid, unit, req)
	if err != nil {
		return mbwire.PDU{}, err
	}
	if _, err := s.conn.Write(frame); err != nil {
		return mbwire.PDU{}, classifyIOError(err)
	}

	header := make([]byte, mbwire.TCPHeaderLength)
	if _, err := io.ReadFull(s.conn, header); err != nil {
		return mbwire.PDU{}, classifyIOError(err)
	}
	length := int(header[4])<<8 | int(header[5])
	if length < 1 {
		return mbwire.PDU{}, fmt.Errorf("mbclient: invalid MBAP length %d", length)
	}
	body := make([]byte, length-1)
	if _, err := io.ReadFull(s.conn, body); err != nil {
		return mbwire.PDU{}, classifyIOError(err)
	}

	gotTID, _, pdu, err := mbwire.DecodeTCP(append(header, body...))
	if err != nil {
		return mbwire.PDU{}, err
	}
	if gotTID != tid {
		return mbwire.PDU{}, fmt.Errorf("mbclient: transaction id mismatch: got %d, want %d", gotTID, tid)
	}
	return pdu, nil
}

// doRTU writes the request frame and reads the response as a single
// idle-gap delimited read: RTU framing has no length prefix, so a
// framer either times the 3.5-character silence between frames or, as
// here, relies on one read per request/response turn returning exactly
// the reply (valid for point-to-point serial links where no other
// master shares the line).
func (s *Session) doRTU(unit uint8, req mbwire.PDU) (mbwire.PDU, error) {
	frame := mbwire.EncodeRTU(unit, req)
	if _, err := s.conn.Write(frame); err != nil {
		return mbwire.PDU{}, classifyIOError(err)
	}

	buf := make([]byte, 256)
	n, err := s.conn.Read(buf)
	if err != nil {
		return mbwire.PDU{}, classifyIOError(err)
	}
	gotUnit, pdu, err := mbwire.DecodeRTU(buf[:n])
	if err != nil {
		return mbwire.PDU{}, err
	}
	if gotUnit != unit {
		return mbwire.PDU{}, fmt.Errorf("mbclient: unit id mismatch: got %d, want %d", gotUnit, unit)
	}
	return pdu, nil
}

func classifyIOError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return ErrBrokenPipe
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return err
	}
	return err
}
