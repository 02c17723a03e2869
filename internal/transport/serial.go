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

package transport

import (
	"io"
	"net"
	"strings"
	"time"

	goserial "github.com/hootrhino/goserial"
	bugst "go.bug.st/serial"
)

// pollInterval bounds how long a single underlying Read call blocks
// before serialConn rechecks the deadline; the port itself is opened
// with this as its fixed read timeout.
const pollInterval = 50 * time.Millisecond

// ParseParity maps a parity token to go.bug.st/serial's typed Parity
// enum by its first character, case-insensitively ("N…" → None, "O…" →
// Odd), so only one of three known values ever reaches goserial's
// bare-string Config.Parity. Per spec §4.6 ("else Even"), any other
// token — including empty or unrecognized input — resolves to Even;
// the returned error is always nil.
func ParseParity(token string) (bugst.Parity, error) {
	if token == "" {
		return bugst.EvenParity, nil
	}
	switch strings.ToUpper(token[:1]) {
	case "N":
		return bugst.NoParity, nil
	case "O":
		return bugst.OddParity, nil
	default:
		return bugst.EvenParity, nil
	}
}

// goserialParity converts a validated go.bug.st/serial Parity back to
// the single-letter token goserial.Config expects.
func goserialParity(p bugst.Parity) string {
	switch p {
	case bugst.EvenParity:
		return "E"
	case bugst.OddParity:
		return "O"
	default:
		return "N"
	}
}

// serialConn adapts a goserial port (an io.ReadWriteCloser with a
// fixed open-time read timeout) to net.Conn so it can be handed to
// mbclient.Session and the RTU server loop, which both set per-call
// deadlines. Grounded on the deadline-tracking wrapper pattern used to
// bridge a non-deadline-aware serial.Port to an i/o deadline API.
type serialConn struct {
	port         io.ReadWriteCloser
	readDeadline time.Time
}

// OpenSerial opens device at baud with the given parity and returns it
// adapted to net.Conn.
func OpenSerial(device string, baud int, parity bugst.Parity) (net.Conn, error) {
	port, err := goserial.Open(&goserial.Config{
		Address:  device,
		BaudRate: baud,
		DataBits: 8,
		StopBits: 1,
		Parity:   goserialParity(parity),
		Timeout:  pollInterval,
	})
	if err != nil {
		return nil, err
	}
	return &serialConn{port: port}, nil
}

func (c *serialConn) Read(p []byte) (int, error) {
	if c.readDeadline.IsZero() {
		return c.port.Read(p)
	}
	for {
		if time.Now().After(c.readDeadline) {
			return 0, timeoutError{}
		}
		n, err := c.port.Read(p)
		if n > 0 || (err != nil && !isTimeoutish(err)) {
			return n, err
		}
	}
}

func (c *serialConn) Write(p []byte) (int, error) { return c.port.Write(p) }
func (c *serialConn) Close() error                { return c.port.Close() }

func (c *serialConn) LocalAddr() net.Addr  { return serialAddr{} }
func (c *serialConn) RemoteAddr() net.Addr { return serialAddr{} }

func (c *serialConn) SetDeadline(t time.Time) error {
	c.readDeadline = t
	return nil
}

func (c *serialConn) SetReadDeadline(t time.Time) error {
	c.readDeadline = t
	return nil
}

func (c *serialConn) SetWriteDeadline(t time.Time) error { return nil }

// isTimeoutish masks the serial library's own idle-read timeout (a
// per-poll occurrence, not the caller's deadline) so serialConn.Read
// keeps retrying until either data arrives or its own deadline passes.
func isTimeoutish(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "timeout") ||
		strings.Contains(strings.ToLower(err.Error()), "timed out")
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "transport: serial read deadline exceeded" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type serialAddr struct{}

func (serialAddr) Network() string { return "serial" }
func (serialAddr) String() string  { return "serial" }
