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

// Package transport wires ModbusService and ClientPoller to real byte
// pipes: a TCP listener/dialer speaking MBAP framing, and a serial
// RTU link, both adapted to the shapes mbserver.Service and
// mbclient.Session already expect.
package transport

import (
	"context"
	"net"
	"time"

	"github.com/fluffware/mbtool/internal/applog"
	"github.com/fluffware/mbtool/internal/mbclient"
	"github.com/fluffware/mbtool/internal/mbserver"
	"github.com/fluffware/mbtool/internal/mbwire"
	"github.com/fluffware/mbtool/internal/tags"
)

// ServeTCP accepts connections on l until ctx is cancelled, serving
// each one from its own goroutine against a ModbusService built from
// di; this is the server-role TransportGlue (spec §4.6: "Server role:
// listens, accepts connections, serves each from its own
// ModbusService instance"). Grounded on the accept-loop / one-handler-
// per-client shape used across the example servers.
func ServeTCP(ctx context.Context, l net.Listener, di *tags.DeviceIndex, log *applog.Logger) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go serveTCPConn(conn, di, log)
	}
}

func serveTCPConn(conn net.Conn, di *tags.DeviceIndex, log *applog.Logger) {
	clog := log.With(conn.RemoteAddr().String())
	svc := mbserver.New(di, clog)
	defer svc.Close()
	defer conn.Close()

	for {
		conn.SetReadDeadline(time.Time{})
		header := make([]byte, mbwire.TCPHeaderLength)
		if _, err := readFull(conn, header); err != nil {
			return
		}
		length := int(header[4])<<8 | int(header[5])
		if length < 1 || length > mbwire.MaxPDULength+1 {
			clog.Warnf("tcp: rejecting frame with invalid length %d", length)
			return
		}
		body := make([]byte, length-1)
		if _, err := readFull(conn, body); err != nil {
			return
		}

		_, unit, pdu, err := mbwire.DecodeTCP(append(header, body...))
		if err != nil {
			clog.Warnf("tcp: decoding frame: %v", err)
			return
		}
		resp := svc.Handle(unit, pdu)
		transactionID := uint16(header[0])<<8 | uint16(header[1])
		frame, err := mbwire.EncodeTCP(transactionID, unit, resp)
		if err != nil {
			clog.Warnf("tcp: encoding response: %v", err)
			return
		}
		if _, err := conn.Write(frame); err != nil {
			return
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// DialTCP opens a master-role session against addr (spec §4.6: "Client
// role: dials the configured address/port once per connect attempt").
func DialTCP(ctx context.Context, addr string) (*mbclient.Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return mbclient.New(conn, mbclient.ModeTCP), nil
}
