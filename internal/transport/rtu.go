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
	"context"
	"net"

	"github.com/fluffware/mbtool/internal/applog"
	"github.com/fluffware/mbtool/internal/mbclient"
	"github.com/fluffware/mbtool/internal/mbserver"
	"github.com/fluffware/mbtool/internal/mbwire"
	bugst "go.bug.st/serial"
)

// DialRTU opens device for the master role and wraps it in a Session.
func DialRTU(device string, baud int, parity bugst.Parity) (*mbclient.Session, error) {
	conn, err := OpenSerial(device, baud, parity)
	if err != nil {
		return nil, err
	}
	return mbclient.New(conn, mbclient.ModeRTU), nil
}

// ServeRTU drives the server role over conn until ctx is cancelled or
// the port errors out (spec §4.6: server role on RTU serves every unit
// in the index over the one shared serial line): one CRC-checked frame
// per read, dispatched through svc.
func ServeRTU(ctx context.Context, conn net.Conn, svc *mbserver.Service, log *applog.Logger) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if n == 0 {
			continue
		}
		unit, pdu, err := mbwire.DecodeRTU(buf[:n])
		if err != nil {
			log.Warnf("rtu: dropping frame: %v", err)
			continue
		}
		resp := svc.Handle(unit, pdu)
		frame := mbwire.EncodeRTU(unit, resp)
		if _, err := conn.Write(frame); err != nil {
			return err
		}
	}
}
