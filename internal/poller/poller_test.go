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

package poller

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fluffware/mbtool/internal/applog"
	"github.com/fluffware/mbtool/internal/catalogue"
	"github.com/fluffware/mbtool/internal/mbclient"
	"github.com/fluffware/mbtool/internal/mbserver"
	"github.com/fluffware/mbtool/internal/mbwire"
	"github.com/fluffware/mbtool/internal/tags"
)

func testCatalogue() []catalogue.Device {
	return []catalogue.Device{
		{Addr: 1, Tags: catalogue.TagDefs{
			Holding: []catalogue.RegRange{{Low: 0, High: 0, Initial: "0"}},
			Coils:   []catalogue.Bit{{Addr: 0}},
		}},
	}
}

// serveMBAP plays the server end of an MBAP connection against svc
// until conn is closed, mirroring transport.ServeTCP's per-connection
// loop without pulling in the transport package (poller must not
// depend on it).
func serveMBAP(conn net.Conn, svc *mbserver.Service) {
	for {
		header := make([]byte, mbwire.TCPHeaderLength)
		if _, err := readFullLocal(conn, header); err != nil {
			return
		}
		length := int(header[4])<<8 | int(header[5])
		body := make([]byte, length-1)
		if _, err := readFullLocal(conn, body); err != nil {
			return
		}
		tid, unit, pdu, err := mbwire.DecodeTCP(append(header, body...))
		if err != nil {
			return
		}
		resp := svc.Handle(unit, pdu)
		frame, err := mbwire.EncodeTCP(tid, unit, resp)
		if err != nil {
			return
		}
		if _, err := conn.Write(frame); err != nil {
			return
		}
	}
}

func readFullLocal(conn net.Conn, buf []byte) (int, error) {
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

// TestPollWriteBackInvariant checks that a value set on the remote side
// becomes visible through the local DeviceIndex after a poll cycle.
func TestPollWriteBackInvariant(t *testing.T) {
	remoteDI := tags.Build(testCatalogue(), applog.Discard)
	remoteSvc := mbserver.New(remoteDI, applog.Discard)
	defer remoteSvc.Close()

	remoteTags, _ := remoteDI.Lookup(1)

	// Seed the remote device's register directly, bypassing the wire.
	remoteSub := remoteDI.Subscribe()
	defer remoteSub.Release()
	h, _ := remoteSub.Holding(1)
	remoteTags.Holding.Update(0, []uint16{99}, h)

	localDI := tags.Build(testCatalogue(), applog.Discard)

	clientConn, serverConn := net.Pipe()
	go serveMBAP(serverConn, remoteSvc)

	dialed := false
	dial := func(ctx context.Context) (*mbclient.Session, error) {
		if dialed {
			return nil, context.Canceled
		}
		dialed = true
		return mbclient.New(clientConn, mbclient.ModeTCP), nil
	}

	p := New(localDI, dial, 20*time.Millisecond, applog.Discard)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	localTags, _ := localDI.Lookup(1)
	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		if localTags.Holding.ReadSlice(0, 1)[0] == 99 {
			cancel()
			<-done
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	t.Fatalf("local holding register never reflected the remote value")
}

// TestLocalWriteFlushesToRemote exercises the stateFlushingWrites path:
// a write from another subscriber on the local DeviceIndex (standing
// in for the websocket bridge) must reach the remote device.
func TestLocalWriteFlushesToRemote(t *testing.T) {
	remoteDI := tags.Build(testCatalogue(), applog.Discard)
	remoteSvc := mbserver.New(remoteDI, applog.Discard)
	defer remoteSvc.Close()

	localDI := tags.Build(testCatalogue(), applog.Discard)

	clientConn, serverConn := net.Pipe()
	go serveMBAP(serverConn, remoteSvc)

	dialed := false
	dial := func(ctx context.Context) (*mbclient.Session, error) {
		if dialed {
			return nil, context.Canceled
		}
		dialed = true
		return mbclient.New(clientConn, mbclient.ModeTCP), nil
	}

	p := New(localDI, dial, 20*time.Millisecond, applog.Discard)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	// Give the poller a moment to connect before writing locally.
	time.Sleep(30 * time.Millisecond)

	writer := localDI.Subscribe()
	defer writer.Release()
	wh, _ := writer.Holding(1)
	localTags, _ := localDI.Lookup(1)
	localTags.Holding.Update(0, []uint16{4242}, wh)

	remoteTags, _ := remoteDI.Lookup(1)
	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		if remoteTags.Holding.ReadSlice(0, 1)[0] == 4242 {
			cancel()
			<-done
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	t.Fatalf("local write never reached the remote device")
}
