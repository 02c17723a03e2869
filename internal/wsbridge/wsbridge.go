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

// Package wsbridge translates between the websocket JSON schema of
// spec §4.7/§6 and the shared register store: one Connection per
// socket, with its own subscriber handle so its own writes never echo
// back as its own change events, a read pump applying inbound commands
// and answering requests, and an update pump forwarding DeviceIndex
// change notifications as Update* frames.
package wsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluffware/mbtool/internal/applog"
	"github.com/fluffware/mbtool/internal/obsarray"
	"github.com/fluffware/mbtool/internal/tags"
)

// Upgrader is the shared gorilla/websocket upgrader for the bridge's
// HTTP handler; CheckOrigin is permissive because this bridge serves a
// local control surface, not a public API (mirrors the permissive
// upgrader seen across the retrieved websocket hubs).
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 5 * time.Second
	sendBuffer = 32
)

// Connection drives one websocket client: its own DeviceIndex
// subscriber, a read pump decoding inbound frames, and an update pump
// that drains the subscriber's change events into Update* frames.
type Connection struct {
	conn *websocket.Conn
	di   *tags.DeviceIndex
	sub  *tags.Subscriber
	log  *applog.Logger
	send chan []byte
}

// Serve runs conn's read and update pumps until the socket closes or
// ctx is cancelled, then releases the connection's subscriber slots
// (spec §5: "WS bridge: when the socket's send half is closed, the
// update-listener task exits within one cycle").
func Serve(ctx context.Context, conn *websocket.Conn, di *tags.DeviceIndex, log *applog.Logger) {
	c := &Connection{
		conn: conn,
		di:   di,
		sub:  di.Subscribe(),
		log:  log,
		send: make(chan []byte, sendBuffer),
	}
	defer c.sub.Release()
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	go c.updatePump(ctx)
	c.readPump(ctx, cancel)
}

// Handler returns an http.HandlerFunc that upgrades each request to a
// websocket and runs Serve on it; net/http already gives each request
// its own goroutine, so Serve blocking until the socket closes is the
// per-connection lifetime spec §4.7 describes.
func Handler(di *tags.DeviceIndex, log *applog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("ws: upgrade failed: %v", err)
			return
		}
		Serve(r.Context(), conn, di, log)
	}
}

func (c *Connection) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// updatePump drains DeviceIndex.Updated() and turns every dirty range
// into one Update* frame, partitioned the way spec §4.7 describes
// ("emits Update* frames partitioned by the dirty intervals").
func (c *Connection) updatePump(ctx context.Context) {
	for {
		ev, err := c.sub.Updated(ctx)
		if err != nil {
			return
		}
		t, err := c.di.Lookup(ev.Unit)
		if err != nil {
			continue
		}
		for _, r := range ev.Dirty.Ranges() {
			msg, err := buildUpdateFrame(t, ev.Unit, ev.Kind, r.Lo, r.Hi-r.Lo)
			if err != nil {
				c.log.Warnf("ws: building update frame: %v", err)
				continue
			}
			select {
			case c.send <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Connection) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleFrame(data)
	}
}

func (c *Connection) handleFrame(data []byte) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.log.Warnf("ws: dropping non-JSON frame: %v", err)
		return
	}
	if len(envelope) != 1 {
		c.log.Warnf("ws: dropping frame with %d top-level keys, want 1", len(envelope))
		return
	}
	for kind, raw := range envelope {
		c.dispatch(kind, raw)
	}
}

func (c *Connection) dispatch(kind string, raw json.RawMessage) {
	var err error
	switch kind {
	case "RequestHoldingRegs":
		err = c.handleRegRequest(tags.Holding, raw)
	case "RequestInputRegs":
		err = c.handleRegRequest(tags.Input, raw)
	case "UpdateHoldingRegs":
		err = c.handleRegUpdate(tags.Holding, raw)
	case "UpdateInputRegs":
		err = c.handleRegUpdate(tags.Input, raw)
	case "RequestCoils":
		err = c.handleBitRequest(tags.Coils, raw)
	case "RequestDiscreteInputs":
		err = c.handleBitRequest(tags.Discrete, raw)
	case "UpdateCoils":
		err = c.handleBitUpdate(tags.Coils, raw)
	case "UpdateDiscreteInputs":
		err = c.handleBitUpdate(tags.Discrete, raw)
	case "ListUnitAddresses":
		err = c.handleListUnitAddresses()
	case "Echo":
		err = c.handleEcho(raw)
	default:
		c.log.Warnf("ws: dropping frame with unknown kind %q", kind)
		return
	}
	if err != nil {
		c.log.Warnf("ws: handling %q: %v", kind, err)
	}
}

type rangeRequest struct {
	UnitAddr uint8  `json:"unit_addr"`
	Start    uint16 `json:"start"`
	Length   uint16 `json:"length"`
}

type regsUpdate struct {
	UnitAddr uint8    `json:"unit_addr"`
	Start    uint16   `json:"start"`
	Regs     []uint16 `json:"regs"`
}

type bitsUpdate struct {
	UnitAddr uint8  `json:"unit_addr"`
	Start    uint16 `json:"start"`
	Regs     []bool `json:"regs"`
}

func registerArray(t *tags.Tags, kind tags.Kind) *obsarray.Array[uint16] {
	if kind == tags.Input {
		return t.Input
	}
	return t.Holding
}

func registerHandle(sub *tags.Subscriber, kind tags.Kind, unit uint8) (obsarray.Handle[uint16], error) {
	if kind == tags.Input {
		return sub.Input(unit)
	}
	return sub.Holding(unit)
}

func bitArray(t *tags.Tags, kind tags.Kind) *obsarray.Array[bool] {
	if kind == tags.Discrete {
		return t.Discrete
	}
	return t.Coils
}

func bitHandle(sub *tags.Subscriber, kind tags.Kind, unit uint8) (obsarray.Handle[bool], error) {
	if kind == tags.Discrete {
		return sub.Discrete(unit)
	}
	return sub.Coils(unit)
}

// wireSuffix names the Request*/Update* frame suffix for kind.
func wireSuffix(kind tags.Kind) string {
	switch kind {
	case tags.Holding:
		return "HoldingRegs"
	case tags.Input:
		return "InputRegs"
	case tags.Coils:
		return "Coils"
	default:
		return "DiscreteInputs"
	}
}

func (c *Connection) handleRegRequest(kind tags.Kind, raw json.RawMessage) error {
	var req rangeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	t, err := c.di.Lookup(req.UnitAddr)
	if err != nil {
		return err
	}
	msg, err := buildUpdateFrame(t, req.UnitAddr, kind, int(req.Start), int(req.Length))
	if err != nil {
		return err
	}
	return c.enqueue(msg)
}

func (c *Connection) handleBitRequest(kind tags.Kind, raw json.RawMessage) error {
	return c.handleRegRequest(kind, raw)
}

func (c *Connection) handleRegUpdate(kind tags.Kind, raw json.RawMessage) error {
	var upd regsUpdate
	if err := json.Unmarshal(raw, &upd); err != nil {
		return err
	}
	t, err := c.di.Lookup(upd.UnitAddr)
	if err != nil {
		return err
	}
	arr := registerArray(t, kind)
	if int(upd.Start)+len(upd.Regs) > arr.Len() {
		return fmt.Errorf("update out of range: start=%d len=%d array len=%d", upd.Start, len(upd.Regs), arr.Len())
	}
	origin, err := registerHandle(c.sub, kind, upd.UnitAddr)
	if err != nil {
		return err
	}
	arr.Update(int(upd.Start), upd.Regs, origin)
	return nil
}

func (c *Connection) handleBitUpdate(kind tags.Kind, raw json.RawMessage) error {
	var upd bitsUpdate
	if err := json.Unmarshal(raw, &upd); err != nil {
		return err
	}
	t, err := c.di.Lookup(upd.UnitAddr)
	if err != nil {
		return err
	}
	arr := bitArray(t, kind)
	if int(upd.Start)+len(upd.Regs) > arr.Len() {
		return fmt.Errorf("update out of range: start=%d len=%d array len=%d", upd.Start, len(upd.Regs), arr.Len())
	}
	origin, err := bitHandle(c.sub, kind, upd.UnitAddr)
	if err != nil {
		return err
	}
	arr.Update(int(upd.Start), upd.Regs, origin)
	return nil
}

func (c *Connection) handleListUnitAddresses() error {
	msg, err := json.Marshal(map[string][]uint8{"ListUnitAddresses": c.di.Units()})
	if err != nil {
		return err
	}
	return c.enqueue(msg)
}

func (c *Connection) handleEcho(raw json.RawMessage) error {
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return err
	}
	msg, err := json.Marshal(map[string]int64{"Echo": n})
	if err != nil {
		return err
	}
	return c.enqueue(msg)
}

// buildUpdateFrame reads [start,start+length) out of kind's array for
// unit and marshals the corresponding Update* frame.
func buildUpdateFrame(t *tags.Tags, unit uint8, kind tags.Kind, start, length int) ([]byte, error) {
	key := "Update" + wireSuffix(kind)
	switch kind {
	case tags.Holding, tags.Input:
		arr := registerArray(t, kind)
		if start < 0 || start+length > arr.Len() {
			return nil, fmt.Errorf("range [%d,%d) out of bounds for len %d", start, start+length, arr.Len())
		}
		payload := regsUpdate{UnitAddr: unit, Start: uint16(start), Regs: arr.ReadSlice(start, length)}
		return json.Marshal(map[string]regsUpdate{key: payload})
	default:
		arr := bitArray(t, kind)
		if start < 0 || start+length > arr.Len() {
			return nil, fmt.Errorf("range [%d,%d) out of bounds for len %d", start, start+length, arr.Len())
		}
		payload := bitsUpdate{UnitAddr: unit, Start: uint16(start), Regs: arr.ReadSlice(start, length)}
		return json.Marshal(map[string]bitsUpdate{key: payload})
	}
}

func (c *Connection) enqueue(msg []byte) error {
	select {
	case c.send <- msg:
		return nil
	default:
		return fmt.Errorf("ws: send buffer full, dropping reply")
	}
}
