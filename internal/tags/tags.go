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

// Package tags holds the per-unit register image (Tags) and the
// address-keyed collection of units (DeviceIndex) that the server
// dispatcher, the client poller and the websocket bridge all share.
package tags

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/fluffware/mbtool/internal/applog"
	"github.com/fluffware/mbtool/internal/catalogue"
	"github.com/fluffware/mbtool/internal/obsarray"
	"github.com/fluffware/mbtool/internal/rangeset"
	"github.com/fluffware/mbtool/internal/regcodec"
)

// AddressSpace is the size of each of the four arrays backing a unit:
// the full 16-bit Modbus address range.
const AddressSpace = 1 << 16

// Kind distinguishes which of a unit's four arrays a reference names.
type Kind int

const (
	Holding Kind = iota
	Input
	Coils
	Discrete
)

func (k Kind) String() string {
	switch k {
	case Holding:
		return "HR"
	case Input:
		return "IR"
	case Coils:
		return "C"
	case Discrete:
		return "DI"
	default:
		return "?"
	}
}

// MaxLength is the largest request length a single read/write may
// address for a given kind: 125 registers, 2000 bits.
func (k Kind) MaxLength() int {
	switch k {
	case Holding, Input:
		return 125
	default:
		return 2000
	}
}

// Tags is the quadruple of observable arrays backing one Modbus unit.
type Tags struct {
	Holding  *obsarray.Array[uint16]
	Input    *obsarray.Array[uint16]
	Coils    *obsarray.Array[bool]
	Discrete *obsarray.Array[bool]
}

// newTags allocates a unit's four arrays at full address-space size and
// writes the catalogue's declared initial values through the arrays'
// own origin handles (subscriber #0, never exposed again), so they land
// as state rather than as change events. Initial-value strings that
// fail to parse are logged and skipped; the backing register keeps its
// zero default (spec §4.3).
func newTags(def catalogue.TagDefs, log *applog.Logger) *Tags {
	holdingArr, holdingOrigin := obsarray.New[uint16](AddressSpace)
	inputArr, inputOrigin := obsarray.New[uint16](AddressSpace)
	coilsArr, coilsOrigin := obsarray.New[bool](AddressSpace)
	discreteArr, discreteOrigin := obsarray.New[bool](AddressSpace)

	for _, r := range def.Holding {
		writeInitialWords(holdingArr, holdingOrigin, r, log)
	}
	for _, r := range def.Input {
		writeInitialWords(inputArr, inputOrigin, r, log)
	}
	for _, b := range def.Coils {
		if b.Initial {
			coilsArr.Update(int(b.Addr), []bool{true}, coilsOrigin)
		}
	}
	for _, b := range def.Discrete {
		if b.Initial {
			discreteArr.Update(int(b.Addr), []bool{true}, discreteOrigin)
		}
	}
	return &Tags{Holding: holdingArr, Input: inputArr, Coils: coilsArr, Discrete: discreteArr}
}

func writeInitialWords(arr *obsarray.Array[uint16], origin obsarray.Handle[uint16], r catalogue.RegRange, log *applog.Logger) {
	if r.Initial == "" {
		return
	}
	words, err := regcodec.Parse(int(r.High-r.Low)+1, decodeEncoding(r.Encoding), r.Initial)
	if err != nil {
		log.Warnf("initial value %q for range [%d,%d] (%s): %v", r.Initial, r.Low, r.High, r.Label, err)
		return
	}
	arr.Update(int(r.Low), words, origin)
}

// decodeEncoding maps the catalogue's opaque encoding string onto a
// regcodec.Encoding. The grammar is colon-separated tokens, e.g.
// "int:signed:BB:BW" or "float" or "string"; unrecognised or absent
// tokens fall back to their zero-value default (unsigned, big-endian
// bytes, big-endian words).
func decodeEncoding(spec string) regcodec.Encoding {
	enc := regcodec.Encoding{Value: regcodec.Integer, Fill: ' '}
	for _, tok := range splitEncoding(spec) {
		switch tok {
		case "int", "integer":
			enc.Value = regcodec.Integer
		case "float":
			enc.Value = regcodec.Float
		case "string", "str":
			enc.Value = regcodec.String
		case "signed":
			enc.Signed = true
		case "unsigned":
			enc.Signed = false
		case "BB":
			enc.ByteOrder = regcodec.BigEndianBytes
		case "LB":
			enc.ByteOrder = regcodec.LittleEndianBytes
		case "BW":
			enc.WordOrder = regcodec.BigEndianWords
		case "LW":
			enc.WordOrder = regcodec.LittleEndianWords
		}
	}
	return enc
}

func splitEncoding(spec string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(spec); i++ {
		if i == len(spec) || spec[i] == ':' {
			if i > start {
				out = append(out, spec[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// ErrNotFound is returned for an absent unit address.
var ErrNotFound = errors.New("tags: unit not found")

type unitEntry struct {
	addr   uint8
	tags   *Tags
	device catalogue.Device
}

// DeviceIndex maps UnitAddr -> Tags, sorted by address for O(log n)
// lookup, and precomputes the client ReadPlan across every unit.
type DeviceIndex struct {
	units []unitEntry
	plan  ReadPlan
}

// Build allocates Tags for every device in the catalogue, sorted by
// unit address, and derives the combined read plan.
func Build(cat []catalogue.Device, log *applog.Logger) *DeviceIndex {
	units := make([]unitEntry, len(cat))
	for i, d := range cat {
		units[i] = unitEntry{addr: d.Addr, tags: newTags(d.Tags, log), device: d}
	}
	sort.Slice(units, func(i, j int) bool { return units[i].addr < units[j].addr })

	return &DeviceIndex{units: units, plan: buildReadPlan(cat)}
}

func (di *DeviceIndex) indexOf(unit uint8) int {
	i := sort.Search(len(di.units), func(i int) bool { return di.units[i].addr >= unit })
	if i < len(di.units) && di.units[i].addr == unit {
		return i
	}
	return -1
}

// Lookup returns the Tags for unit, or ErrNotFound.
func (di *DeviceIndex) Lookup(unit uint8) (*Tags, error) {
	if i := di.indexOf(unit); i >= 0 {
		return di.units[i].tags, nil
	}
	return nil, fmt.Errorf("%w: unit %d", ErrNotFound, unit)
}

// Describe returns the catalogue.Device a unit was built from, or
// false if unit is not present.
func (di *DeviceIndex) Describe(unit uint8) (catalogue.Device, bool) {
	if i := di.indexOf(unit); i >= 0 {
		return di.units[i].device, true
	}
	return catalogue.Device{}, false
}

// Units returns the sorted unit addresses present in the index.
func (di *DeviceIndex) Units() []uint8 {
	out := make([]uint8, len(di.units))
	for i, u := range di.units {
		out[i] = u.addr
	}
	return out
}

// Plan returns the precomputed client read plan.
func (di *DeviceIndex) Plan() ReadPlan { return di.plan }

// ChangeEvent names the unit and kind whose dirty set is being reported,
// and the indices that changed.
type ChangeEvent struct {
	Unit  uint8
	Kind  Kind
	Dirty *rangeset.Set
}

// unitHandles is one consumer's four per-unit subscriber handles: its
// origin when it writes, and the vantage point it watches every other
// writer's changes from.
type unitHandles struct {
	holding  obsarray.Handle[uint16]
	input    obsarray.Handle[uint16]
	coils    obsarray.Handle[bool]
	discrete obsarray.Handle[bool]
}

// Subscriber is one consumer's view onto every unit in a DeviceIndex: a
// Modbus server connection, the client poller, or a websocket
// connection. Each gets its own handle per (unit, kind) so its own
// writes never appear in its own Updated() stream (spec §4.2 origin
// exclusion, §4.4/§4.7 "holds an origin handle").
type Subscriber struct {
	di      *DeviceIndex
	handles map[uint8]unitHandles
	rr      int
}

// Subscribe allocates a fresh handle on every array of every unit.
// Callers must call Release when done to free the subscriber slots.
func (di *DeviceIndex) Subscribe() *Subscriber {
	handles := make(map[uint8]unitHandles, len(di.units))
	for _, u := range di.units {
		handles[u.addr] = unitHandles{
			holding:  u.tags.Holding.CloneHandle(),
			input:    u.tags.Input.CloneHandle(),
			coils:    u.tags.Coils.CloneHandle(),
			discrete: u.tags.Discrete.CloneHandle(),
		}
	}
	return &Subscriber{di: di, handles: handles}
}

// Release frees every handle this subscriber holds.
func (s *Subscriber) Release() {
	for _, h := range s.handles {
		h.holding.Release()
		h.input.Release()
		h.coils.Release()
		h.discrete.Release()
	}
}

// Holding returns this subscriber's handle for unit's holding registers,
// to pass as the origin argument of Array.Update.
func (s *Subscriber) Holding(unit uint8) (obsarray.Handle[uint16], error) {
	h, ok := s.handles[unit]
	if !ok {
		return obsarray.Handle[uint16]{}, fmt.Errorf("%w: unit %d", ErrNotFound, unit)
	}
	return h.holding, nil
}

// Input returns this subscriber's handle for unit's input registers.
func (s *Subscriber) Input(unit uint8) (obsarray.Handle[uint16], error) {
	h, ok := s.handles[unit]
	if !ok {
		return obsarray.Handle[uint16]{}, fmt.Errorf("%w: unit %d", ErrNotFound, unit)
	}
	return h.input, nil
}

// Coils returns this subscriber's handle for unit's coils.
func (s *Subscriber) Coils(unit uint8) (obsarray.Handle[bool], error) {
	h, ok := s.handles[unit]
	if !ok {
		return obsarray.Handle[bool]{}, fmt.Errorf("%w: unit %d", ErrNotFound, unit)
	}
	return h.coils, nil
}

// Discrete returns this subscriber's handle for unit's discrete inputs.
func (s *Subscriber) Discrete(unit uint8) (obsarray.Handle[bool], error) {
	h, ok := s.handles[unit]
	if !ok {
		return obsarray.Handle[bool]{}, fmt.Errorf("%w: unit %d", ErrNotFound, unit)
	}
	return h.discrete, nil
}

type watchEntry struct {
	unit uint8
	kind Kind
	w    obsarray.Watchable
}

func (s *Subscriber) watchList() []watchEntry {
	units := s.di.Units()
	out := make([]watchEntry, 0, len(units)*4)
	for _, u := range units {
		h := s.handles[u]
		out = append(out,
			watchEntry{u, Holding, h.holding},
			watchEntry{u, Input, h.input},
			watchEntry{u, Coils, h.coils},
			watchEntry{u, Discrete, h.discrete},
		)
	}
	return out
}

// Updated blocks until any array of any unit has a pending change for
// this subscriber, returning the first one ready. When several are
// ready simultaneously it round-robins across (unit, kind) pairs on
// successive calls so a single busy array cannot starve the rest (spec
// §4.3, design note "Fairness in DeviceIndex::updated").
func (s *Subscriber) Updated(ctx context.Context) (ChangeEvent, error) {
	entries := s.watchList()
	if len(entries) == 0 {
		<-ctx.Done()
		return ChangeEvent{}, ctx.Err()
	}
	n := len(entries)

	for {
		for offset := 0; offset < n; offset++ {
			idx := (s.rr + offset) % n
			if dirty, ok := entries[idx].w.TryDrain(); ok {
				s.rr = (idx + 1) % n
				return ChangeEvent{Unit: entries[idx].unit, Kind: entries[idx].kind, Dirty: dirty}, nil
			}
		}

		// Nothing ready: block on whichever wakes first across every
		// array this subscriber watches. A notify queued in any of these
		// channels before we got here is still pending in the buffer, so
		// it is never missed just because we started selecting late.
		cases := make([]reflect.SelectCase, n+1)
		for i, e := range entries {
			cases[i] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(e.w.Wake())}
		}
		cases[n] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())}
		chosen, _, _ := reflect.Select(cases)
		if chosen == n {
			return ChangeEvent{}, ctx.Err()
		}
		// Loop back to the TryDrain scan, starting from whatever woke, so
		// the result reflects the accumulated dirty set rather than a
		// stale single notification.
		s.rr = chosen
	}
}
