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

package tags

import (
	"sort"

	"github.com/fluffware/mbtool/internal/catalogue"
)

// PlanEntry is one chunked read the client poller issues: read `Length`
// addresses of `Kind` starting at `Start` against `Unit`.
type PlanEntry struct {
	Unit   uint8
	Kind   Kind
	Start  uint16
	Length uint16
}

// ReadPlan is the ordered, pre-expanded sequence of reads the client
// poller cycles through forever (spec §3 "Read plan").
type ReadPlan []PlanEntry

// buildReadPlan enumerates every declared address range for every unit
// and kind, splitting each into chunks no larger than the kind's
// maximum request length (125 registers, 2000 bits), preserving
// declaration order within a range and range order within a unit (spec
// S5: range [0,300) over HR chunks to exactly (0,125),(125,125),(250,50)).
func buildReadPlan(cat []catalogue.Device) ReadPlan {
	var plan ReadPlan
	for _, d := range cat {
		for _, r := range d.Tags.Holding {
			plan = append(plan, chunkRange(d.Addr, Holding, r.Low, r.High)...)
		}
		for _, r := range d.Tags.Input {
			plan = append(plan, chunkRange(d.Addr, Input, r.Low, r.High)...)
		}
		plan = append(plan, chunkBits(d.Addr, Coils, d.Tags.Coils)...)
		plan = append(plan, chunkBits(d.Addr, Discrete, d.Tags.Discrete)...)
	}
	return plan
}

func chunkRange(unit uint8, kind Kind, low, high uint16) []PlanEntry {
	max := uint16(kind.MaxLength())
	total := int(high) - int(low) + 1
	var out []PlanEntry
	start := low
	remaining := total
	for remaining > 0 {
		length := max
		if uint16(remaining) < max {
			length = uint16(remaining)
		}
		out = append(out, PlanEntry{Unit: unit, Kind: kind, Start: start, Length: length})
		start += length
		remaining -= int(length)
	}
	return out
}

// chunkBits covers individually declared coil/discrete addresses by
// collapsing them into contiguous runs first, then chunking each run
// the same way chunkRange does for registers.
func chunkBits(unit uint8, kind Kind, bits []catalogue.Bit) []PlanEntry {
	if len(bits) == 0 {
		return nil
	}
	addrs := make([]uint16, len(bits))
	for i, b := range bits {
		addrs[i] = b.Addr
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	var out []PlanEntry
	runStart := addrs[0]
	runEnd := addrs[0]
	for _, a := range addrs[1:] {
		if a == runEnd+1 {
			runEnd = a
			continue
		}
		out = append(out, chunkRange(unit, kind, runStart, runEnd)...)
		runStart, runEnd = a, a
	}
	out = append(out, chunkRange(unit, kind, runStart, runEnd)...)
	return out
}
