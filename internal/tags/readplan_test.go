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
	"testing"

	"github.com/fluffware/mbtool/internal/catalogue"
)

// S5 — ReadPlan chunking: a declared holding range [0,300) chunks to
// exactly (HR,0,125), (HR,125,125), (HR,250,50), in that order.
func TestBuildReadPlanChunksHoldingRange(t *testing.T) {
	cat := []catalogue.Device{
		{Addr: 1, Tags: catalogue.TagDefs{Holding: []catalogue.RegRange{{Low: 0, High: 299}}}},
	}
	plan := buildReadPlan(cat)
	want := []PlanEntry{
		{Unit: 1, Kind: Holding, Start: 0, Length: 125},
		{Unit: 1, Kind: Holding, Start: 125, Length: 125},
		{Unit: 1, Kind: Holding, Start: 250, Length: 50},
	}
	if len(plan) != len(want) {
		t.Fatalf("got %d entries, want %d: %+v", len(plan), len(want), plan)
	}
	for i := range want {
		if plan[i] != want[i] {
			t.Fatalf("entry %d: got %+v, want %+v", i, plan[i], want[i])
		}
	}
}

func TestBuildReadPlanChunksBitRuns(t *testing.T) {
	bits := make([]catalogue.Bit, 0, 2100)
	for a := uint16(0); a < 2100; a++ {
		bits = append(bits, catalogue.Bit{Addr: a})
	}
	cat := []catalogue.Device{
		{Addr: 3, Tags: catalogue.TagDefs{Coils: bits}},
	}
	plan := buildReadPlan(cat)
	want := []PlanEntry{
		{Unit: 3, Kind: Coils, Start: 0, Length: 2000},
		{Unit: 3, Kind: Coils, Start: 2000, Length: 100},
	}
	if len(plan) != len(want) {
		t.Fatalf("got %d entries, want %d", len(plan), len(want))
	}
	for i := range want {
		if plan[i] != want[i] {
			t.Fatalf("entry %d: got %+v, want %+v", i, plan[i], want[i])
		}
	}
}

func TestBuildReadPlanSplitsAddressGaps(t *testing.T) {
	cat := []catalogue.Device{
		{Addr: 1, Tags: catalogue.TagDefs{Discrete: []catalogue.Bit{
			{Addr: 0}, {Addr: 1}, {Addr: 5}, {Addr: 6},
		}}},
	}
	plan := buildReadPlan(cat)
	want := []PlanEntry{
		{Unit: 1, Kind: Discrete, Start: 0, Length: 2},
		{Unit: 1, Kind: Discrete, Start: 5, Length: 2},
	}
	if len(plan) != len(want) {
		t.Fatalf("got %+v, want %+v", plan, want)
	}
	for i := range want {
		if plan[i] != want[i] {
			t.Fatalf("entry %d: got %+v, want %+v", i, plan[i], want[i])
		}
	}
}

func TestBuildReadPlanMultipleUnitsPreservesOrder(t *testing.T) {
	cat := []catalogue.Device{
		{Addr: 2, Tags: catalogue.TagDefs{Holding: []catalogue.RegRange{{Low: 0, High: 9}}}},
		{Addr: 1, Tags: catalogue.TagDefs{Holding: []catalogue.RegRange{{Low: 0, High: 9}}}},
	}
	plan := buildReadPlan(cat)
	if len(plan) != 2 || plan[0].Unit != 2 || plan[1].Unit != 1 {
		t.Fatalf("expected declaration order (unit 2 then 1), got %+v", plan)
	}
}
