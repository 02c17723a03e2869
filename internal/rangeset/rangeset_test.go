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

package rangeset

import "testing"

func ranges(s *Set) []Range { return s.Ranges() }

func eq(a, b []Range) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestInsertAscendingNonTouching(t *testing.T) {
	s := New()
	s.Insert(Range{10, 20})
	s.Insert(Range{0, 5})
	s.Insert(Range{30, 40})
	want := []Range{{0, 5}, {10, 20}, {30, 40}}
	if !eq(ranges(s), want) {
		t.Fatalf("got %v want %v", ranges(s), want)
	}
}

func TestInsertMergesTouchingAndOverlapping(t *testing.T) {
	s := New()
	s.Insert(Range{0, 5})
	s.Insert(Range{5, 10}) // touching, not overlapping: [5,10).Lo == [0,5).Hi
	want := []Range{{0, 10}}
	if !eq(ranges(s), want) {
		t.Fatalf("got %v want %v", ranges(s), want)
	}
}

// TestS4RangeSetMerging reproduces spec scenario S4: after inserting
// [2,3), [0,2), [-3,-1), [-1,0), [5,7), [4,6) the set is [-3,3) and
// [4,7); unioning in the final [2,6) bridges everything into [-3,7).
func TestS4RangeSetMerging(t *testing.T) {
	s := New()
	s.Insert(Range{2, 3})
	s.Insert(Range{0, 2})
	s.Insert(Range{-3, -1})
	s.Insert(Range{-1, 0})
	s.Insert(Range{5, 7})
	s.Insert(Range{4, 6})
	wantBeforeLast := []Range{{-3, 3}, {4, 7}}
	if !eq(ranges(s), wantBeforeLast) {
		t.Fatalf("before final insert: got %v want %v", ranges(s), wantBeforeLast)
	}
	s.Insert(Range{2, 6})
	wantFinal := []Range{{-3, 7}}
	if !eq(ranges(s), wantFinal) {
		t.Fatalf("after final insert: got %v want %v", ranges(s), wantFinal)
	}
}

func TestDrainEmptiesAndReturnsContents(t *testing.T) {
	s := New()
	s.Insert(Range{0, 10})
	drained := s.Drain()
	if !s.IsEmpty() {
		t.Fatalf("set should be empty after drain")
	}
	want := []Range{{0, 10}}
	if !eq(ranges(drained), want) {
		t.Fatalf("drained got %v want %v", ranges(drained), want)
	}
}

func TestInsertEmptyRangeIsNoop(t *testing.T) {
	s := New()
	s.Insert(Range{5, 5})
	if !s.IsEmpty() {
		t.Fatalf("inserting an empty range must be a no-op")
	}
}

func TestIsEmpty(t *testing.T) {
	s := New()
	if !s.IsEmpty() {
		t.Fatalf("new set must be empty")
	}
	s.Insert(Range{0, 1})
	if s.IsEmpty() {
		t.Fatalf("set with a range must not be empty")
	}
}
