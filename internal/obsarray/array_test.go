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

package obsarray

import (
	"context"
	"testing"
	"time"
)

func ctxTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func TestUpdateVisibleToOtherSubscriberNotOrigin(t *testing.T) {
	arr, origin := New[uint16](100)
	sub := arr.CloneHandle()

	arr.Update(10, []uint16{1, 2, 3}, origin)

	ctx, cancel := ctxTimeout(time.Second)
	defer cancel()
	dirty, err := sub.Updated(ctx)
	if err != nil {
		t.Fatalf("Updated: %v", err)
	}
	got := dirty.Ranges()
	if len(got) != 1 || got[0].Lo != 10 || got[0].Hi != 13 {
		t.Fatalf("dirty ranges = %v, want [{10 13}]", got)
	}

	arr.Read(func(data []uint16) {
		if data[10] != 1 || data[11] != 2 || data[12] != 3 {
			t.Fatalf("data not written: %v", data[10:13])
		}
	})
}

func TestOriginDoesNotSeeItsOwnWrite(t *testing.T) {
	arr, origin := New[uint16](100)
	arr.Update(0, []uint16{7}, origin)

	ctx, cancel := ctxTimeout(50 * time.Millisecond)
	defer cancel()
	_, err := origin.Updated(ctx)
	if err == nil {
		t.Fatalf("origin should not have been notified of its own write")
	}
}

func TestUpdatedNeverYieldsEmptySet(t *testing.T) {
	arr, origin := New[uint16](10)
	sub := arr.CloneHandle()
	arr.Update(0, []uint16{1}, origin)

	ctx, cancel := ctxTimeout(time.Second)
	defer cancel()
	dirty, err := sub.Updated(ctx)
	if err != nil || dirty.IsEmpty() {
		t.Fatalf("first Updated should return a non-empty set, got %v, %v", dirty, err)
	}

	ctx2, cancel2 := ctxTimeout(50 * time.Millisecond)
	defer cancel2()
	_, err = sub.Updated(ctx2)
	if err == nil {
		t.Fatalf("second immediate Updated should suspend until the next write")
	}
}

func TestNotificationsCoalesce(t *testing.T) {
	arr, origin := New[uint16](100)
	sub := arr.CloneHandle()

	arr.Update(0, []uint16{1}, origin)
	arr.Update(5, []uint16{2}, origin)
	arr.Update(50, []uint16{3}, origin)

	ctx, cancel := ctxTimeout(time.Second)
	defer cancel()
	dirty, err := sub.Updated(ctx)
	if err != nil {
		t.Fatalf("Updated: %v", err)
	}
	want := []struct{ lo, hi int }{{0, 1}, {5, 6}, {50, 51}}
	got := dirty.Ranges()
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i, w := range want {
		if got[i].Lo != w.lo || got[i].Hi != w.hi {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestReleaseFreesSlotForReuse(t *testing.T) {
	arr, _ := New[uint16](10)
	h1 := arr.CloneHandle()
	idx1 := h1.Index()
	h1.Release()
	h2 := arr.CloneHandle()
	if h2.Index() != idx1 {
		t.Fatalf("released slot should be reused, got new index %d want %d", h2.Index(), idx1)
	}
}

func TestReadSliceReturnsCopy(t *testing.T) {
	arr, origin := New[uint16](10)
	arr.Update(0, []uint16{1, 2, 3}, origin)
	s := arr.ReadSlice(0, 3)
	s[0] = 99
	arr.Read(func(data []uint16) {
		if data[0] != 1 {
			t.Fatalf("ReadSlice must return an independent copy")
		}
	})
}

func TestLenAndIsEmpty(t *testing.T) {
	arr, _ := New[bool](65536)
	if arr.Len() != 65536 {
		t.Fatalf("Len() = %d, want 65536", arr.Len())
	}
	if arr.IsEmpty() {
		t.Fatalf("non-zero-length array must not be empty")
	}
	empty, _ := New[bool](0)
	if !empty.IsEmpty() {
		t.Fatalf("zero-length array must be empty")
	}
}
