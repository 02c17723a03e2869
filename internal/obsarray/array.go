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

// Package obsarray implements the register-image core: a fixed-size
// array shared by several concurrent producers and consumers, where
// every write is recorded as a dirty range against every subscriber
// except the one that made it.
package obsarray

import (
	"context"
	"sync"

	"github.com/fluffware/mbtool/internal/rangeset"
)

// slot holds one subscriber's pending dirty range and its at-most-one
// wakeup permit. A nil wake channel marks a released slot available for
// reuse.
type slot struct {
	dirty *rangeset.Set
	wake  chan struct{} // capacity 1, coalescing
}

func newSlot() *slot {
	return &slot{dirty: rangeset.New(), wake: make(chan struct{}, 1)}
}

func (s *slot) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Array is a fixed-length vector of T plus a subscriber table tracking,
// per subscriber, the index ranges mutated since that subscriber last
// drained its changes. A single exclusive lock serialises mutation and
// dirty-set bookkeeping; Read takes the same lock for a consistent
// snapshot, matching the bounded hold times required by spec ("Lock hold
// times are bounded by the PDU size").
type Array[T any] struct {
	mu    sync.Mutex
	data  []T
	slots []*slot // sparse; nil entries are free
}

// Handle is a subscriber's capability to write (as an origin, suppressing
// its own echo) and to await changes on an Array.
type Handle[T any] struct {
	arr *Array[T]
	idx int
}

// New allocates an array of length n (all elements default-initialised)
// and returns the origin handle (subscriber index 0). Initial values
// should be written through this handle before any other handle is
// cloned, so they land as state rather than as a change notification.
func New[T any](n int) (*Array[T], Handle[T]) {
	a := &Array[T]{data: make([]T, n)}
	origin := a.allocate()
	return a, origin
}

func (a *Array[T]) allocate() Handle[T] {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, s := range a.slots {
		if s == nil {
			a.slots[i] = newSlot()
			return Handle[T]{arr: a, idx: i}
		}
	}
	a.slots = append(a.slots, newSlot())
	return Handle[T]{arr: a, idx: len(a.slots) - 1}
}

// CloneHandle allocates a new subscriber slot with an empty dirty set.
func (a *Array[T]) CloneHandle() Handle[T] {
	return a.allocate()
}

// Release frees the handle's subscriber slot for reuse. After Release,
// the handle must not be used again.
func (h Handle[T]) Release() {
	h.arr.mu.Lock()
	defer h.arr.mu.Unlock()
	h.arr.slots[h.idx] = nil
}

// Len returns the array's fixed length.
func (a *Array[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.data)
}

// IsEmpty reports whether the array has zero length.
func (a *Array[T]) IsEmpty() bool {
	return a.Len() == 0
}

// Read runs f against an immutable snapshot of the full array, under the
// same lock used for writes, so PDU-sized reads never observe a torn
// write.
func (a *Array[T]) Read(f func(data []T)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f(a.data)
}

// ReadSlice returns a copy of data[start:start+length]. The caller is
// responsible for bounds validation (spec: out-of-range reads are
// rejected by the caller, e.g. server-side address checks).
func (a *Array[T]) ReadSlice(start, length int) []T {
	out := make([]T, length)
	a.mu.Lock()
	copy(out, a.data[start:start+length])
	a.mu.Unlock()
	return out
}

// Update writes data into [start, start+len(data)) and unions that range
// into the dirty set of every subscriber other than origin, waking each.
// Out-of-range writes panic: callers validate bounds before calling
// Update (spec §4.2 "bugs panic; no partial writes").
func (a *Array[T]) Update(start int, data []T, origin Handle[T]) {
	a.mu.Lock()
	copy(a.data[start:start+len(data)], data)
	r := rangeset.Range{Lo: start, Hi: start + len(data)}
	for i, s := range a.slots {
		if s == nil || i == origin.idx {
			continue
		}
		s.dirty.Insert(r)
		s.notify()
	}
	a.mu.Unlock()
}

// Updated blocks until h's dirty set is non-empty, then returns a
// drained copy of it. It registers for wakeup before checking the dirty
// set so that a notify racing with the check is never lost.
func (h Handle[T]) Updated(ctx context.Context) (*rangeset.Set, error) {
	s := h.arr.slotOf(h)
	for {
		h.arr.mu.Lock()
		if !s.dirty.IsEmpty() {
			drained := s.dirty.Drain()
			h.arr.mu.Unlock()
			return drained, nil
		}
		h.arr.mu.Unlock()

		select {
		case <-s.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (a *Array[T]) slotOf(h Handle[T]) *slot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.slots[h.idx]
}

// Index identifies the subscriber slot backing this handle; used by
// DeviceIndex to fan out Updated() across many arrays while keeping
// origin-exclusion distinguishable per array.
func (h Handle[T]) Index() int { return h.idx }

// Watchable erases an Array[T]'s element type down to the operations a
// fan-out wait over many differently-typed arrays needs: a non-blocking
// check and the underlying wake channel to select on. DeviceIndex uses
// it to await "any array of any unit" without knowing whether that
// array holds uint16 registers or bool coils.
type Watchable interface {
	TryDrain() (*rangeset.Set, bool)
	Wake() <-chan struct{}
}

// TryDrain returns h's dirty set without blocking, if it is non-empty.
func (h Handle[T]) TryDrain() (*rangeset.Set, bool) {
	h.arr.mu.Lock()
	defer h.arr.mu.Unlock()
	s := h.arr.slots[h.idx]
	if s.dirty.IsEmpty() {
		return nil, false
	}
	return s.dirty.Drain(), true
}

// Wake returns h's one-permit wakeup channel, readable by a caller
// select-ing across several handles' channels at once (DeviceIndex's
// fan-out); a buffered send already queued here is never lost just
// because nobody was selecting on it yet.
func (h Handle[T]) Wake() <-chan struct{} {
	h.arr.mu.Lock()
	defer h.arr.mu.Unlock()
	return h.arr.slots[h.idx].wake
}

// Await blocks until h's dirty set is non-empty and returns a drained
// copy; it is Updated under another name.
func (h Handle[T]) Await(ctx context.Context) (*rangeset.Set, error) {
	return h.Updated(ctx)
}
