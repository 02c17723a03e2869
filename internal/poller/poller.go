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

// Package poller implements ClientPoller, the master-side state machine
// that rotates DeviceIndex's read plan against a live session and
// flushes local writes back out ahead of the next scheduled poll.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/fluffware/mbtool/internal/applog"
	"github.com/fluffware/mbtool/internal/mbclient"
	"github.com/fluffware/mbtool/internal/mbwire"
	"github.com/fluffware/mbtool/internal/rangeset"
	"github.com/fluffware/mbtool/internal/tags"
)

// ReadRequestTimeout is the per-request deadline while polling (spec
// §4.5/§5: "client read request = 500 ms (constant)").
const ReadRequestTimeout = 500 * time.Millisecond

// BackoffDelay is how long the poller waits before retrying a connect
// after a transport failure (spec §4.5/§5: "connect-retry backoff = 2 s").
const BackoffDelay = 2 * time.Second

// DefaultPollInterval is used when the configured interval is zero.
const DefaultPollInterval = 100 * time.Millisecond

// Dialer opens a fresh session each time the poller needs to (re)connect.
type Dialer func(ctx context.Context) (*mbclient.Session, error)

// state names the poller's state machine position (spec §4.5).
type state int

const (
	stateConnecting state = iota
	statePolling
	stateFlushingWrites
	stateBackoff
)

// ClientPoller drives the master-role poll/write loop against one
// DeviceIndex over one logical connection.
type ClientPoller struct {
	di           *tags.DeviceIndex
	sub          *tags.Subscriber
	dial         Dialer
	log          *applog.Logger
	pollInterval time.Duration

	session *mbclient.Session
	planPos int

	// pendingFlush carries the change event that moved the machine into
	// stateFlushingWrites from poll to flush.
	pendingFlush *tags.ChangeEvent
}

// New builds a poller with its own subscriber (origin handle set) on
// di, so its poll-driven writes never echo back to itself.
func New(di *tags.DeviceIndex, dial Dialer, pollInterval time.Duration, log *applog.Logger) *ClientPoller {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &ClientPoller{
		di:           di,
		sub:          di.Subscribe(),
		dial:         dial,
		log:          log,
		pollInterval: pollInterval,
	}
}

// Close releases the poller's subscriber slots and any open session.
func (p *ClientPoller) Close() {
	p.sub.Release()
	if p.session != nil {
		p.session.Close()
	}
}

// Run drives the state machine until ctx is cancelled and then returns
// nil. Connect and transport failures are absorbed by the Backoff and
// Connecting states, so no error ends the loop.
func (p *ClientPoller) Run(ctx context.Context) error {
	st := stateConnecting
	for {
		if ctx.Err() != nil {
			return nil
		}
		switch st {
		case stateConnecting:
			st = p.connect(ctx)
		case statePolling:
			st = p.poll(ctx)
		case stateFlushingWrites:
			st = p.flush(ctx)
		case stateBackoff:
			st = p.backoff(ctx)
		}
	}
}

func (p *ClientPoller) connect(ctx context.Context) state {
	session, err := p.dial(ctx)
	if err != nil {
		p.log.Warnf("connect failed: %v", err)
		return stateBackoff
	}
	p.session = session
	return statePolling
}

func (p *ClientPoller) backoff(ctx context.Context) state {
	select {
	case <-time.After(BackoffDelay):
		return stateConnecting
	case <-ctx.Done():
		return stateConnecting
	}
}

// poll issues the next plan entry, then waits for either the poll
// interval to elapse or a local write to arrive; a local write takes
// priority over the next scheduled poll (spec §4.5, Open Question:
// write-first).
func (p *ClientPoller) poll(ctx context.Context) state {
	plan := p.di.Plan()
	if len(plan) == 0 {
		select {
		case <-time.After(p.pollInterval):
		case <-ctx.Done():
		}
		return statePolling
	}

	entry := plan[p.planPos]
	p.planPos = (p.planPos + 1) % len(plan)

	if err := p.issueRead(entry); err != nil {
		if errors.Is(err, mbclient.ErrBrokenPipe) {
			p.log.Warnf("broken pipe polling unit %d %s: %v", entry.Unit, entry.Kind, err)
			return stateBackoff
		}
		var exc *mbwire.Exception
		if errors.As(err, &exc) {
			p.log.Warnf("exception polling unit %d %s: %v", entry.Unit, entry.Kind, err)
		} else {
			p.log.Warnf("error polling unit %d %s: %v", entry.Unit, entry.Kind, err)
		}
	}

	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()
	type updateResult struct {
		ev  tags.ChangeEvent
		err error
	}
	updates := make(chan updateResult, 1)
	updateCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ev, err := p.sub.Updated(updateCtx)
		updates <- updateResult{ev, err}
	}()

	select {
	case res := <-updates:
		if res.err != nil {
			return statePolling
		}
		p.pendingFlush = &res.ev
		return stateFlushingWrites
	case <-timer.C:
		// A local write may have landed in the same instant the timer
		// fired; give it priority over the tick it raced (spec §4.5,
		// §9 Open Question: write-first).
		select {
		case res := <-updates:
			cancel()
			if res.err == nil {
				p.pendingFlush = &res.ev
				return stateFlushingWrites
			}
		default:
			cancel()
			if res := <-updates; res.err == nil {
				p.pendingFlush = &res.ev
				return stateFlushingWrites
			}
		}
		return statePolling
	case <-ctx.Done():
		cancel()
		<-updates
		return statePolling
	}
}

func (p *ClientPoller) issueRead(entry tags.PlanEntry) error {
	t, err := p.di.Lookup(entry.Unit)
	if err != nil {
		return err
	}
	switch entry.Kind {
	case tags.Holding:
		h, _ := p.sub.Holding(entry.Unit)
		req := mbclient.ReadRequest(mbwire.FuncReadHoldingRegisters, entry.Start, entry.Length)
		resp, err := p.session.Do(entry.Unit, req, ReadRequestTimeout)
		if err != nil {
			return err
		}
		if exc, ok := mbwire.DecodeException(resp); ok {
			return exc
		}
		values, err := mbclient.DecodeReadRegisters(resp)
		if err != nil {
			return err
		}
		t.Holding.Update(int(entry.Start), values, h)
	case tags.Input:
		h, _ := p.sub.Input(entry.Unit)
		req := mbclient.ReadRequest(mbwire.FuncReadInputRegisters, entry.Start, entry.Length)
		resp, err := p.session.Do(entry.Unit, req, ReadRequestTimeout)
		if err != nil {
			return err
		}
		if exc, ok := mbwire.DecodeException(resp); ok {
			return exc
		}
		values, err := mbclient.DecodeReadRegisters(resp)
		if err != nil {
			return err
		}
		t.Input.Update(int(entry.Start), values, h)
	case tags.Coils:
		h, _ := p.sub.Coils(entry.Unit)
		req := mbclient.ReadRequest(mbwire.FuncReadCoils, entry.Start, entry.Length)
		resp, err := p.session.Do(entry.Unit, req, ReadRequestTimeout)
		if err != nil {
			return err
		}
		if exc, ok := mbwire.DecodeException(resp); ok {
			return exc
		}
		bits, err := mbclient.DecodeReadBits(resp, int(entry.Length))
		if err != nil {
			return err
		}
		t.Coils.Update(int(entry.Start), bits, h)
	case tags.Discrete:
		h, _ := p.sub.Discrete(entry.Unit)
		req := mbclient.ReadRequest(mbwire.FuncReadDiscreteInputs, entry.Start, entry.Length)
		resp, err := p.session.Do(entry.Unit, req, ReadRequestTimeout)
		if err != nil {
			return err
		}
		if exc, ok := mbwire.DecodeException(resp); ok {
			return exc
		}
		bits, err := mbclient.DecodeReadBits(resp, int(entry.Length))
		if err != nil {
			return err
		}
		t.Discrete.Update(int(entry.Start), bits, h)
	}
	return nil
}

// flush drains the locally-written-back kinds (HoldingRegisters, Coils —
// the two client-writable kinds, spec §4.5) for the unit that triggered
// FlushingWrites, and writes each dirty interval back out: a single
// write request when the interval covers one address, a multiple-write
// request otherwise. A write that fails is logged and not retried; the
// next poll or the next superseding write corrects it (spec §4.5).
func (p *ClientPoller) flush(ctx context.Context) state {
	ev := p.pendingFlush
	p.pendingFlush = nil
	if ev == nil {
		return statePolling
	}
	t, err := p.di.Lookup(ev.Unit)
	if err != nil {
		return statePolling
	}

	// Updated already drained the triggering kind's dirty set into ev.
	switch ev.Kind {
	case tags.Holding:
		p.flushHolding(ev.Unit, t, ev.Dirty)
	case tags.Coils:
		p.flushCoils(ev.Unit, t, ev.Dirty)
	}
	if h, err := p.sub.Holding(ev.Unit); err == nil {
		if dirty, ok := h.TryDrain(); ok {
			p.flushHolding(ev.Unit, t, dirty)
		}
	}
	if h, err := p.sub.Coils(ev.Unit); err == nil {
		if dirty, ok := h.TryDrain(); ok {
			p.flushCoils(ev.Unit, t, dirty)
		}
	}
	return statePolling
}

func (p *ClientPoller) flushHolding(unit uint8, t *tags.Tags, dirty *rangeset.Set) {
	for _, r := range dirty.Ranges() {
		length := r.Hi - r.Lo
		values := t.Holding.ReadSlice(r.Lo, length)
		var req mbwire.PDU
		if length == 1 {
			req = mbclient.WriteSingleRegisterRequest(uint16(r.Lo), values[0])
		} else {
			req = mbclient.WriteMultipleRegistersRequest(uint16(r.Lo), values)
		}
		if _, err := p.session.Do(unit, req, ReadRequestTimeout); err != nil {
			p.log.Warnf("write holding [%d,%d) on unit %d failed: %v", r.Lo, r.Hi, unit, err)
		}
	}
}

func (p *ClientPoller) flushCoils(unit uint8, t *tags.Tags, dirty *rangeset.Set) {
	for _, r := range dirty.Ranges() {
		length := r.Hi - r.Lo
		bits := t.Coils.ReadSlice(r.Lo, length)
		var req mbwire.PDU
		if length == 1 {
			req = mbclient.WriteSingleCoilRequest(uint16(r.Lo), bits[0])
		} else {
			req = mbclient.WriteMultipleCoilsRequest(uint16(r.Lo), bits)
		}
		if _, err := p.session.Do(unit, req, ReadRequestTimeout); err != nil {
			p.log.Warnf("write coils [%d,%d) on unit %d failed: %v", r.Lo, r.Hi, unit, err)
		}
	}
}
