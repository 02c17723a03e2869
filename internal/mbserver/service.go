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

// Package mbserver implements the Modbus server (slave) role: a
// function-table PDU dispatcher over a DeviceIndex's register arrays,
// one Service per connection so each holds its own origin handle and
// server-originated writes never echo back to itself as changes.
package mbserver

import (
	"encoding/binary"

	"github.com/fluffware/mbtool/internal/applog"
	"github.com/fluffware/mbtool/internal/mbwire"
	"github.com/fluffware/mbtool/internal/tags"
)

// Service dispatches Modbus PDUs against a DeviceIndex on behalf of one
// connection. Build one per connection (spec §4.4: "The server runs one
// dispatcher per connection").
type Service struct {
	di  *tags.DeviceIndex
	sub *tags.Subscriber
	log *applog.Logger
	fn  [256]func(*Service, uint8, mbwire.PDU) mbwire.PDU
}

// New builds a dispatcher with its own subscriber (origin handle set)
// onto di's units.
func New(di *tags.DeviceIndex, log *applog.Logger) *Service {
	s := &Service{di: di, sub: di.Subscribe(), log: log}
	s.fn[mbwire.FuncReadCoils] = (*Service).readCoils
	s.fn[mbwire.FuncReadDiscreteInputs] = (*Service).readDiscrete
	s.fn[mbwire.FuncReadHoldingRegisters] = (*Service).readHolding
	s.fn[mbwire.FuncReadInputRegisters] = (*Service).readInput
	s.fn[mbwire.FuncWriteSingleCoil] = (*Service).writeSingleCoil
	s.fn[mbwire.FuncWriteSingleRegister] = (*Service).writeSingleRegister
	s.fn[mbwire.FuncWriteMultipleCoils] = (*Service).writeMultipleCoils
	s.fn[mbwire.FuncWriteMultipleRegisters] = (*Service).writeMultipleRegisters
	return s
}

// Close releases the dispatcher's subscriber slots.
func (s *Service) Close() { s.sub.Release() }

// Handle dispatches one request PDU addressed to unit and returns the
// response PDU (which may encode an Exception).
func (s *Service) Handle(unit uint8, req mbwire.PDU) mbwire.PDU {
	if _, err := s.di.Lookup(unit); err != nil {
		s.log.Warnf("unit %d not present: %v", unit, err)
		return exception(req.Function, mbwire.ExcServerDeviceFailure)
	}
	handler := s.fn[req.Function]
	if handler == nil {
		return exception(req.Function, mbwire.ExcIllegalFunction)
	}
	return handler(s, unit, req)
}

func exception(function, code byte) mbwire.PDU {
	return (&mbwire.Exception{Function: function, ExceptionCode: code}).Encode()
}

func (s *Service) readHolding(unit uint8, req mbwire.PDU) mbwire.PDU {
	start, qty, ok := decodeReadRequest(req.Data)
	arr, _ := s.di.Lookup(unit)
	if !ok || int(start)+int(qty) > arr.Holding.Len() {
		return exception(req.Function, mbwire.ExcIllegalDataAddress)
	}
	values := arr.Holding.ReadSlice(int(start), int(qty))
	data := mbwire.PutUint16s(values...)
	return mbwire.PDU{Function: req.Function, Data: append([]byte{byte(len(data))}, data...)}
}

func (s *Service) readInput(unit uint8, req mbwire.PDU) mbwire.PDU {
	start, qty, ok := decodeReadRequest(req.Data)
	arr, _ := s.di.Lookup(unit)
	if !ok || int(start)+int(qty) > arr.Input.Len() {
		return exception(req.Function, mbwire.ExcIllegalDataAddress)
	}
	values := arr.Input.ReadSlice(int(start), int(qty))
	data := mbwire.PutUint16s(values...)
	return mbwire.PDU{Function: req.Function, Data: append([]byte{byte(len(data))}, data...)}
}

func (s *Service) readCoils(unit uint8, req mbwire.PDU) mbwire.PDU {
	start, qty, ok := decodeReadRequest(req.Data)
	arr, _ := s.di.Lookup(unit)
	if !ok || int(start)+int(qty) > arr.Coils.Len() {
		return exception(req.Function, mbwire.ExcIllegalDataAddress)
	}
	bits := arr.Coils.ReadSlice(int(start), int(qty))
	packed := mbwire.PackBits(bits)
	return mbwire.PDU{Function: req.Function, Data: append([]byte{byte(len(packed))}, packed...)}
}

func (s *Service) readDiscrete(unit uint8, req mbwire.PDU) mbwire.PDU {
	start, qty, ok := decodeReadRequest(req.Data)
	arr, _ := s.di.Lookup(unit)
	if !ok || int(start)+int(qty) > arr.Discrete.Len() {
		return exception(req.Function, mbwire.ExcIllegalDataAddress)
	}
	bits := arr.Discrete.ReadSlice(int(start), int(qty))
	packed := mbwire.PackBits(bits)
	return mbwire.PDU{Function: req.Function, Data: append([]byte{byte(len(packed))}, packed...)}
}

func (s *Service) writeSingleRegister(unit uint8, req mbwire.PDU) mbwire.PDU {
	if len(req.Data) != 4 {
		return exception(req.Function, mbwire.ExcIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(req.Data[0:2])
	value := binary.BigEndian.Uint16(req.Data[2:4])
	h, _ := s.sub.Holding(unit)
	arr, _ := s.di.Lookup(unit)
	if int(addr) >= arr.Holding.Len() {
		return exception(req.Function, mbwire.ExcIllegalDataAddress)
	}
	arr.Holding.Update(int(addr), []uint16{value}, h)
	return mbwire.PDU{Function: req.Function, Data: append([]byte{}, req.Data...)}
}

func (s *Service) writeMultipleRegisters(unit uint8, req mbwire.PDU) mbwire.PDU {
	if len(req.Data) < 5 {
		return exception(req.Function, mbwire.ExcIllegalDataValue)
	}
	start := binary.BigEndian.Uint16(req.Data[0:2])
	qty := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := req.Data[4]
	if int(byteCount) != int(qty)*2 || len(req.Data) < 5+int(byteCount) {
		return exception(req.Function, mbwire.ExcIllegalDataValue)
	}
	h, _ := s.sub.Holding(unit)
	arr, _ := s.di.Lookup(unit)
	if int(start)+int(qty) > arr.Holding.Len() {
		return exception(req.Function, mbwire.ExcIllegalDataAddress)
	}
	values := make([]uint16, qty)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(req.Data[5+i*2:])
	}
	arr.Holding.Update(int(start), values, h)
	return mbwire.PDU{Function: req.Function, Data: req.Data[0:4]}
}

func (s *Service) writeSingleCoil(unit uint8, req mbwire.PDU) mbwire.PDU {
	if len(req.Data) != 4 {
		return exception(req.Function, mbwire.ExcIllegalDataValue)
	}
	addr := binary.BigEndian.Uint16(req.Data[0:2])
	on := binary.BigEndian.Uint16(req.Data[2:4]) == 0xFF00
	h, _ := s.sub.Coils(unit)
	arr, _ := s.di.Lookup(unit)
	if int(addr) >= arr.Coils.Len() {
		return exception(req.Function, mbwire.ExcIllegalDataAddress)
	}
	arr.Coils.Update(int(addr), []bool{on}, h)
	return mbwire.PDU{Function: req.Function, Data: append([]byte{}, req.Data...)}
}

func (s *Service) writeMultipleCoils(unit uint8, req mbwire.PDU) mbwire.PDU {
	if len(req.Data) < 5 {
		return exception(req.Function, mbwire.ExcIllegalDataValue)
	}
	start := binary.BigEndian.Uint16(req.Data[0:2])
	qty := binary.BigEndian.Uint16(req.Data[2:4])
	byteCount := req.Data[4]
	expected := (int(qty) + 7) / 8
	if int(byteCount) != expected || len(req.Data) < 5+expected {
		return exception(req.Function, mbwire.ExcIllegalDataValue)
	}
	h, _ := s.sub.Coils(unit)
	arr, _ := s.di.Lookup(unit)
	if int(start)+int(qty) > arr.Coils.Len() {
		return exception(req.Function, mbwire.ExcIllegalDataAddress)
	}
	bits := mbwire.UnpackBits(req.Data[5:5+expected], int(qty))
	arr.Coils.Update(int(start), bits, h)
	return mbwire.PDU{Function: req.Function, Data: req.Data[0:4]}
}

// decodeReadRequest parses the 4-byte (start, quantity) payload shared
// by every read function code.
func decodeReadRequest(data []byte) (start, qty uint16, ok bool) {
	if len(data) != 4 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint16(data[0:2]), binary.BigEndian.Uint16(data[2:4]), true
}
