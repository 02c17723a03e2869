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

package mbclient

import (
	"encoding/binary"
	"fmt"

	"github.com/fluffware/mbtool/internal/mbwire"
)

// ReadRequest builds a read PDU for any of the four read function codes.
func ReadRequest(function byte, start, qty uint16) mbwire.PDU {
	return mbwire.PDU{Function: function, Data: mbwire.PutUint16s(start, qty)}
}

// DecodeReadRegisters parses a ReadHoldingRegisters/ReadInputRegisters
// response payload into its register values.
func DecodeReadRegisters(pdu mbwire.PDU) ([]uint16, error) {
	if len(pdu.Data) < 1 {
		return nil, fmt.Errorf("mbclient: empty register read response")
	}
	n := int(pdu.Data[0])
	if len(pdu.Data) != 1+n || n%2 != 0 {
		return nil, fmt.Errorf("mbclient: malformed register read response (byte count %d, got %d bytes)", n, len(pdu.Data)-1)
	}
	values := make([]uint16, n/2)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(pdu.Data[1+i*2:])
	}
	return values, nil
}

// DecodeReadBits parses a ReadCoils/ReadDiscreteInputs response payload
// into count bit values.
func DecodeReadBits(pdu mbwire.PDU, count int) ([]bool, error) {
	if len(pdu.Data) < 1 {
		return nil, fmt.Errorf("mbclient: empty bit read response")
	}
	n := int(pdu.Data[0])
	expected := (count + 7) / 8
	if n != expected || len(pdu.Data) != 1+n {
		return nil, fmt.Errorf("mbclient: malformed bit read response (byte count %d, want %d)", n, expected)
	}
	return mbwire.UnpackBits(pdu.Data[1:], count), nil
}

// WriteSingleRegisterRequest builds a WriteSingleRegister PDU.
func WriteSingleRegisterRequest(addr, value uint16) mbwire.PDU {
	return mbwire.PDU{Function: mbwire.FuncWriteSingleRegister, Data: mbwire.PutUint16s(addr, value)}
}

// WriteMultipleRegistersRequest builds a WriteMultipleRegisters PDU.
func WriteMultipleRegistersRequest(start uint16, values []uint16) mbwire.PDU {
	data := mbwire.PutUint16s(start, uint16(len(values)))
	payload := mbwire.PutUint16s(values...)
	data = append(data, byte(len(payload)))
	data = append(data, payload...)
	return mbwire.PDU{Function: mbwire.FuncWriteMultipleRegisters, Data: data}
}

// WriteSingleCoilRequest builds a WriteSingleCoil PDU.
func WriteSingleCoilRequest(addr uint16, on bool) mbwire.PDU {
	v := uint16(0x0000)
	if on {
		v = 0xFF00
	}
	return mbwire.PDU{Function: mbwire.FuncWriteSingleCoil, Data: mbwire.PutUint16s(addr, v)}
}

// WriteMultipleCoilsRequest builds a WriteMultipleCoils PDU.
func WriteMultipleCoilsRequest(start uint16, bits []bool) mbwire.PDU {
	data := mbwire.PutUint16s(start, uint16(len(bits)))
	packed := mbwire.PackBits(bits)
	data = append(data, byte(len(packed)))
	data = append(data, packed...)
	return mbwire.PDU{Function: mbwire.FuncWriteMultipleCoils, Data: data}
}
