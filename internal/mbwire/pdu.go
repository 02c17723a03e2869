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

// Package mbwire holds the Modbus wire vocabulary shared by the server
// dispatcher and the client transports: function codes, the PDU type,
// exception codes, CRC-16, and the MBAP/RTU framing helpers.
package mbwire

import "encoding/binary"

// Function codes supported by this bridge (spec §4.4/§6: 1,2,3,4,5,6,15,16).
const (
	FuncReadCoils              byte = 0x01
	FuncReadDiscreteInputs     byte = 0x02
	FuncReadHoldingRegisters   byte = 0x03
	FuncReadInputRegisters     byte = 0x04
	FuncWriteSingleCoil        byte = 0x05
	FuncWriteSingleRegister    byte = 0x06
	FuncWriteMultipleCoils     byte = 0x0F
	FuncWriteMultipleRegisters byte = 0x10
)

// Exception codes (spec §6/§7).
const (
	ExcIllegalFunction     byte = 0x01
	ExcIllegalDataAddress  byte = 0x02
	ExcIllegalDataValue    byte = 0x03
	ExcServerDeviceFailure byte = 0x04
)

// ProtocolIdentifierTCP is the MBAP protocol identifier for Modbus.
const ProtocolIdentifierTCP uint16 = 0x0000

// MaxPDULength is the maximum Modbus PDU payload length, function code
// included.
const MaxPDULength = 253

// PDU is a Modbus request or response Protocol Data Unit: a function
// code plus its payload, independent of transport framing.
type PDU struct {
	Function byte
	Data     []byte
}

// Exception reports a Modbus-level protocol exception: the request's
// function code with its high bit set, plus the exception code.
type Exception struct {
	Function      byte
	ExceptionCode byte
}

func (e *Exception) Error() string {
	return "modbus exception 0x" + hexByte(e.ExceptionCode) + " for function 0x" + hexByte(e.Function)
}

// Encode renders the exception as a response PDU: function|0x80 followed
// by the exception code byte.
func (e *Exception) Encode() PDU {
	return PDU{Function: e.Function | 0x80, Data: []byte{e.ExceptionCode}}
}

// DecodeException returns (exception, true) if pdu is an exception
// response (function code's high bit set).
func DecodeException(pdu PDU) (*Exception, bool) {
	if pdu.Function&0x80 == 0 || len(pdu.Data) < 1 {
		return nil, false
	}
	return &Exception{Function: pdu.Function &^ 0x80, ExceptionCode: pdu.Data[0]}, true
}

func hexByte(b byte) string {
	const digits = "0123456789ABCDEF"
	return string([]byte{digits[b>>4], digits[b&0xF]})
}

// PutUint16s writes a sequence of big-endian uint16 values.
func PutUint16s(values ...uint16) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(out[i*2:], v)
	}
	return out
}

// PackBits packs bit values into the coil/discrete wire representation
// used by function codes 1/2/15, least significant bit first. The
// result carries no byte-count prefix; callers prepend it.
func PackBits(bits []bool) []byte {
	n := (len(bits) + 7) / 8
	out := make([]byte, n)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// UnpackBits extracts count bits from a byte-packed coil/discrete payload.
func UnpackBits(data []byte, count int) []bool {
	out := make([]bool, count)
	for i := 0; i < count; i++ {
		out[i] = data[i/8]&(1<<uint(i%8)) != 0
	}
	return out
}
