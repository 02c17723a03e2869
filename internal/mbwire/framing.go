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

package mbwire

import (
	"encoding/binary"
	"fmt"
)

// TCPHeaderLength is the MBAP header size: transaction id (2) + protocol
// id (2) + length (2) + unit id (1).
const TCPHeaderLength = 7

// EncodeTCP wraps pdu in an MBAP frame.
func EncodeTCP(transactionID uint16, unitID byte, pdu PDU) ([]byte, error) {
	data := append([]byte{pdu.Function}, pdu.Data...)
	if len(data) > MaxPDULength {
		return nil, fmt.Errorf("mbwire: PDU length %d exceeds maximum %d", len(data), MaxPDULength)
	}
	length := uint16(len(data) + 1)
	frame := make([]byte, TCPHeaderLength+len(data))
	binary.BigEndian.PutUint16(frame[0:2], transactionID)
	binary.BigEndian.PutUint16(frame[2:4], ProtocolIdentifierTCP)
	binary.BigEndian.PutUint16(frame[4:6], length)
	frame[6] = unitID
	copy(frame[7:], data)
	return frame, nil
}

// DecodeTCP parses an MBAP frame into its transaction id, unit id and PDU.
func DecodeTCP(frame []byte) (transactionID uint16, unitID byte, pdu PDU, err error) {
	if len(frame) < TCPHeaderLength+1 {
		err = fmt.Errorf("mbwire: TCP frame too short: %d bytes", len(frame))
		return
	}
	transactionID = binary.BigEndian.Uint16(frame[0:2])
	protocolID := binary.BigEndian.Uint16(frame[2:4])
	length := binary.BigEndian.Uint16(frame[4:6])
	unitID = frame[6]
	if protocolID != ProtocolIdentifierTCP {
		err = fmt.Errorf("mbwire: unexpected protocol identifier 0x%04X", protocolID)
		return
	}
	if int(length) != len(frame)-6 {
		err = fmt.Errorf("mbwire: MBAP length field %d does not match frame size %d", length, len(frame)-6)
		return
	}
	pdu = PDU{Function: frame[7], Data: append([]byte{}, frame[8:]...)}
	return
}

// EncodeRTU wraps pdu in a unit-id + CRC RTU frame.
func EncodeRTU(unitID byte, pdu PDU) []byte {
	data := append([]byte{unitID, pdu.Function}, pdu.Data...)
	crc := CRC16(data)
	frame := make([]byte, len(data)+2)
	copy(frame, data)
	frame[len(frame)-2] = byte(crc)
	frame[len(frame)-1] = byte(crc >> 8)
	return frame
}

// DecodeRTU validates the CRC and extracts unit id and PDU from an RTU frame.
func DecodeRTU(frame []byte) (unitID byte, pdu PDU, err error) {
	if len(frame) < 4 {
		err = fmt.Errorf("mbwire: RTU frame too short: %d bytes", len(frame))
		return
	}
	payload := frame[:len(frame)-2]
	want := CRC16(payload)
	got := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8
	if want != got {
		err = fmt.Errorf("mbwire: RTU CRC mismatch: calculated 0x%04X, received 0x%04X", want, got)
		return
	}
	unitID = payload[0]
	pdu = PDU{Function: payload[1], Data: append([]byte{}, payload[2:]...)}
	return
}
