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

package regcodec

import "testing"

func TestParseIntegerByteWordOrderCombinations(t *testing.T) {
	cases := []struct {
		byteOrder ByteOrder
		wordOrder WordOrder
		want      []uint16
	}{
		{BigEndianBytes, BigEndianWords, []uint16{0x0088, 0x4f68}},
		{BigEndianBytes, LittleEndianWords, []uint16{0x4f68, 0x0088}},
		{LittleEndianBytes, BigEndianWords, []uint16{0x8800, 0x684f}},
		{LittleEndianBytes, LittleEndianWords, []uint16{0x684f, 0x8800}},
	}
	for _, c := range cases {
		enc := Encoding{Value: Integer, Signed: false, ByteOrder: c.byteOrder, WordOrder: c.wordOrder}
		got, err := Parse(2, enc, "8933224")
		if err != nil {
			t.Fatalf("byteOrder=%v wordOrder=%v: %v", c.byteOrder, c.wordOrder, err)
		}
		if len(got) != len(c.want) || got[0] != c.want[0] || got[1] != c.want[1] {
			t.Fatalf("byteOrder=%v wordOrder=%v: got %04X, want %04X", c.byteOrder, c.wordOrder, got, c.want)
		}
	}
}

func TestParseIntegerHexAndBinaryPrefixes(t *testing.T) {
	enc := Encoding{Value: Integer, Signed: false}
	got, err := Parse(1, enc, "0xFF")
	if err != nil || got[0] != 0xFF {
		t.Fatalf("0xFF: got %v err %v", got, err)
	}
	got, err = Parse(1, enc, "0b101")
	if err != nil || got[0] != 5 {
		t.Fatalf("0b101: got %v err %v", got, err)
	}
}

func TestParseIntegerNegativeTwosComplement(t *testing.T) {
	enc := Encoding{Value: Integer, Signed: true}
	got, err := Parse(5, enc, "-123456789")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []uint16{0xffff, 0xffff, 0xffff, 0xf8a4, 0x32eb}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("word %d: got %04X, want %04X", i, got[i], want[i])
		}
	}
}

func TestParseIntegerNegativeRejectedWhenUnsigned(t *testing.T) {
	enc := Encoding{Value: Integer, Signed: false}
	if _, err := Parse(1, enc, "-1"); err == nil {
		t.Fatalf("expected error for negative value on unsigned encoding")
	}
}

func TestParseIntegerTooBig(t *testing.T) {
	enc := Encoding{Value: Integer, Signed: false}
	if _, err := Parse(1, enc, "0x10000"); err == nil {
		t.Fatalf("expected overflow error")
	}
}

func TestParseIntegerInvalidSyntax(t *testing.T) {
	enc := Encoding{Value: Integer, Signed: false}
	if _, err := Parse(1, enc, "not-a-number"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestParseFloat32(t *testing.T) {
	enc := Encoding{Value: Float}
	got, err := Parse(2, enc, "3.14")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []uint16{0x4048, 0xf5c3}
	if got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %04X, want %04X", got, want)
	}
}

func TestParseFloat64(t *testing.T) {
	enc := Encoding{Value: Float}
	got, err := Parse(4, enc, "2.71828")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []uint16{0x4005, 0xbf09, 0x95aa, 0xf790}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("word %d: got %04X, want %04X", i, got[i], want[i])
		}
	}
}

func TestParseFloatRejectsWrongWordCount(t *testing.T) {
	enc := Encoding{Value: Float}
	if _, err := Parse(3, enc, "1.0"); err == nil {
		t.Fatalf("expected error for a float spanning 3 registers")
	}
}

func TestParseStringPackedAndPadded(t *testing.T) {
	enc := Encoding{Value: String, ByteOrder: BigEndianBytes, Fill: ' '}
	got, err := Parse(2, enc, "AB")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []uint16{uint16('A')<<8 | uint16('B'), uint16(' ')<<8 | uint16(' ')}
	if got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %04X, want %04X", got, want)
	}
}

func TestParseStringLittleEndianBytes(t *testing.T) {
	enc := Encoding{Value: String, ByteOrder: LittleEndianBytes, Fill: 0}
	got, err := Parse(1, enc, "AB")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := uint16('B')<<8 | uint16('A')
	if got[0] != want {
		t.Fatalf("got %04X, want %04X", got[0], want)
	}
}

func TestParseZeroWordCountRejected(t *testing.T) {
	enc := Encoding{Value: Integer}
	if _, err := Parse(0, enc, "1"); err == nil {
		t.Fatalf("expected error for zero word count")
	}
}
