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

// Package catalogue defines the typed device-catalogue shape the core
// consumes. Parsing an XML (or any other) document into these types is
// an external collaborator's job; this package only names the contract.
package catalogue

// Device is one Modbus unit declared in the catalogue.
type Device struct {
	Addr  uint8
	Tags  TagDefs
	Label string
}

// TagDefs groups a device's declared address ranges by register kind.
type TagDefs struct {
	Holding  []RegRange
	Input    []RegRange
	Coils    []Bit
	Discrete []Bit
}

// RegRange declares a contiguous run of 16-bit registers, inclusive of
// both ends (spec §6: "high: u16 (inclusive)").
type RegRange struct {
	Low, High uint16
	Label     string
	Fields    []BitField
	Initial   string
	// Presentation and Encoding are opaque to the core: Presentation
	// selects a display transform (out of scope here, spec §1
	// Non-goals), Encoding selects how RegisterValueCodec parses
	// Initial into register words.
	Presentation string
	Encoding     string
	Enums        map[uint16]string
}

// BitField names a sub-range of bits within a register's 16-bit word.
type BitField struct {
	Name      string
	LowBit    uint8
	HighBit   uint8
	Enums     map[uint16]string
}

// Bit declares a single coil or discrete input address.
type Bit struct {
	Addr    uint16
	Label   string
	Initial bool
}

// Group nests a collection of tag declarations under an address offset
// that accumulates into every contained tag's effective address (spec
// §6: "the effective address of a tag under a group is tag.addr +
// sum(group.base_address)"). A real catalogue loader is expected to
// flatten Groups into a Device's TagDefs before DeviceIndex sees it;
// Flatten below implements that flattening for anything built directly
// from Group trees.
type Group struct {
	BaseAddress uint16
	Tags        TagDefs
	Children    []Group
}

// Flatten walks g and its children, accumulating BaseAddress offsets,
// and returns the combined TagDefs with every address adjusted.
func (g Group) Flatten() TagDefs {
	var out TagDefs
	g.flattenInto(0, &out)
	return out
}

func (g Group) flattenInto(offset uint16, out *TagDefs) {
	base := offset + g.BaseAddress
	for _, r := range g.Tags.Holding {
		out.Holding = append(out.Holding, offsetRange(r, base))
	}
	for _, r := range g.Tags.Input {
		out.Input = append(out.Input, offsetRange(r, base))
	}
	for _, b := range g.Tags.Coils {
		out.Coils = append(out.Coils, offsetBit(b, base))
	}
	for _, b := range g.Tags.Discrete {
		out.Discrete = append(out.Discrete, offsetBit(b, base))
	}
	for _, child := range g.Children {
		child.flattenInto(base, out)
	}
}

func offsetRange(r RegRange, base uint16) RegRange {
	r.Low += base
	r.High += base
	return r
}

func offsetBit(b Bit, base uint16) Bit {
	b.Addr += base
	return b
}
