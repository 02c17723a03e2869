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

package catalogue

import (
	"encoding/json"
	"fmt"
	"os"
)

// Load reads a JSON-encoded catalogue document from path and decodes it
// into a slice of Device. The catalogue's authoring format (XML, a
// database export, a UI) is explicitly out of scope (spec §1
// Non-goals: "XML catalogue parsing"); Load exists only so cmd/mbtool
// has a concrete, inspectable way to hand DeviceIndex.Build a
// []Device without requiring an external tool.
func Load(path string) ([]Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalogue: reading %s: %w", path, err)
	}
	var devices []Device
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, fmt.Errorf("catalogue: parsing %s: %w", path, err)
	}
	return devices, nil
}
