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

// Package config holds mbtool's observable configuration (spec §6):
// role selection, TCP bind/connect address, RTU serial parameters and
// the client poll interval.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config mirrors the external configuration table verbatim; cmd/mbtool
// populates it from CLI flags via go-flags.
type Config struct {
	Server bool `long:"server" description:"act as a Modbus server; otherwise act as a client"`

	IPAddress string `long:"ip-address" description:"bind (server) or connect (client) TCP address" default:"127.0.0.1"`
	IPPort    int    `long:"ip-port" description:"TCP port" default:"502"`

	// MBAddress is kept for parity with the observable configuration
	// table; the register-image client poller derives the units to
	// poll from the catalogue's DeviceIndex rather than a single fixed
	// address, so this only matters to callers that want a default
	// unit id available without re-deriving it from the catalogue.
	MBAddress uint8 `long:"mb-address" description:"unit id used in the client role" default:"1"`

	SerialDevice string `long:"serial-device" description:"serial device path; selects RTU transport when set"`
	BaudRate     int    `long:"baud-rate" description:"RTU baud rate" default:"9600"`
	Parity       string `long:"parity" description:"RTU parity: N, E or O" default:"E"`

	PollIntervalMS int `long:"poll-interval" description:"milliseconds between client polls" default:"100"`

	Catalogue string `long:"catalogue" description:"path to the device catalogue file" required:"true"`
}

// PollInterval converts PollIntervalMS to a time.Duration, substituting
// the default when the configured value is not positive.
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// UsesSerial reports whether the configuration selects the RTU
// transport over serial instead of TCP (spec §6: "serial_device
// selects RTU transport when present").
func (c *Config) UsesSerial() bool {
	return c.SerialDevice != ""
}

// TCPAddress formats IPAddress/IPPort as a dial/listen address.
func (c *Config) TCPAddress() string {
	return net.JoinHostPort(c.IPAddress, strconv.Itoa(c.IPPort))
}
