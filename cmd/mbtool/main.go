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

// Command mbtool runs the register-image bridge: load a device
// catalogue, build a DeviceIndex, serve it as a Modbus TCP/RTU server
// or poll it as a client, and expose the same store over a websocket
// JSON bridge.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/fluffware/mbtool/internal/applog"
	"github.com/fluffware/mbtool/internal/catalogue"
	"github.com/fluffware/mbtool/internal/config"
	"github.com/fluffware/mbtool/internal/mbclient"
	"github.com/fluffware/mbtool/internal/mbserver"
	"github.com/fluffware/mbtool/internal/poller"
	"github.com/fluffware/mbtool/internal/tags"
	"github.com/fluffware/mbtool/internal/transport"
	"github.com/fluffware/mbtool/internal/wsbridge"
)

// exit codes per spec §6: 0 = clean shutdown, 1 = fatal error
// (catalogue load failure, bind failure, serial open failure, task
// join failure).
const (
	exitOK    = 0
	exitFatal = 1
)

func main() {
	os.Exit(run())
}

func run() int {
	var cfg config.Config
	parser := flags.NewParser(&cfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitFatal
	}

	log := applog.New(os.Stderr, applog.LevelInfo, "mbtool")

	devices, err := catalogue.Load(cfg.Catalogue)
	if err != nil {
		log.Errorf("loading catalogue: %v", err)
		return exitFatal
	}
	di := tags.Build(devices, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	httpSrv := startWsBridge(di, log)
	defer httpSrv.Close()

	if cfg.UsesSerial() {
		return runSerial(ctx, &cfg, di, log)
	}
	return runTCP(ctx, &cfg, di, log)
}

func startWsBridge(di *tags.DeviceIndex, log *applog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/ws", wsbridge.Handler(di, log.With("ws")))
	srv := &http.Server{Addr: ":8081", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnf("ws bridge stopped: %v", err)
		}
	}()
	return srv
}

func runTCP(ctx context.Context, cfg *config.Config, di *tags.DeviceIndex, log *applog.Logger) int {
	if cfg.Server {
		l, err := net.Listen("tcp", cfg.TCPAddress())
		if err != nil {
			log.Errorf("binding %s: %v", cfg.TCPAddress(), err)
			return exitFatal
		}
		log.Infof("serving Modbus TCP on %s", cfg.TCPAddress())
		if err := transport.ServeTCP(ctx, l, di, log); err != nil {
			log.Errorf("tcp server: %v", err)
			return exitFatal
		}
		return exitOK
	}

	dial := func(ctx context.Context) (*mbclient.Session, error) {
		return transport.DialTCP(ctx, cfg.TCPAddress())
	}
	p := poller.New(di, dial, cfg.PollInterval(), log.With("poller"))
	defer p.Close()
	if err := p.Run(ctx); err != nil {
		log.Errorf("client poller: %v", err)
		return exitFatal
	}
	return exitOK
}

func runSerial(ctx context.Context, cfg *config.Config, di *tags.DeviceIndex, log *applog.Logger) int {
	parity, err := transport.ParseParity(cfg.Parity)
	if err != nil {
		log.Errorf("parsing parity: %v", err)
		return exitFatal
	}

	if cfg.Server {
		conn, err := transport.OpenSerial(cfg.SerialDevice, cfg.BaudRate, parity)
		if err != nil {
			log.Errorf("opening %s: %v", cfg.SerialDevice, err)
			return exitFatal
		}
		defer conn.Close()
		svc := mbserver.New(di, log.With("rtu"))
		defer svc.Close()
		log.Infof("serving Modbus RTU on %s", cfg.SerialDevice)
		if err := transport.ServeRTU(ctx, conn, svc, log); err != nil {
			log.Errorf("rtu server: %v", err)
			return exitFatal
		}
		return exitOK
	}

	dial := func(context.Context) (*mbclient.Session, error) {
		return transport.DialRTU(cfg.SerialDevice, cfg.BaudRate, parity)
	}
	p := poller.New(di, dial, cfg.PollInterval(), log.With("poller"))
	defer p.Close()
	if err := p.Run(ctx); err != nil {
		log.Errorf("client poller: %v", err)
		return exitFatal
	}
	return exitOK
}
