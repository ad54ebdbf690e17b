// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// vmux multiplexes PCI functions to hypervisor guests over local
// sockets.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/jessevdk/go-flags"
	"golang.org/x/sys/unix"

	"github.com/hanwen/go-vmux/vmux"
)

type options struct {
	Devices   []string `short:"d" description:"PCI device to pass through (repeatable)" value-name:"0000:18:00.0"`
	Socket    string   `short:"s" description:"Path of the socket" value-name:"/tmp/vmux.sock"`
	Config    string   `short:"c" long:"config" description:"YAML configuration file"`
	Kind      string   `short:"k" long:"kind" description:"Device kind (vdpdk, passthrough, e1000, e810, stub)"`
	Throttler string   `long:"throttler" description:"Interrupt throttler (none, accurate, qemu, simbricks)"`
	Debug     bool     `long:"debug" description:"Verbose output"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	cfg := vmux.DefaultConfig()
	if opts.Config != "" {
		var err error
		if cfg, err = vmux.LoadConfig(opts.Config); err != nil {
			fmt.Fprintf(os.Stderr, "vmux: %v\n", err)
			os.Exit(1)
		}
	}
	if opts.Socket != "" {
		cfg.Socket = opts.Socket
	}
	if len(opts.Devices) > 0 {
		cfg.Devices = opts.Devices
		if opts.Kind == "" {
			cfg.Kind = "passthrough"
		}
	}
	if opts.Kind != "" {
		cfg.Kind = opts.Kind
	}
	if opts.Throttler != "" {
		cfg.Throttler = opts.Throttler
	}
	if opts.Debug {
		cfg.Debug = true
	}

	for _, d := range cfg.Devices {
		log.Printf("using: %s", d)
	}

	app, err := vmux.NewApp(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vmux: %v\n", err)
		os.Exit(1)
	}
	if err := app.Setup(); err != nil {
		fmt.Fprintf(os.Stderr, "vmux: %v\n", err)
		os.Exit(1)
	}
	app.Run()

	// SIGINT flips the stop flags; workers are joined before exit.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, unix.SIGINT, unix.SIGTERM)
	<-sig

	if err := app.Stop(); err != nil {
		log.Printf("vmux: shutdown: %v", err)
		os.Exit(1)
	}
}
