// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vmux wires the whole process together: configuration, the
// per-VM runner threads, the RX pollers and the supervisor that owns
// them.
package vmux

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is everything recognized at construction. Flags fill the
// common fields; a YAML file can set the rest.
type Config struct {
	// Socket is the path pattern for per-VM sockets; %d is the vm
	// slot.
	Socket string `yaml:"socket"`

	// Devices lists PCI addresses to pass through, one VM each.
	Devices []string `yaml:"devices"`

	// NrVMs is the number of paravirtual VM slots (ignored for
	// passthrough, where Devices decides).
	NrVMs int `yaml:"nr-vms"`

	// Kind selects the per-VM device: vdpdk, passthrough, e1000,
	// e810, stub.
	Kind string `yaml:"kind"`

	// CpuPins maps vm slot to the CPU set its RX worker is pinned
	// to.
	CpuPins map[int][]int `yaml:"cpu-pins"`

	// Throttler is one of none, accurate, qemu, simbricks.
	Throttler string `yaml:"throttler"`

	ZeroCopy bool `yaml:"zero-copy"`
	Debug    bool `yaml:"debug"`

	BurstSize int `yaml:"burst-size"`

	// StatsIntervalSec spaces the global interrupt statistics
	// dumps; 0 disables them.
	StatsIntervalSec int `yaml:"stats-interval"`

	MaxSwitchRules int `yaml:"max-switch-rules"`

	// Uplink names a host interface for the DPDK-style backend;
	// empty selects the in-memory loop fabric.
	Uplink string `yaml:"uplink"`
}

// DefaultConfig has the documented defaults.
func DefaultConfig() Config {
	return Config{
		Socket:    "/tmp/vmux_%d.sock",
		NrVMs:     1,
		Kind:      "vdpdk",
		Throttler: "none",
		BurstSize: 128,
	}
}

// LoadConfig merges a YAML file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch c.Throttler {
	case "", "none", "accurate", "qemu", "simbricks":
	default:
		return fmt.Errorf("config: unknown throttler %q", c.Throttler)
	}
	if c.BurstSize <= 0 {
		return fmt.Errorf("config: burst size %d", c.BurstSize)
	}
	if c.Kind == "passthrough" && len(c.Devices) == 0 {
		return fmt.Errorf("config: passthrough needs at least one -d device")
	}
	return nil
}

// SocketPath is the per-slot socket location. A pattern without %d
// gets the slot appended, so "-s /tmp/vmux.sock" still yields one
// socket per VM.
func (c *Config) SocketPath(slot int) string {
	if strings.Contains(c.Socket, "%d") {
		return fmt.Sprintf(c.Socket, slot)
	}
	ext := filepath.Ext(c.Socket)
	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(c.Socket, ext), slot, ext)
}
