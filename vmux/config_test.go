// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vmux

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	if got, want := cfg.SocketPath(2), "/tmp/vmux_2.sock"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSocketPathWithoutPattern(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Socket = "/run/vmux.sock"
	if got, want := cfg.SocketPath(0), "/run/vmux_0.sock"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Throttler = "turbo"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown throttler accepted")
	}

	cfg = DefaultConfig()
	cfg.BurstSize = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero burst size accepted")
	}

	cfg = DefaultConfig()
	cfg.Kind = "passthrough"
	if err := cfg.Validate(); err == nil {
		t.Error("passthrough without devices accepted")
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmux.yaml")
	content := `
socket: /tmp/test_%d.sock
nr-vms: 2
kind: vdpdk
throttler: qemu
zero-copy: true
burst-size: 64
cpu-pins:
  0: [2, 3]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal("LoadConfig", err)
	}
	if cfg.NrVMs != 2 || cfg.Throttler != "qemu" || !cfg.ZeroCopy || cfg.BurstSize != 64 {
		t.Errorf("got %+v", cfg)
	}
	if len(cfg.CpuPins[0]) != 2 {
		t.Errorf("got pins %v, want [2 3]", cfg.CpuPins[0])
	}
}
