// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pcicaps

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

// fakeConfigSpace builds a 4k config space with PM, MSI-X and Express
// in the standard list and DSN in the extended list.
func fakeConfigSpace() []byte {
	cfg := make([]byte, 4096)
	cfg[0x06] = stdListStatusBit
	cfg[stdCapPtr] = 0x50

	// PM at 0x50 -> MSI-X at 0x60 -> Express at 0x70
	cfg[0x50] = CapPM
	cfg[0x51] = 0x60
	cfg[0x52] = 0x11 // arbitrary body

	cfg[0x60] = CapMSIX
	cfg[0x61] = 0x70
	cfg[0x62] = 0x3f

	cfg[0x70] = CapExp
	cfg[0x71] = 0x00
	cfg[0x72] = 0x42

	// DSN at 0x100, serial 0x0102030405060708
	binary.LittleEndian.PutUint32(cfg[extBase:], uint32(ExtCapDSN)|1<<16)
	binary.LittleEndian.PutUint64(cfg[extBase+4:], 0x0102030405060708)
	return cfg
}

func TestCapabilityExtraction(t *testing.T) {
	space, err := NewSpace(fakeConfigSpace())
	if err != nil {
		t.Fatal(err)
	}

	pm, err := space.PM()
	if err != nil {
		t.Fatal("PM", err)
	}
	if pm[0] != CapPM || pm[2] != 0x11 || len(pm) != PMSize {
		t.Errorf("got PM blob %x", pm)
	}

	if _, err := space.Capability("vpd", CapVPD, 4); err == nil {
		t.Error("extraction of absent capability succeeded")
	}

	dsn, err := space.DSN()
	if err != nil {
		t.Fatal("DSN", err)
	}
	if got := binary.LittleEndian.Uint64(dsn[4:]); got != 0x0102030405060708 {
		t.Errorf("got serial %#x", got)
	}
}

func TestCapabilityAggregation(t *testing.T) {
	space, err := NewSpace(fakeConfigSpace())
	if err != nil {
		t.Fatal(err)
	}

	b := NewBuilder()
	for _, get := range []func() ([]byte, error){space.PM, space.MSIX, space.Exp} {
		blob, err := get()
		if err != nil {
			t.Fatal(err)
		}
		if _, err := b.Add(blob); err != nil {
			t.Fatal("Add", err)
		}
	}
	dsn, err := space.DSN()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.AddExtended(dsn); err != nil {
		t.Fatal("AddExtended", err)
	}

	cfg := b.Bytes()

	// every capability is reachable through the list walk
	wantStd := []uint8{CapPM, CapMSIX, CapExp}
	if diff := pretty.Compare(WalkStd(cfg), wantStd); diff != "" {
		t.Errorf("standard walk diff: %s", diff)
	}

	wantExt := []uint16{ExtCapDSN}
	if diff := pretty.Compare(WalkExt(cfg), wantExt); diff != "" {
		t.Errorf("extended walk diff: %s", diff)
	}

	// the DSN body survives the copy
	if hdr := binary.LittleEndian.Uint32(cfg[extBase:]); uint16(hdr) != ExtCapDSN {
		t.Fatalf("got cap id %#x at the extended base, want DSN", uint16(hdr))
	}
	if !bytes.Equal(cfg[extBase+4:extBase+12], dsn[4:]) {
		t.Error("DSN serial mangled by aggregation")
	}
}

func TestBuilderRelinks(t *testing.T) {
	b := NewBuilder()
	// blobs whose next pointers contain garbage must be relinked
	if _, err := b.Add([]byte{CapPM, 0xee, 1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatal(err)
	}
	off2, err := b.Add([]byte{CapMSIX, 0xee, 9, 9})
	if err != nil {
		t.Fatal(err)
	}
	cfg := b.Bytes()
	first := int(cfg[stdCapPtr])
	if int(cfg[first+1]) != off2 {
		t.Errorf("got next pointer %#x, want %#x", cfg[first+1], off2)
	}
	if cfg[off2+1] != 0 {
		t.Errorf("tail next pointer is %#x, want 0", cfg[off2+1])
	}
}
