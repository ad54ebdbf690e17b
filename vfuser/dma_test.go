// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vfuser

import (
	"testing"
)

func TestDmaTranslate(t *testing.T) {
	var tab DmaTable

	backing := make([]byte, 0x2000)
	err := tab.Insert(DmaMapping{
		IOVA:  0x1000,
		Len:   0x2000,
		Local: backing,
		Prot:  ProtRead | ProtWrite,
	})
	if err != nil {
		t.Fatal("Insert", err)
	}

	got := tab.TranslateLocked(0x1800, 0x400)
	if got == nil {
		t.Fatal("translate inside mapping returned nil")
	}
	if &got[0] != &backing[0x800] {
		t.Errorf("translate returned the wrong backing offset")
	}
	if len(got) != 0x400 {
		t.Errorf("got %d bytes, want %d", len(got), 0x400)
	}

	if got := tab.TranslateLocked(0x2500, 0x2000); got != nil {
		t.Errorf("translate crossing the end: got %d bytes, want nil", len(got))
	}

	if _, err := tab.Remove(0x1000); err != nil {
		t.Fatal("Remove", err)
	}
	if got := tab.TranslateLocked(0x1800, 1); got != nil {
		t.Errorf("translate after unmap: got %v, want nil", got)
	}
	if tab.Len() != 0 {
		t.Errorf("got %d mappings after remove, want 0", tab.Len())
	}
}

func TestDmaInsertOverlap(t *testing.T) {
	var tab DmaTable
	mk := func(iova, ln uint64) DmaMapping {
		return DmaMapping{IOVA: iova, Len: ln, Local: make([]byte, ln)}
	}

	if err := tab.Insert(mk(0x1000, 0x1000)); err != nil {
		t.Fatal(err)
	}
	if err := tab.Insert(mk(0x1800, 0x1000)); err == nil {
		t.Error("overlapping insert succeeded")
	}
	if err := tab.Insert(mk(0x800, 0x1000)); err == nil {
		t.Error("insert overlapping from below succeeded")
	}
	if err := tab.Insert(mk(0x1000, 0x10)); err == nil {
		t.Error("duplicate iova insert succeeded")
	}
	// adjacent is fine
	if err := tab.Insert(mk(0x2000, 0x1000)); err != nil {
		t.Errorf("adjacent insert failed: %v", err)
	}
	if err := tab.Insert(mk(0x0, 0x1000)); err != nil {
		t.Errorf("adjacent-below insert failed: %v", err)
	}
	if tab.Len() != 3 {
		t.Errorf("got %d mappings, want 3", tab.Len())
	}
}

func TestDmaRemoveMissing(t *testing.T) {
	var tab DmaTable
	if _, err := tab.Remove(0x1000); err == nil {
		t.Error("remove on empty table succeeded")
	}
	if err := tab.Insert(DmaMapping{IOVA: 0x1000, Len: 0x1000, Local: make([]byte, 0x1000)}); err != nil {
		t.Fatal(err)
	}
	// removal is keyed on the start address
	if _, err := tab.Remove(0x1800); err == nil {
		t.Error("remove at interior address succeeded")
	}
}

func TestDmaTranslateSpansRegions(t *testing.T) {
	var tab DmaTable
	for _, iova := range []uint64{0x1000, 0x2000} {
		if err := tab.Insert(DmaMapping{IOVA: iova, Len: 0x1000, Local: make([]byte, 0x1000)}); err != nil {
			t.Fatal(err)
		}
	}
	// a range crossing two adjacent mappings does not translate
	if got := tab.TranslateLocked(0x1800, 0x1000); got != nil {
		t.Error("translation across two mappings succeeded")
	}
}
