// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memfd

import (
	"bytes"
	"testing"

	"golang.org/x/sys/unix"
)

func TestMemFdSharedMapping(t *testing.T) {
	m, err := New("test", 4096)
	if err != nil {
		t.Fatal("New", err)
	}
	defer m.Close()

	if m.Size() != 4096 {
		t.Errorf("got size %d, want 4096", m.Size())
	}

	// a second mapping of the same fd observes our stores, as a
	// guest mapping would
	other, err := unix.Mmap(m.Fd(), 0, 4096, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		t.Fatal("Mmap", err)
	}
	defer unix.Munmap(other)

	copy(m.Data(), []byte("ring setup block"))
	if !bytes.HasPrefix(other, []byte("ring setup block")) {
		t.Error("second mapping does not see the store")
	}
}
