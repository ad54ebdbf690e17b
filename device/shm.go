// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Ring descriptors live in guest-shared memory. The length and flag
// halfwords sit at descriptor offsets 8 and 10; they are accessed
// together as one aligned 32-bit word so the flag flip is a single
// atomic publication: the reader's acquire load of AVAIL makes the
// owner's earlier field writes visible.
//
// Descriptor strides are multiples of 8 and rings start on DMA page
// boundaries, so the word at offset 8 is always 4-aligned.

func loadLenFlags(desc []byte) (ln, flags uint16) {
	v := atomic.LoadUint32((*uint32)(unsafe.Pointer(&desc[8])))
	return uint16(v), uint16(v >> 16)
}

func storeLenFlags(desc []byte, ln, flags uint16) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&desc[8])),
		uint32(ln)|uint32(flags)<<16)
}

func descIova(desc []byte) uint64 {
	return binary.LittleEndian.Uint64(desc[:8])
}
