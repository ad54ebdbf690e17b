// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pcicaps copies PCI capability blobs out of a backing
// function's configuration space and appends them to a synthesized
// guest config space, rebuilding the standard and extended linked
// lists. The blob contents are treated as opaque.
package pcicaps

import (
	"encoding/binary"
	"fmt"
)

// Standard capability ids.
const (
	CapPM   = 0x01
	CapVPD  = 0x03
	CapMSI  = 0x05
	CapExp  = 0x10
	CapMSIX = 0x11
)

// Extended capability ids.
const (
	ExtCapDSN = 0x0003
)

// Blob sizes we copy: the sizes PCI defines, not whatever the device
// claims.
const (
	PMSize   = 8
	MSIXSize = 12
	ExpSize  = 0x34
	DSNSize  = 12
)

const (
	stdListStatusBit = 0x10
	stdCapPtr        = 0x34
	extBase          = 0x100
	spaceSize        = 4096
)

// Space wraps a backing device's config space for extraction.
type Space struct {
	data []byte
}

func NewSpace(data []byte) (*Space, error) {
	if len(data) != 256 && len(data) != spaceSize {
		return nil, fmt.Errorf("pcicaps: inconsistent pci config space size %d", len(data))
	}
	return &Space{data: data}, nil
}

// Find walks the standard capability list for id; 0 if absent.
func (s *Space) Find(id uint8) int {
	if s.data[0x06]&stdListStatusBit == 0 {
		return 0
	}
	seen := 0
	for off := int(s.data[stdCapPtr]); off >= 0x40 && off+1 < len(s.data); off = int(s.data[off+1]) {
		if s.data[off] == id {
			return off
		}
		if seen++; seen > 48 {
			break // malformed loop
		}
	}
	return 0
}

// FindExt walks the extended list for id; 0 if absent.
func (s *Space) FindExt(id uint16) int {
	if len(s.data) <= extBase {
		return 0
	}
	seen := 0
	for off := extBase; off >= extBase && off+4 <= len(s.data); {
		hdr := binary.LittleEndian.Uint32(s.data[off:])
		if hdr == 0 {
			break
		}
		if uint16(hdr) == id {
			return off
		}
		off = int(hdr >> 20)
		if seen++; seen > 48 {
			break
		}
	}
	return 0
}

// Capability copies size bytes of the capability with the given id.
func (s *Space) Capability(name string, id uint8, size int) ([]byte, error) {
	off := s.Find(id)
	if off == 0 {
		return nil, fmt.Errorf("pcicaps: capability %s not found", name)
	}
	if off+size > len(s.data) {
		return nil, fmt.Errorf("pcicaps: capability %s truncated", name)
	}
	return append([]byte(nil), s.data[off:off+size]...), nil
}

// Extended copies size bytes of the extended capability with id.
func (s *Space) Extended(name string, id uint16, size int) ([]byte, error) {
	off := s.FindExt(id)
	if off == 0 {
		return nil, fmt.Errorf("pcicaps: capability %s not found", name)
	}
	if off+size > len(s.data) {
		return nil, fmt.Errorf("pcicaps: capability %s truncated", name)
	}
	return append([]byte(nil), s.data[off:off+size]...), nil
}

func (s *Space) PM() ([]byte, error) {
	return s.Capability("power management", CapPM, PMSize)
}

func (s *Space) MSIX() ([]byte, error) {
	// Tables are not copied here; the endpoint transport writes
	// them.
	return s.Capability("msix", CapMSIX, MSIXSize)
}

func (s *Space) Exp() ([]byte, error) {
	// slot registers at 0x34 and up are reserved
	return s.Capability("PCI Express", CapExp, ExpSize)
}

func (s *Space) DSN() ([]byte, error) {
	return s.Extended("device serial number", ExtCapDSN, DSNSize)
}

// Builder synthesizes the guest's config space capability area.
type Builder struct {
	cfg [spaceSize]byte

	nextStd int
	lastStd int

	nextExt int
	lastExt int
}

func NewBuilder() *Builder {
	return &Builder{nextStd: 0x40, nextExt: extBase}
}

// Add appends a standard capability blob, relinking the list. The
// blob's next pointer byte is rewritten; everything else is copied
// verbatim. Returns the placement offset.
func (b *Builder) Add(blob []byte) (int, error) {
	if len(blob) < 2 {
		return 0, fmt.Errorf("pcicaps: blob of %d bytes", len(blob))
	}
	off := (b.nextStd + 3) &^ 3
	if off+len(blob) > extBase {
		return 0, fmt.Errorf("pcicaps: standard capability area full")
	}
	copy(b.cfg[off:], blob)
	b.cfg[off+1] = 0

	if b.lastStd == 0 {
		b.cfg[stdCapPtr] = byte(off)
		b.cfg[0x06] |= stdListStatusBit
	} else {
		b.cfg[b.lastStd+1] = byte(off)
	}
	b.lastStd = off
	b.nextStd = off + len(blob)
	return off, nil
}

// AddExtended appends an extended capability blob at 0x100 or behind
// the previous one, rewriting the next field of the headers.
func (b *Builder) AddExtended(blob []byte) (int, error) {
	if len(blob) < 4 {
		return 0, fmt.Errorf("pcicaps: extended blob of %d bytes", len(blob))
	}
	off := (b.nextExt + 3) &^ 3
	if off+len(blob) > spaceSize {
		return 0, fmt.Errorf("pcicaps: extended capability area full")
	}
	copy(b.cfg[off:], blob)
	hdr := binary.LittleEndian.Uint32(b.cfg[off:])
	hdr &= 0x000fffff // clear next
	binary.LittleEndian.PutUint32(b.cfg[off:], hdr)

	if b.lastExt != 0 {
		prev := binary.LittleEndian.Uint32(b.cfg[b.lastExt:])
		prev = prev&0x000fffff | uint32(off)<<20
		binary.LittleEndian.PutUint32(b.cfg[b.lastExt:], prev)
	}
	b.lastExt = off
	b.nextExt = off + len(blob)
	return off, nil
}

// Bytes is the synthesized space.
func (b *Builder) Bytes() []byte {
	return b.cfg[:]
}

// WalkStd returns the capability ids reachable through the standard
// list, in link order.
func WalkStd(cfg []byte) []uint8 {
	var ids []uint8
	if cfg[0x06]&stdListStatusBit == 0 {
		return nil
	}
	for off := int(cfg[stdCapPtr]); off >= 0x40 && off+1 < len(cfg); off = int(cfg[off+1]) {
		ids = append(ids, cfg[off])
		if len(ids) > 48 {
			break
		}
	}
	return ids
}

// WalkExt returns the extended capability ids in link order.
func WalkExt(cfg []byte) []uint16 {
	var ids []uint16
	if len(cfg) <= extBase {
		return nil
	}
	off := extBase
	for off >= extBase && off+4 <= len(cfg) {
		hdr := binary.LittleEndian.Uint32(cfg[off:])
		if hdr == 0 {
			break
		}
		ids = append(ids, uint16(hdr))
		off = int(hdr >> 20)
		if len(ids) > 48 {
			break
		}
	}
	return ids
}
