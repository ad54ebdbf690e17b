// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vfuser implements the per-VM device endpoint. A hypervisor
// connects over a local socket and drives a PCI function with
// unmodified kernel drivers; this package owns the function's
// lifecycle, BAR regions, capability blobs, interrupt vectors and the
// guest DMA address space. The wire protocol itself lives behind the
// Transport interface.
package vfuser

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected = errors.New("endpoint not connected")
	ErrClosed       = errors.New("endpoint closed")
	ErrBadRequest   = errors.New("bad request")
	ErrWouldBlock   = errors.New("no work ready")
	ErrBadState     = errors.New("operation invalid in this state")
)

// Identity is the immutable PCI identity synthesized into the
// configuration space exposed to the guest.
type Identity struct {
	VendorID          uint16
	DeviceID          uint16
	SubsystemVendorID uint16
	SubsystemID       uint16
	Class             uint8
	Subclass          uint8
	Revision          uint8
}

func (id Identity) String() string {
	return fmt.Sprintf("%04x:%04x (sub %04x:%04x) class %02x.%02x rev %02x",
		id.VendorID, id.DeviceID, id.SubsystemVendorID, id.SubsystemID,
		id.Class, id.Subclass, id.Revision)
}

// Six BARs as per the PCI header.
const NumBars = 6

type BarFlags uint32

const (
	BarMem BarFlags = 1 << iota
	BarIO
	Bar64Bit
	BarPrefetch
	BarRW
)

// AccessFunc handles a guest touch of a trapped region. buf holds the
// written bytes, or receives the bytes to return on a read. It returns
// the number of bytes handled.
type AccessFunc func(buf []byte, offset int64, isWrite bool) (int, error)

// Bar describes one guest-visible region. With Fd >= 0 the guest maps
// the file directly at Offset (zero-copy); with Access set every touch
// traps.
type Bar struct {
	Index  int
	Size   uint64
	Flags  BarFlags
	Fd     int
	Offset uint64
	Access AccessFunc
}

// Capability is one opaque config-space blob. Extended blobs land in
// the extended list at 0x100.
type Capability struct {
	Data     []byte
	Extended bool
	ReadOnly bool
}

type IrqType int

const (
	IrqINTx IrqType = iota
	IrqMSI
	IrqMSIX
	IrqErr
	IrqReq
	numIrqTypes
)

func (t IrqType) String() string {
	switch t {
	case IrqINTx:
		return "intx"
	case IrqMSI:
		return "msi"
	case IrqMSIX:
		return "msix"
	case IrqErr:
		return "err"
	case IrqReq:
		return "req"
	}
	return fmt.Sprintf("irq%d", int(t))
}

// Prot flags for DMA mappings, PROT_* compatible.
const (
	ProtRead  = 0x1
	ProtWrite = 0x2
)

// DmaInfo describes one guest DMA-(un)map event. Local is the
// mapping of the range in our address space; nil if the transport
// could not map it.
type DmaInfo struct {
	IOVA  uint64
	Len   uint64
	Local []byte
	Prot  int
}

// DmaHooks lets a device back a guest mapping with its own action,
// e.g. passthrough mirrors the range into the kernel IOMMU and vDPDK
// fences its pollers.
type DmaHooks interface {
	DmaRegister(info DmaInfo)
	DmaUnregister(info DmaInfo)
}

// Callbacks is what the endpoint hands to the transport at realize
// time. All callbacks run on the endpoint thread.
type Callbacks interface {
	RegionAccess(index int, buf []byte, offset int64, isWrite bool) (int, error)
	DmaRegister(info DmaInfo)
	DmaUnregister(info DmaInfo)
	IrqState(typ IrqType, start, count uint32, mask bool)
	Reset()
}

// Transport is the opaque guest-facing wire protocol: region
// declaration, capability append, access dispatch, MSI-X trigger, DMA
// callbacks and a run-one-turn entrypoint. TriggerIRQ is safe to call
// from any thread.
type Transport interface {
	Realize(id Identity, bars []Bar, caps []Capability, irqs map[IrqType]int, cb Callbacks) error
	Attach() error
	PollFd() int
	DispatchOne() error
	TriggerIRQ(typ IrqType, vector int) error
	Close() error
}
