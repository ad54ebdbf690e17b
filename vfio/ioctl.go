// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vfio

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl numbers from linux/vfio.h: _IO(';', 100+n), all argument-less
// at the ioctl layer (structs carry their own argsz).
const (
	vfioType = ';'
	vfioBase = 100

	ioctlGetAPIVersion     = uintptr(vfioType)<<8 | (vfioBase + 0)
	ioctlCheckExtension    = uintptr(vfioType)<<8 | (vfioBase + 1)
	ioctlSetIOMMU          = uintptr(vfioType)<<8 | (vfioBase + 2)
	ioctlGroupGetStatus    = uintptr(vfioType)<<8 | (vfioBase + 3)
	ioctlGroupSetContainer = uintptr(vfioType)<<8 | (vfioBase + 4)
	ioctlGroupGetDeviceFD  = uintptr(vfioType)<<8 | (vfioBase + 6)
	ioctlDeviceGetInfo     = uintptr(vfioType)<<8 | (vfioBase + 7)
	ioctlDeviceGetRegion   = uintptr(vfioType)<<8 | (vfioBase + 8)
	ioctlDeviceGetIrq      = uintptr(vfioType)<<8 | (vfioBase + 9)
	ioctlDeviceSetIrqs     = uintptr(vfioType)<<8 | (vfioBase + 10)
	ioctlDeviceReset       = uintptr(vfioType)<<8 | (vfioBase + 11)
	ioctlIommuGetInfo      = uintptr(vfioType)<<8 | (vfioBase + 12)
	ioctlIommuMapDma       = uintptr(vfioType)<<8 | (vfioBase + 13)
	ioctlIommuUnmapDma     = uintptr(vfioType)<<8 | (vfioBase + 14)
)

const (
	apiVersion = 0

	// IOMMU types
	Type1IOMMU   = 1
	Type1v2IOMMU = 3

	groupFlagsViable = 1 << 0

	RegionFlagRead  = 1 << 0
	RegionFlagWrite = 1 << 1
	RegionFlagMmap  = 1 << 2

	DmaMapFlagRead  = 1 << 0
	DmaMapFlagWrite = 1 << 1

	irqSetDataEventfd  = 1 << 2
	irqSetActionMask   = 1 << 3
	irqSetActionUnmask = 1 << 4
	irqSetActionTrig   = 1 << 5

	// irq indexes of a PCI device
	IrqIndexINTx = 0
	IrqIndexMSI  = 1
	IrqIndexMSIX = 2
	IrqIndexErr  = 3
	IrqIndexReq  = 4
	numIrqIndex  = 5
)

// struct layouts byte-compatible with linux/vfio.h.

type groupStatus struct {
	Argsz uint32
	Flags uint32
}

type deviceInfo struct {
	Argsz      uint32
	Flags      uint32
	NumRegions uint32
	NumIrqs    uint32
}

// RegionInfo mirrors struct vfio_region_info.
type RegionInfo struct {
	Argsz     uint32
	Flags     uint32
	Index     uint32
	CapOffset uint32
	Size      uint64
	Offset    uint64
}

// IrqInfo mirrors struct vfio_irq_info.
type IrqInfo struct {
	Argsz uint32
	Flags uint32
	Index uint32
	Count uint32
}

type dmaMap struct {
	Argsz uint32
	Flags uint32
	Vaddr uint64
	IOVA  uint64
	Size  uint64
}

type dmaUnmap struct {
	Argsz uint32
	Flags uint32
	IOVA  uint64
	Size  uint64
}

type irqSetHdr struct {
	Argsz uint32
	Flags uint32
	Index uint32
	Start uint32
	Count uint32
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

func ioctlInt(fd int, req uintptr, arg uintptr) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}
