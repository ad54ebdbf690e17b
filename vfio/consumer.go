// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vfio talks to the kernel's IOMMU facility on behalf of the
// passthrough device: it owns the container, group and device fds of
// one physical PCI function, maps guest DMA ranges into the IOMMU,
// and surfaces the function's regions and interrupt eventfds.
package vfio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/hanwen/go-vmux/internal/eventfd"
)

// Consumer holds one attached physical function.
type Consumer struct {
	DeviceName string
	Group      string

	container int
	group     int
	device    int

	Regions []RegionInfo
	Irqs    []IrqInfo

	// mmio maps BAR index to its mapping; bars >= 6 are not
	// mappable.
	mmio map[int][]byte

	// MsixFds has one eventfd per MSI-X vector; LegacyFds one per
	// INTx/MSI/ERR/REQ.
	MsixFds   []*eventfd.EventFd
	LegacyFds map[int]*eventfd.EventFd

	IsPCIe bool
}

// IommuGroup resolves the iommu group a PCI function belongs to.
func IommuGroup(pciAddress string) (string, error) {
	p := filepath.Join("/sys/bus/pci/devices", pciAddress, "iommu_group")
	dst, err := os.Readlink(p)
	if err != nil {
		return "", fmt.Errorf("vfio: device %s has no iommu group: %w", pciAddress, err)
	}
	return filepath.Base(dst), nil
}

// Open attaches the function at the given PCI address through its
// IOMMU group.
func Open(pciAddress string) (*Consumer, error) {
	group, err := IommuGroup(pciAddress)
	if err != nil {
		return nil, err
	}
	c := &Consumer{
		DeviceName: pciAddress,
		Group:      group,
		mmio:       map[int][]byte{},
		LegacyFds:  map[int]*eventfd.EventFd{},
	}
	if err := c.init(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Consumer) init() error {
	container, err := unix.Open("/dev/vfio/vfio", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("vfio: cannot open /dev/vfio/vfio: %w", err)
	}
	c.container = container

	if v, _ := ioctlInt(container, ioctlGetAPIVersion, 0); v != apiVersion {
		return fmt.Errorf("vfio: API version mismatch (got %d)", v)
	}
	if ok, _ := ioctlInt(container, ioctlCheckExtension, Type1v2IOMMU); ok == 0 {
		return fmt.Errorf("vfio: Type1v2 IOMMU unsupported")
	}

	groupPath := filepath.Join("/dev/vfio", c.Group)
	g, err := unix.Open(groupPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("vfio: cannot open %s: %w", groupPath, err)
	}
	c.group = g

	status := groupStatus{Argsz: uint32(unsafe.Sizeof(groupStatus{}))}
	if _, err := ioctl(g, ioctlGroupGetStatus, unsafe.Pointer(&status)); err != nil {
		return fmt.Errorf("vfio: group status: %w", err)
	}
	if status.Flags&groupFlagsViable == 0 {
		return fmt.Errorf("vfio: group %s not viable (all devices bound?)", c.Group)
	}

	containerFd := int32(c.container)
	if _, err := ioctl(g, ioctlGroupSetContainer, unsafe.Pointer(&containerFd)); err != nil {
		return fmt.Errorf("vfio: set container: %w", err)
	}
	if _, err := ioctlInt(container, ioctlSetIOMMU, Type1IOMMU); err != nil {
		return fmt.Errorf("vfio: set iommu type: %w", err)
	}

	name := append([]byte(c.DeviceName), 0)
	dev, err := ioctl(g, ioctlGroupGetDeviceFD, unsafe.Pointer(&name[0]))
	if err != nil {
		return fmt.Errorf("vfio: device fd for %s: %w", c.DeviceName, err)
	}
	c.device = dev

	info := deviceInfo{Argsz: uint32(unsafe.Sizeof(deviceInfo{}))}
	if _, err := ioctl(dev, ioctlDeviceGetInfo, unsafe.Pointer(&info)); err != nil {
		return fmt.Errorf("vfio: device info: %w", err)
	}

	for i := uint32(0); i < info.NumRegions; i++ {
		reg := RegionInfo{Argsz: uint32(unsafe.Sizeof(RegionInfo{})), Index: i}
		ioctl(dev, ioctlDeviceGetRegion, unsafe.Pointer(&reg))
		c.Regions = append(c.Regions, reg)
	}
	for i := uint32(0); i < info.NumIrqs; i++ {
		irq := IrqInfo{Argsz: uint32(unsafe.Sizeof(IrqInfo{})), Index: i}
		ioctl(dev, ioctlDeviceGetIrq, unsafe.Pointer(&irq))
		c.Irqs = append(c.Irqs, irq)
	}

	c.IsPCIe = c.probePCIe()

	// gratuitous reset and go
	ioctlInt(dev, ioctlDeviceReset, 0)
	return nil
}

// InitMmio maps BARs 0-5. Higher regions are not mappable.
func (c *Consumer) InitMmio() error {
	for i := 0; i <= 5 && i < len(c.Regions); i++ {
		region := c.Regions[i]
		if region.Size == 0 {
			log.Printf("vfio: mapping region BAR %d skipped", region.Index)
			continue
		}
		mem, err := unix.Mmap(c.device, int64(region.Offset), int(region.Size),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return fmt.Errorf("vfio: map BAR %d: %w", region.Index, err)
		}
		c.mmio[int(region.Index)] = mem
		log.Printf("vfio: mapping region BAR %d offset %#x size %#x",
			region.Index, region.Offset, region.Size)
	}
	return nil
}

// DeviceFd backs the guest's BAR mappings (with the region offsets
// from Regions).
func (c *Consumer) DeviceFd() int {
	return c.device
}

func (c *Consumer) Mmio(bar int) []byte {
	return c.mmio[bar]
}

// InitLegacyIrqs wires one eventfd each for INTx, MSI, ERR and REQ.
func (c *Consumer) InitLegacyIrqs() error {
	for _, idx := range []int{IrqIndexINTx, IrqIndexMSI, IrqIndexErr, IrqIndexReq} {
		if idx >= len(c.Irqs) || c.Irqs[idx].Count == 0 {
			continue
		}
		efd, err := eventfd.New()
		if err != nil {
			return err
		}
		if err := c.setIrqEventfds(idx, 0, []*eventfd.EventFd{efd}); err != nil {
			efd.Close()
			return fmt.Errorf("vfio: irq index %d: %w", idx, err)
		}
		c.LegacyFds[idx] = efd
	}
	return nil
}

// InitMsix wires an eventfd per MSI-X vector.
func (c *Consumer) InitMsix() error {
	if IrqIndexMSIX >= len(c.Irqs) || c.Irqs[IrqIndexMSIX].Count == 0 {
		return fmt.Errorf("vfio: %s exposes no MSI-X vectors; we expect devices to use MSI-X", c.DeviceName)
	}
	count := int(c.Irqs[IrqIndexMSIX].Count)
	var fds []*eventfd.EventFd
	for i := 0; i < count; i++ {
		efd, err := eventfd.New()
		if err != nil {
			return err
		}
		fds = append(fds, efd)
	}
	if err := c.setIrqEventfds(IrqIndexMSIX, 0, fds); err != nil {
		return fmt.Errorf("vfio: msix eventfds: %w", err)
	}
	c.MsixFds = fds
	return nil
}

func (c *Consumer) setIrqEventfds(index, start int, fds []*eventfd.EventFd) error {
	var buf bytes.Buffer
	hdr := irqSetHdr{
		Argsz: uint32(unsafe.Sizeof(irqSetHdr{})) + uint32(4*len(fds)),
		Flags: irqSetDataEventfd | irqSetActionTrig,
		Index: uint32(index),
		Start: uint32(start),
		Count: uint32(len(fds)),
	}
	binary.Write(&buf, binary.LittleEndian, hdr)
	for _, fd := range fds {
		binary.Write(&buf, binary.LittleEndian, int32(fd.Fd()))
	}
	b := buf.Bytes()
	_, err := ioctl(c.device, ioctlDeviceSetIrqs, unsafe.Pointer(&b[0]))
	return err
}

// MaskIrqs masks or unmasks vectors [start, start+count) of the given
// irq index.
func (c *Consumer) MaskIrqs(index, start, count uint32, mask bool) error {
	action := uint32(irqSetActionUnmask)
	if mask {
		action = irqSetActionMask
	}
	hdr := irqSetHdr{
		Argsz: uint32(unsafe.Sizeof(irqSetHdr{})),
		Flags: action | 1, // VFIO_IRQ_SET_DATA_NONE
		Index: index,
		Start: start,
		Count: count,
	}
	_, err := ioctl(c.device, ioctlDeviceSetIrqs, unsafe.Pointer(&hdr))
	return err
}

// MapDma mirrors one guest range into the kernel IOMMU.
func (c *Consumer) MapDma(vaddr, iova, size uint64, flags uint32) error {
	m := dmaMap{
		Argsz: uint32(unsafe.Sizeof(dmaMap{})),
		Flags: flags,
		Vaddr: vaddr,
		IOVA:  iova,
		Size:  size,
	}
	if _, err := ioctl(c.container, ioctlIommuMapDma, unsafe.Pointer(&m)); err != nil {
		return fmt.Errorf("vfio: map dma %#x+%#x: %w", iova, size, err)
	}
	return nil
}

func (c *Consumer) UnmapDma(iova, size uint64) error {
	m := dmaUnmap{
		Argsz: uint32(unsafe.Sizeof(dmaUnmap{})),
		IOVA:  iova,
		Size:  size,
	}
	if _, err := ioctl(c.container, ioctlIommuUnmapDma, unsafe.Pointer(&m)); err != nil {
		return fmt.Errorf("vfio: unmap dma %#x: %w", iova, err)
	}
	return nil
}

// Reset performs a kernel-mediated function reset.
func (c *Consumer) Reset() error {
	_, err := ioctlInt(c.device, ioctlDeviceReset, 0)
	return err
}

// ConfigSpace reads the function's PCI configuration space through
// sysfs.
func (c *Consumer) ConfigSpace() ([]byte, error) {
	p := filepath.Join("/sys/bus/pci/devices", c.DeviceName, "config")
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("vfio: read config of %s: %w", c.DeviceName, err)
	}
	return data, nil
}

// probePCIe reports whether the function exposes an extended (longer
// than 256 bytes) config space; the capability list is not consulted.
func (c *Consumer) probePCIe() bool {
	cfg, err := c.ConfigSpace()
	if err != nil {
		return false
	}
	return len(cfg) > 256
}

// HardwareIds reads vendor, device, subsystem vendor, subsystem id
// and revision from sysfs.
func HardwareIds(pciAddress string) (vendor, dev, subVendor, subID uint16, revision uint8, err error) {
	read16 := func(name string) (uint16, error) {
		p := filepath.Join("/sys/bus/pci/devices", pciAddress, name)
		data, err := os.ReadFile(p)
		if err != nil {
			return 0, err
		}
		var v uint16
		_, err = fmt.Sscanf(string(bytes.TrimSpace(data)), "0x%x", &v)
		return v, err
	}
	if vendor, err = read16("vendor"); err != nil {
		return
	}
	if dev, err = read16("device"); err != nil {
		return
	}
	if subVendor, err = read16("subsystem_vendor"); err != nil {
		return
	}
	if subID, err = read16("subsystem_device"); err != nil {
		return
	}
	var rev uint16
	if rev, err = read16("revision"); err != nil {
		return
	}
	revision = uint8(rev)
	return
}

func (c *Consumer) Close() error {
	for _, efd := range c.MsixFds {
		efd.Close()
	}
	for _, efd := range c.LegacyFds {
		efd.Close()
	}
	for idx, m := range c.mmio {
		if err := unix.Munmap(m); err != nil {
			log.Printf("vfio: cleanup: cannot unmap BAR %d: %v", idx, err)
		}
	}
	for _, fd := range []int{c.device, c.group, c.container} {
		if fd > 0 {
			unix.Close(fd)
		}
	}
	return nil
}
