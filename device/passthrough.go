// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

import (
	"fmt"
	"log"
	"sync"
	"unsafe"

	"github.com/hanwen/go-vmux/interrupts"
	"github.com/hanwen/go-vmux/pcicaps"
	"github.com/hanwen/go-vmux/vfio"
	"github.com/hanwen/go-vmux/vfuser"
)

// Passthrough forwards one physical PCI function to the guest: BARs
// mirror the device's regions, MSI-X events from the hardware fan out
// through throttlers, and guest DMA mappings are mirrored into the
// kernel IOMMU so the real function can reach guest memory.
type Passthrough struct {
	PciAddress string

	// DefaultSpacingNs is the interval handed to the throttlers
	// when hardware fires (the hardware carries no rate hint).
	DefaultSpacingNs uint64

	// NewThrottler builds the per-vector rate limiter; nil means
	// direct delivery.
	NewThrottler func(ep *vfuser.Endpoint, vector int) (interrupts.Throttler, error)

	consumer *vfio.Consumer
	identity vfuser.Identity
	ep       *vfuser.Endpoint

	throttlers []interrupts.Throttler

	// MSI-X mask state is recorded but not forwarded; the kernel
	// implementation does not permit forwarding it.
	maskMu   sync.Mutex
	msixMask map[uint32]bool
}

func NewPassthrough(pciAddress string) (*Passthrough, error) {
	consumer, err := vfio.Open(pciAddress)
	if err != nil {
		return nil, err
	}
	if err := consumer.InitMmio(); err != nil {
		consumer.Close()
		return nil, err
	}
	if err := consumer.InitLegacyIrqs(); err != nil {
		consumer.Close()
		return nil, err
	}
	if err := consumer.InitMsix(); err != nil {
		consumer.Close()
		return nil, err
	}

	vendor, dev, subVendor, subID, revision, err := vfio.HardwareIds(pciAddress)
	if err != nil {
		consumer.Close()
		return nil, err
	}

	p := &Passthrough{
		PciAddress:       pciAddress,
		DefaultSpacingNs: 250 * 1000,
		consumer:         consumer,
		identity: vfuser.Identity{
			VendorID:          vendor,
			DeviceID:          dev,
			SubsystemVendorID: subVendor,
			SubsystemID:       subID,
			// sane defaults for the non-device ids
			Class:    0x02,
			Subclass: 0x00,
			Revision: revision,
		},
		msixMask: map[uint32]bool{},
	}
	log.Printf("passthrough: %s group %s ids %v", pciAddress, consumer.Group, p.identity)
	return p, nil
}

func (p *Passthrough) Info() vfuser.Identity {
	return p.identity
}

func (p *Passthrough) Consumer() *vfio.Consumer {
	return p.consumer
}

func (p *Passthrough) SetupEndpoint(ep *vfuser.Endpoint) error {
	p.ep = ep

	if err := p.addRegions(ep); err != nil {
		return err
	}
	if err := p.addIrqs(ep); err != nil {
		return err
	}
	if p.consumer.IsPCIe {
		if err := p.addCaps(ep); err != nil {
			return err
		}
	}
	ep.SetDmaHooks(p)
	return nil
}

func (p *Passthrough) addRegions(ep *vfuser.Endpoint) error {
	regions := p.consumer.Regions
	if len(regions) > vfuser.NumBars {
		regions = regions[:vfuser.NumBars]
	}
	for _, region := range regions {
		if region.Size == 0 {
			log.Printf("passthrough: bar region %d skipped", region.Index)
			continue
		}
		// flags that qemu passthrough also sets: prefetchable,
		// 64-bit locatable
		err := ep.AddBar(vfuser.Bar{
			Index:  int(region.Index),
			Size:   region.Size,
			Flags:  vfuser.BarMem | vfuser.BarRW | vfuser.BarPrefetch | vfuser.Bar64Bit,
			Fd:     p.consumer.DeviceFd(),
			Offset: region.Offset,
		})
		if err != nil {
			return fmt.Errorf("passthrough: bar %d: %w", region.Index, err)
		}
	}
	return nil
}

func (p *Passthrough) addIrqs(ep *vfuser.Endpoint) error {
	typeOf := map[int]vfuser.IrqType{
		vfio.IrqIndexINTx: vfuser.IrqINTx,
		vfio.IrqIndexMSI:  vfuser.IrqMSI,
		vfio.IrqIndexMSIX: vfuser.IrqMSIX,
		vfio.IrqIndexErr:  vfuser.IrqErr,
		vfio.IrqIndexReq:  vfuser.IrqReq,
	}
	for idx, info := range p.consumer.Irqs {
		typ, ok := typeOf[idx]
		if !ok {
			log.Printf("passthrough: %d irq types, but we only know %d", len(p.consumer.Irqs), len(typeOf))
			break
		}
		if err := ep.AddIRQs(typ, int(info.Count)); err != nil {
			return err
		}
	}

	// Hardware MSI-X vectors feed the guest through a throttler
	// each; expiry and eventfd callbacks share the endpoint loop.
	for vector, efd := range p.consumer.MsixFds {
		var thr interrupts.Throttler
		if p.NewThrottler != nil {
			var err error
			if thr, err = p.NewThrottler(ep, vector); err != nil {
				return err
			}
		} else {
			thr = interrupts.NewNone(ep, vector)
		}
		p.throttlers = append(p.throttlers, thr)

		vector := vector
		efd := efd
		err := ep.Loop().Add(efd.Fd(), func(fd int) {
			efd.Reset()
			p.throttlers[vector].TryInterrupt(p.DefaultSpacingNs, false)
		})
		if err != nil {
			return err
		}
	}

	for idx, efd := range p.consumer.LegacyFds {
		idx := idx
		err := ep.Loop().Add(efd.Fd(), func(fd int) {
			efd.Reset()
			log.Printf("passthrough: interrupt on legacy irq index %d: unimplemented", idx)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Passthrough) addCaps(ep *vfuser.Endpoint) error {
	cfg, err := p.consumer.ConfigSpace()
	if err != nil {
		return err
	}
	space, err := pcicaps.NewSpace(cfg)
	if err != nil {
		return err
	}

	pm, err := space.PM()
	if err != nil {
		return err
	}
	msix, err := space.MSIX()
	if err != nil {
		return err
	}
	exp, err := space.Exp()
	if err != nil {
		return err
	}
	if err := ep.AddCapabilities(
		vfuser.Capability{Data: pm},
		vfuser.Capability{Data: msix},
		vfuser.Capability{Data: exp, ReadOnly: true},
	); err != nil {
		return err
	}

	dsn, err := space.DSN()
	if err != nil {
		// not all functions carry a serial number
		log.Printf("passthrough: %v", err)
		return nil
	}
	return ep.AddCapabilities(vfuser.Capability{Data: dsn, Extended: true, ReadOnly: true})
}

// RxCallback: passthrough traffic never transits this process; the
// hardware DMAs straight into guest memory.
func (p *Passthrough) RxCallback(vmID int) {}

// DmaRegister mirrors the guest range into the kernel IOMMU.
func (p *Passthrough) DmaRegister(info vfuser.DmaInfo) {
	var flags uint32
	if info.Prot&vfuser.ProtRead != 0 {
		flags |= vfio.DmaMapFlagRead
	}
	if info.Prot&vfuser.ProtWrite != 0 {
		flags |= vfio.DmaMapFlagWrite
	}
	vaddr := uint64(uintptr(unsafe.Pointer(&info.Local[0])))
	if err := p.consumer.MapDma(vaddr, info.IOVA, info.Len, flags); err != nil {
		log.Printf("passthrough: %v", err)
	}
}

func (p *Passthrough) DmaUnregister(info vfuser.DmaInfo) {
	if err := p.consumer.UnmapDma(info.IOVA, info.Len); err != nil {
		log.Printf("passthrough: %v", err)
	}
}

// IrqState forwards INTx mask changes; MSI-X masking is unimplemented
// in the kernel facility, so it is recorded only.
func (p *Passthrough) IrqState(typ vfuser.IrqType, start, count uint32, mask bool) {
	switch typ {
	case vfuser.IrqINTx:
		if err := p.consumer.MaskIrqs(vfio.IrqIndexINTx, start, count, mask); err != nil {
			log.Printf("passthrough: %v", err)
		}
	case vfuser.IrqMSIX:
		p.maskMu.Lock()
		for i := uint32(0); i < count; i++ {
			p.msixMask[start+i] = mask
		}
		p.maskMu.Unlock()
	default:
		log.Printf("passthrough: ignoring %v state change (mask %v)", typ, mask)
	}
}

// MsixMasked reports the recorded mask state of a vector.
func (p *Passthrough) MsixMasked(vector uint32) bool {
	p.maskMu.Lock()
	defer p.maskMu.Unlock()
	return p.msixMask[vector]
}

// Reset forwards a guest reset request to the kernel.
func (p *Passthrough) Reset() {
	if err := p.consumer.Reset(); err != nil {
		log.Printf("passthrough: reset: %v", err)
	}
}

func (p *Passthrough) Close() error {
	return p.consumer.Close()
}
