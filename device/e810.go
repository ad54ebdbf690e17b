// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

import (
	"log"
	"sync/atomic"

	"github.com/hanwen/go-vmux/driver"
	"github.com/hanwen/go-vmux/interrupts"
	"github.com/hanwen/go-vmux/vfuser"
)

const (
	e810Bar0Size = 0x800000
	e810Bar3Size = 0x10000
)

// E810 adapts an ice-class behavioral model. Beyond the e1000 shape
// it participates in PTP scheduling: broadcast PTP frames go to one
// target VM at a time, rotated by the policies package.
type E810 struct {
	vmID int
	drv  driver.Driver

	NewThrottler func(ep *vfuser.Endpoint, vector int) (interrupts.Throttler, error)

	// PtpTargetVM is the index into BroadcastDestinations that
	// currently receives PTP traffic; rotated externally.
	PtpTargetVM atomic.Int64

	// BroadcastDestinations are the sibling devices PTP frames fan
	// out over.
	BroadcastDestinations []*E810

	ep    *vfuser.Endpoint
	model NicModel
	thr   interrupts.Throttler
}

func NewE810(vmID int, drv driver.Driver, newModel NicModelConstructor) *E810 {
	e := &E810{vmID: vmID, drv: drv}
	e.model = newModel(NicCallbacks{
		Send:           e.send,
		DmaRead:        e.dmaRead,
		DmaWrite:       e.dmaWrite,
		IssueInterrupt: e.issueInterrupt,
	})
	return e
}

func (e *E810) Info() vfuser.Identity {
	return vfuser.Identity{
		VendorID: 0x8086,
		DeviceID: 0x1592, // E810-C QSFP
		Class:    0x02,
		Subclass: 0x00,
		Revision: 2,
	}
}

func (e *E810) SetupEndpoint(ep *vfuser.Endpoint) error {
	e.ep = ep
	for _, bar := range []vfuser.Bar{
		{Index: 0, Size: e810Bar0Size},
		{Index: 3, Size: e810Bar3Size},
	} {
		bar := bar
		bar.Flags = vfuser.BarMem | vfuser.BarRW | vfuser.Bar64Bit
		bar.Fd = -1
		idx := bar.Index
		bar.Access = func(buf []byte, offset int64, isWrite bool) (int, error) {
			return e.model.Access(idx, buf, offset, isWrite)
		}
		if err := ep.AddBar(bar); err != nil {
			return err
		}
	}
	if err := ep.AddIRQs(vfuser.IrqMSIX, 64); err != nil {
		return err
	}
	var err error
	if e.NewThrottler != nil {
		if e.thr, err = e.NewThrottler(ep, 0); err != nil {
			return err
		}
	} else {
		e.thr = interrupts.NewNone(ep, 0)
	}
	ep.SetDmaHooks(e)
	return nil
}

func (e *E810) DmaRegister(info vfuser.DmaInfo)   {}
func (e *E810) DmaUnregister(info vfuser.DmaInfo) {}

func (e *E810) Reset() {
	e.model.Reset()
}

func (e *E810) RxCallback(vmID int) {
	e.drv.Recv(vmID)
	burst := e.drv.RxQueue(vmID, 0)
	for i := 0; i < burst.Used; i++ {
		b := &burst.Bufs[i]
		frame := b.Data[:b.Used]
		if isPtpBroadcast(frame) && len(e.BroadcastDestinations) > 0 {
			target := e.BroadcastDestinations[int(e.PtpTargetVM.Load())%len(e.BroadcastDestinations)]
			target.model.EthRx(frame)
			continue
		}
		e.model.EthRx(frame)
	}
	burst.Consumed = burst.Used
	e.drv.RecvConsumed(vmID)
}

// RotatePtpTarget advances the PTP destination to the next VM and
// returns the new index. Driven by the policies package.
func (e *E810) RotatePtpTarget() int {
	n := len(e.BroadcastDestinations)
	if n == 0 {
		return 0
	}
	next := (e.PtpTargetVM.Load() + 1) % int64(n)
	e.PtpTargetVM.Store(next)
	return int(next)
}

// isPtpBroadcast matches PTPv2 over ethernet (ethertype 0x88f7).
func isPtpBroadcast(frame []byte) bool {
	return len(frame) >= 14 && frame[12] == 0x88 && frame[13] == 0xf7
}

func (e *E810) send(frame []byte) {
	if err := e.drv.Send(e.vmID, frame); err != nil {
		log.Printf("e810: send: %v", err)
	}
}

func (e *E810) dmaRead(addr uint64, buf []byte) bool {
	src := e.ep.DmaLocalAddr(addr, uint64(len(buf)))
	if src == nil {
		log.Printf("e810: dma read miss at %#x+%#x", addr, len(buf))
		return false
	}
	copy(buf, src)
	return true
}

func (e *E810) dmaWrite(addr uint64, buf []byte) bool {
	dst := e.ep.DmaLocalAddr(addr, uint64(len(buf)))
	if dst == nil {
		log.Printf("e810: dma write miss at %#x+%#x", addr, len(buf))
		return false
	}
	copy(dst, buf)
	return true
}

func (e *E810) issueInterrupt(spacingNs uint64, pending bool) {
	e.thr.TryInterrupt(spacingNs, pending)
}
