// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

import (
	"log"

	"github.com/hanwen/go-vmux/driver"
	"github.com/hanwen/go-vmux/interrupts"
	"github.com/hanwen/go-vmux/vfuser"
)

const e1000Bar0Size = 0x20000

// E1000 adapts an e1000-class behavioral model to the endpoint. The
// model's register file sits behind a trapped BAR0; RX frames from
// the backend are fed into the model, which DMA-writes them into
// guest rings and asks for interrupts.
type E1000 struct {
	vmID int
	drv  driver.Driver

	// NewThrottler is consulted at setup; nil means direct
	// delivery.
	NewThrottler func(ep *vfuser.Endpoint, vector int) (interrupts.Throttler, error)

	ep    *vfuser.Endpoint
	model NicModel
	thr   interrupts.Throttler
}

func NewE1000(vmID int, drv driver.Driver, newModel NicModelConstructor) *E1000 {
	e := &E1000{vmID: vmID, drv: drv}
	e.model = newModel(NicCallbacks{
		Send:           e.send,
		DmaRead:        e.dmaRead,
		DmaWrite:       e.dmaWrite,
		IssueInterrupt: e.issueInterrupt,
	})
	return e
}

func (e *E1000) Info() vfuser.Identity {
	return vfuser.Identity{
		VendorID: 0x8086,
		DeviceID: 0x100e, // 82540EM
		Class:    0x02,
		Subclass: 0x00,
		Revision: 3,
	}
}

func (e *E1000) SetupEndpoint(ep *vfuser.Endpoint) error {
	e.ep = ep
	err := ep.AddBar(vfuser.Bar{
		Index: 0, Size: e1000Bar0Size,
		Flags: vfuser.BarMem | vfuser.BarRW,
		Fd:    -1,
		Access: func(buf []byte, offset int64, isWrite bool) (int, error) {
			return e.model.Access(0, buf, offset, isWrite)
		},
	})
	if err != nil {
		return err
	}
	if err := ep.AddIRQs(vfuser.IrqMSIX, 1); err != nil {
		return err
	}
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

// The behavioral model translates on every DMA access; the table's
// own locking covers those, so the hooks do nothing.
func (e *E1000) DmaRegister(info vfuser.DmaInfo)   {}
func (e *E1000) DmaUnregister(info vfuser.DmaInfo) {}

func (e *E1000) Reset() {
	e.model.Reset()
}

func (e *E1000) RxCallback(vmID int) {
	e.drv.Recv(vmID)
	burst := e.drv.RxQueue(vmID, 0)
	for i := 0; i < burst.Used; i++ {
		b := &burst.Bufs[i]
		e.model.EthRx(b.Data[:b.Used])
	}
	burst.Consumed = burst.Used
	e.drv.RecvConsumed(vmID)
}

func (e *E1000) send(frame []byte) {
	if err := e.drv.Send(e.vmID, frame); err != nil {
		log.Printf("e1000: send: %v", err)
	}
}

func (e *E1000) dmaRead(addr uint64, buf []byte) bool {
	src := e.ep.DmaLocalAddr(addr, uint64(len(buf)))
	if src == nil {
		log.Printf("e1000: dma read miss at %#x+%#x", addr, len(buf))
		return false
	}
	copy(buf, src)
	return true
}

func (e *E1000) dmaWrite(addr uint64, buf []byte) bool {
	dst := e.ep.DmaLocalAddr(addr, uint64(len(buf)))
	if dst == nil {
		log.Printf("e1000: dma write miss at %#x+%#x", addr, len(buf))
		return false
	}
	copy(dst, buf)
	return true
}

func (e *E1000) issueInterrupt(spacingNs uint64, pending bool) {
	e.thr.TryInterrupt(spacingNs, pending)
}
