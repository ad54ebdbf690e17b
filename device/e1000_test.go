// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/hanwen/go-vmux/driver"
	"github.com/hanwen/go-vmux/internal/eventloop"
	"github.com/hanwen/go-vmux/vfuser"
)

// fakeModel records what the adapter feeds it and exercises the
// device callbacks on demand.
type fakeModel struct {
	cb NicCallbacks

	regs   map[int64]byte
	rx     [][]byte
	resets int
}

func (m *fakeModel) Access(bar int, buf []byte, offset int64, isWrite bool) (int, error) {
	if isWrite {
		for i, b := range buf {
			m.regs[offset+int64(i)] = b
		}
	} else {
		for i := range buf {
			buf[i] = m.regs[offset+int64(i)]
		}
	}
	return len(buf), nil
}

func (m *fakeModel) EthRx(frame []byte) {
	m.rx = append(m.rx, append([]byte(nil), frame...))
	// a received frame raises an interrupt, as the model would
	m.cb.IssueInterrupt(250*1000, false)
}

func (m *fakeModel) Reset() {
	m.resets++
}

func TestE1000Adapter(t *testing.T) {
	uplink := driver.NewLoopUplink()
	drv, err := driver.NewDpdk(driver.DpdkConfig{NrVMs: 1, Uplink: uplink})
	if err != nil {
		t.Fatal(err)
	}
	defer drv.Close()

	var model *fakeModel
	dev := NewE1000(0, drv, func(cb NicCallbacks) NicModel {
		model = &fakeModel{cb: cb, regs: map[int64]byte{}}
		return model
	})

	loop, err := eventloop.New()
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close()
	tr, err := vfuser.NewLoopTransport()
	if err != nil {
		t.Fatal(err)
	}
	ep := vfuser.New("/tmp/vmux_test.sock", loop, tr)
	if err := dev.SetupEndpoint(ep); err != nil {
		t.Fatal("SetupEndpoint", err)
	}
	if err := ep.Realize(dev.Info()); err != nil {
		t.Fatal("Realize", err)
	}
	guest := tr.Guest()
	go func() {
		ep.Attach()
		ep.BeginRun()
		for {
			err := ep.DispatchOne()
			if err == nil {
				continue
			}
			if errors.Is(err, vfuser.ErrWouldBlock) {
				time.Sleep(50 * time.Microsecond)
				continue
			}
			return
		}
	}()
	guest.Connect()
	defer ep.Close()

	// register file reachable through BAR0
	if _, err := guest.Access(0, 0x8, []byte{0xaa}, true); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	if _, err := guest.Access(0, 0x8, buf, false); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 0xaa {
		t.Errorf("got register %#x, want 0xaa", buf[0])
	}

	// a fabric frame reaches the model and raises one vector
	mem := make([]byte, 0x1000)
	guest.MapDma(0x4000, mem, vfuser.ProtRead|vfuser.ProtWrite)

	frame := bytes.Repeat([]byte{3}, 60)
	uplink.Inject(frame)
	dev.RxCallback(0)
	if len(model.rx) != 1 || !bytes.Equal(model.rx[0], frame) {
		t.Fatalf("model got %d frames", len(model.rx))
	}
	if got := guest.Interrupts(0); got != 1 {
		t.Errorf("got %d interrupts, want 1", got)
	}

	// model-driven DMA goes through the endpoint's table
	if !model.cb.DmaWrite(0x4000, []byte{1, 2, 3}) {
		t.Error("dma write failed")
	}
	out := make([]byte, 3)
	if !model.cb.DmaRead(0x4000, out) {
		t.Error("dma read failed")
	}
	if !bytes.Equal(out, []byte{1, 2, 3}) {
		t.Errorf("got %v back from guest memory", out)
	}
	if model.cb.DmaRead(0x9000, out) {
		t.Error("dma read outside any mapping succeeded")
	}

	// guest TX leaves through the backend
	model.cb.Send(bytes.Repeat([]byte{4}, 60))
	if uplink.Sent() != 1 {
		t.Error("model send did not reach the fabric")
	}

	dev.Reset()
	if model.resets != 1 {
		t.Errorf("got %d resets, want 1", model.resets)
	}
}
