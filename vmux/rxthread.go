// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vmux

import (
	"fmt"
	"log"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"

	"github.com/hanwen/go-vmux/device"
)

// RxThread busy-polls one device's RX callback. Only useful with
// backends that poll (the DPDK-style driver); TAP traffic would spin
// for nothing.
type RxThread struct {
	DeviceID int

	dev    device.Device
	cpuPin []int
	tomb   tomb.Tomb
}

func NewRxThread(deviceID int, dev device.Device, cpuPin []int) *RxThread {
	return &RxThread{DeviceID: deviceID, dev: dev, cpuPin: cpuPin}
}

func (r *RxThread) Start() {
	r.tomb.Go(r.run)
}

func (r *RxThread) Stop() {
	r.tomb.Kill(nil)
}

func (r *RxThread) Join() error {
	return r.tomb.Wait()
}

func (r *RxThread) run() error {
	// The poller owns its OS thread: it never yields, and the name
	// and affinity below are thread state.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	name, _ := unix.BytePtrFromString(fmt.Sprintf("vmuxRx%d", r.DeviceID))
	if err := unix.Prctl(unix.PR_SET_NAME,
		uintptr(unsafe.Pointer(name)), 0, 0, 0); err != nil {
		log.Printf("rxthread: cannot rename thread: %v", err)
	}

	if len(r.cpuPin) > 0 {
		var set unix.CPUSet
		for _, cpu := range r.cpuPin {
			set.Set(cpu)
		}
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			return fmt.Errorf("rxthread: failed to set cpu affinity: %w", err)
		}
	}

	for r.tomb.Alive() {
		r.dev.RxCallback(r.DeviceID)
	}
	return nil
}
