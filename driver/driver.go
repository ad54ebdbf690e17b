// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package driver provides the packet I/O backends that vmux devices
// shuttle frames through. A single driver instance may serve many VMs;
// calls carry the vm id.
package driver

// MaxBuf should be enough even for most jumboframes.
const MaxBuf = 9000

// DefaultBurst is the batch size of the polling paths.
const DefaultBurst = 128

// NoQueue marks a received frame without a destination-queue hint.
const NoQueue = -1

// RxBuf is one received frame staged for a VM.
type RxBuf struct {
	Data []byte
	// Used is how much of Data is actually filled.
	Used int
	// Queue is a destination queue hint, or NoQueue.
	Queue int
}

// RxBurst is the per-(vm, queue) list the device's RX callback drains.
// Filled by Recv, released by RecvConsumed.
type RxBurst struct {
	Bufs []RxBuf
	// Used is how many of Bufs hold data.
	Used int
	// Consumed is how many of those the device actually delivered;
	// the rest stay with the driver when the guest ran out of ring
	// space.
	Consumed int
}

// Driver is the backend contract. Recv stages received frames into
// the vm's RxBursts; the caller signals with RecvConsumed that the
// staged buffers may be reused. Frames that don't fit the guest stay
// staged for the next Recv.
type Driver interface {
	Send(vmID int, frame []byte) error
	Recv(vmID int)
	RecvConsumed(vmID int)

	RxQueue(vmID, queue int) *RxBurst
	MaxQueuesPerVM() int

	// AddSwitchRule binds a destination MAC to a vm; false if the
	// MAC is owned by another vm.
	AddSwitchRule(vmID int, mac [6]byte, dstQueue uint16) bool

	Close() error
}

// macToInt packs a MAC address for use as a map key.
func macToInt(mac [6]byte) uint64 {
	var v uint64
	for _, b := range mac {
		v = v<<8 | uint64(b)
	}
	return v
}
