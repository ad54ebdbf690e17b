// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

// NicModel is the boundary to a behavioral NIC model. The model owns
// register semantics and descriptor processing; the device adapters
// below own the endpoint, the backend driver and interrupt delivery.
type NicModel interface {
	// Access handles one BAR register touch.
	Access(bar int, buf []byte, offset int64, isWrite bool) (int, error)
	// EthRx feeds one received frame into the model's RX path.
	EthRx(frame []byte)
	Reset()
}

// NicCallbacks is what a model gets to reach back into the device.
type NicCallbacks struct {
	// Send pushes a guest TX frame to the backend.
	Send func(frame []byte)
	// DmaRead and DmaWrite access guest memory; false on a
	// translation miss.
	DmaRead  func(addr uint64, buf []byte) bool
	DmaWrite func(addr uint64, buf []byte) bool
	// IssueInterrupt requests an MSI-X delivery, rate-limited by
	// the device's throttler.
	IssueInterrupt func(spacingNs uint64, pending bool)
}

// NicModelConstructor builds a model wired to the device callbacks.
type NicModelConstructor func(cb NicCallbacks) NicModel
