// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package device implements the PCI functions vmux presents to
// guests: hardware passthrough, behavioral NIC models, and the vDPDK
// paravirtual ring device.
package device

import (
	"github.com/hanwen/go-vmux/vfuser"
)

// Device is one guest-visible PCI function. SetupEndpoint declares
// BARs, capabilities and interrupts on the endpoint before it is
// realized; RxCallback runs on the RX polling worker and drains
// backend packets toward the guest.
type Device interface {
	Info() vfuser.Identity
	SetupEndpoint(ep *vfuser.Endpoint) error
	RxCallback(vmID int)
}

// Stub is a device with no BARs and no traffic. It keeps a VM slot
// alive without backing hardware.
type Stub struct {
	Identity vfuser.Identity
}

func (s *Stub) Info() vfuser.Identity {
	return s.Identity
}

func (s *Stub) SetupEndpoint(ep *vfuser.Endpoint) error {
	return nil
}

func (s *Stub) RxCallback(vmID int) {}
