// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package interrupts rate-limits MSI-X delivery. A throttler sits
// between a device's "I want to interrupt" events and the endpoint's
// trigger primitive; variants differ in how aggressively they defer
// and coalesce.
package interrupts

import (
	"log"
	"sync/atomic"
)

// Status reports what TryInterrupt did with the request.
type Status int

const (
	// Fired: the vector was triggered immediately.
	Fired Status = iota
	// Deferred: a timer was armed; the vector fires on expiry.
	Deferred
	// Coalesced: a deferral was already in flight; this request
	// merged into it silently.
	Coalesced
	// Later: already armed for an earlier deadline than requested
	// (Simbricks only).
	Later
)

func (s Status) String() string {
	switch s {
	case Fired:
		return "fired"
	case Deferred:
		return "deferred"
	case Coalesced:
		return "coalesced"
	case Later:
		return "later"
	}
	return "invalid"
}

// Trigger is the firing primitive, provided by the endpoint.
// Thread-safe by contract.
type Trigger interface {
	TriggerIRQ(vector int) error
}

// Throttler is implemented by all variants. spacingNs is the minimum
// interval the device currently wants between deliveries of this
// vector; pending reports whether the guest still has an unhandled
// interrupt.
type Throttler interface {
	TryInterrupt(spacingNs uint64, pending bool) Status
	// Spacing is the most recent requested interval, readable by
	// the global collector without locks.
	Spacing() uint64
}

// spacing is the atomically published per-vector interval shared by
// the variants.
type spacing struct {
	v atomic.Uint64
}

func (s *spacing) Spacing() uint64 {
	return s.v.Load()
}

func fire(tr Trigger, vector int) {
	if err := tr.TriggerIRQ(vector); err != nil {
		// Disconnected guests drop interrupts; anything else is
		// a broken endpoint contract.
		log.Printf("interrupts: trigger vector %d: %v", vector, err)
	}
}

// maxDeferNs caps how far Accurate pushes a single deferral.
const maxDeferNs = 500 * 1000

// qemuMinSpacingNs is the floor qemu-style mitigation enforces;
// spacing must not be shorter than 7813 irq/s.
const qemuMinSpacingNs = 128 * 1000

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// diffU64 is a saturating a-b.
func diffU64(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
