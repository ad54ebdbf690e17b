// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package interrupts

import (
	"sync/atomic"
	"time"

	"github.com/hanwen/go-vmux/internal/eventloop"
)

// QemuLike mirrors qemu's e1000 mitigation: while the guest has an
// interrupt pending and the mitigation timer is idle, arm it for
// max(spacing, 128us) x factor. Independently of the timer, a
// low-to-high transition of the pending level fires immediately.
type QemuLike struct {
	spacing
	tr     Trigger
	vector int
	global *Global

	// Factor trades latency for interrupt rate. 5 gives good
	// latency and ok mpps but 3k irq/s; 10 gives the target irq/s
	// and good throughput at worse latency.
	factor uint64

	deferred atomic.Bool
	timer    *deferTimer

	// mitLevel and irqLevel are only touched on the endpoint
	// thread (TryInterrupt and timer expiry share it).
	mitLevel bool
	irqLevel bool
}

func NewQemuLike(loop *eventloop.Loop, tr Trigger, vector int, global *Global) (*QemuLike, error) {
	q := &QemuLike{tr: tr, vector: vector, global: global, factor: 10}
	var err error
	q.timer, err = newDeferTimer(loop, q.expired)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (q *QemuLike) expired() {
	fire(q.tr, q.vector)
	q.timer.disarm()
	q.deferred.Store(false)
}

func (q *QemuLike) TryInterrupt(spacingNs uint64, pending bool) Status {
	q.v.Store(spacingNs)
	if q.global != nil {
		q.global.Update()
	}

	status := Coalesced
	if !q.mitLevel && pending {
		if !q.deferred.CompareAndSwap(false, true) {
			return Coalesced
		}
		delay := q.factor * maxU64(spacingNs, qemuMinSpacingNs)
		q.timer.arm(time.Duration(delay))
		status = Deferred
	}

	q.mitLevel = pending
	if q.setLevel(q.mitLevel) {
		return Fired
	}
	return status
}

// setLevel edges the guest-visible interrupt line; returns true when
// the rising edge fired the vector.
func (q *QemuLike) setLevel(level bool) bool {
	if q.irqLevel && !level {
		q.irqLevel = false
	} else if !q.irqLevel && level {
		q.irqLevel = true
		fire(q.tr, q.vector)
		return true
	}
	return false
}

func (q *QemuLike) Close() {
	q.timer.close()
}
