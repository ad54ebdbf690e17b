// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package interrupts

import (
	"sync/atomic"
	"time"

	"github.com/hanwen/go-vmux/internal/eventloop"
)

// Accurate spaces deliveries at least spacingNs apart. A request that
// arrives too early (or while the guest has one pending) arms a
// one-shot timer for the residual interval, capped at 500us; requests
// arriving while armed merge silently.
type Accurate struct {
	spacing
	tr     Trigger
	vector int
	factor uint64

	deferred atomic.Bool
	timer    *deferTimer

	// lastFired is only written by the winner of the deferred
	// compare-exchange or by the uncontended fire path, both on
	// nanosecond CLOCK_MONOTONIC.
	lastFired atomic.Int64
}

func NewAccurate(loop *eventloop.Loop, tr Trigger, vector int) (*Accurate, error) {
	a := &Accurate{tr: tr, vector: vector, factor: 1}
	var err error
	a.timer, err = newDeferTimer(loop, a.expired)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Accurate) expired() {
	fire(a.tr, a.vector)
	a.timer.disarm()
	a.deferred.Store(false)
}

func (a *Accurate) TryInterrupt(spacingNs uint64, pending bool) Status {
	a.v.Store(spacingNs)
	now := monotonicNow()
	last := a.lastFired.Load()
	if now < last {
		// The winner of a deferral already accounted a future
		// fire time; nothing to do until then.
		return Coalesced
	}
	sinceLast := uint64(now - last)
	deferBy := a.factor * minU64(maxDeferNs, diffU64(spacingNs, sinceLast))

	if sinceLast < spacingNs || pending {
		if !a.deferred.CompareAndSwap(false, true) {
			return Coalesced
		}
		// Estimate the fire time now; setting it in the expiry
		// callback would need another lock.
		a.lastFired.Store(now + int64(deferBy))
		a.timer.arm(time.Duration(deferBy))
		return Deferred
	}
	a.lastFired.Store(now)
	fire(a.tr, a.vector)
	return Fired
}

func (a *Accurate) Close() {
	a.timer.close()
}
