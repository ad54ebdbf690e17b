// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package interrupts

import (
	"sync"

	"github.com/hanwen/go-vmux/internal/eventloop"
)

// Simbricks schedules delivery at the absolute deadline now+spacing.
// A request for an earlier deadline than the armed one overwrites it;
// a request for a later one is reported back and dropped.
type Simbricks struct {
	spacing
	tr     Trigger
	vector int
	global *Global

	timer *deferTimer

	mu       sync.Mutex
	armed    bool
	deadline int64
}

func NewSimbricks(loop *eventloop.Loop, tr Trigger, vector int, global *Global) (*Simbricks, error) {
	s := &Simbricks{tr: tr, vector: vector, global: global}
	var err error
	s.timer, err = newDeferTimer(loop, s.expired)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Simbricks) expired() {
	fire(s.tr, s.vector)
	s.timer.disarm()
	s.mu.Lock()
	s.armed = false
	s.mu.Unlock()
}

func (s *Simbricks) TryInterrupt(spacingNs uint64, pending bool) Status {
	s.v.Store(spacingNs)
	if s.global != nil {
		s.global.Update()
	}

	deadline := monotonicNow() + int64(spacingNs)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.armed && s.deadline <= deadline {
		// Already armed and this is not scheduled sooner.
		return Later
	}
	// Rescheduling to an earlier time just overwrites the armed
	// expiry.
	s.armed = true
	s.deadline = deadline
	s.timer.armAbs(deadline)
	return Deferred
}

func (s *Simbricks) Close() {
	s.timer.close()
}
