// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package interrupts

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/hanwen/go-vmux/internal/eventloop"
)

type countTrigger struct {
	count atomic.Int64
}

func (c *countTrigger) TriggerIRQ(vector int) error {
	c.count.Add(1)
	return nil
}

// pollLoop services timer callbacks until stop is closed.
func pollLoop(t *testing.T, loop *eventloop.Loop, stop chan struct{}) {
	t.Helper()
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			loop.Wait(10)
		}
	}()
}

func newLoop(t *testing.T) (*eventloop.Loop, chan struct{}) {
	t.Helper()
	loop, err := eventloop.New()
	if err != nil {
		t.Fatal("eventloop", err)
	}
	stop := make(chan struct{})
	t.Cleanup(func() {
		close(stop)
		// give the poller a turn to leave the epoll before the
		// fd goes away
		time.Sleep(50 * time.Millisecond)
		loop.Close()
	})
	pollLoop(t, loop, stop)
	return loop, stop
}

func TestNoneFiresOneToOne(t *testing.T) {
	var tr countTrigger
	n := NewNone(&tr, 0)
	for i := 0; i < 5; i++ {
		if got := n.TryInterrupt(1000*1000, false); got != Fired {
			t.Errorf("got %v, want %v", got, Fired)
		}
	}
	if got := tr.count.Load(); got != 5 {
		t.Errorf("got %d triggers, want 5", got)
	}
	if got := n.Spacing(); got != 1000*1000 {
		t.Errorf("got spacing %d, want %d", got, 1000*1000)
	}
}

func TestAccurateCoalesces(t *testing.T) {
	loop, _ := newLoop(t)
	var tr countTrigger
	a, err := NewAccurate(loop, &tr, 0)
	if err != nil {
		t.Fatal("NewAccurate", err)
	}
	defer a.Close()

	const spacing = 1000 * 1000 // 1ms

	if got := a.TryInterrupt(spacing, false); got != Fired {
		t.Fatalf("first request: got %v, want %v", got, Fired)
	}
	time.Sleep(100 * time.Microsecond)
	if got := a.TryInterrupt(spacing, false); got != Deferred {
		t.Fatalf("early request: got %v, want %v", got, Deferred)
	}
	time.Sleep(100 * time.Microsecond)
	if got := a.TryInterrupt(spacing, false); got != Coalesced {
		t.Fatalf("while deferred: got %v, want %v", got, Coalesced)
	}

	// exactly one deferred delivery joins the immediate one
	deadline := time.Now().Add(2 * time.Second)
	for tr.count.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := tr.count.Load(); got != 2 {
		t.Errorf("got %d triggers, want 2", got)
	}
	// and no extras trickle in
	time.Sleep(10 * time.Millisecond)
	if got := tr.count.Load(); got != 2 {
		t.Errorf("got %d triggers after settling, want 2", got)
	}
}

func TestAccurateRespacesAfterExpiry(t *testing.T) {
	loop, _ := newLoop(t)
	var tr countTrigger
	a, err := NewAccurate(loop, &tr, 0)
	if err != nil {
		t.Fatal("NewAccurate", err)
	}
	defer a.Close()

	const spacing = 200 * 1000 // 0.2ms
	a.TryInterrupt(spacing, false)
	a.TryInterrupt(spacing, false) // deferred

	deadline := time.Now().Add(2 * time.Second)
	for tr.count.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	// well past the spacing, requests fire immediately again
	time.Sleep(time.Duration(spacing))
	if got := a.TryInterrupt(spacing, false); got != Fired {
		t.Errorf("late request: got %v, want %v", got, Fired)
	}
}

func TestQemuLikeEdgeFire(t *testing.T) {
	loop, _ := newLoop(t)
	var tr countTrigger
	q, err := NewQemuLike(loop, &tr, 0, nil)
	if err != nil {
		t.Fatal("NewQemuLike", err)
	}
	defer q.Close()

	// pending low->high fires immediately, independent of the timer
	if got := q.TryInterrupt(100*1000, true); got != Fired {
		t.Errorf("rising edge: got %v, want %v", got, Fired)
	}
	before := tr.count.Load()

	// still-high pending does not re-fire on the edge path
	if got := q.TryInterrupt(100*1000, true); got == Fired {
		t.Errorf("level hold: got %v, want deferral or coalesce", got)
	}
	if got := tr.count.Load(); got != before {
		t.Errorf("level hold fired: got %d triggers, want %d", got, before)
	}

	// the mitigation timer eventually delivers the held interrupt
	deadline := time.Now().Add(5 * time.Second)
	for tr.count.Load() < before+1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := tr.count.Load(); got < before+1 {
		t.Errorf("mitigation timer never fired (got %d triggers)", got)
	}
}

func TestSimbricksDeadlines(t *testing.T) {
	loop, _ := newLoop(t)
	var tr countTrigger
	s, err := NewSimbricks(loop, &tr, 0, nil)
	if err != nil {
		t.Fatal("NewSimbricks", err)
	}
	defer s.Close()

	// arm far out
	if got := s.TryInterrupt(500*1000*1000, false); got != Deferred {
		t.Fatalf("first arm: got %v, want %v", got, Deferred)
	}
	// a later deadline is refused
	if got := s.TryInterrupt(800*1000*1000, false); got != Later {
		t.Errorf("later deadline: got %v, want %v", got, Later)
	}
	// an earlier deadline overwrites
	if got := s.TryInterrupt(1000*1000, false); got != Deferred {
		t.Errorf("earlier deadline: got %v, want %v", got, Deferred)
	}

	deadline := time.Now().Add(2 * time.Second)
	for tr.count.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := tr.count.Load(); got != 1 {
		t.Errorf("got %d triggers, want 1 (overwrite, not accumulate)", got)
	}
}

func TestGlobalSlowDownClamp(t *testing.T) {
	g := NewGlobal(1)
	if got := g.SlowDown(); got != 1.0 {
		t.Errorf("got initial slow-down %v, want 1.0", got)
	}

	var tr countTrigger
	n := NewNone(&tr, 0)
	n.TryInterrupt(42, false)
	g.Add(n)
	g.Update()

	min, max, _ := g.SpacingStats()
	if min != 42 || max != 42 {
		t.Errorf("got spacing min %d max %d, want 42 42", min, max)
	}
	// the multiplier is clamped at 1 from below
	if got := g.SlowDown(); got < 1.0 {
		t.Errorf("got slow-down %v, want >= 1.0", got)
	}
}
