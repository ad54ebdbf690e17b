// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vfuser

import (
	"fmt"
	"sync"

	"github.com/hanwen/go-vmux/internal/eventfd"
)

// LoopTransport is an in-process Transport. The guest side is driven
// programmatically through Guest; requests queue up and are consumed
// one per DispatchOne on the endpoint thread, which mirrors how the
// socket transport hands over one run-context turn at a time. Tests
// and embedding hypervisors use this; production guests speak the
// socket protocol.
type LoopTransport struct {
	mu       sync.Mutex
	id       Identity
	bars     []Bar
	caps     []Capability
	irqs     map[IrqType]int
	cb       Callbacks
	realized bool
	closed   bool

	attachCh chan struct{}
	reqs     chan func()
	efd      *eventfd.EventFd

	irqMu     sync.Mutex
	irqCounts map[int]int
	irqNotify chan int
}

func NewLoopTransport() (*LoopTransport, error) {
	efd, err := eventfd.New()
	if err != nil {
		return nil, err
	}
	return &LoopTransport{
		attachCh:  make(chan struct{}),
		reqs:      make(chan func(), 64),
		efd:       efd,
		irqCounts: map[int]int{},
	}, nil
}

func (t *LoopTransport) Realize(id Identity, bars []Bar, caps []Capability, irqs map[IrqType]int, cb Callbacks) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.realized {
		return fmt.Errorf("loop transport realized twice")
	}
	t.id = id
	t.bars = bars
	t.caps = caps
	t.irqs = irqs
	t.cb = cb
	t.realized = true
	return nil
}

func (t *LoopTransport) Attach() error {
	<-t.attachCh
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	return nil
}

func (t *LoopTransport) PollFd() int {
	return t.efd.Fd()
}

func (t *LoopTransport) DispatchOne() error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	select {
	case req := <-t.reqs:
		req()
		return nil
	default:
		if closed {
			return ErrNotConnected
		}
		t.efd.Reset()
		if len(t.reqs) > 0 {
			// Enqueued between the poll and the drain; keep the
			// readiness fd raised.
			t.efd.Signal()
		}
		return ErrWouldBlock
	}
}

func (t *LoopTransport) TriggerIRQ(typ IrqType, vector int) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if typ != IrqMSIX {
		return fmt.Errorf("%w: trigger of %v", ErrBadRequest, typ)
	}
	t.irqMu.Lock()
	t.irqCounts[vector]++
	ch := t.irqNotify
	t.irqMu.Unlock()
	if ch != nil {
		select {
		case ch <- vector:
		default:
		}
	}
	return nil
}

func (t *LoopTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.attachCh)
	t.efd.Signal()
	return nil
}

// Guest returns the driver's view of the transport.
func (t *LoopTransport) Guest() *LoopGuest {
	return &LoopGuest{t: t}
}

// LoopGuest drives the endpoint the way a connected VM would. Calls
// that touch device state block until the endpoint thread has
// dispatched them.
type LoopGuest struct {
	t *LoopTransport
}

// Connect unblocks the endpoint's Attach.
func (g *LoopGuest) Connect() {
	g.t.attachCh <- struct{}{}
}

// Bars returns the realized region declarations. For fd-backed BARs
// the guest maps Bar.Fd itself, just like over the socket protocol.
func (g *LoopGuest) Bars() []Bar {
	g.t.mu.Lock()
	defer g.t.mu.Unlock()
	return append([]Bar(nil), g.t.bars...)
}

// Capabilities returns the capability blobs surfaced to the guest.
func (g *LoopGuest) Capabilities() []Capability {
	g.t.mu.Lock()
	defer g.t.mu.Unlock()
	return append([]Capability(nil), g.t.caps...)
}

func (g *LoopGuest) IrqCount(typ IrqType) int {
	g.t.mu.Lock()
	defer g.t.mu.Unlock()
	return g.t.irqs[typ]
}

func (g *LoopGuest) enqueue(f func()) {
	done := make(chan struct{})
	g.t.reqs <- func() {
		f()
		close(done)
	}
	g.t.efd.Signal()
	<-done
}

// Access performs one region access. On writes buf carries the
// payload; on reads it receives the result.
func (g *LoopGuest) Access(region int, offset int64, buf []byte, isWrite bool) (n int, err error) {
	g.enqueue(func() {
		n, err = g.t.cb.RegionAccess(region, buf, offset, isWrite)
	})
	return n, err
}

// MapDma registers a guest physical range backed by local memory.
func (g *LoopGuest) MapDma(iova uint64, local []byte, prot int) {
	g.enqueue(func() {
		g.t.cb.DmaRegister(DmaInfo{
			IOVA:  iova,
			Len:   uint64(len(local)),
			Local: local,
			Prot:  prot,
		})
	})
}

func (g *LoopGuest) UnmapDma(iova uint64, local []byte) {
	g.enqueue(func() {
		g.t.cb.DmaUnregister(DmaInfo{
			IOVA:  iova,
			Len:   uint64(len(local)),
			Local: local,
		})
	})
}

func (g *LoopGuest) Reset() {
	g.enqueue(func() { g.t.cb.Reset() })
}

func (g *LoopGuest) SetIrqMask(typ IrqType, start, count uint32, mask bool) {
	g.enqueue(func() { g.t.cb.IrqState(typ, start, count, mask) })
}

// Interrupts returns how often each MSI-X vector fired.
func (g *LoopGuest) Interrupts(vector int) int {
	g.t.irqMu.Lock()
	defer g.t.irqMu.Unlock()
	return g.t.irqCounts[vector]
}

// NotifyInterrupts installs a channel receiving fired vector indexes.
// Delivery is best effort; a full channel drops.
func (g *LoopGuest) NotifyInterrupts(ch chan int) {
	g.t.irqMu.Lock()
	g.t.irqNotify = ch
	g.t.irqMu.Unlock()
}
