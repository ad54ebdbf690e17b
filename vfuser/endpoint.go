// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vfuser

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/hanwen/go-vmux/internal/eventloop"
)

type State int32

const (
	Fresh State = iota
	Initialized
	Connected
	Running
	Closed
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Initialized:
		return "initialized"
	case Connected:
		return "connected"
	case Running:
		return "running"
	case Closed:
		return "closed"
	}
	return "invalid"
}

// Endpoint is the per-VM server. One guest drives one endpoint; the
// endpoint thread services requests, dispatches region accesses to the
// device, applies DMA (un)map events and delivers MSI-X vectors.
type Endpoint struct {
	Socket string
	Debug  bool

	transport Transport
	loop      *eventloop.Loop

	state atomic.Int32

	// build-time configuration, frozen by Realize
	mu       sync.Mutex
	identity Identity
	bars     []Bar
	caps     []Capability
	irqs     map[IrqType]int
	realized bool

	dma   DmaTable
	hooks DmaHooks
}

// New creates an endpoint for the given socket path. The loop receives
// the timer and interrupt fds of components attached to this endpoint;
// it is polled by the owning runner thread.
func New(socket string, loop *eventloop.Loop, tr Transport) *Endpoint {
	return &Endpoint{
		Socket:    socket,
		transport: tr,
		loop:      loop,
		irqs:      map[IrqType]int{},
	}
}

func (e *Endpoint) State() State {
	return State(e.state.Load())
}

func (e *Endpoint) Loop() *eventloop.Loop {
	return e.loop
}

// Dma exposes the mapping table for pollers that need the read-side
// handshake. One-shot translations should use DmaLocalAddr.
func (e *Endpoint) Dma() *DmaTable {
	return &e.dma
}

// SetDmaHooks installs the per-device backing action for DMA map
// events. Must be called before Realize.
func (e *Endpoint) SetDmaHooks(h DmaHooks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = h
}

// AddBar declares a guest-visible region. Pass fd -1 for a pure
// trapped region. If the backing file is smaller than size, the
// declaration is clamped to the backing (ConfigInconsistency policy).
func (e *Endpoint) AddBar(b Bar) error {
	if b.Index < 0 || b.Index >= NumBars {
		return fmt.Errorf("%w: bar index %d", ErrBadRequest, b.Index)
	}
	if b.Fd >= 0 {
		if backing, err := fdSize(b.Fd); err == nil && backing > 0 && backing < b.Size {
			log.Printf("vfuser: bar %d declared %#x but backing is %#x, clamping",
				b.Index, b.Size, backing)
			b.Size = backing
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.realized {
		return fmt.Errorf("%w: endpoint already realized", ErrBadState)
	}
	for _, have := range e.bars {
		if have.Index == b.Index {
			return fmt.Errorf("%w: bar %d declared twice", ErrBadRequest, b.Index)
		}
	}
	e.bars = append(e.bars, b)
	return nil
}

// Standard capability blobs are at most 0x34 bytes (PCI Express); an
// extended blob may reach the DSN size. Longer blobs are recorded
// whole anyway and surfaced to the guest.
const maxCapLen = 0x34

// AddCapabilities appends opaque capability blobs to the synthesized
// config space, in order.
func (e *Endpoint) AddCapabilities(caps ...Capability) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.realized {
		return fmt.Errorf("%w: endpoint already realized", ErrBadState)
	}
	for _, c := range caps {
		if len(c.Data) < 2 {
			return fmt.Errorf("%w: capability blob of %d bytes", ErrBadRequest, len(c.Data))
		}
		if len(c.Data) > maxCapLen {
			log.Printf("vfuser: capability id %#x is %d bytes, longer than any id we know; recording whole blob",
				c.Data[0], len(c.Data))
		}
		e.caps = append(e.caps, c)
	}
	return nil
}

// AddIRQs declares count vectors of the given type.
func (e *Endpoint) AddIRQs(typ IrqType, count int) error {
	if typ < 0 || typ >= numIrqTypes || count < 0 {
		return fmt.Errorf("%w: irq type %d count %d", ErrBadRequest, typ, count)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.realized {
		return fmt.Errorf("%w: endpoint already realized", ErrBadState)
	}
	e.irqs[typ] = count
	return nil
}

// Realize freezes the configuration and pushes it into the transport.
// Fresh -> Initialized.
func (e *Endpoint) Realize(id Identity) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State() != Fresh {
		return fmt.Errorf("%w: realize in state %v", ErrBadState, e.State())
	}
	e.identity = id
	if err := e.transport.Realize(id, e.bars, e.caps, e.irqs, (*endpointCallbacks)(e)); err != nil {
		return fmt.Errorf("realize %s: %w", e.Socket, err)
	}
	e.realized = true
	e.state.Store(int32(Initialized))
	if e.Debug {
		log.Printf("vfuser: %s realized as %v", e.Socket, id)
	}
	return nil
}

// Attach blocks until a guest connects. Initialized -> Connected.
func (e *Endpoint) Attach() error {
	if s := e.State(); s != Initialized {
		return fmt.Errorf("%w: attach in state %v", ErrBadState, s)
	}
	if err := e.transport.Attach(); err != nil {
		return err
	}
	e.state.Store(int32(Connected))
	return nil
}

// BeginRun enters the dispatch phase. Connected -> Running.
func (e *Endpoint) BeginRun() error {
	if !e.state.CompareAndSwap(int32(Connected), int32(Running)) {
		return fmt.Errorf("%w: begin run in state %v", ErrBadState, e.State())
	}
	return nil
}

// PollFd is the transport's readiness fd; POLLIN means DispatchOne has
// work.
func (e *Endpoint) PollFd() int {
	return e.transport.PollFd()
}

// DispatchOne runs one run-context turn. Valid only in Running.
// Returns ErrWouldBlock if no request is pending and ErrNotConnected
// when the guest went away (the endpoint drops back to Initialized).
func (e *Endpoint) DispatchOne() error {
	if s := e.State(); s != Running {
		return fmt.Errorf("%w: dispatch in state %v", ErrBadState, s)
	}
	err := e.transport.DispatchOne()
	if errors.Is(err, ErrNotConnected) {
		e.state.Store(int32(Initialized))
	}
	return err
}

// DmaLocalAddr translates (iova, len) into local bytes; nil if the
// range is not entirely inside one live mapping.
func (e *Endpoint) DmaLocalAddr(iova, ln uint64) []byte {
	return e.dma.TranslateLocked(iova, ln)
}

// TriggerIRQ requests delivery of one MSI-X vector. Thread-safe.
func (e *Endpoint) TriggerIRQ(vector int) error {
	switch e.State() {
	case Closed:
		return ErrClosed
	case Fresh, Initialized:
		return ErrNotConnected
	}
	return e.transport.TriggerIRQ(IrqMSIX, vector)
}

// Close shuts the transport; the runner sees the endpoint leave Running
// and terminates. Any state -> Closed.
func (e *Endpoint) Close() error {
	if e.state.Swap(int32(Closed)) == int32(Closed) {
		return nil
	}
	return e.transport.Close()
}

// endpointCallbacks is the Callbacks view handed to the transport. A
// separate type so the dispatch entrypoints don't clutter the Endpoint
// API.
type endpointCallbacks Endpoint

func (c *endpointCallbacks) endpoint() *Endpoint { return (*Endpoint)(c) }

func (c *endpointCallbacks) RegionAccess(index int, buf []byte, offset int64, isWrite bool) (int, error) {
	e := c.endpoint()
	e.mu.Lock()
	var bar *Bar
	for i := range e.bars {
		if e.bars[i].Index == index {
			bar = &e.bars[i]
			break
		}
	}
	e.mu.Unlock()
	if bar == nil || bar.Access == nil {
		// Unexpected: accesses to fd-backed regions do not trap.
		log.Printf("vfuser: stray access to region %d at %#x (write %v)",
			index, offset, isWrite)
		return 0, ErrBadRequest
	}
	return bar.Access(buf, offset, isWrite)
}

func (c *endpointCallbacks) DmaRegister(info DmaInfo) {
	e := c.endpoint()
	if info.Local == nil {
		// The transport could not map the range; nothing to
		// translate into, nothing to back.
		log.Printf("vfuser: dma region %#x+%#x not mappable", info.IOVA, info.Len)
		return
	}
	err := e.dma.Insert(DmaMapping{
		IOVA:  info.IOVA,
		Len:   info.Len,
		Local: info.Local,
		Prot:  info.Prot,
	})
	if err != nil {
		log.Printf("vfuser: %v", err)
		return
	}
	if e.Debug {
		log.Printf("vfuser: dma map %#x+%#x prot %#x (%d live)",
			info.IOVA, info.Len, info.Prot, e.dma.Len())
	}
	if e.hooks != nil {
		e.hooks.DmaRegister(info)
	}
}

func (c *endpointCallbacks) DmaUnregister(info DmaInfo) {
	e := c.endpoint()
	if info.Local == nil {
		return
	}
	if _, err := e.dma.Remove(info.IOVA); err != nil {
		log.Printf("vfuser: %v", err)
		return
	}
	if e.hooks != nil {
		e.hooks.DmaUnregister(info)
	}
	if e.Debug {
		log.Printf("vfuser: dma unmap %#x (%d live)", info.IOVA, e.dma.Len())
	}
}

func (c *endpointCallbacks) IrqState(typ IrqType, start, count uint32, mask bool) {
	e := c.endpoint()
	if e.hooks == nil {
		return
	}
	if m, ok := e.hooks.(IrqMasker); ok {
		m.IrqState(typ, start, count, mask)
		return
	}
	log.Printf("vfuser: ignoring %v state change (mask %v)", typ, mask)
}

func (c *endpointCallbacks) Reset() {
	e := c.endpoint()
	log.Printf("vfuser: %s: guest requested device reset", e.Socket)
	if r, ok := e.hooks.(Resetter); ok {
		r.Reset()
	}
}

// IrqMasker is implemented by devices that track or forward interrupt
// mask state (passthrough forwards INTx, records MSI-X).
type IrqMasker interface {
	IrqState(typ IrqType, start, count uint32, mask bool)
}

// Resetter handles guest reset requests. This happens at VM boot.
type Resetter interface {
	Reset()
}
