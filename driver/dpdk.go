// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package driver

import (
	"fmt"
	"log"
	"sync"
)

// NumMbufs is the per-queue element count of the packet pools.
const NumMbufs = 1024

// Dpdk is the kernel-bypass-style backend: hugepage-backed packet
// pools, per-queue TX with burst submit and deferred completions, and
// a destination-MAC switch that demultiplexes fabric frames onto
// per-VM RX queues.
type Dpdk struct {
	nrVMs       int
	queuesPerVM int
	burst       int

	uplink    Uplink
	slabClose func()
	txPools   []*Mempool

	// zero-copy frames stay attached until a cleanup pass
	inflightMu sync.Mutex
	inflight   [][]*Mbuf

	rulesMu sync.Mutex
	rules   map[uint64]int // dst MAC -> vm id

	vms []*vmRx
}

type vmRx struct {
	mu      sync.Mutex
	pending [][]byte
	bursts  []*RxBurst
}

// DpdkConfig carries the construction options the supervisor
// recognizes.
type DpdkConfig struct {
	NrVMs       int
	QueuesPerVM int
	BurstSize   int
	Uplink      Uplink
}

func NewDpdk(cfg DpdkConfig) (*Dpdk, error) {
	if cfg.NrVMs <= 0 {
		return nil, fmt.Errorf("dpdk: need at least one VM")
	}
	if cfg.QueuesPerVM == 0 {
		cfg.QueuesPerVM = 1
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = DefaultBurst
	}
	if cfg.Uplink == nil {
		cfg.Uplink = NewLoopUplink()
	}

	d := &Dpdk{
		nrVMs:       cfg.NrVMs,
		queuesPerVM: cfg.QueuesPerVM,
		burst:       cfg.BurstSize,
		uplink:      cfg.Uplink,
		rules:       map[uint64]int{},
	}

	nrQueues := cfg.NrVMs * cfg.QueuesPerVM
	// per-mbuf private area, large enough for one TX descriptor
	privSize := 64
	stride := MaxBuf + privSize
	slab, closeSlab, err := allocSlab("vmux-mbufs", nrQueues*NumMbufs*stride)
	if err != nil {
		return nil, err
	}
	d.slabClose = closeSlab
	for q := 0; q < nrQueues; q++ {
		part := slab[q*NumMbufs*stride : (q+1)*NumMbufs*stride]
		pool, err := NewMempool(fmt.Sprintf("TX_MBUF_POOL_%d", q),
			NumMbufs, MaxBuf, privSize, part)
		if err != nil {
			closeSlab()
			return nil, err
		}
		d.txPools = append(d.txPools, pool)
		d.inflight = append(d.inflight, nil)
	}

	for vm := 0; vm < cfg.NrVMs; vm++ {
		rx := &vmRx{}
		for q := 0; q < cfg.QueuesPerVM; q++ {
			b := &RxBurst{}
			for i := 0; i < cfg.BurstSize; i++ {
				b.Bufs = append(b.Bufs, RxBuf{Data: make([]byte, MaxBuf), Queue: NoQueue})
			}
			rx.bursts = append(rx.bursts, b)
		}
		d.vms = append(d.vms, rx)
	}
	return d, nil
}

// TxQueueID derives the global queue for a device. Each device owns
// queuesPerVM consecutive queues; only local queue 0 is wired through
// today.
func (d *Dpdk) TxQueueID(deviceID, queue int) (uint16, error) {
	if queue != 0 {
		return 0, fmt.Errorf("dpdk: tx queue %d of device %d not wired", queue, deviceID)
	}
	id := deviceID*d.queuesPerVM + queue
	if id < 0 || id >= len(d.txPools) {
		return 0, fmt.Errorf("dpdk: device %d out of range", deviceID)
	}
	return uint16(id), nil
}

func (d *Dpdk) TxPool(queue uint16) *Mempool {
	return d.txPools[queue]
}

// TxBurst submits mbufs to the fabric. Submitted mbufs belong to the
// driver again: plain ones are freed, attached ones park on the
// in-flight list until TxDoneCleanup. Returns how many were sent.
func (d *Dpdk) TxBurst(port, queue uint16, mbufs []*Mbuf) int {
	pool := d.txPools[queue]
	sent := 0
	for _, m := range mbufs {
		if err := d.uplink.Send(m.Data[:m.Len]); err != nil {
			break
		}
		sent++
		if m.ext {
			d.inflightMu.Lock()
			d.inflight[queue] = append(d.inflight[queue], m)
			d.inflightMu.Unlock()
		} else {
			pool.Free(m)
		}
	}
	return sent
}

// TxDoneCleanup completes parked zero-copy frames, running their free
// callbacks. Returns the number freed.
func (d *Dpdk) TxDoneCleanup(port, queue uint16) int {
	d.inflightMu.Lock()
	parked := d.inflight[queue]
	d.inflight[queue] = nil
	d.inflightMu.Unlock()

	for _, m := range parked {
		d.txPools[queue].Free(m)
	}
	return len(parked)
}

func (d *Dpdk) Send(vmID int, frame []byte) error {
	if len(frame) > MaxBuf {
		return fmt.Errorf("dpdk: frame of %d bytes exceeds %d", len(frame), MaxBuf)
	}
	return d.uplink.Send(frame)
}

// Recv drains the uplink, demultiplexes by destination MAC, and fills
// the vm's consumed bursts. Frames that found no burst space stay
// pending.
func (d *Dpdk) Recv(vmID int) {
	d.demux()

	rx := d.vms[vmID]
	rx.mu.Lock()
	defer rx.mu.Unlock()
	for _, b := range rx.bursts {
		for b.Used < len(b.Bufs) && len(rx.pending) > 0 {
			f := rx.pending[0]
			rx.pending = rx.pending[1:]
			buf := &b.Bufs[b.Used]
			buf.Used = copy(buf.Data, f)
			buf.Queue = NoQueue
			b.Used++
		}
	}
}

func (d *Dpdk) RecvConsumed(vmID int) {
	rx := d.vms[vmID]
	rx.mu.Lock()
	defer rx.mu.Unlock()
	for _, b := range rx.bursts {
		// frames the device could not place go back to the head
		// of the pending list, oldest first
		if b.Consumed < b.Used {
			var back [][]byte
			for i := b.Used - 1; i >= b.Consumed; i-- {
				back = append(back, append([]byte(nil), b.Bufs[i].Data[:b.Bufs[i].Used]...))
			}
			for _, f := range back {
				rx.pending = append([][]byte{f}, rx.pending...)
			}
		}
		b.Used = 0
		b.Consumed = 0
	}
}

func (d *Dpdk) RxQueue(vmID, queue int) *RxBurst {
	return d.vms[vmID].bursts[queue]
}

func (d *Dpdk) MaxQueuesPerVM() int {
	return d.queuesPerVM
}

func (d *Dpdk) AddSwitchRule(vmID int, mac [6]byte, dstQueue uint16) bool {
	d.rulesMu.Lock()
	defer d.rulesMu.Unlock()
	key := macToInt(mac)
	if owner, ok := d.rules[key]; ok {
		return owner == vmID
	}
	d.rules[key] = vmID
	return true
}

// demux moves fabric frames onto the owning VM's pending list.
// Unmatched and broadcast frames go to VM 0, the default destination.
func (d *Dpdk) demux() {
	var frame [MaxBuf]byte
	for i := 0; i < d.burst; i++ {
		n, err := d.uplink.Recv(frame[:])
		if err != nil || n == 0 {
			return
		}
		vm := 0
		if n >= 6 {
			var mac [6]byte
			copy(mac[:], frame[:6])
			d.rulesMu.Lock()
			if owner, ok := d.rules[macToInt(mac)]; ok {
				vm = owner
			}
			d.rulesMu.Unlock()
		}
		if vm >= len(d.vms) {
			log.Printf("dpdk: rule points at unknown vm %d", vm)
			continue
		}
		rx := d.vms[vm]
		rx.mu.Lock()
		rx.pending = append(rx.pending, append([]byte(nil), frame[:n]...))
		rx.mu.Unlock()
	}
}

func (d *Dpdk) Close() error {
	err := d.uplink.Close()
	if d.slabClose != nil {
		d.slabClose()
	}
	return err
}
