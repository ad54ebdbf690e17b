// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package device

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"

	"gopkg.in/tomb.v2"

	"github.com/hanwen/go-vmux/driver"
	"github.com/hanwen/go-vmux/internal/memfd"
	"github.com/hanwen/go-vmux/vfuser"
)

// vDPDK shared-memory layout.
const (
	VdpdkRegionSize = 0x1000

	TxDescSize     = 0x28
	TxFlagAvail    = uint16(1)
	TxFlagAttached = uint16(1) << 1
	// reserved for multi-segment frames
	TxFlagNext = uint16(1) << 2

	RxDescSize  = 0x20
	RxFlagAvail = uint16(1)

	MaxRxQueues = 4
)

// BAR0 control registers.
const (
	vdpdkDebugString  = 0x00
	vdpdkTxQueueStart = 0x40
	vdpdkTxQueueStop  = 0x80
	vdpdkRxQueueStart = 0x140
	vdpdkRxQueueStop  = 0x180
)

var vdpdkBanner = []byte("Hello from vmux")

// rxQueue is the live RX ring published by RX_QUEUE_START. idx is
// only advanced by the RX callback.
type rxQueue struct {
	ringIova uint64
	idxMask  uint16
	idx      uint16
}

// txCompletion carries a zero-copy frame's descriptor write-back from
// whatever thread the backend freed it on to the TX poller, which owns
// the ring slot. desc holds the saved descriptor bytes past the iova
// word; its flag half still has AVAIL set and the final store clears
// it, handing the slot back to the guest.
type txCompletion struct {
	desc [TxDescSize - 8]byte
}

// Vdpdk is the paravirtual fast-path device. BAR0 traps control
// writes; BAR1/BAR2 are shared memfds carrying the TX/RX ring setup
// blocks. A dedicated thread busy-polls the guest's TX ring; the RX
// callback runs on the driver's polling worker.
type Vdpdk struct {
	deviceID int
	drv      *driver.Dpdk

	ZeroCopy bool
	Debug    bool
	Burst    int

	ep    *vfuser.Endpoint
	txbuf *memfd.MemFd
	rxbuf *memfd.MemFd

	dbgMu     sync.Mutex
	dbgString []byte
	lastDbg   string

	txMu   sync.Mutex
	txTomb *tomb.Tomb

	rxq atomic.Pointer[rxQueue]

	completions chan txCompletion
}

func NewVdpdk(deviceID int, drv driver.Driver) (*Vdpdk, error) {
	dpdk, ok := drv.(*driver.Dpdk)
	if !ok {
		return nil, fmt.Errorf("vdpdk: only supported with the DPDK backend")
	}
	txbuf, err := memfd.New("vdpdk_tx", VdpdkRegionSize)
	if err != nil {
		return nil, err
	}
	rxbuf, err := memfd.New("vdpdk_rx", VdpdkRegionSize)
	if err != nil {
		txbuf.Close()
		return nil, err
	}
	return &Vdpdk{
		deviceID:    deviceID,
		drv:         dpdk,
		Burst:       driver.DefaultBurst,
		txbuf:       txbuf,
		rxbuf:       rxbuf,
		completions: make(chan txCompletion, driver.NumMbufs),
	}, nil
}

func (v *Vdpdk) Info() vfuser.Identity {
	return vfuser.Identity{
		VendorID: 0x1af4, // Red Hat Virtio Devices
		DeviceID: 0x7abc, // unused
		Class:    2,
		Subclass: 0,
		Revision: 1,
	}
}

func (v *Vdpdk) SetupEndpoint(ep *vfuser.Endpoint) error {
	v.ep = ep
	flags := vfuser.BarMem | vfuser.BarRW

	if err := ep.AddBar(vfuser.Bar{
		Index: 0, Size: VdpdkRegionSize, Flags: flags, Fd: -1,
		Access: v.regionAccess,
	}); err != nil {
		return err
	}
	if err := ep.AddBar(vfuser.Bar{
		Index: 1, Size: uint64(v.txbuf.Size()), Flags: flags, Fd: v.txbuf.Fd(),
	}); err != nil {
		return err
	}
	if err := ep.AddBar(vfuser.Bar{
		Index: 2, Size: uint64(v.rxbuf.Size()), Flags: flags, Fd: v.rxbuf.Fd(),
	}); err != nil {
		return err
	}
	ep.SetDmaHooks(v)
	return nil
}

// The mapping table's own writer-flag handshake fences the pollers;
// the hooks only trace.
func (v *Vdpdk) DmaRegister(info vfuser.DmaInfo) {
	if v.Debug {
		log.Printf("vdpdk: dma map %#x+%#x", info.IOVA, info.Len)
	}
}

func (v *Vdpdk) DmaUnregister(info vfuser.DmaInfo) {
	if v.Debug {
		log.Printf("vdpdk: dma unmap %#x", info.IOVA)
	}
}

func (v *Vdpdk) regionAccess(buf []byte, offset int64, isWrite bool) (int, error) {
	if offset < 0 || offset > VdpdkRegionSize {
		return 0, vfuser.ErrBadRequest
	}
	if int64(len(buf)) > VdpdkRegionSize-offset {
		return 0, vfuser.ErrBadRequest
	}
	if isWrite {
		return v.regionWrite(buf, offset)
	}
	return v.regionRead(buf, offset)
}

func (v *Vdpdk) regionRead(buf []byte, offset int64) (int, error) {
	if len(buf) == 0 {
		return 0, vfuser.ErrBadRequest
	}
	if offset < 0x40 {
		for i := range buf {
			buf[i] = 0
		}
		if offset < int64(len(vdpdkBanner)) {
			copy(buf, vdpdkBanner[offset:])
		}
		return len(buf), nil
	}
	log.Printf("vdpdk: invalid read offset %#x", offset)
	return 0, vfuser.ErrBadRequest
}

func (v *Vdpdk) regionWrite(buf []byte, offset int64) (int, error) {
	switch offset {
	case vdpdkDebugString:
		v.dbgMu.Lock()
		v.dbgString = append(v.dbgString, buf...)
		if i := bytes.IndexByte(v.dbgString, 0); i >= 0 {
			v.lastDbg = string(v.dbgString[:i])
			log.Printf("vdpdk: received debug string: %s", v.lastDbg)
			v.dbgString = v.dbgString[:0]
		}
		v.dbgMu.Unlock()
		return len(buf), nil

	case vdpdkTxQueueStart:
		idx, ok := queueIndex(buf)
		if !ok {
			return 0, vfuser.ErrBadRequest
		}
		if idx != 0 {
			log.Printf("vdpdk: TX_QUEUE_START: invalid queue idx %d", idx)
			return len(buf), nil
		}
		ringIova := binary.LittleEndian.Uint64(v.txbuf.Data()[0:8])
		idxMask := binary.LittleEndian.Uint16(v.txbuf.Data()[8:10])
		v.startTxPoll(ringIova, idxMask)
		return len(buf), nil

	case vdpdkTxQueueStop:
		idx, ok := queueIndex(buf)
		if !ok {
			return 0, vfuser.ErrBadRequest
		}
		if idx != 0 {
			log.Printf("vdpdk: TX_QUEUE_STOP: invalid queue idx %d", idx)
			return len(buf), nil
		}
		v.stopTxPoll()
		return len(buf), nil

	case vdpdkRxQueueStart:
		idx, ok := queueIndex(buf)
		if !ok {
			return 0, vfuser.ErrBadRequest
		}
		if idx != 0 {
			log.Printf("vdpdk: RX_QUEUE_START: invalid queue idx %d", idx)
			return len(buf), nil
		}
		q := &rxQueue{
			ringIova: binary.LittleEndian.Uint64(v.rxbuf.Data()[0:8]),
			idxMask:  binary.LittleEndian.Uint16(v.rxbuf.Data()[8:10]),
		}
		v.rxq.Store(q)
		return len(buf), nil

	case vdpdkRxQueueStop:
		idx, ok := queueIndex(buf)
		if !ok {
			return 0, vfuser.ErrBadRequest
		}
		if idx != 0 {
			log.Printf("vdpdk: RX_QUEUE_STOP: invalid queue idx %d", idx)
			return len(buf), nil
		}
		v.rxq.Store(nil)
		return len(buf), nil
	}

	log.Printf("vdpdk: invalid write offset %#x", offset)
	return 0, vfuser.ErrBadRequest
}

func queueIndex(buf []byte) (uint16, bool) {
	if len(buf) != 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(buf), true
}

func (v *Vdpdk) startTxPoll(ringIova uint64, idxMask uint16) {
	v.txMu.Lock()
	defer v.txMu.Unlock()
	// stop a left-over polling thread
	if v.txTomb != nil {
		v.txTomb.Kill(nil)
		v.txTomb.Wait()
	}
	t := &tomb.Tomb{}
	t.Go(func() error {
		return v.txPoll(t, ringIova, idxMask)
	})
	v.txTomb = t
}

func (v *Vdpdk) stopTxPoll() {
	v.txMu.Lock()
	defer v.txMu.Unlock()
	if v.txTomb != nil {
		v.txTomb.Kill(nil)
		if err := v.txTomb.Wait(); err != nil {
			log.Printf("vdpdk: tx poller: %v", err)
		}
		v.txTomb = nil
	}
}

// txQueueState is shared between the poller and the zero-copy
// completion write-back it performs on the ring.
type txQueueState struct {
	ring     []byte
	frontIdx uint16
	backIdx  uint16
	idxMask  uint16
}

// txPoll busy-drains the guest's TX ring into backend bursts until
// stopped. Single goroutine per device; unlike the RX worker it is
// not pinned to a CPU.
func (v *Vdpdk) txPoll(t *tomb.Tomb, ringIova uint64, idxMask uint16) error {
	ringSize := (uint64(idxMask) + 1) * TxDescSize
	log.Printf("vdpdk: start TX polling with iova %#x, mask %#x, size %#x",
		ringIova, idxMask, ringSize)

	queueID, err := v.drv.TxQueueID(v.deviceID, 0)
	if err != nil {
		log.Printf("vdpdk: %v", err)
		return nil
	}
	pool := v.drv.TxPool(queueID)

	dma := v.ep.Dma()
	dma.RLock()
	defer dma.RUnlock()

	q := &txQueueState{idxMask: idxMask}
	q.ring = dma.Translate(ringIova, ringSize)
	if q.ring == nil {
		log.Printf("vdpdk: invalid ring iova %#x", ringIova)
		return nil
	}

	mbufs := make([]*driver.Mbuf, 0, v.Burst)
	flush := func() {
		if len(mbufs) == 0 {
			return
		}
		sent := v.drv.TxBurst(0, queueID, mbufs)
		// drop frames we couldn't send
		pool.FreeBulk(mbufs[sent:])
		mbufs = mbufs[:0]
	}

	for {
		select {
		case <-t.Dying():
			flush()
			v.drainCompletions(q)
			return nil
		default:
		}

		// The mapping wants to change: drop the read side, wait
		// for the writer, retranslate.
		if dma.WriterPending() {
			dma.RUnlock()
			for dma.WriterPending() {
				runtime.Gosched()
			}
			dma.RLock()
			q.ring = dma.Translate(ringIova, ringSize)
			if q.ring == nil {
				log.Printf("vdpdk: DMA unmapped during TX poll")
				pool.FreeBulk(mbufs)
				return nil
			}
		}

		v.drainCompletions(q)

		desc := q.ring[uint64(q.backIdx&idxMask)*TxDescSize:][:TxDescSize]
		_, flags := loadLenFlags(desc)

		// Send burst if full or no more packets are available.
		if len(mbufs) == v.Burst || flags&TxFlagAvail == 0 {
			flush()
			// flags may have changed during tx if buffers were freed
			_, flags = loadLenFlags(desc)
		}

		if flags&TxFlagAvail == 0 {
			continue
		}

		if v.ZeroCopy && flags&TxFlagAttached != 0 {
			// Wrapped onto a frame the backend still holds; wait
			// for completions to free the slot.
			v.drv.TxDoneCleanup(0, queueID)
			continue
		}

		bufLen, _ := loadLenFlags(desc)
		bufIova := descIova(desc)
		buf := dma.Translate(bufIova, uint64(bufLen))
		if buf == nil {
			log.Printf("vdpdk: invalid packet iova %#x", bufIova)
			flush()
			return nil
		}

		m := pool.Alloc()
		if m == nil {
			// Pool dry; completing in-flight tx frames refills it.
			v.drv.TxDoneCleanup(0, queueID)
			continue
		}
		if m.Tailroom() < int(bufLen) {
			log.Printf("vdpdk: packet of %d bytes too large for buffer", bufLen)
			pool.Free(m)
		} else if v.ZeroCopy {
			var c txCompletion
			copy(c.desc[:], desc[8:])
			m.AttachExt(buf[:bufLen], func() {
				v.completions <- c
			})
			mbufs = append(mbufs, m)
			// Mark attached. The completion, not this flag, hands
			// the slot back.
			storeLenFlags(desc, bufLen, flags|TxFlagAttached)
		} else {
			m.Len = copy(m.Data[:bufLen], buf)
			mbufs = append(mbufs, m)
			// release the slot back to the guest
			storeLenFlags(desc, bufLen, flags&^TxFlagAvail)
		}

		// index wraps naturally on overflow
		q.backIdx++
	}
}

// drainCompletions applies queued zero-copy write-backs in ring
// order. Only the TX poller calls this; it owns frontIdx.
func (v *Vdpdk) drainCompletions(q *txQueueState) {
	for {
		select {
		case c := <-v.completions:
			desc := q.ring[uint64(q.frontIdx&q.idxMask)*TxDescSize:][:TxDescSize]
			// restore the opaque tail, then clear AVAIL (the saved
			// flag word predates ATTACHED, so that clears too)
			copy(desc[12:], c.desc[4:])
			ln := binary.LittleEndian.Uint16(c.desc[0:2])
			flags := binary.LittleEndian.Uint16(c.desc[2:4])
			storeLenFlags(desc, ln, flags&^TxFlagAvail)
			q.frontIdx++
		default:
			return
		}
	}
}

// RxCallback drains staged backend packets into the guest's RX ring.
// Runs on the RX polling worker.
func (v *Vdpdk) RxCallback(vmID int) {
	v.drv.Recv(vmID)
	defer v.drv.RecvConsumed(vmID)

	// Delay ring translation until we know packets arrived.
	var (
		rxq      *rxQueue
		ring     []byte
		ringSize uint64
		locked   bool
	)
	dma := v.ep.Dma()
	defer func() {
		if locked {
			dma.RUnlock()
		}
	}()

	haveBuffers := true
	for qIdx := 0; qIdx < v.drv.MaxQueuesPerVM() && haveBuffers; qIdx++ {
		burst := v.drv.RxQueue(vmID, qIdx)
		for i := 0; i < burst.Used; i++ {
			rxBuf := &burst.Bufs[i]

			if rxq == nil {
				rxq = v.rxq.Load()
				if rxq == nil {
					// no queue created yet
					haveBuffers = false
					break
				}
				dma.RLock()
				locked = true
				ringSize = (uint64(rxq.idxMask) + 1) * RxDescSize
				ring = dma.Translate(rxq.ringIova, ringSize)
				if ring == nil {
					log.Printf("vdpdk: DMA unmapped during RX poll")
					haveBuffers = false
					break
				}
			}

			desc := ring[uint64(rxq.idx&rxq.idxMask)*RxDescSize:][:RxDescSize]
			bufLen, flags := loadLenFlags(desc)
			if flags&RxFlagAvail == 0 {
				// out of guest buffers; the rest stays staged
				haveBuffers = false
				break
			}

			bufIova := descIova(desc)
			buf := dma.Translate(bufIova, uint64(bufLen))
			if buf == nil {
				log.Printf("vdpdk: invalid packet iova %#x", bufIova)
				// drop this packet and stop
				burst.Consumed++
				haveBuffers = false
				break
			}

			pktLen := rxBuf.Used
			if pktLen > int(bufLen) || pktLen > 0xffff {
				log.Printf("vdpdk: packet too large (%#x > %#x)", pktLen, bufLen)
				// drop this packet; the slot stays with the process
				burst.Consumed++
				continue
			}

			copy(buf, rxBuf.Data[:pktLen])
			// write back the length and hand the slot to the guest
			storeLenFlags(desc, uint16(pktLen), flags&^RxFlagAvail)
			burst.Consumed++

			// index wraps naturally on overflow
			rxq.idx++
		}
	}
}

// LastDebugString returns the most recently completed BAR0 debug
// write.
func (v *Vdpdk) LastDebugString() string {
	v.dbgMu.Lock()
	defer v.dbgMu.Unlock()
	return v.lastDbg
}

// Close stops the poller and releases the shared regions.
func (v *Vdpdk) Close() error {
	v.stopTxPoll()
	v.txbuf.Close()
	v.rxbuf.Close()
	return nil
}
