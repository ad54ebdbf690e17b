// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package driver

import (
	"bytes"
	"testing"
)

func newTestDpdk(t *testing.T, vms int) (*Dpdk, *LoopUplink) {
	t.Helper()
	uplink := NewLoopUplink()
	d, err := NewDpdk(DpdkConfig{NrVMs: vms, BurstSize: 4, Uplink: uplink})
	if err != nil {
		t.Fatal("NewDpdk", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, uplink
}

func TestDpdkSwitchDemux(t *testing.T) {
	d, uplink := newTestDpdk(t, 2)

	mac1 := [6]byte{2, 0, 0, 0, 0, 1}
	if !d.AddSwitchRule(1, mac1, 0) {
		t.Fatal("rule denied")
	}

	frame1 := append(mac1[:], bytes.Repeat([]byte{0xaa}, 60)...)
	frameUnknown := append([]byte{2, 0, 0, 0, 0, 9}, bytes.Repeat([]byte{0xbb}, 60)...)
	uplink.Inject(frame1)
	uplink.Inject(frameUnknown)

	d.Recv(1)
	b := d.RxQueue(1, 0)
	if b.Used != 1 {
		t.Fatalf("vm 1: got %d frames, want 1", b.Used)
	}
	if !bytes.Equal(b.Bufs[0].Data[:b.Bufs[0].Used], frame1) {
		t.Error("vm 1 got the wrong frame")
	}

	// the unknown destination lands on the default vm
	d.Recv(0)
	if got := d.RxQueue(0, 0).Used; got != 1 {
		t.Errorf("vm 0: got %d frames, want 1", got)
	}
}

func TestDpdkUnconsumedStays(t *testing.T) {
	d, uplink := newTestDpdk(t, 1)

	uplink.Inject(bytes.Repeat([]byte{1}, 60))
	d.Recv(0)
	b := d.RxQueue(0, 0)
	if b.Used != 1 {
		t.Fatal("frame not staged")
	}
	// device consumed nothing (guest ring full)
	d.RecvConsumed(0)

	d.Recv(0)
	if b.Used != 1 {
		t.Fatalf("got %d frames after restage, want 1", b.Used)
	}
	b.Consumed = 1
	d.RecvConsumed(0)
	d.Recv(0)
	if b.Used != 0 {
		t.Errorf("got %d frames after consume, want 0", b.Used)
	}
}

func TestDpdkTxBurstAndCleanup(t *testing.T) {
	d, uplink := newTestDpdk(t, 1)

	q, err := d.TxQueueID(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.TxQueueID(0, 1); err == nil {
		t.Error("tx queue 1 is not wired, but id derivation succeeded")
	}

	pool := d.TxPool(q)
	avail := pool.Avail()

	m := pool.Alloc()
	m.Len = copy(m.Data, bytes.Repeat([]byte{7}, 64))
	if sent := d.TxBurst(0, q, []*Mbuf{m}); sent != 1 {
		t.Fatalf("got %d sent, want 1", sent)
	}
	if uplink.Sent() != 1 {
		t.Error("frame did not reach the fabric")
	}
	// plain mbufs come back immediately
	if got := pool.Avail(); got != avail {
		t.Errorf("got %d free after plain tx, want %d", got, avail)
	}

	// attached mbufs park until cleanup
	freed := false
	ext := pool.Alloc()
	ext.AttachExt(bytes.Repeat([]byte{8}, 64), func() { freed = true })
	d.TxBurst(0, q, []*Mbuf{ext})
	if freed {
		t.Error("external buffer completed before cleanup")
	}
	if got := d.TxDoneCleanup(0, q); got != 1 {
		t.Errorf("got %d cleaned, want 1", got)
	}
	if !freed {
		t.Error("cleanup did not run the free callback")
	}
	if got := pool.Avail(); got != avail {
		t.Errorf("got %d free after cleanup, want %d", got, avail)
	}
}

func TestMempoolExhaustion(t *testing.T) {
	slab := make([]byte, 4*(64+16))
	p, err := NewMempool("t", 4, 64, 16, slab)
	if err != nil {
		t.Fatal(err)
	}

	var ms []*Mbuf
	for i := 0; i < 4; i++ {
		m := p.Alloc()
		if m == nil {
			t.Fatalf("alloc %d failed below capacity", i)
		}
		if len(m.Priv) != 16 {
			t.Fatalf("got %d priv bytes, want 16", len(m.Priv))
		}
		ms = append(ms, m)
	}
	if p.Alloc() != nil {
		t.Error("alloc beyond capacity succeeded")
	}
	p.FreeBulk(ms)
	if got := p.Avail(); got != 4 {
		t.Errorf("got %d free, want 4", got)
	}
}

func TestSendTooLarge(t *testing.T) {
	d, _ := newTestDpdk(t, 1)
	if err := d.Send(0, make([]byte, MaxBuf+1)); err == nil {
		t.Error("oversized send succeeded")
	}
}
