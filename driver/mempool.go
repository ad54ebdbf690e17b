// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package driver

import (
	"fmt"
	"sync"
)

// Mbuf is one packet buffer from a Mempool. In the normal case Data
// points into the pool's slab; with an attached external buffer it
// aliases guest memory and freeCb runs when the backend is done with
// the frame.
type Mbuf struct {
	slab []byte

	Data []byte
	Len  int

	// private area, sized Mempool.privSize. vdpdk keeps its
	// zero-copy descriptor copy in the free callback, not here.
	Priv []byte

	ext    bool
	freeCb func()
}

// Tailroom is the space left for payload.
func (m *Mbuf) Tailroom() int {
	if m.ext {
		return len(m.Data) - m.Len
	}
	return len(m.slab) - m.Len
}

// AttachExt points the mbuf at an external buffer. freeCb fires when
// the frame has left the backend.
func (m *Mbuf) AttachExt(buf []byte, freeCb func()) {
	m.ext = true
	m.Data = buf
	m.Len = len(buf)
	m.freeCb = freeCb
}

// Mempool hands out fixed-size packet buffers from one shared slab.
// The free list is a locked stack; callers on the polling paths keep
// their bursts preallocated so contention stays low.
type Mempool struct {
	name     string
	elemSize int
	privSize int

	mu   sync.Mutex
	free []*Mbuf

	size int
}

// NewMempool carves n elements out of slab. slab may be hugepage or
// memfd backed; it only needs to outlive the pool.
func NewMempool(name string, n, elemSize, privSize int, slab []byte) (*Mempool, error) {
	stride := elemSize + privSize
	if len(slab) < n*stride {
		return nil, fmt.Errorf("mempool %s: slab %d short of %d elements", name, len(slab), n)
	}
	p := &Mempool{
		name:     name,
		elemSize: elemSize,
		privSize: privSize,
		size:     n,
	}
	for i := 0; i < n; i++ {
		base := slab[i*stride : (i+1)*stride]
		p.free = append(p.free, &Mbuf{
			slab: base[:elemSize],
			Priv: base[elemSize:],
		})
	}
	return p, nil
}

// Alloc returns nil when the pool is exhausted (the caller decides
// whether to run a tx cleanup or drop).
func (p *Mempool) Alloc() *Mbuf {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := len(p.free)
	if l == 0 {
		return nil
	}
	m := p.free[l-1]
	p.free = p.free[:l-1]
	m.Data = m.slab
	m.Len = 0
	m.ext = false
	m.freeCb = nil
	return m
}

// Free runs the external-buffer completion, if any, and returns the
// element to the pool.
func (p *Mempool) Free(m *Mbuf) {
	if m == nil {
		return
	}
	if m.freeCb != nil {
		cb := m.freeCb
		m.freeCb = nil
		cb()
	}
	m.ext = false
	p.mu.Lock()
	p.free = append(p.free, m)
	p.mu.Unlock()
}

func (p *Mempool) FreeBulk(ms []*Mbuf) {
	for _, m := range ms {
		p.Free(m)
	}
}

// Avail is the number of free elements.
func (p *Mempool) Avail() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *Mempool) Size() int {
	return p.size
}
