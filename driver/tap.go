// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package driver

import (
	"fmt"
	"log"

	"golang.org/x/sys/unix"
)

// Tap is a host TAP interface backend. One interface serves one VM;
// frames are exchanged through the tun fd with no packet info header.
type Tap struct {
	IfName string
	fd     int

	burst RxBurst
}

// OpenTap attaches to (or creates) the named TAP interface.
func OpenTap(dev string) (*Tap, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(dev)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %s: %w", dev, err)
	}

	t := &Tap{IfName: ifr.Name(), fd: fd}
	for i := 0; i < DefaultBurst; i++ {
		t.burst.Bufs = append(t.burst.Bufs, RxBuf{Data: make([]byte, MaxBuf), Queue: NoQueue})
	}
	return t, nil
}

func (t *Tap) Send(vmID int, frame []byte) error {
	if len(frame) > MaxBuf {
		return fmt.Errorf("tap: frame of %d bytes exceeds %d", len(frame), MaxBuf)
	}
	n, err := unix.Write(t.fd, frame)
	if err != nil {
		return fmt.Errorf("tap: send: %w (is the interface down?)", err)
	}
	if n != len(frame) {
		return fmt.Errorf("tap: short send %d of %d", n, len(frame))
	}
	return nil
}

func (t *Tap) Recv(vmID int) {
	for t.burst.Used < len(t.burst.Bufs) {
		b := &t.burst.Bufs[t.burst.Used]
		n, err := unix.Read(t.fd, b.Data)
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			log.Printf("tap: read: %v", err)
			return
		}
		b.Used = n
		t.burst.Used++
	}
}

func (t *Tap) RecvConsumed(vmID int) {
	// frames the device could not place move to the front and stay
	// staged for the next Recv
	n := 0
	for i := t.burst.Consumed; i < t.burst.Used; i++ {
		t.burst.Bufs[n], t.burst.Bufs[i] = t.burst.Bufs[i], t.burst.Bufs[n]
		n++
	}
	t.burst.Used = n
	t.burst.Consumed = 0
}

func (t *Tap) RxQueue(vmID, queue int) *RxBurst {
	return &t.burst
}

func (t *Tap) MaxQueuesPerVM() int {
	return 1
}

// A TAP backend has no switching fabric to program.
func (t *Tap) AddSwitchRule(vmID int, mac [6]byte, dstQueue uint16) bool {
	return false
}

func (t *Tap) Close() error {
	return unix.Close(t.fd)
}
