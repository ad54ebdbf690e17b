// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package driver

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Uplink is the physical side of the Dpdk backend: where bursts leave
// for the fabric and where fabric frames come from. Recv must not
// block.
type Uplink interface {
	Send(frame []byte) error
	Recv(buf []byte) (int, error)
	Close() error
}

// PacketUplink sends and receives through an AF_PACKET socket bound
// to one host interface.
type PacketUplink struct {
	fd      int
	ifindex int
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

func OpenPacketUplink(ifname string) (*PacketUplink, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC,
		int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("uplink: socket: %w", err)
	}
	iface, err := netIfindex(ifname)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	sll := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  iface,
	}
	if err := unix.Bind(fd, sll); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("uplink: bind %s: %w", ifname, err)
	}
	return &PacketUplink{fd: fd, ifindex: iface}, nil
}

func netIfindex(name string) (int, error) {
	s, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(s)
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return 0, err
	}
	if err := unix.IoctlIfreq(s, unix.SIOCGIFINDEX, ifr); err != nil {
		return 0, fmt.Errorf("uplink: ifindex of %s: %w", name, err)
	}
	return int(ifr.Uint32()), nil
}

func (u *PacketUplink) Send(frame []byte) error {
	_, err := unix.Write(u.fd, frame)
	return err
}

func (u *PacketUplink) Recv(buf []byte) (int, error) {
	return unix.Read(u.fd, buf)
}

func (u *PacketUplink) Close() error {
	return unix.Close(u.fd)
}

// LoopUplink is an in-memory fabric: sent frames are readable back.
// Serves tests and single-host setups without a NIC.
type LoopUplink struct {
	mu     sync.Mutex
	frames [][]byte
	sent   int
}

func NewLoopUplink() *LoopUplink {
	return &LoopUplink{}
}

func (u *LoopUplink) Send(frame []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sent++
	u.frames = append(u.frames, append([]byte(nil), frame...))
	return nil
}

// Inject queues a frame for Recv without counting it as sent.
func (u *LoopUplink) Inject(frame []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.frames = append(u.frames, append([]byte(nil), frame...))
}

func (u *LoopUplink) Recv(buf []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.frames) == 0 {
		return 0, unix.EAGAIN
	}
	f := u.frames[0]
	u.frames = u.frames[1:]
	return copy(buf, f), nil
}

// Sent is how many frames Send accepted.
func (u *LoopUplink) Sent() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sent
}

func (u *LoopUplink) Close() error {
	return nil
}
