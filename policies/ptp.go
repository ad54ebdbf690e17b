// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package policies

import (
	"log"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hanwen/go-vmux/internal/eventloop"
)

// PtpRotator is the device-side hook: advance the PTP destination VM
// and report the new index.
type PtpRotator interface {
	RotatePtpTarget() int
}

// DefaultPtpInterval is how often the PTP target moves on.
const DefaultPtpInterval = 20 * time.Second

// PtpPolicy rotates broadcast PTP traffic across VMs on a periodic
// timer registered with the default device's event loop.
type PtpPolicy struct {
	rotator PtpRotator
	timerFd int
}

func NewPtpPolicy(rotator PtpRotator, loop *eventloop.Loop, interval time.Duration) (*PtpPolicy, error) {
	if interval == 0 {
		interval = DefaultPtpInterval
	}
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	its := unix.ItimerSpec{
		Value:    unix.NsecToTimespec(int64(interval)),
		Interval: unix.NsecToTimespec(int64(interval)),
	}
	if err := unix.TimerfdSettime(fd, 0, &its, nil); err != nil {
		unix.Close(fd)
		return nil, err
	}

	p := &PtpPolicy{rotator: rotator, timerFd: fd}
	err = loop.Add(fd, func(fd int) {
		var expirations [8]byte
		unix.Read(fd, expirations[:])
		log.Printf("policies: new PTP target: VM %d", p.rotator.RotatePtpTarget())
	})
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return p, nil
}

func (p *PtpPolicy) Close() error {
	return unix.Close(p.timerFd)
}
