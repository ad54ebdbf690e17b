// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package eventfd wraps the kernel's signalable counter fd.
package eventfd

import (
	"encoding/binary"
	"log"

	"golang.org/x/sys/unix"
)

type EventFd struct {
	fd int
}

func New() (*EventFd, error) {
	return NewInitval(0)
}

func NewInitval(initval uint) (*EventFd, error) {
	fd, err := unix.Eventfd(initval, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &EventFd{fd: fd}, nil
}

func (e *EventFd) Fd() int {
	return e.fd
}

func (e *EventFd) Close() error {
	return unix.Close(e.fd)
}

// Reset drains the counter. Failing with EAGAIN means the counter
// was already 0, which is the outcome we want anyway.
func (e *EventFd) Reset() {
	var c [8]byte
	unix.Read(e.fd, c[:])
}

// Signal increments the counter by one, waking any poller.
func (e *EventFd) Signal() {
	var c [8]byte
	binary.LittleEndian.PutUint64(c[:], 1)
	n, err := unix.Write(e.fd, c[:])
	if n != 8 && err != unix.EAGAIN {
		// Can only fail if the 64-bit counter would overflow, which
		// we can ignore. Log anyway; it should be incredibly unlikely.
		log.Printf("eventfd: write failed: %v", err)
	}
}
