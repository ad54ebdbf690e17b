// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memfd wraps an anonymous shared-mapped file. Both the guest
// and this process mmap the same fd, so stores become visible without
// copies.
package memfd

import (
	"golang.org/x/sys/unix"
)

type MemFd struct {
	fd   int
	data []byte
}

func New(name string, size int) (*MemFd, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, err
	}
	data, err := unix.Mmap(fd, 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &MemFd{fd: fd, data: data}, nil
}

func (m *MemFd) Fd() int {
	return m.fd
}

// Data is the shared mapping. Valid until Close.
func (m *MemFd) Data() []byte {
	return m.data
}

func (m *MemFd) Size() int {
	return len(m.data)
}

func (m *MemFd) Close() error {
	if m.data != nil {
		unix.Munmap(m.data)
		m.data = nil
	}
	return unix.Close(m.fd)
}
