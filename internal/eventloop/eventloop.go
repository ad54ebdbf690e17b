// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package eventloop runs an epoll instance that dispatches per-fd
// callbacks. Timer expiries and interrupt eventfds of one device all
// land on the same loop, so their callbacks never race each other.
package eventloop

import (
	"sync"

	"golang.org/x/sys/unix"
)

type Loop struct {
	epfd int

	mu        sync.Mutex
	callbacks map[int]func(fd int)
}

func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Loop{
		epfd:      epfd,
		callbacks: map[int]func(fd int){},
	}, nil
}

func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}

// Add registers fd for POLLIN dispatch. The callback runs on whichever
// thread calls Wait.
func (l *Loop) Add(fd int, cb func(fd int)) error {
	l.mu.Lock()
	l.callbacks[fd] = cb
	l.mu.Unlock()

	ev := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (l *Loop) Del(fd int) error {
	l.mu.Lock()
	delete(l.callbacks, fd)
	l.mu.Unlock()
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks up to timeoutMs and dispatches ready callbacks. Returns
// the number of events handled; 0 on timeout.
func (l *Loop) Wait(timeoutMs int) (int, error) {
	var events [16]unix.EpollEvent
	n, err := unix.EpollWait(l.epfd, events[:], timeoutMs)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		l.mu.Lock()
		cb := l.callbacks[int(events[i].Fd)]
		l.mu.Unlock()
		if cb != nil {
			cb(int(events[i].Fd))
		}
	}
	return n, nil
}
