// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package interrupts

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/hanwen/go-vmux/internal/eventloop"
)

// deferTimer is a monotonic timerfd registered on the device's event
// loop; expiry callbacks run on the endpoint thread. Overwriting the
// target cancels the previous one, spurious wakes are idempotent.
type deferTimer struct {
	fd int
}

func newDeferTimer(loop *eventloop.Loop, expired func()) (*deferTimer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	t := &deferTimer{fd: fd}
	err = loop.Add(fd, func(fd int) {
		var buf [8]byte
		unix.Read(fd, buf[:])
		expired()
	})
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return t, nil
}

func (t *deferTimer) arm(d time.Duration) {
	its := unix.ItimerSpec{
		Value: unix.NsecToTimespec(int64(d)),
	}
	unix.TimerfdSettime(t.fd, 0, &its, nil)
}

// armAbs arms at an absolute CLOCK_MONOTONIC deadline.
func (t *deferTimer) armAbs(deadlineNs int64) {
	its := unix.ItimerSpec{
		Value: unix.NsecToTimespec(deadlineNs),
	}
	unix.TimerfdSettime(t.fd, unix.TFD_TIMER_ABSTIME, &its, nil)
}

func (t *deferTimer) disarm() {
	var its unix.ItimerSpec
	unix.TimerfdSettime(t.fd, 0, &its, nil)
}

func (t *deferTimer) close() {
	unix.Close(t.fd)
}

// monotonicNow reads CLOCK_MONOTONIC, the clock the timerfd runs on.
func monotonicNow() int64 {
	var ts unix.Timespec
	unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	return ts.Nano()
}
