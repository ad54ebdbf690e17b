// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vfuser

import (
	"golang.org/x/sys/unix"
)

func fdSize(fd int) (uint64, error) {
	var st unix.Stat_t
	var err error
	for {
		err = unix.Fstat(fd, &st)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return 0, err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		// Device-fd backings (passthrough BARs) have no meaningful
		// file size to clamp against.
		return 0, unix.EINVAL
	}
	return uint64(st.Size), nil
}
