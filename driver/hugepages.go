// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package driver

import (
	"log"
	"os"
	"path/filepath"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/hanwen/go-vmux/internal/memfd"
)

// allocSlab backs the mempool with a hugetlbfs file when a mount is
// available, falling back to a plain memfd. Kernel-bypass setups keep
// their packet memory on hugepages; the fallback keeps development
// machines working.
func allocSlab(name string, size int) ([]byte, func(), error) {
	if dir := hugetlbfsMount(); dir != "" {
		f, err := os.CreateTemp(dir, name+"-*")
		if err == nil {
			os.Remove(f.Name())
			if err := f.Truncate(int64(size)); err == nil {
				data, err := unix.Mmap(int(f.Fd()), 0, size,
					unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
				if err == nil {
					return data, func() {
						unix.Munmap(data)
						f.Close()
					}, nil
				}
			}
			f.Close()
		}
		log.Printf("driver: hugepage slab in %s failed, using memfd", dir)
	}

	m, err := memfd.New(name, size)
	if err != nil {
		return nil, nil, err
	}
	return m.Data(), func() { m.Close() }, nil
}

// hugetlbfsMount returns a writable hugetlbfs mountpoint, or "".
func hugetlbfsMount() string {
	mounts, err := mountinfo.GetMounts(mountinfo.FSTypeFilter("hugetlbfs"))
	if err != nil || len(mounts) == 0 {
		return ""
	}
	for _, m := range mounts {
		if unix.Access(filepath.Clean(m.Mountpoint), unix.W_OK) == nil {
			return m.Mountpoint
		}
	}
	return ""
}
