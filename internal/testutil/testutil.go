// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package testutil holds shared test helpers.
package testutil

import (
	"os"
	"strconv"
	"unsafe"
)

// VerboseTest reports whether the testing framework is run with
// verbose output.
func VerboseTest() bool {
	flag := os.Getenv("VERBOSE")
	if flag == "" {
		for _, arg := range os.Args {
			if arg == "-test.v=true" || arg == "-test.v" {
				return true
			}
		}
		return false
	}
	v, _ := strconv.ParseBool(flag)
	return v
}

// AlignedBytes returns an 8-byte aligned buffer, as guest DMA pages
// are. Ring descriptor tests need the alignment for their atomic
// flag words.
func AlignedBytes(n int) []byte {
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}
