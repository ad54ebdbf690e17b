// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package interrupts

// None delivers 1:1 with no rate limiting.
type None struct {
	spacing
	tr     Trigger
	vector int
}

func NewNone(tr Trigger, vector int) *None {
	return &None{tr: tr, vector: vector}
}

func (n *None) TryInterrupt(spacingNs uint64, pending bool) Status {
	n.v.Store(spacingNs)
	fire(n.tr, n.vector)
	return Fired
}
