// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package policies holds the process-wide authorities that arbitrate
// between VMs: who owns a destination MAC, and which VM receives
// broadcast PTP traffic.
package policies

import (
	"sync"
)

// SwitchPolicy is the switch-rule authority: destination MAC to vm
// id. A MAC can be claimed once; re-claims by the same vm are
// idempotent.
type SwitchPolicy struct {
	rules map[uint64]int
}

// AddSwitchRule returns true if the rule may be added.
func (p *SwitchPolicy) AddSwitchRule(vmID int, dstAddr [6]byte, dstQueue uint16) bool {
	mac := macToInt(dstAddr)
	if p.rules == nil {
		p.rules = map[uint64]int{}
	}
	if owner, ok := p.rules[mac]; ok {
		// mac already used by us: whatever then. By someone
		// else: deny.
		return owner == vmID
	}
	p.rules[mac] = vmID
	return true
}

// Len is the number of bound MACs.
func (p *SwitchPolicy) Len() int {
	return len(p.rules)
}

// Global bundles the policies behind one mutex, threaded through the
// constructors instead of living as package state.
type Global struct {
	Mu     sync.Mutex
	Switch SwitchPolicy

	// MaxSwitchRules bounds the rule table; 0 means unbounded.
	MaxSwitchRules int
}

// AddSwitchRule is the locked entry point devices use.
func (g *Global) AddSwitchRule(vmID int, dstAddr [6]byte, dstQueue uint16) bool {
	g.Mu.Lock()
	defer g.Mu.Unlock()
	if g.MaxSwitchRules > 0 && g.Switch.Len() >= g.MaxSwitchRules {
		return false
	}
	return g.Switch.AddSwitchRule(vmID, dstAddr, dstQueue)
}

func macToInt(mac [6]byte) uint64 {
	var v uint64
	for _, b := range mac {
		v = v<<8 | uint64(b)
	}
	return v
}
