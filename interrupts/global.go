// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package interrupts

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Global aggregates the spacing of every registered throttler and
// measures this process's CPU pressure. When usage crosses 0.9 the
// slow-down multiplier grows 1.1x per second, otherwise it decays
// 0.9x clamped at 1.0. Readers load the published fields without
// locks; stale values are tolerated.
type Global struct {
	nrThreads int

	mu         sync.Mutex
	throttlers []Throttler
	lastWall   time.Time
	lastCPU    time.Duration

	spacingMin atomic.Uint64
	spacingMax atomic.Uint64
	spacingAvg atomic.Uint64
	cpuUsage   atomic.Uint64 // Float64bits
	slowDown   atomic.Uint64 // Float64bits
}

func NewGlobal(nrThreads int) *Global {
	g := &Global{nrThreads: nrThreads, lastWall: time.Now(), lastCPU: processCPU()}
	g.slowDown.Store(math.Float64bits(1.0))
	g.spacingMin.Store(math.MaxUint64)
	return g
}

func (g *Global) Add(t Throttler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.throttlers = append(g.throttlers, t)
}

// SlowDown is the current multiplier, >= 1.
func (g *Global) SlowDown() float64 {
	return math.Float64frombits(g.slowDown.Load())
}

func (g *Global) CPUUsage() float64 {
	return math.Float64frombits(g.cpuUsage.Load())
}

func (g *Global) SpacingStats() (min, max, avg uint64) {
	return g.spacingMin.Load(), g.spacingMax.Load(), g.spacingAvg.Load()
}

// Update refreshes the statistics. Cheap when called at interrupt
// rate; the CPU accounting section runs at most once per wall second.
func (g *Global) Update() {
	g.mu.Lock()
	defer g.mu.Unlock()

	wall := time.Since(g.lastWall)
	if wall > time.Second {
		cpu := processCPU()
		usage := float64(cpu-g.lastCPU) / (float64(wall) * float64(g.nrThreads))
		g.cpuUsage.Store(math.Float64bits(usage))

		slow := math.Float64frombits(g.slowDown.Load())
		if usage > 0.9 {
			slow *= 1.1
		} else {
			slow = math.Max(1.0, slow*0.9)
		}
		g.slowDown.Store(math.Float64bits(slow))
		g.lastWall = time.Now()
		g.lastCPU = cpu
	}

	min, max := g.spacingMin.Load(), g.spacingMax.Load()
	for _, t := range g.throttlers {
		s := t.Spacing()
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	g.spacingMin.Store(min)
	g.spacingMax.Store(max)
	g.spacingAvg.Store(min/2 + max/2)
}

// processCPU is this process's user+system time.
func processCPU() time.Duration {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
}
