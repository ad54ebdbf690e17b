// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vmux

import (
	"fmt"
	"log"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/hanwen/go-vmux/device"
	"github.com/hanwen/go-vmux/driver"
	"github.com/hanwen/go-vmux/internal/eventloop"
	"github.com/hanwen/go-vmux/interrupts"
	"github.com/hanwen/go-vmux/policies"
	"github.com/hanwen/go-vmux/vfuser"
)

// App owns the process topology: one driver backend, one endpoint +
// runner per VM, RX pollers, the interrupt statistics collector and
// the policies. Construction wires everything; Run starts the
// threads; Stop tears them down in order.
type App struct {
	Cfg Config

	// NewTransport builds the guest transport for one socket. The
	// wire protocol is an external collaborator; the default is
	// the in-process loop transport.
	NewTransport func(socket string) (vfuser.Transport, error)

	// NicModel supplies the behavioral model for the e1000/e810
	// kinds.
	NicModel device.NicModelConstructor

	Global *interrupts.Global

	// Policies arbitrates switch rules across VMs before they are
	// programmed into the backend.
	Policies *policies.Global

	drv     driver.Driver
	devices []device.Device
	runners []*Runner
	rx      []*RxThread
	ptp     *policies.PtpPolicy

	statsStop chan struct{}
}

func NewApp(cfg Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{
		Cfg:       cfg,
		Global:    interrupts.NewGlobal(runtime.NumCPU()),
		Policies:  &policies.Global{MaxSwitchRules: cfg.MaxSwitchRules},
		statsStop: make(chan struct{}),
	}
	a.NewTransport = func(socket string) (vfuser.Transport, error) {
		return vfuser.NewLoopTransport()
	}
	return a, nil
}

// nrVMs: passthrough serves one VM per physical function.
func (a *App) nrVMs() int {
	if a.Cfg.Kind == "passthrough" {
		return len(a.Cfg.Devices)
	}
	return a.Cfg.NrVMs
}

// Setup constructs the backend, the devices and the runners. Fatal
// errors here abort the process with a diagnostic; nothing has
// started yet.
func (a *App) Setup() error {
	if err := a.setupDriver(); err != nil {
		return err
	}

	var (
		e810s     []*device.E810
		e810Loops []*eventloop.Loop
	)
	for vm := 0; vm < a.nrVMs(); vm++ {
		loop, err := eventloop.New()
		if err != nil {
			return err
		}
		socket := a.Cfg.SocketPath(vm)
		tr, err := a.NewTransport(socket)
		if err != nil {
			return err
		}
		ep := vfuser.New(socket, loop, tr)
		ep.Debug = a.Cfg.Debug

		dev, err := a.makeDevice(vm)
		if err != nil {
			return err
		}
		if e, ok := dev.(*device.E810); ok {
			e810s = append(e810s, e)
			e810Loops = append(e810Loops, loop)
		}
		a.devices = append(a.devices, dev)
		a.runners = append(a.runners, NewRunner(ep, dev))

		if _, polls := a.drv.(*driver.Dpdk); polls && a.Cfg.Kind != "passthrough" {
			a.rx = append(a.rx, NewRxThread(vm, dev, a.Cfg.CpuPins[vm]))
		}
	}

	if len(e810s) > 0 {
		for _, e := range e810s {
			e.BroadcastDestinations = e810s
		}
		// the first device is the PTP default; its loop drives
		// the rotation timer
		ptp, err := policies.NewPtpPolicy(e810s[0], e810Loops[0], 0)
		if err != nil {
			return err
		}
		a.ptp = ptp
	}
	return nil
}

func (a *App) setupDriver() error {
	if a.Cfg.Kind == "passthrough" || a.Cfg.Kind == "stub" {
		return nil
	}
	if strings.HasPrefix(a.Cfg.Uplink, "tap:") {
		tap, err := driver.OpenTap(strings.TrimPrefix(a.Cfg.Uplink, "tap:"))
		if err != nil {
			return err
		}
		a.drv = tap
		return nil
	}

	var uplink driver.Uplink
	if a.Cfg.Uplink != "" {
		pu, err := driver.OpenPacketUplink(a.Cfg.Uplink)
		if err != nil {
			return err
		}
		uplink = pu
	}
	dpdk, err := driver.NewDpdk(driver.DpdkConfig{
		NrVMs:     a.nrVMs(),
		BurstSize: a.Cfg.BurstSize,
		Uplink:    uplink,
	})
	if err != nil {
		return err
	}
	a.drv = dpdk
	return nil
}

func (a *App) makeDevice(vm int) (device.Device, error) {
	switch a.Cfg.Kind {
	case "vdpdk":
		v, err := device.NewVdpdk(vm, a.drv)
		if err != nil {
			return nil, err
		}
		v.ZeroCopy = a.Cfg.ZeroCopy
		v.Debug = a.Cfg.Debug
		v.Burst = a.Cfg.BurstSize
		return v, nil
	case "passthrough":
		p, err := device.NewPassthrough(a.Cfg.Devices[vm])
		if err != nil {
			return nil, err
		}
		p.NewThrottler = a.makeThrottler
		return p, nil
	case "e1000":
		if a.NicModel == nil {
			return nil, fmt.Errorf("app: kind e1000 needs a behavioral model")
		}
		e := device.NewE1000(vm, a.drv, a.NicModel)
		e.NewThrottler = a.makeThrottler
		return e, nil
	case "e810":
		if a.NicModel == nil {
			return nil, fmt.Errorf("app: kind e810 needs a behavioral model")
		}
		e := device.NewE810(vm, a.drv, a.NicModel)
		e.NewThrottler = a.makeThrottler
		return e, nil
	case "stub":
		return &device.Stub{}, nil
	}
	return nil, fmt.Errorf("app: unknown device kind %q", a.Cfg.Kind)
}

func (a *App) makeThrottler(ep *vfuser.Endpoint, vector int) (interrupts.Throttler, error) {
	var (
		thr interrupts.Throttler
		err error
	)
	switch a.Cfg.Throttler {
	case "", "none":
		thr = interrupts.NewNone(ep, vector)
	case "accurate":
		thr, err = interrupts.NewAccurate(ep.Loop(), ep, vector)
	case "qemu":
		thr, err = interrupts.NewQemuLike(ep.Loop(), ep, vector, a.Global)
	case "simbricks":
		thr, err = interrupts.NewSimbricks(ep.Loop(), ep, vector, a.Global)
	default:
		err = fmt.Errorf("app: unknown throttler %q", a.Cfg.Throttler)
	}
	if err != nil {
		return nil, err
	}
	a.Global.Add(thr)
	return thr, nil
}

// Run starts every thread. Each RX poller starts once its VM's runner
// has set up the device (or died trying); Run does not wait for guests
// to attach. Stop joins.
func (a *App) Run() {
	for _, r := range a.runners {
		r.Start()
	}
	for i, rx := range a.rx {
		// the RX callback reaches into the device's endpoint, which
		// the runner's initialize sets up
		r := a.runners[i]
		for !r.IsInitialized() && r.tomb.Alive() {
			time.Sleep(time.Millisecond)
		}
		rx.Start()
	}
	if a.Cfg.StatsIntervalSec > 0 {
		go a.statsLoop()
	}
}

func (a *App) statsLoop() {
	t := time.NewTicker(time.Duration(a.Cfg.StatsIntervalSec) * time.Second)
	defer t.Stop()
	for {
		select {
		case <-a.statsStop:
			return
		case <-t.C:
			a.Global.Update()
			min, max, avg := a.Global.SpacingStats()
			log.Printf("app: cpu %.2f slowdown %.2f spacing min %d max %d avg %d",
				a.Global.CPUUsage(), a.Global.SlowDown(), min, max, avg)
		}
	}
}

// AddSwitchRule claims a destination MAC for a VM and, if the policy
// authority accepts, programs the backend fabric.
func (a *App) AddSwitchRule(vmID int, mac [6]byte, dstQueue uint16) bool {
	if !a.Policies.AddSwitchRule(vmID, mac, dstQueue) {
		return false
	}
	if a.drv == nil {
		return true
	}
	return a.drv.AddSwitchRule(vmID, mac, dstQueue)
}

// Runners exposes the per-VM runners (tests and embedders).
func (a *App) Runners() []*Runner {
	return a.runners
}

func (a *App) Devices() []device.Device {
	return a.devices
}

func (a *App) Driver() driver.Driver {
	return a.drv
}

// Stop flips every stop flag and joins all workers before returning.
// Safe to call from a signal context.
func (a *App) Stop() error {
	close(a.statsStop)
	for _, r := range a.runners {
		r.Stop()
	}
	for _, rx := range a.rx {
		rx.Stop()
	}

	var g errgroup.Group
	for _, r := range a.runners {
		r := r
		g.Go(r.Join)
	}
	for _, rx := range a.rx {
		rx := rx
		g.Go(rx.Join)
	}
	err := g.Wait()

	if a.ptp != nil {
		a.ptp.Close()
	}
	for _, dev := range a.devices {
		if c, ok := dev.(interface{ Close() error }); ok {
			c.Close()
		}
	}
	if a.drv != nil {
		a.drv.Close()
	}
	for vm := 0; vm < a.nrVMs(); vm++ {
		// if transport shutdown was clean this is already gone
		unix.Unlink(a.Cfg.SocketPath(vm))
	}
	return err
}
