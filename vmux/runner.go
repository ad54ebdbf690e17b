// Copyright 2025 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vmux

import (
	"errors"
	"log"
	"sync/atomic"

	"gopkg.in/tomb.v2"

	"github.com/hanwen/go-vmux/device"
	"github.com/hanwen/go-vmux/vfuser"
)

type RunnerState int32

const (
	RunnerNotStarted RunnerState = iota
	RunnerStarted
	RunnerInitialized
	RunnerConnected
)

// pollTimeoutMs bounds one loop turn so the stop flag is observed.
const pollTimeoutMs = 500

// Runner is the per-VM endpoint thread: it realizes the endpoint,
// waits for the guest, then services requests and the endpoint's
// event loop until stopped or disconnected. A fatal error terminates
// this VM only.
type Runner struct {
	Socket string

	ep  *vfuser.Endpoint
	dev device.Device

	state atomic.Int32
	tomb  tomb.Tomb
}

func NewRunner(ep *vfuser.Endpoint, dev device.Device) *Runner {
	return &Runner{Socket: ep.Socket, ep: ep, dev: dev}
}

func (r *Runner) State() RunnerState {
	return RunnerState(r.state.Load())
}

func (r *Runner) IsInitialized() bool {
	return r.State() >= RunnerInitialized
}

func (r *Runner) IsConnected() bool {
	return r.State() >= RunnerConnected
}

func (r *Runner) Start() {
	r.tomb.Go(r.run)
}

// Stop flips the stop flag and closes the endpoint, which unblocks a
// pending Attach.
func (r *Runner) Stop() {
	r.tomb.Kill(nil)
	r.ep.Close()
}

func (r *Runner) Join() error {
	return r.tomb.Wait()
}

func (r *Runner) run() error {
	if err := r.initialize(); err != nil {
		if !r.tomb.Alive() {
			// lost the race against Stop; not an error
			return nil
		}
		return err
	}
	r.state.Store(int32(RunnerInitialized))

	log.Printf("%s: waiting for guest to attach...", r.Socket)
	if err := r.ep.Attach(); err != nil {
		if errors.Is(err, vfuser.ErrClosed) || !r.tomb.Alive() {
			// closed by Stop, possibly before Attach was entered
			return nil
		}
		return err
	}
	r.state.Store(int32(RunnerConnected))
	if err := r.ep.BeginRun(); err != nil {
		return err
	}

	loop := r.ep.Loop()
	if err := loop.Add(r.ep.PollFd(), func(fd int) { r.dispatch() }); err != nil {
		return err
	}

	for r.tomb.Alive() {
		if _, err := loop.Wait(pollTimeoutMs); err != nil {
			return err
		}
		if r.ep.State() != vfuser.Running {
			// guest went away; this VM is done, others are
			// unaffected
			return nil
		}
	}
	return nil
}

func (r *Runner) initialize() error {
	r.state.Store(int32(RunnerStarted))
	log.Printf("initialize %s", r.Socket)

	if err := r.dev.SetupEndpoint(r.ep); err != nil {
		return err
	}
	return r.ep.Realize(r.dev.Info())
}

// dispatch drains queued run-context turns.
func (r *Runner) dispatch() {
	for {
		err := r.ep.DispatchOne()
		switch {
		case err == nil:
			continue
		case errors.Is(err, vfuser.ErrWouldBlock):
			return
		case errors.Is(err, vfuser.ErrNotConnected):
			log.Printf("%s: guest disconnected", r.Socket)
			return
		default:
			log.Printf("%s: dispatch: %v", r.Socket, err)
			return
		}
	}
}
