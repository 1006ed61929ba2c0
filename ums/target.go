// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2025 Spin42
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package ums

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/Spin42/lk2nd/blockio"
	"github.com/Spin42/lk2nd/logger"
)

const blockSize = 512

// Target is one USB Mass Storage LUN backed by a single block device —
// the partition the boot menu's "expose storage" action publishes
// (§4.4). It owns no USB wire state itself beyond the SCSI sense the
// host polls for; the bulk transport loop lives in MainLoop.
type Target struct {
	partition blockio.Device
	blockSize int
	blockCount int64
	readOnly  bool
	mounted   bool

	sense senseTriple

	ctrl    Controller
	in, out *Endpoint

	rateLimit int64

	active atomic.Bool
}

// Options configures a Target beyond its mandatory block device.
type Options struct {
	ReadOnly          bool
	RateLimitBytesSec int64 // 0 disables pacing
}

// NewTarget builds a Target over dev, whose size must be a multiple of
// the 512-byte logical block size this target advertises.
func NewTarget(dev blockio.Device, opts Options) (*Target, error) {
	if dev.Size()%blockSize != 0 {
		return nil, fmt.Errorf("partition size %d is not a multiple of the block size %d", dev.Size(), blockSize)
	}
	return &Target{
		partition:  dev,
		blockSize:  blockSize,
		blockCount: dev.Size() / blockSize,
		readOnly:   opts.ReadOnly,
		mounted:    true,
		rateLimit:  opts.RateLimitBytesSec,
	}, nil
}

// MaxTransferBytesFor returns the MaxTransferBytes a controller family
// reports, used by callers constructing a Controller implementation
// that doesn't already know its own family limit. Real controller
// drivers are an external collaborator (§5); this helper exists so the
// boot core's config.ControllerType string has somewhere concrete to
// resolve to.
func MaxTransferBytesFor(controllerType string) int {
	if controllerType == "legacy" {
		return legacyMaxTransferBytes
	}
	return dwcMaxTransferBytes
}

// MaxPacketFor returns the bulk endpoint max packet size for a
// controller family: 512 for a USB 2.0 ("legacy") controller, 1024 for
// a USB 3.x ("dwc") SuperSpeed controller, per §4.4's gadget setup.
func MaxPacketFor(controllerType string) int {
	if controllerType == "legacy" {
		return 512
	}
	return 1024
}

// EnterMode registers the mass-storage gadget, starts the controller,
// and runs the bulk-only transport loop until stop is signalled, per
// §4.4's enter_mode/exit_mode lifecycle. EnterMode reads no console
// input; the caller decides what counts as "cancel" and closes stop,
// which MainLoop checks between commands.
func (t *Target) EnterMode(ctrl Controller, desc GadgetDescriptor, stop <-chan struct{}) error {
	if err := ctrl.Init(); err != nil {
		return fmt.Errorf("cannot init UMS controller: %w", err)
	}
	if err := ctrl.RegisterGadget(desc); err != nil {
		return fmt.Errorf("cannot register UMS gadget: %w", err)
	}

	in, err := ctrl.AllocEndpoint(DirIn, desc.MaxPacket)
	if err != nil {
		return fmt.Errorf("cannot allocate bulk-in endpoint: %w", err)
	}
	out, err := ctrl.AllocEndpoint(DirOut, desc.MaxPacket)
	if err != nil {
		ctrl.FreeEndpoint(in)
		return fmt.Errorf("cannot allocate bulk-out endpoint: %w", err)
	}

	t.ctrl, t.in, t.out = ctrl, in, out

	if err := ctrl.Start(); err != nil {
		t.ExitMode()
		return fmt.Errorf("cannot start UMS controller: %w", err)
	}

	t.active.Store(true)
	logger.Noticef("ums: entering mass storage mode, %d blocks, read-only=%v", t.blockCount, t.readOnly)

	t.MainLoop(stop)
	return t.ExitMode()
}

// ExitMode tears down the gadget and controller, per §4.4's exit_mode.
// It tolerates being called after a partial EnterMode failure.
func (t *Target) ExitMode() error {
	t.active.Store(false)

	if t.ctrl == nil {
		return nil
	}
	if err := t.ctrl.Stop(); err != nil {
		logger.Errorf("ums: error stopping controller: %v", err)
	}
	if t.in != nil {
		t.ctrl.FreeEndpoint(t.in)
	}
	if t.out != nil {
		t.ctrl.FreeEndpoint(t.out)
	}
	t.ctrl, t.in, t.out = nil, nil, nil
	logger.Noticef("ums: exited mass storage mode")
	return nil
}

// MainLoop runs the CBW/CSW request-response cycle of §4.4's main loop
// until stop fires. A CBW that fails to parse (bad signature, wrong
// length — the "stall condition") is dropped and the loop retries
// rather than crashing the whole target: a confused or buggy host is
// not this core's problem to solve, only to survive.
func (t *Target) MainLoop(stop <-chan struct{}) {
	buf := NewDmaBuffer(4*1024*1024, nil, nil)
	dp := newControllerDataPhase(t.ctrl, t.in, t.out, buf, t.rateLimit)

	cbwReq, err := t.ctrl.AllocRequest(t.out)
	if err != nil {
		logger.Errorf("ums: cannot allocate CBW request: %v", err)
		return
	}
	defer t.ctrl.FreeRequest(cbwReq)

	cswReq, err := t.ctrl.AllocRequest(t.in)
	if err != nil {
		logger.Errorf("ums: cannot allocate CSW request: %v", err)
		return
	}
	defer t.ctrl.FreeRequest(cswReq)

	cbwBuf := make([]byte, CBWSize)
	cswBuf := make([]byte, CSWSize)

	for t.active.Load() {
		select {
		case <-stop:
			return
		default:
		}

		if err := t.ctrl.QueueRequest(cbwReq, t.out, cbwBuf); err != nil {
			logger.Errorf("ums: cannot queue CBW read: %v", err)
			return
		}
		c := <-cbwReq.Done
		if c.Err != nil {
			logger.Errorf("ums: CBW read failed: %v", c.Err)
			continue
		}

		cbw, ok := ParseCBW(cbwBuf[:c.Length])
		if !ok {
			logger.Noticef("ums: dropping malformed CBW (%d bytes)", c.Length)
			continue
		}

		status, residue := t.HandleCommand(cbw, dp)

		csw := NewCSW(cbw.Tag, residue, status)
		n, _ := csw.MarshalTo(cswBuf)
		if err := t.ctrl.QueueRequest(cswReq, t.in, cswBuf[:n]); err != nil {
			logger.Errorf("ums: cannot queue CSW write: %v", err)
			return
		}
		<-cswReq.Done
	}
}

// Stop requests MainLoop return at the next opportunity; it does not
// wait for the loop to actually exit.
func (t *Target) Stop() { t.active.Store(false) }

// waitForPartition polls provider for name, retrying to accommodate a
// filesystem driver (an external collaborator, §5) that enumerates
// devices asynchronously after bus reset. Each attempt opens name
// directly and, if that fails, looks for a device whose GPT label is
// name. It gives up after timeout.
func waitForPartition(provider blockio.Provider, name string, timeout time.Duration) (blockio.Device, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		dev, err := provider.Open(name)
		if err == nil {
			return dev, nil
		}
		if infos, eerr := provider.Enumerate(); eerr == nil {
			if info, merr := blockio.MatchGPTLabel(infos, name); merr == nil {
				if dev, oerr := provider.Open(info.Name); oerr == nil {
					return dev, nil
				}
			}
		}
		lastErr = err
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("partition %q did not appear within %s: %w", name, timeout, lastErr)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Expose mounts partitionName from provider and runs EnterMode over it,
// the whole of the boot menu's "expose storage over USB" action
// (§4.3's menu-triggered path into §4.4). console is accepted but not
// read, and not passed to EnterMode; stopping is driven by stop alone.
func Expose(provider blockio.Provider, partitionName string, ctrl Controller, desc GadgetDescriptor, opts Options, console io.Reader, stop <-chan struct{}) error {
	dev, err := waitForPartition(provider, partitionName, 3*time.Second)
	if err != nil {
		return fmt.Errorf("cannot expose %q over USB: %w", partitionName, err)
	}

	target, err := NewTarget(dev, opts)
	if err != nil {
		return fmt.Errorf("cannot prepare UMS target for %q: %w", partitionName, err)
	}
	return target.EnterMode(ctrl, desc, stop)
}
