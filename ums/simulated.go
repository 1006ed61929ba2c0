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
	"sync"
)

// SimulatedController is a software-only Controller standing in for
// the real USB controller driver, which is an external collaborator
// this core never implements (§5). It loops bulk transfers through
// in-memory channels so MainLoop's CBW/CSW cycle can be driven
// end-to-end from a test acting as the "host" side, the way
// blockio.FileBackend stands in for real storage.
type SimulatedController struct {
	mu       sync.Mutex
	started  bool
	maxBytes int

	// hostOut delivers bytes a simulated host "sends" to the device's
	// bulk-out endpoint; hostIn receives bytes the device writes to
	// its bulk-in endpoint, for the test to observe.
	hostOut chan []byte
	hostIn  chan []byte
}

// NewSimulatedController builds a controller with the given transfer
// limit (use legacyMaxTransferBytes or dwcMaxTransferBytes to mimic a
// real family, or any size for a test).
func NewSimulatedController(maxTransferBytes int) *SimulatedController {
	return &SimulatedController{
		maxBytes: maxTransferBytes,
		hostOut:  make(chan []byte, 16),
		hostIn:   make(chan []byte, 16),
	}
}

func (c *SimulatedController) Init() error { return nil }

func (c *SimulatedController) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	return nil
}

func (c *SimulatedController) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
	return nil
}

func (c *SimulatedController) RegisterGadget(desc GadgetDescriptor) error { return nil }

func (c *SimulatedController) AllocEndpoint(dir Direction, maxPacket int) (*Endpoint, error) {
	name := "out"
	if dir == DirIn {
		name = "in"
	}
	return &Endpoint{Name: name, Dir: dir, MaxPacket: maxPacket}, nil
}

// FreeEndpoint is a no-op: the simulated controller has no endpoint
// table to release from, matching real controllers that don't support
// releasing endpoints once claimed.
func (c *SimulatedController) FreeEndpoint(ep *Endpoint) error { return nil }

func (c *SimulatedController) AllocRequest(ep *Endpoint) (*Request, error) {
	return newRequest(), nil
}

func (c *SimulatedController) FreeRequest(req *Request) error { return nil }

func (c *SimulatedController) MaxTransferBytes() int { return c.maxBytes }

// QueueRequest delivers buf to the simulated host's inbox (bulk-in) or
// blocks for the simulated host to supply bytes (bulk-out), then
// signals completion on req.Done exactly as a real controller's
// interrupt-context completion callback would.
func (c *SimulatedController) QueueRequest(req *Request, ep *Endpoint, buf []byte) error {
	if ep.Dir == DirIn {
		out := make([]byte, len(buf))
		copy(out, buf)
		c.hostIn <- out
		req.Done <- Completion{Length: len(buf)}
		return nil
	}

	in, ok := <-c.hostOut
	if !ok {
		return fmt.Errorf("simulated host closed")
	}
	n := copy(buf, in)
	req.Done <- Completion{Length: n}
	return nil
}

// HostSend feeds bytes a simulated host "writes" to the device's
// bulk-out endpoint — used by tests to deliver a CBW or WRITE10 payload.
func (c *SimulatedController) HostSend(buf []byte) { c.hostOut <- buf }

// HostReceive blocks for the next chunk the device wrote to its
// bulk-in endpoint — used by tests to collect a CSW or READ10 payload.
func (c *SimulatedController) HostReceive() []byte { return <-c.hostIn }
