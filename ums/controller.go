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

	"github.com/juju/ratelimit"
)

// Direction is a bulk endpoint's transfer direction relative to the
// device: In means device-to-host, Out means host-to-device.
type Direction int

const (
	DirIn Direction = iota
	DirOut
)

// Endpoint is an opaque handle a Controller hands back from
// AllocEndpoint; the target never interprets its fields, only passes it
// back into QueueRequest and FreeEndpoint.
type Endpoint struct {
	Name      string
	Dir       Direction
	MaxPacket int
}

// GadgetDescriptor is the minimal identification a controller needs to
// register the mass-storage gadget with the host (vendor/product IDs,
// the two bulk endpoints' max packet size). The controller driver is an
// external collaborator (§5); this struct is the whole of what the
// core needs to hand it.
type GadgetDescriptor struct {
	VendorID     uint16
	ProductID    uint16
	SerialNumber string
	MaxPacket    int
}

// Completion is delivered on a Request's Done channel once a queued
// transfer finishes.
type Completion struct {
	Length int
	Err    error
}

// Request is a reusable transfer handle. Done has capacity 1: the
// target always drains it before re-queuing, so a stale completion can
// never be observed for a request that's been requeued, mirroring the
// single-outstanding-transfer-per-endpoint rule of §4.4.
type Request struct {
	Done chan Completion
}

func newRequest() *Request {
	return &Request{Done: make(chan Completion, 1)}
}

// Controller is the capability set a real USB controller driver
// implements: init/start/stop lifecycle, endpoint and request
// allocation, and queuing a transfer whose completion arrives
// asynchronously on the Request's Done channel. It is the same
// function-table pattern snapd's bootloader abstraction uses for
// swapping boot families, generalized here to the "legacy" vs "dwc"
// SuperSpeed controller families (§4.4, §9).
//
// FreeEndpoint may be unsupported by a given controller (some gadget
// stacks never release endpoints once claimed); implementations that
// don't support it return nil unconditionally rather than an error, so
// callers need not special-case it.
type Controller interface {
	Init() error
	Start() error
	Stop() error
	RegisterGadget(desc GadgetDescriptor) error
	AllocEndpoint(dir Direction, maxPacket int) (*Endpoint, error)
	FreeEndpoint(ep *Endpoint) error
	AllocRequest(ep *Endpoint) (*Request, error)
	FreeRequest(req *Request) error
	// QueueRequest submits buf on ep/req and returns immediately; the
	// transfer's outcome is delivered on req.Done. buf must not be
	// touched by the caller again until the completion arrives.
	QueueRequest(req *Request, ep *Endpoint, buf []byte) error
	// MaxTransferBytes bounds a single QueueRequest's buf length: 32
	// KiB for the legacy controller family, up to 16 MiB for dwc (§9).
	MaxTransferBytes() int
}

// DmaBuffer owns a transfer scratch buffer and the cache-coherency
// discipline around it (§9): clean-and-invalidate before a device
// write (host read), invalidate after a device read (host write),
// so that CPU and controller DMA never observe stale lines. The actual
// cache maintenance instructions are hardware-specific and belong to
// the platform layer the controller driver links against; this type's
// job is to guarantee the discipline is never skipped by a call site,
// not to perform the maintenance itself.
type DmaBuffer struct {
	data       []byte
	cleanFn    func([]byte)
	invalidFn  func([]byte)
}

// NewDmaBuffer allocates a buffer of size bytes. cleanInvalidate and
// invalidate may be nil, in which case they are no-ops — the case for
// the simulated controller used in tests, where there is no real cache
// to manage.
func NewDmaBuffer(size int, cleanInvalidate, invalidate func([]byte)) *DmaBuffer {
	if cleanInvalidate == nil {
		cleanInvalidate = func([]byte) {}
	}
	if invalidate == nil {
		invalidate = func([]byte) {}
	}
	return &DmaBuffer{data: make([]byte, size), cleanFn: cleanInvalidate, invalidFn: invalidate}
}

// Bytes returns the underlying buffer, sized at its full capacity; the
// caller slices it to the length actually wanted for one transfer.
func (b *DmaBuffer) Bytes() []byte { return b.data }

// PrepareWrite must run before handing the buffer to a device-to-host
// (IN) transfer the CPU has just filled.
func (b *DmaBuffer) PrepareWrite() { b.cleanFn(b.data) }

// PrepareRead must run after a host-to-device (OUT) transfer completes,
// before the CPU reads what the controller DMA'd in.
func (b *DmaBuffer) PrepareRead() { b.invalidFn(b.data) }

const (
	legacyMaxTransferBytes = 32 * 1024
	dwcMaxTransferBytes    = 16 * 1024 * 1024
)

// DataPhase moves the data stage of a READ10/WRITE10 command between
// the target and the host, chunked to the controller's transfer limit.
// Splitting it out of Controller lets tests exercise SCSI command
// semantics (§8 scenarios 4 and 5) without a real controller or
// endpoints.
type DataPhase interface {
	SendToHost(data []byte) error
	ReceiveFromHost(buf []byte) (int, error)
}

// controllerDataPhase is the real DataPhase, chunking transfers to
// MaxTransferBytes and pacing them with a token bucket (juju/ratelimit)
// so a slow link can't be driven faster than the controller's
// descriptor ring can drain.
type controllerDataPhase struct {
	ctrl    Controller
	in, out *Endpoint
	buf     *DmaBuffer
	bucket  *ratelimit.Bucket
}

// newControllerDataPhase builds a DataPhase bounded by buf's capacity
// and ctrl's MaxTransferBytes, rate-limited to bytesPerSecond (0
// disables limiting).
func newControllerDataPhase(ctrl Controller, in, out *Endpoint, buf *DmaBuffer, bytesPerSecond int64) *controllerDataPhase {
	var bucket *ratelimit.Bucket
	if bytesPerSecond > 0 {
		bucket = ratelimit.NewBucketWithRate(float64(bytesPerSecond), bytesPerSecond)
	}
	return &controllerDataPhase{ctrl: ctrl, in: in, out: out, buf: buf, bucket: bucket}
}

func (p *controllerDataPhase) chunkSize() int {
	max := p.ctrl.MaxTransferBytes()
	if len(p.buf.Bytes()) < max {
		max = len(p.buf.Bytes())
	}
	return max
}

func (p *controllerDataPhase) waitTokens(n int) {
	if p.bucket != nil {
		p.bucket.Wait(int64(n))
	}
}

func (p *controllerDataPhase) SendToHost(data []byte) error {
	chunk := p.chunkSize()
	req, err := p.ctrl.AllocRequest(p.in)
	if err != nil {
		return fmt.Errorf("cannot allocate bulk-in request: %w", err)
	}
	defer p.ctrl.FreeRequest(req)

	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		n := copy(p.buf.Bytes(), data[off:end])
		p.waitTokens(n)
		p.buf.PrepareWrite()
		if err := p.ctrl.QueueRequest(req, p.in, p.buf.Bytes()[:n]); err != nil {
			return fmt.Errorf("cannot queue bulk-in transfer: %w", err)
		}
		c := <-req.Done
		if c.Err != nil {
			return fmt.Errorf("bulk-in transfer failed: %w", c.Err)
		}
		if c.Length != n {
			return fmt.Errorf("bulk-in short transfer: wrote %d of %d", c.Length, n)
		}
	}
	return nil
}

func (p *controllerDataPhase) ReceiveFromHost(buf []byte) (int, error) {
	chunk := p.chunkSize()
	req, err := p.ctrl.AllocRequest(p.out)
	if err != nil {
		return 0, fmt.Errorf("cannot allocate bulk-out request: %w", err)
	}
	defer p.ctrl.FreeRequest(req)

	total := 0
	for total < len(buf) {
		end := total + chunk
		if end > len(buf) {
			end = len(buf)
		}
		want := end - total
		if err := p.ctrl.QueueRequest(req, p.out, p.buf.Bytes()[:want]); err != nil {
			return total, fmt.Errorf("cannot queue bulk-out transfer: %w", err)
		}
		c := <-req.Done
		if c.Err != nil {
			return total, fmt.Errorf("bulk-out transfer failed: %w", c.Err)
		}
		p.buf.PrepareRead()
		copy(buf[total:total+c.Length], p.buf.Bytes()[:c.Length])
		total += c.Length
		if c.Length < want {
			break
		}
	}
	return total, nil
}
