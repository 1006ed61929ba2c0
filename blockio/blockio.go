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

// Package blockio is the seam between the boot core and the block I/O
// provider, an external collaborator (§1): opening named block devices,
// reading/writing at byte offsets, and publishing logical sub-devices
// at a fixed offset. Nothing in this package talks to real hardware;
// Provider is the interface the rest of the core programs against, and
// FileBackend is a development/test double backed by ordinary files,
// in the spirit of snapd's own bootloadertest doubles.
package blockio

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
)

// Device is a named, fixed-size region of block storage. The boot core
// only ever does byte-offset ReadAt/WriteAt against one; it never
// assumes a particular backing medium.
type Device interface {
	io.ReaderAt
	io.WriterAt
	// Name is the name this device was opened or published under.
	Name() string
	// Size is the device's total size in bytes.
	Size() int64
	Close() error
}

// Provider opens named devices and publishes logical sub-devices. The
// real implementation lives in the bootloader's storage layer; this
// interface is what the dispatcher, env store, and UMS target are
// written against.
type Provider interface {
	// Open looks up a device by the exact name given. The base-device
	// resolution policies of dispatcher step 3 (exact match, mmcblkXpN
	// translation, GPT label scan) are applied by the dispatcher, which
	// calls Open once per candidate name.
	Open(name string) (Device, error)

	// Enumerate lists every leaf block device the provider currently
	// knows about, for the non-A/B fallback scan and for GPT-label
	// lookups.
	Enumerate() ([]DeviceInfo, error)

	// PublishSubdevice exposes a logical device named subName spanning
	// [offset, end-of-base) on base, the way the dispatcher publishes
	// "ab-slot" at the chosen slot's byte offset.
	PublishSubdevice(base Device, offset int64, subName string) (Device, error)
}

// DeviceInfo is what Enumerate reports about a leaf block device
// without opening it: name, size, and (if present) its GPT partition
// label, mirroring the "KNAME"/"SIZE"/"LABEL" triad lsblk-style
// enumerators report.
type DeviceInfo struct {
	Name     string
	Size     int64
	GPTLabel string
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s (%s, label=%q)", d.Name, humanize.Bytes(uint64(d.Size)), d.GPTLabel)
}

// ErrNotFound is returned by MatchGPTLabel when no label matches, and
// wrapped in FileBackend.Open's error when no device has the name.
var ErrNotFound = fmt.Errorf("block device not found")

// FileBackend is a Provider backed by plain files, used by tests and by
// hosted development builds that have no real storage controller
// attached. Each named device is a file under root; a sub-device is
// modeled as a view into its base file rather than a second file.
type FileBackend struct {
	mu      sync.Mutex
	root    string
	labels  map[string]string // device name -> GPT label
	devices map[string]*fileDevice
}

// NewFileBackend creates a FileBackend rooted at dir. Devices must be
// registered with RegisterDevice before Open will find them.
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{
		root:    dir,
		labels:  map[string]string{},
		devices: map[string]*fileDevice{},
	}
}

// RegisterDevice associates name with an on-disk file and an optional
// GPT label, as if the storage controller had just published it.
func (fb *FileBackend) RegisterDevice(name, path, gptLabel string) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("cannot register device %q: %w", name, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("cannot stat device %q: %w", name, err)
	}

	fb.devices[name] = &fileDevice{name: name, f: f, size: fi.Size()}
	if gptLabel != "" {
		fb.labels[name] = gptLabel
	}
	return nil
}

func (fb *FileBackend) Open(name string) (Device, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	d, ok := fb.devices[name]
	if !ok {
		return nil, fmt.Errorf("cannot open %q: %w", name, ErrNotFound)
	}
	return d, nil
}

func (fb *FileBackend) Enumerate() ([]DeviceInfo, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	infos := make([]DeviceInfo, 0, len(fb.devices))
	for name, d := range fb.devices {
		infos = append(infos, DeviceInfo{Name: name, Size: d.size, GPTLabel: fb.labels[name]})
	}
	return infos, nil
}

func (fb *FileBackend) PublishSubdevice(base Device, offset int64, subName string) (Device, error) {
	bd, ok := base.(*fileDevice)
	if !ok {
		return nil, fmt.Errorf("cannot publish sub-device: base %q is not a FileBackend device", base.Name())
	}
	if offset < 0 || offset > bd.size {
		return nil, fmt.Errorf("cannot publish sub-device %q: offset %d out of range for %q (size %d)", subName, offset, bd.Name(), bd.size)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()
	sub := &fileDevice{name: subName, f: bd.f, size: bd.size - offset, base: offset}
	fb.devices[subName] = sub
	return sub, nil
}

type fileDevice struct {
	name string
	f    *os.File
	size int64
	base int64 // byte offset into f that this device's offset 0 maps to
}

func (d *fileDevice) Name() string { return d.name }
func (d *fileDevice) Size() int64  { return d.size }
func (d *fileDevice) Close() error { return nil } // f is shared; base device owns the real close

func (d *fileDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, fmt.Errorf("read out of range: off=%d len=%d size=%d", off, len(p), d.size)
	}
	return d.f.ReadAt(p, d.base+off)
}

func (d *fileDevice) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, fmt.Errorf("write out of range: off=%d len=%d size=%d", off, len(p), d.size)
	}
	return d.f.WriteAt(p, d.base+off)
}

// MatchGPTLabel scans infos for one whose GPTLabel equals label
// exactly, returning ErrNotFound if none match. Used by dispatcher
// resolution policy (c) and by the UMS partition-name fallback.
func MatchGPTLabel(infos []DeviceInfo, label string) (DeviceInfo, error) {
	for _, info := range infos {
		if info.GPTLabel == label {
			return info, nil
		}
	}
	return DeviceInfo{}, ErrNotFound
}

// MatchGPTLabelPrefix is the "starts with" variant used by the
// non-A/B fallback scan ("boot*" labels bypass the minimum-size
// filter).
func MatchGPTLabelPrefix(info DeviceInfo, prefix string) bool {
	if len(prefix) > len(info.GPTLabel) {
		return false
	}
	return info.GPTLabel[:len(prefix)] == prefix
}
