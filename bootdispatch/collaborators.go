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

// Package bootdispatch drives the pre-boot state machine of §4.3: it
// owns no storage or filesystem code itself, only the sequencing glue
// between the Env Store, the Slot Selector, and the external
// collaborators that live outside this core (the filesystem driver
// and the kernel loader; block I/O comes from the blockio package).
package bootdispatch

import (
	"io"

	"github.com/Spin42/lk2nd/blockio"
	"github.com/Spin42/lk2nd/extlinux"
)

// Filesystem is what a mounted slot (or fallback candidate) exposes: a
// way to read the extlinux descriptor and to satisfy extlinux's
// DirLister for fdtdir/overlay resolution.
type Filesystem interface {
	extlinux.DirLister
	Open(path string) (io.ReadCloser, error)
	Unmount() error
}

// Mounter is the filesystem driver (§1 external collaborator): it
// mounts a block device read-only and hands back a Filesystem view of
// it. The real implementation understands some ext-family on-disk
// format; this core only ever calls Mount and reads through the result.
type Mounter interface {
	Mount(dev blockio.Device) (Filesystem, error)
}

// KernelLoader is the last external collaborator: handing off to a
// selected boot entry. A real implementation loads the kernel image
// into memory, applies device-tree fixups, and never returns on
// success; Boot returning at all is itself the failure case the
// dispatcher reports.
type KernelLoader interface {
	Boot(entry *extlinux.Entry) error
}
