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

// Package dirs centralizes the filesystem roots the boot core touches,
// so tests can redirect everything under a temporary directory the same
// way the on-target firmware redirects everything under "/".
package dirs

import "path/filepath"

// GlobalRootDir is prefixed onto every path the boot core opens: device
// nodes, the config file, and (in test doubles) simulated partitions.
// Production boots never change it from "/"; tests call SetRootDir to
// sandbox themselves.
var GlobalRootDir = "/"

// SetRootDir points the boot core at an alternate root, for tests.
// Passing "" resets to "/".
func SetRootDir(root string) {
	if root == "" {
		root = "/"
	}
	GlobalRootDir = root
}

// DevicePath resolves a device name (e.g. "mmcblk0p1", "ab-slot") to a
// path under GlobalRootDir/dev.
func DevicePath(name string) string {
	return filepath.Join(GlobalRootDir, "dev", name)
}

// ConfigFile is the build-time configuration fragment read at startup
// (see package config).
func ConfigFile() string {
	return filepath.Join(GlobalRootDir, "etc", "lk2nd", "lk2nd.conf")
}

// MountPoint is where the dispatcher mounts the selected slot's
// filesystem before reading its extlinux.conf.
func MountPoint() string {
	return filepath.Join(GlobalRootDir, "run", "lk2nd", "slot")
}
