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

package bootdispatch

import (
	"fmt"

	"github.com/Spin42/lk2nd/blockio"
	"github.com/Spin42/lk2nd/config"
	"github.com/Spin42/lk2nd/extlinux"
	"github.com/Spin42/lk2nd/logger"
)

// bootLabelPrefix is the GPT label prefix the fallback scan exempts
// from the minimum partition size filter, per §4.3's non-A/B fallback.
const bootLabelPrefix = "boot"

// runFallback implements the non-A/B fallback scan: every leaf block
// device is a candidate (skipping anything below
// config.DefaultMinPartitionSize unless its GPT label starts with
// "boot"), tried in
// enumeration order until one mounts and parses cleanly.
func (d *Dispatcher) runFallback() error {
	infos, err := d.ensureEnumeration()
	if err != nil {
		return fmt.Errorf("fallback: %w", err)
	}

	var lastErr error
	tried := 0
	for _, info := range infos {
		if info.Size < config.DefaultMinPartitionSize && !blockio.MatchGPTLabelPrefix(info, bootLabelPrefix) {
			continue
		}

		dev, err := d.Storage.Open(info.Name)
		if err != nil {
			lastErr = err
			continue
		}

		entry, fs, err := d.tryFallbackCandidate(dev)
		if err != nil {
			logger.Noticef("bootdispatch: fallback candidate %q rejected: %v", info.Name, err)
			lastErr = err
			tried++
			continue
		}

		logger.Noticef("bootdispatch: fallback booting %q, label %q", info.Name, entry.Label)
		err = d.Loader.Boot(entry)
		fs.Unmount()
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("kernel handoff on %q: %w", info.Name, err)
		tried++
	}

	if tried == 0 {
		return fmt.Errorf("fallback: no candidate block device met the minimum size or boot-label exemption")
	}
	return fmt.Errorf("fallback: exhausted %d candidate(s), last error: %w", tried, lastErr)
}

// tryFallbackCandidate mounts dev and selects its default extlinux
// label, per the fallback rule "parse extlinux, and boot the default
// label of the first one that succeeds".
func (d *Dispatcher) tryFallbackCandidate(dev blockio.Device) (*extlinux.Entry, Filesystem, error) {
	fs, err := d.Mounter.Mount(dev)
	if err != nil {
		return nil, nil, fmt.Errorf("mount: %w", err)
	}

	f, err := fs.Open(extlinuxPath)
	if err != nil {
		fs.Unmount()
		return nil, nil, fmt.Errorf("open %s: %w", extlinuxPath, err)
	}
	defer f.Close()

	cfg, err := extlinux.Parse(f)
	if err != nil {
		fs.Unmount()
		return nil, nil, fmt.Errorf("parse %s: %w", extlinuxPath, err)
	}
	if cfg.Default == "" {
		fs.Unmount()
		return nil, nil, fmt.Errorf("%s defines no default label", extlinuxPath)
	}

	for i := range cfg.Entries {
		if cfg.Entries[i].Label == cfg.Default {
			return &cfg.Entries[i], fs, nil
		}
	}
	fs.Unmount()
	return nil, nil, fmt.Errorf("%s: default label %q has no matching entry", extlinuxPath, cfg.Default)
}
