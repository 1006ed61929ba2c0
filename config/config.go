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

// Package config loads the build-time defaults the Boot Dispatcher
// needs before it can do anything: the base device name, the env
// region's offset and size, and the two slots' byte offsets (§4.3 step
// 2). It is read with goconfigparser, the same small INI reader snapd
// itself links in.
package config

import (
	"fmt"
	"io"
	"strconv"

	"github.com/mvo5/goconfigparser"
)

// Defaults are the fallback values used when the config file is
// missing a key, matching §6's stated defaults for the env region.
const (
	DefaultEnvOffset = 0x10000
	DefaultEnvSize   = 0x20000

	DefaultMinPartitionSize = 16 * 1024 * 1024 // 16 MiB, §4.3 non-A/B fallback threshold
)

// Config holds the resolved build-time boot configuration.
type Config struct {
	BaseDevice string
	EnvOffset  int64
	EnvSize    int

	SlotAOffset int64
	SlotBOffset int64

	// ControllerType selects the UMS controller family ("legacy" or
	// "dwc"), see ums/controller.go.
	ControllerType string

	// UMSPartition is the default partition name the boot menu's UMS
	// action exposes when the user doesn't pick another one.
	UMSPartition string

	// CountdownSeconds is how long the serial menu waits for a
	// keypress before diverting into the menu, per §2 control flow.
	CountdownSeconds int
}

// section is the single [core] section this config file uses; there is
// no per-board sectioning in this boot core, unlike snapd's broader use
// of goconfigparser for multi-section daemon config.
const section = "core"

// Parse reads a config file in "[core]\nkey = value" form from r.
// Missing keys fall back to their defaults; the base device name and
// UMS partition name have no default and are left empty if unset. The
// two slot offsets are validated against each other and against the
// env region in Validate, not here, since validation may need a
// device's real size which this package knows nothing about.
func Parse(r io.Reader) (*Config, error) {
	cfg := goconfigparser.New()
	if err := cfg.Read(r); err != nil {
		return nil, fmt.Errorf("cannot parse boot config: %w", err)
	}

	c := &Config{
		EnvOffset:        DefaultEnvOffset,
		EnvSize:          DefaultEnvSize,
		ControllerType:   "dwc",
		CountdownSeconds: 3,
	}

	if v, err := cfg.Get(section, "base_device"); err == nil && v != "" {
		c.BaseDevice = v
	}
	if v, err := cfg.Get(section, "env_offset"); err == nil && v != "" {
		n, perr := strconv.ParseInt(v, 0, 64)
		if perr != nil {
			return nil, fmt.Errorf("cannot parse env_offset %q: %w", v, perr)
		}
		c.EnvOffset = n
	}
	if v, err := cfg.Get(section, "env_size"); err == nil && v != "" {
		n, perr := strconv.ParseInt(v, 0, 64)
		if perr != nil {
			return nil, fmt.Errorf("cannot parse env_size %q: %w", v, perr)
		}
		c.EnvSize = int(n)
	}
	if v, err := cfg.Get(section, "slot_a_offset"); err == nil && v != "" {
		n, perr := strconv.ParseInt(v, 0, 64)
		if perr != nil {
			return nil, fmt.Errorf("cannot parse slot_a_offset %q: %w", v, perr)
		}
		c.SlotAOffset = n
	}
	if v, err := cfg.Get(section, "slot_b_offset"); err == nil && v != "" {
		n, perr := strconv.ParseInt(v, 0, 64)
		if perr != nil {
			return nil, fmt.Errorf("cannot parse slot_b_offset %q: %w", v, perr)
		}
		c.SlotBOffset = n
	}
	if v, err := cfg.Get(section, "controller"); err == nil && v != "" {
		c.ControllerType = v
	}
	if v, err := cfg.Get(section, "ums_partition"); err == nil && v != "" {
		c.UMSPartition = v
	}
	if v, err := cfg.Get(section, "countdown_seconds"); err == nil && v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil {
			return nil, fmt.Errorf("cannot parse countdown_seconds %q: %w", v, perr)
		}
		c.CountdownSeconds = n
	}

	return c, nil
}

// Validate rejects a slot whose start offset lies inside the env region
// and two slots that share the same offset, catching a misconfigured
// board file before it corrupts data against real storage. Only start
// offsets are checked: a slot that starts before the env region is not
// rejected.
func (c *Config) Validate() error {
	envEnd := c.EnvOffset + int64(c.EnvSize)

	overlaps := func(a, b int64) bool { return a < envEnd && b > c.EnvOffset }

	if c.SlotAOffset == c.SlotBOffset {
		return fmt.Errorf("slot A and slot B must not share the same offset (%d)", c.SlotAOffset)
	}
	if overlaps(c.SlotAOffset, c.SlotAOffset+1) {
		return fmt.Errorf("slot A offset %d overlaps the env region [%d, %d)", c.SlotAOffset, c.EnvOffset, envEnd)
	}
	if overlaps(c.SlotBOffset, c.SlotBOffset+1) {
		return fmt.Errorf("slot B offset %d overlaps the env region [%d, %d)", c.SlotBOffset, c.EnvOffset, envEnd)
	}
	return nil
}
