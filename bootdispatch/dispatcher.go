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
	"regexp"

	"github.com/Spin42/lk2nd/blockio"
	"github.com/Spin42/lk2nd/config"
	"github.com/Spin42/lk2nd/envstore"
	"github.com/Spin42/lk2nd/envstore/slot"
	"github.com/Spin42/lk2nd/extlinux"
	"github.com/Spin42/lk2nd/logger"
)

// subdeviceName is the stable name the dispatcher publishes the
// selected slot under, per §4.3 step 8.
const subdeviceName = "ab-slot"

// abState is the A/B runtime state of §3: created on first Init,
// mutated only by the dispatcher's pre-boot sequence. Unlike the
// source this models, it is owned by a *Dispatcher value rather than a
// process-wide singleton (§9's recommended cleanup), so tests can run
// more than one dispatcher concurrently.
type abState struct {
	initialized bool
	baseDevice  blockio.Device
	store       *envstore.Store
	currentSlot string
}

// Dispatcher drives the pre-boot state machine of §4.3 against a set
// of external collaborators (block I/O, filesystem, kernel loader).
type Dispatcher struct {
	Config  *config.Config
	Storage blockio.Provider
	Mounter Mounter
	Loader  KernelLoader

	// Compatible is the device-tree "compatible" string used to prefer
	// a matching FDT under fdtdir; empty disables the preference.
	Compatible string

	// DisableFallback skips the non-A/B scan on any pre-boot failure,
	// per the state machine's "Report(terminal) if fallback is
	// disabled" branch.
	DisableFallback bool

	enumerated bool
	state      *abState
}

// slotOffset returns the configured byte offset for letter, per §3's
// Slot Descriptor.
func (d *Dispatcher) slotOffset(letter string) (int64, error) {
	switch letter {
	case slot.SlotA:
		return d.Config.SlotAOffset, nil
	case slot.SlotB:
		return d.Config.SlotBOffset, nil
	default:
		return 0, fmt.Errorf("unknown slot letter %q", letter)
	}
}

// ensureEnumeration runs the provider's device enumeration (§4.3 step
// 1) and returns its result. It calls Enumerate again on every call;
// enumeration itself is idempotent.
func (d *Dispatcher) ensureEnumeration() ([]blockio.DeviceInfo, error) {
	infos, err := d.Storage.Enumerate()
	if err != nil {
		return nil, fmt.Errorf("cannot enumerate block devices: %w", err)
	}
	d.enumerated = true
	return infos, nil
}

var mmcblkPartitionRE = regexp.MustCompile(`^mmcblk(\d+)p(\d+)$`)

// resolveBase implements §4.3 step 3's three resolution policies in
// order: exact name, mmcblkXpN -> wrp0p(N-1) translation, GPT label
// match.
func (d *Dispatcher) resolveBase(infos []blockio.DeviceInfo) (blockio.Device, error) {
	name := d.Config.BaseDevice

	if dev, err := d.Storage.Open(name); err == nil {
		return dev, nil
	}

	if m := mmcblkPartitionRE.FindStringSubmatch(name); m != nil {
		var n int
		fmt.Sscanf(m[2], "%d", &n)
		translated := fmt.Sprintf("wrp0p%d", n-1)
		if dev, err := d.Storage.Open(translated); err == nil {
			return dev, nil
		}
	}

	info, err := blockio.MatchGPTLabel(infos, name)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve base device %q by name, translation, or GPT label: %w", name, err)
	}
	return d.Storage.Open(info.Name)
}

// Init performs §4.3 steps 1-2: idempotent enumeration and A/B state
// construction. It is safe to call more than once; subsequent calls
// are no-ops, mirroring the source's singleton init guard (§8
// "idempotence" invariant).
func (d *Dispatcher) Init() error {
	if d.state != nil && d.state.initialized {
		return nil
	}

	infos, err := d.ensureEnumeration()
	if err != nil {
		return err
	}

	dev, err := d.resolveBase(infos)
	if err != nil {
		return err
	}

	st, err := envstore.Init(dev, d.Config.EnvOffset, d.Config.EnvSize)
	if err != nil {
		return fmt.Errorf("cannot load env store: %w", err)
	}

	d.state = &abState{initialized: true, baseDevice: dev, store: st}
	return nil
}

// pickAndDecrementSlot implements §4.3 steps 5-7: choose the current
// slot, decrement its counter (falling over to the next slot if
// exhausted), and persist the env store — the atomic commit point
// that must happen before any attempt to mount a slot (§5).
func (d *Dispatcher) pickAndDecrementSlot() (string, error) {
	st := d.state.store
	current := slot.CurrentSlot(st)

	if err := slot.Decrement(st, current); err != nil {
		if next, ok := slot.NextSlot(st, current); ok {
			current = next
			// NextSlot only returns slots with attempts remaining, so
			// this decrement cannot itself return ErrExhausted.
			if err := slot.Decrement(st, current); err != nil {
				return "", fmt.Errorf("cannot decrement fallover slot %q: %w", current, err)
			}
		}
		// else: no successor qualifies either; retain current as a
		// last-resort attempt without a further decrement, per §4.3 step 6.
	}

	if err := st.Save(d.state.baseDevice, d.Config.EnvOffset); err != nil {
		return "", fmt.Errorf("cannot persist env store: %w", err)
	}

	d.state.currentSlot = current
	return current, nil
}

// Run executes the full pre-boot sequence of §4.3 and hands off to the
// kernel loader. On any step's failure it falls through to the non-A/B
// scan unless DisableFallback is set, per the state machine's failure
// transition.
func (d *Dispatcher) Run() error {
	err := d.runABPath()
	if err == nil {
		return nil
	}

	logger.Errorf("bootdispatch: A/B boot path failed: %v", err)
	if d.DisableFallback {
		return fmt.Errorf("boot failed and fallback is disabled: %w", err)
	}
	return d.runFallback()
}

func (d *Dispatcher) runABPath() error {
	if d.Config.BaseDevice == "" {
		return fmt.Errorf("no base device configured")
	}

	if err := d.Init(); err != nil {
		return fmt.Errorf("init: %w", err)
	}

	letter, err := d.pickAndDecrementSlot()
	if err != nil {
		return fmt.Errorf("pick slot: %w", err)
	}

	offset, err := d.slotOffset(letter)
	if err != nil {
		return err
	}

	sub, err := d.Storage.PublishSubdevice(d.state.baseDevice, offset, subdeviceName)
	if err != nil {
		return fmt.Errorf("publish subdevice: %w", err)
	}

	fs, err := d.Mounter.Mount(sub)
	if err != nil {
		return fmt.Errorf("mount slot %q: %w", letter, err)
	}
	defer fs.Unmount()

	entry, err := d.loadAndSelectEntry(fs, letter)
	if err != nil {
		return err
	}

	logger.Noticef("bootdispatch: booting slot %s, label %q", letter, entry.Label)
	if err := d.Loader.Boot(entry); err != nil {
		return fmt.Errorf("kernel handoff: %w", err)
	}
	return nil
}

const extlinuxPath = "/extlinux/extlinux.conf"

func (d *Dispatcher) loadAndSelectEntry(fs Filesystem, letter string) (*extlinux.Entry, error) {
	f, err := fs.Open(extlinuxPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", extlinuxPath, err)
	}
	defer f.Close()

	cfg, err := extlinux.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", extlinuxPath, err)
	}

	entry, err := extlinux.SelectLabel(cfg, letter)
	if err != nil {
		return nil, err
	}

	if entry.FDTDir != "" {
		fdt, err := extlinux.ResolveFDTDir(fs, entry, d.Compatible)
		if err != nil {
			return nil, fmt.Errorf("resolve fdtdir: %w", err)
		}
		if fdt != "" {
			entry.FDT = fdt
		}
	}
	overlays, err := extlinux.ExpandOverlays(fs, entry)
	if err != nil {
		return nil, fmt.Errorf("expand overlays: %w", err)
	}
	entry.Overlays = overlays

	return entry, nil
}
