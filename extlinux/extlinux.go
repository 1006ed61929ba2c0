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

// Package extlinux parses the minimal extlinux.conf boot descriptor
// consumed from the mounted slot filesystem (§3 "Boot Entry", §6
// "extlinux.conf surface") and selects the slot-appropriate label per
// the dispatcher's rule in §4.3 step 10.
package extlinux

import (
	"bufio"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Entry is one "label" block: the kernel/initrd/device-tree paths and
// appended command line the dispatcher hands to the kernel loader.
type Entry struct {
	Label    string
	Kernel   string
	Initrd   string
	FDT      string
	FDTDir   string
	Overlays []string
	Append   string
}

// Config is a fully parsed extlinux.conf: an optional file-global
// default label and the entries in file order.
type Config struct {
	Default string
	Entries []Entry
}

// Parse reads an extlinux.conf from r. Lines starting with "#" are
// comments; directive keywords are matched case-insensitively;
// unrecognized directives are ignored, per §6.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{}
	var cur *Entry

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		keyword := strings.ToLower(fields[0])
		args := fields[1:]

		switch keyword {
		case "default":
			if len(args) > 0 {
				cfg.Default = args[0]
			}
		case "label":
			if cur != nil {
				cfg.Entries = append(cfg.Entries, *cur)
			}
			name := ""
			if len(args) > 0 {
				name = args[0]
			}
			cur = &Entry{Label: name}
		case "linux", "kernel":
			if cur != nil && len(args) > 0 {
				cur.Kernel = args[0]
			}
		case "initrd":
			if cur != nil && len(args) > 0 {
				cur.Initrd = args[0]
			}
		case "fdt", "devicetree":
			if cur != nil && len(args) > 0 {
				cur.FDT = args[0]
			}
		case "fdtdir", "devicetreedir":
			if cur != nil && len(args) > 0 {
				cur.FDTDir = args[0]
			}
		case "fdtoverlays", "devicetree-overlay":
			if cur != nil {
				cur.Overlays = append(cur.Overlays, args...)
			}
		case "append":
			if cur != nil {
				idx := strings.Index(line, fields[0])
				cur.Append = strings.TrimSpace(line[idx+len(fields[0]):])
			}
		default:
			// unknown directives are ignored, per §6
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cannot read extlinux.conf: %w", err)
	}
	if cur != nil {
		cfg.Entries = append(cfg.Entries, *cur)
	}

	return cfg, nil
}

// ErrNoMatchingLabel is returned by SelectLabel when no entry matches
// the dispatcher's slot-suffix rule. The dispatcher treats this as
// fail-fast: it must never silently boot the wrong slot (§4.3, §7).
var ErrNoMatchingLabel = fmt.Errorf("no extlinux label matches the selected slot")

// SelectLabel implements §4.3 step 10's selection rule: if the file
// defines "default <base>", the wanted label is "<base>_<slot>";
// otherwise the first label ending in "_<slot>" is used.
func SelectLabel(cfg *Config, slotLetter string) (*Entry, error) {
	suffix := "_" + slotLetter

	if cfg.Default != "" {
		want := cfg.Default + suffix
		for i := range cfg.Entries {
			if cfg.Entries[i].Label == want {
				return &cfg.Entries[i], nil
			}
		}
		return nil, fmt.Errorf("%w: default %q has no %q entry", ErrNoMatchingLabel, cfg.Default, want)
	}

	for i := range cfg.Entries {
		if strings.HasSuffix(cfg.Entries[i].Label, suffix) {
			return &cfg.Entries[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no label ending in %q", ErrNoMatchingLabel, suffix)
}

// DirLister is the slice of the (externally owned) filesystem driver
// that device-tree directory resolution needs: listing the names
// present in a directory of the mounted slot filesystem.
type DirLister interface {
	ReadDir(dir string) ([]string, error)
}

// ResolveFDTDir searches entry.FDTDir (supplementing plain "fdt") for a
// device tree matching compatible, falling back to the first "*.dtb"
// present. It returns "" if FDTDir is unset.
func ResolveFDTDir(fs DirLister, entry *Entry, compatible string) (string, error) {
	if entry.FDTDir == "" {
		return "", nil
	}

	names, err := fs.ReadDir(entry.FDTDir)
	if err != nil {
		return "", fmt.Errorf("cannot search fdtdir %q: %w", entry.FDTDir, err)
	}

	if compatible != "" {
		for _, name := range names {
			if strings.Contains(name, compatible) && strings.HasSuffix(name, ".dtb") {
				return path.Join(entry.FDTDir, name), nil
			}
		}
	}

	for _, name := range names {
		ok, _ := doublestar.Match("*.dtb", name)
		if ok {
			return path.Join(entry.FDTDir, name), nil
		}
	}

	return "", fmt.Errorf("no device tree found under fdtdir %q", entry.FDTDir)
}

// ExpandOverlays resolves each of entry.Overlays against the mounted
// filesystem, allowing glob patterns (e.g. "overlays/*.dtbo") the way
// some extlinux producers emit them; entries with no glob metacharacter
// pass through unchanged without touching fs.
func ExpandOverlays(fs DirLister, entry *Entry) ([]string, error) {
	var out []string
	for _, pattern := range entry.Overlays {
		if !doublestar.ValidatePattern(pattern) || !strings.ContainsAny(pattern, "*?[") {
			out = append(out, pattern)
			continue
		}

		dir := path.Dir(pattern)
		base := path.Base(pattern)
		names, err := fs.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("cannot expand overlay pattern %q: %w", pattern, err)
		}
		for _, name := range names {
			ok, _ := doublestar.Match(base, name)
			if ok {
				out = append(out, path.Join(dir, name))
			}
		}
	}
	return out, nil
}
