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

package extlinux_test

import (
	"strings"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/Spin42/lk2nd/extlinux"
)

func Test(t *testing.T) { TestingT(t) }

type extlinuxSuite struct{}

var _ = Suite(&extlinuxSuite{})

const sample = `
# comment line, ignored
default linux

label linux_A
	linux /boot/A/zImage
	initrd /boot/A/initrd.img
	fdt /boot/A/dtb
	fdtoverlays /boot/A/overlays/a.dtbo /boot/A/overlays/b.dtbo
	append root=/dev/ab-slot ro quiet

label linux_B
	kernel /boot/B/zImage
	devicetree /boot/B/dtb
	append root=/dev/ab-slot ro quiet lk2nd.pass-simplefb=autorefresh,xrgb8888

frobnicate something unknown-directive
`

func (s *extlinuxSuite) TestParseBasic(c *C) {
	cfg, err := extlinux.Parse(strings.NewReader(sample))
	c.Assert(err, IsNil)
	c.Assert(cfg.Default, Equals, "linux")
	c.Assert(cfg.Entries, HasLen, 2)

	a := cfg.Entries[0]
	c.Assert(a.Label, Equals, "linux_A")
	c.Assert(a.Kernel, Equals, "/boot/A/zImage")
	c.Assert(a.Initrd, Equals, "/boot/A/initrd.img")
	c.Assert(a.FDT, Equals, "/boot/A/dtb")
	c.Assert(a.Overlays, DeepEquals, []string{"/boot/A/overlays/a.dtbo", "/boot/A/overlays/b.dtbo"})
	c.Assert(a.Append, Equals, "root=/dev/ab-slot ro quiet")

	b := cfg.Entries[1]
	c.Assert(b.Label, Equals, "linux_B")
	c.Assert(b.Kernel, Equals, "/boot/B/zImage")
	c.Assert(b.FDT, Equals, "/boot/B/dtb")
	c.Assert(b.Append, Equals, "root=/dev/ab-slot ro quiet lk2nd.pass-simplefb=autorefresh,xrgb8888")
}

func (s *extlinuxSuite) TestSelectLabelWithDefault(c *C) {
	cfg, err := extlinux.Parse(strings.NewReader(sample))
	c.Assert(err, IsNil)

	entry, err := extlinux.SelectLabel(cfg, "A")
	c.Assert(err, IsNil)
	c.Assert(entry.Label, Equals, "linux_A")

	entry, err = extlinux.SelectLabel(cfg, "B")
	c.Assert(err, IsNil)
	c.Assert(entry.Label, Equals, "linux_B")
}

func (s *extlinuxSuite) TestSelectLabelWithoutDefaultUsesSuffix(c *C) {
	const noDefault = `
label other_A
	linux /boot/k
label other_B
	linux /boot/k2
`
	cfg, err := extlinux.Parse(strings.NewReader(noDefault))
	c.Assert(err, IsNil)
	c.Assert(cfg.Default, Equals, "")

	entry, err := extlinux.SelectLabel(cfg, "B")
	c.Assert(err, IsNil)
	c.Assert(entry.Label, Equals, "other_B")
}

func (s *extlinuxSuite) TestSelectLabelNoMatchIsFailFast(c *C) {
	cfg, err := extlinux.Parse(strings.NewReader(sample))
	c.Assert(err, IsNil)

	_, err = extlinux.SelectLabel(cfg, "Z")
	c.Assert(err, ErrorMatches, "no extlinux label matches the selected slot.*")
}

type fakeFS struct {
	dirs map[string][]string
}

func (f fakeFS) ReadDir(dir string) ([]string, error) { return f.dirs[dir], nil }

func (s *extlinuxSuite) TestResolveFDTDirPrefersCompatibleMatch(c *C) {
	fs := fakeFS{dirs: map[string][]string{
		"/boot/dtbs": {"other-board.dtb", "my-board.dtb", "readme.txt"},
	}}
	entry := &extlinux.Entry{FDTDir: "/boot/dtbs"}

	got, err := extlinux.ResolveFDTDir(fs, entry, "my-board")
	c.Assert(err, IsNil)
	c.Assert(got, Equals, "/boot/dtbs/my-board.dtb")
}

func (s *extlinuxSuite) TestResolveFDTDirFallsBackToFirstDTB(c *C) {
	fs := fakeFS{dirs: map[string][]string{
		"/boot/dtbs": {"readme.txt", "generic.dtb"},
	}}
	entry := &extlinux.Entry{FDTDir: "/boot/dtbs"}

	got, err := extlinux.ResolveFDTDir(fs, entry, "no-such-board")
	c.Assert(err, IsNil)
	c.Assert(got, Equals, "/boot/dtbs/generic.dtb")
}

func (s *extlinuxSuite) TestExpandOverlaysGlob(c *C) {
	fs := fakeFS{dirs: map[string][]string{
		"/boot/overlays": {"a.dtbo", "b.dtbo", "notes.txt"},
	}}
	entry := &extlinux.Entry{Overlays: []string{"/boot/overlays/*.dtbo", "/boot/fixed.dtbo"}}

	got, err := extlinux.ExpandOverlays(fs, entry)
	c.Assert(err, IsNil)
	c.Assert(got, DeepEquals, []string{"/boot/overlays/a.dtbo", "/boot/overlays/b.dtbo", "/boot/fixed.dtbo"})
}
