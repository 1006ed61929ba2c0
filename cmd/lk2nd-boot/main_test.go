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

package main

import (
	"testing"

	. "gopkg.in/check.v1"
)

func Test(t *testing.T) { TestingT(t) }

type mainSuite struct{}

var _ = Suite(&mainSuite{})

func (s *mainSuite) TestParserRegistersSubcommands(c *C) {
	p := Parser()
	names := map[string]bool{}
	for _, cmd := range p.Commands() {
		names[cmd.Name] = true
	}
	c.Assert(names["boot"], Equals, true)
	c.Assert(names["ums"], Equals, true)
}

func (s *mainSuite) TestConfigPathDefaultsToDirsConfigFile(c *C) {
	opts.ConfigFile = ""
	c.Assert(configPath(), Equals, "/etc/lk2nd/lk2nd.conf")
}

func (s *mainSuite) TestConfigPathHonorsOverride(c *C) {
	opts.ConfigFile = "/tmp/custom.conf"
	defer func() { opts.ConfigFile = "" }()
	c.Assert(configPath(), Equals, "/tmp/custom.conf")
}

func (s *mainSuite) TestRequirePlatformFailsWithoutBinding(c *C) {
	saved := Current
	Current = nil
	defer func() { Current = saved }()

	_, err := requirePlatform()
	c.Assert(err, ErrorMatches, "no platform binding set.*")
}
