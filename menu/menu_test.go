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

// Run() drives golang.org/x/term.MakeRaw over a real terminal file
// descriptor, which a unit test has no way to fake; it is exercised
// manually on target hardware instead. These tests cover Countdown,
// which only needs an io.Reader/io.Writer pair, and RunAction, which
// needs neither.
package menu_test

import (
	"bytes"
	"fmt"
	"io"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/Spin42/lk2nd/menu"
)

func Test(t *testing.T) { TestingT(t) }

type menuSuite struct{}

var _ = Suite(&menuSuite{})

func (s *menuSuite) TestCountdownCancelledByKeypress(c *C) {
	r, w := io.Pipe()
	go func() {
		time.Sleep(10 * time.Millisecond)
		w.Write([]byte("q"))
	}()

	var out bytes.Buffer
	cancelled := menu.Countdown(r, &out, 5*time.Second)
	c.Assert(cancelled, Equals, true)
}

func (s *menuSuite) TestCountdownTimesOutWithNoInput(c *C) {
	r, _ := io.Pipe() // never written to
	var out bytes.Buffer
	cancelled := menu.Countdown(r, &out, 300*time.Millisecond)
	c.Assert(cancelled, Equals, false)
}

func (s *menuSuite) TestCountdownZeroTimeoutNeverWaits(c *C) {
	r, _ := io.Pipe()
	var out bytes.Buffer
	cancelled := menu.Countdown(r, &out, 0)
	c.Assert(cancelled, Equals, false)
}

func (s *menuSuite) TestRunActionInvokesSelected(c *C) {
	ran := false
	actions := []menu.Action{
		{Label: "continue", Run: func() error { ran = true; return nil }},
	}
	c.Assert(menu.RunAction(actions, 0), IsNil)
	c.Assert(ran, Equals, true)
}

func (s *menuSuite) TestRunActionPropagatesError(c *C) {
	actions := []menu.Action{
		{Label: "broken", Run: func() error { return fmt.Errorf("boom") }},
	}
	c.Assert(menu.RunAction(actions, 0), ErrorMatches, "boom")
}

func (s *menuSuite) TestRunActionOutOfRangeIsNoop(c *C) {
	c.Assert(menu.RunAction(nil, 3), IsNil)
}
