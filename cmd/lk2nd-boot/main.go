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

// Command lk2nd-boot is the boot core's entrypoint, one subcommand per
// top-level action, in the same cmd_<name>.go-per-subcommand layout
// snapd uses for cmd/snap-bootstrap.
package main

import (
	"fmt"
	"io"
	"os"

	flags "github.com/jessevdk/go-flags"

	"github.com/Spin42/lk2nd/blockio"
	"github.com/Spin42/lk2nd/bootdispatch"
	"github.com/Spin42/lk2nd/dirs"
	"github.com/Spin42/lk2nd/logger"
	"github.com/Spin42/lk2nd/ums"
)

// Platform bundles every external collaborator §1 excludes from this
// core's scope: the block I/O provider, the filesystem driver, the
// kernel loader, a constructor for the USB controller family in use,
// and the serial console. A board integration sets Current before
// calling Parser().Parse(); this repository's job ends at the
// interfaces these collaborators implement (blockio.Provider,
// bootdispatch.Mounter, bootdispatch.KernelLoader, ums.Controller).
type Platform struct {
	Storage    blockio.Provider
	Mounter    bootdispatch.Mounter
	Loader     bootdispatch.KernelLoader
	Controller func(controllerType string) ums.Controller
	Console    io.ReadWriter
}

// Current is the platform binding in effect. It is nil until a board
// integration sets it; running a subcommand without one set fails
// fast rather than panicking deep inside a collaborator call.
var Current *Platform

type options struct {
	ConfigFile string `short:"c" long:"config" description:"path to the boot config file" default:""`
}

var opts options

// Parser builds the top-level go-flags parser and registers every
// subcommand, mirroring main.Parser() in cmd/snap-bootstrap.
func Parser() *flags.Parser {
	p := flags.NewParser(&opts, flags.Default)
	p.AddCommand("boot", "Run the A/B boot sequence", "Runs the pre-boot dispatcher and hands off to the selected slot's kernel.", &cmdBoot{})
	p.AddCommand("ums", "Expose a partition over USB mass storage", "Runs the USB Mass Storage target on a named partition until the serial console sends 'q'.", &cmdUMS{})
	return p
}

func configPath() string {
	if opts.ConfigFile != "" {
		return opts.ConfigFile
	}
	return dirs.ConfigFile()
}

func requirePlatform() (*Platform, error) {
	if Current == nil {
		return nil, fmt.Errorf("no platform binding set; this build was not wired to a board integration")
	}
	return Current, nil
}

func main() {
	if _, err := Parser().Parse(); err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		logger.Errorf("lk2nd-boot: %v", err)
		os.Exit(1)
	}
}
