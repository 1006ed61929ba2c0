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
	"fmt"
	"os"

	"github.com/Spin42/lk2nd/bootdispatch"
	"github.com/Spin42/lk2nd/config"
)

// cmdBoot runs the pre-boot dispatcher, §4.3's whole state machine.
type cmdBoot struct {
	NoFallback bool `long:"no-fallback" description:"report a terminal error instead of scanning for a non-A/B boot candidate"`
}

func (c *cmdBoot) Execute(args []string) error {
	plat, err := requirePlatform()
	if err != nil {
		return err
	}

	f, err := os.Open(configPath())
	if err != nil {
		return fmt.Errorf("cannot open boot config: %w", err)
	}
	defer f.Close()

	cfg, err := config.Parse(f)
	if err != nil {
		return err
	}
	if cfg.BaseDevice != "" {
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	d := &bootdispatch.Dispatcher{
		Config:          cfg,
		Storage:         plat.Storage,
		Mounter:         plat.Mounter,
		Loader:          plat.Loader,
		DisableFallback: c.NoFallback,
	}
	return d.Run()
}
