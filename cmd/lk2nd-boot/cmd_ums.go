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

	"github.com/Spin42/lk2nd/config"
	"github.com/Spin42/lk2nd/ums"
)

// cmdUMS exposes a partition over USB mass storage until the serial
// console sends 'q'/'Q', per §4.4's enter_mode/exit_mode protocol.
type cmdUMS struct {
	Partition string `short:"p" long:"partition" description:"partition name to expose (defaults to the config file's ums_partition)"`
	ReadOnly  bool   `long:"read-only" description:"expose the partition read-only"`
}

// lk2ndVendorID/ProductID are the fixed gadget identifiers §4.4
// requires; values are placeholders pending real VID/PID allocation.
const (
	lk2ndVendorID  = 0x18d1
	lk2ndProductID = 0xd00d
)

func (c *cmdUMS) Execute(args []string) error {
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

	partition := c.Partition
	if partition == "" {
		partition = cfg.UMSPartition
	}
	if partition == "" {
		return fmt.Errorf("no partition given and ums_partition is not set in the config file")
	}

	ctrl := plat.Controller(cfg.ControllerType)
	desc := ums.GadgetDescriptor{
		VendorID:     lk2ndVendorID,
		ProductID:    lk2ndProductID,
		SerialNumber: partition,
		MaxPacket:    ums.MaxPacketFor(cfg.ControllerType),
	}

	stop := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := plat.Console.Read(buf)
			if err != nil {
				close(stop)
				return
			}
			if n > 0 && (buf[0] == 'q' || buf[0] == 'Q') {
				close(stop)
				return
			}
		}
	}()

	return ums.Expose(plat.Storage, partition, ctrl, desc, ums.Options{ReadOnly: c.ReadOnly}, plat.Console, stop)
}
