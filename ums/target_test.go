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

package ums_test

import (
	"encoding/binary"
	"os"
	"path/filepath"

	. "gopkg.in/check.v1"

	"github.com/Spin42/lk2nd/blockio"
	"github.com/Spin42/lk2nd/ums"
)

type targetSuite struct{}

var _ = Suite(&targetSuite{})

func (s *targetSuite) TestMaxTransferBytesFor(c *C) {
	c.Assert(ums.MaxTransferBytesFor("legacy") < ums.MaxTransferBytesFor("dwc"), Equals, true)
	c.Assert(ums.MaxTransferBytesFor("dwc"), Equals, 16*1024*1024)
}

// TestMainLoopRoundtripsOneInquiry drives a full CBW -> SCSI -> CSW
// cycle over the SimulatedController, the way a real host issuing a
// single INQUIRY would, to check the transport and command layers are
// wired together correctly end to end.
func (s *targetSuite) TestMainLoopRoundtripsOneInquiry(c *C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "data.img")
	f, err := os.Create(path)
	c.Assert(err, IsNil)
	c.Assert(f.Truncate(512*16), IsNil)
	c.Assert(f.Close(), IsNil)

	backend := blockio.NewFileBackend(dir)
	c.Assert(backend.RegisterDevice("data", path, ""), IsNil)
	dev, err := backend.Open("data")
	c.Assert(err, IsNil)

	target, err := ums.NewTarget(dev, ums.Options{})
	c.Assert(err, IsNil)

	ctrl := ums.NewSimulatedController(4096)
	stop := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- target.EnterMode(ctrl, ums.GadgetDescriptor{MaxPacket: 512}, stop)
	}()

	cbwBuf := make([]byte, ums.CBWSize)
	binary.LittleEndian.PutUint32(cbwBuf[0:4], ums.CBWSignature)
	binary.LittleEndian.PutUint32(cbwBuf[4:8], 0x77)
	binary.LittleEndian.PutUint32(cbwBuf[8:12], 36)
	cbwBuf[12] = 0x80
	cbwBuf[14] = 6
	cbwBuf[15] = 0x12 // INQUIRY

	ctrl.HostSend(cbwBuf)
	inquiryResp := ctrl.HostReceive()
	c.Assert(inquiryResp, HasLen, 36)

	cswBuf := ctrl.HostReceive()
	c.Assert(cswBuf[0:4], DeepEquals, []byte{0x55, 0x53, 0x42, 0x53})
	c.Assert(binary.LittleEndian.Uint32(cswBuf[4:8]), Equals, uint32(0x77))
	c.Assert(cswBuf[12], Equals, byte(0)) // status good

	// MainLoop is blocked reading the next CBW; signal Stop and feed one
	// more (discarded) transfer so it notices and unwinds EnterMode.
	target.Stop()
	ctrl.HostSend(make([]byte, ums.CBWSize))
	c.Assert(<-done, IsNil)
}
