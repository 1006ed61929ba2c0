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

func createBackingFile(c *C, dir string, size int64) string {
	path := filepath.Join(dir, "data.img")
	f, err := os.Create(path)
	c.Assert(err, IsNil)
	c.Assert(f.Truncate(size), IsNil)
	c.Assert(f.Close(), IsNil)
	return path
}

type scsiSuite struct{}

var _ = Suite(&scsiSuite{})

// recordingDataPhase is a ums.DataPhase test double: SendToHost records
// what the target wanted to transmit, and ReceiveFromHost replays bytes
// queued in advance — enough to exercise HandleCommand without a real
// controller or bulk endpoints.
type recordingDataPhase struct {
	sent     []byte
	toDeliver []byte
}

func (d *recordingDataPhase) SendToHost(data []byte) error {
	d.sent = append([]byte{}, data...)
	return nil
}

func (d *recordingDataPhase) ReceiveFromHost(buf []byte) (int, error) {
	n := copy(buf, d.toDeliver)
	return n, nil
}

func read10CBW(lba uint32, count uint16, dataLen uint32) *ums.CBW {
	buf := make([]byte, ums.CBWSize)
	binary.LittleEndian.PutUint32(buf[0:4], ums.CBWSignature)
	binary.LittleEndian.PutUint32(buf[8:12], dataLen)
	buf[12] = 0x80
	buf[14] = 10
	buf[15] = 0x28
	binary.BigEndian.PutUint32(buf[17:21], lba)
	binary.BigEndian.PutUint16(buf[22:24], count)
	cbw, _ := ums.ParseCBW(buf)
	return cbw
}

func write10CBW(lba uint32, count uint16, dataLen uint32) *ums.CBW {
	cbw := read10CBW(lba, count, dataLen)
	cbw.Flags = 0
	cbw.CB[0] = 0x2a
	return cbw
}

func (s *scsiSuite) newTarget(c *C, size int64) (*ums.Target, blockio.Device) {
	dir := c.MkDir()
	path := createBackingFile(c, dir, size)
	backend := blockio.NewFileBackend(dir)
	c.Assert(backend.RegisterDevice("data", path, ""), IsNil)
	dev, err := backend.Open("data")
	c.Assert(err, IsNil)

	target, err := ums.NewTarget(dev, ums.Options{})
	c.Assert(err, IsNil)
	return target, dev
}

func (s *scsiSuite) TestTestUnitReadyGood(c *C) {
	target, _ := s.newTarget(c, 4096)
	cbw := read10CBW(0, 0, 0)
	cbw.CB[0] = 0x00
	status, residue := target.HandleCommand(cbw, &recordingDataPhase{})
	c.Assert(status, Equals, ums.StatusGood)
	c.Assert(residue, Equals, uint32(0))
}

func (s *scsiSuite) TestInquiryReturnsVendorData(c *C) {
	target, _ := s.newTarget(c, 4096)
	cbw := read10CBW(0, 0, 36)
	cbw.CB[0] = 0x12
	dp := &recordingDataPhase{}
	status, residue := target.HandleCommand(cbw, dp)
	c.Assert(status, Equals, ums.StatusGood)
	c.Assert(residue, Equals, uint32(0))
	c.Assert(dp.sent, HasLen, 36)
}

func (s *scsiSuite) TestReadCapacity10(c *C) {
	target, _ := s.newTarget(c, 512*10)
	cbw := read10CBW(0, 0, 8)
	cbw.CB[0] = 0x25
	dp := &recordingDataPhase{}
	status, _ := target.HandleCommand(cbw, dp)
	c.Assert(status, Equals, ums.StatusGood)
	c.Assert(binary.BigEndian.Uint32(dp.sent[0:4]), Equals, uint32(9)) // last LBA
	c.Assert(binary.BigEndian.Uint32(dp.sent[4:8]), Equals, uint32(512))
}

func (s *scsiSuite) TestRead10RoundtripsPartitionContents(c *C) {
	target, dev := s.newTarget(c, 512*10)
	want := make([]byte, 512)
	for i := range want {
		want[i] = byte(i)
	}
	_, err := dev.WriteAt(want, 512*2)
	c.Assert(err, IsNil)

	cbw := read10CBW(2, 1, 512)
	dp := &recordingDataPhase{}
	status, residue := target.HandleCommand(cbw, dp)
	c.Assert(status, Equals, ums.StatusGood)
	c.Assert(residue, Equals, uint32(0))
	c.Assert(dp.sent, DeepEquals, want)
}

func (s *scsiSuite) TestRead10OutOfRangeFails(c *C) {
	target, _ := s.newTarget(c, 512*4)
	cbw := read10CBW(10, 1, 512)
	status, _ := target.HandleCommand(cbw, &recordingDataPhase{})
	c.Assert(status, Equals, ums.StatusFailed)
}

func (s *scsiSuite) TestWrite10PersistsToPartition(c *C) {
	target, dev := s.newTarget(c, 512*10)
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(255 - i)
	}

	cbw := write10CBW(3, 1, 512)
	dp := &recordingDataPhase{toDeliver: payload}
	status, residue := target.HandleCommand(cbw, dp)
	c.Assert(status, Equals, ums.StatusGood)
	c.Assert(residue, Equals, uint32(0))

	got := make([]byte, 512)
	_, err := dev.ReadAt(got, 512*3)
	c.Assert(err, IsNil)
	c.Assert(got, DeepEquals, payload)
}

func (s *scsiSuite) TestWrite10RejectedWhenReadOnly(c *C) {
	dir := c.MkDir()
	path := createBackingFile(c, dir, 512*4)
	backend := blockio.NewFileBackend(dir)
	c.Assert(backend.RegisterDevice("data", path, ""), IsNil)
	dev, err := backend.Open("data")
	c.Assert(err, IsNil)

	target, err := ums.NewTarget(dev, ums.Options{ReadOnly: true})
	c.Assert(err, IsNil)

	cbw := write10CBW(0, 1, 512)
	dp := &recordingDataPhase{toDeliver: make([]byte, 512)}
	status, _ := target.HandleCommand(cbw, dp)
	c.Assert(status, Equals, ums.StatusFailed)
}

func (s *scsiSuite) TestUnsupportedOpcodeFails(c *C) {
	target, _ := s.newTarget(c, 4096)
	cbw := read10CBW(0, 0, 0)
	cbw.CB[0] = 0x7f
	status, _ := target.HandleCommand(cbw, &recordingDataPhase{})
	c.Assert(status, Equals, ums.StatusFailed)
}

func (s *scsiSuite) TestRequestSenseReflectsPriorFailure(c *C) {
	target, _ := s.newTarget(c, 512*4)

	bad := read10CBW(10, 1, 512)
	target.HandleCommand(bad, &recordingDataPhase{})

	senseCBW := read10CBW(0, 0, 18)
	senseCBW.CB[0] = 0x03
	dp := &recordingDataPhase{}
	status, _ := target.HandleCommand(senseCBW, dp)
	c.Assert(status, Equals, ums.StatusGood)
	c.Assert(dp.sent[2], Equals, byte(0x05))  // ILLEGAL REQUEST
	c.Assert(dp.sent[12], Equals, byte(0x24)) // invalid field in CDB
}
