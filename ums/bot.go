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

// Package ums implements the USB Mass Storage Bulk-Only Transport
// target: the Command/Status Wrapper framing, a minimal SCSI command
// set, and the controller abstraction that bridges chunked bulk
// transfers to byte-addressed block I/O (§4.4). It is grounded on the
// ardnew/softusb MSC class driver's CBW/CSW handling, adapted to this
// core's single-LUN, direct block I/O model.
package ums

import (
	"encoding/binary"
	"fmt"
)

const (
	// CBWSignature is "USBC" and CSWSignature is "USBS", both little-endian.
	CBWSignature uint32 = 0x43425355
	CSWSignature uint32 = 0x53425355

	CBWSize = 31
	CSWSize = 13

	cbwFlagDataIn = 0x80
)

// Status values a CSW may carry (§3).
const (
	StatusGood       uint8 = 0
	StatusFailed     uint8 = 1
	StatusPhaseError uint8 = 2
)

// CBW is the 31-byte Command Block Wrapper a host sends to start a
// SCSI command (§3).
type CBW struct {
	Tag                uint32
	DataTransferLength uint32
	Flags              uint8
	LUN                uint8
	CBLength           uint8
	CB                 [16]byte
}

// DataIn reports whether the command expects device-to-host data.
func (c *CBW) DataIn() bool { return c.Flags&cbwFlagDataIn != 0 }

// Opcode is the SCSI command byte, cb[0].
func (c *CBW) Opcode() byte { return c.CB[0] }

// ParseCBW decodes buf (which must be exactly CBWSize bytes) into a
// CBW, reporting false if the signature doesn't match or the length is
// wrong — the "stall condition" of §4.4 main loop step 4.
func ParseCBW(buf []byte) (*CBW, bool) {
	if len(buf) != CBWSize {
		return nil, false
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != CBWSignature {
		return nil, false
	}

	cbw := &CBW{
		Tag:                binary.LittleEndian.Uint32(buf[4:8]),
		DataTransferLength: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:              buf[12],
		LUN:                buf[13],
		CBLength:           buf[14],
	}
	copy(cbw.CB[:], buf[15:31])
	return cbw, true
}

// CSW is the 13-byte Command Status Wrapper sent back for every CBW.
type CSW struct {
	Tag         uint32
	DataResidue uint32
	Status      uint8
}

// NewCSW builds a CSW echoing tag, per §4.4 main loop step 6.
func NewCSW(tag uint32, residue uint32, status uint8) CSW {
	return CSW{Tag: tag, DataResidue: residue, Status: status}
}

// MarshalTo writes the CSW into buf (which must be at least CSWSize
// bytes) and returns the number of bytes written.
func (c CSW) MarshalTo(buf []byte) (int, error) {
	if len(buf) < CSWSize {
		return 0, fmt.Errorf("csw buffer too small: %d < %d", len(buf), CSWSize)
	}
	binary.LittleEndian.PutUint32(buf[0:4], CSWSignature)
	binary.LittleEndian.PutUint32(buf[4:8], c.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], c.DataResidue)
	buf[12] = c.Status
	return CSWSize, nil
}
