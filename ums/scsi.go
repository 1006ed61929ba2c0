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

package ums

import "encoding/binary"

// SCSI opcodes this target understands, per §4.4's command table. The
// set and the numeric values are grounded on ardnew/softusb's MSC class
// constants, trimmed to the commands a read/write block target needs.
const (
	opTestUnitReady       = 0x00
	opRequestSense        = 0x03
	opInquiry             = 0x12
	opModeSense6          = 0x1a
	opStartStop           = 0x1b
	opPreventAllow        = 0x1e
	opVerify10            = 0x2f
	opReadFormatCapacities = 0x23
	opReadCapacity10      = 0x25
	opRead10              = 0x28
	opWrite10             = 0x2a
)

// Sense key / ASC / ASCQ triples this target can report via REQUEST
// SENSE, a subset of the SCSI sense code space.
const (
	senseNoSense        = 0x00
	senseNotReady       = 0x02
	senseMediumError    = 0x03
	senseIllegalRequest = 0x05
	senseDataProtect    = 0x07

	ascNone                     = 0x00
	ascInvalidCommandOpcode     = 0x20
	ascLBAOutOfRange            = 0x21
	ascInvalidFieldInCDB        = 0x24
	ascWriteProtected           = 0x27
	ascMediumNotPresent         = 0x3a
)

// senseTriple is the (key, asc, ascq) the next REQUEST SENSE reports.
type senseTriple struct {
	key, asc, ascq byte
}

func (t *Target) setSense(key, asc, ascq byte) {
	t.sense = senseTriple{key, asc, ascq}
}

func (t *Target) clearSense() {
	t.sense = senseTriple{}
}

// HandleCommand dispatches one parsed CBW's SCSI command, using dp for
// any data-stage transfer the command requires, and returns the CSW
// status and data residue (§4.4 steps 5–6). It is the seam §8's
// read/write scenarios test directly, without a controller or real
// endpoints.
func (t *Target) HandleCommand(cbw *CBW, dp DataPhase) (status uint8, residue uint32) {
	switch cbw.Opcode() {
	case opTestUnitReady:
		return t.scsiTestUnitReady()
	case opRequestSense:
		return t.scsiRequestSense(cbw, dp)
	case opInquiry:
		return t.scsiInquiry(cbw, dp)
	case opModeSense6:
		return t.scsiModeSense6(cbw, dp)
	case opStartStop, opPreventAllow, opVerify10:
		t.clearSense()
		return StatusGood, 0
	case opReadFormatCapacities:
		t.setSense(senseIllegalRequest, ascInvalidCommandOpcode, 0)
		return StatusFailed, cbw.DataTransferLength
	case opReadCapacity10:
		return t.scsiReadCapacity10(cbw, dp)
	case opRead10:
		return t.scsiRead10(cbw, dp)
	case opWrite10:
		return t.scsiWrite10(cbw, dp)
	default:
		t.setSense(senseIllegalRequest, ascInvalidCommandOpcode, 0)
		return StatusFailed, cbw.DataTransferLength
	}
}

func (t *Target) scsiTestUnitReady() (uint8, uint32) {
	if !t.mounted {
		t.setSense(senseNotReady, ascMediumNotPresent, 0)
		return StatusFailed, 0
	}
	t.clearSense()
	return StatusGood, 0
}

func (t *Target) scsiRequestSense(cbw *CBW, dp DataPhase) (uint8, uint32) {
	resp := make([]byte, 18)
	resp[0] = 0x70 // fixed format, current errors
	resp[2] = t.sense.key
	resp[7] = 10 // additional sense length
	resp[12] = t.sense.asc
	resp[13] = t.sense.ascq

	n := len(resp)
	if int(cbw.DataTransferLength) < n {
		n = int(cbw.DataTransferLength)
	}
	if err := dp.SendToHost(resp[:n]); err != nil {
		return StatusPhaseError, 0
	}
	t.clearSense()
	return StatusGood, cbw.DataTransferLength - uint32(n)
}

func (t *Target) scsiInquiry(cbw *CBW, dp DataPhase) (uint8, uint32) {
	resp := make([]byte, 36)
	resp[0] = 0x00 // direct access block device
	resp[1] = 0x80 // removable
	resp[2] = 0x04 // SPC-2 compliance
	resp[3] = 0x02 // response data format
	resp[4] = byte(len(resp) - 5)
	copy(resp[8:16], []byte("lk2nd   "))
	copy(resp[16:32], []byte("boot core UMS LU"))
	copy(resp[32:36], []byte("1.0 "))

	n := len(resp)
	if int(cbw.DataTransferLength) < n {
		n = int(cbw.DataTransferLength)
	}
	if err := dp.SendToHost(resp[:n]); err != nil {
		return StatusPhaseError, 0
	}
	t.clearSense()
	return StatusGood, cbw.DataTransferLength - uint32(n)
}

func (t *Target) scsiModeSense6(cbw *CBW, dp DataPhase) (uint8, uint32) {
	resp := make([]byte, 4)
	resp[0] = 3 // mode data length
	if t.readOnly {
		resp[2] = 0x80 // write-protect bit
	}

	n := len(resp)
	if int(cbw.DataTransferLength) < n {
		n = int(cbw.DataTransferLength)
	}
	if err := dp.SendToHost(resp[:n]); err != nil {
		return StatusPhaseError, 0
	}
	t.clearSense()
	return StatusGood, cbw.DataTransferLength - uint32(n)
}

func (t *Target) scsiReadCapacity10(cbw *CBW, dp DataPhase) (uint8, uint32) {
	if !t.mounted {
		t.setSense(senseNotReady, ascMediumNotPresent, 0)
		return StatusFailed, cbw.DataTransferLength
	}

	resp := make([]byte, 8)
	lastLBA := uint32(t.blockCount - 1)
	binary.BigEndian.PutUint32(resp[0:4], lastLBA)
	binary.BigEndian.PutUint32(resp[4:8], uint32(t.blockSize))

	if err := dp.SendToHost(resp); err != nil {
		return StatusPhaseError, 0
	}
	t.clearSense()
	residue := cbw.DataTransferLength - uint32(len(resp))
	return StatusGood, residue
}

func (t *Target) lbaAndCount10(cbw *CBW) (lba uint32, count uint16) {
	lba = binary.BigEndian.Uint32(cbw.CB[2:6])
	count = binary.BigEndian.Uint16(cbw.CB[7:9])
	return
}

func (t *Target) scsiRead10(cbw *CBW, dp DataPhase) (uint8, uint32) {
	if !t.mounted {
		t.setSense(senseNotReady, ascMediumNotPresent, 0)
		return StatusFailed, cbw.DataTransferLength
	}

	lba, count := t.lbaAndCount10(cbw)
	if uint64(lba)+uint64(count) > uint64(t.blockCount) {
		t.setSense(senseIllegalRequest, ascInvalidFieldInCDB, 0)
		return StatusFailed, cbw.DataTransferLength
	}

	n := int(count) * t.blockSize
	buf := make([]byte, n)
	if _, err := t.partition.ReadAt(buf, int64(lba)*int64(t.blockSize)); err != nil {
		t.setSense(senseMediumError, ascNone, 0)
		return StatusFailed, cbw.DataTransferLength
	}
	if err := dp.SendToHost(buf); err != nil {
		return StatusPhaseError, 0
	}

	t.clearSense()
	residue := cbw.DataTransferLength - uint32(n)
	return StatusGood, residue
}

func (t *Target) scsiWrite10(cbw *CBW, dp DataPhase) (uint8, uint32) {
	if !t.mounted {
		t.setSense(senseNotReady, ascMediumNotPresent, 0)
		return StatusFailed, cbw.DataTransferLength
	}
	if t.readOnly {
		t.setSense(senseIllegalRequest, ascWriteProtected, 0)
		return StatusFailed, cbw.DataTransferLength
	}

	lba, count := t.lbaAndCount10(cbw)
	if uint64(lba)+uint64(count) > uint64(t.blockCount) {
		t.setSense(senseIllegalRequest, ascInvalidFieldInCDB, 0)
		return StatusFailed, cbw.DataTransferLength
	}

	n := int(count) * t.blockSize
	buf := make([]byte, n)
	got, err := dp.ReceiveFromHost(buf)
	if err != nil {
		return StatusPhaseError, 0
	}
	if _, err := t.partition.WriteAt(buf[:got], int64(lba)*int64(t.blockSize)); err != nil {
		t.setSense(senseMediumError, ascNone, 0)
		return StatusFailed, cbw.DataTransferLength
	}

	t.clearSense()
	residue := cbw.DataTransferLength - uint32(got)
	return StatusGood, residue
}
