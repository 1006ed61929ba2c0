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

// Package envstore implements the boot core's persistent key/value
// environment: a fixed-size region read from a known byte offset on a
// base block device, framed as a CRC32 header over a packed sequence of
// NUL-terminated KEY=VALUE records. This is a single-flags-byte,
// zero-padded layout rather than a redundant-copy, 0xff-padded one.
package envstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/Spin42/lk2nd/blockio"
	"github.com/Spin42/lk2nd/logger"
)

// header is the fixed 5-byte prefix: 4-byte little-endian CRC32 over
// the payload, then a single flags byte (always 0x01 on write).
const headerSize = 5

const activeFlag = 0x01

// Recognized Boot State keys and their defaults (§3).
const (
	KeyBootOrder = "BOOT_ORDER"
	KeyLeftA     = "BOOT_A_LEFT"
	KeyLeftB     = "BOOT_B_LEFT"

	defaultBootOrder = "A B"
	defaultLeft      = 3
)

// ErrOutOfSpace is returned by Set when the new payload would not fit
// in the fixed-size region.
var ErrOutOfSpace = fmt.Errorf("environment payload out of space")

type entry struct {
	key, value string
}

// Store is the cached, parsed form of one Env Image. It is not
// goroutine-safe; the dispatcher owns it single-threaded during the
// pre-boot sequence (see §5).
type Store struct {
	entries []entry
	dirty   bool
	size    int // total region size, including the 5-byte header
}

// Init opens dev, reads exactly size bytes at offset, and parses the
// Env Image. A CRC mismatch self-heals to an empty, dirty payload
// rather than failing the call (§4.1, §7). Missing boot-state keys are
// materialized with their defaults and also mark the store dirty.
func Init(dev blockio.Device, offset int64, size int) (*Store, error) {
	if size <= headerSize {
		return nil, fmt.Errorf("cannot init environment: size %d too small for header", size)
	}

	buf := make([]byte, size)
	n, err := dev.ReadAt(buf, offset)
	if err != nil {
		return nil, fmt.Errorf("cannot read environment at offset %d: %w", offset, err)
	}
	if n != size {
		return nil, fmt.Errorf("cannot read environment at offset %d: short read (%d of %d bytes)", offset, n, size)
	}

	s := &Store{size: size}

	headerCRC := binary.LittleEndian.Uint32(buf[0:4])
	payload := buf[headerSize:]
	computedCRC := crc32.ChecksumIEEE(payload)

	if headerCRC != computedCRC {
		logger.Noticef("envstore: CRC mismatch at offset %d (have %08x, want %08x), reinitializing", offset, headerCRC, computedCRC)
		s.entries = nil
		s.dirty = true
	} else if entries, perr := parsePayload(payload); perr != nil {
		logger.Noticef("envstore: %v, reinitializing", perr)
		s.entries = nil
		s.dirty = true
	} else {
		s.entries = entries
	}

	s.materializeDefaults()

	return s, nil
}

func parsePayload(payload []byte) ([]entry, error) {
	var entries []entry
	i := 0
	for i < len(payload) {
		j := i
		for j < len(payload) && payload[j] != 0 {
			j++
		}
		if j == len(payload) {
			return nil, fmt.Errorf("unterminated record at offset %d", i)
		}
		record := payload[i:j]
		i = j + 1

		if len(record) == 0 {
			// empty record: end of the list
			return entries, nil
		}

		k, v, ok := strings.Cut(string(record), "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("cannot parse record %q as key=value pair", record)
		}
		entries = append(entries, entry{key: k, value: v})
	}
	// ran off the end without ever seeing the empty terminator record
	return nil, fmt.Errorf("environment payload missing terminating record")
}

func (s *Store) materializeDefaults() {
	if _, ok := s.lookup(KeyBootOrder); !ok {
		s.setRaw(KeyBootOrder, defaultBootOrder)
		s.dirty = true
	}
	if _, ok := s.lookup(KeyLeftA); !ok {
		s.setRaw(KeyLeftA, strconv.Itoa(defaultLeft))
		s.dirty = true
	}
	if _, ok := s.lookup(KeyLeftB); !ok {
		s.setRaw(KeyLeftB, strconv.Itoa(defaultLeft))
		s.dirty = true
	}
}

func (s *Store) lookup(key string) (string, bool) {
	for _, e := range s.entries {
		if e.key == key {
			return e.value, true
		}
	}
	return "", false
}

// setRaw mutates entries without any space check or dirty tracking;
// it is used only by materializeDefaults. Init does not check that the
// defaults fit the region, so a very small region can hold more
// entries than its payload; Save rejects such a store with
// ErrOutOfSpace.
func (s *Store) setRaw(key, value string) {
	for i, e := range s.entries {
		if e.key == key {
			s.entries[i].value = value
			return
		}
	}
	s.entries = append(s.entries, entry{key: key, value: value})
}

// Get performs a linear scan of the payload for key.
func (s *Store) Get(key string) (string, bool) {
	return s.lookup(key)
}

// Set replaces key's value in place, keeping the record's position in
// the payload, or appends a new record if key is absent. Returns
// ErrOutOfSpace without mutating anything if the result would not fit
// in the fixed-size region.
func (s *Store) Set(key, value string) error {
	next := make([]entry, len(s.entries))
	copy(next, s.entries)

	found := false
	for i, e := range next {
		if e.key == key {
			next[i].value = value
			found = true
			break
		}
	}
	if !found {
		next = append(next, entry{key: key, value: value})
	}

	if serializedSize(next) > s.size-headerSize {
		return ErrOutOfSpace
	}

	s.entries = next
	s.dirty = true
	return nil
}

func serializedSize(entries []entry) int {
	n := 1 // terminating empty record
	for _, e := range entries {
		n += len(e.key) + 1 + len(e.value) + 1 // "key=value\x00"
	}
	return n
}

// Dirty reports whether the cached state differs from what was last
// read from or written to disk.
func (s *Store) Dirty() bool { return s.dirty }

// Save is a no-op if the store isn't dirty. Otherwise it recomputes the
// CRC32 over the payload and writes [crc][flags=1][payload] to dev at
// offset in a single write, so a crash can never leave the region
// partially overwritten.
func (s *Store) Save(dev blockio.Device, offset int64) error {
	if !s.dirty {
		return nil
	}

	buf := make([]byte, s.size)
	payload := buf[headerSize:]
	if serializedSize(s.entries) > len(payload) {
		return fmt.Errorf("cannot write environment at offset %d: %w", offset, ErrOutOfSpace)
	}

	pos := 0
	for _, e := range s.entries {
		record := e.key + "=" + e.value
		copy(payload[pos:], record)
		pos += len(record) + 1 // NUL terminator is the zero byte already in buf
	}
	// the remaining bytes, including the terminating empty record and
	// all tail padding, are already zero from make([]byte, ...).

	crc := crc32.ChecksumIEEE(payload)
	binary.LittleEndian.PutUint32(buf[0:4], crc)
	buf[4] = activeFlag

	if _, err := dev.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("cannot write environment at offset %d: %w", offset, err)
	}

	s.dirty = false
	return nil
}

// Free releases the cached payload. After Free, the Store must not be
// used again.
func (s *Store) Free() {
	s.entries = nil
	s.dirty = false
}
