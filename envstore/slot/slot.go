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

// Package slot implements the A/B slot selector: pure logic over a
// parsed envstore.Store that decides which of the two redundant root
// images to try next and folds over to the other when one is
// exhausted. It never touches the base device directly; the dispatcher
// calls Store.Save once it has finished mutating counters.
package slot

import (
	"errors"
	"strconv"
	"strings"

	"github.com/Spin42/lk2nd/envstore"
	"github.com/Spin42/lk2nd/logger"
)

// Letters recognized in BOOT_ORDER; any other token is silently
// skipped. Intentional, but worth documenting here rather than hiding
// it: an unrecognized letter in BOOT_ORDER silently narrows the set of
// slots ever tried, with no diagnostic.
const (
	SlotA = "A"
	SlotB = "B"
)

// ErrExhausted is returned by Decrement when the named slot's counter
// is already zero.
var ErrExhausted = errors.New("slot counter exhausted")

func leftKey(letter string) string {
	switch letter {
	case SlotA:
		return envstore.KeyLeftA
	case SlotB:
		return envstore.KeyLeftB
	default:
		return ""
	}
}

// order returns the slot letters named in BOOT_ORDER, in order,
// skipping anything that isn't "A" or "B".
func order(st *envstore.Store) []string {
	raw, _ := st.Get(envstore.KeyBootOrder)
	if raw == "" {
		raw = "A B"
	}
	var out []string
	for _, tok := range strings.Fields(raw) {
		if tok == SlotA || tok == SlotB {
			out = append(out, tok)
		}
	}
	if len(out) == 0 {
		out = []string{SlotA, SlotB}
	}
	return out
}

func left(st *envstore.Store, letter string) int {
	key := leftKey(letter)
	if key == "" {
		return 0
	}
	raw, ok := st.Get(key)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// CurrentSlot returns the first slot in BOOT_ORDER with attempts
// remaining. If every slot is exhausted, it logs the condition loudly
// and returns the first slot in BOOT_ORDER as a last-resort attempt
// (§4.2, §7).
func CurrentSlot(st *envstore.Store) string {
	ord := order(st)
	for _, letter := range ord {
		if left(st, letter) > 0 {
			return letter
		}
	}
	logger.Noticef("slot: all slots exhausted, retrying %s as a last resort", ord[0])
	return ord[0]
}

// NextSlot scans BOOT_ORDER starting after current and returns the
// first subsequent slot with attempts remaining. It returns ("", false)
// if current is not in BOOT_ORDER or no successor qualifies.
func NextSlot(st *envstore.Store, current string) (string, bool) {
	ord := order(st)
	idx := -1
	for i, letter := range ord {
		if letter == current {
			idx = i
			break
		}
	}
	if idx == -1 {
		return "", false
	}
	for _, letter := range ord[idx+1:] {
		if left(st, letter) > 0 {
			return letter, true
		}
	}
	return "", false
}

// Decrement consumes one attempt from slot's counter and marks st
// dirty. It returns ErrExhausted, without mutating anything, if the
// counter is already zero.
func Decrement(st *envstore.Store, letter string) error {
	key := leftKey(letter)
	if key == "" {
		return ErrExhausted
	}
	n := left(st, letter)
	if n <= 0 {
		return ErrExhausted
	}
	// Set only ever shrinks or keeps the same width for small decimal
	// counters, so out-of-space here would indicate a mis-sized
	// environment region, not normal operation; surface it as-is.
	return st.Set(key, strconv.Itoa(n-1))
}
