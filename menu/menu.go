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

// Package menu implements the serial-console boot menu: a cancellable
// countdown (§2 control flow) and, if cancelled, a VT100 menu of boot
// actions drawn over the same raw-mode terminal. It uses x/term's
// raw-mode idiom and go-runewidth for column-accurate layout of labels
// that may carry wide glyphs.
package menu

import (
	"fmt"
	"io"
	"time"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/Spin42/lk2nd/logger"
)

// Action is one selectable menu entry: a label and the function run
// when the user picks it. Entries are supplementary to the plain
// two-slot A/B boot flow — "continue booting", "expose storage over
// USB", and so on.
type Action struct {
	Label string
	Run   func() error
}

// Countdown waits for up to timeout for a single keypress on r
// (raced against the clock), redrawing a one-line "booting in N s,
// press any key for the menu..." status every 250 ms. It returns
// true if the user cancelled by pressing a key before the deadline.
func Countdown(r io.Reader, w io.Writer, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}

	keyCh := make(chan struct{}, 1)
	go func() {
		buf := make([]byte, 1)
		if _, err := r.Read(buf); err == nil {
			keyCh <- struct{}{}
		}
	}()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			fmt.Fprint(w, "\r\n")
			return false
		}
		fmt.Fprintf(w, "\rbooting in %d s, press any key for the menu...", int(remaining.Round(time.Second)/time.Second))

		select {
		case <-keyCh:
			fmt.Fprint(w, "\r\n")
			return true
		case <-ticker.C:
		}
	}
}

// columnWidth is the fixed display width menu labels are padded to, so
// selection markers line up regardless of how wide each label's glyphs
// render.
const columnWidth = 40

// Run draws actions as a numbered list and reads single keypresses from
// a raw-mode terminal wrapping fd until the user selects one (Enter) or
// exits (q/Q), returning the selected action's index, or -1 on exit.
// Navigation accepts arrow keys (as the usual ANSI escape sequences),
// 'j'/'k' (vi-style), and the digit keys 1-9 as a direct jump.
func Run(fd int, r io.Reader, w io.Writer, actions []Action) (int, error) {
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return -1, fmt.Errorf("cannot enter raw terminal mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	cursor := 0
	draw := func() {
		fmt.Fprint(w, "\r\n")
		for i, a := range actions {
			marker := "  "
			if i == cursor {
				marker = "> "
			}
			label := runewidth.Truncate(a.Label, columnWidth, "...")
			fmt.Fprintf(w, "\r%s%2d) %-*s\r\n", marker, i+1, columnWidth, label)
		}
	}
	draw()

	buf := make([]byte, 3)
	for {
		n, err := r.Read(buf)
		if err != nil {
			return -1, fmt.Errorf("cannot read menu input: %w", err)
		}
		if n == 0 {
			continue
		}

		switch {
		case buf[0] == 'q' || buf[0] == 'Q':
			return -1, nil
		case buf[0] == '\r' || buf[0] == '\n':
			return cursor, nil
		case buf[0] == 'k' || (n == 3 && buf[2] == 'A'): // up / ESC [ A
			if cursor > 0 {
				cursor--
			}
			draw()
		case buf[0] == 'j' || (n == 3 && buf[2] == 'B'): // down / ESC [ B
			if cursor < len(actions)-1 {
				cursor++
			}
			draw()
		case buf[0] >= '1' && buf[0] <= '9':
			idx := int(buf[0] - '1')
			if idx < len(actions) {
				cursor = idx
				draw()
			}
		}
	}
}

// RunAction invokes the selected action, logging its outcome the way
// the rest of the boot core reports terminal failures.
func RunAction(actions []Action, idx int) error {
	if idx < 0 || idx >= len(actions) {
		return nil
	}
	logger.Noticef("menu: running action %q", actions[idx].Label)
	if err := actions[idx].Run(); err != nil {
		logger.Errorf("menu: action %q failed: %v", actions[idx].Label, err)
		return err
	}
	return nil
}
