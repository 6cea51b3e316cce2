package ttyio

import (
	"fmt"

	"golang.org/x/term"
)

// RawModeScope captures the current terminal attributes for fd, disables
// local echo and enters raw mode, and returns a restore function that puts
// the original attributes back. The restore function is safe to call more
// than once; only the first call has an effect.
func RawModeScope(fd int) (restore func(), err error) {
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("ttyio: enter raw mode: %w", err)
	}
	restored := false
	return func() {
		if restored {
			return
		}
		restored = true
		_ = term.Restore(fd, oldState)
	}, nil
}

// WindowSize returns the current size of the controlling terminal (stdin),
// falling back to 80x24 when it cannot be determined (e.g. stdin is not a
// tty, as is the case for the spawned-joiner re-entry path).
func WindowSize() (cols, rows uint16) {
	w, h, err := term.GetSize(0)
	if err != nil || w <= 0 || h <= 0 {
		return 80, 24
	}
	return uint16(w), uint16(h)
}
