package discover

import "os/exec"

// candidateTerminals is checked in order; the first one found on PATH wins.
// The original implementation walked the process's ancestor tree (via
// psutil) to find the terminal emulator actually hosting the session; that
// approach isn't available to a statically linked Go binary without a
// platform-specific /proc walk, so this instead probes a fixed list of
// common emulators.
var candidateTerminals = []string{
	"x-terminal-emulator",
	"gnome-terminal",
	"konsole",
	"xterm",
}

// DefaultTerminal returns the first candidate terminal emulator found on
// PATH, or "" if none of them are installed. With an empty terminal the
// Player never spawns a joiner and waits for a view to dial in on its own.
func DefaultTerminal() string {
	for _, name := range candidateTerminals {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	return ""
}
