// Package discover provides the default-shell and default-terminal
// guesses used when the CLI front-end wasn't given an explicit
// --shell/--terminal override. Callers own the result; nothing here is
// cached process-wide, so the coordinator core never touches global state.
package discover

import "os"

// DefaultShell returns $SHELL if set, falling back to /bin/sh.
func DefaultShell() string {
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	return "/bin/sh"
}
