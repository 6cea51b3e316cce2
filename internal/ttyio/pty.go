// Package ttyio provides the raw-mode and pseudo-terminal primitives that
// the coordinator, recorder, and player build on: scoped raw-mode entry,
// PTY fork+exec, window-size queries, and single-scalar UTF-8 reads.
package ttyio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// PTY manages a pseudo-terminal and the shell process attached to its
// slave side. The coordinator owns the master file descriptor exclusively.
type PTY struct {
	ptmx *os.File
	cmd  *exec.Cmd

	mu     sync.Mutex
	closed bool
}

// StartPTY forks shell (plus args) behind a newly allocated pty. env, if
// non-nil, is applied on top of the current process environment.
func StartPTY(shell string, args []string, env map[string]string) (*PTY, error) {
	if shell == "" {
		return nil, fmt.Errorf("ttyio: no shell specified")
	}

	cmd := exec.Command(shell, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("ttyio: start pty: %w", err)
	}

	cols, rows := WindowSize()
	_ = pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows})

	return &PTY{ptmx: ptmx, cmd: cmd}, nil
}

// Read reads from the PTY master.
func (p *PTY) Read(buf []byte) (int, error) {
	return p.ptmx.Read(buf)
}

// Write writes to the PTY master, forwarding to the shell's stdin.
func (p *PTY) Write(data []byte) (int, error) {
	return p.ptmx.Write(data)
}

// Resize sets the pty window size.
func (p *PTY) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return io.ErrClosedPipe
	}
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Fd returns the file descriptor of the pty master, for readiness polling.
func (p *PTY) Fd() uintptr {
	return p.ptmx.Fd()
}

// Close terminates the shell process group and releases the pty master.
// Safe to call more than once.
func (p *PTY) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.cmd.Process != nil {
		_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGHUP)
	}
	err := p.ptmx.Close()
	_ = p.cmd.Wait()
	return err
}

// Wait blocks until the shell process exits.
func (p *PTY) Wait() error {
	return p.cmd.Wait()
}

// Pid returns the shell's process id, or 0 if it never started.
func (p *PTY) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// readScalarSkipDecode reads one scalar from r, silently dropping stray
// continuation bytes and retrying rather than surfacing ErrDecodeError to
// the caller — the DecodeError recovery policy applies at this layer, not
// above it, since the offending byte is already gone once ReadScalar
// reports the error.
func readScalarSkipDecode(r io.Reader) (string, error) {
	for {
		s, err := ReadScalar(r)
		if errors.Is(err, ErrDecodeError) {
			continue
		}
		return s, err
	}
}

// ReadBurst blocks for at least one UTF-8 scalar of PTY output, then keeps
// accumulating further scalars for as long as the master remains
// immediately ready, up to maxBytes. This is the "drain while ready,
// then emit one chunk" burst the coordinator logs as a single WRITE. A
// stray continuation byte mid-burst is dropped and draining continues,
// rather than ending the burst in an error.
func (p *PTY) ReadBurst(maxBytes int) (string, error) {
	first, err := readScalarSkipDecode(p.ptmx)
	if err != nil {
		return "", err
	}

	chunk := first
	for len(chunk) < maxBytes {
		if !p.immediatelyReadable() {
			break
		}
		s, err := ReadScalar(p.ptmx)
		if errors.Is(err, ErrDecodeError) {
			continue
		}
		if err != nil {
			break
		}
		chunk += s
	}
	return chunk, nil
}

// TryReadBurst is ReadBurst bounded by timeout: if the master does not
// become readable within timeout (polled, since the master's descriptor is
// in blocking mode and read deadlines do not apply to it), it returns
// ("", false, nil) rather than blocking. Used by
// the player to interleave live shell output with waypoint waits, the way
// the recorder's drain burst never has to — the player can't afford to
// block indefinitely on a PTY that may stay silent for the rest of a replay.
func (p *PTY) TryReadBurst(maxBytes int, timeout time.Duration) (string, bool, error) {
	pfd := []unix.PollFd{{Fd: int32(p.ptmx.Fd()), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(timeout/time.Millisecond))
	if err != nil && !errors.Is(err, unix.EINTR) {
		return "", false, err
	}
	if n <= 0 || pfd[0].Revents == 0 {
		return "", false, nil
	}

	first, err := readScalarSkipDecode(p.ptmx)
	if err != nil {
		return "", false, err
	}

	chunk := first
	for len(chunk) < maxBytes {
		if !p.immediatelyReadable() {
			break
		}
		s, err := ReadScalar(p.ptmx)
		if errors.Is(err, ErrDecodeError) {
			continue
		}
		if err != nil {
			break
		}
		chunk += s
	}
	return chunk, true, nil
}

// immediatelyReadable reports whether the pty master has data available
// right now, via a zero-timeout poll — unlike a deadline-bounded Read,
// this never consumes a byte, so it can't disturb ReadScalar's framing.
func (p *PTY) immediatelyReadable() bool {
	pfd := []unix.PollFd{{Fd: int32(p.ptmx.Fd()), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, 0)
	if err != nil || n == 0 {
		return false
	}
	return pfd[0].Revents&unix.POLLIN != 0
}
