// Package view implements the proxy client: the small program that sits
// between a real terminal (stdin/stdout) and the rendezvous socket, raw
// bytes in both directions, no interpretation.
package view

import (
	"io"
	"os"

	"github.com/rkelly/pias/internal/rendezvous"
	"github.com/rkelly/pias/internal/ttyio"
)

// socketReadChunk bounds how much a single socket->stdout forward writes
// at once.
const socketReadChunk = 1024

// clearScreen is the ANSI sequence the proxy emits before a Player session:
// clear screen, home cursor.
const clearScreen = "\x1b[2J\x1b[H"

// Run dials sockPath, puts stdin into a raw-mode scope for the duration of
// the call, and pumps bytes in both directions until the socket closes or
// a read fails on either side. If forPlayer is set, it clears the screen
// before entering the loop, matching the player's proxy contract.
func Run(sockPath string, forPlayer bool) error {
	conn, err := rendezvous.Dial(sockPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	restore, err := ttyio.RawModeScope(int(os.Stdin.Fd()))
	if err != nil {
		return err
	}
	defer restore()

	if forPlayer {
		os.Stdout.WriteString(clearScreen)
	}

	exited := make(chan struct{}, 2)

	go func() {
		pumpStdinToSocket(conn)
		exited <- struct{}{}
	}()
	go func() {
		pumpSocketToStdout(conn)
		exited <- struct{}{}
	}()

	<-exited
	return nil
}

// pumpStdinToSocket forwards stdin to the socket one byte at a time, per
// the proxy's "no framing, no interpretation" contract.
func pumpStdinToSocket(conn io.Writer) {
	b := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(b)
		if n > 0 {
			if _, werr := conn.Write(b[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// pumpSocketToStdout forwards the socket to stdout in chunks of up to
// socketReadChunk bytes.
func pumpSocketToStdout(conn io.Reader) {
	buf := make([]byte, socketReadChunk)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}
