// Package rendezvous implements the local unix-domain stream socket a
// coordinator binds for the lifetime of a session: view proxies dial it
// to join, and its filesystem path doubles as the session's mutex.
package rendezvous

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// ErrSessionInUse is returned by Bind when path already exists and join
// was not requested — the session is considered locked by another
// coordinator.
var ErrSessionInUse = errors.New("rendezvous: session already in use")

// SocketPath derives the rendezvous socket path for a session's backing
// data file, per the "<datafile>.pias-session.sock" convention.
func SocketPath(datafile string) string {
	return datafile + ".pias-session.sock"
}

// Socket owns the listener bound at Path and knows whether it created the
// file (and is therefore responsible for unlinking it on Close).
type Socket struct {
	path     string
	listener *net.UnixListener
	owner    bool
}

// Bind creates and binds the rendezvous socket at path. join relaxes the
// preflight mutex check: when join is true, a pre-existing file at path is
// removed before listening; when join is false and path already exists,
// Bind refuses to proceed at all.
func Bind(path string, join bool) (*Socket, error) {
	if _, err := os.Stat(path); err == nil {
		if !join {
			return nil, ErrSessionInUse
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("rendezvous: removing stale socket: %w", err)
		}
	}

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: resolve %s: %w", path, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		os.Remove(path)
		return nil, fmt.Errorf("rendezvous: chmod %s: %w", path, err)
	}

	return &Socket{path: path, listener: ln, owner: true}, nil
}

// Path returns the filesystem path of the bound socket.
func (s *Socket) Path() string {
	return s.path
}

// Accept blocks for the next incoming view connection.
func (s *Socket) Accept() (*net.UnixConn, error) {
	return s.listener.AcceptUnix()
}

// File exposes the listener's underlying descriptor so the coordinator
// can fold it into a readiness wait alongside view and PTY fds.
func (s *Socket) File() (*os.File, error) {
	return s.listener.File()
}

// Close closes the listener and, if this Socket created the file, unlinks
// it. Double-close is safe.
func (s *Socket) Close() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.listener = nil
	if s.owner {
		if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			if err == nil {
				err = rmErr
			}
		}
	}
	return err
}

// Dial connects to an already-bound rendezvous socket, for use by view
// proxies and by the coordinator itself when spawning a joiner that must
// immediately reconnect to its own socket.
func Dial(path string) (*net.UnixConn, error) {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: resolve %s: %w", path, err)
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: dial %s: %w", path, err)
	}
	return conn, nil
}
