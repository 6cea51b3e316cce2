package player

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rkelly/pias/internal/coordinator"
	"github.com/rkelly/pias/internal/eventlog"
	"github.com/rkelly/pias/internal/logging"
	"github.com/rkelly/pias/internal/rendezvous"
)

// buildLog writes OPEN{T}, ECHO{T,"hi\n"}, CLOSE{T} and reopens it for
// reading with the given live-replay setting, matching S4/S5's fixture.
func buildLog(t *testing.T, liveReplay bool) (*eventlog.Log, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")

	w, err := eventlog.Open(path, eventlog.ModeWrite, eventlog.OpenOptions{Shell: "/bin/sh"})
	if err != nil {
		t.Fatalf("eventlog.Open(write): %v", err)
	}
	w.WriteEvent(eventlog.OpenEvent("T", 0, 0))
	w.WriteEvent(eventlog.Read("T", "h"))
	w.WriteEvent(eventlog.Write("T", "h"))
	w.WriteEvent(eventlog.Read("T", "i"))
	w.WriteEvent(eventlog.Write("T", "i"))
	w.WriteEvent(eventlog.Read("T", "\n"))
	w.WriteEvent(eventlog.Write("T", "\n"))
	w.WriteEvent(eventlog.Close("T"))
	if err := w.Close(); err != nil {
		t.Fatalf("eventlog.Close: %v", err)
	}

	r, err := eventlog.Open(path, eventlog.ModeRead, eventlog.OpenOptions{LiveReplay: liveReplay})
	if err != nil {
		t.Fatalf("eventlog.Open(read): %v", err)
	}
	return r, path
}

func newTestPlayer(t *testing.T, log *eventlog.Log, path string, opts Options) (*Player, *coordinator.Base, string) {
	t.Helper()
	sockPath := rendezvous.SocketPath(path)
	sock, err := rendezvous.Bind(sockPath, false)
	if err != nil {
		t.Fatalf("rendezvous.Bind: %v", err)
	}
	base := coordinator.NewBase(sock, logging.WithComponent("test"))
	return New(base, log, path, opts), base, sockPath
}

func dialWithRetry(t *testing.T, path string) *net.UnixConn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := rendezvous.Dial(path)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial %s: timed out", path)
	return nil
}

func readN(t *testing.T, conn *net.UnixConn, n int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(got) < n {
		k, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read: %v (got so far %q)", err, got)
		}
		got = append(got, buf[:k]...)
	}
	return got
}

// S4: non-live playback blocks exactly three times on view keystrokes, in
// order non-waypoint, non-waypoint, waypoint, echoing each one back.
func TestScenarioExpansionInPlay(t *testing.T) {
	log, path := buildLog(t, false)
	p, base, sockPath := newTestPlayer(t, log, path, Options{Shell: "/bin/sh"})

	base.Start(p.Run)
	conn := dialWithRetry(t, sockPath)
	defer conn.Close()

	for _, step := range []byte{'h', 'i', '\n'} {
		if _, err := conn.Write([]byte{step}); err != nil {
			t.Fatalf("write %q: %v", step, err)
		}
		got := readN(t, conn, 1)
		if got[0] != step {
			t.Fatalf("echoed %q, want %q", got, step)
		}
	}

	if err := base.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

// S5: live-replay suppresses WRITE from the iterator; the view instead
// sees whatever the freshly forked shell actually echoes.
func TestScenarioLiveReplaySuppressionInPlay(t *testing.T) {
	log, path := buildLog(t, true)
	p, base, sockPath := newTestPlayer(t, log, path, Options{Shell: "/bin/cat", LiveReplay: true})

	base.Start(p.Run)
	conn := dialWithRetry(t, sockPath)
	defer conn.Close()

	// No WRITE events remain in the iterator, so the Player never forwards
	// anything unprompted: each keystroke must still be supplied by us.
	for _, step := range []byte{'h', 'i', '\n'} {
		if _, err := conn.Write([]byte{step}); err != nil {
			t.Fatalf("write %q: %v", step, err)
		}
	}

	// The pty's line discipline echoes the newline as "\r\n" (ONLCR).
	got := readN(t, conn, 4)
	if string(got) != "hi\r\n" {
		t.Fatalf("got %q from live shell echo, want %q", got, "hi\r\n")
	}

	if err := base.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

// Invariant 10: with auto-type and auto-waypoint both off, a waypoint byte
// must not advance a non-waypoint READ.
func TestWaypointGateSkipsStrayWaypointDuringNonWaypointStep(t *testing.T) {
	log, path := buildLog(t, false)
	p, base, sockPath := newTestPlayer(t, log, path, Options{Shell: "/bin/sh"})

	base.Start(p.Run)
	conn := dialWithRetry(t, sockPath)
	defer conn.Close()

	// A stray Enter before the real "h" must be skipped, not accepted, for
	// the first (non-waypoint) READ.
	if _, err := conn.Write([]byte("\nh")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := readN(t, conn, 1)
	if got[0] != 'h' {
		t.Fatalf("echoed %q, want %q (stray newline should have been skipped)", got, "h")
	}

	if _, err := conn.Write([]byte("i\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got = readN(t, conn, 2)
	if string(got) != "i\n" {
		t.Fatalf("echoed %q, want %q", got, "i\n")
	}

	if err := base.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}
