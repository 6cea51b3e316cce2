package eventlog

import (
	"os"
	"path/filepath"
	"testing"
)

func drain(l *Log) []Event {
	var out []Event
	for {
		e, ok := l.ReadEvent()
		if !ok {
			return out
		}
		out = append(out, e)
	}
}

func newWriteLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "session.json"), ModeWrite, OpenOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l
}

// S1: echo collapse.
func TestScenarioEchoCollapse(t *testing.T) {
	l := newWriteLog(t)
	l.WriteEvent(OpenEvent("T", 0, 0))
	l.WriteEvent(Read("T", "a"))
	l.WriteEvent(Write("T", "a"))
	l.WriteEvent(Read("T", "b"))
	l.WriteEvent(Write("T", "b"))
	l.WriteEvent(Close("T"))

	if l.Len() != 3 {
		t.Fatalf("got %d events, want 3: %v", l.Len(), l.events)
	}
	want := []Event{OpenEvent("T", 0, 0), Echo("T", "ab"), Close("T")}
	for i, w := range want {
		if l.At(i) != w {
			t.Errorf("event %d: got %+v, want %+v", i, l.At(i), w)
		}
	}
}

// S2: pause merge.
func TestScenarioPauseMerge(t *testing.T) {
	l := newWriteLog(t)
	l.WriteEvent(OpenEvent("T", 0, 0))
	l.WriteEvent(Pause(0.3))
	l.WriteEvent(Pause(0.4))
	l.WriteEvent(Close("T"))

	if l.Len() != 3 {
		t.Fatalf("got %d events, want 3: %v", l.Len(), l.events)
	}
	if got := l.At(1).Duration; got < 0.7-1e-9 || got > 0.7+1e-9 {
		t.Errorf("merged duration = %v, want ~0.7", got)
	}
}

// S3: open-after-close cancellation / append continuation.
func TestScenarioOpenAfterCloseCancellation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	l, err := Open(path, ModeWrite, OpenOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.WriteEvent(OpenEvent("T1", 80, 24))
	l.WriteEvent(Write("T1", "hello"))
	l.WriteEvent(Close("T1"))
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	appendLog, err := Open(path, ModeAppend, OpenOptions{})
	if err != nil {
		t.Fatalf("Open append: %v", err)
	}
	term := appendLog.NextTerm(func() string { return "fresh-id" })
	if term != "T1" {
		t.Fatalf("NextTerm = %q, want reused T1", term)
	}
	appendLog.WriteEvent(OpenEvent(term, 0, 0))

	want := []Event{OpenEvent("T1", 80, 24), Write("T1", "hello")}
	if appendLog.Len() != len(want) {
		t.Fatalf("got %d events, want %d: %v", appendLog.Len(), len(want), appendLog.events)
	}
	for i, w := range want {
		if appendLog.At(i) != w {
			t.Errorf("event %d: got %+v, want %+v", i, appendLog.At(i), w)
		}
	}
}

func TestNextTermMintsFreshWhenLastEventIsNotClose(t *testing.T) {
	l := newWriteLog(t)
	l.WriteEvent(OpenEvent("T1", 0, 0))
	term := l.NextTerm(func() string { return "fresh-id" })
	if term != "fresh-id" {
		t.Fatalf("NextTerm = %q, want fresh-id", term)
	}
}

// S4: expansion in (non-live) play.
func TestScenarioExpansionNonLive(t *testing.T) {
	l := newWriteLog(t)
	l.WriteEvent(OpenEvent("T", 0, 0))
	l.WriteEvent(Read("T", "h"))
	l.WriteEvent(Write("T", "h"))
	l.WriteEvent(Read("T", "i"))
	l.WriteEvent(Write("T", "i"))
	l.WriteEvent(Read("T", "\n"))
	l.WriteEvent(Write("T", "\n"))
	l.WriteEvent(Close("T"))

	got := drain(l)
	want := []Event{
		OpenEvent("T", 0, 0),
		Read("T", "h"), Write("T", "h"),
		Read("T", "i"), Write("T", "i"),
		Read("T", "\n"), Write("T", "\n"),
		Close("T"),
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("event %d: got %+v, want %+v", i, got[i], w)
		}
	}
}

// S5: live-replay suppression.
func TestScenarioLiveReplaySuppression(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	w := newWriteLog(t)
	w.WriteEvent(OpenEvent("T", 0, 0))
	w.WriteEvent(Read("T", "h"))
	w.WriteEvent(Write("T", "h"))
	w.WriteEvent(Read("T", "i"))
	w.WriteEvent(Write("T", "i"))
	w.WriteEvent(Read("T", "\n"))
	w.WriteEvent(Write("T", "\n"))
	w.WriteEvent(Close("T"))
	w.path = path
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Open(path, ModeRead, OpenOptions{LiveReplay: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got := drain(r)
	want := []Event{
		OpenEvent("T", 0, 0),
		Read("T", "h"), Read("T", "i"), Read("T", "\n"),
		Close("T"),
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("event %d: got %+v, want %+v", i, got[i], w)
		}
	}
}

// Invariant 1/2/3: no two adjacent PAUSE, no same-term adjacent WRITE, no
// CLOSE immediately followed by same-term OPEN, for any sequence of writes.
func TestInvariantsHoldForRandomSequences(t *testing.T) {
	l := newWriteLog(t)
	seq := []Event{
		OpenEvent("A", 0, 0), Pause(0.1), Pause(0.1), Read("A", "x"), Write("A", "x"),
		Write("A", "y"), Write("A", "z"), Close("A"), OpenEvent("A", 0, 0), Pause(0.2),
		Read("A", "q"), Write("A", "nope"), Close("A"),
	}
	for _, e := range seq {
		l.WriteEvent(e)
	}
	for i := 0; i < l.Len()-1; i++ {
		a, b := l.At(i), l.At(i+1)
		if a.Act == TagPause && b.Act == TagPause {
			t.Errorf("adjacent PAUSE at %d,%d", i, i+1)
		}
		if a.Act == TagWrite && b.Act == TagWrite && a.Term == b.Term {
			t.Errorf("adjacent same-term WRITE at %d,%d", i, i+1)
		}
		if a.Act == TagClose && b.Act == TagOpen && a.Term == b.Term {
			t.Errorf("CLOSE immediately followed by same-term OPEN at %d,%d", i, i+1)
		}
	}
}

// Round-trip: write, close, reopen for read, and the expanded byte stream
// matches what we fed in.
func TestRoundTripWriteReadExpansion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	w, err := Open(path, ModeWrite, OpenOptions{Shell: "/bin/sh"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w.WriteEvent(OpenEvent("T", 80, 24))
	w.WriteEvent(Read("T", "a"))
	w.WriteEvent(Write("T", "a"))
	w.WriteEvent(Write("T", "bc"))
	w.WriteEvent(Pause(1.5))
	w.WriteEvent(Close("T"))
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Open(path, ModeRead, OpenOptions{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if r.Shell() != "/bin/sh" {
		t.Errorf("Shell() = %q, want /bin/sh", r.Shell())
	}
	terms := r.Terminals()
	if !terms["T"] {
		t.Errorf("Terminals() = %v, want to include T", terms)
	}

	got := drain(r)
	want := []Event{
		OpenEvent("T", 80, 24),
		Read("T", "a"), Write("T", "a"),
		Write("T", "bc"),
		Pause(1.5),
		Close("T"),
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i] != w {
			t.Errorf("event %d: got %+v, want %+v", i, got[i], w)
		}
	}
}

func TestCloseIsNoOpInReadMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	os.WriteFile(path, []byte(`{"events":[]}`), 0o600)
	r, err := Open(path, ModeRead, OpenOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	before, _ := os.Stat(path)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	after, _ := os.Stat(path)
	if before.ModTime() != after.ModTime() {
		t.Error("Close in ModeRead should not touch the file")
	}
}
