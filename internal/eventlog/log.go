package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Mode selects how a Log's backing file is opened.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
	ModeAppend
)

// document is the on-disk representation: a single JSON object carrying
// the recorded shell path and the ordered, already-compacted event list.
type document struct {
	Shell  string  `json:"shell,omitempty"`
	Events []Event `json:"events"`
}

// OpenOptions configures Open. Shell, if non-empty, overrides whatever
// shell is stored in the file. DefaultShell is consulted only when neither
// Shell nor a stored shell is available (spec's three-tier fallback).
type OpenOptions struct {
	Shell        string
	LiveReplay   bool
	DefaultShell func() string
}

// Log is an ordered, self-compacting sequence of events, with a read-side
// iterator that expands ECHO and READ into per-scalar units.
type Log struct {
	path       string
	mode       Mode
	liveReplay bool
	shell      string
	events     []Event

	iter *iterator
}

// Open loads or creates the event log at path per mode. read and append
// load the existing document; append keeps the loaded events as a prefix
// that subsequent WriteEvent calls extend (and compact against).
func Open(path string, mode Mode, opts OpenOptions) (*Log, error) {
	l := &Log{path: path, mode: mode, liveReplay: opts.LiveReplay}

	if mode == ModeRead || mode == ModeAppend {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
		}
		var doc document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("eventlog: parse %s: %w", path, err)
		}
		l.events = doc.Events
		l.shell = doc.Shell
	}

	switch {
	case opts.Shell != "":
		l.shell = opts.Shell
	case l.shell != "":
		// keep the file's stored shell
	case opts.DefaultShell != nil:
		l.shell = opts.DefaultShell()
	}

	return l, nil
}

// Shell returns the effective shell path, resolved per Open's fallback
// chain (explicit override, stored shell, discovered default).
func (l *Log) Shell() string {
	return l.shell
}

// SetShell overrides the shell recorded alongside the events (used by the
// recorder, which determines the shell only once it actually forks one).
func (l *Log) SetShell(shell string) {
	l.shell = shell
}

// Len returns the number of (compacted) events currently in the log.
func (l *Log) Len() int {
	return len(l.events)
}

// At returns the event at index i, for tests and invariant-checking code.
func (l *Log) At(i int) Event {
	return l.events[i]
}

// Terminals returns the set of term values appearing anywhere in the
// loaded events, so the player can tell whether it must be prepared to
// spawn secondary windows.
func (l *Log) Terminals() map[string]bool {
	out := make(map[string]bool)
	for _, e := range l.events {
		if e.Term != "" {
			out[e.Term] = true
		}
	}
	return out
}

// NextTerm decides the term id for a newly opened terminal. If the log's
// most recent event is a CLOSE, the new terminal reuses that CLOSE's term
// (so that, together with WriteEvent's rule 4, appending resumes the prior
// window instead of looking like a new, unrelated one). Otherwise a fresh
// id is minted by the supplied generator.
func (l *Log) NextTerm(generate func() string) string {
	if n := len(l.events); n > 0 && l.events[n-1].Act == TagClose {
		return l.events[n-1].Term
	}
	return generate()
}

// WriteEvent appends event to the log, applying the compaction rules.
// It is a no-op on a Log opened in ModeRead.
func (l *Log) WriteEvent(e Event) {
	if l.mode == ModeRead {
		return
	}
	l.append(e)
}

// append implements the five compaction rules, in priority order, exactly
// as specified: PAUSE-merge, WRITE-merge, READ+WRITE-to-ECHO (with ECHO
// absorption), CLOSE+OPEN cancellation, else plain append.
func (l *Log) append(e Event) {
	n := len(l.events)

	if e.Act == TagPause {
		if n > 0 && l.events[n-1].Act == TagPause {
			l.events[n-1].Duration += e.Duration
			return
		}
		l.events = append(l.events, e)
		return
	}

	if e.Act == TagWrite && n > 0 && l.events[n-1].Term == e.Term {
		last := &l.events[n-1]
		if last.Act == TagWrite {
			last.Data += e.Data
			return
		}
		if last.Act == TagRead && last.Data == e.Data {
			last.Act = TagEcho
			if n > 1 {
				prev := &l.events[n-2]
				if prev.Act == TagEcho && prev.Term == e.Term {
					prev.Data += last.Data
					l.events = l.events[:n-1]
				}
			}
			return
		}
	}

	if e.Act == TagOpen && n > 0 {
		last := l.events[n-1]
		if last.Act == TagClose && last.Term == e.Term {
			l.events = l.events[:n-1]
			return
		}
	}

	l.events = append(l.events, e)
}

// ReadEvent returns the next event from the expansion iterator (building
// it lazily on first call), and false once the stream is exhausted.
func (l *Log) ReadEvent() (Event, bool) {
	if l.iter == nil {
		l.iter = newIterator(l.events, l.liveReplay)
	}
	return l.iter.next()
}

// Rewind resets the read iterator to the beginning of the log.
func (l *Log) Rewind() {
	l.iter = nil
}

// Close flushes the log to disk if it was opened for writing or
// appending, via a write-to-temp-then-rename so a crash mid-write never
// leaves a truncated file in place. It is a no-op in ModeRead.
func (l *Log) Close() error {
	if l.mode == ModeRead {
		return nil
	}

	dir := filepath.Dir(l.path)
	base := filepath.Base(l.path)

	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return fmt.Errorf("eventlog: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	doc := document{Shell: l.shell, Events: l.events}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("eventlog: marshal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("eventlog: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("eventlog: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("eventlog: rename into place: %w", err)
	}
	return nil
}
