// Package recorder implements the coordinator specialization that drives
// a recording session: it forks a shell under a PTY for every connecting
// view, multiplexes view<->PTY traffic, and appends the resulting
// READ/WRITE/PAUSE/OPEN/CLOSE events to the event log.
package recorder

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/rkelly/pias/internal/coordinator"
	"github.com/rkelly/pias/internal/eventlog"
	"github.com/rkelly/pias/internal/logging"
	"github.com/rkelly/pias/internal/ttyio"
)

// drainChunkBound caps how many bytes a single drain burst accumulates
// before it is logged as one WRITE, mirroring the teacher's PTY read
// buffer convention.
const drainChunkBound = 4096

// Options configures the shell a Recorder forks for each new terminal.
type Options struct {
	Shell string
	Args  []string
	Env   map[string]string
}

type terminal struct {
	term string
	view *net.UnixConn
	pty  *ttyio.PTY
	log  *logging.Logger
}

// sourceKind distinguishes which half of a terminal produced a trigger.
type sourceKind int

const (
	sourceView sourceKind = iota
	sourcePTY
)

type trigger struct {
	term  string
	kind  sourceKind
	data  string
	err   error
}

// Recorder is the coordinator specialization described in this package's
// doc comment.
type Recorder struct {
	*coordinator.Base
	log  *eventlog.Log
	opts Options

	terminals map[string]*terminal
	triggers  chan trigger
}

// New constructs a Recorder bound to a coordinator.Base (not yet started;
// the caller passes Run to its Start) and an event log opened in write or
// append mode.
func New(base *coordinator.Base, log *eventlog.Log, opts Options) *Recorder {
	return &Recorder{
		Base:      base,
		log:       log,
		opts:      opts,
		terminals: make(map[string]*terminal),
		triggers:  make(chan trigger, 64),
	}
}

// Run is the Recorder's event loop: phase 1 waits for the first terminal,
// phase 2 multiplexes view and PTY activity until every terminal has
// closed.
func (r *Recorder) Run() error {
	defer r.Cleanup()

	r.Log.Info("waiting for first view")
	firstConn, err := r.Socket.Accept()
	if err != nil {
		if r.Stopped() {
			return nil
		}
		return fmt.Errorf("recorder: accept first view: %w", err)
	}
	if err := r.openTerminal(firstConn); err != nil {
		firstConn.Close()
		return err
	}

	acceptCh := make(chan *net.UnixConn)
	r.Go(func() error {
		for {
			conn, err := r.Socket.Accept()
			if err != nil {
				return nil
			}
			select {
			case acceptCh <- conn:
			case <-r.StopCh():
				conn.Close()
				return nil
			}
		}
	})

	for len(r.terminals) > 0 {
		start := time.Now()
		select {
		case t := <-r.triggers:
			r.handleTrigger(t)
		case conn := <-acceptCh:
			if err := r.openTerminal(conn); err != nil {
				conn.Close()
			}
		case <-r.StopCh():
			r.closeAllTerminals()
			return nil
		case <-time.After(200 * time.Millisecond):
			r.log.WriteEvent(eventlog.Pause(time.Since(start).Seconds()))
		}
	}
	// Every terminal has closed: the session is over. Stop releases the
	// socket, which in turn unblocks the accept goroutine above.
	r.Log.Info("last terminal closed, ending session")
	r.Stop()
	return nil
}

// closeAllTerminals closes every still-open terminal, recording a CLOSE
// for each, the way the run loop cleans up when asked to stop mid-session.
func (r *Recorder) closeAllTerminals() {
	terms := make([]*terminal, 0, len(r.terminals))
	for _, t := range r.terminals {
		terms = append(terms, t)
	}
	for _, t := range terms {
		r.closeTerminal(t)
	}
}

// openTerminal allocates a term id (reusing the prior CLOSE's id if the
// log's last event is a CLOSE), forks a shell under a PTY, records OPEN,
// and starts the view/PTY pump goroutines that feed r.triggers.
func (r *Recorder) openTerminal(conn *net.UnixConn) error {
	term := r.log.NextTerm(func() string { return uuid.New().String() })

	pty, err := ttyio.StartPTY(r.opts.Shell, r.opts.Args, r.opts.Env)
	if err != nil {
		return fmt.Errorf("recorder: start pty for %s: %w", term, err)
	}

	cols, rows := ttyio.WindowSize()
	r.log.WriteEvent(eventlog.OpenEvent(term, int(cols), int(rows)))

	termLog := r.Log.WithFields(logging.F("term", term))
	termLog.Info("terminal opened", logging.F("cols", cols, "rows", rows))

	t := &terminal{term: term, view: conn, pty: pty, log: termLog}
	r.terminals[term] = t

	r.Go(func() error { r.pumpView(t); return nil })
	r.Go(func() error { r.pumpPTY(t); return nil })
	return nil
}

// pumpView repeatedly reads one UTF-8 scalar from the view connection and
// delivers it as a trigger; it exits (delivering a final error trigger)
// once the view disconnects or Stop is requested. A stray continuation
// byte is dropped and the read retried, rather than closing the terminal.
func (r *Recorder) pumpView(t *terminal) {
	for {
		scalar, err := ttyio.ReadScalar(t.view)
		if errors.Is(err, ttyio.ErrDecodeError) {
			continue
		}
		select {
		case r.triggers <- trigger{term: t.term, kind: sourceView, data: scalar, err: err}:
		case <-r.StopCh():
			return
		}
		if err != nil {
			return
		}
	}
}

// pumpPTY repeatedly drains a burst of PTY output and delivers it as a
// trigger; it exits once the shell process ends or Stop is requested.
func (r *Recorder) pumpPTY(t *terminal) {
	for {
		chunk, err := t.pty.ReadBurst(drainChunkBound)
		select {
		case r.triggers <- trigger{term: t.term, kind: sourcePTY, data: chunk, err: err}:
		case <-r.StopCh():
			return
		}
		if err != nil {
			return
		}
	}
}

// handleTrigger applies the single priority-1 rule from the run loop:
// a view trigger is logged as READ and forwarded to the PTY; a PTY
// trigger is logged as WRITE and forwarded to the view. A read failure
// on either half closes that terminal.
func (r *Recorder) handleTrigger(t trigger) {
	term, ok := r.terminals[t.term]
	if !ok {
		return
	}

	switch t.kind {
	case sourceView:
		if t.err != nil {
			r.closeTerminal(term)
			return
		}
		r.log.WriteEvent(eventlog.Read(t.term, t.data))
		if _, err := term.pty.Write([]byte(t.data)); err != nil {
			r.closeTerminal(term)
		}
	case sourcePTY:
		if t.data != "" {
			r.log.WriteEvent(eventlog.Write(t.term, t.data))
			term.view.Write([]byte(t.data))
		}
		if t.err != nil {
			r.closeTerminal(term)
		}
	}
}

// closeTerminal records CLOSE, tears down both endpoints, and drops the
// terminal from the active set.
func (r *Recorder) closeTerminal(t *terminal) {
	if _, ok := r.terminals[t.term]; !ok {
		return
	}
	r.log.WriteEvent(eventlog.Close(t.term))
	t.log.Info("terminal closed")
	t.view.Close()
	t.pty.Close()
	delete(r.terminals, t.term)
}
