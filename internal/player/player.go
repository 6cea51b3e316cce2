// Package player implements the coordinator specialization that drives a
// recorded event stream back at one or more views: waypoint-gated typing,
// timed pauses, and, in live-replay mode, freshly forked shells whose real
// output supersedes the recorded WRITE events.
package player

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rkelly/pias/internal/coordinator"
	"github.com/rkelly/pias/internal/eventlog"
	"github.com/rkelly/pias/internal/logging"
	"github.com/rkelly/pias/internal/spawn"
	"github.com/rkelly/pias/internal/ttyio"
)

// drainChunkBound mirrors the recorder's burst cap for live-replay PTY
// output drained between events.
const drainChunkBound = 4096

// openGraceWindow is how long the Player waits for a view to connect on
// OPEN before spawning a terminal emulator to join the session itself.
const openGraceWindow = 100 * time.Millisecond

// Options configures a playback run.
type Options struct {
	Shell        string
	Terminal     string
	Command      string // "play" or "replay", passed to a spawned joiner
	AutoType     time.Duration
	AutoWaypoint time.Duration
	LiveReplay   bool
}

type playTerm struct {
	term string
	view *net.UnixConn
	pty  *ttyio.PTY // non-nil only in live-replay
	log  *logging.Logger
}

// Player is the coordinator specialization described in this package's
// doc comment.
type Player struct {
	*coordinator.Base
	log      *eventlog.Log
	datafile string
	opts     Options

	terminals map[string]*playTerm
}

// New constructs a Player bound to a coordinator.Base (not yet started;
// the caller passes Run to its Start) and an event log opened in read mode.
func New(base *coordinator.Base, log *eventlog.Log, datafile string, opts Options) *Player {
	return &Player{
		Base:      base,
		log:       log,
		datafile:  datafile,
		opts:      opts,
		terminals: make(map[string]*playTerm),
	}
}

// Run drives the log's expansion iterator to completion, one event at a
// time, interleaving live PTY output ahead of each event when replaying
// live.
func (p *Player) Run() error {
	defer p.Cleanup()

	for {
		ev, ok := p.log.ReadEvent()
		if !ok {
			break
		}
		if p.opts.LiveReplay {
			p.drainLiveOutput()
		}
		if err := p.handleEvent(ev); err != nil {
			if errors.Is(err, coordinator.ErrStopCoordinator) {
				break
			}
			return err
		}
		if p.Stopped() {
			break
		}
	}

	p.Log.Info("playback finished")
	p.closeAllTerminals()
	return nil
}

func (p *Player) handleEvent(ev eventlog.Event) error {
	switch ev.Act {
	case eventlog.TagOpen:
		return p.handleOpen(ev)
	case eventlog.TagPause:
		return p.sleep(time.Duration(ev.Duration * float64(time.Second)))
	case eventlog.TagRead:
		return p.handleRead(ev)
	case eventlog.TagWrite:
		return p.handleWrite(ev)
	case eventlog.TagClose:
		if t, ok := p.terminals[ev.Term]; ok {
			p.closeTerminal(t)
		}
		return nil
	default:
		return fmt.Errorf("player: unknown event tag %q", ev.Act)
	}
}

// handleOpen accepts (or spawns a joiner to obtain) the view for a newly
// opened terminal, forking a shell under it too when replaying live.
func (p *Player) handleOpen(ev eventlog.Event) error {
	termLog := p.Log.WithFields(logging.F("term", ev.Term))
	termLog.Info("waiting for view on terminal open")
	conn, err := p.acceptOrSpawn(termLog)
	if err != nil {
		return err
	}

	t := &playTerm{term: ev.Term, view: conn, log: termLog}
	if p.opts.LiveReplay {
		pty, err := ttyio.StartPTY(p.opts.Shell, nil, nil)
		if err != nil {
			conn.Close()
			return fmt.Errorf("player: start pty for %s: %w", ev.Term, err)
		}
		if ev.Cols > 0 && ev.Rows > 0 {
			_ = pty.Resize(uint16(ev.Cols), uint16(ev.Rows))
		}
		t.pty = pty
	}

	p.terminals[ev.Term] = t
	return nil
}

// acceptOrSpawn waits openGraceWindow for a view to dial in on its own; if
// none does and a terminal emulator is configured, it spawns one re-entering
// this binary in join mode and keeps waiting for it to connect.
func (p *Player) acceptOrSpawn(termLog *logging.Logger) (*net.UnixConn, error) {
	type result struct {
		conn *net.UnixConn
		err  error
	}
	acceptCh := make(chan result, 1)
	go func() {
		conn, err := p.Socket.Accept()
		acceptCh <- result{conn, err}
	}()

	if p.opts.Terminal == "" {
		select {
		case r := <-acceptCh:
			return r.conn, r.err
		case <-p.StopCh():
			return nil, coordinator.ErrStopCoordinator
		}
	}

	select {
	case r := <-acceptCh:
		return r.conn, r.err
	case <-p.StopCh():
		return nil, coordinator.ErrStopCoordinator
	case <-time.After(openGraceWindow):
	}

	termLog.Info("no view connected within grace window, spawning joiner", logging.F("terminal", p.opts.Terminal))
	if err := spawn.Joiner(p.opts.Terminal, p.joinerEnv()); err != nil {
		return nil, fmt.Errorf("player: spawn joiner: %w", err)
	}

	select {
	case r := <-acceptCh:
		return r.conn, r.err
	case <-p.StopCh():
		return nil, coordinator.ErrStopCoordinator
	}
}

func (p *Player) joinerEnv() spawn.JoinerEnv {
	return spawn.JoinerEnv{
		Command:  p.opts.Command,
		Datafile: p.datafile,
		Terminal: p.opts.Terminal,
		Shell:    p.opts.Shell,
	}
}

// handleRead gates on a view keystroke per the waypoint rules, then, in
// live-replay, forwards the recorded character to the owning PTY. A view
// that disconnects mid-gate closes its terminal rather than aborting
// playback of the remaining terminals.
func (p *Player) handleRead(ev eventlog.Event) error {
	t, ok := p.terminals[ev.Term]
	if !ok {
		return nil
	}

	if err := p.gate(t, ev.Data); err != nil {
		p.closeTerminal(t)
		return nil
	}

	if p.opts.LiveReplay && t.pty != nil {
		if _, err := t.pty.Write([]byte(ev.Data)); err != nil {
			p.closeTerminal(t)
		}
	}
	return nil
}

// handleWrite forwards recorded shell output to the view. The expansion
// iterator already omits WRITE events in live-replay, so this only ever
// runs for canned (non-live) playback.
func (p *Player) handleWrite(ev eventlog.Event) error {
	t, ok := p.terminals[ev.Term]
	if !ok {
		return nil
	}
	if _, err := t.view.Write([]byte(ev.Data)); err != nil {
		p.closeTerminal(t)
	}
	return nil
}

// gate blocks until event c is allowed to advance, per the waypoint rules:
// a waypoint (newline or carriage return) gates on auto_waypoint or a
// waypoint keystroke; anything else gates on auto_type or a non-waypoint
// keystroke.
func (p *Player) gate(t *playTerm, c string) error {
	waypoint := c == "\n" || c == "\r"

	switch {
	case waypoint && p.opts.AutoWaypoint > 0:
		return p.sleep(p.opts.AutoWaypoint)
	case !waypoint && p.opts.AutoType > 0:
		return p.sleep(p.opts.AutoType)
	case waypoint:
		return p.waitForViewByte(t, isWaypointByte)
	default:
		return p.waitForViewByte(t, func(b byte) bool { return !isWaypointByte(b) })
	}
}

func isWaypointByte(b byte) bool { return b == '\n' || b == '\r' }

// waitForViewByte blocks reading bytes from the view until accept reports
// true, silently skipping bytes it rejects — the rule that stops a stray
// Enter from skipping ahead through a non-waypoint step.
func (p *Player) waitForViewByte(t *playTerm, accept func(byte) bool) error {
	for {
		b, err := ttyio.ReadByte(t.view)
		if err != nil {
			return err
		}
		if accept(b) {
			return nil
		}
	}
}

// sleep waits for d, or returns ErrStopCoordinator if Stop is called first.
func (p *Player) sleep(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-p.StopCh():
		return coordinator.ErrStopCoordinator
	}
}

// drainLiveOutput polls every live-replay PTY with a tiny timeout and
// forwards whatever has already arrived to its view, ahead of processing
// the next event. A drain-time read failure closes that terminal.
func (p *Player) drainLiveOutput() {
	for _, t := range p.terminals {
		if t.pty == nil {
			continue
		}
		chunk, ready, err := t.pty.TryReadBurst(drainChunkBound, 10*time.Millisecond)
		if err != nil {
			p.closeTerminal(t)
			continue
		}
		if ready && chunk != "" {
			t.view.Write([]byte(chunk))
		}
	}
}

func (p *Player) closeAllTerminals() {
	terms := make([]*playTerm, 0, len(p.terminals))
	for _, t := range p.terminals {
		terms = append(terms, t)
	}
	for _, t := range terms {
		p.closeTerminal(t)
	}
}

func (p *Player) closeTerminal(t *playTerm) {
	if _, ok := p.terminals[t.term]; !ok {
		return
	}
	t.log.Info("terminal closed")
	t.view.Close()
	if t.pty != nil {
		t.pty.Close()
	}
	delete(p.terminals, t.term)
}
