// Package coordinator provides the base type shared by the session
// coordinator's two specializations, Recorder and Player: ownership of
// the rendezvous socket, a background worker, and the stop/cleanup
// lifecycle every run loop is driven through.
package coordinator

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/rkelly/pias/internal/logging"
	"github.com/rkelly/pias/internal/rendezvous"
)

// ErrStopCoordinator is observed by a run loop's readiness wait once Stop
// has been called; it is treated as graceful termination, not a failure.
var ErrStopCoordinator = errors.New("coordinator: stopped")

// Base owns the rendezvous socket and the stop signal every readiness
// wait in a run loop selects alongside its data sources — the channel
// analog of the self-pipe a select(2)-based implementation would use.
type Base struct {
	Socket *rendezvous.Socket
	Log    *logging.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  atomic.Bool

	group *errgroup.Group
}

// NewBase constructs a Base bound to an already-open rendezvous socket.
func NewBase(sock *rendezvous.Socket, log *logging.Logger) *Base {
	return &Base{
		Socket: sock,
		Log:    log,
		stopCh: make(chan struct{}),
	}
}

// StopCh is closed once Stop has been called. Run loops select on it
// alongside their view/PTY/socket readiness channels; observing it
// closed is the signal to return ErrStopCoordinator.
func (b *Base) StopCh() <-chan struct{} {
	return b.stopCh
}

// Stopped reports whether Stop has been called.
func (b *Base) Stopped() bool {
	return b.stopped.Load()
}

// Start launches run on a background worker, and returns immediately.
// Additional goroutines a specialization needs (an accept loop, an idle
// ticker) should be registered with Go before or from within run, so
// that Wait reports their errors too.
func (b *Base) Start(run func() error) {
	g := &errgroup.Group{}
	b.group = g
	g.Go(run)
}

// Go registers an additional goroutine in the same group as the worker
// started by Start, so its error (if any) is reported from Wait.
func (b *Base) Go(fn func() error) {
	b.group.Go(fn)
}

// Stop requests termination: it is safe to call more than once and from
// any goroutine. It also closes the rendezvous socket, the same way
// writing to a self-pipe unblocks a pending select(2) — here it unblocks
// a run loop parked in Socket.Accept.
func (b *Base) Stop() {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		close(b.stopCh)
		if b.Socket != nil {
			b.Socket.Close()
		}
	})
}

// Wait blocks until the worker (and any goroutines registered via Go)
// have returned, and reports the first non-nil, non-ErrStopCoordinator
// error among them.
func (b *Base) Wait() error {
	err := b.group.Wait()
	if errors.Is(err, ErrStopCoordinator) {
		return nil
	}
	return err
}

// Cleanup releases the rendezvous socket. Every termination path,
// including the stop case, must call it exactly once.
func (b *Base) Cleanup() {
	if b.Socket != nil {
		b.Socket.Close()
	}
}
