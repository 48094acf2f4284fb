// Package loop is a single-threaded, poll-based reactor.
//
// All methods except Wake must be called from the goroutine that runs the
// loop. Callbacks run synchronously on that goroutine, one readiness event
// at a time.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/searchktools/mu/core/poller"
)

var (
	// ErrBusy is returned by Close while poll handles are still active
	ErrBusy = errors.New("loop: poll handles still active")
	// ErrClosed is returned when using a closed loop
	ErrClosed = errors.New("loop: closed")
	// ErrPollError is passed to callbacks when the descriptor reports an error
	ErrPollError = errors.New("loop: descriptor error")
)

// Callback is invoked with the observed events. err is non-nil when the
// descriptor is in an error state.
type Callback func(events poller.Event, err error)

// PollHandle is an active readiness registration
type PollHandle struct {
	loop   *Loop
	fd     int
	events poller.Event
	cb     Callback
	active bool
}

// Loop is the reactor
type Loop struct {
	poller  poller.Poller
	waker   poller.Waker
	handles map[int]*PollHandle
	logger  *zap.Logger

	// guards waker against a concurrent Close
	wakeMu sync.Mutex
	closed bool
}

// Option configures a Loop
type Option func(*Loop)

// WithLogger sets the loop logger
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// New creates a new loop
func New(opts ...Option) (*Loop, error) {
	p, err := poller.NewPoller()
	if err != nil {
		return nil, fmt.Errorf("create poller: %w", err)
	}

	w, err := poller.NewWaker()
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("create waker: %w", err)
	}

	if err := p.Add(w.FD(), poller.Readable); err != nil {
		w.Close()
		p.Close()
		return nil, fmt.Errorf("register waker: %w", err)
	}

	l := &Loop{
		poller:  p,
		waker:   w,
		handles: make(map[int]*PollHandle),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}

	return l, nil
}

// Poll starts watching fd for events and calls cb on readiness
func (l *Loop) Poll(fd int, events poller.Event, cb Callback) (*PollHandle, error) {
	if l.closed {
		return nil, ErrClosed
	}
	if _, ok := l.handles[fd]; ok {
		return nil, fmt.Errorf("loop: fd %d already polled", fd)
	}

	if err := l.poller.Add(fd, events); err != nil {
		return nil, fmt.Errorf("poll fd %d: %w", fd, err)
	}

	h := &PollHandle{loop: l, fd: fd, events: events, cb: cb, active: true}
	l.handles[fd] = h
	l.logger.Debug("poll started", zap.Int("fd", fd))

	return h, nil
}

// Stop stops watching the descriptor. Stopping twice is a no-op.
func (h *PollHandle) Stop() error {
	if !h.active {
		return nil
	}
	h.active = false

	l := h.loop
	delete(l.handles, h.fd)
	l.logger.Debug("poll stopped", zap.Int("fd", h.fd))

	if l.closed {
		return nil
	}
	if err := l.poller.Remove(h.fd); err != nil {
		return fmt.Errorf("stop poll fd %d: %w", h.fd, err)
	}
	return nil
}

// Active reports whether the handle is still registered
func (h *PollHandle) Active() bool {
	return h.active
}

// FD returns the watched descriptor
func (h *PollHandle) FD() int {
	return h.fd
}

// Len returns the number of active poll handles
func (l *Loop) Len() int {
	return len(l.handles)
}

// Run runs the loop until ctx is done. Callbacks left in a turn are skipped
// once ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	if l.closed {
		return ErrClosed
	}

	stop := context.AfterFunc(ctx, func() {
		if err := l.Wake(); err != nil {
			l.logger.Warn("wake failed", zap.Error(err))
		}
	})
	defer stop()

	for ctx.Err() == nil {
		if err := l.turn(ctx, -1); err != nil {
			return err
		}
	}

	return nil
}

// RunOnce runs a single turn, waiting at most timeout milliseconds
func (l *Loop) RunOnce(timeout int) error {
	if l.closed {
		return ErrClosed
	}
	return l.turn(context.Background(), timeout)
}

func (l *Loop) turn(ctx context.Context, timeout int) error {
	ready, err := l.poller.Wait(timeout)
	if err != nil {
		return fmt.Errorf("poll wait: %w", err)
	}

	for _, r := range ready {
		if ctx.Err() != nil {
			return nil
		}

		if r.Fd == l.waker.FD() {
			if err := l.waker.Drain(); err != nil {
				l.logger.Warn("drain waker failed", zap.Error(err))
			}
			continue
		}

		// may have been stopped by an earlier callback in this turn
		h, ok := l.handles[r.Fd]
		if !ok || !h.active {
			continue
		}

		var cbErr error
		if r.Events&poller.Error != 0 {
			cbErr = ErrPollError
		}
		h.cb(r.Events, cbErr)
	}

	return nil
}

// Wake interrupts a blocked turn. Safe to call from any goroutine.
func (l *Loop) Wake() error {
	l.wakeMu.Lock()
	defer l.wakeMu.Unlock()

	if l.closed {
		return ErrClosed
	}
	return l.waker.Wake()
}

// Close releases the loop. It fails with ErrBusy while handles are active.
func (l *Loop) Close() error {
	if len(l.handles) > 0 {
		return ErrBusy
	}

	l.wakeMu.Lock()
	defer l.wakeMu.Unlock()

	if l.closed {
		return ErrClosed
	}
	l.closed = true

	return errors.Join(l.waker.Close(), l.poller.Close())
}
