//go:build darwin

package poller

import (
	"golang.org/x/sys/unix"
)

// KqueuePoller is a kqueue-based I/O multiplexer
type KqueuePoller struct {
	kqfd     int
	events   []unix.Kevent_t
	ready    []Ready
	interest map[int]Event
	index    map[int]int
}

// NewPoller creates a new Poller (macOS)
func NewPoller() (Poller, error) {
	kqfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kqfd)

	return &KqueuePoller{
		kqfd:     kqfd,
		events:   make([]unix.Kevent_t, 1024),
		ready:    make([]Ready, 0, 1024),
		interest: make(map[int]Event),
		index:    make(map[int]int),
	}, nil
}

// apply registers or deletes the read/write filters so that the kernel
// interest for fd matches want.
func (p *KqueuePoller) apply(fd int, have, want Event) error {
	changes := make([]unix.Kevent_t, 0, 2)

	filters := []struct {
		bit    Event
		filter int
	}{
		{Readable, unix.EVFILT_READ},
		{Writable, unix.EVFILT_WRITE},
	}
	for _, f := range filters {
		var ev unix.Kevent_t
		switch {
		case want&f.bit != 0 && have&f.bit == 0:
			// Level-triggered (no EV_CLEAR)
			unix.SetKevent(&ev, fd, f.filter, unix.EV_ADD|unix.EV_ENABLE)
		case want&f.bit == 0 && have&f.bit != 0:
			unix.SetKevent(&ev, fd, f.filter, unix.EV_DELETE)
		default:
			continue
		}
		changes = append(changes, ev)
	}

	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kqfd, changes, nil, nil)
	return err
}

// Add adds a file descriptor to the watch list
func (p *KqueuePoller) Add(fd int, events Event) error {
	if err := p.apply(fd, 0, events); err != nil {
		return err
	}
	p.interest[fd] = events
	return nil
}

// Modify replaces the interest set of a watched descriptor
func (p *KqueuePoller) Modify(fd int, events Event) error {
	if err := p.apply(fd, p.interest[fd], events); err != nil {
		return err
	}
	p.interest[fd] = events
	return nil
}

// Remove removes a file descriptor from the watch list
func (p *KqueuePoller) Remove(fd int) error {
	have, ok := p.interest[fd]
	if !ok {
		return unix.ENOENT
	}
	delete(p.interest, fd)
	return p.apply(fd, have, 0)
}

// Wait waits for I/O events. A negative timeout blocks indefinitely.
func (p *KqueuePoller) Wait(timeout int) ([]Ready, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout) * 1e6)
		ts = &t
	}

	n, err := unix.Kevent(p.kqfd, nil, p.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	// kqueue reports read and write separately; fold them per descriptor
	p.ready = p.ready[:0]
	clear(p.index)
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Ident)

		var events Event
		switch int(ev.Filter) {
		case unix.EVFILT_READ:
			events |= Readable
		case unix.EVFILT_WRITE:
			events |= Writable
		}
		if ev.Flags&unix.EV_EOF != 0 {
			events |= Hangup
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			events |= Error
		}

		if idx, ok := p.index[fd]; ok {
			p.ready[idx].Events |= events
			continue
		}
		p.index[fd] = len(p.ready)
		p.ready = append(p.ready, Ready{Fd: fd, Events: events})
	}

	return p.ready, nil
}

// FD returns the kqueue descriptor
func (p *KqueuePoller) FD() int {
	return p.kqfd
}

// Close closes the Poller
func (p *KqueuePoller) Close() error {
	return unix.Close(p.kqfd)
}
