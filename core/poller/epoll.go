//go:build linux

package poller

import (
	"golang.org/x/sys/unix"
)

// EpollPoller is an epoll-based I/O multiplexer
type EpollPoller struct {
	epfd   int
	events []unix.EpollEvent
	ready  []Ready
}

// NewPoller creates a new Poller (Linux)
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	return &EpollPoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, 1024),
		ready:  make([]Ready, 0, 1024),
	}, nil
}

// Level-triggered (no EPOLLET): a nested epoll fd stays readable until
// every inner event has been consumed.
func toEpoll(events Event) uint32 {
	var e uint32
	if events&Readable != 0 {
		// EPOLLRDHUP: detect peer shutdown
		e |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpoll(e uint32) Event {
	var events Event
	if e&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		events |= Readable
	}
	if e&unix.EPOLLOUT != 0 {
		events |= Writable
	}
	if e&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		events |= Hangup
	}
	if e&unix.EPOLLERR != 0 {
		events |= Error
	}
	return events
}

// Add adds a file descriptor to the watch list
func (p *EpollPoller) Add(fd int, events Event) error {
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Modify replaces the interest set of a watched descriptor
func (p *EpollPoller) Modify(fd int, events Event) error {
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove removes a file descriptor from the watch list
func (p *EpollPoller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait waits for I/O events. A negative timeout blocks indefinitely.
func (p *EpollPoller) Wait(timeout int) ([]Ready, error) {
	n, err := unix.EpollWait(p.epfd, p.events, timeout)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	p.ready = p.ready[:0]
	for i := 0; i < n; i++ {
		p.ready = append(p.ready, Ready{
			Fd:     int(p.events[i].Fd),
			Events: fromEpoll(p.events[i].Events),
		})
	}

	return p.ready, nil
}

// FD returns the epoll descriptor
func (p *EpollPoller) FD() int {
	return p.epfd
}

// Close closes the Poller
func (p *EpollPoller) Close() error {
	return unix.Close(p.epfd)
}
