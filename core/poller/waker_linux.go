//go:build linux

package poller

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

type eventfdWaker struct {
	fd int
}

// NewWaker creates an eventfd-backed Waker
func NewWaker() (Waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &eventfdWaker{fd: fd}, nil
}

func (w *eventfdWaker) FD() int {
	return w.fd
}

func (w *eventfdWaker) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(w.fd, buf[:])
	if err == unix.EAGAIN {
		// counter saturated: a wakeup is already pending
		return nil
	}
	return err
}

func (w *eventfdWaker) Drain() error {
	var buf [8]byte
	_, err := unix.Read(w.fd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (w *eventfdWaker) Close() error {
	return unix.Close(w.fd)
}
