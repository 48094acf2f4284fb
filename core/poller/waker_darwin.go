//go:build darwin

package poller

import (
	"golang.org/x/sys/unix"
)

type pipeWaker struct {
	r, w int
}

// NewWaker creates a self-pipe Waker
func NewWaker() (Waker, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, err
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, err
		}
	}
	return &pipeWaker{r: p[0], w: p[1]}, nil
}

func (w *pipeWaker) FD() int {
	return w.r
}

func (w *pipeWaker) Wake() error {
	_, err := unix.Write(w.w, []byte{1})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (w *pipeWaker) Drain() error {
	var buf [64]byte
	for {
		_, err := unix.Read(w.r, buf[:])
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (w *pipeWaker) Close() error {
	err := unix.Close(w.r)
	if cerr := unix.Close(w.w); err == nil {
		err = cerr
	}
	return err
}
