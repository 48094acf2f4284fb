package poller

// Event is a set of readiness conditions
type Event uint32

const (
	// Readable means the descriptor has data (or a pending accept)
	Readable Event = 1 << iota
	// Writable means a write will not block
	Writable
	// Hangup means the peer closed its side
	Hangup
	// Error means the descriptor is in an error state
	Error
)

// Ready is a single readiness notification
type Ready struct {
	Fd     int
	Events Event
}

// Poller is the I/O multiplexing interface.
//
// The slice returned by Wait is reused by the next call to Wait.
type Poller interface {
	Add(fd int, events Event) error
	Modify(fd int, events Event) error
	Remove(fd int) error
	Wait(timeout int) ([]Ready, error)

	// FD returns the multiplexer's own descriptor. It is itself pollable and
	// reports readable whenever any registered descriptor is ready.
	FD() int
	Close() error
}

// Waker interrupts a Wait from another goroutine. Its FD is registered with
// a Poller for Readable like any other descriptor.
type Waker interface {
	FD() int
	Wake() error
	Drain() error
	Close() error
}
