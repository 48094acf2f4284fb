package engine

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/searchktools/mu/core/poller"
	"github.com/searchktools/mu/core/pools"
)

// TerminationCode tells the access handler how a request ended
type TerminationCode int

const (
	// TerminationCompletedOK means the response was queued
	TerminationCompletedOK TerminationCode = iota
	// TerminationWithError means the peer went away or the request was malformed
	TerminationWithError
	// TerminationDaemonShutdown means the engine stopped with the request in flight
	TerminationDaemonShutdown
)

func (c TerminationCode) String() string {
	switch c {
	case TerminationCompletedOK:
		return "completed"
	case TerminationWithError:
		return "error"
	case TerminationDaemonShutdown:
		return "shutdown"
	default:
		return "unknown(" + strconv.Itoa(int(c)) + ")"
	}
}

// AccessHandler receives requests from the engine.
//
// Access is called with a nil chunk once the request head is parsed, once
// per body chunk, and once more with a nil chunk when the body is complete.
// It returns how many chunk bytes it consumed; the rest is redelivered. A
// non-nil error closes the connection. Completed is called exactly once per
// request that reached Access.
type AccessHandler interface {
	Access(c Conn, method, url string, chunk []byte) (int, error)
	Completed(c Conn, code TerminationCode)
}

// Options configures an Engine
type Options struct {
	// MaxHeaderSize bounds the request line plus headers
	MaxHeaderSize int
	// ReadBufferSize is the size of a single socket read
	ReadBufferSize int
	// MaxPendingOutput is how much unsent response data a connection may
	// hold before the engine stops reading its pipelined requests
	MaxPendingOutput int
	Logger           *zap.Logger
}

const (
	DefaultMaxHeaderSize    = 16 << 10
	DefaultReadBufferSize   = 8 << 10
	DefaultMaxPendingOutput = 256 << 10
)

// Engine is a non-blocking HTTP/1.1 engine driven from the outside: its
// multiplexer descriptor is polled by the caller, which then calls Run.
// It is not safe for concurrent use.
type Engine struct {
	handler AccessHandler
	opts    Options
	logger  *zap.Logger

	poller   poller.Poller
	lnFile   *os.File
	lfd      int
	addr     net.Addr
	conns    map[int]*conn
	nextID   ConnID
	bytePool *pools.BytePool

	stopped bool
}

// New creates a new engine instance
func New(handler AccessHandler, opts Options) *Engine {
	if opts.MaxHeaderSize <= 0 {
		opts.MaxHeaderSize = DefaultMaxHeaderSize
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultReadBufferSize
	}
	if opts.MaxPendingOutput <= 0 {
		opts.MaxPendingOutput = DefaultMaxPendingOutput
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Engine{
		handler:  handler,
		opts:     opts,
		logger:   opts.Logger,
		lfd:      -1,
		conns:    make(map[int]*conn, 1024),
		bytePool: pools.NewBytePool(),
	}
}

// Start binds the listener on port (0 picks an ephemeral port) and
// registers it with the engine's multiplexer
func (e *Engine) Start(port uint) error {
	if e.stopped {
		return ErrStopped
	}
	if e.poller != nil {
		return ErrStarted
	}

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{Port: int(port)})
	if err != nil {
		return &StartError{Port: port, Cause: err}
	}
	// the dup'd file keeps the socket listening after ln is closed
	defer ln.Close()

	lnFile, err := ln.File()
	if err != nil {
		return &StartError{Port: port, Cause: err}
	}
	lfd := int(lnFile.Fd())

	if err := unix.SetNonblock(lfd, true); err != nil {
		lnFile.Close()
		return &StartError{Port: port, Cause: err}
	}

	p, err := poller.NewPoller()
	if err != nil {
		lnFile.Close()
		return &StartError{Port: port, Cause: err}
	}
	if err := p.Add(lfd, poller.Readable); err != nil {
		p.Close()
		lnFile.Close()
		return &StartError{Port: port, Cause: err}
	}

	e.poller = p
	e.lnFile = lnFile
	e.lfd = lfd
	e.addr = ln.Addr()

	e.logger.Info("engine listening", zap.String("addr", e.addr.String()))
	return nil
}

// Addr returns the bound listener address, or nil before Start
func (e *Engine) Addr() net.Addr {
	return e.addr
}

// FD returns the readiness descriptor. It is readable whenever Run has
// work to do.
func (e *Engine) FD() int {
	if e.poller == nil {
		return -1
	}
	return e.poller.FD()
}

// Run performs one non-blocking processing step: accept pending
// connections, read and dispatch requests, flush pending writes.
func (e *Engine) Run() error {
	if e.stopped {
		return ErrStopped
	}
	if e.poller == nil {
		return ErrNotStarted
	}

	ready, err := e.poller.Wait(0)
	if err != nil {
		return fmt.Errorf("engine poll: %w", err)
	}

	for _, r := range ready {
		if r.Fd == e.lfd {
			e.accept()
			continue
		}

		c, ok := e.conns[r.Fd]
		if !ok {
			continue
		}
		c.handle(r.Events)
	}

	return nil
}

// accept accepts every pending connection
func (e *Engine) accept() {
	for {
		nfd, sa, err := unix.Accept(e.lfd)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return
			case unix.EINTR, unix.ECONNABORTED:
				continue
			}
			e.logger.Warn("accept failed", zap.Error(err))
			return
		}

		unix.CloseOnExec(nfd)
		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			continue
		}

		// TCP_NODELAY: Disable Nagle's algorithm
		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		if err := e.poller.Add(nfd, poller.Readable); err != nil {
			e.logger.Warn("register connection failed", zap.Error(err))
			unix.Close(nfd)
			continue
		}

		e.nextID++
		c := &conn{
			e:      e,
			fd:     nfd,
			id:     e.nextID,
			remote: sockaddrString(sa),
			state:  stateHead,
			events: poller.Readable,
		}
		e.conns[nfd] = c

		e.logger.Debug("connection accepted",
			zap.Uint64("conn", uint64(c.id)), zap.String("remote", c.remote))
	}
}

// closeConn closes and cleans up a connection
func (e *Engine) closeConn(c *conn) {
	// Clean up in correct order:
	// 1. Remove from poller first (stop receiving events)
	// 2. Close the fd
	if e.conns[c.fd] == c {
		delete(e.conns, c.fd)
	}
	_ = e.poller.Remove(c.fd)
	_ = unix.Close(c.fd)

	c.in = nil
	c.out = nil
	e.logger.Debug("connection closed", zap.Uint64("conn", uint64(c.id)))
}

// PendingOutput returns the response bytes queued but not yet written,
// summed over all connections
func (e *Engine) PendingOutput() int {
	n := 0
	for _, c := range e.conns {
		n += len(c.out)
	}
	return n
}

// Len returns the number of open connections
func (e *Engine) Len() int {
	return len(e.conns)
}

// Stop closes the listener and every connection. Requests in flight are
// reported to the access handler as ended by shutdown. Stop is idempotent.
func (e *Engine) Stop() error {
	if e.stopped {
		return nil
	}
	e.stopped = true

	if e.poller == nil {
		return nil
	}

	for _, c := range e.conns {
		c.notify(TerminationDaemonShutdown)
		c.state = stateClosed
		_ = unix.Close(c.fd)
	}
	clear(e.conns)

	var errs []error
	if err := e.lnFile.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close listener: %w", err))
	}
	if err := e.poller.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close poller: %w", err))
	}

	e.logger.Info("engine stopped")
	return errors.Join(errs...)
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return ""
	}
}
