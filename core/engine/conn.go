package engine

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/searchktools/mu/core/http"
	"github.com/searchktools/mu/core/poller"
)

// ConnID identifies a connection. IDs are never reused within an engine,
// unlike file descriptors.
type ConnID uint64

// Conn is the engine's view of a connection handed to the access handler
type Conn interface {
	ID() ConnID
	RemoteAddr() string
	Proto() string
	Header() map[string]string
	Query() string

	// QueueResponse queues the response for the current request. It may be
	// called once per request; later calls return ErrResponseQueued.
	QueueResponse(status int, header map[string]string, body []byte) error
}

// Connection states
const (
	stateHead = iota
	stateBody
	stateDrain // response queued, close once flushed
	stateClosed
)

var (
	crlf       = []byte("\r\n")
	headEnd    = []byte("\r\n\r\n")
	continue11 = []byte("HTTP/1.1 100 Continue\r\n\r\n")
)

// request is the in-flight logical request on a connection
type request struct {
	*head

	chunked  chunkedDecoder
	pending  []byte // framed body bytes not yet consumed by the handler
	final    bool   // final access call has started
	queued   bool
	notified bool
}

func (r *request) bodyComplete() bool {
	switch r.framing {
	case bodyLength:
		return r.contentLength == 0
	case bodyChunked:
		return r.chunked.done()
	default:
		return true
	}
}

// conn is an accepted connection
type conn struct {
	e      *Engine
	fd     int
	id     ConnID
	remote string

	state      int
	in         []byte
	out        []byte
	req        *request
	events     poller.Event
	paused     bool // reading stopped until out drains
	readClosed bool
	writeShut  bool
}

func (c *conn) ID() ConnID         { return c.id }
func (c *conn) RemoteAddr() string { return c.remote }

func (c *conn) Proto() string {
	if c.req == nil {
		return ""
	}
	return c.req.proto
}

func (c *conn) Header() map[string]string {
	if c.req == nil {
		return nil
	}
	return c.req.header
}

func (c *conn) Query() string {
	if c.req == nil {
		return ""
	}
	return c.req.query
}

// QueueResponse implements Conn
func (c *conn) QueueResponse(status int, header map[string]string, body []byte) error {
	r := c.req
	if r == nil {
		return ErrNoRequest
	}
	if r.queued {
		return ErrResponseQueued
	}
	if err := validateHeader(header); err != nil {
		return err
	}
	r.queued = true

	// a response before the body is complete ends the connection
	closing := !r.keepAlive || !r.final
	c.out = appendResponse(c.out, responseHead{
		status:    status,
		header:    header,
		bodyLen:   len(body),
		omitBody:  r.method == "HEAD",
		close:     closing,
		keepAlive: !closing && r.proto == "HTTP/1.0",
	}, body)

	return nil
}

// handle processes one readiness notification
func (c *conn) handle(events poller.Event) {
	if events&poller.Error != 0 {
		c.fail(errors.New("socket error"))
		return
	}
	if events&poller.Writable != 0 {
		c.flush()
	}
	if c.state != stateClosed && !c.paused && events&(poller.Readable|poller.Hangup) != 0 {
		c.read()
	}
}

func (c *conn) read() {
	buf := c.e.bytePool.Get(c.e.opts.ReadBufferSize)
	defer c.e.bytePool.Put(buf)

	n, err := unix.Read(c.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		c.fail(err)
		return
	}

	if n == 0 {
		c.onEOF()
		return
	}

	// after an early response the rest of the input is discarded
	if c.state == stateDrain {
		return
	}

	c.in = append(c.in, buf[:n]...)
	c.advance()
	if c.state != stateClosed {
		c.flush()
	}
}

// advance runs the request state machine as far as buffered input allows
func (c *conn) advance() {
	for {
		switch c.state {
		case stateHead:
			// hold pipelined requests back while the peer is not reading
			if len(c.out) >= c.e.opts.MaxPendingOutput {
				c.pause()
				return
			}
			if !c.readHead() {
				return
			}
		case stateBody:
			if !c.readBody() {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) readHead() bool {
	// tolerate empty lines between requests
	for bytes.HasPrefix(c.in, crlf) {
		c.consume(2)
	}
	if len(c.in) == 0 {
		return false
	}

	end := bytes.Index(c.in, headEnd)
	if end == -1 {
		if len(c.in) > c.e.opts.MaxHeaderSize {
			c.reject(http.StatusHeaderFieldsTooLarge)
		}
		return false
	}
	if end+len(headEnd) > c.e.opts.MaxHeaderSize {
		c.reject(http.StatusHeaderFieldsTooLarge)
		return false
	}

	h, err := parseHead(c.in[:end])
	if err != nil {
		c.e.logger.Debug("bad request head",
			zap.Uint64("conn", uint64(c.id)), zap.Error(err))
		status := http.StatusBadRequest
		var pe *protocolError
		if errors.As(err, &pe) {
			status = pe.status
		}
		c.reject(status)
		return false
	}
	c.consume(end + len(headEnd))

	c.req = &request{head: h}
	c.state = stateBody

	if _, err := c.e.handler.Access(c, h.method, h.path, nil); err != nil {
		c.abort(err)
		return false
	}
	if c.req.queued {
		c.finishEarly()
		return false
	}

	if h.expect100 && h.framing != bodyNone {
		c.out = append(c.out, continue11...)
	}
	return true
}

func (c *conn) readBody() bool {
	r := c.req

	switch r.framing {
	case bodyLength:
		n := int64(len(c.in))
		if n > r.contentLength {
			n = r.contentLength
		}
		r.pending = append(r.pending, c.in[:n]...)
		r.contentLength -= n
		c.consume(int(n))
	case bodyChunked:
		var n int
		var err error
		r.pending, n, err = r.chunked.decode(r.pending, c.in)
		c.consume(n)
		if err != nil {
			c.e.logger.Debug("bad chunked body",
				zap.Uint64("conn", uint64(c.id)), zap.Error(err))
			c.notify(TerminationWithError)
			c.reject(http.StatusBadRequest)
			return false
		}
	}

	for len(r.pending) > 0 {
		consumed, err := c.e.handler.Access(c, r.method, r.path, r.pending)
		if err != nil {
			c.abort(err)
			return false
		}
		if r.queued {
			c.finishEarly()
			return false
		}
		if consumed <= 0 {
			// redelivered on a later step
			return false
		}
		if consumed > len(r.pending) {
			consumed = len(r.pending)
		}
		n := copy(r.pending, r.pending[consumed:])
		r.pending = r.pending[:n]
	}

	if !r.bodyComplete() {
		return false
	}

	r.final = true
	if _, err := c.e.handler.Access(c, r.method, r.path, nil); err != nil {
		c.abort(err)
		return false
	}
	if !r.queued {
		c.e.logger.Error("no response queued",
			zap.Uint64("conn", uint64(c.id)),
			zap.String("method", r.method),
			zap.String("url", r.path))
		_ = c.QueueResponse(http.StatusInternalServerError, nil, []byte("500 internal server error"))
	}
	c.notify(TerminationCompletedOK)

	if !r.keepAlive {
		c.req = nil
		c.state = stateDrain
		return false
	}

	c.req = nil
	c.state = stateHead
	return true
}

// finishEarly ends a request whose response was queued before its body
// was fully read
func (c *conn) finishEarly() {
	c.notify(TerminationCompletedOK)
	c.req = nil
	c.in = nil
	c.state = stateDrain
}

// reject answers a request the handler never saw, then closes
func (c *conn) reject(status int) {
	c.out = appendError(c.out, status, fmt.Sprintf("%d %s", status, strings.ToLower(http.StatusText(status))))
	c.req = nil
	c.in = nil
	c.state = stateDrain
}

// notify reports the end of the current request to the access handler once
func (c *conn) notify(code TerminationCode) {
	if c.req == nil || c.req.notified {
		return
	}
	c.req.notified = true
	c.e.handler.Completed(c, code)
}

func (c *conn) abort(err error) {
	c.e.logger.Debug("request aborted by handler",
		zap.Uint64("conn", uint64(c.id)), zap.Error(err))
	c.notify(TerminationWithError)
	c.close()
}

func (c *conn) fail(err error) {
	c.e.logger.Debug("connection failed",
		zap.Uint64("conn", uint64(c.id)), zap.Error(err))
	c.notify(TerminationWithError)
	c.close()
}

func (c *conn) onEOF() {
	c.readClosed = true

	if c.req != nil {
		c.notify(TerminationWithError)
		c.close()
		return
	}
	if len(c.out) == 0 {
		c.close()
		return
	}

	c.state = stateDrain
	c.flush()
}

// flush writes as much pending output as the socket accepts
func (c *conn) flush() {
	for {
		for len(c.out) > 0 {
			n, err := unix.Write(c.fd, c.out)
			if err != nil {
				if err == unix.EINTR {
					continue
				}
				if err == unix.EAGAIN {
					c.setInterest(true)
					return
				}
				c.fail(err)
				return
			}
			c.out = c.out[n:]
		}
		c.out = nil

		if !c.paused {
			break
		}
		// output drained: parse the requests held back
		c.paused = false
		c.advance()
		if c.state == stateClosed {
			return
		}
		if len(c.out) == 0 {
			break
		}
	}
	c.setInterest(false)

	if c.state != stateDrain {
		return
	}
	if c.readClosed {
		c.close()
		return
	}
	// half-close and wait for the peer's EOF so unread input cannot
	// turn into a reset that loses the response
	if !c.writeShut {
		c.writeShut = true
		if err := unix.Shutdown(c.fd, unix.SHUT_WR); err != nil {
			c.close()
		}
	}
}

func (c *conn) pause() {
	if c.paused {
		return
	}
	c.paused = true
	c.e.logger.Debug("connection paused",
		zap.Uint64("conn", uint64(c.id)), zap.Int("pending", len(c.out)))
}

// setInterest updates the poller registration. Reads are watched unless
// the peer closed its side or the connection is paused.
func (c *conn) setInterest(writable bool) {
	var events poller.Event
	if !c.readClosed && !c.paused {
		events |= poller.Readable
	}
	if writable {
		events |= poller.Writable
	}
	if events == c.events {
		return
	}

	if err := c.e.poller.Modify(c.fd, events); err != nil {
		c.fail(err)
		return
	}
	c.events = events
}

// consume drops n bytes from the front of the input buffer
func (c *conn) consume(n int) {
	m := copy(c.in, c.in[n:])
	c.in = c.in[:m]
}

// close releases the connection. Callers report the request first.
func (c *conn) close() {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	c.e.closeConn(c)
}
