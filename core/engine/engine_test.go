package engine

import (
	"bufio"
	"io"
	"net"
	nethttp "net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a minimal access handler that accumulates bodies per
// connection and answers through respond
type recorder struct {
	mu        sync.Mutex
	bodies    map[ConnID][]byte
	starts    int
	completed []TerminationCode

	// respond builds the response on the final call; nil queues nothing
	respond func(method, url string, body []byte) (int, string)
	// rejectChunk queues a 413 as soon as a body chunk arrives
	rejectChunk bool
}

func newRecorder() *recorder {
	return &recorder{
		bodies: make(map[ConnID][]byte),
		respond: func(method, url string, body []byte) (int, string) {
			if url == "/missing" {
				return 404, "404 not found"
			}
			return 200, method + " " + url + " " + string(body)
		},
	}
}

func (r *recorder) Access(c Conn, method, url string, chunk []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	body, ok := r.bodies[c.ID()]
	if !ok {
		r.bodies[c.ID()] = []byte{}
		r.starts++
		return 0, nil
	}

	if len(chunk) > 0 {
		if r.rejectChunk {
			return len(chunk), c.QueueResponse(413, nil, []byte("413 payload too large"))
		}
		r.bodies[c.ID()] = append(body, chunk...)
		return len(chunk), nil
	}

	delete(r.bodies, c.ID())
	if r.respond == nil {
		return 0, nil
	}
	status, out := r.respond(method, url, body)
	return 0, c.QueueResponse(status, map[string]string{"Content-Type": "text/plain", "X-Query": c.Query()}, []byte(out))
}

func (r *recorder) Completed(c Conn, code TerminationCode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.bodies, c.ID())
	r.completed = append(r.completed, code)
}

func (r *recorder) snapshot() (int, []TerminationCode, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, append([]TerminationCode(nil), r.completed...), len(r.bodies)
}

// serve pumps the engine on its own goroutine until the test ends. All
// engine calls happen on that goroutine.
func serve(t *testing.T, h AccessHandler) (string, func()) {
	t.Helper()
	return serveWith(t, h, Options{}, nil)
}

// serveWith is serve with options; observe runs on the pump goroutine
// after every step
func serveWith(t *testing.T, h AccessHandler, opts Options, observe func(*Engine)) (string, func()) {
	t.Helper()

	e := New(h, opts)
	require.NoError(t, e.Start(0))
	addr := e.Addr().String()

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			select {
			case <-done:
				assert.NoError(t, e.Stop())
				assert.ErrorIs(t, e.Run(), ErrStopped)
				return
			default:
			}
			assert.NoError(t, e.Run())
			if observe != nil {
				observe(e)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			<-stopped
		})
	}
	t.Cleanup(stop)

	return addr, stop
}

func roundTrip(t *testing.T, conn net.Conn, br *bufio.Reader, raw string) *nethttp.Response {
	t.Helper()

	_, err := io.WriteString(conn, raw)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	resp, err := nethttp.ReadResponse(br, nil)
	require.NoError(t, err)
	return resp
}

func readBody(t *testing.T, resp *nethttp.Response) string {
	t.Helper()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return string(b)
}

func TestEngine(t *testing.T) {
	t.Run("will serve requests through the standard client", func(t *testing.T) {
		rec := newRecorder()
		addr, _ := serve(t, rec)

		resp, err := nethttp.Get("http://" + addr + "/hello?x=1")
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "GET /hello ", readBody(t, resp))
		assert.Equal(t, "x=1", resp.Header.Get("X-Query"))
		assert.NotEmpty(t, resp.Header.Get("Date"))

		resp, err = nethttp.Post("http://"+addr+"/echo", "text/plain", strings.NewReader("payload"))
		require.NoError(t, err)
		assert.Equal(t, "POST /echo payload", readBody(t, resp))

		resp, err = nethttp.Get("http://" + addr + "/missing")
		require.NoError(t, err)
		assert.Equal(t, 404, resp.StatusCode)
		assert.Equal(t, "404 not found", readBody(t, resp))
	})

	t.Run("will reassemble a chunked body sent in pieces", func(t *testing.T) {
		rec := newRecorder()
		addr, _ := serve(t, rec)

		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer conn.Close()

		_, err = io.WriteString(conn, "POST /echo HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n2\r\nab\r\n")
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)

		resp := roundTrip(t, conn, bufio.NewReader(conn), "2\r\ncd\r\n0\r\n\r\n")
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "POST /echo abcd", readBody(t, resp))

		starts, completed, open := rec.snapshot()
		assert.Equal(t, 1, starts)
		assert.Equal(t, []TerminationCode{TerminationCompletedOK}, completed)
		assert.Zero(t, open)
	})

	t.Run("will keep the connection alive across requests", func(t *testing.T) {
		rec := newRecorder()
		addr, _ := serve(t, rec)

		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer conn.Close()
		br := bufio.NewReader(conn)

		resp := roundTrip(t, conn, br, "GET /a HTTP/1.1\r\nHost: x\r\n\r\n")
		assert.Equal(t, "GET /a ", readBody(t, resp))
		assert.False(t, resp.Close)

		resp = roundTrip(t, conn, br, "PUT /b HTTP/1.1\r\nHost: x\r\nContent-Length: 3\r\n\r\nxyz")
		assert.Equal(t, "PUT /b xyz", readBody(t, resp))

		resp = roundTrip(t, conn, br, "GET /c HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n")
		assert.Equal(t, "GET /c ", readBody(t, resp))
		assert.True(t, resp.Close)

		_, err = br.ReadByte()
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("will omit the body of HEAD responses", func(t *testing.T) {
		rec := newRecorder()
		addr, _ := serve(t, rec)

		resp, err := nethttp.Head("http://" + addr + "/hello")
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, int64(len("HEAD /hello ")), resp.ContentLength)
		assert.Empty(t, readBody(t, resp))
	})

	t.Run("will answer Expect 100-continue before the body", func(t *testing.T) {
		rec := newRecorder()
		addr, _ := serve(t, rec)

		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer conn.Close()
		br := bufio.NewReader(conn)

		resp := roundTrip(t, conn, br, "POST /up HTTP/1.1\r\nHost: x\r\nExpect: 100-continue\r\nContent-Length: 2\r\n\r\n")
		assert.Equal(t, 100, resp.StatusCode)

		resp = roundTrip(t, conn, br, "ok")
		assert.Equal(t, "POST /up ok", readBody(t, resp))
	})

	t.Run("will reject a malformed head with 400", func(t *testing.T) {
		rec := newRecorder()
		addr, _ := serve(t, rec)

		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer conn.Close()

		resp := roundTrip(t, conn, bufio.NewReader(conn), "BROKEN\r\n\r\n")
		assert.Equal(t, 400, resp.StatusCode)
		assert.Equal(t, "400 bad request", readBody(t, resp))

		starts, completed, _ := rec.snapshot()
		assert.Zero(t, starts)
		assert.Empty(t, completed)
	})

	t.Run("will reject an oversize head with 431", func(t *testing.T) {
		rec := newRecorder()
		addr, _ := serve(t, rec)

		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer conn.Close()

		raw := "GET / HTTP/1.1\r\nX-Big: " + strings.Repeat("a", DefaultMaxHeaderSize) + "\r\n\r\n"
		resp := roundTrip(t, conn, bufio.NewReader(conn), raw)
		assert.Equal(t, 431, resp.StatusCode)
	})

	t.Run("will answer 500 when nothing is queued", func(t *testing.T) {
		rec := newRecorder()
		rec.respond = nil
		addr, _ := serve(t, rec)

		resp, err := nethttp.Get("http://" + addr + "/silent")
		require.NoError(t, err)
		assert.Equal(t, 500, resp.StatusCode)
		assert.Equal(t, "500 internal server error", readBody(t, resp))
	})

	t.Run("will close after a response queued before the body ends", func(t *testing.T) {
		rec := newRecorder()
		rec.rejectChunk = true
		addr, _ := serve(t, rec)

		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer conn.Close()
		br := bufio.NewReader(conn)

		resp := roundTrip(t, conn, br, "POST /big HTTP/1.1\r\nHost: x\r\nContent-Length: 100\r\n\r\nabc")
		assert.Equal(t, 413, resp.StatusCode)
		assert.True(t, resp.Close)
		assert.Equal(t, "413 payload too large", readBody(t, resp))

		_, err = br.ReadByte()
		assert.ErrorIs(t, err, io.EOF)

		_, completed, open := rec.snapshot()
		assert.Equal(t, []TerminationCode{TerminationCompletedOK}, completed)
		assert.Zero(t, open)
	})

	t.Run("will report a request abandoned by the peer", func(t *testing.T) {
		rec := newRecorder()
		addr, _ := serve(t, rec)

		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)

		_, err = io.WriteString(conn, "POST /x HTTP/1.1\r\nHost: x\r\nContent-Length: 10\r\n\r\nabc")
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, conn.Close())

		assert.Eventually(t, func() bool {
			_, completed, _ := rec.snapshot()
			return len(completed) == 1 && completed[0] == TerminationWithError
		}, 2*time.Second, 5*time.Millisecond)

		_, _, open := rec.snapshot()
		assert.Zero(t, open)
	})

	t.Run("will report requests in flight at stop as shutdown", func(t *testing.T) {
		rec := newRecorder()
		addr, stop := serve(t, rec)

		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer conn.Close()

		_, err = io.WriteString(conn, "POST /x HTTP/1.1\r\nHost: x\r\nContent-Length: 10\r\n\r\nabc")
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			starts, _, _ := rec.snapshot()
			return starts == 1
		}, 2*time.Second, 5*time.Millisecond)

		stop()

		_, completed, open := rec.snapshot()
		assert.Equal(t, []TerminationCode{TerminationDaemonShutdown}, completed)
		assert.Zero(t, open)
	})

	t.Run("will hold back pipelined requests while the peer is not reading", func(t *testing.T) {
		const (
			requests = 2000
			respSize = 16 << 10
			limit    = 64 << 10
		)
		payload := strings.Repeat("x", respSize)

		rec := newRecorder()
		rec.respond = func(string, string, []byte) (int, string) {
			return 200, payload
		}

		var peak atomic.Int64
		addr, _ := serveWith(t, rec, Options{MaxPendingOutput: limit}, func(e *Engine) {
			if n := int64(e.PendingOutput()); n > peak.Load() {
				peak.Store(n)
			}
		})

		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer conn.Close()

		_, err = io.WriteString(conn, strings.Repeat("GET /x HTTP/1.1\r\nHost: x\r\n\r\n", requests))
		require.NoError(t, err)

		time.Sleep(300 * time.Millisecond)
		starts, _, _ := rec.snapshot()
		assert.Less(t, starts, requests)
		assert.LessOrEqual(t, peak.Load(), int64(limit+respSize+512))

		// reading drains the output and resumes the held back requests
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(30*time.Second)))
		br := bufio.NewReader(conn)
		for i := 0; i < requests; i++ {
			resp, err := nethttp.ReadResponse(br, nil)
			require.NoError(t, err)
			require.Len(t, readBody(t, resp), respSize)
		}

		starts, _, _ = rec.snapshot()
		assert.Equal(t, requests, starts)
		assert.LessOrEqual(t, peak.Load(), int64(limit+respSize+512))
	})
}

func TestEngineLifecycle(t *testing.T) {
	t.Run("will refuse to run before start", func(t *testing.T) {
		e := New(newRecorder(), Options{})
		assert.ErrorIs(t, e.Run(), ErrNotStarted)
		assert.Equal(t, -1, e.FD())
		assert.Nil(t, e.Addr())
	})

	t.Run("will report a bind failure as a start error", func(t *testing.T) {
		ln, err := net.Listen("tcp", ":0")
		require.NoError(t, err)
		defer ln.Close()
		port := uint(ln.Addr().(*net.TCPAddr).Port)

		e := New(newRecorder(), Options{})
		err = e.Start(port)

		var se *StartError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, port, se.Port)
		assert.ErrorIs(t, e.Run(), ErrNotStarted)
	})

	t.Run("will stop idempotently", func(t *testing.T) {
		e := New(newRecorder(), Options{})
		require.NoError(t, e.Start(0))
		assert.GreaterOrEqual(t, e.FD(), 0)
		assert.ErrorIs(t, e.Start(0), ErrStarted)

		require.NoError(t, e.Stop())
		require.NoError(t, e.Stop())
		assert.ErrorIs(t, e.Run(), ErrStopped)
		assert.ErrorIs(t, e.Start(0), ErrStopped)
	})
}

func TestTerminationCode(t *testing.T) {
	assert.Equal(t, "completed", TerminationCompletedOK.String())
	assert.Equal(t, "error", TerminationWithError.String())
	assert.Equal(t, "shutdown", TerminationDaemonShutdown.String())
	assert.Equal(t, "unknown(9)", TerminationCode(9).String())
}
