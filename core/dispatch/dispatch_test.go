package dispatch

import (
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/searchktools/mu/core/engine"
	"github.com/searchktools/mu/core/http"
	"github.com/searchktools/mu/core/metrics"
	"github.com/searchktools/mu/core/router"
)

type queued struct {
	status int
	header map[string]string
	body   []byte
}

type fakeConn struct {
	id        engine.ConnID
	header    map[string]string
	query     string
	responses []queued
}

func (f *fakeConn) ID() engine.ConnID         { return f.id }
func (f *fakeConn) RemoteAddr() string        { return "127.0.0.1:9" }
func (f *fakeConn) Proto() string             { return "HTTP/1.1" }
func (f *fakeConn) Header() map[string]string { return f.header }
func (f *fakeConn) Query() string             { return f.query }

func (f *fakeConn) QueueResponse(status int, header map[string]string, body []byte) error {
	if len(f.responses) > 0 {
		return engine.ErrResponseQueued
	}
	f.responses = append(f.responses, queued{status: status, header: header, body: body})
	return nil
}

// drive plays the engine's call sequence for one request
func drive(t *testing.T, d *Dispatcher, c engine.Conn, method, url string, chunks ...string) {
	t.Helper()

	n, err := d.Access(c, method, url, nil)
	require.NoError(t, err)
	require.Zero(t, n)

	for _, chunk := range chunks {
		n, err := d.Access(c, method, url, []byte(chunk))
		require.NoError(t, err)
		require.Equal(t, len(chunk), n)
	}

	n, err = d.Access(c, method, url, nil)
	require.NoError(t, err)
	require.Zero(t, n)
}

// recording registers POST /echo and counts its invocations
type recording struct {
	calls  int
	bodies [][]byte
	sizes  []int
}

func (r *recording) Handle(req *http.Request) (http.Response, int) {
	r.calls++
	r.bodies = append(r.bodies, append([]byte(nil), req.Body...))
	r.sizes = append(r.sizes, req.BodySize())
	return http.Bytes(req.Body), http.StatusOK
}

func newDispatcher(opts Options) (*Dispatcher, *recording) {
	rec := &recording{}
	table := router.NewTable()
	table.Register("POST", "/echo", rec)
	table.Register("GET", "/hello", http.HandlerFunc(func(*http.Request) (http.Response, int) {
		return http.Text("world"), http.StatusOK
	}))
	return New(table, opts), rec
}

func TestDispatcherBody(t *testing.T) {
	t.Run("will hand the concatenation of all chunks to the handler", func(t *testing.T) {
		for _, chunks := range [][]string{
			nil,
			{"ab"},
			{"ab", "cd"},
			{"a", "b", "c", "d", "e"},
			{strings.Repeat("x", 4096), "y"},
		} {
			d, rec := newDispatcher(Options{})
			c := &fakeConn{id: 1}

			drive(t, d, c, "POST", "/echo", chunks...)

			want := strings.Join(chunks, "")
			require.Equal(t, 1, rec.calls)
			assert.Equal(t, want, string(rec.bodies[0]))
			assert.Equal(t, len(want), rec.sizes[0])

			require.Len(t, c.responses, 1)
			assert.Equal(t, 200, c.responses[0].status)
			assert.Equal(t, want, string(c.responses[0].body))
			assert.Zero(t, d.Len())
		}
	})

	t.Run("will copy chunks the engine reuses", func(t *testing.T) {
		d, rec := newDispatcher(Options{})
		c := &fakeConn{id: 1}

		buf := []byte("ab")
		_, err := d.Access(c, "POST", "/echo", nil)
		require.NoError(t, err)
		_, err = d.Access(c, "POST", "/echo", buf)
		require.NoError(t, err)
		copy(buf, "zz")
		_, err = d.Access(c, "POST", "/echo", nil)
		require.NoError(t, err)

		assert.Equal(t, "ab", string(rec.bodies[0]))
	})

	t.Run("will keep interleaved connections apart", func(t *testing.T) {
		d, rec := newDispatcher(Options{})
		c1 := &fakeConn{id: 1}
		c2 := &fakeConn{id: 2}

		steps := []struct {
			c     *fakeConn
			chunk string
		}{
			{c1, ""}, {c2, ""}, {c1, "ab"}, {c2, "12"}, {c2, "34"}, {c1, "cd"},
		}
		for _, s := range steps {
			var chunk []byte
			if s.chunk != "" {
				chunk = []byte(s.chunk)
			}
			_, err := d.Access(s.c, "POST", "/echo", chunk)
			require.NoError(t, err)
		}
		assert.Equal(t, 2, d.Len())

		_, err := d.Access(c2, "POST", "/echo", nil)
		require.NoError(t, err)
		_, err = d.Access(c1, "POST", "/echo", nil)
		require.NoError(t, err)

		assert.Equal(t, 2, rec.calls)
		assert.Equal(t, "1234", string(c2.responses[0].body))
		assert.Equal(t, "abcd", string(c1.responses[0].body))
		assert.Zero(t, d.Len())
	})
}

func TestDispatcherRouting(t *testing.T) {
	t.Run("will answer the registered handler's response", func(t *testing.T) {
		d, _ := newDispatcher(Options{})
		c := &fakeConn{id: 1}

		drive(t, d, c, "GET", "/hello")

		require.Len(t, c.responses, 1)
		assert.Equal(t, 200, c.responses[0].status)
		assert.Equal(t, "world", string(c.responses[0].body))
	})

	t.Run("will answer 404 without invoking any handler", func(t *testing.T) {
		d, rec := newDispatcher(Options{})

		for i, target := range []struct{ method, url string }{
			{"GET", "/missing"},
			{"GET", "/echo"},
			{"POST", "/echo/"},
			{"post", "/echo"},
		} {
			c := &fakeConn{id: engine.ConnID(i + 1)}
			drive(t, d, c, target.method, target.url, "body")

			require.Len(t, c.responses, 1)
			assert.Equal(t, 404, c.responses[0].status)
			assert.Equal(t, NotFoundBody, string(c.responses[0].body))
		}
		assert.Zero(t, rec.calls)
	})

	t.Run("will pass request metadata to the handler", func(t *testing.T) {
		var got *http.Request
		table := router.NewTable()
		table.Register("GET", "/meta", http.HandlerFunc(func(req *http.Request) (http.Response, int) {
			got = req
			return http.Response{}, http.StatusNoContent
		}))
		d := New(table, Options{})

		c := &fakeConn{id: 7, header: map[string]string{"X-Id": "abc"}, query: "q=1"}
		drive(t, d, c, "GET", "/meta")

		require.NotNil(t, got)
		assert.Equal(t, "abc", got.GetHeader("x-id"))
		assert.Equal(t, "1", got.QueryValue("q"))
		assert.Equal(t, "HTTP/1.1", got.Proto)
		assert.Equal(t, "127.0.0.1:9", got.RemoteAddr)
		assert.Equal(t, 204, c.responses[0].status)
	})
}

func TestDispatcherLimits(t *testing.T) {
	t.Run("will reject an oversize body with 413 and skip the handler", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m, err := metrics.New(reg)
		require.NoError(t, err)

		d, rec := newDispatcher(Options{MaxBodySize: 4, Metrics: m})
		c := &fakeConn{id: 1}

		drive(t, d, c, "POST", "/echo", "abc", "de", "fgh")

		assert.Zero(t, rec.calls)
		require.Len(t, c.responses, 1)
		assert.Equal(t, 413, c.responses[0].status)
		assert.Equal(t, TooLargeBody, string(c.responses[0].body))
		assert.Zero(t, d.Len())

		resp, _ := metrics.Handler(reg).Handle(&http.Request{})
		assert.Contains(t, string(resp.Body), "mu_rejected_requests_total 1")
		assert.Contains(t, string(resp.Body), "mu_open_requests 0")
	})

	t.Run("will accept a body exactly at the limit", func(t *testing.T) {
		d, rec := newDispatcher(Options{MaxBodySize: 4})
		c := &fakeConn{id: 1}

		drive(t, d, c, "POST", "/echo", "ab", "cd")

		assert.Equal(t, 1, rec.calls)
		assert.Equal(t, 200, c.responses[0].status)
	})
}

func TestDispatcherCompleted(t *testing.T) {
	t.Run("will drop the context of an abandoned request", func(t *testing.T) {
		d, rec := newDispatcher(Options{})
		c := &fakeConn{id: 1}

		_, err := d.Access(c, "POST", "/echo", nil)
		require.NoError(t, err)
		_, err = d.Access(c, "POST", "/echo", []byte("partial"))
		require.NoError(t, err)
		assert.Equal(t, 1, d.Len())

		d.Completed(c, engine.TerminationWithError)
		assert.Zero(t, d.Len())
		assert.Zero(t, rec.calls)

		// the next request on the same connection starts fresh
		drive(t, d, c, "POST", "/echo", "new")
		assert.Equal(t, "new", string(rec.bodies[0]))
	})

	t.Run("will ignore completion of finished requests", func(t *testing.T) {
		d, _ := newDispatcher(Options{})
		c := &fakeConn{id: 1}

		drive(t, d, c, "GET", "/hello")
		d.Completed(c, engine.TerminationCompletedOK)
		d.Completed(c, engine.TerminationDaemonShutdown)
		assert.Zero(t, d.Len())
	})
}

func TestDispatcherObservability(t *testing.T) {
	t.Run("will log a monotonically increasing request id", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		d, _ := newDispatcher(Options{Logger: zap.New(core)})

		for i := 0; i < 3; i++ {
			drive(t, d, &fakeConn{id: engine.ConnID(i + 1)}, "GET", fmt.Sprintf("/r%d", i))
		}

		entries := logs.FilterMessage("request").All()
		require.Len(t, entries, 3)
		for i, e := range entries {
			fields := e.ContextMap()
			assert.Equal(t, uint64(i+1), fields["request_id"])
			assert.Equal(t, "GET", fields["method"])
			assert.Equal(t, fmt.Sprintf("/r%d", i), fields["url"])
		}
		assert.Equal(t, uint64(3), d.Requests())
	})

	t.Run("will record a span per completed request", func(t *testing.T) {
		sr := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

		var spanValid bool
		table := router.NewTable()
		table.Register("GET", "/traced", http.HandlerFunc(func(req *http.Request) (http.Response, int) {
			spanValid = trace.SpanFromContext(req.Context()).SpanContext().IsValid()
			return http.Text("ok"), http.StatusOK
		}))
		d := New(table, Options{Tracer: tp.Tracer("test")})

		drive(t, d, &fakeConn{id: 1}, "GET", "/traced")
		drive(t, d, &fakeConn{id: 2}, "GET", "/nope")

		assert.True(t, spanValid)

		spans := sr.Ended()
		require.Len(t, spans, 2)
		assert.Equal(t, "mu.dispatch", spans[0].Name())
		assert.Contains(t, spans[0].Attributes(), attribute.Int("http.status_code", 200))
		assert.Contains(t, spans[1].Attributes(), attribute.Int("http.status_code", 404))
	})
}
