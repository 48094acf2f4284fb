// Package dispatch turns the engine's repeated access callbacks into exactly
// one handler invocation and one queued response per logical request.
package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/searchktools/mu/core/engine"
	"github.com/searchktools/mu/core/http"
	"github.com/searchktools/mu/core/metrics"
)

const (
	// DefaultMaxBodySize bounds a single request body
	DefaultMaxBodySize = 8 << 20

	NotFoundBody = "404 not found"
	TooLargeBody = "413 payload too large"
)

const tracerName = "github.com/searchktools/mu/core/dispatch"

// Matcher resolves a route. *router.Table implements it.
type Matcher interface {
	Match(method, url string) (http.Handler, bool)
}

// ConnectionContext accumulates the body of one in-flight request. It is
// created on the first access call and destroyed when the request completes.
type ConnectionContext struct {
	Body     []byte
	rejected bool
}

// BodySize returns the number of body bytes received so far
func (c *ConnectionContext) BodySize() int {
	return len(c.Body)
}

// Options configures a Dispatcher
type Options struct {
	// MaxBodySize is the largest accepted body; 0 means unlimited
	MaxBodySize int64
	Logger      *zap.Logger
	Metrics     *metrics.Collector
	Tracer      trace.Tracer
}

// Dispatcher is the engine.AccessHandler of the framework. Like the engine
// it runs on the loop goroutine only.
type Dispatcher struct {
	routes   Matcher
	contexts map[engine.ConnID]*ConnectionContext
	requests atomic.Uint64

	maxBody int64
	logger  *zap.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
}

// New creates a dispatcher resolving against routes
func New(routes Matcher, opts Options) *Dispatcher {
	d := &Dispatcher{
		routes:   routes,
		contexts: make(map[engine.ConnID]*ConnectionContext),
		maxBody:  opts.MaxBodySize,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
	}

	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	if d.metrics == nil {
		d.metrics, _ = metrics.New(nil)
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}
	return d
}

// Access implements engine.AccessHandler.
//
// The first call for a connection creates its context. Calls carrying a
// chunk append it. The next call without a chunk completes the request.
func (d *Dispatcher) Access(c engine.Conn, method, url string, chunk []byte) (int, error) {
	cc, ok := d.contexts[c.ID()]
	if !ok {
		d.contexts[c.ID()] = &ConnectionContext{}
		d.metrics.OpenRequests.Inc()
		return 0, nil
	}

	if len(chunk) > 0 {
		d.accumulate(c, cc, method, url, chunk)
		return len(chunk), nil
	}

	d.release(c.ID())
	if cc.rejected {
		return 0, nil
	}
	d.complete(c, method, url, cc)
	return 0, nil
}

func (d *Dispatcher) accumulate(c engine.Conn, cc *ConnectionContext, method, url string, chunk []byte) {
	if cc.rejected {
		return
	}

	if d.maxBody > 0 && int64(len(cc.Body))+int64(len(chunk)) > d.maxBody {
		cc.rejected = true
		cc.Body = nil
		d.metrics.Rejected.Inc()
		d.logger.Warn("request body too large",
			zap.String("method", method),
			zap.String("url", url),
			zap.Int64("limit", d.maxBody))

		resp := http.Text(TooLargeBody)
		if err := c.QueueResponse(http.StatusRequestEntityTooLarge, resp.Header, resp.Body); err != nil {
			d.logger.Error("queue response failed", zap.Error(err))
		}
		return
	}

	// the engine reuses chunk after we return
	cc.Body = append(cc.Body, chunk...)
}

// complete resolves the route, runs the handler and queues its response
func (d *Dispatcher) complete(c engine.Conn, method, url string, cc *ConnectionContext) {
	id := d.requests.Add(1)

	ctx, span := d.tracer.Start(context.Background(), "mu.dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.url", url),
			attribute.Int("http.request.body_size", cc.BodySize()),
			attribute.Int64("mu.request_id", int64(id)),
		))
	defer span.End()

	req := (&http.Request{
		Method:     method,
		URL:        url,
		Proto:      c.Proto(),
		Query:      c.Query(),
		RemoteAddr: c.RemoteAddr(),
		Header:     c.Header(),
		Body:       cc.Body,
	}).WithContext(ctx)

	var resp http.Response
	var status int
	if h, ok := d.routes.Match(method, url); ok {
		start := time.Now()
		resp, status = h.Handle(req)
		d.metrics.ObserveHandler(time.Since(start))
	} else {
		resp, status = http.Text(NotFoundBody), http.StatusNotFound
	}

	d.logger.Info("request",
		zap.Uint64("request_id", id),
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("status", status),
		zap.Int("body_size", cc.BodySize()))

	span.SetAttributes(attribute.Int("http.status_code", status))
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
	d.metrics.ObserveRequest(method, status, cc.BodySize())

	// a failed queue leaves the engine to answer 500
	if err := c.QueueResponse(status, resp.Header, resp.Body); err != nil {
		span.RecordError(err)
		d.logger.Error("queue response failed",
			zap.Uint64("request_id", id), zap.Error(err))
	}
}

// Completed implements engine.AccessHandler. It drops the context of a
// request that ended before its final access call.
func (d *Dispatcher) Completed(c engine.Conn, code engine.TerminationCode) {
	if _, ok := d.contexts[c.ID()]; !ok {
		return
	}
	d.release(c.ID())

	d.logger.Debug("request abandoned",
		zap.Uint64("conn", uint64(c.ID())),
		zap.Stringer("reason", code))
}

func (d *Dispatcher) release(id engine.ConnID) {
	delete(d.contexts, id)
	d.metrics.OpenRequests.Dec()
}

// Len returns the number of live connection contexts
func (d *Dispatcher) Len() int {
	return len(d.contexts)
}

// Requests returns the number of requests completed so far
func (d *Dispatcher) Requests() uint64 {
	return d.requests.Load()
}
