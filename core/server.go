package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/searchktools/mu/core/dispatch"
	"github.com/searchktools/mu/core/engine"
	"github.com/searchktools/mu/core/http"
	"github.com/searchktools/mu/core/loop"
	"github.com/searchktools/mu/core/metrics"
	"github.com/searchktools/mu/core/router"
)

// Server owns the route table and wires the engine, dispatcher, event loop
// and shutdown coordinator together
type Server struct {
	routes   *router.Table
	logger   *zap.Logger
	tracer   trace.Tracer
	registry *prometheus.Registry
	metrics  *metrics.Collector

	maxBodySize    int64
	maxHeaderSize  int
	readBufferSize int
	signals        []os.Signal
	exit           func(int)

	engine      *engine.Engine
	coordinator *ShutdownCoordinator
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger used by every component
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithTracer sets the tracer for dispatch spans
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Server) { s.tracer = tracer }
}

// WithRegistry sets the Prometheus registry the server's collectors join
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithMaxBodySize bounds request bodies; 0 disables the limit
func WithMaxBodySize(n int64) Option {
	return func(s *Server) { s.maxBodySize = n }
}

// WithMaxHeaderSize bounds request heads
func WithMaxHeaderSize(n int) Option {
	return func(s *Server) { s.maxHeaderSize = n }
}

// WithReadBufferSize sets the size of a single socket read
func WithReadBufferSize(n int) Option {
	return func(s *Server) { s.readBufferSize = n }
}

// WithSignals replaces the signals that trigger shutdown in Listen
func WithSignals(signals ...os.Signal) Option {
	return func(s *Server) { s.signals = signals }
}

// WithExit replaces os.Exit as the final shutdown step
func WithExit(exit func(int)) Option {
	return func(s *Server) { s.exit = exit }
}

// New creates a new server with an empty route table
func New(opts ...Option) (*Server, error) {
	s := &Server{
		routes:      router.NewTable(),
		logger:      zap.NewNop(),
		maxBodySize: dispatch.DefaultMaxBodySize,
		signals:     []os.Signal{syscall.SIGINT, syscall.SIGTERM},
		exit:        os.Exit,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	m, err := metrics.New(s.registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	s.metrics = m

	return s, nil
}

// Handle registers a handler for method and path
func (s *Server) Handle(method, path string, h http.Handler) {
	s.routes.Register(method, path, h)
}

// GET registers a GET route
func (s *Server) GET(path string, h http.HandlerFunc) {
	s.Handle(MethodGet, path, h)
}

// POST registers a POST route
func (s *Server) POST(path string, h http.HandlerFunc) {
	s.Handle(MethodPost, path, h)
}

// PUT registers a PUT route
func (s *Server) PUT(path string, h http.HandlerFunc) {
	s.Handle(MethodPut, path, h)
}

// DELETE registers a DELETE route
func (s *Server) DELETE(path string, h http.HandlerFunc) {
	s.Handle(MethodDelete, path, h)
}

// HEAD registers a HEAD route
func (s *Server) HEAD(path string, h http.HandlerFunc) {
	s.Handle(MethodHead, path, h)
}

// PATCH registers a PATCH route
func (s *Server) PATCH(path string, h http.HandlerFunc) {
	s.Handle(MethodPatch, path, h)
}

// OPTIONS registers an OPTIONS route
func (s *Server) OPTIONS(path string, h http.HandlerFunc) {
	s.Handle(MethodOptions, path, h)
}

// Routes returns the route table
func (s *Server) Routes() *router.Table {
	return s.routes
}

// Registry returns the Prometheus registry holding the server metrics
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Addr returns the bound address while the server runs. It is meant to be
// called from onReady or a handler.
func (s *Server) Addr() net.Addr {
	if s.engine == nil {
		return nil
	}
	return s.engine.Addr()
}

// Listen runs the server on port until SIGINT or SIGTERM, then tears it
// down and exits the process with status 0. It returns ExitStartFailed,
// without exiting, when the server cannot start.
func (s *Server) Listen(port uint, onReady func()) int {
	err := s.Run(context.Background(), port, onReady)

	var se *StartError
	if errors.As(err, &se) {
		s.logger.Error("server failed to start", zap.Uint("port", port), zap.Error(err))
		return ExitStartFailed
	}
	if err != nil {
		s.logger.Error("server stopped with errors", zap.Error(err))
	}

	s.coordinator.Terminate()
	return ExitOK
}

// Run starts the engine on port, calls onReady, and drives the event loop
// until ctx is done, a termination signal arrives or the loop fails. It
// then tears everything down and returns. Start failures are returned as
// *StartError.
func (s *Server) Run(ctx context.Context, port uint, onReady func()) error {
	if s.coordinator != nil && s.coordinator.State() == StateRunning {
		return ErrRunning
	}

	d := dispatch.New(s.routes, dispatch.Options{
		MaxBodySize: s.maxBodySize,
		Logger:      s.logger,
		Metrics:     s.metrics,
		Tracer:      s.tracer,
	})

	e := engine.New(d, engine.Options{
		MaxHeaderSize:  s.maxHeaderSize,
		ReadBufferSize: s.readBufferSize,
		Logger:         s.logger,
	})
	if err := e.Start(port); err != nil {
		return &StartError{Cause: err}
	}

	l, err := loop.New(loop.WithLogger(s.logger))
	if err != nil {
		_ = e.Stop()
		return &StartError{Cause: err}
	}

	// registered before onReady so an early signal is not lost
	var signals chan os.Signal
	if len(s.signals) > 0 {
		signals = make(chan os.Signal, 1)
		signal.Notify(signals, s.signals...)
		defer signal.Stop(signals)
	}

	s.engine = e
	if onReady != nil {
		onReady()
	}

	b := NewBridge(l, e, s.logger, s.metrics.Pumps)
	if err := b.Start(); err != nil {
		_ = e.Stop()
		_ = l.Close()
		s.engine = nil
		return &StartError{Cause: err}
	}

	s.coordinator = NewShutdownCoordinator(b, e, l, s.routes, s.exit, s.logger)
	s.logger.Info("server running", zap.Stringer("addr", e.Addr()))

	// the loop and the signal wait are peers: whichever ends first
	// cancels the other
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return l.Run(gctx)
	})
	g.Go(func() error {
		return s.awaitSignal(gctx, signals)
	})
	runErr := g.Wait()
	if errors.Is(runErr, errSignaled) {
		runErr = nil
	}
	s.logger.Info("shutdown requested", zap.NamedError("cause", runErr))

	// the loop goroutine has returned; teardown continues on this one
	return errors.Join(runErr, s.coordinator.Teardown())
}

// errSignaled ends the run group when a termination signal arrives
var errSignaled = errors.New("termination signal received")

// awaitSignal returns errSignaled on the first signal from signals, or nil
// once ctx is done. A nil channel waits for ctx only.
func (s *Server) awaitSignal(ctx context.Context, signals <-chan os.Signal) error {
	select {
	case sig := <-signals:
		s.logger.Info("signal received", zap.Stringer("signal", sig))
		return errSignaled
	case <-ctx.Done():
		return nil
	}
}
