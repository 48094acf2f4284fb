package app

import (
	"context"
	"errors"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/searchktools/mu/config"
	"github.com/searchktools/mu/core"
	"github.com/searchktools/mu/logging"
)

const serviceName = "mu"

// App wires configuration, logging and tracing around a core.Server
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	tp     *sdktrace.TracerProvider
	server *core.Server
	exit   func(int)
}

// Option configures an App
type Option func(*App)

// WithLogger replaces the logger built from the config.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithExit replaces os.Exit.
func WithExit(exit func(int)) Option {
	return func(a *App) { a.exit = exit }
}

// New creates an application instance
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, exit: os.Exit}
	for _, opt := range opts {
		opt(a)
	}

	if a.logger == nil {
		logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return nil, err
		}
		a.logger = logger
	}

	tp, err := newTracerProvider(cfg)
	if err != nil {
		return nil, err
	}
	a.tp = tp

	server, err := core.New(
		core.WithLogger(a.logger),
		core.WithTracer(tp.Tracer("github.com/searchktools/mu")),
		core.WithMaxBodySize(cfg.MaxBodySize),
		core.WithMaxHeaderSize(cfg.MaxHeaderSize),
		core.WithReadBufferSize(cfg.ReadBufferSize),
		core.WithExit(a.terminate),
	)
	if err != nil {
		_ = tp.Shutdown(context.Background())
		return nil, err
	}
	a.server = server

	return a, nil
}

func newTracerProvider(cfg *config.Config) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
			attribute.String("deployment.environment", cfg.Env),
		)),
	}
	if cfg.Trace.Stdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// Server returns the underlying server for route registration
func (a *App) Server() *core.Server {
	return a.server
}

// Logger returns the application logger
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run listens on the configured port until SIGINT or SIGTERM and then
// exits the process with status 0. It returns a non-zero status when the
// server cannot start.
func (a *App) Run(onReady func()) int {
	a.logger.Info("server starting",
		zap.Uint("port", a.cfg.Port),
		zap.String("env", a.cfg.Env),
		zap.Int("routes", a.server.Routes().Len()))

	code := a.server.Listen(a.cfg.Port, onReady)
	if code != core.ExitOK {
		if err := a.shutdown(); err != nil {
			a.logger.Error("failed to flush telemetry", zap.Error(err))
		}
	}
	return code
}

// terminate flushes telemetry before the process exits
func (a *App) terminate(code int) {
	if err := a.shutdown(); err != nil {
		a.logger.Error("failed to flush telemetry", zap.Error(err))
	}
	a.exit(code)
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return errors.Join(a.tp.Shutdown(ctx), syncLogger(a.logger))
}

// syncLogger ignores the errors stderr and stdout return on sync
func syncLogger(l *zap.Logger) error {
	err := l.Sync()
	var pe *os.PathError
	if errors.As(err, &pe) {
		return nil
	}
	return err
}
