package core

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
)

// ShutdownState is the coordinator's lifecycle state
type ShutdownState int32

const (
	StateRunning ShutdownState = iota
	StateStopping
	StateTerminated
)

func (s ShutdownState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Stopper is a component that can be stopped
type Stopper interface {
	Stop() error
}

// Closer is a component that can be closed
type Closer interface {
	Close() error
}

// Releaser drops its backing storage
type Releaser interface {
	Release()
}

// ShutdownCoordinator tears the server down in a fixed order: bridge,
// engine, event loop, route table.
type ShutdownCoordinator struct {
	state atomic.Int32

	bridge Stopper
	engine Stopper
	loop   Closer
	routes Releaser

	exit   func(int)
	logger *zap.Logger
}

// NewShutdownCoordinator creates a coordinator in the running state. A nil
// exit defaults to os.Exit.
func NewShutdownCoordinator(bridge, engine Stopper, l Closer, routes Releaser, exit func(int), logger *zap.Logger) *ShutdownCoordinator {
	if exit == nil {
		exit = os.Exit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShutdownCoordinator{
		bridge: bridge,
		engine: engine,
		loop:   l,
		routes: routes,
		exit:   exit,
		logger: logger,
	}
}

// State returns the current state
func (s *ShutdownCoordinator) State() ShutdownState {
	return ShutdownState(s.state.Load())
}

// Teardown runs every step once, in order. A failed step is logged and
// does not prevent the following ones. Only the first call does any work.
func (s *ShutdownCoordinator) Teardown() error {
	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return nil
	}

	var errs []error
	step := func(msg string, fn func() error) {
		s.logger.Info(msg)
		if err := fn(); err != nil {
			s.logger.Error(msg+" failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", msg, err))
		}
	}

	step("stopping poller", s.bridge.Stop)
	step("stopping engine", s.engine.Stop)
	step("closing event loop", s.loop.Close)
	step("releasing routes", func() error {
		s.routes.Release()
		return nil
	})

	s.state.Store(int32(StateTerminated))
	return errors.Join(errs...)
}

// Terminate tears down if that has not happened yet, then exits the
// process with status 0
func (s *ShutdownCoordinator) Terminate() {
	if err := s.Teardown(); err != nil {
		s.logger.Warn("shutdown finished with errors", zap.Error(err))
	}
	s.logger.Info("exiting")
	s.exit(ExitOK)
}
