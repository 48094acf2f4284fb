package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/searchktools/mu/core/loop"
	"github.com/searchktools/mu/core/poller"
)

// Pumper is an engine that exposes a readiness descriptor and a
// non-blocking processing step
type Pumper interface {
	FD() int
	Run() error
}

// Bridge drives a Pumper from the event loop: every time the engine's
// descriptor is readable it runs exactly one engine step.
type Bridge struct {
	loop   *loop.Loop
	engine Pumper
	handle *loop.PollHandle
	logger *zap.Logger
	pumps  prometheus.Counter
	count  uint64
}

// NewBridge creates a bridge; pumps may be nil
func NewBridge(l *loop.Loop, engine Pumper, logger *zap.Logger, pumps prometheus.Counter) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		loop:   l,
		engine: engine,
		logger: logger,
		pumps:  pumps,
	}
}

// Start registers the engine descriptor with the loop
func (b *Bridge) Start() error {
	fd := b.engine.FD()
	if fd < 0 {
		return ErrNoDescriptor
	}

	h, err := b.loop.Poll(fd, poller.Readable, b.onReady)
	if err != nil {
		return err
	}
	b.handle = h

	b.logger.Debug("bridge started", zap.Int("fd", fd))
	return nil
}

func (b *Bridge) onReady(_ poller.Event, err error) {
	if err != nil {
		b.logger.Warn("engine descriptor error", zap.Error(err))
	}

	b.count++
	if b.pumps != nil {
		b.pumps.Inc()
	}

	if err := b.engine.Run(); err != nil {
		b.logger.Error("engine step failed", zap.Error(err))
	}
}

// Stop removes the registration so no further pumps occur. It is
// idempotent.
func (b *Bridge) Stop() error {
	if b.handle == nil {
		return nil
	}
	h := b.handle
	b.handle = nil
	return h.Stop()
}

// Pumps returns how many engine steps the bridge has run
func (b *Bridge) Pumps() uint64 {
	return b.count
}
