// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package handler // import "github.com/telemetryrelay/relay/internal/handler"

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/telemetryrelay/relay/internal/checkin"
	"github.com/telemetryrelay/relay/internal/entity"
	"github.com/telemetryrelay/relay/internal/metrics"
	"github.com/telemetryrelay/relay/internal/ratelimit"
	"github.com/telemetryrelay/relay/internal/submit"
)

// FactoryOptions is the per-handler template the factory stamps out for
// each (type, handle) pair it is asked for.
type FactoryOptions struct {
	Validation           entity.ValidationConfig
	FlushInterval        time.Duration
	SenderWorkers        int
	SampleLogRate        float64
	BlockedLogsPerMinute int
	ShutdownGrace        time.Duration
}

// Factory caches one handler per (type, handle) pair and creates handlers
// lazily on first use. All listeners for the same port share one handler
// so batching and rate limiting see the combined stream.
type Factory struct {
	opts     FactoryOptions
	exec     *submit.Executor
	registry *ratelimit.Registry
	switches *checkin.Switches
	logger   *zap.Logger
	sink     metrics.Sink

	mu       sync.Mutex
	handlers map[entity.HandlerKey]Handler
}

func NewFactory(opts FactoryOptions, exec *submit.Executor, registry *ratelimit.Registry,
	switches *checkin.Switches, logger *zap.Logger, sink metrics.Sink) *Factory {
	return &Factory{
		opts:     opts,
		exec:     exec,
		registry: registry,
		switches: switches,
		logger:   logger,
		sink:     sink,
		handlers: make(map[entity.HandlerKey]Handler),
	}
}

// Handler returns the handler for key, creating it on first use. Safe for
// concurrent use; exactly one handler is ever constructed per key.
func (f *Factory) Handler(key entity.HandlerKey) Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.handlers[key]; ok {
		return h
	}
	h := newLineHandler(Options{
		Key:                  key,
		Validation:           f.opts.Validation,
		FlushInterval:        f.opts.FlushInterval,
		SenderWorkers:        f.opts.SenderWorkers,
		SampleLogRate:        f.opts.SampleLogRate,
		BlockedLogsPerMinute: f.opts.BlockedLogsPerMinute,
		ShutdownGrace:        f.opts.ShutdownGrace,
	}, f.exec, f.registry.Limiter(key.Type), f.switches, f.logger, f.sink)
	f.handlers[key] = h
	return h
}

// Register installs a pre-built handler for key, typically an accumulation
// handler for a histogram ingestion port. Registering over an existing
// handler is a wiring bug.
func (f *Factory) Register(key entity.HandlerKey, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handlers[key]; ok {
		f.logger.DPanic("handler already registered", zap.Stringer("type", key.Type), zap.String("handle", key.Handle))
		return
	}
	f.handlers[key] = h
}

// Shutdown flushes and stops every handler bound to handle.
func (f *Factory) Shutdown(handle string) {
	f.mu.Lock()
	var victims []Handler
	for key, h := range f.handlers {
		if key.Handle == handle {
			victims = append(victims, h)
			delete(f.handlers, key)
		}
	}
	f.mu.Unlock()
	for _, h := range victims {
		h.Shutdown()
	}
}

// ShutdownAll stops every handler. Called once at process shutdown.
func (f *Factory) ShutdownAll() {
	f.mu.Lock()
	all := make([]Handler, 0, len(f.handlers))
	for _, h := range f.handlers {
		all = append(all, h)
	}
	f.handlers = make(map[entity.HandlerKey]Handler)
	f.mu.Unlock()
	for _, h := range all {
		h.Shutdown()
	}
}

// DrainAll force-persists every handler's pending in-memory batches.
// Wired to the memory pressure monitor.
func (f *Factory) DrainAll() {
	f.mu.Lock()
	all := make([]Handler, 0, len(f.handlers))
	for _, h := range f.handlers {
		all = append(all, h)
	}
	f.mu.Unlock()
	for _, h := range all {
		if d, ok := h.(drainable); ok {
			d.drainToBacklog()
		}
	}
}
