// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package handler receives decoded entities from the listeners, validates
// and batches them, and hands batches to sender workers for submission.
package handler // import "github.com/telemetryrelay/relay/internal/handler"

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/telemetryrelay/relay/internal/checkin"
	"github.com/telemetryrelay/relay/internal/entity"
	"github.com/telemetryrelay/relay/internal/metrics"
	"github.com/telemetryrelay/relay/internal/ratelimit"
	"github.com/telemetryrelay/relay/internal/submit"
)

// Handler is the capability set the listeners need from a pipeline
// endpoint: accept one decoded item, and flush on shutdown.
type Handler interface {
	Report(item entity.Reportable)
	Shutdown()
}

// drainable is implemented by handlers that can force-persist their pending
// in-memory batches under memory pressure.
type drainable interface {
	drainToBacklog()
}

// Options configures one line handler.
type Options struct {
	Key        entity.HandlerKey
	Validation entity.ValidationConfig
	// FlushInterval bounds how long a partial batch may wait before it is
	// handed to a sender worker.
	FlushInterval time.Duration
	// SenderWorkers is the size of the worker pool submitting batches.
	SenderWorkers int
	// SampleLogRate is the fraction of valid items echoed to the debug log.
	SampleLogRate float64
	// BlockedLogsPerMinute caps how many blocked items are logged.
	BlockedLogsPerMinute int
	// ShutdownGrace bounds how long in-flight submissions may run during
	// shutdown before being interrupted and persisted.
	ShutdownGrace time.Duration
}

// lineHandler is the generic handler for entities that batch into
// newline-delimited payloads. All entity types use it; histogram ingestion
// ports use accumulationHandler instead.
type lineHandler struct {
	opts     Options
	exec     *submit.Executor
	limiter  *ratelimit.Limiter
	switches *checkin.Switches
	logger   *zap.Logger
	sink     metrics.Sink

	// blockedLog bounds the rate of blocked-item log lines.
	blockedLog *rate.Limiter

	// mu guards batch, stopped, and every send into batches. A send only
	// happens with stopped false, so Shutdown can retire the workers
	// without racing a late Report.
	mu      sync.Mutex
	batch   []string
	stopped bool

	// batches is never closed; senderWorkers exit via drainCh instead.
	batches  chan []string
	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	drainCh  chan struct{}
	flushWg  sync.WaitGroup
	senderWg sync.WaitGroup
	stopOnce sync.Once
}

func newLineHandler(opts Options, exec *submit.Executor, limiter *ratelimit.Limiter,
	switches *checkin.Switches, logger *zap.Logger, sink metrics.Sink) *lineHandler {
	if opts.SenderWorkers <= 0 {
		opts.SenderWorkers = 2
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &lineHandler{
		opts:       opts,
		exec:       exec,
		limiter:    limiter,
		switches:   switches,
		logger:     logger.With(zap.String("handle", opts.Key.Handle), zap.Stringer("type", opts.Key.Type)),
		sink:       sink,
		blockedLog: rate.NewLimiter(rate.Limit(float64(opts.BlockedLogsPerMinute)/60.0), max(opts.BlockedLogsPerMinute, 1)),
		batches:    make(chan []string, 16),
		ctx:        ctx,
		cancel:     cancel,
		stopCh:     make(chan struct{}),
		drainCh:    make(chan struct{}),
	}

	h.flushWg.Add(1)
	go h.flushLoop()
	for i := 0; i < opts.SenderWorkers; i++ {
		h.senderWg.Add(1)
		go h.senderWorker()
	}
	return h
}

// Report validates one item and appends it to the in-memory batch. Invalid
// items are counted and dropped, never queued.
func (h *lineHandler) Report(item entity.Reportable) {
	h.sink.IncReceived(h.opts.Key, 1)

	if h.switches.Disabled(h.opts.Key.Type) {
		h.sink.IncBlocked(h.opts.Key, 1)
		return
	}

	if err := item.Validate(h.opts.Validation); err != nil {
		h.block(item, err)
		return
	}

	line := item.EncodeLine()
	if h.opts.SampleLogRate > 0 && rand.Float64() < h.opts.SampleLogRate {
		h.logger.Debug("valid item", zap.String("line", line))
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		h.enqueueBatch([]string{line}, metrics.ReasonShutdown)
		return
	}
	h.batch = append(h.batch, line)
	if len(h.batch) >= h.limiter.Snapshot().ItemsPerBatch {
		out := h.batch
		h.batch = nil
		h.submitBatch(out)
	}
	h.mu.Unlock()
}

func (h *lineHandler) block(item entity.Reportable, err error) {
	h.sink.IncBlocked(h.opts.Key, 1)
	if h.blockedLog.Allow() {
		h.logger.Info("blocked input", zap.Error(err), zap.String("line", item.EncodeLine()))
	}
}

// submitBatch hands a batch to the sender workers. Caller must hold h.mu
// with h.stopped false.
func (h *lineHandler) submitBatch(lines []string) {
	if len(lines) == 0 {
		return
	}
	select {
	case h.batches <- lines:
	case <-h.stopCh:
		// Shutting down; persist rather than drop.
		h.enqueueBatch(lines, metrics.ReasonShutdown)
	}
}

func (h *lineHandler) flushLoop() {
	defer h.flushWg.Done()
	ticker := time.NewTicker(h.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.mu.Lock()
			out := h.batch
			h.batch = nil
			h.submitBatch(out)
			h.mu.Unlock()
		}
	}
}

// senderWorker delivers batches, retrying RetryLater outcomes in memory
// with exponential backoff. When the handler is interrupted mid-retry the
// task is persisted to the backlog instead of dropped. Once drainCh closes
// the worker finishes what is already queued and exits.
func (h *lineHandler) senderWorker() {
	defer h.senderWg.Done()
	for {
		select {
		case lines := <-h.batches:
			h.deliver(lines)
		case <-h.drainCh:
			for {
				select {
				case lines := <-h.batches:
					h.deliver(lines)
				default:
					return
				}
			}
		}
	}
}

func (h *lineHandler) deliver(lines []string) {
	props := h.exec.Props(h.opts.Key.Type)
	task := submit.NewTask(h.opts.Key, lines, time.Now().UnixMilli())

	if props.QueueLevel == submit.LevelAlways {
		h.exec.Enqueue(task, metrics.ReasonAlways)
		return
	}

	if err := h.limiter.Acquire(h.ctx, len(lines)); err != nil {
		h.exec.Enqueue(task, metrics.ReasonShutdown)
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	for {
		if h.exec.Execute(h.ctx, task) != submit.RetryLater {
			return
		}
		select {
		case <-h.ctx.Done():
			h.exec.Enqueue(task, metrics.ReasonShutdown)
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (h *lineHandler) enqueueBatch(lines []string, reason metrics.QueueReason) {
	if len(lines) == 0 {
		return
	}
	h.exec.Enqueue(submit.NewTask(h.opts.Key, lines, time.Now().UnixMilli()), reason)
}

// drainToBacklog force-persists the pending batch and everything already
// handed to workers but not yet picked up. Called under memory pressure.
func (h *lineHandler) drainToBacklog() {
	h.mu.Lock()
	out := h.batch
	h.batch = nil
	h.mu.Unlock()
	h.enqueueBatch(out, metrics.ReasonMemory)

	for {
		select {
		case lines := <-h.batches:
			h.enqueueBatch(lines, metrics.ReasonMemory)
		default:
			return
		}
	}
}

// Shutdown drains the partial batch into a best-effort final submission.
// Workers get a bounded grace period; anything still in flight after that
// is interrupted and lands in the backlog.
func (h *lineHandler) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		h.flushWg.Wait()

		h.mu.Lock()
		h.stopped = true
		out := h.batch
		h.batch = nil
		h.mu.Unlock()
		if len(out) > 0 {
			select {
			case h.batches <- out:
			default:
				h.enqueueBatch(out, metrics.ReasonShutdown)
			}
		}
		close(h.drainCh)

		done := make(chan struct{})
		go func() {
			h.senderWg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(h.opts.ShutdownGrace):
			h.cancel()
			<-done
		}
		h.cancel()
	})
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
