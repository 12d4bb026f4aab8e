// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package submit contains the batched submission task and the
// response-driven decision logic that turns one delivery attempt into a
// delivered / retry-in-place / persisted outcome.
package submit // import "github.com/telemetryrelay/relay/internal/submit"

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/telemetryrelay/relay/internal/entity"
	"github.com/telemetryrelay/relay/internal/metrics"
)

// Result is the delivery decision for one execution attempt.
type Result int

const (
	// Delivered means the backend acknowledged the batch with a 2xx.
	Delivered Result = iota
	// RetryLater keeps the task in memory; the caller retries it after a
	// backoff delay without persisting.
	RetryLater
	// Persisted means the task was placed in the durable backlog; the caller
	// stops retrying in place.
	Persisted
	// PersistedRetry means the task was replaced by one or more tasks that
	// were appended to the backlog; the original is handled.
	PersistedRetry
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case RetryLater:
		return "retryLater"
	case Persisted:
		return "persisted"
	case PersistedRetry:
		return "persistedRetry"
	}
	return "unknown"
}

// Backlog is the durable queue boundary the task persists itself into.
type Backlog interface {
	Add(t *Task) error
}

// Properties are the runtime knobs the state machine consults. They come
// from config and can be adjusted by check-in between attempts.
type Properties struct {
	QueueLevel        QueueLevel
	SplitOnThrottle   bool
	ItemsPerBatch     int
	MinBatchSplitSize int
}

// Task is a single batch of encoded telemetry bound to one (entity type,
// handle) pipeline. Identity fields are immutable after construction; only
// delivery bookkeeping mutates. A task is owned by exactly one of in-flight
// execution or the backlog at any time.
type Task struct {
	EntityType    entity.Type `cbor:"1,keyasint"`
	Handle        string      `cbor:"2,keyasint"`
	Payload       []string    `cbor:"3,keyasint"`
	CreatedMillis int64       `cbor:"4,keyasint"`
	// EnqueuedMillis is nil until the task is first persisted to the
	// backlog; once set it is never cleared. Its presence is the signal that
	// the task has already been durably queued at least once.
	EnqueuedMillis *int64 `cbor:"5,keyasint,omitempty"`
	Attempts       int    `cbor:"6,keyasint"`

	delivered bool
}

// NewTask builds a fresh task for the given payload.
func NewTask(key entity.HandlerKey, payload []string, nowMillis int64) *Task {
	return &Task{
		EntityType:    key.Type,
		Handle:        key.Handle,
		Payload:       payload,
		CreatedMillis: nowMillis,
	}
}

// Key returns the handler key the task belongs to.
func (t *Task) Key() entity.HandlerKey {
	return entity.KeyOf(t.EntityType, t.Handle)
}

// Weight is the item count of the batch, used for accounting.
func (t *Task) Weight() int {
	return len(t.Payload)
}

// Enqueued reports whether the task has ever been durably persisted.
func (t *Task) Enqueued() bool {
	return t.EnqueuedMillis != nil
}

// Executor binds a task's collaborators so drain workers and sender workers
// execute tasks the same way.
type Executor struct {
	Submitter Submitter
	Backlog   Backlog
	Sink      metrics.Sink
	Logger    *zap.Logger
	Props     func(entity.Type) Properties
	// Now is the time source in epoch millis; nil means wall clock.
	Now func() int64
}

func (e *Executor) now() int64 {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UnixMilli()
}

// Execute performs exactly one delivery attempt and interprets the outcome.
func (e *Executor) Execute(ctx context.Context, t *Task) Result {
	key := t.Key()
	log := e.Logger.With(zap.String("handle", t.Handle), zap.Stringer("type", t.EntityType))
	props := e.Props(t.EntityType)

	if t.EnqueuedMillis != nil {
		e.Sink.ObserveQueueTime(key, time.Duration(e.now()-*t.EnqueuedMillis)*time.Millisecond)
	}
	t.Attempts++

	start := e.now()
	resp, err := e.Submitter.Submit(ctx, key, t.Payload)
	e.Sink.ObserveAttemptDuration(key, time.Duration(e.now()-start)*time.Millisecond)
	if err != nil {
		// Transport-level failure. The root cause shapes the log line only,
		// never the decision.
		log.Warn("error sending data to backend", zap.Error(err))
		return e.recoverable(t, props, metrics.ReasonRetry, true)
	}
	e.Sink.IncHTTPStatus(key, resp.StatusCode)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		t.delivered = true
		e.Sink.IncDelivered(key, t.Weight())
		return Delivered
	}

	switch resp.StatusCode {
	case http.StatusNotAcceptable, http.StatusTooManyRequests:
		if t.EnqueuedMillis == nil {
			if !props.QueueLevel.AtLeast(LevelPushback) {
				return RetryLater
			}
			e.enqueue(t, metrics.ReasonPushback)
			return Persisted
		}
		if props.SplitOnThrottle {
			parts := t.split(props.MinBatchSplitSize, props.ItemsPerBatch, e.now())
			if len(parts) == 1 {
				return RetryLater
			}
			for _, p := range parts {
				e.enqueue(p, "")
			}
			return PersistedRetry
		}
		return RetryLater

	case http.StatusUnauthorized, http.StatusForbidden:
		log.Warn("authorization error received from backend, "+
			"please verify that this entity type is enabled for your account",
			zap.Int("status", resp.StatusCode))
		return e.recoverable(t, props, metrics.ReasonAuth, false)

	case http.StatusProxyAuthRequired, http.StatusRequestTimeout:
		if resp.RecognizedBackend {
			log.Warn("backend rejected the proxy, please verify that your token is "+
				"valid and has proxy management permissions", zap.Int("status", resp.StatusCode))
		} else {
			log.Warn("unexpected response received, please verify your network/HTTP proxy settings",
				zap.Int("status", resp.StatusCode))
		}
		return e.recoverable(t, props, metrics.ReasonRetry, false)

	case http.StatusRequestEntityTooLarge:
		// Oversized payloads are always split down to single items and
		// persisted, regardless of queue level.
		reason := metrics.ReasonSplit
		if t.EnqueuedMillis != nil {
			reason = ""
		}
		for _, p := range t.split(1, props.ItemsPerBatch, e.now()) {
			e.enqueue(p, reason)
		}
		return PersistedRetry

	default:
		log.Info("unexpected status received while sending data, retrying",
			zap.Int("status", resp.StatusCode))
		return e.recoverable(t, props, metrics.ReasonRetry, true)
	}
}

// recoverable is the generic handling for every failure that is neither
// throttling nor an oversized payload.
func (e *Executor) recoverable(t *Task, props Properties, reason metrics.QueueReason, requeue bool) Result {
	if t.EnqueuedMillis == nil {
		if !props.QueueLevel.AtLeast(LevelAnyError) {
			return RetryLater
		}
		e.enqueue(t, reason)
		return Persisted
	}
	if requeue {
		e.enqueue(t, "")
		return PersistedRetry
	}
	return RetryLater
}

// Enqueue persists the task to the backlog before its first attempt. Used
// by handlers when the queue level is LevelAlways or under memory pressure
// and at shutdown.
func (e *Executor) Enqueue(t *Task, reason metrics.QueueReason) {
	e.enqueue(t, reason)
}

func (e *Executor) enqueue(t *Task, reason metrics.QueueReason) {
	if t.delivered {
		// Re-queueing an already delivered task is a programming error, not
		// a recoverable state.
		e.Logger.DPanic("attempt to re-queue a delivered task",
			zap.String("handle", t.Handle), zap.Stringer("type", t.EntityType))
		return
	}
	if t.EnqueuedMillis == nil {
		now := e.now()
		t.EnqueuedMillis = &now
	}
	key := t.Key()
	if err := e.Backlog.Add(t); err != nil {
		// The one sanctioned data-loss path: unrecoverable local storage
		// failure drops the task, loudly.
		e.Sink.IncQueueFailed(key, t.Weight())
		e.Logger.Error("CRITICAL (losing data): error adding task to the backlog",
			zap.String("handle", t.Handle), zap.Stringer("type", t.EntityType),
			zap.Int("weight", t.Weight()), zap.Error(err))
		return
	}
	if reason != "" {
		e.Sink.IncQueued(key, reason, t.Weight())
	}
}
