// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package backlog implements the durable, per-(entity type, handle) FIFO of
// pending submission tasks and its background drain workers. The backlog is
// what absorbs backend outages: anything that cannot be delivered now is
// written to disk and replayed later, surviving process restarts.
package backlog // import "github.com/telemetryrelay/relay/internal/backlog"

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/telemetryrelay/relay/internal/entity"
	"github.com/telemetryrelay/relay/internal/metrics"
	"github.com/telemetryrelay/relay/internal/submit"
)

// RetryConfig shapes the in-memory retry backoff a drain worker applies
// after a RetryLater outcome.
type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// DefaultRetryConfig mirrors a sensible outage profile: quick first retry,
// backing off to a bounded ceiling, never giving up.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
	}
}

func (c RetryConfig) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.InitialInterval
	bo.MaxInterval = c.MaxInterval
	bo.MaxElapsedTime = 0 // retry until the context ends
	bo.Reset()
	return bo
}

// Backlog manages one durable queue per handler key under a base directory.
// It satisfies the task executor's persistence boundary.
type Backlog struct {
	dir    string
	logger *zap.Logger
	sink   metrics.Sink
	retry  RetryConfig

	mu     sync.Mutex
	queues map[entity.HandlerKey]*queue

	// Drain state; set once Start is called. Queues created after Start get
	// their drain worker immediately.
	ctx  context.Context
	exec func(context.Context, *submit.Task) submit.Result
	wg   sync.WaitGroup
}

// Open prepares the backlog under dir, reopening any queues persisted by a
// previous process so their contents are replayed once draining starts.
func Open(dir string, retry RetryConfig, logger *zap.Logger, sink metrics.Sink) (*Backlog, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create backlog directory: %w", err)
	}
	b := &Backlog{
		dir:    dir,
		logger: logger,
		sink:   sink,
		retry:  retry,
		queues: make(map[entity.HandlerKey]*queue),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		key, ok := parseQueueDir(e.Name())
		if !ok {
			logger.Warn("ignoring unrecognized directory in backlog", zap.String("name", e.Name()))
			continue
		}
		q, err := openQueue(filepath.Join(dir, e.Name()), key, logger, sink)
		if err != nil {
			return nil, err
		}
		b.queues[key] = q
		if n := q.size(); n > 0 {
			logger.Info("reopened backlog queue with pending tasks",
				zap.String("queue", key.String()), zap.Int("tasks", n))
		}
	}
	return b, nil
}

func queueDirName(key entity.HandlerKey) string {
	return key.Type.String() + "." + key.Handle
}

func parseQueueDir(name string) (entity.HandlerKey, bool) {
	typeName, handle, ok := strings.Cut(name, ".")
	if !ok {
		return entity.HandlerKey{}, false
	}
	t, ok := entity.ParseType(typeName)
	if !ok {
		return entity.HandlerKey{}, false
	}
	return entity.KeyOf(t, handle), true
}

// Add appends a task to the queue for its handler key, creating the queue on
// first use. Safe for concurrent callers. The task is durable on disk before
// Add returns; an error here means local storage failed and the caller is
// expected to drop the task and count the loss.
func (b *Backlog) Add(t *submit.Task) error {
	q, err := b.queueFor(t.Key())
	if err != nil {
		return err
	}
	return q.add(t)
}

func (b *Backlog) queueFor(key entity.HandlerKey) (*queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[key]; ok {
		return q, nil
	}
	dir := filepath.Join(b.dir, queueDirName(key))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	q, err := openQueue(dir, key, b.logger, b.sink)
	if err != nil {
		return nil, err
	}
	b.queues[key] = q
	if b.ctx != nil {
		b.startDrain(q)
	}
	return q, nil
}

// Size returns the number of tasks waiting in the queue for key.
func (b *Backlog) Size(key entity.HandlerKey) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[key]
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size()
}

// Start launches one drain worker per queue. exec performs a single
// execution attempt for a popped task; its result decides whether the entry
// is consumed or retried in memory.
func (b *Backlog) Start(ctx context.Context, exec func(context.Context, *submit.Task) submit.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctx = ctx
	b.exec = exec
	for _, q := range b.queues {
		b.startDrain(q)
	}
}

// startDrain launches the worker for one queue. Caller must hold b.mu.
func (b *Backlog) startDrain(q *queue) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		q.drain(b.ctx, b.exec, b.retry)
	}()
}

// Close waits for drain workers to observe cancellation and closes all
// queue files. Tasks still on disk are replayed on the next start.
func (b *Backlog) Close() error {
	b.wg.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, q := range b.queues {
		if err := q.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
