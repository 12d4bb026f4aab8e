// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package backlog // import "github.com/telemetryrelay/relay/internal/backlog"

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/tidwall/wal"
	"go.uber.org/zap"

	"github.com/telemetryrelay/relay/internal/entity"
	"github.com/telemetryrelay/relay/internal/metrics"
	"github.com/telemetryrelay/relay/internal/submit"
)

const (
	// pollDelay is how long an idle drain worker sleeps before re-checking
	// for new entries.
	pollDelay = 100 * time.Millisecond

	metaFileName = "readindex"
)

// queue is a durable FIFO of submission tasks for a single handler key,
// backed by a write-ahead log. Entries written before a crash are present
// after restart; the entry being processed at crash time may be retried
// (at-least-once).
//
// The write index tracks the last appended entry; the read index tracks the
// next entry to hand to the drain worker. The read index is checkpointed to
// a sidecar file on commit so a fully drained queue is not replayed on
// restart. Truncation of the log itself is best effort.
type queue struct {
	key    entity.HandlerKey
	dir    string
	logger *zap.Logger
	sink   metrics.Sink

	mu         sync.Mutex
	log        *wal.Log
	readIndex  uint64
	writeIndex uint64
	closed     bool
}

func openQueue(dir string, key entity.HandlerKey, logger *zap.Logger, sink metrics.Sink) (*queue, error) {
	log, err := wal.Open(filepath.Join(dir, "log"), &wal.Options{NoCopy: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open backlog queue for %s: %w", key, err)
	}

	last, err := log.LastIndex()
	if err != nil {
		log.Close()
		return nil, err
	}
	q := &queue{
		key:        key,
		dir:        dir,
		logger:     logger,
		sink:       sink,
		log:        log,
		writeIndex: last,
		readIndex:  1,
	}
	if first, err := log.FirstIndex(); err == nil && first > 0 {
		q.readIndex = first
	}
	if saved, ok := q.loadReadIndex(); ok && saved > q.readIndex {
		q.readIndex = saved
	}
	q.reportSize()
	return q, nil
}

func (q *queue) loadReadIndex() (uint64, bool) {
	data, err := os.ReadFile(filepath.Join(q.dir, metaFileName))
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		q.logger.Warn("ignoring corrupt backlog read index", zap.String("queue", q.key.String()), zap.Error(err))
		return 0, false
	}
	return v, true
}

// saveReadIndex checkpoints via write-then-rename so a crash mid-write
// leaves the previous checkpoint intact rather than a truncated file.
func (q *queue) saveReadIndex() {
	path := filepath.Join(q.dir, metaFileName)
	tmp := path + ".tmp"
	data := []byte(strconv.FormatUint(q.readIndex, 10))
	err := os.WriteFile(tmp, data, 0o600)
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		q.logger.Warn("failed to checkpoint backlog read index",
			zap.String("queue", q.key.String()), zap.Error(err))
	}
}

// add appends a task. The write is durable before add returns.
func (q *queue) add(t *submit.Task) error {
	data, err := cbor.Marshal(t)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("backlog queue is closed")
	}
	if err := q.log.Write(q.writeIndex+1, data); err != nil {
		return err
	}
	q.writeIndex++
	q.reportSize()
	return nil
}

// head returns the task at the front of the queue without consuming it, or
// nil when the queue is empty.
func (q *queue) head() (*submit.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.readIndex > q.writeIndex {
		return nil, nil
	}
	data, err := q.log.Read(q.readIndex)
	if err != nil {
		return nil, err
	}
	t := new(submit.Task)
	if err := cbor.Unmarshal(data, t); err != nil {
		return nil, err
	}
	return t, nil
}

// commit consumes the front entry after its task has been handled.
func (q *queue) commit() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.readIndex > q.writeIndex {
		return
	}
	q.readIndex++
	q.saveReadIndex()
	if err := q.log.TruncateFront(q.readIndex); err != nil && !errors.Is(err, wal.ErrOutOfRange) {
		q.logger.Warn("failed to truncate backlog queue",
			zap.String("queue", q.key.String()), zap.Error(err))
	}
	q.reportSize()
}

// skip consumes the front entry without handling it. Used when the stored
// bytes cannot be decoded.
func (q *queue) skip() {
	q.commit()
}

func (q *queue) size() int {
	if q.readIndex > q.writeIndex {
		return 0
	}
	return int(q.writeIndex - q.readIndex + 1)
}

// reportSize publishes the queue depth. Caller must hold q.mu.
func (q *queue) reportSize() {
	q.sink.SetBacklogSize(q.key, q.size())
}

func (q *queue) close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.log.Close()
}

// drain runs the consume loop until the context is cancelled: pop the front
// task, execute it, and on RetryLater hold it in memory with exponential
// backoff before re-attempting. The task is never re-appended to the back of
// its own queue on RetryLater.
func (q *queue) drain(ctx context.Context, exec func(context.Context, *submit.Task) submit.Result, retry RetryConfig) {
	for {
		t, err := q.head()
		if err != nil {
			q.logger.Warn("dropping unreadable backlog entry",
				zap.String("queue", q.key.String()), zap.Error(err))
			q.skip()
			continue
		}
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollDelay):
			}
			continue
		}

		if !q.executeUntilHandled(ctx, exec, t, retry) {
			return
		}
		q.commit()
	}
}

// executeUntilHandled keeps attempting a task until the result is anything
// other than RetryLater. Returns false if the context ended first; the task
// then remains at the front of the queue for the next start.
func (q *queue) executeUntilHandled(ctx context.Context, exec func(context.Context, *submit.Task) submit.Result, t *submit.Task, retry RetryConfig) bool {
	bo := retry.newBackOff()
	for {
		if ctx.Err() != nil {
			return false
		}
		switch exec(ctx, t) {
		case submit.RetryLater:
		default:
			return true
		}

		delay := bo.NextBackOff()
		if delay < 0 {
			// Backoff exhausted; reset rather than drop, the backlog exists
			// precisely to outlast long outages.
			bo = retry.newBackOff()
			delay = bo.NextBackOff()
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
}
