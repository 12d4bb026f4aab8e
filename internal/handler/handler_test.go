// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/telemetryrelay/relay/internal/checkin"
	"github.com/telemetryrelay/relay/internal/entity"
	"github.com/telemetryrelay/relay/internal/metrics"
	"github.com/telemetryrelay/relay/internal/ratelimit"
	"github.com/telemetryrelay/relay/internal/submit"
)

type stubSubmitter struct {
	mu       sync.Mutex
	status   int
	payloads [][]string
}

func (s *stubSubmitter) Submit(_ context.Context, _ entity.HandlerKey, payload []string) (submit.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return submit.Response{StatusCode: s.status, RecognizedBackend: true}, nil
}

func (s *stubSubmitter) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, p := range s.payloads {
		out = append(out, p...)
	}
	return out
}

type stubBacklog struct {
	mu    sync.Mutex
	tasks []*submit.Task
}

func (b *stubBacklog) Add(t *submit.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks = append(b.tasks, t)
	return nil
}

func (b *stubBacklog) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tasks)
}

type blockCountSink struct {
	metrics.Sink
	mu      sync.Mutex
	blocked int
}

func newBlockCountSink() *blockCountSink {
	return &blockCountSink{Sink: metrics.NewNopSink()}
}

func (s *blockCountSink) IncBlocked(_ entity.HandlerKey, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked += n
}

func (s *blockCountSink) blockedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}

type env struct {
	submitter *stubSubmitter
	backlog   *stubBacklog
	sink      *blockCountSink
	registry  *ratelimit.Registry
	switches  *checkin.Switches
	factory   *Factory
}

func newEnv(t *testing.T, level submit.QueueLevel, itemsPerBatch int) *env {
	t.Helper()
	e := &env{
		submitter: &stubSubmitter{status: 200},
		backlog:   &stubBacklog{},
		sink:      newBlockCountSink(),
		switches:  &checkin.Switches{},
	}
	e.registry = ratelimit.NewRegistry(ratelimit.Config{
		ItemsPerBatch: map[entity.Type]int{
			entity.Point:     itemsPerBatch,
			entity.Trace:     itemsPerBatch,
			entity.Histogram: itemsPerBatch,
		},
	}, zap.NewNop())

	exec := &submit.Executor{
		Submitter: e.submitter,
		Backlog:   e.backlog,
		Sink:      e.sink,
		Logger:    zap.NewNop(),
		Props: func(entity.Type) submit.Properties {
			return submit.Properties{
				QueueLevel:        level,
				SplitOnThrottle:   true,
				ItemsPerBatch:     itemsPerBatch,
				MinBatchSplitSize: 1,
			}
		},
	}
	e.factory = NewFactory(FactoryOptions{
		Validation:    entity.DefaultValidationConfig(),
		FlushInterval: 20 * time.Millisecond,
		SenderWorkers: 2,
		ShutdownGrace: 100 * time.Millisecond,
	}, exec, e.registry, e.switches, zap.NewNop(), e.sink)
	t.Cleanup(e.factory.ShutdownAll)
	return e
}

func validPoint(metric string, value float64) *entity.ReportPoint {
	return &entity.ReportPoint{
		Metric:    metric,
		Value:     value,
		Timestamp: time.Now().UnixMilli(),
		Source:    "host1",
	}
}

func TestHandlerSubmitsFullBatch(t *testing.T) {
	e := newEnv(t, submit.LevelAnyError, 3)
	h := e.factory.Handler(entity.KeyOf(entity.Point, "2878"))

	h.Report(validPoint("a", 1))
	h.Report(validPoint("b", 2))
	h.Report(validPoint("c", 3))

	require.Eventually(t, func() bool { return len(e.submitter.lines()) == 3 }, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, e.backlog.count())
}

func TestHandlerFlushesPartialBatchOnInterval(t *testing.T) {
	e := newEnv(t, submit.LevelAnyError, 1000)
	h := e.factory.Handler(entity.KeyOf(entity.Point, "2878"))

	h.Report(validPoint("a", 1))
	h.Report(validPoint("b", 2))

	require.Eventually(t, func() bool { return len(e.submitter.lines()) == 2 }, 5*time.Second, 5*time.Millisecond)
}

func TestHandlerFlushesPartialBatchOnShutdown(t *testing.T) {
	e := newEnv(t, submit.LevelAnyError, 1000)
	key := entity.KeyOf(entity.Point, "2878")
	h := e.factory.Handler(key)

	h.Report(validPoint("a", 1))
	e.factory.Shutdown(key.Handle)

	assert.Len(t, e.submitter.lines(), 1)
}

func TestHandlerBlocksInvalidItems(t *testing.T) {
	e := newEnv(t, submit.LevelAnyError, 2)
	h := e.factory.Handler(entity.KeyOf(entity.Point, "2878"))

	h.Report(&entity.ReportPoint{Metric: "", Value: 1, Source: "host1"})
	h.Report(&entity.ReportPoint{Metric: "no source", Value: 1})
	assert.Equal(t, 2, e.sink.blockedCount())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, e.submitter.lines())
}

func TestHandlerKillSwitchDrops(t *testing.T) {
	e := newEnv(t, submit.LevelAnyError, 1)
	h := e.factory.Handler(entity.KeyOf(entity.Trace, "30001"))

	svc := checkin.NewService(nil, e.registry, e.switches, time.Minute, zap.NewNop())
	svc.Apply(&checkin.Report{DisableTraces: true})

	h.Report(&entity.Span{
		Name:    "op",
		TraceID: "t1",
		SpanID:  "s1",
		Source:  "host1",
		StartMs: time.Now().UnixMilli(),
	})
	assert.Equal(t, 1, e.sink.blockedCount())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, e.submitter.lines())

	// Flip the switch back and the same handler accepts spans again.
	svc.Apply(&checkin.Report{})
	h.Report(&entity.Span{
		Name:    "op",
		TraceID: "t1",
		SpanID:  "s2",
		Source:  "host1",
		StartMs: time.Now().UnixMilli(),
	})
	require.Eventually(t, func() bool { return len(e.submitter.lines()) == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestHandlerQueueLevelAlwaysBypassesSubmit(t *testing.T) {
	e := newEnv(t, submit.LevelAlways, 2)
	h := e.factory.Handler(entity.KeyOf(entity.Point, "2878"))

	h.Report(validPoint("a", 1))
	h.Report(validPoint("b", 2))

	require.Eventually(t, func() bool { return e.backlog.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, e.submitter.lines())

	e.backlog.mu.Lock()
	defer e.backlog.mu.Unlock()
	assert.Equal(t, 2, e.backlog.tasks[0].Weight())
	assert.True(t, e.backlog.tasks[0].Enqueued())
}

func TestHandlerDrainToBacklog(t *testing.T) {
	e := newEnv(t, submit.LevelAnyError, 1000)
	h := e.factory.Handler(entity.KeyOf(entity.Point, "2878"))

	h.Report(validPoint("a", 1))
	h.Report(validPoint("b", 2))
	e.factory.DrainAll()

	require.Equal(t, 1, e.backlog.count())
	e.backlog.mu.Lock()
	defer e.backlog.mu.Unlock()
	assert.Equal(t, 2, e.backlog.tasks[0].Weight())
}

func TestHandlerShutdownPersistsUndeliverable(t *testing.T) {
	e := newEnv(t, submit.LevelNever, 2)
	e.submitter.status = 503
	h := e.factory.Handler(entity.KeyOf(entity.Point, "2878"))

	h.Report(validPoint("a", 1))
	h.Report(validPoint("b", 2))

	// Wait for the first failed attempt, then shut down mid-retry.
	require.Eventually(t, func() bool { return len(e.submitter.lines()) >= 2 }, 5*time.Second, 5*time.Millisecond)
	h.Shutdown()

	require.Eventually(t, func() bool { return e.backlog.count() == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestHandlerReportsRacingShutdownAreNotLost(t *testing.T) {
	e := newEnv(t, submit.LevelNever, 1)
	h := e.factory.Handler(entity.KeyOf(entity.Point, "2878"))

	const total = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			h.Report(validPoint("race", float64(i)))
		}
	}()
	h.Shutdown()
	wg.Wait()

	// Every item either went out through the submitter or landed in the
	// backlog; a report racing the shutdown must never drop or panic.
	e.backlog.mu.Lock()
	queued := 0
	for _, task := range e.backlog.tasks {
		queued += task.Weight()
	}
	e.backlog.mu.Unlock()
	assert.Equal(t, total, len(e.submitter.lines())+queued)
}

func TestFactoryCachesHandlers(t *testing.T) {
	e := newEnv(t, submit.LevelAnyError, 10)
	key := entity.KeyOf(entity.Point, "2878")

	h1 := e.factory.Handler(key)
	h2 := e.factory.Handler(key)
	assert.True(t, h1 == h2, "same key must return the same handler")

	other := e.factory.Handler(entity.KeyOf(entity.Point, "4242"))
	assert.False(t, h1 == other)
}

func TestFactorySingleConstructionUnderConcurrency(t *testing.T) {
	e := newEnv(t, submit.LevelAnyError, 10)
	key := entity.KeyOf(entity.Point, "2878")

	const goroutines = 16
	results := make([]Handler, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.factory.Handler(key)
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		assert.True(t, results[0] == results[i])
	}
}

func TestFactoryShutdownByHandle(t *testing.T) {
	e := newEnv(t, submit.LevelAnyError, 10)
	key := entity.KeyOf(entity.Point, "2878")
	other := e.factory.Handler(entity.KeyOf(entity.Point, "4242"))

	h := e.factory.Handler(key)
	e.factory.Shutdown(key.Handle)

	// A fresh handler is built on next use; the other handle is untouched.
	assert.False(t, h == e.factory.Handler(key))
	assert.True(t, other == e.factory.Handler(entity.KeyOf(entity.Point, "4242")))
}
