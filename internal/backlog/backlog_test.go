// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package backlog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/telemetryrelay/relay/internal/entity"
	"github.com/telemetryrelay/relay/internal/metrics"
	"github.com/telemetryrelay/relay/internal/submit"
)

func testRetry() RetryConfig {
	return RetryConfig{InitialInterval: 5 * time.Millisecond, MaxInterval: 20 * time.Millisecond}
}

func testTask(handle string, lines ...string) *submit.Task {
	return submit.NewTask(entity.KeyOf(entity.Point, handle), lines, time.Now().UnixMilli())
}

func TestBacklogAddAndSize(t *testing.T) {
	b, err := Open(t.TempDir(), testRetry(), zap.NewNop(), metrics.NewNopSink())
	require.NoError(t, err)
	defer b.Close()

	key := entity.KeyOf(entity.Point, "2878")
	assert.Zero(t, b.Size(key))

	require.NoError(t, b.Add(testTask("2878", "a")))
	require.NoError(t, b.Add(testTask("2878", "b", "c")))
	assert.Equal(t, 2, b.Size(key))

	// Queues are independent per handler key.
	require.NoError(t, b.Add(testTask("4242", "d")))
	assert.Equal(t, 2, b.Size(key))
	assert.Equal(t, 1, b.Size(entity.KeyOf(entity.Point, "4242")))
}

func TestBacklogDrainDelivers(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(dir, testRetry(), zap.NewNop(), metrics.NewNopSink())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Add(testTask("2878", fmt.Sprintf("line-%d", i))))
	}

	var mu sync.Mutex
	var got []string
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx, func(_ context.Context, task *submit.Task) submit.Result {
		mu.Lock()
		got = append(got, task.Payload...)
		mu.Unlock()
		return submit.Delivered
	})

	key := entity.KeyOf(entity.Point, "2878")
	require.Eventually(t, func() bool { return b.Size(key) == 0 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, b.Close())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 5)
	for i, line := range got {
		assert.Equal(t, fmt.Sprintf("line-%d", i), line)
	}
}

func TestBacklogRetryLaterKeepsTask(t *testing.T) {
	b, err := Open(t.TempDir(), testRetry(), zap.NewNop(), metrics.NewNopSink())
	require.NoError(t, err)

	require.NoError(t, b.Add(testTask("2878", "stubborn")))

	var mu sync.Mutex
	attempts := 0
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx, func(context.Context, *submit.Task) submit.Result {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return submit.RetryLater
		}
		return submit.Delivered
	})

	key := entity.KeyOf(entity.Point, "2878")
	require.Eventually(t, func() bool { return b.Size(key) == 0 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, b.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestBacklogSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	b, err := Open(dir, testRetry(), zap.NewNop(), metrics.NewNopSink())
	require.NoError(t, err)
	require.NoError(t, b.Add(testTask("2878", "persisted-1")))
	require.NoError(t, b.Add(testTask("2878", "persisted-2")))
	require.NoError(t, b.Close())

	reopened, err := Open(dir, testRetry(), zap.NewNop(), metrics.NewNopSink())
	require.NoError(t, err)
	key := entity.KeyOf(entity.Point, "2878")
	assert.Equal(t, 2, reopened.Size(key))

	var mu sync.Mutex
	var got []string
	ctx, cancel := context.WithCancel(context.Background())
	reopened.Start(ctx, func(_ context.Context, task *submit.Task) submit.Result {
		mu.Lock()
		got = append(got, task.Payload...)
		mu.Unlock()
		return submit.Delivered
	})
	require.Eventually(t, func() bool { return reopened.Size(key) == 0 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, reopened.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"persisted-1", "persisted-2"}, got)
}

func TestBacklogDoesNotReplayCommittedEntries(t *testing.T) {
	dir := t.TempDir()
	key := entity.KeyOf(entity.Point, "2878")

	q, err := openQueue(dir, key, zap.NewNop(), metrics.NewNopSink())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.add(testTask("2878", fmt.Sprintf("entry-%d", i))))
	}

	head, err := q.head()
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, []string{"entry-0"}, head.Payload)
	q.commit()
	require.NoError(t, q.close())

	q2, err := openQueue(dir, key, zap.NewNop(), metrics.NewNopSink())
	require.NoError(t, err)
	defer q2.close()
	assert.Equal(t, 2, q2.size())
	head, err = q2.head()
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, []string{"entry-1"}, head.Payload)
}

func TestBacklogFullyDrainedNotReplayed(t *testing.T) {
	dir := t.TempDir()
	key := entity.KeyOf(entity.Point, "2878")

	q, err := openQueue(dir, key, zap.NewNop(), metrics.NewNopSink())
	require.NoError(t, err)
	require.NoError(t, q.add(testTask("2878", "only")))
	_, err = q.head()
	require.NoError(t, err)
	q.commit()
	require.NoError(t, q.close())

	q2, err := openQueue(dir, key, zap.NewNop(), metrics.NewNopSink())
	require.NoError(t, err)
	defer q2.close()
	assert.Zero(t, q2.size())
	head, err := q2.head()
	require.NoError(t, err)
	assert.Nil(t, head)
}

func TestBacklogCheckpointSurvivesPartialWrite(t *testing.T) {
	dir := t.TempDir()
	key := entity.KeyOf(entity.Point, "2878")

	q, err := openQueue(dir, key, zap.NewNop(), metrics.NewNopSink())
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		require.NoError(t, q.add(testTask("2878", fmt.Sprintf("entry-%d", i))))
	}
	_, err = q.head()
	require.NoError(t, err)
	q.commit()

	// The checkpoint itself is renamed into place, never rewritten in place.
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	require.NoError(t, err)
	assert.Equal(t, "2", string(data))
	_, err = os.Stat(filepath.Join(dir, metaFileName+".tmp"))
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, q.close())

	// A crash between the temp write and the rename leaves a partial temp
	// file behind; it must not shadow the committed checkpoint.
	require.NoError(t, os.WriteFile(filepath.Join(dir, metaFileName+".tmp"), []byte("9"), 0o600))

	q2, err := openQueue(dir, key, zap.NewNop(), metrics.NewNopSink())
	require.NoError(t, err)
	defer q2.close()
	assert.Equal(t, 1, q2.size())
	head, err := q2.head()
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, []string{"entry-1"}, head.Payload)
}

func TestBacklogTaskRoundTripPreservesState(t *testing.T) {
	dir := t.TempDir()
	key := entity.KeyOf(entity.Trace, "30001")

	q, err := openQueue(dir, key, zap.NewNop(), metrics.NewNopSink())
	require.NoError(t, err)
	defer q.close()

	task := submit.NewTask(key, []string{"span-a", "span-b"}, 1700000000000)
	enq := int64(1700000001000)
	task.EnqueuedMillis = &enq
	task.Attempts = 4
	require.NoError(t, q.add(task))

	got, err := q.head()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, key, got.Key())
	assert.Equal(t, []string{"span-a", "span-b"}, got.Payload)
	assert.Equal(t, int64(1700000000000), got.CreatedMillis)
	require.NotNil(t, got.EnqueuedMillis)
	assert.Equal(t, enq, *got.EnqueuedMillis)
	assert.Equal(t, 4, got.Attempts)
}

func TestParseQueueDir(t *testing.T) {
	key, ok := parseQueueDir("points.2878")
	require.True(t, ok)
	assert.Equal(t, entity.KeyOf(entity.Point, "2878"), key)

	key, ok = parseQueueDir("spanLogs.30001")
	require.True(t, ok)
	assert.Equal(t, entity.KeyOf(entity.TraceSpanLogs, "30001"), key)

	_, ok = parseQueueDir("nodots")
	assert.False(t, ok)
	_, ok = parseQueueDir("bogus.2878")
	assert.False(t, ok)

	// Round trip through the directory name used on disk.
	orig := entity.KeyOf(entity.Event, "2878")
	parsed, ok := parseQueueDir(queueDirName(orig))
	require.True(t, ok)
	assert.Equal(t, orig, parsed)
}
