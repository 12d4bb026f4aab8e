// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package accumulator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/telemetryrelay/relay/internal/entity"
	"github.com/telemetryrelay/relay/internal/metrics"
	"github.com/telemetryrelay/relay/internal/sketch"
)

func newTestAccumulator(t *testing.T, g Granularity) *Accumulator {
	t.Helper()
	store, err := sketch.Open(sketch.Options{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(g, store, 100, zap.NewNop(), metrics.NewNopSink())
}

func point(metric string, value float64, ts int64, tags ...entity.Tag) *entity.ReportPoint {
	return &entity.ReportPoint{
		Metric:    metric,
		Value:     value,
		Timestamp: ts,
		Source:    "host1",
		Tags:      tags,
	}
}

func TestAccumulateGroupsByMinuteBucket(t *testing.T) {
	a := newTestAccumulator(t, Minute)

	base := int64(1700000000000)
	bucket := Minute.Truncate(base)
	// Two points in the same minute, one in the next.
	require.NoError(t, a.Accumulate(point("cpu.load", 1, base)))
	require.NoError(t, a.Accumulate(point("cpu.load", 2, base+1000)))
	require.NoError(t, a.Accumulate(point("cpu.load", 3, bucket+61_000)))

	assert.Equal(t, 2, a.Size())
}

func TestAccumulateGroupsBySeries(t *testing.T) {
	a := newTestAccumulator(t, Hour)

	ts := int64(1700000000000)
	require.NoError(t, a.Accumulate(point("cpu.load", 1, ts)))
	require.NoError(t, a.Accumulate(point("mem.used", 1, ts)))
	require.NoError(t, a.Accumulate(point("cpu.load", 1, ts, entity.Tag{Key: "env", Value: "prod"})))
	assert.Equal(t, 3, a.Size())
}

func TestAccumulateTagOrderCanonical(t *testing.T) {
	a := newTestAccumulator(t, Minute)

	ts := int64(1700000000000)
	require.NoError(t, a.Accumulate(point("m", 1, ts,
		entity.Tag{Key: "a", Value: "1"}, entity.Tag{Key: "b", Value: "2"})))
	require.NoError(t, a.Accumulate(point("m", 2, ts,
		entity.Tag{Key: "b", Value: "2"}, entity.Tag{Key: "a", Value: "1"})))

	// Same series regardless of tag ordering on the wire.
	assert.Equal(t, 1, a.Size())
}

func TestMergeDigest(t *testing.T) {
	a := newTestAccumulator(t, Minute)

	d := sketch.NewDigest(sketch.DefaultCompression)
	for i := 0; i < 100; i++ {
		d.Add(float64(i), 1)
	}
	key := Key{Metric: "latency", Source: "host1", BucketStart: Minute.Truncate(1700000000000)}
	require.NoError(t, a.MergeDigest(key, d))
	require.NoError(t, a.MergeDigest(key, d))
	assert.Equal(t, 1, a.Size())

	// A plain point for the same series lands in the same digest.
	require.NoError(t, a.Accumulate(point("latency", 5, 1700000000000)))
	assert.Equal(t, 1, a.Size())
}

func TestGranularityTruncate(t *testing.T) {
	ts := int64(1700000123456)
	assert.Equal(t, ts-ts%60_000, Minute.Truncate(ts))
	assert.Equal(t, ts-ts%3_600_000, Hour.Truncate(ts))
	assert.Equal(t, ts-ts%86_400_000, Day.Truncate(ts))
	assert.Equal(t, int64(0), Distribution.Truncate(ts))
}

func TestParseGranularity(t *testing.T) {
	for s, want := range map[string]Granularity{
		"minute":       Minute,
		"hour":         Hour,
		"day":          Day,
		"distribution": Distribution,
	} {
		got, err := ParseGranularity(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, s, got.String())
	}
	_, err := ParseGranularity("week")
	assert.Error(t, err)
}

func TestGranularityDuration(t *testing.T) {
	assert.Equal(t, time.Minute, Minute.Duration())
	assert.Equal(t, time.Hour, Hour.Duration())
	assert.Equal(t, 24*time.Hour, Day.Duration())
	assert.Equal(t, time.Duration(0), Distribution.Duration())
}

func TestKeyRoundTrip(t *testing.T) {
	key := Key{
		Metric:      "request.latency",
		Source:      "app-42",
		Tags:        []entity.Tag{{Key: "env", Value: "prod"}, {Key: "region", Value: "us-west"}},
		BucketStart: 1700000040000,
	}
	encoded, err := key.Encode()
	require.NoError(t, err)
	decoded, err := DecodeKey(encoded)
	require.NoError(t, err)
	assert.Equal(t, key, decoded)
}
