// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package accumulator groups incoming points into time-bucketed mergeable
// digests and periodically dispatches closed buckets into the submission
// pipeline as aggregated histograms.
package accumulator // import "github.com/telemetryrelay/relay/internal/accumulator"

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/telemetryrelay/relay/internal/entity"
	"github.com/telemetryrelay/relay/internal/metrics"
	"github.com/telemetryrelay/relay/internal/sketch"
)

const monitorInterval = 10 * time.Second

// Accumulator merges points into per-key digests for one granularity.
// Accumulate is safe for concurrent ingestion; the store serializes merges
// per key.
type Accumulator struct {
	granularity Granularity
	store       *sketch.Store
	capacity    int
	logger      *zap.Logger
	sink        metrics.Sink
}

// New wraps a digest store for the given granularity. capacity is the
// configured expected entry count; the monitor warns when the live count
// exceeds multiples of it.
func New(g Granularity, store *sketch.Store, capacity int, logger *zap.Logger, sink metrics.Sink) *Accumulator {
	return &Accumulator{
		granularity: g,
		store:       store,
		capacity:    capacity,
		logger:      logger,
		sink:        sink,
	}
}

func (a *Accumulator) Granularity() Granularity {
	return a.granularity
}

// Accumulate merges one point into the digest for its histogram key,
// creating the digest on first use. The merge is atomic per key.
func (a *Accumulator) Accumulate(p *entity.ReportPoint) error {
	key := KeyFor(p, a.granularity)
	encoded, err := key.Encode()
	if err != nil {
		return err
	}
	return a.store.MergeValue(encoded, p.Value, 1)
}

// MergeDigest folds a pre-aggregated digest into the key's digest. Used
// when ingesting histogram-formatted samples that already carry centroids.
func (a *Accumulator) MergeDigest(key Key, d *sketch.Digest) error {
	encoded, err := key.Encode()
	if err != nil {
		return err
	}
	return a.store.MergeDigest(encoded, d)
}

// Size returns the number of live digests.
func (a *Accumulator) Size() int {
	return a.store.Size()
}

// Flush writes the in-memory digest cache back to the persisted store.
func (a *Accumulator) Flush() error {
	return a.store.Flush()
}

// RunMonitor periodically compares the store size against the configured
// capacity and emits escalating warnings. It never blocks ingestion.
func (a *Accumulator) RunMonitor(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.checkCapacity()
		}
	}
}

func (a *Accumulator) checkCapacity() {
	size := a.store.Size()
	a.sink.SetAccumulatorSize(a.granularity.String(), size)
	if a.capacity <= 0 {
		return
	}
	switch {
	case size > a.capacity*5:
		a.logger.Error("histogram accumulator is more than 5x its configured size, "+
			"which may cause severe performance degradation or data loss; "+
			"increase the configured accumulator size and restart",
			zap.Stringer("granularity", a.granularity),
			zap.Int("size", size), zap.Int("configured", a.capacity))
	case size > a.capacity*2:
		a.logger.Warn("histogram accumulator is more than 2x its configured size, "+
			"which may cause performance issues; "+
			"increase the configured accumulator size and restart",
			zap.Stringer("granularity", a.granularity),
			zap.Int("size", size), zap.Int("configured", a.capacity))
	}
}

// RunWriteBack flushes the in-memory cache to disk on a fixed interval so
// the persisted store never trails the cache by more than one interval.
func (a *Accumulator) RunWriteBack(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.store.Flush(); err != nil {
				a.logger.Warn("failed to write back accumulator cache",
					zap.Stringer("granularity", a.granularity), zap.Error(err))
			}
		}
	}
}

// Close flushes all in-memory digests and closes the store.
func (a *Accumulator) Close() error {
	return a.store.Close()
}
