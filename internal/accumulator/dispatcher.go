// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package accumulator // import "github.com/telemetryrelay/relay/internal/accumulator"

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/telemetryrelay/relay/internal/entity"
)

// Reporter receives the aggregated histograms emitted by the dispatcher.
// In production this is the histogram entity handler.
type Reporter interface {
	Report(item entity.Reportable)
}

// Dispatcher periodically drains closed buckets from an accumulator and
// feeds each digest into the submission pipeline as one histogram item.
type Dispatcher struct {
	acc      *Accumulator
	reporter Reporter
	// maxPerCycle caps how many digests one cycle may emit; zero means
	// unbounded.
	maxPerCycle int
	logger      *zap.Logger
	// now is the time source in epoch millis.
	now func() int64
}

// NewDispatcher wires a dispatcher for one accumulator.
func NewDispatcher(acc *Accumulator, reporter Reporter, maxPerCycle int, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		acc:         acc,
		reporter:    reporter,
		maxPerCycle: maxPerCycle,
		logger:      logger,
		now:         func() int64 { return time.Now().UnixMilli() },
	}
}

// Run dispatches on a fixed period until the context ends, then performs a
// final dispatch pass so shutdown does not strand closed buckets.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.Dispatch()
			return
		case <-ticker.C:
			d.Dispatch()
		}
	}
}

// Dispatch emits every digest whose bucket has closed. For time-bucketed
// granularities a bucket is closed once its end has passed; in distribution
// mode every digest is flushed on each run.
func (d *Dispatcher) Dispatch() {
	keys, err := d.acc.store.Keys()
	if err != nil {
		d.logger.Warn("failed to enumerate accumulator", zap.Error(err))
		return
	}

	g := d.acc.granularity
	now := d.now()
	dispatched := 0
	for _, encoded := range keys {
		if d.maxPerCycle > 0 && dispatched >= d.maxPerCycle {
			break
		}
		key, err := DecodeKey(encoded)
		if err != nil {
			d.logger.Warn("removing undecodable accumulator key", zap.Error(err))
			_, _ = d.acc.store.Remove(encoded)
			continue
		}
		if g != Distribution && key.BucketStart+g.Duration().Milliseconds() > now {
			continue
		}
		digest, err := d.acc.store.Remove(encoded)
		if err != nil {
			d.logger.Warn("failed to remove dispatched digest", zap.Error(err))
			continue
		}
		if digest == nil {
			continue
		}

		centroids := digest.Centroids()
		item := &entity.ReportHistogram{
			Metric:      key.Metric,
			Source:      key.Source,
			Tags:        key.Tags,
			BucketStart: key.BucketStart,
			Duration:    g.Duration(),
			Centroids:   make([]entity.HistogramCentroid, 0, len(centroids)),
		}
		if g == Distribution {
			// Distributions have no bucket of their own; stamp them with the
			// minute the flush happened in.
			item.BucketStart = Minute.Truncate(now)
			item.Duration = time.Minute
		}
		for _, c := range centroids {
			item.Centroids = append(item.Centroids, entity.HistogramCentroid{
				Value: c.Mean,
				Count: int(c.Weight + 0.5),
			})
		}
		d.reporter.Report(item)
		dispatched++
	}
}
