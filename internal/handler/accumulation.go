// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package handler // import "github.com/telemetryrelay/relay/internal/handler"

import (
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/telemetryrelay/relay/internal/accumulator"
	"github.com/telemetryrelay/relay/internal/checkin"
	"github.com/telemetryrelay/relay/internal/entity"
	"github.com/telemetryrelay/relay/internal/metrics"
	"github.com/telemetryrelay/relay/internal/sketch"
)

// accumulationHandler routes samples into a time-bucketed digest store
// instead of batching them for submission. Plain points add one sample;
// pre-aggregated histogram items merge their centroids wholesale.
type accumulationHandler struct {
	key        entity.HandlerKey
	acc        *accumulator.Accumulator
	validation entity.ValidationConfig
	switches   *checkin.Switches
	logger     *zap.Logger
	sink       metrics.Sink

	blockedLog *rate.Limiter
}

// NewAccumulationHandler builds a handler that feeds acc. Register it with
// the factory under the histogram port's key.
func NewAccumulationHandler(key entity.HandlerKey, acc *accumulator.Accumulator,
	validation entity.ValidationConfig, switches *checkin.Switches,
	blockedLogsPerMinute int, logger *zap.Logger, sink metrics.Sink) Handler {
	return &accumulationHandler{
		key:        key,
		acc:        acc,
		validation: validation,
		switches:   switches,
		logger:     logger.With(zap.String("handle", key.Handle), zap.Stringer("granularity", acc.Granularity())),
		sink:       sink,
		blockedLog: rate.NewLimiter(rate.Limit(float64(blockedLogsPerMinute)/60.0), max(blockedLogsPerMinute, 1)),
	}
}

func (h *accumulationHandler) Report(item entity.Reportable) {
	h.sink.IncReceived(h.key, 1)

	if h.switches.Disabled(entity.Histogram) {
		h.sink.IncBlocked(h.key, 1)
		return
	}

	if err := item.Validate(h.validation); err != nil {
		h.sink.IncBlocked(h.key, 1)
		if h.blockedLog.Allow() {
			h.logger.Info("blocked input", zap.Error(err), zap.String("line", item.EncodeLine()))
		}
		return
	}

	var err error
	switch v := item.(type) {
	case *entity.ReportPoint:
		err = h.acc.Accumulate(v)
	case *entity.ReportHistogram:
		err = h.acc.MergeDigest(keyForHistogram(v, h.acc.Granularity()), digestOf(v))
	default:
		h.sink.IncBlocked(h.key, 1)
		h.logger.Warn("unsupported item on histogram port", zap.Stringer("type", item.ReportableType()))
		return
	}
	if err != nil {
		h.sink.IncBlocked(h.key, 1)
		h.logger.Error("accumulation failed", zap.Error(err))
	}
}

// Shutdown flushes dirty digests to disk. The dispatcher owns bucket
// emission; nothing is reported here.
func (h *accumulationHandler) Shutdown() {
	if err := h.acc.Flush(); err != nil {
		h.logger.Error("flush on shutdown failed", zap.Error(err))
	}
}

func keyForHistogram(v *entity.ReportHistogram, g accumulator.Granularity) accumulator.Key {
	tags := make([]entity.Tag, len(v.Tags))
	copy(tags, v.Tags)
	entity.SortTags(tags)
	return accumulator.Key{
		Metric:      v.Metric,
		Source:      v.Source,
		Tags:        tags,
		BucketStart: g.Truncate(v.BucketStart),
	}
}

func digestOf(v *entity.ReportHistogram) *sketch.Digest {
	d := sketch.NewDigest(sketch.DefaultCompression)
	for _, c := range v.Centroids {
		d.Add(c.Value, c.Count)
	}
	return d
}
