// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides the per-entity-type admission control layer.
// Limits are adjusted by the periodic check-in and read lock-free by sender
// workers.
package ratelimit // import "github.com/telemetryrelay/relay/internal/ratelimit"

import (
	"context"
	"math"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/telemetryrelay/relay/internal/entity"
)

// NoLimit disables rate limiting for a limiter when used as its local rate.
const NoLimit = float64(math.MaxInt32)

// Settings is the snapshot sender workers read on every batch.
type Settings struct {
	Rate          float64
	ItemsPerBatch int
}

// Limiter wraps a token bucket plus the atomically published Settings
// snapshot. Writes come only from the check-in goroutine.
type Limiter struct {
	limiter *rate.Limiter

	localRate     float64
	localItems    int
	globalCeiling float64

	snapshot atomic.Value // Settings
}

func newLimiter(localRate float64, itemsPerBatch int, globalCeiling float64) *Limiter {
	r := effectiveLocal(localRate, globalCeiling)
	l := &Limiter{
		limiter:       rate.NewLimiter(rate.Limit(r), burstFor(r)),
		localRate:     localRate,
		localItems:    itemsPerBatch,
		globalCeiling: globalCeiling,
	}
	l.snapshot.Store(Settings{Rate: r, ItemsPerBatch: itemsPerBatch})
	return l
}

// Snapshot returns the current rate and items-per-batch without locking.
func (l *Limiter) Snapshot() Settings {
	return l.snapshot.Load().(Settings)
}

// Acquire blocks until n items may be admitted or the context is done.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	// WaitN caps n at the burst size; clamp to keep oversized batches legal.
	if b := l.limiter.Burst(); n > b {
		n = b
	}
	return l.limiter.WaitN(ctx, n)
}

func (l *Limiter) setRate(r float64, items int) {
	l.limiter.SetLimit(rate.Limit(r))
	l.limiter.SetBurst(burstFor(r))
	l.snapshot.Store(Settings{Rate: r, ItemsPerBatch: items})
}

func burstFor(r float64) int {
	if r >= NoLimit {
		return math.MaxInt32
	}
	// One second worth of tokens, floor of 32 so small batches never starve.
	b := int(r)
	if b < 32 {
		b = 32
	}
	return b
}

func effectiveLocal(localRate, ceiling float64) float64 {
	r := localRate
	if r <= 0 {
		r = NoLimit
	}
	if ceiling > 0 && ceiling < r {
		r = ceiling
	}
	return r
}

// Config carries the locally configured limits per entity type.
type Config struct {
	Rates         map[entity.Type]float64
	ItemsPerBatch map[entity.Type]int
	GlobalCeiling float64
}

// Registry holds one limiter per entity type.
type Registry struct {
	logger   *zap.Logger
	limiters map[entity.Type]*Limiter
}

// NewRegistry builds limiters for every entity type from local config.
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	r := &Registry{logger: logger, limiters: make(map[entity.Type]*Limiter)}
	for _, t := range entity.Types() {
		items := cfg.ItemsPerBatch[t]
		if items <= 0 {
			items = 40000
		}
		r.limiters[t] = newLimiter(cfg.Rates[t], items, cfg.GlobalCeiling)
	}
	return r
}

// Limiter returns the limiter for an entity type.
func (r *Registry) Limiter(t entity.Type) *Limiter {
	return r.limiters[t]
}

// Reconcile applies one check-in cycle's worth of limit updates for a single
// entity type. With backendControlled true and a supplied value, the backend
// rate wins and items-per-batch is capped at min(backendRate, current).
// Otherwise local configuration is restored. The limiter is only touched,
// and the change only logged, when the computed rate actually differs.
func (r *Registry) Reconcile(t entity.Type, backendControlled bool, backendRate *float64) {
	l := r.limiters[t]
	if l == nil {
		return
	}
	cur := l.Snapshot()

	var want Settings
	if backendControlled && backendRate != nil {
		want.Rate = *backendRate
		want.ItemsPerBatch = cur.ItemsPerBatch
		if int(*backendRate) < want.ItemsPerBatch {
			want.ItemsPerBatch = int(*backendRate)
		}
	} else {
		want.Rate = effectiveLocal(l.localRate, l.globalCeiling)
		want.ItemsPerBatch = l.localItems
	}

	if want.Rate == cur.Rate {
		return
	}
	l.setRate(want.Rate, want.ItemsPerBatch)
	r.logger.Info("rate limit updated",
		zap.Stringer("type", t),
		zap.Float64("previousRate", cur.Rate),
		zap.Float64("rate", want.Rate),
		zap.Int("itemsPerBatch", want.ItemsPerBatch),
		zap.Bool("backendControlled", backendControlled))
}
