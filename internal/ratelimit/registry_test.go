// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/telemetryrelay/relay/internal/entity"
)

func newTestRegistry() *Registry {
	return NewRegistry(Config{
		Rates:         map[entity.Type]float64{entity.Point: 1000},
		ItemsPerBatch: map[entity.Type]int{entity.Point: 500},
	}, zap.NewNop())
}

func TestRegistryDefaults(t *testing.T) {
	r := newTestRegistry()

	snap := r.Limiter(entity.Point).Snapshot()
	assert.Equal(t, 1000.0, snap.Rate)
	assert.Equal(t, 500, snap.ItemsPerBatch)

	// Unconfigured types run unlimited with the default batch size.
	snap = r.Limiter(entity.Trace).Snapshot()
	assert.Equal(t, NoLimit, snap.Rate)
	assert.Equal(t, 40000, snap.ItemsPerBatch)
}

func TestReconcileBackendOverride(t *testing.T) {
	r := newTestRegistry()

	backendRate := 200.0
	r.Reconcile(entity.Point, true, &backendRate)

	snap := r.Limiter(entity.Point).Snapshot()
	assert.Equal(t, 200.0, snap.Rate)
	// Items per batch shrinks to the backend rate when it is lower.
	assert.Equal(t, 200, snap.ItemsPerBatch)
}

func TestReconcileBackendOverrideKeepsSmallerBatch(t *testing.T) {
	r := newTestRegistry()

	backendRate := 100000.0
	r.Reconcile(entity.Point, true, &backendRate)

	snap := r.Limiter(entity.Point).Snapshot()
	assert.Equal(t, 100000.0, snap.Rate)
	assert.Equal(t, 500, snap.ItemsPerBatch)
}

func TestReconcileRestoresLocalConfig(t *testing.T) {
	r := newTestRegistry()

	backendRate := 200.0
	r.Reconcile(entity.Point, true, &backendRate)
	require.Equal(t, 200.0, r.Limiter(entity.Point).Snapshot().Rate)

	// Backend stops supplying a limit; local configuration wins again.
	r.Reconcile(entity.Point, false, nil)
	snap := r.Limiter(entity.Point).Snapshot()
	assert.Equal(t, 1000.0, snap.Rate)
	assert.Equal(t, 500, snap.ItemsPerBatch)

	// Collector-controlled with no value behaves the same as not controlled.
	r.Reconcile(entity.Point, true, nil)
	assert.Equal(t, 1000.0, r.Limiter(entity.Point).Snapshot().Rate)
}

func TestReconcileNoChangeIsNoOp(t *testing.T) {
	r := newTestRegistry()
	l := r.Limiter(entity.Point)
	before := l.Snapshot()

	sameRate := 1000.0
	r.Reconcile(entity.Point, true, &sameRate)
	assert.Equal(t, before, l.Snapshot())
}

func TestReconcileGlobalCeiling(t *testing.T) {
	r := NewRegistry(Config{
		Rates:         map[entity.Type]float64{entity.Point: 5000},
		GlobalCeiling: 2000,
	}, zap.NewNop())

	assert.Equal(t, 2000.0, r.Limiter(entity.Point).Snapshot().Rate)

	backendRate := 3000.0
	r.Reconcile(entity.Point, true, &backendRate)
	assert.Equal(t, 3000.0, r.Limiter(entity.Point).Snapshot().Rate)

	r.Reconcile(entity.Point, false, nil)
	assert.Equal(t, 2000.0, r.Limiter(entity.Point).Snapshot().Rate)
}

func TestAcquireClampsOversizedBatches(t *testing.T) {
	l := newLimiter(50, 40000, 0)

	// A batch larger than the burst must not error out or block forever.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Acquire(ctx, 1000000))
}

func TestAcquireUnlimited(t *testing.T) {
	l := newLimiter(0, 40000, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Acquire(ctx, 10000))
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	l := newLimiter(1, 1, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// Drain the bucket, then the next acquire has to wait past the deadline.
	_ = l.Acquire(context.Background(), 32)
	err := l.Acquire(ctx, 32)
	assert.Error(t, err)
}
