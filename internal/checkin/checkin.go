// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package checkin polls the backend configuration source and reconciles the
// local limiters and feature kill switches with what it returns.
package checkin // import "github.com/telemetryrelay/relay/internal/checkin"

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/telemetryrelay/relay/internal/entity"
	"github.com/telemetryrelay/relay/internal/ratelimit"
)

// Switches are the runtime kill switches handlers consult on every reported
// item. Written only by the check-in goroutine, read lock-free everywhere.
type Switches struct {
	histogramsDisabled atomic.Bool
	tracesDisabled     atomic.Bool
	spanLogsDisabled   atomic.Bool
}

func (s *Switches) HistogramsDisabled() bool { return s.histogramsDisabled.Load() }
func (s *Switches) TracesDisabled() bool     { return s.tracesDisabled.Load() }
func (s *Switches) SpanLogsDisabled() bool   { return s.spanLogsDisabled.Load() }

// Disabled reports whether the kill switch for the given entity type is on.
func (s *Switches) Disabled(t entity.Type) bool {
	switch t {
	case entity.Histogram:
		return s.histogramsDisabled.Load()
	case entity.Trace:
		return s.tracesDisabled.Load()
	case entity.TraceSpanLogs:
		return s.spanLogsDisabled.Load()
	}
	return false
}

// EntityLimit is the backend's view of one entity type's admission control.
type EntityLimit struct {
	// CollectorControlled indicates the backend, not local config, owns the
	// rate for this entity type.
	CollectorControlled bool     `json:"collectorControlled"`
	Rate                *float64 `json:"rate,omitempty"`
}

// Report is one check-in cycle's configuration payload.
type Report struct {
	Limits            map[string]EntityLimit `json:"limits"`
	DisableHistograms bool                   `json:"histogramDisabled"`
	DisableTraces     bool                   `json:"traceDisabled"`
	DisableSpanLogs   bool                   `json:"spanLogsDisabled"`
}

// Source fetches the current backend-side configuration.
type Source interface {
	Fetch(ctx context.Context) (*Report, error)
}

// HTTPSource polls the backend check-in endpoint.
type HTTPSource struct {
	client *http.Client
	url    string
	token  string
}

func NewHTTPSource(baseURL, token string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		client: &http.Client{Timeout: timeout},
		url:    baseURL + "/checkin",
		token:  token,
	}
}

func (s *HTTPSource) Fetch(ctx context.Context) (*Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("check-in returned status %d", resp.StatusCode)
	}
	var r Report
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("failed to decode check-in response: %w", err)
	}
	return &r, nil
}

// Service runs the periodic check-in loop.
type Service struct {
	source   Source
	registry *ratelimit.Registry
	switches *Switches
	interval time.Duration
	logger   *zap.Logger
}

func NewService(source Source, registry *ratelimit.Registry, switches *Switches,
	interval time.Duration, logger *zap.Logger) *Service {
	return &Service{
		source:   source,
		registry: registry,
		switches: switches,
		interval: interval,
		logger:   logger,
	}
}

// Run polls until the context ends. The first cycle runs immediately.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.cycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) cycle(ctx context.Context) {
	report, err := s.source.Fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("check-in failed, keeping previous configuration", zap.Error(err))
		}
		return
	}
	s.Apply(report)
}

// Apply reconciles one report against the limiters and switches.
func (s *Service) Apply(report *Report) {
	for _, t := range entity.Types() {
		limit, ok := report.Limits[t.String()]
		if !ok {
			s.registry.Reconcile(t, false, nil)
			continue
		}
		s.registry.Reconcile(t, limit.CollectorControlled, limit.Rate)
	}

	flip(&s.switches.histogramsDisabled, report.DisableHistograms, "histogram", s.logger)
	flip(&s.switches.tracesDisabled, report.DisableTraces, "trace", s.logger)
	flip(&s.switches.spanLogsDisabled, report.DisableSpanLogs, "spanLogs", s.logger)
}

func flip(b *atomic.Bool, want bool, feature string, logger *zap.Logger) {
	if b.Swap(want) != want {
		if want {
			logger.Warn("feature disabled by backend, incoming data will be dropped",
				zap.String("feature", feature))
		} else {
			logger.Info("feature re-enabled by backend", zap.String("feature", feature))
		}
	}
}
