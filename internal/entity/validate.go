// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package entity // import "github.com/telemetryrelay/relay/internal/entity"

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ValidationConfig bounds the shape of accepted items. Zero values fall back
// to the defaults below.
type ValidationConfig struct {
	MetricLengthLimit     int `mapstructure:"metric_length_limit"`
	SourceLengthLimit     int `mapstructure:"source_length_limit"`
	AnnotationCountLimit  int `mapstructure:"annotation_count_limit"`
	AnnotationKeyLimit    int `mapstructure:"annotation_key_limit"`
	AnnotationValueLimit  int `mapstructure:"annotation_value_limit"`
	SpanNameLengthLimit   int `mapstructure:"span_name_length_limit"`
	TimestampDriftFutureH int `mapstructure:"timestamp_drift_future_hours"`
	TimestampDriftPastH   int `mapstructure:"timestamp_drift_past_hours"`
}

// DefaultValidationConfig returns the limits applied when nothing is
// configured.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MetricLengthLimit:     255,
		SourceLengthLimit:     128,
		AnnotationCountLimit:  20,
		AnnotationKeyLimit:    64,
		AnnotationValueLimit:  255,
		SpanNameLengthLimit:   128,
		TimestampDriftFutureH: 24,
		TimestampDriftPastH:   8760,
	}
}

var (
	errMetricMissing = errors.New("metric name is empty")
	errSourceMissing = errors.New("source is empty")
	errBadValue      = errors.New("value is not a finite number")
)

// Validate checks a point against the configured schema limits. A non-nil
// error marks the point as blocked; blocked items are dropped, never queued.
func (p *ReportPoint) Validate(cfg ValidationConfig) error {
	if p.Metric == "" {
		return errMetricMissing
	}
	if n := limit(cfg.MetricLengthLimit, 255); len(p.Metric) > n {
		return fmt.Errorf("metric name too long (%d > %d)", len(p.Metric), n)
	}
	if !validCharset(p.Metric) {
		return fmt.Errorf("metric name %q has illegal characters", p.Metric)
	}
	if p.Source == "" {
		return errSourceMissing
	}
	if n := limit(cfg.SourceLengthLimit, 128); len(p.Source) > n {
		return fmt.Errorf("source too long (%d > %d)", len(p.Source), n)
	}
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		return errBadValue
	}
	if err := validateTags(p.Tags, cfg); err != nil {
		return err
	}
	return validateTimestamp(p.Timestamp, cfg)
}

func (h *ReportHistogram) Validate(cfg ValidationConfig) error {
	if h.Metric == "" {
		return errMetricMissing
	}
	if h.Source == "" {
		return errSourceMissing
	}
	if len(h.Centroids) == 0 {
		return errors.New("histogram has no centroids")
	}
	for _, c := range h.Centroids {
		if c.Count <= 0 {
			return fmt.Errorf("histogram centroid with non-positive count %d", c.Count)
		}
		if math.IsNaN(c.Value) || math.IsInf(c.Value, 0) {
			return errBadValue
		}
	}
	return validateTags(h.Tags, cfg)
}

func (s *Span) Validate(cfg ValidationConfig) error {
	if s.Name == "" {
		return errors.New("span name is empty")
	}
	if n := limit(cfg.SpanNameLengthLimit, 128); len(s.Name) > n {
		return fmt.Errorf("span name too long (%d > %d)", len(s.Name), n)
	}
	if s.Source == "" {
		return errSourceMissing
	}
	if s.TraceID == "" || s.SpanID == "" {
		return errors.New("span is missing traceId or spanId")
	}
	if s.DurationMs < 0 {
		return fmt.Errorf("span has negative duration %d", s.DurationMs)
	}
	return validateTags(s.Tags, cfg)
}

func (l *SpanLogs) Validate(ValidationConfig) error {
	if l.TraceID == "" || l.SpanID == "" {
		return errors.New("span logs are missing traceId or spanId")
	}
	if len(l.Logs) == 0 {
		return errors.New("span logs payload has no log entries")
	}
	return nil
}

func (s *ReportSourceTag) Validate(ValidationConfig) error {
	if s.Source == "" {
		return errSourceMissing
	}
	switch s.Action {
	case SourceTagAdd, SourceTagSave, SourceTagDelete:
		if len(s.Tags) == 0 {
			return errors.New("source tag operation carries no tags")
		}
	case SourceDescribe:
	default:
		return fmt.Errorf("unknown source tag action %q", s.Action)
	}
	return nil
}

func (e *ReportEvent) Validate(cfg ValidationConfig) error {
	if e.Name == "" {
		return errors.New("event name is empty")
	}
	if e.EndMs != 0 && e.EndMs < e.StartMs {
		return fmt.Errorf("event ends (%d) before it starts (%d)", e.EndMs, e.StartMs)
	}
	if n := limit(cfg.AnnotationCountLimit, 20); len(e.Annotations) > n {
		return fmt.Errorf("too many annotations (%d > %d)", len(e.Annotations), n)
	}
	return nil
}

func validateTags(tags []Tag, cfg ValidationConfig) error {
	if n := limit(cfg.AnnotationCountLimit, 20); len(tags) > n {
		return fmt.Errorf("too many point tags (%d > %d)", len(tags), n)
	}
	for _, t := range tags {
		if t.Key == "" {
			return errors.New("point tag with empty key")
		}
		if n := limit(cfg.AnnotationKeyLimit, 64); len(t.Key) > n {
			return fmt.Errorf("point tag key %q too long", t.Key)
		}
		if n := limit(cfg.AnnotationValueLimit, 255); len(t.Value) > n {
			return fmt.Errorf("point tag value for %q too long", t.Key)
		}
	}
	return nil
}

func validateTimestamp(ms int64, cfg ValidationConfig) error {
	now := time.Now().UnixMilli()
	future := int64(limit(cfg.TimestampDriftFutureH, 24)) * int64(time.Hour/time.Millisecond)
	past := int64(limit(cfg.TimestampDriftPastH, 8760)) * int64(time.Hour/time.Millisecond)
	if ms > now+future {
		return fmt.Errorf("timestamp %d too far in the future", ms)
	}
	if ms < now-past {
		return fmt.Errorf("timestamp %d too far in the past", ms)
	}
	return nil
}

func validCharset(s string) bool {
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.' || c == '-' || c == '_' || c == '/' || c == ',' || c == '~':
		default:
			return false
		}
	}
	return true
}

func limit(configured, fallback int) int {
	if configured > 0 {
		return configured
	}
	return fallback
}
