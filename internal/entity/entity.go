// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

package entity // import "github.com/telemetryrelay/relay/internal/entity"

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Type identifies a reportable entity kind. Each type maps to its own
// handler pipeline, rate limiter and backlog queues.
type Type int

const (
	Point Type = iota
	Histogram
	SourceTag
	Trace
	TraceSpanLogs
	Event
)

var typeNames = map[Type]string{
	Point:         "points",
	Histogram:     "histograms",
	SourceTag:     "sourceTags",
	Trace:         "spans",
	TraceSpanLogs: "spanLogs",
	Event:         "events",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown"
}

// Types lists every supported entity type in a stable order.
func Types() []Type {
	return []Type{Point, Histogram, SourceTag, Trace, TraceSpanLogs, Event}
}

// ParseType is the inverse of Type.String, used to map persisted queue
// names back to entity types.
func ParseType(s string) (Type, bool) {
	for t, name := range typeNames {
		if name == s {
			return t, true
		}
	}
	return Point, false
}

// HandlerKey is the composite key under which handler, rate limiter and
// backlog singletons are cached: one per (entity type, listening port).
type HandlerKey struct {
	Type   Type
	Handle string
}

func KeyOf(t Type, handle string) HandlerKey {
	return HandlerKey{Type: t, Handle: handle}
}

func (k HandlerKey) String() string {
	return k.Type.String() + "." + k.Handle
}

// Reportable is the capability set the pipeline needs from a decoded item:
// identify its type, validate it, and render it into its wire line.
type Reportable interface {
	ReportableType() Type
	Validate(cfg ValidationConfig) error
	EncodeLine() string
}

// Tag is a single point/span annotation. Tag sets are kept as slices so the
// canonical ordering used for histogram keys is explicit.
type Tag struct {
	Key   string
	Value string
}

// SortTags orders tags by key, then value. Histogram accumulation depends on
// this ordering being canonical.
func SortTags(tags []Tag) {
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Key != tags[j].Key {
			return tags[i].Key < tags[j].Key
		}
		return tags[i].Value < tags[j].Value
	})
}

// ReportPoint is a single decoded metric sample.
type ReportPoint struct {
	Metric    string
	Value     float64
	Timestamp int64 // epoch millis
	Source    string
	Tags      []Tag
}

func (p *ReportPoint) ReportableType() Type { return Point }

func (p *ReportPoint) EncodeLine() string {
	var sb strings.Builder
	sb.WriteString(strconv.Quote(p.Metric))
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatFloat(p.Value, 'g', -1, 64))
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatInt(p.Timestamp/1000, 10))
	sb.WriteString(" source=")
	sb.WriteString(strconv.Quote(p.Source))
	encodeTags(&sb, p.Tags)
	return sb.String()
}

// HistogramCentroid is one (value, count) pair of a distribution summary.
type HistogramCentroid struct {
	Value float64
	Count int
}

// ReportHistogram is an aggregated distribution emitted by the dispatcher
// once its time bucket closes.
type ReportHistogram struct {
	Metric      string
	Source      string
	Tags        []Tag
	BucketStart int64 // epoch millis, bucket-aligned
	Duration    time.Duration
	Centroids   []HistogramCentroid
}

func (h *ReportHistogram) ReportableType() Type { return Histogram }

func (h *ReportHistogram) EncodeLine() string {
	var sb strings.Builder
	sb.WriteString(binType(h.Duration))
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatInt(h.BucketStart/1000, 10))
	for _, c := range h.Centroids {
		sb.WriteString(" #")
		sb.WriteString(strconv.Itoa(c.Count))
		sb.WriteByte(' ')
		sb.WriteString(strconv.FormatFloat(c.Value, 'g', -1, 64))
	}
	sb.WriteByte(' ')
	sb.WriteString(strconv.Quote(h.Metric))
	sb.WriteString(" source=")
	sb.WriteString(strconv.Quote(h.Source))
	encodeTags(&sb, h.Tags)
	return sb.String()
}

func binType(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		return "!D"
	case d >= time.Hour:
		return "!H"
	default:
		return "!M"
	}
}

// Weight reports the total sample count folded into the histogram.
func (h *ReportHistogram) Weight() int {
	n := 0
	for _, c := range h.Centroids {
		n += c.Count
	}
	return n
}

// Span is a single decoded trace span.
type Span struct {
	Name       string
	TraceID    string
	SpanID     string
	Source     string
	StartMs    int64
	DurationMs int64
	Tags       []Tag
}

func (s *Span) ReportableType() Type { return Trace }

func (s *Span) EncodeLine() string {
	var sb strings.Builder
	sb.WriteString(strconv.Quote(s.Name))
	sb.WriteString(" source=")
	sb.WriteString(strconv.Quote(s.Source))
	sb.WriteString(" traceId=")
	sb.WriteString(s.TraceID)
	sb.WriteString(" spanId=")
	sb.WriteString(s.SpanID)
	encodeTags(&sb, s.Tags)
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatInt(s.StartMs, 10))
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatInt(s.DurationMs, 10))
	return sb.String()
}

// SpanLogEntry is one timestamped log record attached to a span.
type SpanLogEntry struct {
	TimestampUs int64
	Fields      map[string]string
}

// SpanLogs carries the log records for a single span.
type SpanLogs struct {
	TraceID string
	SpanID  string
	Logs    []SpanLogEntry
}

func (l *SpanLogs) ReportableType() Type { return TraceSpanLogs }

func (l *SpanLogs) EncodeLine() string {
	var sb strings.Builder
	sb.WriteString(`{"traceId":"`)
	sb.WriteString(l.TraceID)
	sb.WriteString(`","spanId":"`)
	sb.WriteString(l.SpanID)
	sb.WriteString(`","logs":[`)
	for i, e := range l.Logs {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(`{"timestamp":`)
		sb.WriteString(strconv.FormatInt(e.TimestampUs, 10))
		sb.WriteString(`,"fields":{`)
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for j, k := range keys {
			if j > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteByte(':')
			sb.WriteString(strconv.Quote(e.Fields[k]))
		}
		sb.WriteString("}}")
	}
	sb.WriteString("]}")
	return sb.String()
}

// SourceTagAction distinguishes the source-tag operations.
type SourceTagAction string

const (
	SourceTagAdd    SourceTagAction = "add"
	SourceTagSave   SourceTagAction = "save"
	SourceTagDelete SourceTagAction = "delete"
	SourceDescribe  SourceTagAction = "description"
)

// ReportSourceTag associates or removes tags on a source.
type ReportSourceTag struct {
	Action SourceTagAction
	Source string
	Tags   []string
}

func (s *ReportSourceTag) ReportableType() Type { return SourceTag }

func (s *ReportSourceTag) EncodeLine() string {
	var sb strings.Builder
	sb.WriteString("@SourceTag action=")
	sb.WriteString(string(s.Action))
	sb.WriteString(" source=")
	sb.WriteString(strconv.Quote(s.Source))
	for _, t := range s.Tags {
		sb.WriteByte(' ')
		sb.WriteString(strconv.Quote(t))
	}
	return sb.String()
}

// ReportEvent is a decoded event with a time range and annotations.
type ReportEvent struct {
	Name        string
	StartMs     int64
	EndMs       int64
	Source      string
	Annotations map[string]string
}

func (e *ReportEvent) ReportableType() Type { return Event }

func (e *ReportEvent) EncodeLine() string {
	var sb strings.Builder
	sb.WriteString("@Event ")
	sb.WriteString(strconv.FormatInt(e.StartMs, 10))
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatInt(e.EndMs, 10))
	sb.WriteByte(' ')
	sb.WriteString(strconv.Quote(e.Name))
	if e.Source != "" {
		sb.WriteString(" host=")
		sb.WriteString(strconv.Quote(e.Source))
	}
	keys := make([]string, 0, len(e.Annotations))
	for k := range e.Annotations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteByte(' ')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(strconv.Quote(e.Annotations[k]))
	}
	return sb.String()
}

func encodeTags(sb *strings.Builder, tags []Tag) {
	for _, t := range tags {
		sb.WriteByte(' ')
		sb.WriteString(strconv.Quote(t.Key))
		sb.WriteByte('=')
		sb.WriteString(strconv.Quote(t.Value))
	}
}
