// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics defines the sink interface components report their
// operational counters through. Components never register collectors with a
// global registry themselves; they receive a Sink at construction, keyed by
// entity type and handle.
package metrics // import "github.com/telemetryrelay/relay/internal/metrics"

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/telemetryrelay/relay/internal/entity"
)

// QueueReason labels why a task was persisted to the backlog.
type QueueReason string

const (
	ReasonPushback QueueReason = "pushback"
	ReasonAuth     QueueReason = "auth"
	ReasonRetry    QueueReason = "retry"
	ReasonSplit    QueueReason = "split"
	ReasonMemory   QueueReason = "memoryPressure"
	ReasonShutdown QueueReason = "shutdown"
	ReasonAlways   QueueReason = "queueLevel"
)

// Sink receives pipeline observability signals.
type Sink interface {
	IncReceived(key entity.HandlerKey, n int)
	IncDelivered(key entity.HandlerKey, n int)
	IncBlocked(key entity.HandlerKey, n int)
	IncQueued(key entity.HandlerKey, reason QueueReason, n int)
	// IncQueueFailed counts the sanctioned data-loss path: a task dropped
	// because the local backlog storage failed.
	IncQueueFailed(key entity.HandlerKey, n int)
	IncHTTPStatus(key entity.HandlerKey, status int)
	ObserveQueueTime(key entity.HandlerKey, d time.Duration)
	ObserveAttemptDuration(key entity.HandlerKey, d time.Duration)
	SetBacklogSize(key entity.HandlerKey, size int)
	SetAccumulatorSize(granularity string, size int)
}

type promSink struct {
	received        *prometheus.CounterVec
	delivered       *prometheus.CounterVec
	blocked         *prometheus.CounterVec
	queued          *prometheus.CounterVec
	queueFailed     *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	queueTime       *prometheus.HistogramVec
	attemptDuration *prometheus.HistogramVec
	backlogSize     *prometheus.GaugeVec
	accumulatorSize *prometheus.GaugeVec
}

// NewPrometheusSink builds a Sink backed by the given registerer.
func NewPrometheusSink(reg prometheus.Registerer) Sink {
	s := &promSink{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_items_received_total",
			Help: "Decoded items received by entity handlers.",
		}, []string{"type", "handle"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_items_delivered_total",
			Help: "Items acknowledged by the backend with a 2xx response.",
		}, []string{"type", "handle"}),
		blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_items_blocked_total",
			Help: "Items dropped by validation.",
		}, []string{"type", "handle"}),
		queued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_items_queued_total",
			Help: "Items persisted to the durable backlog.",
		}, []string{"type", "handle", "reason"}),
		queueFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_backlog_failures_total",
			Help: "Tasks lost because backlog storage failed.",
		}, []string{"type", "handle"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_submission_status_total",
			Help: "Submission attempts by HTTP status code.",
		}, []string{"type", "handle", "status"}),
		queueTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_task_queue_time_seconds",
			Help:    "Time a task spent in the backlog before an attempt.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"type", "handle"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_submission_duration_seconds",
			Help:    "Wall time of a single delivery attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type", "handle"}),
		backlogSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_backlog_tasks",
			Help: "Tasks currently waiting in the durable backlog.",
		}, []string{"type", "handle"}),
		accumulatorSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_accumulator_digests",
			Help: "Digests currently held by the histogram accumulator.",
		}, []string{"granularity"}),
	}
	reg.MustRegister(s.received, s.delivered, s.blocked, s.queued, s.queueFailed,
		s.httpStatus, s.queueTime, s.attemptDuration, s.backlogSize, s.accumulatorSize)
	return s
}

func (s *promSink) IncReceived(key entity.HandlerKey, n int) {
	s.received.WithLabelValues(key.Type.String(), key.Handle).Add(float64(n))
}

func (s *promSink) IncDelivered(key entity.HandlerKey, n int) {
	s.delivered.WithLabelValues(key.Type.String(), key.Handle).Add(float64(n))
}

func (s *promSink) IncBlocked(key entity.HandlerKey, n int) {
	s.blocked.WithLabelValues(key.Type.String(), key.Handle).Add(float64(n))
}

func (s *promSink) IncQueued(key entity.HandlerKey, reason QueueReason, n int) {
	s.queued.WithLabelValues(key.Type.String(), key.Handle, string(reason)).Add(float64(n))
}

func (s *promSink) IncQueueFailed(key entity.HandlerKey, n int) {
	s.queueFailed.WithLabelValues(key.Type.String(), key.Handle).Add(float64(n))
}

func (s *promSink) IncHTTPStatus(key entity.HandlerKey, status int) {
	s.httpStatus.WithLabelValues(key.Type.String(), key.Handle, strconv.Itoa(status)).Inc()
}

func (s *promSink) ObserveQueueTime(key entity.HandlerKey, d time.Duration) {
	s.queueTime.WithLabelValues(key.Type.String(), key.Handle).Observe(d.Seconds())
}

func (s *promSink) ObserveAttemptDuration(key entity.HandlerKey, d time.Duration) {
	s.attemptDuration.WithLabelValues(key.Type.String(), key.Handle).Observe(d.Seconds())
}

func (s *promSink) SetBacklogSize(key entity.HandlerKey, size int) {
	s.backlogSize.WithLabelValues(key.Type.String(), key.Handle).Set(float64(size))
}

func (s *promSink) SetAccumulatorSize(granularity string, size int) {
	s.accumulatorSize.WithLabelValues(granularity).Set(float64(size))
}

type nopSink struct{}

// NewNopSink returns a Sink that discards everything. Used in tests.
func NewNopSink() Sink { return nopSink{} }

func (nopSink) IncReceived(entity.HandlerKey, int)                      {}
func (nopSink) IncDelivered(entity.HandlerKey, int)                     {}
func (nopSink) IncBlocked(entity.HandlerKey, int)                       {}
func (nopSink) IncQueued(entity.HandlerKey, QueueReason, int)           {}
func (nopSink) IncQueueFailed(entity.HandlerKey, int)                   {}
func (nopSink) IncHTTPStatus(entity.HandlerKey, int)                    {}
func (nopSink) ObserveQueueTime(entity.HandlerKey, time.Duration)       {}
func (nopSink) ObserveAttemptDuration(entity.HandlerKey, time.Duration) {}
func (nopSink) SetBacklogSize(entity.HandlerKey, int)                   {}
func (nopSink) SetAccumulatorSize(string, int)                          {}
