// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the chat pipeline.
//
// # Description
//
// Metrics cover the whole turn, not just the stream:
//   - Chat requests by outcome and active streams
//   - Latency histograms (time to first token, total duration)
//   - Rewrite and retrieval outcomes
//   - Persistence failures, notification outcomes, rate-limit rejections
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every helper method is a no-op on a nil *ChatMetrics so components can be
// built without metrics in tests.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "folio"

// Subsystem for chat pipeline metrics
const chatSubsystem = "chat"

// ChatMetrics holds all Prometheus metrics for the chat pipeline.
//
// # Fields
//
//   - RequestsTotal: Counter of chat requests by outcome
//   - TimeToFirstTokenSeconds: Histogram of time to first token
//   - StreamDurationSeconds: Histogram of total stream duration
//   - ActiveStreams: Gauge of currently active streams
//   - ErrorsTotal: Counter of errors by type and endpoint
//   - RewritesTotal, RetrievalsTotal: pipeline stage outcomes
//   - PersistFailuresTotal: dropped or failed message writes
//   - NotificationsTotal: inquiry notifications by outcome
//   - RateLimitRejectionsTotal: 429s by limiter
type ChatMetrics struct {
	// RequestsTotal counts chat requests.
	// Labels: endpoint (chat, search), outcome (completed, cancelled, error)
	RequestsTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to the first visible token.
	// Labels: endpoint
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total stream duration.
	// Labels: endpoint, status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently open SSE streams.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts errors by type and endpoint.
	// Labels: endpoint, error_code
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts keepalive comments sent.
	// Labels: endpoint
	KeepAlivesTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts client disconnections during streaming.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec

	// RewritesTotal counts query rewrites.
	// Labels: outcome (rewritten, fallback)
	RewritesTotal *prometheus.CounterVec

	// RetrievalsTotal counts vector searches.
	// Labels: outcome (hit, empty, error)
	RetrievalsTotal *prometheus.CounterVec

	// PersistFailuresTotal counts messages that never reached the store.
	// Labels: role
	PersistFailuresTotal *prometheus.CounterVec

	// NotificationsTotal counts inquiry notifications.
	// Labels: source (auto, direct), outcome
	NotificationsTotal *prometheus.CounterVec

	// RateLimitRejectionsTotal counts rejected requests.
	// Labels: limiter (chat, notify)
	RateLimitRejectionsTotal *prometheus.CounterVec
}

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors. Each orchestrator owns one, so several can coexist in tests.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewChatMetrics creates and registers all metrics on reg.
//
// # Inputs
//
//   - reg: Registerer to use. Tests pass a fresh prometheus.NewRegistry().
//
// # Outputs
//
//   - *ChatMetrics: The initialized metrics instance.
func NewChatMetrics(reg prometheus.Registerer) *ChatMetrics {
	factory := promauto.With(reg)
	return &ChatMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "requests_total",
				Help:      "Total number of chat requests by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),

		TimeToFirstTokenSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first token in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently active streaming connections",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "errors_total",
				Help:      "Total chat errors by type and endpoint",
			},
			[]string{"endpoint", "error_code"},
		),

		KeepAlivesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive pings sent",
			},
			[]string{"endpoint"},
		),

		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),

		RewritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "rewrites_total",
				Help:      "Query rewrites by outcome",
			},
			[]string{"outcome"},
		),

		RetrievalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "retrievals_total",
				Help:      "Vector retrievals by outcome",
			},
			[]string{"outcome"},
		),

		PersistFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "persist_failures_total",
				Help:      "Conversation messages that failed to persist, by role",
			},
			[]string{"role"},
		),

		NotificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "notifications_total",
				Help:      "Inquiry notifications by source and outcome",
			},
			[]string{"source", "outcome"},
		),

		RateLimitRejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "rate_limit_rejections_total",
				Help:      "Requests rejected by a rate limiter",
			},
			[]string{"limiter"},
		),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	ErrorCodeValidation       ErrorCode = "validation"
	ErrorCodeLLMError         ErrorCode = "llm_error"
	ErrorCodeTimeout          ErrorCode = "timeout"
	ErrorCodeRetrieval        ErrorCode = "retrieval_error"
	ErrorCodeSession          ErrorCode = "session_error"
	ErrorCodeInternal         ErrorCode = "internal"
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

// Endpoint labels the surface that served a request.
type Endpoint string

const (
	EndpointChat   Endpoint = "chat"
	EndpointSearch Endpoint = "search"
)

// Request outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// Rewrite outcomes.
const (
	RewriteRewritten = "rewritten"
	RewriteFallback  = "fallback"
)

// Retrieval outcomes.
const (
	RetrievalHit   = "hit"
	RetrievalEmpty = "empty"
	RetrievalError = "error"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a finished request with its outcome.
func (m *ChatMetrics) RecordRequest(endpoint Endpoint, outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), outcome).Inc()
}

// RecordError records an error by code.
func (m *ChatMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *ChatMetrics) StreamStarted(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *ChatMetrics) StreamEnded(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstToken records the time to first token latency.
func (m *ChatMetrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration records the total stream duration.
func (m *ChatMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), status).Observe(seconds)
}

// RecordKeepAlive increments the keepalive counter.
func (m *ChatMetrics) RecordKeepAlive(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *ChatMetrics) RecordClientDisconnect(endpoint Endpoint) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}

// RecordRewrite records whether the rewriter produced a query or fell back.
func (m *ChatMetrics) RecordRewrite(outcome string) {
	if m == nil {
		return
	}
	m.RewritesTotal.WithLabelValues(outcome).Inc()
}

// RecordRetrieval records a retrieval outcome.
func (m *ChatMetrics) RecordRetrieval(outcome string) {
	if m == nil {
		return
	}
	m.RetrievalsTotal.WithLabelValues(outcome).Inc()
}

// RecordPersistFailure counts a message that did not reach the store.
func (m *ChatMetrics) RecordPersistFailure(role string) {
	if m == nil {
		return
	}
	m.PersistFailuresTotal.WithLabelValues(role).Inc()
}

// RecordNotification records a notification attempt.
//
// # Inputs
//
//   - source: "auto" for marker-triggered sends, "direct" for the endpoint.
//   - outcome: "sent", "failed", "rate_limited" or "invalid".
func (m *ChatMetrics) RecordNotification(source, outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(source, outcome).Inc()
}

// RecordRateLimited counts a rejection by the named limiter.
func (m *ChatMetrics) RecordRateLimited(limiter string) {
	if m == nil {
		return
	}
	m.RateLimitRejectionsTotal.WithLabelValues(limiter).Inc()
}
