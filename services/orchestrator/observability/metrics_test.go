// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper: Create isolated metrics for testing
// ============================================================================

// newTestMetrics creates a ChatMetrics instance with a private registry so
// tests never collide with the global one.
func newTestMetrics(t *testing.T) (*ChatMetrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewChatMetrics(reg), reg
}

// ============================================================================
// Tests
// ============================================================================

func TestNewChatMetrics_RegistersEverything(t *testing.T) {
	m, reg := newTestMetrics(t)

	// Vecs only show up in Gather once a label set exists.
	m.RecordRequest(EndpointChat, OutcomeCompleted)
	m.RecordTimeToFirstToken(EndpointChat, 0.3)
	m.RecordStreamDuration(EndpointChat, 2, true)
	m.StreamStarted(EndpointChat)
	m.RecordError(EndpointChat, ErrorCodeLLMError)
	m.RecordKeepAlive(EndpointChat)
	m.RecordClientDisconnect(EndpointChat)
	m.RecordRewrite(RewriteFallback)
	m.RecordRetrieval(RetrievalHit)
	m.RecordPersistFailure("assistant")
	m.RecordNotification("auto", "sent")
	m.RecordRateLimited("chat")

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"folio_chat_requests_total",
		"folio_chat_time_to_first_token_seconds",
		"folio_chat_stream_duration_seconds",
		"folio_chat_active_streams",
		"folio_chat_errors_total",
		"folio_chat_keepalives_total",
		"folio_chat_client_disconnects_total",
		"folio_chat_rewrites_total",
		"folio_chat_retrievals_total",
		"folio_chat_persist_failures_total",
		"folio_chat_notifications_total",
		"folio_chat_rate_limit_rejections_total",
	} {
		assert.True(t, names[want], "missing metric %s", want)
	}
}

func TestRecordRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRequest(EndpointChat, OutcomeCompleted)
	m.RecordRequest(EndpointChat, OutcomeCompleted)
	m.RecordRequest(EndpointChat, OutcomeCancelled)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat", "cancelled")))
}

func TestActiveStreams(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.StreamStarted(EndpointChat)
	m.StreamStarted(EndpointChat)
	m.StreamEnded(EndpointChat)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveStreams.WithLabelValues("chat")))
}

func TestStageOutcomes(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordRewrite(RewriteRewritten)
	m.RecordRewrite(RewriteFallback)
	m.RecordRewrite(RewriteFallback)
	m.RecordRetrieval(RetrievalError)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RewritesTotal.WithLabelValues("rewritten")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RewritesTotal.WithLabelValues("fallback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetrievalsTotal.WithLabelValues("error")))
}

func TestNotificationsAndRateLimits(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordNotification("direct", "rate_limited")
	m.RecordRateLimited("notify")
	m.RecordRateLimited("notify")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationsTotal.WithLabelValues("direct", "rate_limited")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RateLimitRejectionsTotal.WithLabelValues("notify")))
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *ChatMetrics
	assert.NotPanics(t, func() {
		m.RecordRequest(EndpointChat, OutcomeError)
		m.RecordError(EndpointChat, ErrorCodeInternal)
		m.StreamStarted(EndpointChat)
		m.StreamEnded(EndpointChat)
		m.RecordTimeToFirstToken(EndpointChat, 1)
		m.RecordStreamDuration(EndpointChat, 1, false)
		m.RecordKeepAlive(EndpointChat)
		m.RecordClientDisconnect(EndpointChat)
		m.RecordRewrite(RewriteFallback)
		m.RecordRetrieval(RetrievalEmpty)
		m.RecordPersistFailure("user")
		m.RecordNotification("auto", "failed")
		m.RecordRateLimited("chat")
	})
}

func TestNewRegistry_IncludesRuntimeCollectors(t *testing.T) {
	reg := NewRegistry()
	NewChatMetrics(reg).RecordRequest(EndpointSearch, OutcomeCompleted)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["go_goroutines"])
	assert.True(t, names["folio_chat_requests_total"])
}
