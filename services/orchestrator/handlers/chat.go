// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/generation"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/services"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SessionIDHeader carries the resolved session id on the chat stream
// response, since the SSE body has no slot for it.
const SessionIDHeader = "X-Session-Id"

// heartbeatInterval is the interval for sending keepalive pings.
// Set to 15s to stay well under typical LB timeouts (60s for ALB/Nginx).
const heartbeatInterval = 15 * time.Second

// =============================================================================
// Struct Definition
// =============================================================================

// ChatHandler serves POST /api/chat.
//
// # Fields
//
//   - svc: Chat pipeline.
//   - metrics: Prometheus metrics. May be nil.
//   - tracer: OpenTelemetry tracer.
//   - heartbeat: Keepalive interval.
type ChatHandler struct {
	svc       *services.ChatService
	metrics   *observability.ChatMetrics
	tracer    trace.Tracer
	heartbeat time.Duration
}

// NewChatHandler creates a ChatHandler. Panics if svc is nil.
func NewChatHandler(svc *services.ChatService, metrics *observability.ChatMetrics) *ChatHandler {
	if svc == nil {
		panic("NewChatHandler: svc must not be nil")
	}
	return &ChatHandler{
		svc:       svc,
		metrics:   metrics,
		tracer:    otel.Tracer("folio.orchestrator.handlers"),
		heartbeat: heartbeatInterval,
	}
}

// =============================================================================
// Handler
// =============================================================================

// HandleChatStream answers one visitor message as an SSE stream.
//
// # Description
//
//  1. Parse and validate the body. Failures are 400 JSON, nothing persisted.
//  2. Start the turn: resolve the session, load history, rewrite, retrieve,
//     persist the user message and start generation.
//  3. Send headers (including X-Session-Id) and stream content frames,
//     with a keepalive comment every 15s.
//  4. On a generation error send one sanitized error frame. On success run
//     the inquiry side effect and send its follow-up frame, if any.
//  5. Always end with data: [DONE] unless the client is gone.
//
// A client disconnect cancels the request context, which cancels the model
// call; the assistant turn is then not persisted.
func (h *ChatHandler) HandleChatStream(c *gin.Context) {
	startTime := time.Now()
	endpoint := observability.EndpointChat

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	outcome := observability.OutcomeError
	defer func() {
		h.metrics.RecordRequest(endpoint, outcome)
	}()

	// Step 1: Parse and validate
	var req datatypes.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rejectValidation(c, span, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		h.rejectValidation(c, span, describeValidationError(err))
		return
	}

	// Step 2: Start the turn
	turn, err := h.svc.StartTurn(ctx, req)
	if err != nil {
		if errors.Is(err, generation.ErrEmptyMessage) {
			h.rejectValidation(c, span, "message is required")
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn start failed")
		slog.Error("Failed to start chat turn", "error", err)
		h.metrics.RecordError(endpoint, observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: sanitizeErrorForClient(err.Error())})
		return
	}
	defer turn.Close()
	span.SetAttributes(attribute.String("session.id", turn.SessionID))

	h.metrics.StreamStarted(endpoint)
	defer h.metrics.StreamEnded(endpoint)

	// Step 3: Headers, writer, heartbeat
	c.Header(SessionIDHeader, turn.SessionID)
	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		slog.Error("Failed to create SSE writer", "error", err, "session_id", turn.SessionID)
		h.metrics.RecordError(endpoint, observability.ErrorCodeInternal)
		return
	}
	stopHeartbeat := h.startHeartbeat(ctx, writer, endpoint)
	defer stopHeartbeat()

	// Step 4: Stream tokens
	chunks := 0
	for tok := range turn.Stream.Tokens() {
		if chunks == 0 {
			ttft := time.Since(startTime).Seconds()
			span.SetAttributes(attribute.Float64("stream.time_to_first_token_seconds", ttft))
			h.metrics.RecordTimeToFirstToken(endpoint, ttft)
		}
		chunks++
		if err := writer.WriteContent(tok); err != nil {
			slog.Info("Client went away mid-stream", "session_id", turn.SessionID, "error", err)
			turn.Close()
			break
		}
	}
	span.SetAttributes(attribute.Int("stream.chunks", chunks))

	if streamErr := turn.Stream.Err(); streamErr != nil {
		success := false
		defer func() {
			h.metrics.RecordStreamDuration(endpoint, time.Since(startTime).Seconds(), success)
		}()
		if ctx.Err() != nil || errors.Is(streamErr, generation.ErrStreamClosed) {
			outcome = observability.OutcomeCancelled
			h.metrics.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
			h.metrics.RecordClientDisconnect(endpoint)
			slog.Info("Chat stream cancelled", "session_id", turn.SessionID)
			return
		}

		span.RecordError(streamErr)
		span.SetStatus(codes.Error, "LLM streaming failed")
		slog.Error("LLM streaming failed", "error", streamErr, "session_id", turn.SessionID, "chunks", chunks)
		code := observability.ErrorCodeLLMError
		if errors.Is(streamErr, context.DeadlineExceeded) {
			code = observability.ErrorCodeTimeout
		}
		h.metrics.RecordError(endpoint, code)
		_ = writer.WriteError(sanitizeErrorForClient(streamErr.Error()))
		_ = writer.WriteDone()
		return
	}

	// Step 5: Persist, inquiry, done
	result := turn.Finish(ctx)
	if result.FollowUp != "" {
		if err := writer.WriteContent(result.FollowUp); err != nil {
			slog.Warn("Failed to write follow-up frame", "session_id", turn.SessionID, "error", err)
		}
	}
	if err := writer.WriteDone(); err != nil {
		span.RecordError(err)
		slog.Error("Failed to write done event", "error", err, "session_id", turn.SessionID)
	}

	outcome = observability.OutcomeCompleted
	h.metrics.RecordStreamDuration(endpoint, time.Since(startTime).Seconds(), true)
	span.SetAttributes(attribute.String("turn.inquiry_status", result.InquiryStatus))
	slog.Info("Chat turn completed",
		"session_id", turn.SessionID,
		"chunks", chunks,
		"inquiry_status", result.InquiryStatus,
		"duration_ms", turn.Elapsed().Milliseconds(),
	)
}

func (h *ChatHandler) rejectValidation(c *gin.Context, span trace.Span, msg string) {
	span.SetStatus(codes.Error, "validation failed")
	h.metrics.RecordError(observability.EndpointChat, observability.ErrorCodeValidation)
	c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: msg})
}

// startHeartbeat runs runHeartbeat in a goroutine and returns a function
// that stops it and waits for it to exit, so no ping is written after the
// handler returns.
func (h *ChatHandler) startHeartbeat(ctx context.Context, writer SSEWriter, endpoint observability.Endpoint) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.runHeartbeat(ctx, writer, endpoint, done)
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

// runHeartbeat sends periodic keepalive comments to prevent timeouts.
func (h *ChatHandler) runHeartbeat(
	ctx context.Context,
	writer SSEWriter,
	endpoint observability.Endpoint,
	done <-chan struct{},
) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			h.metrics.RecordKeepAlive(endpoint)
		}
	}
}
