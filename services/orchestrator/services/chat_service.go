// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services provides business logic services for the orchestrator.
//
// This package contains service structs that encapsulate business logic,
// separating it from HTTP handlers. ChatService composes the chat pipeline:
// session lookup, query rewrite, retrieval, context assembly, streaming
// generation, asynchronous persistence and the inquiry side effect.
//
// Services are designed to be:
//   - Testable: Dependencies are injected via constructors
//   - Traceable: All methods accept context for distributed tracing
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianFolio/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/generation"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/inquiry"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/notify"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/retrieval"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// chatTracer is the OpenTelemetry tracer for ChatService operations.
var chatTracer = otel.Tracer("folio.orchestrator.services.chat")

// Inquiry status values stored on the follow-up assistant message.
const (
	InquiryStatusSent   = "sent"
	InquiryStatusFailed = "failed"
)

// MetaInquiryStatus is the metadata key for the follow-up message.
const MetaInquiryStatus = "inquiry_status"

// =============================================================================
// Configuration
// =============================================================================

// ChatServiceConfig wires a ChatService.
//
// # Fields
//
//   - Store: Session store. Required.
//   - Persister: Asynchronous message writer. Required.
//   - Rewriter, Retriever: Retrieval stages. A nil Retriever yields an
//     empty context on every turn.
//   - Generator: Answer generator. Required.
//   - Extractor, Notifier: Inquiry side effect. Either nil disables sends;
//     a connect request then gets the apology frame.
//   - ChatFloor, SearchFloor: Relevance floors for chat and /api/search.
//   - TopK, HistoryLimit: Retrieval depth and history window.
//   - ContactFallback: Manual contact path named in the apology frame.
type ChatServiceConfig struct {
	Store           conversation.SessionStore
	Persister       *conversation.Persister
	Rewriter        *retrieval.Rewriter
	Retriever       *retrieval.Retriever
	Generator       *generation.Generator
	Extractor       *inquiry.Extractor
	Notifier        *notify.Service
	ChatFloor       float64
	SearchFloor     float64
	TopK            int
	HistoryLimit    int
	ContactFallback string
	Metrics         *observability.ChatMetrics
}

// ChatService runs chat turns.
type ChatService struct {
	store           conversation.SessionStore
	persister       *conversation.Persister
	rewriter        *retrieval.Rewriter
	retriever       *retrieval.Retriever
	generator       *generation.Generator
	extractor       *inquiry.Extractor
	notifier        *notify.Service
	chatFloor       float64
	searchFloor     float64
	topK            int
	historyLimit    int
	contactFallback string
	metrics         *observability.ChatMetrics
}

// NewChatService validates cfg and fills defaults for zero values.
func NewChatService(cfg ChatServiceConfig) (*ChatService, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("chat service: session store is required")
	}
	if cfg.Persister == nil {
		return nil, fmt.Errorf("chat service: persister is required")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("chat service: generator is required")
	}
	if cfg.ChatFloor <= 0 {
		cfg.ChatFloor = retrieval.DefaultChatFloor
	}
	if cfg.SearchFloor <= 0 {
		cfg.SearchFloor = retrieval.DefaultSearchFloor
	}
	if cfg.TopK <= 0 {
		cfg.TopK = retrieval.DefaultTopK
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = generation.DefaultHistoryLimit
	}
	return &ChatService{
		store:           cfg.Store,
		persister:       cfg.Persister,
		rewriter:        cfg.Rewriter,
		retriever:       cfg.Retriever,
		generator:       cfg.Generator,
		extractor:       cfg.Extractor,
		notifier:        cfg.Notifier,
		chatFloor:       cfg.ChatFloor,
		searchFloor:     cfg.SearchFloor,
		topK:            cfg.TopK,
		historyLimit:    cfg.HistoryLimit,
		contactFallback: cfg.ContactFallback,
		metrics:         cfg.Metrics,
	}, nil
}

// =============================================================================
// Sessions
// =============================================================================

// EnsureSession resolves or mints a session id.
func (s *ChatService) EnsureSession(ctx context.Context, candidateID string) (string, error) {
	return s.store.GetOrCreateSession(ctx, candidateID)
}

// History returns the full ordered transcript of a session.
//
// Returns conversation.ErrSessionNotFound for unknown ids.
func (s *ChatService) History(ctx context.Context, sessionID string) ([]datatypes.ConversationMessage, error) {
	return s.store.LoadMessages(ctx, sessionID)
}

// =============================================================================
// Search
// =============================================================================

// Search runs retrieval for query without rewriting and keeps passages at
// or above the search floor.
func (s *ChatService) Search(ctx context.Context, query string, limit int) ([]datatypes.RetrievedPassage, error) {
	ctx, span := chatTracer.Start(ctx, "ChatService.Search")
	defer span.End()

	if s.retriever == nil {
		return []datatypes.RetrievedPassage{}, nil
	}
	passages, err := s.retriever.Retrieve(ctx, query, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return retrieval.FilterByFloor(passages, s.searchFloor), nil
}

// =============================================================================
// Chat turns
// =============================================================================

// Turn is one in-flight chat exchange.
//
// The caller drains Stream, then calls Finish exactly once. Close may be
// called at any time to abandon the turn; an abandoned turn persists no
// assistant message.
type Turn struct {
	SessionID string
	Stream    *generation.Stream

	svc     *ChatService
	message string
	history []datatypes.Message
	started time.Time
}

// StartTurn runs everything before generation and starts the stream.
//
// # Description
//
//  1. Resolve the session (a store failure aborts the turn).
//  2. Concurrently: load recent history, and rewrite + retrieve + assemble.
//     Both branches degrade instead of failing: no history, or no context.
//  3. Enqueue the user message for persistence.
//  4. Start generation.
//
// # Outputs
//
//   - *Turn: The running turn.
//   - error: Session store failure or generation.ErrEmptyMessage.
//
// # Limitations
//
// Messages are written through the persister queue, so the previous turn's
// answer may not be stored yet when a fast follow-up arrives. That turn then
// sees history without the answer.
func (s *ChatService) StartTurn(ctx context.Context, req datatypes.ChatRequest) (*Turn, error) {
	ctx, span := chatTracer.Start(ctx, "ChatService.StartTurn")
	defer span.End()
	started := time.Now()

	if strings.TrimSpace(req.Message) == "" {
		return nil, generation.ErrEmptyMessage
	}

	sessionID, err := s.store.GetOrCreateSession(ctx, req.SessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.RecordError(observability.EndpointChat, observability.ErrorCodeSession)
		return nil, fmt.Errorf("failed to resolve session: %w", err)
	}
	span.SetAttributes(attribute.String("session.id", sessionID))

	var (
		history    []datatypes.Message
		contextStr string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		history = s.loadHistory(gctx, sessionID)
		return nil
	})
	g.Go(func() error {
		contextStr = s.buildContext(gctx, req.Message)
		return nil
	})
	_ = g.Wait()

	s.persister.PersistUser(sessionID, req.Message)

	stream, err := s.generator.Stream(ctx, generation.Request{
		Context: contextStr,
		History: history,
		Message: req.Message,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	slog.Info("Chat turn started",
		"session_id", sessionID,
		"history_messages", len(history),
		"context_chars", len(contextStr),
	)
	return &Turn{
		SessionID: sessionID,
		Stream:    stream,
		svc:       s,
		message:   req.Message,
		history:   history,
		started:   started,
	}, nil
}

func (s *ChatService) loadHistory(ctx context.Context, sessionID string) []datatypes.Message {
	msgs, err := s.store.LoadRecentMessages(ctx, sessionID, s.historyLimit)
	if err != nil {
		slog.Warn("Failed to load history, continuing without it", "session_id", sessionID, "error", err)
		return nil
	}
	return datatypes.ToLLMMessages(msgs)
}

func (s *ChatService) buildContext(ctx context.Context, question string) string {
	if s.retriever == nil {
		return ""
	}
	query := s.rewriter.Rewrite(ctx, question)
	passages, err := s.retriever.Retrieve(ctx, query, s.topK)
	if err != nil {
		slog.Warn("Retrieval failed, answering without context", "error", err)
		s.metrics.RecordError(observability.EndpointChat, observability.ErrorCodeRetrieval)
		return ""
	}
	return retrieval.Assemble(passages, s.chatFloor)
}

// Close abandons the turn and cancels generation.
func (t *Turn) Close() {
	t.Stream.Close()
}

// FinishResult tells the caller what, if anything, to send after the answer.
type FinishResult struct {
	// Completed is false when the stream failed or was cancelled.
	Completed bool
	// FollowUp is an extra content frame (inquiry confirmation or apology).
	FollowUp string
	// InquiryStatus is "", "sent" or "failed".
	InquiryStatus string
}

// Finish persists the answer of a completed stream and runs the inquiry
// side effect when the model asked for it. It must be called after the
// stream's token channel is drained.
func (t *Turn) Finish(ctx context.Context) FinishResult {
	ctx, span := chatTracer.Start(ctx, "ChatService.Finish")
	defer span.End()

	s := t.svc
	if !t.Stream.Completed() {
		span.SetAttributes(attribute.Bool("turn.completed", false))
		return FinishResult{}
	}

	result := t.Stream.Result()
	var meta map[string]any
	if result.ConnectRequested {
		meta = map[string]any{"connect_requested": true}
	}
	s.persister.PersistAssistant(t.SessionID, result.Text, meta)

	out := FinishResult{Completed: true}
	if !result.ConnectRequested {
		return out
	}

	out.InquiryStatus = s.submitInquiry(ctx, t, result.Text)
	if out.InquiryStatus == InquiryStatusSent {
		out.FollowUp = confirmationFrame
	} else {
		out.FollowUp = s.apologyFrame()
	}
	s.persister.PersistAssistant(t.SessionID, strings.TrimSpace(out.FollowUp), map[string]any{MetaInquiryStatus: out.InquiryStatus})
	span.SetAttributes(attribute.String("turn.inquiry_status", out.InquiryStatus))
	return out
}

func (s *ChatService) submitInquiry(ctx context.Context, t *Turn, answer string) string {
	if s.extractor == nil || s.notifier == nil {
		slog.Warn("Connect request with no notifier configured", "session_id", t.SessionID)
		return InquiryStatusFailed
	}

	q := s.extractor.Extract(t.SessionID, s.transcript(ctx, t, answer))

	if _, err := s.notifier.Submit(ctx, q.NotificationRequest(), notify.SourceAuto); err != nil {
		level := slog.LevelError
		if errors.Is(err, notify.ErrInvalidInquiry) {
			level = slog.LevelWarn
		}
		slog.Log(ctx, level, "Automatic inquiry not sent", "session_id", t.SessionID, "error", err)
		return InquiryStatusFailed
	}
	return InquiryStatusSent
}

// transcript returns the whole conversation for extraction, not just the
// bounded generation window. The current exchange may still be queued in
// the persister, so it is appended when the store does not have it yet.
func (s *ChatService) transcript(ctx context.Context, t *Turn, answer string) []datatypes.Message {
	var conv []datatypes.Message
	if msgs, err := s.store.LoadMessages(ctx, t.SessionID); err != nil {
		slog.Warn("Failed to load transcript, using recent history", "session_id", t.SessionID, "error", err)
		conv = append(conv, t.history...)
	} else {
		conv = datatypes.ToLLMMessages(msgs)
	}

	userMsg := datatypes.Message{Role: string(datatypes.RoleUser), Content: t.message}
	answerMsg := datatypes.Message{Role: string(datatypes.RoleAssistant), Content: answer}
	n := len(conv)
	switch {
	case n >= 2 && conv[n-1] == answerMsg && conv[n-2] == userMsg:
	case n >= 1 && conv[n-1] == userMsg:
		conv = append(conv, answerMsg)
	default:
		conv = append(conv, userMsg, answerMsg)
	}
	return conv
}

const confirmationFrame = "\n\nI've passed your message along. You should hear back soon."

func (s *ChatService) apologyFrame() string {
	if s.contactFallback != "" {
		return "\n\nSorry, I couldn't pass your message along right now. Please reach out directly at " + s.contactFallback + "."
	}
	return "\n\nSorry, I couldn't pass your message along right now. Please use the contact page instead."
}

// Elapsed is the wall time since StartTurn began.
func (t *Turn) Elapsed() time.Duration {
	return time.Since(t.started)
}
