// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/ratelimit"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("folio.orchestrator.notify")

// ErrInvalidInquiry wraps validation failures of a notification request.
var ErrInvalidInquiry = errors.New("invalid inquiry")

// Notification sources, used as a metrics label.
const (
	SourceAuto   = "auto"
	SourceDirect = "direct"
)

// RecordStore persists sent notifications.
type RecordStore interface {
	SaveNotification(ctx context.Context, rec datatypes.NotificationRecord) error
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Sender  Sender
	Store   RecordStore
	Limiter *ratelimit.SlidingWindow
	From    string
	To      string
	Metrics *observability.ChatMetrics
	Now     func() time.Time
}

// Service validates, rate-limits, sends and records notifications.
type Service struct {
	sender  Sender
	store   RecordStore
	limiter *ratelimit.SlidingWindow
	from    string
	to      string
	metrics *observability.ChatMetrics
	now     func() time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Sender == nil {
		return nil, fmt.Errorf("notify: sender is required")
	}
	if cfg.Limiter == nil {
		limiter, err := ratelimit.New(ratelimit.NotifyConfig())
		if err != nil {
			return nil, err
		}
		cfg.Limiter = limiter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		sender:  cfg.Sender,
		store:   cfg.Store,
		limiter: cfg.Limiter,
		from:    cfg.From,
		to:      cfg.To,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}, nil
}

// Limiter exposes the per-email limiter so its janitor can be started.
func (s *Service) Limiter() *ratelimit.SlidingWindow {
	return s.limiter
}

// Submit sends one notification.
//
// # Description
//
// Order matters: validation, then the per-email limiter (keyed by the
// lower-cased address), then the provider, then the record. A rejected
// request leaves no trace; a failed record write is logged but does not
// undo a delivered email.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - req: The inquiry.
//   - source: SourceAuto or SourceDirect, for metrics.
//
// # Outputs
//
//   - datatypes.NotificationResponse: Success and the provider id.
//   - error: ErrInvalidInquiry, ratelimit.ErrRateLimited (as
//     *ratelimit.RateLimitError), or a wrapped send error.
func (s *Service) Submit(ctx context.Context, req datatypes.NotificationRequest, source string) (datatypes.NotificationResponse, error) {
	ctx, span := tracer.Start(ctx, "NotifyService.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("notify.source", source), attribute.String("notify.inquiry_type", req.InquiryType))

	req.VisitorEmail = strings.TrimSpace(req.VisitorEmail)
	if err := req.Validate(); err != nil {
		s.metrics.RecordNotification(source, "invalid")
		span.SetStatus(codes.Error, "invalid inquiry")
		return datatypes.NotificationResponse{}, fmt.Errorf("%w: %w", ErrInvalidInquiry, err)
	}
	if req.InquiryType == "" {
		req.InquiryType = datatypes.InquiryGeneral
	}

	key := strings.ToLower(req.VisitorEmail)
	if err := s.limiter.Check(key); err != nil {
		s.metrics.RecordNotification(source, "rate_limited")
		s.metrics.RecordRateLimited(s.limiter.Name())
		span.SetStatus(codes.Error, "rate limited")
		slog.Warn("Notification rate limited", "session_id", req.SessionID, "source", source)
		return datatypes.NotificationResponse{}, err
	}

	providerID, err := s.sender.Send(ctx, s.compose(req))
	if err != nil {
		s.metrics.RecordNotification(source, "failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Notification send failed", "session_id", req.SessionID, "error", err)
		return datatypes.NotificationResponse{}, fmt.Errorf("failed to send notification: %w", err)
	}

	if s.store != nil {
		rec := datatypes.NotificationRecord{
			ID:                  uuid.NewString(),
			VisitorEmail:        req.VisitorEmail,
			VisitorName:         req.VisitorName,
			InquiryType:         req.InquiryType,
			Message:             req.Message,
			ConversationExcerpt: req.ConversationContext,
			SessionID:           req.SessionID,
			SentAt:              s.now().UTC(),
			ProviderMessageID:   providerID,
		}
		if err := s.store.SaveNotification(ctx, rec); err != nil {
			slog.Error("Failed to record sent notification", "provider_id", providerID, "error", err)
		}
	}

	s.metrics.RecordNotification(source, "sent")
	slog.Info("Notification sent", "session_id", req.SessionID, "inquiry_type", req.InquiryType, "source", source)
	return datatypes.NotificationResponse{Success: true, EmailID: providerID}, nil
}

func (s *Service) compose(req datatypes.NotificationRequest) Email {
	name := req.VisitorName
	if name == "" {
		name = req.VisitorEmail
	}

	var body strings.Builder
	fmt.Fprintf(&body, "New %s inquiry from %s <%s>\n\n", req.InquiryType, name, req.VisitorEmail)
	body.WriteString(req.Message)
	body.WriteString("\n")
	if req.ConversationContext != "" {
		body.WriteString("\n--- Conversation ---\n")
		body.WriteString(req.ConversationContext)
		body.WriteString("\n")
	}
	if req.SessionID != "" {
		fmt.Fprintf(&body, "\nSession: %s\n", req.SessionID)
	}

	return Email{
		From:    s.from,
		To:      s.to,
		ReplyTo: req.VisitorEmail,
		Subject: fmt.Sprintf("Portfolio inquiry (%s) from %s", req.InquiryType, name),
		Text:    body.String(),
	}
}
