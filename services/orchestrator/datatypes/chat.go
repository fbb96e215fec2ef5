// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxChatMessageChars is the ceiling on a visitor message, counted in
	// characters (runes), not bytes.
	MaxChatMessageChars = 1000

	// MaxSessionIDLength bounds client-supplied session identifiers.
	MaxSessionIDLength = 128
)

// =============================================================================
// Validator
// =============================================================================

var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()

	// notblank rejects strings that are empty after trimming whitespace;
	// "required" alone accepts "   ".
	_ = chatValidate.RegisterValidation("notblank", validateNotBlank)

	// Report JSON names in FieldError.Field() so messages match the wire.
	chatValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
}

func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// =============================================================================
// Chat
// =============================================================================

// ChatRequest is the body of POST /api/chat.
//
// The "max" tag counts runes for strings, so a 1000-character message made of
// multi-byte characters is still accepted.
type ChatRequest struct {
	Message   string `json:"message" validate:"required,notblank,max=1000"`
	SessionID string `json:"sessionId,omitempty" validate:"omitempty,max=128"`
}

// Validate checks the request against its struct tags.
func (r *ChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// SessionRequest is the body of POST /api/chat/session. An empty body is valid
// and mints a new session.
type SessionRequest struct {
	SessionID string `json:"sessionId,omitempty" validate:"omitempty,max=128"`
}

func (r *SessionRequest) Validate() error {
	return chatValidate.Struct(r)
}

// SessionResponse returns the resolved session identifier.
type SessionResponse struct {
	SessionID string `json:"sessionId"`
}

// HistoryMessage is one entry of GET /api/chat/session/:sessionId.
type HistoryMessage struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Role      Role           `json:"role"`
	Timestamp int64          `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// HistoryResponse wraps the ordered message list.
type HistoryResponse struct {
	Messages []HistoryMessage `json:"messages"`
}

// NewHistoryResponse converts stored messages into the wire shape. Timestamps
// are Unix milliseconds.
func NewHistoryResponse(msgs []ConversationMessage) HistoryResponse {
	out := make([]HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, HistoryMessage{
			ID:        m.ID,
			Content:   m.Content,
			Role:      m.Role,
			Timestamp: m.CreatedAt.UnixMilli(),
			Metadata:  m.Metadata,
		})
	}
	return HistoryResponse{Messages: out}
}

// ErrorResponse is the body of every non-streaming error.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StreamFrame is the JSON payload of one SSE data line.
type StreamFrame struct {
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// =============================================================================
// Helpers
// =============================================================================

// IsWellFormedSessionID reports whether id can be accepted as a
// client-supplied session identifier.
func IsWellFormedSessionID(id string) bool {
	if id == "" || len(id) > MaxSessionIDLength {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// NewID mints a random identifier for sessions, messages and notifications.
func NewID() string {
	return uuid.NewString()
}
