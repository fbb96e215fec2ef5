// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm holds the language-model backends the orchestrator can talk
// to. Every backend supports single-shot and streamed chat completion.
package llm

import (
	"context"

	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("folio.llm")

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Float32 and Int build the pointer fields of GenerationParams inline.
func Float32(v float32) *float32 { return &v }

func Int(v int) *int { return &v }

// StreamEventType tags a StreamEvent.
type StreamEventType string

const (
	StreamEventToken StreamEventType = "token"
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one increment delivered by ChatStream.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Content string          `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// StreamCallback receives events in order. Returning an error aborts the
// stream and ChatStream returns that error.
type StreamCallback func(event StreamEvent) error

// LLMClient defines the standard interface for any LLM backend
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error
}
