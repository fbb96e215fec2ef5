// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval turns a visitor question into grounding context.
//
// A turn flows Rewriter → Retriever → Assemble: the question is rewritten
// into a search query, the vector index returns scored passages, and the
// assembler keeps only passages at or above the relevance floor and renders
// them as plain text for the system prompt.
package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianFolio/services/llm"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("folio.orchestrator.retrieval")

// DefaultRewriteTimeout bounds the rewrite call so a slow model cannot hold
// up retrieval.
const DefaultRewriteTimeout = 10 * time.Second

// rewriteInstruction is the few-shot system prompt for the rewrite call.
const rewriteInstruction = `You turn a visitor's question about a professional profile into a short keyword search query.
Reply with the query only: no explanation, no punctuation, no quotes.

Examples:
Q: What do you know?
A: skills experience projects education background
Q: Where did you work before?
A: work experience companies positions
Q: Have you built anything with React?
A: React projects frontend skills
Q: What did you study?
A: education degree field institution
Q: Are you open to new roles?
A: availability job opportunities career goals`

// RewriterConfig configures a Rewriter.
type RewriterConfig struct {
	Timeout time.Duration
	Metrics *observability.ChatMetrics
}

// Rewriter reformulates a question into a retrieval query with one model
// call. It never fails: any problem yields the original question.
type Rewriter struct {
	client  llm.LLMClient
	timeout time.Duration
	metrics *observability.ChatMetrics
}

func NewRewriter(client llm.LLMClient, cfg RewriterConfig) *Rewriter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRewriteTimeout
	}
	return &Rewriter{client: client, timeout: cfg.Timeout, metrics: cfg.Metrics}
}

// Rewrite returns a keyword query for question.
//
// # Description
//
// Sends the few-shot instruction plus the question to the model at
// temperature 0.1 with a 50-token cap. The reply is trimmed and stripped of
// surrounding quotes.
//
// # Outputs
//
//   - string: The rewritten query, or question unchanged when the model
//     errors, times out, or replies with nothing usable.
func (r *Rewriter) Rewrite(ctx context.Context, question string) string {
	ctx, span := tracer.Start(ctx, "Rewriter.Rewrite")
	defer span.End()

	if r == nil || r.client == nil {
		return question
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := r.client.Chat(callCtx, []datatypes.Message{
		{Role: "system", Content: rewriteInstruction},
		{Role: "user", Content: question},
	}, llm.GenerationParams{
		Temperature: llm.Float32(0.1),
		MaxTokens:   llm.Int(50),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("Query rewrite timed out, using original question", "timeout", r.timeout)
		} else {
			slog.Warn("Query rewrite failed, using original question", "error", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "rewrite fallback")
		span.SetAttributes(attribute.Bool("rewrite.fallback", true))
		r.metrics.RecordRewrite(observability.RewriteFallback)
		return question
	}

	rewritten := cleanRewrite(out)
	if rewritten == "" {
		slog.Warn("Query rewrite returned empty output, using original question")
		span.SetAttributes(attribute.Bool("rewrite.fallback", true))
		r.metrics.RecordRewrite(observability.RewriteFallback)
		return question
	}

	span.SetAttributes(attribute.Bool("rewrite.fallback", false))
	r.metrics.RecordRewrite(observability.RewriteRewritten)
	return rewritten
}

// cleanRewrite trims whitespace and one layer of matching quotes. Only the
// first line is kept; models sometimes add an explanation after the query.
func cleanRewrite(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	for _, q := range []string{`"`, `'`, "`", "“"} {
		closing := q
		if q == "“" {
			closing = "”"
		}
		if len(s) >= len(q)+len(closing) && strings.HasPrefix(s, q) && strings.HasSuffix(s, closing) {
			s = strings.TrimSpace(s[len(q) : len(s)-len(closing)])
			break
		}
	}
	return s
}
