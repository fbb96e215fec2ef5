// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/AleutianFolio/services/llm"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("folio.orchestrator.generation")

var (
	// ErrEmptyMessage is returned when the visitor message is blank.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrStreamClosed is reported by Stream.Err after Close interrupted it.
	ErrStreamClosed = errors.New("stream closed before completion")
)

// DefaultHistoryLimit caps how many prior turns are sent to the model.
const DefaultHistoryLimit = 10

// =============================================================================
// Generator
// =============================================================================

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	Persona      Persona
	HistoryLimit int
	Params       llm.GenerationParams
}

// Request is one turn's input.
type Request struct {
	Context string
	History []datatypes.Message
	Message string
}

// Result is the outcome of a completed stream.
type Result struct {
	// Text is the visible reply, marker removed.
	Text string
	// ConnectRequested is set when the model emitted the connect marker.
	ConnectRequested bool
}

type Generator struct {
	client       llm.LLMClient
	persona      Persona
	historyLimit int
	params       llm.GenerationParams
}

func NewGenerator(client llm.LLMClient, cfg GeneratorConfig) *Generator {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	return &Generator{
		client:       client,
		persona:      cfg.Persona,
		historyLimit: cfg.HistoryLimit,
		params:       cfg.Params,
	}
}

// Messages assembles the model input: system prompt, the most recent
// history (system turns dropped), then the visitor message.
func (g *Generator) Messages(req Request) []datatypes.Message {
	history := make([]datatypes.Message, 0, len(req.History))
	for _, m := range req.History {
		if m.Role == string(datatypes.RoleSystem) {
			continue
		}
		history = append(history, m)
	}
	if len(history) > g.historyLimit {
		history = history[len(history)-g.historyLimit:]
	}

	msgs := make([]datatypes.Message, 0, len(history)+2)
	msgs = append(msgs, datatypes.Message{Role: string(datatypes.RoleSystem), Content: BuildSystemPrompt(g.persona, req.Context)})
	msgs = append(msgs, history...)
	msgs = append(msgs, datatypes.Message{Role: string(datatypes.RoleUser), Content: req.Message})
	return msgs
}

// Stream starts generation and returns immediately.
//
// # Description
//
// The model call runs in a producer goroutine that pushes visible text
// increments into the returned Stream. The producer stops when the model
// finishes, fails, ctx is cancelled, or the Stream is closed.
//
// # Outputs
//
//   - *Stream: Pull tokens with Next or Tokens, then read Err and Result.
//   - error: ErrEmptyMessage for a blank message.
func (g *Generator) Stream(ctx context.Context, req Request) (*Stream, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		tokens: make(chan string),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	msgs := g.Messages(req)
	go s.produce(ctx, g.client, msgs, g.params)
	return s, nil
}

// =============================================================================
// Stream
// =============================================================================

// Stream is a pull-based view of one generation.
//
// # Thread Safety
//
// One consumer reads tokens. Err, Result and Completed are safe from any
// goroutine but only meaningful once the token channel is closed.
type Stream struct {
	tokens chan string
	done   chan struct{}
	cancel context.CancelFunc
	closed atomic.Bool

	mu        sync.Mutex
	err       error
	result    Result
	completed bool
}

func (s *Stream) produce(ctx context.Context, client llm.LLMClient, msgs []datatypes.Message, params llm.GenerationParams) {
	ctx, span := tracer.Start(ctx, "Generator.Stream")
	defer span.End()
	defer close(s.done)
	defer close(s.tokens)

	filter := NewSentinelFilter()
	var text strings.Builder
	chunks := 0

	emit := func(t string) error {
		if t == "" {
			return nil
		}
		select {
		case s.tokens <- t:
			text.WriteString(t)
			chunks++
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := client.ChatStream(ctx, msgs, params, func(ev llm.StreamEvent) error {
		if ev.Type == llm.StreamEventError {
			return fmt.Errorf("llm stream error: %s", ev.Error)
		}
		return emit(filter.Write(ev.Content))
	})
	if err == nil {
		err = emit(filter.Flush())
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil && s.closed.Load() {
		err = fmt.Errorf("%w: %v", ErrStreamClosed, err)
	}

	span.SetAttributes(
		attribute.Int("generation.chunks", chunks),
		attribute.Bool("generation.connect_requested", filter.Found()),
	)
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrStreamClosed) {
			slog.Error("Answer generation failed", "error", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	s.mu.Lock()
	s.err = err
	s.completed = err == nil
	s.result = Result{Text: strings.TrimSpace(text.String()), ConnectRequested: filter.Found()}
	s.mu.Unlock()
}

// Tokens returns the channel of visible increments. It is closed when the
// stream ends for any reason.
func (s *Stream) Tokens() <-chan string {
	return s.tokens
}

// Next blocks for the next increment. ok is false once the stream ended.
func (s *Stream) Next() (token string, ok bool) {
	token, ok = <-s.tokens
	return token, ok
}

// Done is closed after the producer has recorded its outcome.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error, or nil for a completed stream.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Completed reports whether the model finished without error and without
// being cancelled. Only completed streams may be persisted.
func (s *Stream) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Result returns the visible text and the connect flag. Valid after the
// stream ended; Text of an incomplete stream is partial.
func (s *Stream) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Close cancels the upstream call and waits for the producer to exit. Safe
// to call more than once and after completion.
func (s *Stream) Close() {
	s.closed.Store(true)
	s.cancel()
	for range s.tokens {
	}
	<-s.done
}
