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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianFolio/services/llm"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test doubles
// =============================================================================

// scriptedLLM streams a fixed token script, optionally failing after it.
type scriptedLLM struct {
	tokens  []string
	failErr error
	block   bool

	mu       sync.Mutex
	messages []datatypes.Message
	ctxErr   error
}

func (s *scriptedLLM) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	return "", errors.New("not used")
}

func (s *scriptedLLM) Chat(ctx context.Context, msgs []datatypes.Message, params llm.GenerationParams) (string, error) {
	return "", errors.New("not used")
}

func (s *scriptedLLM) ChatStream(ctx context.Context, msgs []datatypes.Message, params llm.GenerationParams, cb llm.StreamCallback) error {
	s.mu.Lock()
	s.messages = msgs
	s.mu.Unlock()
	for _, tok := range s.tokens {
		if err := cb(llm.StreamEvent{Type: llm.StreamEventToken, Content: tok}); err != nil {
			return err
		}
	}
	if s.block {
		<-ctx.Done()
		s.mu.Lock()
		s.ctxErr = ctx.Err()
		s.mu.Unlock()
		return ctx.Err()
	}
	return s.failErr
}

func drain(s *Stream) string {
	var b strings.Builder
	for {
		tok, ok := s.Next()
		if !ok {
			return b.String()
		}
		b.WriteString(tok)
	}
}

// =============================================================================
// Prompt
// =============================================================================

func TestBuildSystemPrompt(t *testing.T) {
	ctx := "Senior engineer with ten years of Go.\n\nProject: Folio (live)"
	p := BuildSystemPrompt(Persona{Name: "Alex Rivera"}, ctx)

	assert.Contains(t, p, "Alex Rivera")
	assert.Contains(t, p, DeflectionSentence)
	assert.Contains(t, p, "I don't have that information")
	assert.Contains(t, p, ConnectMarker)
	assert.Contains(t, p, "---BEGIN CONTEXT---\n"+ctx+"\n---END CONTEXT---")
}

func TestBuildSystemPrompt_EmptyContextAndPersona(t *testing.T) {
	p := BuildSystemPrompt(Persona{}, "")
	assert.Contains(t, p, "the profile owner")
	assert.Contains(t, p, "---BEGIN CONTEXT---\n\n---END CONTEXT---")
}

func TestBuildSystemPrompt_ContextIsVerbatim(t *testing.T) {
	ctx := `<b>Go & "Rust"</b> {{.Name}}`
	p := BuildSystemPrompt(Persona{Name: "A"}, ctx)
	assert.Contains(t, p, ctx)
}

// =============================================================================
// SentinelFilter
// =============================================================================

func TestSentinelFilter(t *testing.T) {
	tests := []struct {
		name      string
		tokens    []string
		wantText  string
		wantFound bool
	}{
		{
			name:     "no marker",
			tokens:   []string{"Hello ", "there"},
			wantText: "Hello there",
		},
		{
			name:      "marker in one token",
			tokens:    []string{"I'll pass it on. ", "[[CONNECT_REQUEST]]"},
			wantText:  "I'll pass it on. ",
			wantFound: true,
		},
		{
			name:      "marker split across tokens",
			tokens:    []string{"Done. [[CON", "NECT_RE", "QUEST]]", " Thanks"},
			wantText:  "Done.  Thanks",
			wantFound: true,
		},
		{
			name:      "marker split char by char",
			tokens:    strings.Split("ok [[CONNECT_REQUEST]]", ""),
			wantText:  "ok ",
			wantFound: true,
		},
		{
			name:     "false start released",
			tokens:   []string{"array[[0", "]] is first"},
			wantText: "array[[0]] is first",
		},
		{
			name:     "dangling prefix flushed at end",
			tokens:   []string{"see [[CONN"},
			wantText: "see [[CONN",
		},
		{
			name:      "marker twice",
			tokens:    []string{"[[CONNECT_REQUEST]]a[[CONNECT_", "REQUEST]]b"},
			wantText:  "ab",
			wantFound: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewSentinelFilter()
			var out strings.Builder
			for _, tok := range tt.tokens {
				visible := f.Write(tok)
				assert.NotContains(t, visible, "[[CONNECT")
				out.WriteString(visible)
			}
			out.WriteString(f.Flush())
			assert.Equal(t, tt.wantText, out.String())
			assert.Equal(t, tt.wantFound, f.Found())
		})
	}
}

// =============================================================================
// Generator
// =============================================================================

func TestGenerator_Messages(t *testing.T) {
	g := NewGenerator(&scriptedLLM{}, GeneratorConfig{Persona: Persona{Name: "Alex"}, HistoryLimit: 2})
	msgs := g.Messages(Request{
		Context: "ctx",
		History: []datatypes.Message{
			{Role: "user", Content: "h1"},
			{Role: "system", Content: "ignored"},
			{Role: "assistant", Content: "h2"},
			{Role: "user", Content: "h3"},
		},
		Message: "now",
	})

	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "ctx")
	assert.Equal(t, "h2", msgs[1].Content)
	assert.Equal(t, "h3", msgs[2].Content)
	assert.Equal(t, datatypes.Message{Role: "user", Content: "now"}, msgs[3])
}

func TestGenerator_StreamCompletes(t *testing.T) {
	client := &scriptedLLM{tokens: []string{"I build ", "APIs. ", "[[CONNECT_", "REQUEST]]"}}
	g := NewGenerator(client, GeneratorConfig{})

	s, err := g.Stream(context.Background(), Request{Message: "What do you do?"})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "I build APIs. ", drain(s))
	require.NoError(t, s.Err())
	assert.True(t, s.Completed())
	assert.Equal(t, Result{Text: "I build APIs.", ConnectRequested: true}, s.Result())
}

func TestGenerator_StreamViaChannel(t *testing.T) {
	g := NewGenerator(&scriptedLLM{tokens: []string{"a", "b", "c"}}, GeneratorConfig{})
	s, err := g.Stream(context.Background(), Request{Message: "hi"})
	require.NoError(t, err)

	var got []string
	for tok := range s.Tokens() {
		got = append(got, tok)
	}
	<-s.Done()
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.True(t, s.Completed())
}

func TestGenerator_UpstreamErrorNotCompleted(t *testing.T) {
	client := &scriptedLLM{tokens: []string{"partial"}, failErr: errors.New("provider 500")}
	s, err := NewGenerator(client, GeneratorConfig{}).Stream(context.Background(), Request{Message: "hi"})
	require.NoError(t, err)

	assert.Equal(t, "partial", drain(s))
	require.Error(t, s.Err())
	assert.Contains(t, s.Err().Error(), "provider 500")
	assert.False(t, s.Completed())
}

func TestGenerator_CloseCancelsUpstream(t *testing.T) {
	client := &scriptedLLM{tokens: []string{"first "}, block: true}
	s, err := NewGenerator(client, GeneratorConfig{}).Stream(context.Background(), Request{Message: "hi"})
	require.NoError(t, err)

	tok, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, "first ", tok)

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	assert.False(t, s.Completed())
	assert.ErrorIs(t, s.Err(), ErrStreamClosed)
	client.mu.Lock()
	assert.ErrorIs(t, client.ctxErr, context.Canceled)
	client.mu.Unlock()

	// Idempotent.
	s.Close()
}

func TestGenerator_ParentCancel(t *testing.T) {
	client := &scriptedLLM{block: true}
	ctx, cancel := context.WithCancel(context.Background())
	s, err := NewGenerator(client, GeneratorConfig{}).Stream(ctx, Request{Message: "hi"})
	require.NoError(t, err)

	cancel()
	drain(s)
	assert.False(t, s.Completed())
	assert.ErrorIs(t, s.Err(), context.Canceled)
}

func TestGenerator_EmptyMessage(t *testing.T) {
	_, err := NewGenerator(&scriptedLLM{}, GeneratorConfig{}).Stream(context.Background(), Request{Message: "  "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestGenerator_StreamErrorEvent(t *testing.T) {
	client := &errorEventLLM{}
	s, err := NewGenerator(client, GeneratorConfig{}).Stream(context.Background(), Request{Message: "hi"})
	require.NoError(t, err)
	drain(s)
	require.Error(t, s.Err())
	assert.Contains(t, s.Err().Error(), "rate limited upstream")
}

type errorEventLLM struct{ scriptedLLM }

func (e *errorEventLLM) ChatStream(ctx context.Context, msgs []datatypes.Message, params llm.GenerationParams, cb llm.StreamCallback) error {
	return cb(llm.StreamEvent{Type: llm.StreamEventError, Error: "rate limited upstream"})
}
