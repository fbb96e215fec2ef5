// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianFolio/services/llm"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/generation"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/inquiry"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/notify"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/ratelimit"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/retrieval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Mock LLM Client
// =============================================================================

// MockLLMClient implements llm.LLMClient for testing purposes.
// Chat serves the rewriter; ChatStream serves the generator.
type MockLLMClient struct {
	mu sync.Mutex

	// ChatResponse and ChatError are returned by Chat.
	ChatResponse string
	ChatError    error

	// StreamTokens are emitted by ChatStream, then StreamError is returned.
	StreamTokens []string
	StreamError  error
	// BlockStream makes ChatStream wait for cancellation after its tokens.
	BlockStream bool

	// StreamMessages records the messages of every ChatStream call.
	StreamMessages [][]datatypes.Message
}

func (m *MockLLMClient) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	return m.Chat(ctx, []datatypes.Message{{Role: "user", Content: prompt}}, params)
}

func (m *MockLLMClient) Chat(ctx context.Context, messages []datatypes.Message, params llm.GenerationParams) (string, error) {
	return m.ChatResponse, m.ChatError
}

func (m *MockLLMClient) ChatStream(ctx context.Context, messages []datatypes.Message, params llm.GenerationParams, callback llm.StreamCallback) error {
	m.mu.Lock()
	m.StreamMessages = append(m.StreamMessages, messages)
	m.mu.Unlock()
	for _, tok := range m.StreamTokens {
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: tok}); err != nil {
			return err
		}
	}
	if m.BlockStream {
		<-ctx.Done()
		return ctx.Err()
	}
	return m.StreamError
}

func (m *MockLLMClient) lastStream(t *testing.T) []datatypes.Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.StreamMessages)
	return m.StreamMessages[len(m.StreamMessages)-1]
}

// fakeVectorIndex returns canned passages and records queries.
type fakeVectorIndex struct {
	mu       sync.Mutex
	queries  []string
	passages []datatypes.RetrievedPassage
	err      error
}

func (f *fakeVectorIndex) Query(ctx context.Context, text string, k int) ([]datatypes.RetrievedPassage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, text)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]datatypes.RetrievedPassage, len(f.passages))
	copy(out, f.passages)
	return out, nil
}

type recordingSender struct {
	mu     sync.Mutex
	emails []notify.Email
	err    error
}

func (r *recordingSender) Send(ctx context.Context, email notify.Email) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.emails = append(r.emails, email)
	return "email-1", nil
}

func strPtr(s string) *string { return &s }

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	svc       *ChatService
	store     *conversation.SQLiteStore
	persister *conversation.Persister
	llm       *MockLLMClient
	index     *fakeVectorIndex
	sender    *recordingSender
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	notifyLimit int
}

func newHarness(t *testing.T, client *MockLLMClient, index *fakeVectorIndex, opts ...harnessOption) *harness {
	t.Helper()
	hc := harnessConfig{notifyLimit: 3}
	for _, o := range opts {
		o(&hc)
	}

	store, err := conversation.NewSQLiteStore(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	persister := conversation.NewPersister(store, conversation.DefaultPersisterConfig())
	t.Cleanup(func() { _ = persister.Close(context.Background()) })

	extractor, err := inquiry.NewExtractor()
	require.NoError(t, err)

	limiter, err := ratelimit.New(ratelimit.Config{Name: "notify", Limit: hc.notifyLimit, Window: time.Hour})
	require.NoError(t, err)
	sender := &recordingSender{}
	notifier, err := notify.NewService(notify.ServiceConfig{
		Sender:  sender,
		Store:   store,
		Limiter: limiter,
		From:    "folio@site.dev",
		To:      "owner@site.dev",
	})
	require.NoError(t, err)

	svc, err := NewChatService(ChatServiceConfig{
		Store:           store,
		Persister:       persister,
		Rewriter:        retrieval.NewRewriter(client, retrieval.RewriterConfig{}),
		Retriever:       retrieval.NewRetriever(index, 0, nil),
		Generator:       generation.NewGenerator(client, generation.GeneratorConfig{Persona: generation.Persona{Name: "Alex"}}),
		Extractor:       extractor,
		Notifier:        notifier,
		ContactFallback: "alex@site.dev",
	})
	require.NoError(t, err)

	return &harness{svc: svc, store: store, persister: persister, llm: client, index: index, sender: sender}
}

// flush drains the persister so the store reflects every queued write.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.persister.Close(ctx))
}

func drain(turn *Turn) string {
	var b strings.Builder
	for tok := range turn.Stream.Tokens() {
		b.WriteString(tok)
	}
	return b.String()
}

// =============================================================================
// Tests
// =============================================================================

func TestChatService_CompletedTurnPersistsBothMessages(t *testing.T) {
	client := &MockLLMClient{ChatResponse: "go experience", StreamTokens: []string{"Alex has ", "ten years ", "of Go."}}
	index := &fakeVectorIndex{passages: []datatypes.RetrievedPassage{
		{ID: "1", Score: 0.9, Text: strPtr("Ten years of Go.")},
		{ID: "2", Score: 0.65, Text: strPtr("Led the payments team.")},
		{ID: "3", Score: 0.4, Text: strPtr("Likes hiking.")},
	}}
	h := newHarness(t, client, index)
	ctx := context.Background()

	turn, err := h.svc.StartTurn(ctx, datatypes.ChatRequest{Message: "How much Go?"})
	require.NoError(t, err)
	assert.True(t, datatypes.IsWellFormedSessionID(turn.SessionID))

	assert.Equal(t, "Alex has ten years of Go.", drain(turn))
	res := turn.Finish(ctx)
	assert.True(t, res.Completed)
	assert.Empty(t, res.FollowUp)

	assert.Equal(t, []string{"go experience"}, index.queries, "rewritten query reaches the index")
	system := h.llm.lastStream(t)[0].Content
	assert.Contains(t, system, "Ten years of Go.\n\nLed the payments team.")
	assert.NotContains(t, system, "Likes hiking.")

	h.flush(t)
	msgs, err := h.store.LoadMessages(ctx, turn.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, datatypes.RoleUser, msgs[0].Role)
	assert.Equal(t, "How much Go?", msgs[0].Content)
	assert.Equal(t, datatypes.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Alex has ten years of Go.", msgs[1].Content)
}

func TestChatService_DegradesWhenRewriteAndRetrievalFail(t *testing.T) {
	client := &MockLLMClient{ChatError: errors.New("rewrite down"), StreamTokens: []string{"I don't have that information."}}
	index := &fakeVectorIndex{err: errors.New("index down")}
	h := newHarness(t, client, index)

	turn, err := h.svc.StartTurn(context.Background(), datatypes.ChatRequest{Message: "What about Rust?"})
	require.NoError(t, err)
	drain(turn)
	assert.True(t, turn.Finish(context.Background()).Completed)

	assert.Equal(t, []string{"What about Rust?"}, index.queries, "raw question used after rewrite failure")
	assert.Contains(t, h.llm.lastStream(t)[0].Content, "---BEGIN CONTEXT---\n\n---END CONTEXT---")
}

func TestChatService_CancelledTurnPersistsOnlyUser(t *testing.T) {
	client := &MockLLMClient{StreamTokens: []string{"partial "}, BlockStream: true}
	h := newHarness(t, client, &fakeVectorIndex{})
	ctx := context.Background()

	turn, err := h.svc.StartTurn(ctx, datatypes.ChatRequest{Message: "Tell me everything"})
	require.NoError(t, err)
	tok, ok := turn.Stream.Next()
	require.True(t, ok)
	assert.Equal(t, "partial ", tok)

	turn.Close()
	res := turn.Finish(ctx)
	assert.False(t, res.Completed)

	h.flush(t)
	msgs, err := h.store.LoadMessages(ctx, turn.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, datatypes.RoleUser, msgs[0].Role)
}

func TestChatService_StreamErrorPersistsNoAnswer(t *testing.T) {
	client := &MockLLMClient{StreamTokens: []string{"half"}, StreamError: errors.New("provider 500")}
	h := newHarness(t, client, &fakeVectorIndex{})
	ctx := context.Background()

	turn, err := h.svc.StartTurn(ctx, datatypes.ChatRequest{Message: "hi"})
	require.NoError(t, err)
	drain(turn)
	assert.Error(t, turn.Stream.Err())
	assert.False(t, turn.Finish(ctx).Completed)

	h.flush(t)
	msgs, err := h.store.LoadMessages(ctx, turn.SessionID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestChatService_HistoryFeedsNextTurn(t *testing.T) {
	client := &MockLLMClient{StreamTokens: []string{"First answer."}}
	h := newHarness(t, client, &fakeVectorIndex{})
	ctx := context.Background()

	first, err := h.svc.StartTurn(ctx, datatypes.ChatRequest{Message: "First question"})
	require.NoError(t, err)
	drain(first)
	first.Finish(ctx)

	// Wait for the async writes of the first turn before the second starts.
	require.Eventually(t, func() bool {
		msgs, err := h.store.LoadMessages(ctx, first.SessionID)
		return err == nil && len(msgs) == 2
	}, 2*time.Second, 10*time.Millisecond)

	client.StreamTokens = []string{"Second answer."}
	second, err := h.svc.StartTurn(ctx, datatypes.ChatRequest{Message: "Second question", SessionID: first.SessionID})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	drain(second)
	second.Finish(ctx)

	msgs := h.llm.lastStream(t)
	require.Len(t, msgs, 4)
	assert.Equal(t, "First question", msgs[1].Content)
	assert.Equal(t, "First answer.", msgs[2].Content)
	assert.Equal(t, "Second question", msgs[3].Content)
}

func TestChatService_ConnectRequestSendsInquiry(t *testing.T) {
	client := &MockLLMClient{StreamTokens: []string{"Great, I'll let Alex know. ", "[[CONNECT_", "REQUEST]]"}}
	h := newHarness(t, client, &fakeVectorIndex{})
	ctx := context.Background()

	turn, err := h.svc.StartTurn(ctx, datatypes.ChatRequest{
		Message: "My name is Jordan, reach me at jordan@example.com, I need a React app built",
	})
	require.NoError(t, err)
	visible := drain(turn)
	assert.NotContains(t, visible, "CONNECT")

	res := turn.Finish(ctx)
	assert.Equal(t, InquiryStatusSent, res.InquiryStatus)
	assert.Contains(t, res.FollowUp, "passed your message along")

	require.Len(t, h.sender.emails, 1)
	assert.Equal(t, "jordan@example.com", h.sender.emails[0].ReplyTo)
	assert.Contains(t, h.sender.emails[0].Subject, "freelance-project")

	h.flush(t)
	msgs, err := h.store.LoadMessages(ctx, turn.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "Great, I'll let Alex know.", msgs[1].Content)
	assert.Equal(t, true, msgs[1].Metadata["connect_requested"])
	assert.Equal(t, InquiryStatusSent, msgs[2].Metadata[MetaInquiryStatus])

	records, err := h.store.ListNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "email-1", records[0].ProviderMessageID)
	assert.Equal(t, turn.SessionID, records[0].SessionID)
}

func TestChatService_InquiryUsesWholeTranscript(t *testing.T) {
	client := &MockLLMClient{StreamTokens: []string{"Happy to connect you. ", "[[CONNECT_REQUEST]]"}}
	h := newHarness(t, client, &fakeVectorIndex{})
	ctx := context.Background()

	sessionID, err := h.store.GetOrCreateSession(ctx, "")
	require.NoError(t, err)
	require.NoError(t, h.store.AppendMessage(ctx, sessionID, datatypes.RoleUser, "My name is Jordan, email jordan@example.com", nil))
	require.NoError(t, h.store.AppendMessage(ctx, sessionID, datatypes.RoleAssistant, "Nice to meet you, Jordan.", nil))
	for i := 0; i < 6; i++ {
		require.NoError(t, h.store.AppendMessage(ctx, sessionID, datatypes.RoleUser, fmt.Sprintf("Question %d about the projects?", i), nil))
		require.NoError(t, h.store.AppendMessage(ctx, sessionID, datatypes.RoleAssistant, fmt.Sprintf("Answer %d.", i), nil))
	}

	turn, err := h.svc.StartTurn(ctx, datatypes.ChatRequest{SessionID: sessionID, Message: "Can you put me in touch with Alex?"})
	require.NoError(t, err)
	require.Len(t, turn.history, 10, "generation still sees the bounded window")
	drain(turn)

	res := turn.Finish(ctx)
	assert.Equal(t, InquiryStatusSent, res.InquiryStatus)
	require.Len(t, h.sender.emails, 1)
	assert.Equal(t, "jordan@example.com", h.sender.emails[0].ReplyTo)
	assert.Contains(t, h.sender.emails[0].Subject, "Jordan")
}

func TestChatService_TranscriptAppendsQueuedExchange(t *testing.T) {
	h := newHarness(t, &MockLLMClient{}, &fakeVectorIndex{})
	ctx := context.Background()
	sessionID, err := h.store.GetOrCreateSession(ctx, "")
	require.NoError(t, err)
	require.NoError(t, h.store.AppendMessage(ctx, sessionID, datatypes.RoleUser, "hello", nil))

	turn := &Turn{SessionID: sessionID, svc: h.svc, message: "hello"}
	conv := h.svc.transcript(ctx, turn, "hi there")
	require.Len(t, conv, 2)
	assert.Equal(t, "hi there", conv[1].Content)

	require.NoError(t, h.store.AppendMessage(ctx, sessionID, datatypes.RoleAssistant, "hi there", nil))
	assert.Len(t, h.svc.transcript(ctx, turn, "hi there"), 2, "stored exchange is not duplicated")

	turn.message = "next"
	conv = h.svc.transcript(ctx, turn, "ok")
	require.Len(t, conv, 4)
	assert.Equal(t, "next", conv[2].Content)

	missing := &Turn{SessionID: "no-such-session", svc: h.svc, message: "m",
		history: []datatypes.Message{{Role: "user", Content: "earlier"}}}
	assert.Len(t, h.svc.transcript(ctx, missing, "a"), 3)
}

func TestChatService_ConnectRequestRateLimitedApologizes(t *testing.T) {
	client := &MockLLMClient{StreamTokens: []string{"Sure. [[CONNECT_REQUEST]]"}}
	h := newHarness(t, client, &fakeVectorIndex{}, func(c *harnessConfig) { c.notifyLimit = 1 })
	ctx := context.Background()

	msg := datatypes.ChatRequest{Message: "I'm Sam, sam@corp.io, we're hiring"}
	for i, wantStatus := range []string{InquiryStatusSent, InquiryStatusFailed} {
		turn, err := h.svc.StartTurn(ctx, msg)
		require.NoError(t, err)
		drain(turn)
		res := turn.Finish(ctx)
		assert.Equal(t, wantStatus, res.InquiryStatus, "turn %d", i)
		if wantStatus == InquiryStatusFailed {
			assert.Contains(t, res.FollowUp, "alex@site.dev")
		}
	}
	assert.Len(t, h.sender.emails, 1)
}

func TestChatService_Search(t *testing.T) {
	index := &fakeVectorIndex{passages: []datatypes.RetrievedPassage{
		{ID: "a", Score: 0.75},
		{ID: "b", Score: 0.65},
	}}
	h := newHarness(t, &MockLLMClient{ChatResponse: "never used"}, index)

	got, err := h.svc.Search(context.Background(), "golang", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, []string{"golang"}, index.queries, "search is not rewritten")
}

func TestChatService_History(t *testing.T) {
	h := newHarness(t, &MockLLMClient{}, &fakeVectorIndex{})
	_, err := h.svc.History(context.Background(), datatypes.NewID())
	assert.ErrorIs(t, err, conversation.ErrSessionNotFound)
}

func TestChatService_EmptyMessage(t *testing.T) {
	h := newHarness(t, &MockLLMClient{}, &fakeVectorIndex{})
	_, err := h.svc.StartTurn(context.Background(), datatypes.ChatRequest{Message: " "})
	assert.ErrorIs(t, err, generation.ErrEmptyMessage)
}

func TestNewChatService_RequiresDependencies(t *testing.T) {
	_, err := NewChatService(ChatServiceConfig{})
	assert.Error(t, err)
}
