// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"errors"
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

// mockLLMClient records Chat calls and answers with chatFunc.
type mockLLMClient struct {
	mu       sync.Mutex
	calls    [][]datatypes.Message
	params   []llm.GenerationParams
	chatFunc func(ctx context.Context, msgs []datatypes.Message) (string, error)
}

func (m *mockLLMClient) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	return m.Chat(ctx, []datatypes.Message{{Role: "user", Content: prompt}}, params)
}

func (m *mockLLMClient) Chat(ctx context.Context, msgs []datatypes.Message, params llm.GenerationParams) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, msgs)
	m.params = append(m.params, params)
	m.mu.Unlock()
	return m.chatFunc(ctx, msgs)
}

func (m *mockLLMClient) ChatStream(ctx context.Context, msgs []datatypes.Message, params llm.GenerationParams, cb llm.StreamCallback) error {
	return errors.New("not used")
}

// fakeVectorIndex returns canned passages and records the query text.
type fakeVectorIndex struct {
	mu       sync.Mutex
	queries  []string
	ks       []int
	passages []datatypes.RetrievedPassage
	err      error
}

func (f *fakeVectorIndex) Query(ctx context.Context, text string, k int) ([]datatypes.RetrievedPassage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, text)
	f.ks = append(f.ks, k)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]datatypes.RetrievedPassage, len(f.passages))
	copy(out, f.passages)
	return out, nil
}

func strPtr(s string) *string { return &s }

// =============================================================================
// Rewriter
// =============================================================================

func TestRewriter_UsesModelOutput(t *testing.T) {
	client := &mockLLMClient{chatFunc: func(ctx context.Context, msgs []datatypes.Message) (string, error) {
		return "  \"skills experience projects education background\"\n", nil
	}}
	r := NewRewriter(client, RewriterConfig{})

	got := r.Rewrite(context.Background(), "What do you know?")

	assert.Equal(t, "skills experience projects education background", got)
	require.Len(t, client.calls, 1)
	require.Len(t, client.calls[0], 2)
	assert.Equal(t, "system", client.calls[0][0].Role)
	assert.Contains(t, client.calls[0][0].Content, "What do you know?")
	assert.Equal(t, "What do you know?", client.calls[0][1].Content)
	require.NotNil(t, client.params[0].Temperature)
	assert.InDelta(t, 0.1, *client.params[0].Temperature, 1e-6)
	require.NotNil(t, client.params[0].MaxTokens)
	assert.Equal(t, 50, *client.params[0].MaxTokens)
}

func TestRewriter_Fallbacks(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		err   error
	}{
		{name: "model error", err: errors.New("boom")},
		{name: "empty output", reply: "   "},
		{name: "only quotes", reply: `""`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockLLMClient{chatFunc: func(ctx context.Context, msgs []datatypes.Message) (string, error) {
				return tt.reply, tt.err
			}}
			got := NewRewriter(client, RewriterConfig{}).Rewrite(context.Background(), "Tell me about Go")
			assert.Equal(t, "Tell me about Go", got)
		})
	}
}

func TestRewriter_TimeoutFallsBack(t *testing.T) {
	client := &mockLLMClient{chatFunc: func(ctx context.Context, msgs []datatypes.Message) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	r := NewRewriter(client, RewriterConfig{Timeout: 20 * time.Millisecond})

	start := time.Now()
	got := r.Rewrite(context.Background(), "slow question")

	assert.Equal(t, "slow question", got)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRewriter_NilClient(t *testing.T) {
	assert.Equal(t, "q", NewRewriter(nil, RewriterConfig{}).Rewrite(context.Background(), "q"))
}

func TestCleanRewrite(t *testing.T) {
	assert.Equal(t, "react projects", cleanRewrite(`'react projects'`))
	assert.Equal(t, "react projects", cleanRewrite("“react projects”"))
	assert.Equal(t, "first line", cleanRewrite("first line\nbecause reasons"))
	assert.Equal(t, `say "hi" there`, cleanRewrite(`say "hi" there`))
}

// =============================================================================
// Retriever
// =============================================================================

func TestRetriever_SortsDescendingStable(t *testing.T) {
	index := &fakeVectorIndex{passages: []datatypes.RetrievedPassage{
		{ID: "a", Score: 0.4},
		{ID: "b", Score: 0.9},
		{ID: "c", Score: 0.65},
		{ID: "d", Score: 0.9},
	}}
	r := NewRetriever(index, 0, nil)

	got, err := r.Retrieve(context.Background(), "q", 0)
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, p := range got {
		ids[i] = p.ID
	}
	assert.Equal(t, []string{"b", "d", "c", "a"}, ids)
	assert.Equal(t, []int{DefaultTopK}, index.ks)
}

func TestRetriever_TruncatesToTopK(t *testing.T) {
	index := &fakeVectorIndex{passages: []datatypes.RetrievedPassage{
		{ID: "a", Score: 0.1}, {ID: "b", Score: 0.2}, {ID: "c", Score: 0.3},
	}}
	got, err := NewRetriever(index, 5, nil).Retrieve(context.Background(), "q", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}

func TestRetriever_KeepsPassagesWithoutText(t *testing.T) {
	index := &fakeVectorIndex{passages: []datatypes.RetrievedPassage{
		{ID: "meta-only", Score: 0.8, Metadata: datatypes.PassageMetadata{Type: "skill", Name: "Go"}},
	}}
	got, err := NewRetriever(index, 0, nil).Retrieve(context.Background(), "q", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].HasText())
}

func TestRetriever_PropagatesIndexError(t *testing.T) {
	index := &fakeVectorIndex{err: errors.New("weaviate down")}
	_, err := NewRetriever(index, 0, nil).Retrieve(context.Background(), "q", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weaviate down")
	assert.Len(t, index.queries, 1, "no retries")
}

// A failed rewrite must not stop retrieval: the raw question becomes the query.
func TestRewriteThenRetrieve_ModelErrorUsesOriginalQuestion(t *testing.T) {
	client := &mockLLMClient{chatFunc: func(ctx context.Context, msgs []datatypes.Message) (string, error) {
		return "", errors.New("model unavailable")
	}}
	index := &fakeVectorIndex{}
	rewriter := NewRewriter(client, RewriterConfig{})
	retriever := NewRetriever(index, 0, nil)

	question := "What projects have you shipped?"
	_, err := retriever.Retrieve(context.Background(), rewriter.Rewrite(context.Background(), question), 0)

	require.NoError(t, err)
	assert.Equal(t, []string{question}, index.queries)
}

// =============================================================================
// Assembler
// =============================================================================

func TestAssemble_FloorKeepsOnlyQualifyingPassages(t *testing.T) {
	passages := []datatypes.RetrievedPassage{
		{ID: "1", Score: 0.9, Text: strPtr("Senior engineer with ten years of Go.")},
		{ID: "2", Score: 0.65, Text: strPtr("Built a payments platform.")},
		{ID: "3", Score: 0.4, Text: strPtr("Enjoys hiking.")},
	}

	got := Assemble(passages, DefaultChatFloor)

	assert.Equal(t, "Senior engineer with ten years of Go.\n\nBuilt a payments platform.", got)
}

func TestAssemble_FloorIsInclusive(t *testing.T) {
	passages := []datatypes.RetrievedPassage{{Score: 0.6, Text: strPtr("edge")}}
	assert.Equal(t, "edge", Assemble(passages, 0.6))
	assert.Equal(t, "", Assemble(passages, 0.7))
}

func TestAssemble_Deterministic(t *testing.T) {
	passages := []datatypes.RetrievedPassage{
		{Score: 0.9, Text: strPtr("a")},
		{Score: 0.8, Metadata: datatypes.PassageMetadata{Type: "project", Name: "Folio", Status: "live"}},
	}
	first := Assemble(passages, 0.5)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Assemble(passages, 0.5))
	}
}

func TestAssemble_EmptyIsValid(t *testing.T) {
	assert.Equal(t, "", Assemble(nil, DefaultChatFloor))
}

func TestPassageLine_Templates(t *testing.T) {
	tests := []struct {
		name   string
		text   *string
		meta   datatypes.PassageMetadata
		want   string
		wantOK bool
	}{
		{
			name:   "skill with category",
			meta:   datatypes.PassageMetadata{Type: "skill", Name: "React", Category: "Frontend"},
			want:   "React (Frontend)",
			wantOK: true,
		},
		{
			name:   "skill without category",
			meta:   datatypes.PassageMetadata{Type: "skill", Name: "Go"},
			want:   "Go",
			wantOK: true,
		},
		{
			name:   "experience",
			meta:   datatypes.PassageMetadata{Type: "experience", Position: "Staff Engineer", Company: "Acme"},
			want:   "Staff Engineer at Acme",
			wantOK: true,
		},
		{
			name:   "experience missing company",
			meta:   datatypes.PassageMetadata{Type: "experience", Position: "Staff Engineer"},
			wantOK: false,
		},
		{
			name:   "project with status",
			meta:   datatypes.PassageMetadata{Type: "project", Name: "Folio", Status: "in progress"},
			want:   "Project: Folio (in progress)",
			wantOK: true,
		},
		{
			name:   "project without status",
			meta:   datatypes.PassageMetadata{Type: "project", Name: "Folio"},
			want:   "Project: Folio",
			wantOK: true,
		},
		{
			name:   "education",
			meta:   datatypes.PassageMetadata{Type: "education", Degree: "BSc", Field: "Computer Science", Institution: "MIT"},
			want:   "BSc in Computer Science from MIT",
			wantOK: true,
		},
		{
			name:   "content",
			meta:   datatypes.PassageMetadata{Type: "content", Title: "Why I like boring tech"},
			want:   "Why I like boring tech",
			wantOK: true,
		},
		{
			name:   "unknown type",
			meta:   datatypes.PassageMetadata{Type: "hobby", Name: "chess"},
			wantOK: false,
		},
		{
			name:   "blank text falls back to metadata",
			text:   strPtr("   "),
			meta:   datatypes.PassageMetadata{Type: "skill", Name: "SQL"},
			want:   "SQL",
			wantOK: true,
		},
		{
			name:   "text wins over metadata",
			text:   strPtr(" raw text "),
			meta:   datatypes.PassageMetadata{Type: "skill", Name: "SQL"},
			want:   "raw text",
			wantOK: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := PassageLine(datatypes.RetrievedPassage{Score: 1, Text: tt.text, Metadata: tt.meta})
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilterByFloor(t *testing.T) {
	passages := []datatypes.RetrievedPassage{{ID: "a", Score: 0.75}, {ID: "b", Score: 0.65}}
	got := FilterByFloor(passages, DefaultSearchFloor)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
	assert.Empty(t, FilterByFloor(nil, 0.7))
	assert.NotNil(t, FilterByFloor(nil, 0.7))
}
