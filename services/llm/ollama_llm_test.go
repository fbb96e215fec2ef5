// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestOllamaClient creates an OllamaClient pointing to a test server.
func newTestOllamaClient(baseURL, model string) *OllamaClient {
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		model:      model,
	}
}

// =============================================================================
// Chat
// =============================================================================

func TestOllamaClient_Chat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "test-model", req.Model)
		assert.EqualValues(t, 50, req.Options["num_predict"])
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"skills projects"},"done":true}`)
	}))
	defer server.Close()

	client := newTestOllamaClient(server.URL, "test-model")
	out, err := client.Chat(context.Background(), []datatypes.Message{{Role: "user", Content: "q"}},
		GenerationParams{MaxTokens: Int(50)})
	require.NoError(t, err)
	assert.Equal(t, "skills projects", out)
}

func TestOllamaClient_ModelNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model 'ghost' not found"}`)
	}))
	defer server.Close()

	client := newTestOllamaClient(server.URL, "ghost")
	_, err := client.Chat(context.Background(), []datatypes.Message{{Role: "user", Content: "q"}}, GenerationParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama pull ghost")
}

// =============================================================================
// ChatStream
// =============================================================================

func TestOllamaClient_ChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		for _, tok := range []string{"Hello", " there", ""} {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", tok)
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","content":""},"done":true}`+"\n")
	}))
	defer server.Close()

	client := newTestOllamaClient(server.URL, "m")
	var got []string
	err := client.ChatStream(context.Background(), []datatypes.Message{{Role: "user", Content: "hi"}},
		GenerationParams{}, func(ev StreamEvent) error {
			got = append(got, ev.Content)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello", " there"}, got)
}

func TestOllamaClient_ChatStreamErrorChunk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"par"},"done":false}`+"\n")
		fmt.Fprint(w, `{"error":"out of memory"}`+"\n")
	}))
	defer server.Close()

	client := newTestOllamaClient(server.URL, "m")
	var got []string
	err := client.ChatStream(context.Background(), []datatypes.Message{{Role: "user", Content: "hi"}},
		GenerationParams{}, func(ev StreamEvent) error {
			got = append(got, ev.Content)
			return nil
		})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of memory")
	assert.Equal(t, []string{"par"}, got)
}

func TestOllamaClient_ChatStreamTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"half"},"done":false}`+"\n")
	}))
	defer server.Close()

	client := newTestOllamaClient(server.URL, "m")
	err := client.ChatStream(context.Background(), nil, GenerationParams{}, func(StreamEvent) error { return nil })
	assert.Error(t, err, "a stream without done must not look like success")
}

func TestOllamaOptions_Defaults(t *testing.T) {
	opts := ollamaOptions(GenerationParams{})
	assert.Equal(t, float32(0.2), opts["temperature"])
	assert.Equal(t, 1024, opts["num_predict"])
	_, hasStop := opts["stop"]
	assert.False(t, hasStop)

	opts = ollamaOptions(GenerationParams{Temperature: Float32(0.1), Stop: []string{"\n"}})
	assert.Equal(t, float32(0.1), opts["temperature"])
	assert.Equal(t, []string{"\n"}, opts["stop"])
}

func TestNewOllamaClient_RequiresBaseURL(t *testing.T) {
	_, err := NewOllamaClient(OllamaConfig{})
	assert.Error(t, err)

	c, err := NewOllamaClient(OllamaConfig{BaseURL: "http://localhost:11434/"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11434", c.baseURL)
}

// =============================================================================
// Mock
// =============================================================================

func TestMockClient_StreamsEcho(t *testing.T) {
	m := &MockClient{}
	var out string
	err := m.ChatStream(context.Background(), []datatypes.Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "  what stack?  "},
	}, GenerationParams{}, func(ev StreamEvent) error {
		out += ev.Content
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "You asked: what stack?", out)
}

func TestMockClient_StreamRespectsCancel(t *testing.T) {
	m := &MockClient{Delay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.ChatStream(ctx, []datatypes.Message{{Role: "user", Content: "a b c"}}, GenerationParams{},
		func(StreamEvent) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
