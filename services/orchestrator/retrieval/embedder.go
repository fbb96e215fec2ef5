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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Embedder turns query text into a vector for the index.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// =============================================================================
// OpenAI
// =============================================================================

// OpenAIEmbedderConfig configures OpenAIEmbedder. An empty Model uses
// text-embedding-3-small, which must match the model the index was built with.
type OpenAIEmbedderConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) (*OpenAIEmbedder, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		secret, err := os.ReadFile("/run/secrets/openai_api_key")
		if err != nil {
			return nil, fmt.Errorf("OpenAI API key not configured: %w", err)
		}
		apiKey = strings.TrimSpace(string(secret))
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := openai.EmbeddingModel(cfg.Model)
	if model == "" {
		model = openai.SmallEmbedding3
	}
	return &OpenAIEmbedder{client: openai.NewClientWithConfig(clientCfg), model: model}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings failed: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("openai embeddings returned no vector")
	}
	return resp.Data[0].Embedding, nil
}

// =============================================================================
// Embedding service
// =============================================================================

type embeddingRequest struct {
	Text string `json:"text"`
}

type embeddingResponse struct {
	ID     string    `json:"id"`
	Vector []float32 `json:"vector"`
	Dim    int       `json:"dim"`
}

// ServiceEmbedder calls a standalone embedding service that accepts
// {"text": ...} and answers {"vector": [...]}.
type ServiceEmbedder struct {
	url        string
	httpClient *http.Client
}

func NewServiceEmbedder(url string, timeout time.Duration) (*ServiceEmbedder, error) {
	if url == "" {
		return nil, fmt.Errorf("EMBEDDING_SERVICE_URL not set")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ServiceEmbedder{url: url, httpClient: &http.Client{Timeout: timeout}}, nil
}

func (e *ServiceEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(embeddingRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to setup a new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make the request to the embedding service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, string(body))
	}

	var out embeddingResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse the response from the embedding service: %w", err)
	}
	if len(out.Vector) == 0 {
		return nil, fmt.Errorf("embedding service returned an empty vector")
	}
	return out.Vector, nil
}

var (
	_ Embedder = (*OpenAIEmbedder)(nil)
	_ Embedder = (*ServiceEmbedder)(nil)
)
