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
	"strings"
	"time"

	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
)

// MockClient is a deterministic offline backend for demos and end-to-end
// runs without a model server (LLM_BACKEND_TYPE=mock).
//
// Replies echo the last user message; streaming splits the reply on spaces
// and waits Delay between words.
type MockClient struct {
	Delay time.Duration
}

func NewMockClient() *MockClient {
	return &MockClient{Delay: 20 * time.Millisecond}
}

func (m *MockClient) Generate(ctx context.Context, prompt string, _ GenerationParams) (string, error) {
	return m.Chat(ctx, []datatypes.Message{{Role: "user", Content: prompt}}, GenerationParams{})
}

func (m *MockClient) Chat(ctx context.Context, messages []datatypes.Message, _ GenerationParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return mockReply(messages), nil
}

func (m *MockClient) ChatStream(ctx context.Context, messages []datatypes.Message, _ GenerationParams, callback StreamCallback) error {
	words := strings.SplitAfter(mockReply(messages), " ")
	for _, w := range words {
		if m.Delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.Delay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if err := callback(StreamEvent{Type: StreamEventToken, Content: w}); err != nil {
			return err
		}
	}
	return nil
}

func mockReply(messages []datatypes.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return "You asked: " + strings.TrimSpace(messages[i].Content)
		}
	}
	return "I don't have that information."
}

var _ LLMClient = (*MockClient)(nil)
