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

import "time"

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ConversationSession is a visitor's conversation.
type ConversationSession struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// ConversationMessage is one immutable turn inside a session.
type ConversationMessage struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Message is the role/content pair sent to a language model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToLLMMessages converts stored history to model messages, dropping system
// entries (the prompt builder supplies its own system instruction).
func ToLLMMessages(history []ConversationMessage) []Message {
	out := make([]Message, 0, len(history))
	for _, m := range history {
		if m.Role == RoleSystem {
			continue
		}
		out = append(out, Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}
