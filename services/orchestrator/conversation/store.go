// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation owns conversation state: the SessionStore contract,
// its sqlite and badger implementations, and the asynchronous Persister that
// writes turns without holding up the response stream.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
)

// ErrSessionNotFound is returned when an operation names a session that was
// never created.
var ErrSessionNotFound = errors.New("session not found")

// ErrInvalidRole is returned by AppendMessage for roles outside
// user/assistant/system.
var ErrInvalidRole = errors.New("invalid message role")

// SessionStore is the conversation persistence contract.
//
// # Description
//
// Implementations are the relational collaborator: they own connections and
// schema, the pipeline only calls these methods. Messages come back oldest
// first with strictly increasing CreatedAt inside a session.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Concurrent requests may
// share a session.
type SessionStore interface {
	// GetOrCreateSession resolves candidateID to a session, creating one when
	// needed, and touches its last-activity time.
	//
	// A well-formed candidate (a UUID) is adopted as-is, created if unknown.
	// An empty or malformed candidate gets a freshly minted identifier.
	GetOrCreateSession(ctx context.Context, candidateID string) (string, error)

	// AppendMessage writes one immutable message. The session must exist;
	// ErrSessionNotFound otherwise.
	AppendMessage(ctx context.Context, sessionID string, role datatypes.Role, content string, metadata map[string]any) error

	// LoadRecentMessages returns at most limit of the newest messages,
	// ordered oldest to newest. An unknown session yields an empty slice.
	LoadRecentMessages(ctx context.Context, sessionID string, limit int) ([]datatypes.ConversationMessage, error)

	// LoadMessages returns the full ordered history, or ErrSessionNotFound.
	LoadMessages(ctx context.Context, sessionID string) ([]datatypes.ConversationMessage, error)

	// Close releases the underlying database.
	Close() error
}

// nextMessageTime returns a creation time strictly after last, so history
// order stays total even when the wall clock stalls or steps backwards.
func nextMessageTime(now, last time.Time) time.Time {
	if !now.After(last) {
		return last.Add(time.Nanosecond)
	}
	return now
}

// resolveSessionID applies the candidate policy shared by all stores.
func resolveSessionID(candidateID string) (id string, minted bool) {
	if datatypes.IsWellFormedSessionID(candidateID) {
		return candidateID, false
	}
	return datatypes.NewID(), true
}
