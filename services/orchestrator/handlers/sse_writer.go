// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
)

// doneSentinel terminates every chat stream.
const doneSentinel = "[DONE]"

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter defines the contract for writing chat frames as Server-Sent Events.
//
// # Description
//
// SSEWriter hides the wire format from the chat handler. Every frame is a
// single data line carrying JSON, except the terminal [DONE] line and
// keepalive comments:
//
//	data: {"content":"Hel"}
//
//	data: {"error":"An error occurred while processing your request"}
//
//	data: [DONE]
//
//	: ping
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The heartbeat goroutine
// writes keepalives while the handler writes content.
type SSEWriter interface {
	// WriteContent writes one visible text increment.
	WriteContent(content string) error

	// WriteError writes a sanitized error frame. The caller still ends the
	// stream with WriteDone.
	WriteError(errMsg string) error

	// WriteDone writes the terminal [DONE] line. Later writes are dropped.
	WriteDone() error

	// WriteKeepAlive writes an SSE comment so idle proxies (ALB, nginx: 60s)
	// keep the connection open while the model is thinking.
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter over an http.ResponseWriter.
//
// # Fields
//
//   - writer: Underlying response writer
//   - flusher: Flushes after every frame so tokens reach the client at once
//   - done: Set after WriteDone
//   - mu: Serializes frames from the handler and the heartbeat
type sseWriter struct {
	writer  io.Writer
	flusher http.Flusher
	done    bool
	mu      sync.Mutex
}

// NewSSEWriter creates a new SSEWriter for the given ResponseWriter.
//
// # Outputs
//
//   - SSEWriter: Ready to write frames.
//   - error: Non-nil if the ResponseWriter cannot flush.
//
// # Assumptions
//
//   - Caller has set SSE headers via SetSSEHeaders()
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// =============================================================================
// Methods
// =============================================================================

func (w *sseWriter) WriteContent(content string) error {
	return w.writeFrame(datatypes.StreamFrame{Content: content})
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.writeFrame(datatypes.StreamFrame{Error: errMsg})
}

func (w *sseWriter) writeFrame(frame datatypes.StreamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return w.writeLine("data: "+string(data)+"\n\n", false)
}

func (w *sseWriter) WriteDone() error {
	return w.writeLine("data: "+doneSentinel+"\n\n", true)
}

func (w *sseWriter) WriteKeepAlive() error {
	return w.writeLine(": ping\n\n", false)
}

func (w *sseWriter) writeLine(line string, final bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return nil
	}
	w.done = final
	if _, err := io.WriteString(w.writer, line); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders sets the standard headers for Server-Sent Events responses.
//
// # Description
//
// Sets headers required for SSE streaming:
//   - Content-Type: text/event-stream
//   - Cache-Control: no-cache (prevent caching of stream)
//   - Connection: keep-alive (maintain connection)
//   - X-Accel-Buffering: no (disable nginx buffering)
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
