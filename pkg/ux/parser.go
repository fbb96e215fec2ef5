// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains the parser for the chat stream wire format.
//
// Wire format:
//
//	data: {"content":"Hello"}\n\n
//	data: {"error":"Failed to generate a response. Please try again."}\n\n
//	: ping\n\n
//	data: [DONE]\n\n
//
// Parsers only parse. They perform no I/O.
package ux

import (
	"encoding/json"
	"fmt"
	"strings"
)

// doneSentinel terminates every chat stream.
const doneSentinel = "[DONE]"

// StreamEventType represents the type of streaming event
type StreamEventType string

const (
	StreamEventToken StreamEventType = "token"
	StreamEventError StreamEventType = "error"
	StreamEventDone  StreamEventType = "done"
)

// StreamEvent is one parsed data line.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Error   string
	// Index is the position of the event within its stream, set by the reader.
	Index int
}

// IsTerminal reports whether no further events follow.
func (e StreamEvent) IsTerminal() bool {
	return e.Type == StreamEventDone
}

// SSEParser parses Server-Sent Events lines into StreamEvents.
//
// Thread Safety:
//
//	The default implementation is stateless and safe for concurrent use.
type SSEParser interface {
	// ParseLine parses a single line without its trailing newline.
	//
	// Returns nil, nil for blank lines, comments (keepalives) and
	// non-data fields.
	ParseLine(line string) (*StreamEvent, error)
}

type sseParser struct{}

// NewSSEParser creates a new SSE parser.
func NewSSEParser() SSEParser {
	return &sseParser{}
}

func (p *sseParser) ParseLine(line string) (*StreamEvent, error) {
	line = strings.TrimRight(line, "\r")

	if line == "" || strings.HasPrefix(line, ":") {
		return nil, nil
	}

	payload, ok := strings.CutPrefix(line, "data:")
	if !ok {
		// event:, id:, retry: carry nothing this client uses.
		return nil, nil
	}
	payload = strings.TrimPrefix(payload, " ")

	if payload == doneSentinel {
		return &StreamEvent{Type: StreamEventDone}, nil
	}

	var frame struct {
		Content string `json:"content"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		return nil, fmt.Errorf("malformed stream frame: %w", err)
	}
	if frame.Error != "" {
		return &StreamEvent{Type: StreamEventError, Error: frame.Error}, nil
	}
	return &StreamEvent{Type: StreamEventToken, Content: frame.Content}, nil
}

var _ SSEParser = (*sseParser)(nil)
