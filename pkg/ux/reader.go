// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// StreamCallback receives each event. Returning an error stops reading.
type StreamCallback func(event StreamEvent) error

// StreamResult aggregates a complete stream.
type StreamResult struct {
	Answer string
	// Error holds the text of an error frame, if one arrived.
	Error string
	// Done is true when the stream ended with the [DONE] sentinel.
	Done   bool
	Tokens int
}

// StreamReader reads a chat stream and invokes a callback per event.
type StreamReader interface {
	// Read stops at [DONE], EOF, a parse error, a callback error or ctx
	// cancellation. Reaching EOF without [DONE] is not an error; check
	// StreamResult.Done via ReadAll when completeness matters.
	Read(ctx context.Context, r io.Reader, callback StreamCallback) error

	// ReadAll collects the whole stream.
	ReadAll(ctx context.Context, r io.Reader) (*StreamResult, error)
}

type sseStreamReader struct {
	parser SSEParser
}

// NewSSEStreamReader creates a new SSE stream reader.
func NewSSEStreamReader(parser SSEParser) StreamReader {
	return &sseStreamReader{parser: parser}
}

func (r *sseStreamReader) Read(ctx context.Context, reader io.Reader, callback StreamCallback) error {
	scanner := bufio.NewScanner(reader)
	eventIndex := 0

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		event, err := r.parser.ParseLine(scanner.Text())
		if err != nil {
			return err
		}
		if event == nil {
			continue
		}

		event.Index = eventIndex
		eventIndex++

		if err := callback(*event); err != nil {
			return err
		}
		if event.IsTerminal() {
			return nil
		}
	}
	return scanner.Err()
}

func (r *sseStreamReader) ReadAll(ctx context.Context, reader io.Reader) (*StreamResult, error) {
	result := &StreamResult{}
	var answer strings.Builder

	err := r.Read(ctx, reader, func(event StreamEvent) error {
		switch event.Type {
		case StreamEventToken:
			answer.WriteString(event.Content)
			result.Tokens++
		case StreamEventError:
			result.Error = event.Error
		case StreamEventDone:
			result.Done = true
		}
		return nil
	})

	result.Answer = answer.String()
	return result, err
}

var _ StreamReader = (*sseStreamReader)(nil)
