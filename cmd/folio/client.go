// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianFolio/pkg/ux"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
)

// sessionHeader carries the resolved session id on a chat stream.
const sessionHeader = "X-Session-Id"

// APIError is a non-2xx response from the server.
type APIError struct {
	Status     int
	Message    string
	RetryAfter string
}

func (e *APIError) Error() string {
	if e.RetryAfter != "" {
		return fmt.Sprintf("server returned %d: %s (retry after %ss)", e.Status, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// apiClient talks to a running orchestrator.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
	reader     ux.StreamReader
}

// newAPIClient builds a client. Streaming requests have no overall timeout;
// they end when the server sends [DONE] or the context is cancelled.
func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		reader:     ux.NewSSEStreamReader(ux.NewSSEParser()),
	}
}

// Ask sends one chat turn and calls onEvent for each stream event.
// Returns the session id the server resolved.
func (c *apiClient) Ask(ctx context.Context, req datatypes.ChatRequest, onEvent ux.StreamCallback) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/chat", req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", decodeAPIError(resp)
	}

	sessionID := resp.Header.Get(sessionHeader)
	if err := c.reader.Read(ctx, resp.Body, onEvent); err != nil {
		return sessionID, fmt.Errorf("read stream: %w", err)
	}
	return sessionID, nil
}

// History fetches a session transcript.
func (c *apiClient) History(ctx context.Context, sessionID string) (datatypes.HistoryResponse, error) {
	var out datatypes.HistoryResponse
	err := c.getJSON(ctx, "/api/chat/session/"+url.PathEscape(sessionID), &out)
	return out, err
}

// Notify submits a contact request.
func (c *apiClient) Notify(ctx context.Context, req datatypes.NotificationRequest) (datatypes.NotificationResponse, error) {
	var out datatypes.NotificationResponse
	resp, err := c.do(ctx, http.MethodPost, "/api/notifications", req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// Search runs a generic profile search.
func (c *apiClient) Search(ctx context.Context, query string, limit int) (datatypes.SearchResponse, error) {
	q := url.Values{"q": {query}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out datatypes.SearchResponse
	err := c.getJSON(ctx, "/api/search?"+q.Encode(), &out)
	return out, err
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	return resp, nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, RetryAfter: resp.Header.Get("Retry-After")}
	var body datatypes.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil || body.Error == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	} else {
		apiErr.Message = body.Error
	}
	return apiErr
}

// isRateLimited reports whether err is a 429 from the server.
func isRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests
}
