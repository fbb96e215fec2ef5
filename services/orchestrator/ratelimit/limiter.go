// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit provides the per-client sliding-window limiter that gates
// the chat pipeline and the notification sender.
//
// State is process-local. Running more than one orchestrator instance gives
// each instance its own counters, so the effective ceiling multiplies by the
// replica count.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrRateLimited is returned (wrapped in *RateLimitError) when a key has
// exhausted its window.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitError carries the retry-later signal for a rejected key.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q, retry after %s", e.Key, e.RetryAfter.Round(time.Second))
}

// Is lets errors.Is(err, ErrRateLimited) match.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// Clock abstracts time.Now so tests can move the window without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Config describes one limiter instance.
//
// # Fields
//
//   - Name: Label used in logs and metrics ("chat", "notify").
//   - Limit: Maximum admitted requests per key inside Window.
//   - Window: Length of the sliding window.
//   - Clock: Time source. Nil uses SystemClock.
type Config struct {
	Name   string
	Limit  int
	Window time.Duration
	Clock  Clock
}

// ChatConfig is the default gate in front of the chat pipeline.
func ChatConfig() Config {
	return Config{Name: "chat", Limit: 10, Window: 60 * time.Second}
}

// NotifyConfig is the default per-visitor-email gate for notifications.
func NotifyConfig() Config {
	return Config{Name: "notify", Limit: 3, Window: time.Hour}
}

// SlidingWindow is a sliding-window-log limiter.
//
// # Description
//
// Each key owns the timestamps of its admitted requests. On every call the
// timestamps older than the window are pruned; if the remaining count is at
// the ceiling the call is rejected and nothing is recorded, otherwise the
// current time is appended and the call is admitted.
//
// # Thread Safety
//
// A single mutex guards the whole map. Contention is low (one short critical
// section per request) so per-key locking is not worth its bookkeeping.
type SlidingWindow struct {
	name   string
	limit  int
	window time.Duration
	clock  Clock

	mu   sync.Mutex
	hits map[string][]time.Time
}

// New creates a limiter. Limit and Window must be positive.
func New(cfg Config) (*SlidingWindow, error) {
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("ratelimit %s: limit must be positive, got %d", cfg.Name, cfg.Limit)
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("ratelimit %s: window must be positive, got %s", cfg.Name, cfg.Window)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	return &SlidingWindow{
		name:   cfg.Name,
		limit:  cfg.Limit,
		window: cfg.Window,
		clock:  clock,
		hits:   make(map[string][]time.Time),
	}, nil
}

// Name returns the limiter label.
func (l *SlidingWindow) Name() string { return l.name }

// Admit reports whether a request for key may proceed, recording it if so.
func (l *SlidingWindow) Admit(key string) bool {
	ok, _ := l.Reserve(key)
	return ok
}

// Reserve is Admit plus the retry-later hint. When the request is rejected,
// retryAfter is the time until the oldest timestamp in the window expires.
func (l *SlidingWindow) Reserve(key string) (bool, time.Duration) {
	now := l.clock.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := prune(l.hits[key], cutoff)
	if len(kept) >= l.limit {
		l.hits[key] = kept
		retryAfter := kept[0].Add(l.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return false, retryAfter
	}
	l.hits[key] = append(kept, now)
	return true, 0
}

// Check is Reserve expressed as an error for service-layer callers.
func (l *SlidingWindow) Check(key string) error {
	ok, retryAfter := l.Reserve(key)
	if ok {
		return nil
	}
	return &RateLimitError{Key: key, RetryAfter: retryAfter}
}

// Sweep removes keys whose windows hold no live timestamps.
func (l *SlidingWindow) Sweep() int {
	cutoff := l.clock.Now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, ts := range l.hits {
		kept := prune(ts, cutoff)
		if len(kept) == 0 {
			delete(l.hits, key)
			removed++
			continue
		}
		l.hits[key] = kept
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *SlidingWindow) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

// RunJanitor calls Sweep every interval until ctx is done.
func (l *SlidingWindow) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = l.window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				slog.Debug("rate limiter swept idle keys", "limiter", l.name, "removed", n)
			}
		}
	}
}

// prune drops timestamps at or before cutoff. Timestamps are appended in
// order, so the first live entry marks the split.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	kept := make([]time.Time, len(ts)-i)
	copy(kept, ts[i:])
	return kept
}
