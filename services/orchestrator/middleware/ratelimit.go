// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// # Request Flow
//
//	Request
//	   │
//	   ▼
//	RequestID ──► assigns or propagates X-Request-Id
//	   │
//	   ▼
//	RequestLogger ──► one slog line per request
//	   │
//	   ▼
//	RateLimit (chat routes only) ──► 429 + Retry-After when the key is over budget
//	   │
//	   ▼
//	Handler
package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/ratelimit"
	"github.com/gin-gonic/gin"
)

// KeyFunc picks the limiter key for a request.
type KeyFunc func(c *gin.Context) string

// ClientIP keys by the client address as resolved by gin, which honours the
// engine's trusted proxy settings.
func ClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// RateLimit rejects requests whose key has exhausted the limiter's window.
//
// # Description
//
// A rejected request gets 429 with a Retry-After header (whole seconds) and
// {"error": ...}. Nothing downstream runs, so no session is created and
// nothing is persisted.
//
// # Inputs
//
//   - limiter: Sliding-window limiter. Must not be nil.
//   - keyFunc: Key extractor. Nil uses ClientIP.
//   - metrics: Counts rejections by limiter name. May be nil.
func RateLimit(limiter *ratelimit.SlidingWindow, keyFunc KeyFunc, metrics *observability.ChatMetrics) gin.HandlerFunc {
	if limiter == nil {
		panic("RateLimit: limiter must not be nil")
	}
	if keyFunc == nil {
		keyFunc = ClientIP
	}

	return func(c *gin.Context) {
		key := keyFunc(c)
		ok, retryAfter := limiter.Reserve(key)
		if ok {
			c.Next()
			return
		}

		secs := int(math.Ceil(retryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		metrics.RecordRateLimited(limiter.Name())
		slog.Warn("Request rate limited",
			"limiter", limiter.Name(),
			"path", c.FullPath(),
			"retry_after_s", secs,
			"request_id", GetRequestID(c),
		)
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, datatypes.ErrorResponse{
			Error: "Too many requests, please slow down.",
		})
	}
}
