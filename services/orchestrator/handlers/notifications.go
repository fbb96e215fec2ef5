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
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/notify"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/ratelimit"
	"github.com/gin-gonic/gin"
)

// SubmitNotification serves POST /api/notifications, the direct contact form.
//
// # Description
//
// The request passes through the same notifier as the in-chat inquiry flow,
// so the per-email limit is shared between both entry points.
//
// # Responses
//
//   - 200 {success: true, email_id}
//   - 400 {error} for an invalid body
//   - 429 {error} with Retry-After when the address is over its limit
//   - 500 {error} when the provider failed
func SubmitNotification(notifier *notify.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.NotificationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
			return
		}

		resp, err := notifier.Submit(c.Request.Context(), req, notify.SourceDirect)
		if err != nil {
			var rlErr *ratelimit.RateLimitError
			switch {
			case errors.Is(err, notify.ErrInvalidInquiry):
				c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: describeValidationError(err)})
			case errors.As(err, &rlErr):
				setRetryAfter(c, rlErr)
				c.JSON(http.StatusTooManyRequests, datatypes.ErrorResponse{Error: "too many messages from this address, please try again later"})
			default:
				slog.Error("direct notification failed", "error", err)
				c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to send notification"})
			}
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// setRetryAfter writes the Retry-After header in whole seconds, at least 1.
func setRetryAfter(c *gin.Context, rlErr *ratelimit.RateLimitError) {
	secs := int(math.Ceil(rlErr.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
}
