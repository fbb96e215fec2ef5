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
	"io"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/AleutianFolio/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/services"
	"github.com/gin-gonic/gin"
)

// CreateSession resolves or mints a session. An empty body is allowed.
// Posting an existing id returns the same id.
func CreateSession(svc *services.ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.SessionRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: describeValidationError(err)})
			return
		}

		sessionID, err := svc.EnsureSession(c.Request.Context(), req.SessionID)
		if err != nil {
			slog.Error("failed to resolve session", "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: sanitizeErrorForClient(err.Error())})
			return
		}
		c.JSON(http.StatusOK, datatypes.SessionResponse{SessionID: sessionID})
	}
}

// GetSessionHistory returns the ordered transcript of a session.
func GetSessionHistory(svc *services.ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")

		msgs, err := svc.History(c.Request.Context(), sessionID)
		if errors.Is(err, conversation.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "session not found"})
			return
		}
		if err != nil {
			slog.Error("failed to load session history", "session_id", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: sanitizeErrorForClient(err.Error())})
			return
		}
		c.JSON(http.StatusOK, datatypes.NewHistoryResponse(msgs))
	}
}
