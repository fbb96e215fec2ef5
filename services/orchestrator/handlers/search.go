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
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/retrieval"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/services"
	"github.com/gin-gonic/gin"
)

// maxSearchLimit caps ?limit= on /api/search.
const maxSearchLimit = 20

// Search serves GET /api/search?q=&limit=. Results are not rewritten and are
// filtered at the search floor, which is stricter than the chat floor.
func Search(svc *services.ChatService, metrics *observability.ChatMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		endpoint := observability.EndpointSearch

		query := strings.TrimSpace(c.Query("q"))
		if query == "" {
			metrics.RecordError(endpoint, observability.ErrorCodeValidation)
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "q is required"})
			return
		}
		if len([]rune(query)) > datatypes.MaxChatMessageChars {
			metrics.RecordError(endpoint, observability.ErrorCodeValidation)
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "q must be at most 1000 characters"})
			return
		}

		limit := retrieval.DefaultTopK
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > maxSearchLimit {
				metrics.RecordError(endpoint, observability.ErrorCodeValidation)
				c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "limit must be between 1 and 20"})
				return
			}
			limit = n
		}

		results, err := svc.Search(c.Request.Context(), query, limit)
		if err != nil {
			slog.Error("search failed", "error", err)
			metrics.RecordError(endpoint, observability.ErrorCodeRetrieval)
			metrics.RecordRequest(endpoint, observability.OutcomeError)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: sanitizeErrorForClient(err.Error())})
			return
		}
		metrics.RecordRequest(endpoint, observability.OutcomeCompleted)
		c.JSON(http.StatusOK, datatypes.SearchResponse{Query: query, Results: results})
	}
}
