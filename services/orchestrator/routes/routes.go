// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/notify"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/ratelimit"
	"github.com/AleutianAI/AleutianFolio/services/orchestrator/services"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies carries everything the routes need.
//
//   - Chat: Chat pipeline. Required.
//   - Notifier: Direct contact form. Nil leaves /api/notifications unregistered.
//   - ChatLimiter: Per-IP gate on POST /api/chat. Nil disables it.
//   - Metrics: Handler metrics. May be nil.
//   - Gatherer: Source for /metrics. Nil uses the default registry.
//   - HealthProbes: Dependency checks for /health.
type Dependencies struct {
	Chat         *services.ChatService
	Notifier     *notify.Service
	ChatLimiter  *ratelimit.SlidingWindow
	Metrics      *observability.ChatMetrics
	Gatherer     prometheus.Gatherer
	HealthProbes map[string]handlers.HealthProbe
}

// SetupRoutes registers every public route on router.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	router.GET("/health", handlers.HealthCheck(deps.HealthProbes))

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	{
		chat := api.Group("/chat")
		{
			chatHandler := handlers.NewChatHandler(deps.Chat, deps.Metrics)
			turn := []gin.HandlerFunc{chatHandler.HandleChatStream}
			if deps.ChatLimiter != nil {
				turn = append([]gin.HandlerFunc{middleware.RateLimit(deps.ChatLimiter, middleware.ClientIP, deps.Metrics)}, turn...)
			}
			chat.POST("", turn...)
			chat.POST("/session", handlers.CreateSession(deps.Chat))
			chat.GET("/session/:sessionId", handlers.GetSessionHistory(deps.Chat))
		}

		if deps.Notifier != nil {
			api.POST("/notifications", handlers.SubmitNotification(deps.Notifier))
		}
		api.GET("/search", handlers.Search(deps.Chat, deps.Metrics))
	}
}
