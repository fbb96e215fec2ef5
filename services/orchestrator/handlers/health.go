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
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthProbe reports whether one dependency is usable.
type HealthProbe func(ctx context.Context) error

// healthTimeout bounds the whole probe run.
const healthTimeout = 3 * time.Second

// HealthCheck serves GET /health. With no probes it reports the process as
// healthy; otherwise every probe runs and any failure turns the response
// into 503 "degraded".
func HealthCheck(probes map[string]HealthProbe) gin.HandlerFunc {
	names := make([]string, 0, len(probes))
	for name := range probes {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()

		status := "healthy"
		code := http.StatusOK
		checks := make(map[string]string, len(names))
		for _, name := range names {
			if err := probes[name](ctx); err != nil {
				slog.Warn("health probe failed", "dependency", name, "error", err)
				checks[name] = "unavailable"
				status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		c.JSON(code, gin.H{"status": status, "checks": checks})
	}
}
