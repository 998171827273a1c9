// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package route

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandleGetCacheStats handles GET /v1/route/debug/cache.
//
// Description:
//
//	Returns result cache counters. Used for QA debugging to confirm that
//	repeated queries are served from cache and that reloads invalidate it.
//
// Response:
//
//	200 OK: CacheResponse with stats
//	404 Not Found: The built-in result cache is not in use
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleGetCacheStats(c *gin.Context) {
	stats, ok := h.orchestrator.CacheStats()
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "result cache is disabled",
			Code:  CodeCacheDisabled,
		})
		return
	}
	c.JSON(http.StatusOK, CacheResponse{Enabled: true, Stats: &stats})
}

// HandlePurgeCache handles DELETE /v1/route/debug/cache.
//
// Response:
//
//	200 OK: CacheResponse with purged=true
//	404 Not Found: The built-in result cache is not in use
func (h *Handlers) HandlePurgeCache(c *gin.Context) {
	requestID := getOrCreateRequestID(c)

	if !h.orchestrator.PurgeCache() {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     "result cache is disabled",
			Code:      CodeCacheDisabled,
			RequestID: requestID,
		})
		return
	}
	slog.Info("result cache purged", slog.String("request_id", requestID))
	c.JSON(http.StatusOK, CacheResponse{Enabled: true, Purged: true})
}
