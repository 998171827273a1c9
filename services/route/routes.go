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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// ServiceName is the OTel service and server name.
const ServiceName = "aleutian-route"

// RegisterRoutes registers all Route routes with the router.
//
// Description:
//
//	Registers all /v1/route/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	POST   /v1/route/query - Route one query
//	GET    /v1/route/endpoints - List catalog endpoints
//	GET    /v1/route/domains - List loaded domains
//	PUT    /v1/route/domains/active - Switch the active domain
//	POST   /v1/route/reload - Reload configuration
//	GET    /v1/route/health - Health check
//	GET    /v1/route/ready - Readiness check
//	GET    /v1/route/debug/cache - Result cache stats
//	DELETE /v1/route/debug/cache - Purge the result cache
//
// Example:
//
//	handlers := route.NewHandlers(orch)
//
//	v1 := router.Group("/v1")
//	route.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	r := rg.Group("/route")
	{
		r.POST("/query", handlers.HandleQuery)

		r.GET("/endpoints", handlers.HandleEndpoints)
		r.GET("/domains", handlers.HandleDomains)
		r.PUT("/domains/active", handlers.HandleSwitchDomain)
		r.POST("/reload", handlers.HandleReload)

		r.GET("/health", handlers.HandleHealth)
		r.GET("/ready", handlers.HandleReady)

		debug := r.Group("/debug")
		{
			debug.GET("/cache", handlers.HandleGetCacheStats)
			debug.DELETE("/cache", handlers.HandlePurgeCache)
		}
	}
}

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// RateLimit applies to /v1 routes only. The zero value disables it.
	RateLimit RateLimitConfig

	// DisableTracing skips the otelgin middleware.
	DisableTracing bool

	// AccessLog adds gin's request logger.
	AccessLog bool
}

// NewRouter builds the gin engine for the route service.
//
// Description:
//
//	Installs recovery, request IDs, HTTP metrics, and (unless disabled)
//	otelgin tracing on every route. /metrics serves the Prometheus default
//	registry. The /v1 group is rate limited per client.
//
// Outputs:
//
//	*gin.Engine - Ready to serve. Caller sets gin mode beforehand.
func NewRouter(handlers *Handlers, cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.CustomRecovery(recoverJSON))
	router.Use(RequestIDMiddleware())
	router.Use(MetricsMiddleware())
	if !cfg.DisableTracing {
		router.Use(otelgin.Middleware(ServiceName))
	}
	if cfg.AccessLog {
		router.Use(gin.Logger())
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(RateLimitMiddleware(cfg.RateLimit))
	RegisterRoutes(v1, handlers)

	return router
}

func recoverJSON(c *gin.Context, recovered any) {
	requestID := getOrCreateRequestID(c)
	slog.Error("handler panic",
		slog.String("request_id", requestID),
		slog.String("path", c.Request.URL.Path),
		slog.Any("panic", recovered),
	)
	c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
		Error:     "internal error",
		Code:      CodeInternal,
		RequestID: requestID,
	})
}
