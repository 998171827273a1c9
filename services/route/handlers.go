// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package route exposes the query router over HTTP.
package route

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRoute/services/route/config"
	"github.com/AleutianAI/AleutianRoute/services/route/routing"
)

// ReadinessCheck reports whether a dependency is ready. A nil error means
// ready.
type ReadinessCheck func(ctx context.Context) error

// Handlers serves the /v1/route endpoints.
//
// Thread Safety: Safe for concurrent use. All mutable state lives in the
// orchestrator and the configuration store.
type Handlers struct {
	orchestrator *routing.Orchestrator
	store        *config.Store
	startedAt    time.Time

	checkNames []string
	checks     map[string]ReadinessCheck
}

// HandlerOption configures Handlers.
type HandlerOption func(*Handlers)

// WithReadinessCheck adds a named check to GET /v1/route/ready.
func WithReadinessCheck(name string, check ReadinessCheck) HandlerOption {
	return func(h *Handlers) {
		if check == nil {
			return
		}
		if _, ok := h.checks[name]; !ok {
			h.checkNames = append(h.checkNames, name)
		}
		h.checks[name] = check
	}
}

// NewHandlers creates handlers for orch.
func NewHandlers(orch *routing.Orchestrator, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		orchestrator: orch,
		store:        orch.Store(),
		startedAt:    time.Now(),
		checks:       make(map[string]ReadinessCheck),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// =============================================================================
// Routing
// =============================================================================

// HandleQuery handles POST /v1/route/query.
//
// Description:
//
//	Routes one query. Routing outcomes (including REJECT and CLARIFY) are
//	200 responses; the result's action and error_code say what happened.
//	Only malformed requests get a 4xx.
//
// Request Body:
//
//	QueryRequest
//
// Response:
//
//	200 OK: routing.RoutingResult
//	400 Bad Request: Malformed JSON or a field over its size limit
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleQuery(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleQuery")

	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Debug("invalid query request", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "invalid request: " + err.Error(),
			Code:      CodeInvalidRequest,
			RequestID: requestID,
		})
		return
	}

	ctx := routing.ContextWithRequestID(c.Request.Context(), requestID)
	result := h.orchestrator.Route(ctx, req.toRouting())

	logger.Debug("query routed",
		slog.String("action", string(result.Action)),
		slog.String("endpoint", result.EndpointID()),
		slog.Float64("confidence", result.Confidence),
		slog.Bool("cache_hit", result.CacheHit),
	)
	c.JSON(http.StatusOK, result)
}

// =============================================================================
// Catalog and domains
// =============================================================================

// HandleEndpoints handles GET /v1/route/endpoints.
//
// Response:
//
//	200 OK: EndpointsResponse, endpoints in priority order
func (h *Handlers) HandleEndpoints(c *gin.Context) {
	snap := h.store.Current()

	eps := make([]EndpointInfo, 0, len(snap.Catalog.Endpoints))
	for _, ep := range snap.Catalog.Endpoints {
		eps = append(eps, EndpointInfo{
			ID:                  ep.ID,
			Category:            ep.Category,
			Description:         ep.Description,
			TargetVariable:      ep.TargetVariable,
			Priority:            ep.Priority,
			ConfidenceThreshold: ep.ConfidenceThreshold,
			ContextCategories:   ep.ContextCategories,
		})
	}
	sort.SliceStable(eps, func(i, j int) bool { return eps[i].Priority < eps[j].Priority })

	c.JSON(http.StatusOK, EndpointsResponse{
		Version:    snap.Catalog.Version,
		Generation: snap.Generation,
		Endpoints:  eps,
	})
}

// HandleDomains handles GET /v1/route/domains.
func (h *Handlers) HandleDomains(c *gin.Context) {
	c.JSON(http.StatusOK, domainsResponse(h.store.Current()))
}

// HandleSwitchDomain handles PUT /v1/route/domains/active.
//
// Description:
//
//	Publishes a new snapshot whose active domain is the requested one.
//	In-flight requests finish on the snapshot they started with.
//
// Response:
//
//	200 OK: DomainsResponse for the new snapshot
//	400 Bad Request: Missing domain
//	404 Not Found: Domain not loaded
func (h *Handlers) HandleSwitchDomain(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSwitchDomain")

	var req SwitchDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     "domain is required",
			Code:      CodeInvalidRequest,
			RequestID: requestID,
		})
		return
	}

	snap, err := h.store.SwitchDomain(req.Domain)
	if err != nil {
		logger.Info("domain switch rejected",
			slog.String("domain", req.Domain),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     err.Error(),
			Code:      CodeUnknownDomain,
			RequestID: requestID,
		})
		return
	}
	c.JSON(http.StatusOK, domainsResponse(snap))
}

func domainsResponse(snap *config.Snapshot) DomainsResponse {
	resp := DomainsResponse{
		ActiveDomain: snap.ActiveDomain,
		Generation:   snap.Generation,
		Domains:      make([]DomainInfo, 0, len(snap.DomainOrder)),
	}
	for _, name := range snap.DomainOrder {
		info := DomainInfo{Name: name, Active: name == snap.ActiveDomain}
		if dc, ok := snap.Domains[name]; ok {
			info.Description = dc.Description
		}
		resp.Domains = append(resp.Domains, info)
	}
	return resp
}

// HandleReload handles POST /v1/route/reload.
//
// Description:
//
//	Reads the configuration source again and publishes the result. On
//	failure the previous snapshot keeps serving and 409 is returned with the
//	configuration error.
//
// Response:
//
//	200 OK: ReloadResponse
//	409 Conflict: The new configuration was rejected
func (h *Handlers) HandleReload(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleReload")

	snap, err := h.store.Reload(c.Request.Context())
	if err == nil {
		_, err = h.orchestrator.Tables()
	}
	if err != nil {
		logger.Warn("reload rejected", slog.String("error", err.Error()))
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:     err.Error(),
			Code:      CodeReloadFailed,
			RequestID: requestID,
		})
		return
	}

	c.JSON(http.StatusOK, ReloadResponse{
		Source:       snap.Source,
		Generation:   snap.Generation,
		Endpoints:    len(snap.Catalog.Endpoints),
		ActiveDomain: snap.ActiveDomain,
	})
}

// =============================================================================
// Health
// =============================================================================

// HandleHealth handles GET /v1/route/health. Always 200 while the process
// is serving.
func (h *Handlers) HandleHealth(c *gin.Context) {
	snap := h.store.Current()
	c.JSON(http.StatusOK, HealthResponse{
		Status:        "healthy",
		Generation:    snap.Generation,
		ActiveDomain:  snap.ActiveDomain,
		Source:        snap.Source,
		UptimeSeconds: time.Since(h.startedAt).Seconds(),
	})
}

// HandleReady handles GET /v1/route/ready.
//
// Description:
//
//	Ready when the routing tables for the current snapshot compile and
//	every registered readiness check passes.
//
// Response:
//
//	200 OK: ReadyResponse with every check "ok"
//	503 Service Unavailable: ReadyResponse naming the failing checks
func (h *Handlers) HandleReady(c *gin.Context) {
	resp := ReadyResponse{Ready: true, Checks: make(map[string]string, len(h.checks)+1)}

	if _, err := h.orchestrator.Tables(); err != nil {
		resp.Ready = false
		resp.Checks["tables"] = err.Error()
	} else {
		resp.Checks["tables"] = "ok"
	}

	for _, name := range h.checkNames {
		if err := h.checks[name](c.Request.Context()); err != nil {
			resp.Ready = false
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}
