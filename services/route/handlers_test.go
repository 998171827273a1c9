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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRoute/services/route/config"
	"github.com/AleutianAI/AleutianRoute/services/route/routing"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// brokenCatalogSource serves the embedded defaults except for a malformed
// endpoint catalog.
type brokenCatalogSource struct {
	broken bool
}

func (s *brokenCatalogSource) Name() string { return "test" }

func (s *brokenCatalogSource) ReadFile(ctx context.Context, name string) ([]byte, error) {
	if s.broken && name == config.CatalogDocument {
		return []byte("endpoints: [unterminated"), nil
	}
	return config.NewEmbeddedSource().ReadFile(ctx, name)
}

type testServer struct {
	router *gin.Engine
	orch   *routing.Orchestrator
	store  *config.Store
	source *brokenCatalogSource
}

func newTestServer(t *testing.T, cfg RouterConfig, opts ...HandlerOption) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	src := &brokenCatalogSource{}
	snap, err := config.LoadSnapshot(context.Background(), src)
	require.NoError(t, err)

	store := config.NewStore(snap, src, logger)
	orch, err := routing.NewOrchestrator(store, routing.WithLogger(logger))
	require.NoError(t, err)

	cfg.DisableTracing = true
	return &testServer{
		router: NewRouter(NewHandlers(orch, opts...), cfg),
		orch:   orch,
		store:  store,
		source: src,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// =============================================================================
// POST /v1/route/query
// =============================================================================

func TestHandleQuery_Routes(t *testing.T) {
	s := newTestServer(t, RouterConfig{})

	w := s.do(t, http.MethodPost, "/v1/route/query",
		QueryRequest{Query: "Show me demographic insights for tax preparation services"},
		RequestIDHeader, "req-123")

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))

	r := decode[routing.RoutingResult](t, w)
	assert.True(t, r.Success)
	assert.Equal(t, routing.ActionRoute, r.Action)
	assert.Equal(t, "/demographic-insights", r.EndpointID())
	assert.Equal(t, 0.86, r.Confidence)
	assert.Equal(t, "req-123", r.RequestID)
	assert.NotEmpty(t, r.LayersExecuted)
}

func TestHandleQuery_RejectIsNotAnHTTPError(t *testing.T) {
	s := newTestServer(t, RouterConfig{})

	w := s.do(t, http.MethodPost, "/v1/route/query",
		QueryRequest{Query: "What's the weather forecast for tomorrow?"})

	require.Equal(t, http.StatusOK, w.Code)
	r := decode[routing.RoutingResult](t, w)
	assert.False(t, r.Success)
	assert.Equal(t, routing.ActionReject, r.Action)
	assert.Nil(t, r.Endpoint)
	assert.Equal(t, routing.ErrorCodeOutOfScope, r.ErrorCode)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader), "a request ID is generated when none is sent")
}

func TestHandleQuery_EmptyQueryClarifies(t *testing.T) {
	s := newTestServer(t, RouterConfig{})

	w := s.do(t, http.MethodPost, "/v1/route/query", `{"query": ""}`)

	require.Equal(t, http.StatusOK, w.Code)
	r := decode[routing.RoutingResult](t, w)
	assert.Equal(t, routing.ActionClarify, r.Action)
}

func TestHandleQuery_AcceptsCamelCaseFieldNames(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	q := "growth trend across neighborhoods"

	plain := decode[routing.RoutingResult](t, s.do(t, http.MethodPost, "/v1/route/query", QueryRequest{Query: q}))
	snake := decode[routing.RoutingResult](t, s.do(t, http.MethodPost, "/v1/route/query",
		`{"query": "growth trend across neighborhoods", "dataset_field_names": ["total_population"]}`))
	camel := decode[routing.RoutingResult](t, s.do(t, http.MethodPost, "/v1/route/query",
		`{"query": "growth trend across neighborhoods", "datasetFieldNames": ["total_population"]}`))

	assert.Equal(t, snake.EndpointID(), camel.EndpointID())
	assert.Equal(t, snake.Confidence, camel.Confidence)
	assert.True(t, camel.CacheHit, "both spellings produce the same cache key")
	assert.False(t, plain.CacheHit)
}

func TestHandleQuery_BadRequests(t *testing.T) {
	s := newTestServer(t, RouterConfig{})

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"query":`},
		{name: "wrong type", body: `{"query": 42}`},
		{name: "query too long", body: `{"query": "` + strings.Repeat("a", 5000) + `"}`},
		{name: "too many hints", body: `{"query": "x", "hints": ["1","2","3","4","5","6","7","8","9","10","11","12","13","14","15","16","17"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/v1/route/query", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			resp := decode[ErrorResponse](t, w)
			assert.Equal(t, CodeInvalidRequest, resp.Code)
			assert.NotEmpty(t, resp.RequestID)
		})
	}
}

// =============================================================================
// Catalog, domains, reload
// =============================================================================

func TestHandleEndpoints(t *testing.T) {
	s := newTestServer(t, RouterConfig{})

	w := s.do(t, http.MethodGet, "/v1/route/endpoints", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[EndpointsResponse](t, w)
	assert.Len(t, resp.Endpoints, len(s.store.Current().Catalog.Endpoints))
	assert.NotEmpty(t, resp.Version)
	for i := 1; i < len(resp.Endpoints); i++ {
		assert.LessOrEqual(t, resp.Endpoints[i-1].Priority, resp.Endpoints[i].Priority)
	}
}

func TestHandleDomains_ListAndSwitch(t *testing.T) {
	s := newTestServer(t, RouterConfig{})

	w := s.do(t, http.MethodGet, "/v1/route/domains", nil)
	require.Equal(t, http.StatusOK, w.Code)
	before := decode[DomainsResponse](t, w)
	assert.Equal(t, "tax_services", before.ActiveDomain)
	require.Len(t, before.Domains, 1)
	assert.True(t, before.Domains[0].Active)

	w = s.do(t, http.MethodPut, "/v1/route/domains/active", SwitchDomainRequest{Domain: "tax_services"})
	require.Equal(t, http.StatusOK, w.Code)
	after := decode[DomainsResponse](t, w)
	assert.Equal(t, "tax_services", after.ActiveDomain)
	assert.Greater(t, after.Generation, before.Generation)
}

func TestHandleSwitchDomain_Errors(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	gen := s.store.Current().Generation

	w := s.do(t, http.MethodPut, "/v1/route/domains/active", SwitchDomainRequest{Domain: "real_estate"})
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeUnknownDomain, decode[ErrorResponse](t, w).Code)

	w = s.do(t, http.MethodPut, "/v1/route/domains/active", `{}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, gen, s.store.Current().Generation, "failed switches publish nothing")
}

func TestHandleReload(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	gen := s.store.Current().Generation

	w := s.do(t, http.MethodPost, "/v1/route/reload", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[ReloadResponse](t, w)
	assert.Equal(t, gen+1, resp.Generation)
	assert.Equal(t, "test", resp.Source)
	assert.Equal(t, "tax_services", resp.ActiveDomain)
}

func TestHandleReload_FailureKeepsSnapshot(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	prev := s.store.Current()
	s.source.broken = true

	w := s.do(t, http.MethodPost, "/v1/route/reload", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeReloadFailed, decode[ErrorResponse](t, w).Code)
	assert.Same(t, prev, s.store.Current())

	w = s.do(t, http.MethodPost, "/v1/route/query",
		QueryRequest{Query: "Show me demographic insights for tax preparation services"})
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[routing.RoutingResult](t, w)
	assert.Equal(t, "/demographic-insights", res.EndpointID())
}

// =============================================================================
// Health and readiness
// =============================================================================

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, RouterConfig{})

	w := s.do(t, http.MethodGet, "/v1/route/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "tax_services", resp.ActiveDomain)
	assert.Equal(t, "test", resp.Source)
}

func TestHandleReady(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		s := newTestServer(t, RouterConfig{},
			WithReadinessCheck("semantic", func(context.Context) error { return nil }))

		w := s.do(t, http.MethodGet, "/v1/route/ready", nil)
		require.Equal(t, http.StatusOK, w.Code)
		resp := decode[ReadyResponse](t, w)
		assert.True(t, resp.Ready)
		assert.Equal(t, map[string]string{"tables": "ok", "semantic": "ok"}, resp.Checks)
	})

	t.Run("failing check", func(t *testing.T) {
		s := newTestServer(t, RouterConfig{},
			WithReadinessCheck("semantic", func(context.Context) error { return errors.New("vectors not warmed") }))

		w := s.do(t, http.MethodGet, "/v1/route/ready", nil)
		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		resp := decode[ReadyResponse](t, w)
		assert.False(t, resp.Ready)
		assert.Equal(t, "ok", resp.Checks["tables"])
		assert.Equal(t, "vectors not warmed", resp.Checks["semantic"])
	})
}

// =============================================================================
// Debug cache
// =============================================================================

func TestCacheDebugEndpoints(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	body := QueryRequest{Query: "Show me income distribution across neighborhoods"}

	s.do(t, http.MethodPost, "/v1/route/query", body)
	second := decode[routing.RoutingResult](t, s.do(t, http.MethodPost, "/v1/route/query", body))
	assert.True(t, second.CacheHit)

	w := s.do(t, http.MethodGet, "/v1/route/debug/cache", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[CacheResponse](t, w)
	require.NotNil(t, stats.Stats)
	assert.Equal(t, 1, stats.Stats.Entries)
	assert.Equal(t, uint64(1), stats.Stats.Hits)

	w = s.do(t, http.MethodDelete, "/v1/route/debug/cache", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[CacheResponse](t, w).Purged)

	third := decode[routing.RoutingResult](t, s.do(t, http.MethodPost, "/v1/route/query", body))
	assert.False(t, third.CacheHit)
}

// =============================================================================
// Middleware
// =============================================================================

func TestRateLimitMiddleware(t *testing.T) {
	s := newTestServer(t, RouterConfig{RateLimit: RateLimitConfig{RequestsPerMinute: 1, Burst: 2}})

	for i := 0; i < 2; i++ {
		w := s.do(t, http.MethodGet, "/v1/route/health", nil)
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := s.do(t, http.MethodGet, "/v1/route/health", nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, CodeRateLimited, decode[ErrorResponse](t, w).Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	w = s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code, "/metrics is outside the limited group")
}

func TestClientLimiter_IdleClientsExpire(t *testing.T) {
	l := newClientLimiter(RateLimitConfig{
		RequestsPerMinute: 1,
		Burst:             1,
		EntryTTL:          time.Minute,
		CleanupInterval:   time.Second,
	})
	now := time.Now()
	l.now = func() time.Time { return now }

	ok, _ := l.reserve("a")
	require.True(t, ok)
	ok, wait := l.reserve("a")
	require.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))

	now = now.Add(2 * time.Minute)
	ok, _ = l.reserve("b")
	require.True(t, ok)
	assert.NotContains(t, l.buckets, "a")
}

func TestRequestIDMiddleware_RejectsOversizedIDs(t *testing.T) {
	s := newTestServer(t, RouterConfig{})

	w := s.do(t, http.MethodGet, "/v1/route/health", nil, RequestIDHeader, strings.Repeat("x", 500))
	id := w.Header().Get(RequestIDHeader)
	assert.NotEmpty(t, id)
	assert.Less(t, len(id), 100)
}

func TestRecovery_ReturnsJSON(t *testing.T) {
	router := gin.New()
	router.Use(gin.CustomRecovery(recoverJSON))
	router.Use(RequestIDMiddleware())
	router.GET("/boom", func(*gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, CodeInternal, decode[ErrorResponse](t, w).Code)
}

func TestMetricsMiddleware_CountsByRouteTemplate(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	counter := httpRequestsTotal.WithLabelValues("/v1/route/health", "200")
	before := testutil.ToFloat64(counter)

	s.do(t, http.MethodGet, "/v1/route/health", nil)
	s.do(t, http.MethodGet, "/v1/route/health", nil)

	assert.Equal(t, before+2, testutil.ToFloat64(counter))

	s.do(t, http.MethodPost, "/v1/route/query", QueryRequest{Query: "tax stuff please"})
	w := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "route_http_requests_total")
	assert.Contains(t, w.Body.String(), "route_routing_requests_total")
}
