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
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "request_id"

// maxRequestIDLen bounds client-supplied request IDs.
const maxRequestIDLen = 128

var httpRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "route",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code.",
	},
	[]string{"route", "code"},
)

var httpRequestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "route",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"route"},
)

// =============================================================================
// Request ID
// =============================================================================

// RequestIDMiddleware assigns every request an ID.
//
// Description:
//
//	Uses the client's X-Request-ID when present and reasonably short,
//	otherwise a new UUID. The ID is stored on the gin context and echoed in
//	the response header.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// getOrCreateRequestID returns the request ID set by RequestIDMiddleware, or
// creates one when the middleware is not installed.
func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetString(requestIDKey); id != "" {
		return id
	}
	id := c.GetHeader(RequestIDHeader)
	if id == "" || len(id) > maxRequestIDLen {
		id = uuid.NewString()
	}
	c.Set(requestIDKey, id)
	c.Header(RequestIDHeader, id)
	return id
}

// =============================================================================
// Metrics
// =============================================================================

// MetricsMiddleware records request counts and latency per route template.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(path, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}
}

// =============================================================================
// Rate limiting
// =============================================================================

// RateLimitConfig configures the per-client token bucket.
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained rate. Zero disables limiting.
	RequestsPerMinute int

	// Burst is the bucket size. Zero disables limiting.
	Burst int

	// EntryTTL drops idle clients. Default 15m.
	EntryTTL time.Duration

	// CleanupInterval is how often idle clients are swept. Default 5m.
	CleanupInterval time.Duration
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiter holds one token bucket per client key.
//
// Thread Safety: Safe for concurrent use.
type clientLimiter struct {
	mu              sync.Mutex
	limit           rate.Limit
	burst           int
	buckets         map[string]*clientBucket
	entryTTL        time.Duration
	cleanupInterval time.Duration
	lastCleanup     time.Time
	now             func() time.Time
}

func newClientLimiter(cfg RateLimitConfig) *clientLimiter {
	ttl := cfg.EntryTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	cleanup := cfg.CleanupInterval
	if cleanup <= 0 {
		cleanup = 5 * time.Minute
	}
	return &clientLimiter{
		limit:           rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute)),
		burst:           cfg.Burst,
		buckets:         make(map[string]*clientBucket),
		entryTTL:        ttl,
		cleanupInterval: cleanup,
		lastCleanup:     time.Now(),
		now:             time.Now,
	}
}

// reserve takes a token for key. When none is available it returns false and
// how long until one will be.
func (l *clientLimiter) reserve(key string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastCleanup) >= l.cleanupInterval {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.entryTTL {
				delete(l.buckets, k)
			}
		}
		l.lastCleanup = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	if b.limiter.AllowN(now, 1) {
		return true, 0
	}
	r := b.limiter.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, wait
}

// RateLimitMiddleware rejects clients that exceed cfg with 429.
//
// Description:
//
//	Clients are keyed by gin's ClientIP. Rejected responses carry a
//	Retry-After header in whole seconds. A zero rate or burst returns a
//	pass-through middleware.
func RateLimitMiddleware(cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.RequestsPerMinute <= 0 || cfg.Burst <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := newClientLimiter(cfg)
	return func(c *gin.Context) {
		ok, wait := limiter.reserve("ip:" + c.ClientIP())
		if ok {
			c.Next()
			return
		}
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
			Error:     "rate limit exceeded",
			Code:      CodeRateLimited,
			RequestID: getOrCreateRequestID(c),
		})
	}
}
