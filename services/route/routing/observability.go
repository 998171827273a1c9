// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// routingTracerName is the OTel tracer name for the routing pipeline.
const routingTracerName = "aleutian.route.routing"

// routingTracer returns the tracer from the current global provider.
func routingTracer() trace.Tracer {
	return otel.Tracer(routingTracerName)
}

// Package-level Prometheus metrics. Auto-registered via promauto.
var (
	// requestsTotal counts routed requests.
	//
	// Labels:
	//   - action: ROUTE, ROUTE_WITH_ALTERNATIVES, CLARIFY, REJECT
	//   - source: "pipeline", "cache", "fallback"
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "route",
			Subsystem: "routing",
			Name:      "requests_total",
			Help:      "Total routing requests by action and result source.",
		},
		[]string{"action", "source"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "route",
			Subsystem: "routing",
			Name:      "request_duration_seconds",
			Help:      "End-to-end routing latency in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 3},
		},
		[]string{"source"},
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "route",
			Subsystem: "routing",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each routing stage in seconds.",
			Buckets:   []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.1, 1, 3},
		},
		[]string{"stage"},
	)

	// stageErrorsTotal counts stage failures that sent a request to the
	// fallback chain.
	//
	// Labels:
	//   - stage: the failing stage
	//   - kind: "error", "panic", "transition"
	stageErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "route",
			Subsystem: "routing",
			Name:      "stage_errors_total",
			Help:      "Stage failures by stage and kind.",
		},
		[]string{"stage", "kind"},
	)

	// cacheEventsTotal counts result cache events.
	//
	// Labels:
	//   - event: "hit", "miss", "store", "expired", "evicted", "error"
	cacheEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "route",
			Subsystem: "cache",
			Name:      "events_total",
			Help:      "Result cache events.",
		},
		[]string{"event"},
	)

	// semanticOutcomesTotal counts semantic stage outcomes.
	//
	// Labels:
	//   - outcome: "agreed", "disagreed", "adopted", "timeout", "unavailable", "absent"
	semanticOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "route",
			Subsystem: "semantic",
			Name:      "outcomes_total",
			Help:      "Semantic verification outcomes.",
		},
		[]string{"outcome"},
	)

	semanticDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "route",
			Subsystem: "semantic",
			Name:      "call_duration_seconds",
			Help:      "Duration of semantic router calls in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		},
	)

	fallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "route",
			Subsystem: "routing",
			Name:      "fallback_total",
			Help:      "Requests answered by a fallback stage.",
		},
		[]string{"stage"},
	)

	configGeneration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "route",
			Subsystem: "config",
			Name:      "generation",
			Help:      "Generation of the configuration snapshot the router last compiled.",
		},
	)
)

// recordRequest records metrics for a finished request.
func recordRequest(r *RoutingResult, source string, d time.Duration) {
	requestsTotal.WithLabelValues(string(r.Action), source).Inc()
	requestDuration.WithLabelValues(source).Observe(d.Seconds())
}

// semanticOutcome maps a semantic router error to a metric label.
func semanticOutcome(err error) string {
	switch {
	case err == nil:
		return "absent"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "unavailable"
	}
}

// truncateForLog shortens s for log output, cutting at a word boundary when
// one is reasonably close.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	truncated := s[:maxLen]
	if lastSpace := strings.LastIndex(truncated, " "); lastSpace > maxLen/2 {
		truncated = truncated[:lastSpace]
	}
	return truncated + "..."
}
