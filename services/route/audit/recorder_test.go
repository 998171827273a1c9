// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRoute/services/route/routing"
)

func sampleResult() *routing.RoutingResult {
	ep := "/demographic-insights"
	return &routing.RoutingResult{
		Success:          true,
		Endpoint:         &ep,
		Confidence:       0.84,
		Scope:            routing.ScopeInScope,
		Action:           routing.ActionRoute,
		Domain:           "tax_services",
		ProcessingTimeMs: 1.5,
		RequestID:        "req-1",
		Generation:       3,
		Alternatives:     []routing.Alternative{},
		SemanticVerification: &routing.SemanticVerification{
			Used:   true,
			Agreed: true,
		},
	}
}

func TestDecisionPoint(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	line := write.PointToLineProtocol(decisionPoint(sampleResult(), ts), time.Nanosecond)

	assert.True(t, strings.HasPrefix(line, Measurement+","), line)
	for _, want := range []string{
		"action=ROUTE",
		"endpoint=/demographic-insights",
		"domain=tax_services",
		"scope=in_scope",
		"source=pipeline",
		"confidence=0.84",
		"semantic_agreed=true",
		`request_id="req-1"`,
		"config_generation=3i",
	} {
		assert.Contains(t, line, want)
	}
}

func TestDecisionPoint_RejectAndCache(t *testing.T) {
	r := &routing.RoutingResult{Action: routing.ActionReject, Scope: routing.ScopeOutOfScope, CacheHit: true}
	line := write.PointToLineProtocol(decisionPoint(r, time.Now()), time.Nanosecond)
	assert.Contains(t, line, "endpoint=none")
	assert.Contains(t, line, "source=cache")
	assert.NotContains(t, line, "semantic_used")
}

func TestInfluxRecorder_WritesPoints(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
		query  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/write" {
			http.NotFound(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		query = r.URL.RawQuery
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rec, err := NewInfluxRecorder(InfluxConfig{
		URL:    srv.URL,
		Token:  "token",
		Org:    "aleutian",
		Bucket: "routing",
	}, nil)
	require.NoError(t, err)

	rec.Record(context.Background(), sampleResult())
	rec.Record(context.Background(), nil)
	rec.Close()
	rec.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) > 0
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	joined := strings.Join(bodies, "\n")
	assert.Equal(t, 1, strings.Count(joined, Measurement+","))
	assert.Contains(t, joined, "endpoint=/demographic-insights")
	assert.Contains(t, query, "bucket=routing")
	assert.Contains(t, query, "org=aleutian")
}

func TestNewInfluxRecorder_Validation(t *testing.T) {
	_, err := NewInfluxRecorder(InfluxConfig{Bucket: "b"}, nil)
	assert.Error(t, err)
	_, err = NewInfluxRecorder(InfluxConfig{URL: "http://localhost:8086"}, nil)
	assert.Error(t, err)
}

func TestInfluxConfigFromEnv(t *testing.T) {
	t.Setenv("INFLUX_URL", "")
	_, ok := InfluxConfigFromEnv()
	assert.False(t, ok)

	t.Setenv("INFLUX_URL", "http://influx:8086")
	t.Setenv("INFLUX_BUCKET", "")
	cfg, ok := InfluxConfigFromEnv()
	assert.True(t, ok)
	assert.Equal(t, "routing", cfg.Bucket)
}

func TestNoopRecorder(t *testing.T) {
	var r routing.DecisionRecorder = NoopRecorder{}
	r.Record(context.Background(), sampleResult())
}
