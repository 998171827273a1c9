// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit records routing decisions for offline analysis.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/AleutianRoute/services/route/routing"
)

// Measurement is the InfluxDB measurement routing decisions are written to.
const Measurement = "routing_decision"

// NoopRecorder discards every decision.
type NoopRecorder struct{}

// Record implements routing.DecisionRecorder.
func (NoopRecorder) Record(context.Context, *routing.RoutingResult) {}

// InfluxConfig configures an InfluxRecorder.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string

	// BatchSize is the number of points buffered before a write. Default 100.
	BatchSize uint

	// FlushInterval is the maximum time a point waits in the buffer. Default 1s.
	FlushInterval time.Duration
}

// InfluxConfigFromEnv reads INFLUX_URL, INFLUX_TOKEN, INFLUX_ORG and
// INFLUX_BUCKET. The second result is false when INFLUX_URL is unset.
func InfluxConfigFromEnv() (InfluxConfig, bool) {
	cfg := InfluxConfig{
		URL:    os.Getenv("INFLUX_URL"),
		Token:  os.Getenv("INFLUX_TOKEN"),
		Org:    os.Getenv("INFLUX_ORG"),
		Bucket: os.Getenv("INFLUX_BUCKET"),
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "routing"
	}
	return cfg, cfg.URL != ""
}

// InfluxRecorder writes one point per routing decision to InfluxDB.
//
// Description:
//
//	Points go through the client's non-blocking WriteAPI, which batches and
//	retries in the background, so Record never waits on the network. Write
//	errors are logged from a background goroutine.
//
//	Tags: action, endpoint, domain, scope, source. Fields: confidence,
//	processing_time_ms, cache_hit, fallback, semantic_used,
//	semantic_agreed, config_generation, request_id.
//
// Thread Safety: Safe for concurrent use.
type InfluxRecorder struct {
	client influxdb2.Client
	writer api.WriteAPI
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewInfluxRecorder creates a recorder. Close flushes pending points.
func NewInfluxRecorder(cfg InfluxConfig, logger *slog.Logger) (*InfluxRecorder, error) {
	if cfg.URL == "" {
		return nil, errors.New("NewInfluxRecorder: URL is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("NewInfluxRecorder: bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}

	opts := influxdb2.DefaultOptions().
		SetBatchSize(cfg.BatchSize).
		SetFlushInterval(uint(cfg.FlushInterval.Milliseconds()))
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	writer := client.WriteAPI(cfg.Org, cfg.Bucket)
	r := &InfluxRecorder{
		client: client,
		writer: writer,
		logger: logger,
		done:   make(chan struct{}),
	}
	// Errors must be subscribed before the first write.
	go r.logErrors(writer.Errors())
	return r, nil
}

// Record implements routing.DecisionRecorder.
func (r *InfluxRecorder) Record(_ context.Context, res *routing.RoutingResult) {
	if res == nil {
		return
	}
	r.writer.WritePoint(decisionPoint(res, time.Now()))
}

// Flush sends buffered points.
func (r *InfluxRecorder) Flush() {
	r.writer.Flush()
}

// Close flushes pending points and releases the client. Safe to call twice.
func (r *InfluxRecorder) Close() {
	r.closeOnce.Do(func() {
		r.writer.Flush()
		r.client.Close()
		close(r.done)
	})
}

func (r *InfluxRecorder) logErrors(errs <-chan error) {
	for {
		select {
		case <-r.done:
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			r.logger.Warn("decision audit write failed", slog.String("error", err.Error()))
		}
	}
}

// decisionPoint maps a result to its audit point.
func decisionPoint(res *routing.RoutingResult, ts time.Time) *write.Point {
	source := "pipeline"
	switch {
	case res.CacheHit:
		source = "cache"
	case res.Fallback:
		source = "fallback"
	}
	endpoint := res.EndpointID()
	if endpoint == "" {
		endpoint = "none"
	}

	fields := map[string]interface{}{
		"confidence":         res.Confidence,
		"processing_time_ms": res.ProcessingTimeMs,
		"cache_hit":          res.CacheHit,
		"fallback":           res.Fallback,
		"alternatives":       len(res.Alternatives),
		"config_generation":  int64(res.Generation),
	}
	if res.RequestID != "" {
		fields["request_id"] = res.RequestID
	}
	if sv := res.SemanticVerification; sv != nil {
		fields["semantic_used"] = sv.Used
		fields["semantic_agreed"] = sv.Agreed
	}

	return influxdb2.NewPoint(Measurement,
		map[string]string{
			"action":   string(res.Action),
			"endpoint": endpoint,
			"domain":   res.Domain,
			"scope":    string(res.Scope),
			"source":   source,
		},
		fields,
		ts,
	)
}
