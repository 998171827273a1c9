// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/AleutianRoute/services/route"
)

// Tracing exporters selected by setupTracing.
const (
	exporterNone   = "none"
	exporterStdout = "stdout"
	exporterOTLP   = "otlp"
)

// tracingExporter picks the exporter from the environment.
//
//	ROUTE_TRACE_STDOUT=1           pretty-printed spans on stderr
//	OTEL_EXPORTER_OTLP_ENDPOINT    OTLP over gRPC (the exporter reads the
//	                               remaining OTEL_* variables itself)
//	neither                        spans are not exported
func tracingExporter(getenv func(string) string) string {
	switch v := strings.ToLower(strings.TrimSpace(getenv("ROUTE_TRACE_STDOUT"))); {
	case v != "" && v != "0" && v != "false":
		return exporterStdout
	case strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT")) != "":
		return exporterOTLP
	default:
		return exporterNone
	}
}

// setupTracing installs the W3C propagator and, when an exporter is
// configured, a global tracer provider.
//
// Outputs:
//
//	func(context.Context) error - Flushes and stops the provider. Never nil.
//	error - Non-nil if the exporter could not be created.
func setupTracing(ctx context.Context, getenv func(string) string, stderr io.Writer, logger *slog.Logger) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	noop := func(context.Context) error { return nil }

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	kind := tracingExporter(getenv)
	switch kind {
	case exporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(stderr), stdouttrace.WithPrettyPrint())
	case exporterOTLP:
		exporter, err = otlptracegrpc.New(ctx)
	default:
		return noop, nil
	}
	if err != nil {
		return noop, fmt.Errorf("setupTracing: %s exporter: %w", kind, err)
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			attribute.String("service.name", route.ServiceName),
			attribute.String("service.version", version),
		),
	)
	if err != nil {
		logger.Warn("partial telemetry resource", slog.String("error", err.Error()))
	}
	if res == nil {
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", slog.String("exporter", kind))
	return tp.Shutdown, nil
}
