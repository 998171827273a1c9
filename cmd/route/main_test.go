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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianRoute/services/route/routing"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

// execute runs the root command with args and returns stdout and stderr.
func execute(t *testing.T, env map[string]string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(envFrom(env))
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "warn")
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", slog.String("k", "v"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &rec), "non-terminal output is JSON")
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "v", rec["k"])

	_, err = newLogger(&buf, "loud")
	assert.Error(t, err)
}

func TestTracingExporter(t *testing.T) {
	tests := []struct {
		env  map[string]string
		want string
	}{
		{env: nil, want: exporterNone},
		{env: map[string]string{"ROUTE_TRACE_STDOUT": "1"}, want: exporterStdout},
		{env: map[string]string{"ROUTE_TRACE_STDOUT": "false"}, want: exporterNone},
		{env: map[string]string{"OTEL_EXPORTER_OTLP_ENDPOINT": "localhost:4317"}, want: exporterOTLP},
		{env: map[string]string{"ROUTE_TRACE_STDOUT": "true", "OTEL_EXPORTER_OTLP_ENDPOINT": "localhost:4317"}, want: exporterStdout},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tracingExporter(envFrom(tt.env)), "%v", tt.env)
	}
}

func TestSetupTracing_Stdout(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	shutdown, err := setupTracing(context.Background(), envFrom(map[string]string{"ROUTE_TRACE_STDOUT": "1"}), &buf, logger)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "stdout-span")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "stdout-span")
	assert.Contains(t, buf.String(), "aleutian-route")
}

func TestSetupTracing_NoExporter(t *testing.T) {
	prev := otel.GetTracerProvider()
	shutdown, err := setupTracing(context.Background(), envFrom(nil), io.Discard, slog.Default())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, prev, otel.GetTracerProvider(), "no provider is installed without an exporter")
}

func TestQueryCommand_JSON(t *testing.T) {
	stdout, _, err := execute(t, nil, "query", "--json", "Show", "me", "demographic", "insights", "for", "tax", "preparation", "services")
	require.NoError(t, err)

	var res routing.RoutingResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &res), stdout)
	assert.Equal(t, routing.ActionRoute, res.Action)
	assert.Equal(t, "/demographic-insights", res.EndpointID())
	assert.Equal(t, 0.86, res.Confidence)
}

func TestQueryCommand_Rendered(t *testing.T) {
	stdout, _, err := execute(t, nil, "query", "What's the weather forecast for tomorrow?")
	require.NoError(t, err)

	assert.Contains(t, stdout, "Routing decision")
	assert.Contains(t, stdout, "REJECT")
	assert.Contains(t, stdout, routing.ErrorCodeOutOfScope)
	assert.Contains(t, stdout, "none")
}

func TestQueryCommand_RequiresText(t *testing.T) {
	_, _, err := execute(t, nil, "query")
	assert.Error(t, err)
}

func TestEndpointsCommand(t *testing.T) {
	stdout, _, err := execute(t, nil, "endpoints")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Endpoint catalog")
	assert.Contains(t, stdout, "/demographic-insights")
	assert.Contains(t, stdout, "/analyze")
}

func TestValidateCommand(t *testing.T) {
	t.Run("embedded defaults", func(t *testing.T) {
		stdout, _, err := execute(t, nil, "validate")
		require.NoError(t, err)
		assert.Contains(t, stdout, "OK")
		assert.Contains(t, stdout, "embedded")
		assert.Contains(t, stdout, "tax_services")
	})

	brokenDir := func(t *testing.T) string {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "routing.yaml"), []byte("scope: [unterminated"), 0o644))
		return dir
	}

	t.Run("broken directory via flag", func(t *testing.T) {
		_, _, err := execute(t, nil, "validate", "--config-dir", brokenDir(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configuration invalid")
	})

	t.Run("broken directory via environment", func(t *testing.T) {
		_, _, err := execute(t, map[string]string{"ROUTE_CONFIG_DIR": brokenDir(t)}, "validate")
		require.Error(t, err)
	})

	t.Run("missing directory", func(t *testing.T) {
		_, _, err := execute(t, nil, "validate", "--config-dir", filepath.Join(t.TempDir(), "absent"))
		require.Error(t, err)
	})
}

func TestRootCommand_InvalidLogLevel(t *testing.T) {
	_, _, err := execute(t, nil, "--log-level", "loud", "endpoints")
	assert.Error(t, err)
}
