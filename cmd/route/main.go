// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command route runs and inspects the Aleutian query router.
//
// Usage:
//
//	route serve [--addr :8080]
//	route query "Show me income distribution across neighborhoods" [--json]
//	route endpoints
//	route validate --config-dir ./config
//
// Configuration is read from --config-dir, then ROUTE_CONFIG_DIR, then the
// defaults compiled into the binary. A gs://bucket/prefix location reads
// from Google Cloud Storage.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRoute/services/route/config"
	"github.com/AleutianAI/AleutianRoute/services/route/routing"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// rootOptions holds flags shared by every command.
type rootOptions struct {
	configDir string
	logLevel  string
	getenv    func(string) string
	logger    *slog.Logger
}

func main() {
	if err := newRootCmd(os.Getenv).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(getenv func(string) string) *cobra.Command {
	opts := &rootOptions{getenv: getenv}

	root := &cobra.Command{
		Use:           "route",
		Short:         "Route natural-language analytics questions to API endpoints",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), opts.logLevel)
			if err != nil {
				return err
			}
			opts.logger = logger
			slog.SetDefault(logger)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configDir, "config-dir", "",
		"configuration directory or gs://bucket/prefix (default $ROUTE_CONFIG_DIR, then built-in defaults)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(
		newServeCmd(opts),
		newQueryCmd(opts),
		newEndpointsCmd(opts),
		newValidateCmd(opts),
	)

	return root
}

// =============================================================================
// Logging
// =============================================================================

// newLogger returns a text logger when w is a terminal and a JSON logger
// otherwise.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	if isTerminal(w) {
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, hopts)), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// =============================================================================
// Configuration
// =============================================================================

// configLocation resolves the configuration location from the flag and
// environment.
func (o *rootOptions) configLocation() string {
	if o.configDir != "" {
		return o.configDir
	}
	return strings.TrimSpace(o.getenv("ROUTE_CONFIG_DIR"))
}

// loadStore reads a snapshot from the configured location and wraps it in a
// store that reloads from the same source. The returned closer releases the
// source and may be nil.
func (o *rootOptions) loadStore(ctx context.Context) (*config.Store, config.Source, io.Closer, error) {
	src, closer, err := config.OpenSource(ctx, o.configLocation())
	if err != nil {
		return nil, nil, nil, err
	}
	snap, err := config.LoadSnapshot(ctx, src)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, nil, nil, err
	}
	return config.NewStore(snap, src, o.logger), src, closer, nil
}

// newOrchestrator loads configuration and builds an orchestrator with opts.
func (o *rootOptions) newOrchestrator(ctx context.Context, opts ...routing.Option) (*routing.Orchestrator, io.Closer, error) {
	store, _, closer, err := o.loadStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	orch, err := routing.NewOrchestrator(store, append([]routing.Option{routing.WithLogger(o.logger)}, opts...)...)
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, nil, err
	}
	return orch, closer, nil
}
