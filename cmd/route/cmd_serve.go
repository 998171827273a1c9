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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRoute/services/route"
	"github.com/AleutianAI/AleutianRoute/services/route/audit"
	"github.com/AleutianAI/AleutianRoute/services/route/config"
	"github.com/AleutianAI/AleutianRoute/services/route/embedding"
	"github.com/AleutianAI/AleutianRoute/services/route/routing"
	badgerstore "github.com/AleutianAI/AleutianRoute/services/route/storage/badger"
)

// shutdownTimeout bounds graceful shutdown of the HTTP server and exporters.
const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	addr            string
	debug           bool
	watch           bool
	requireSemantic bool
	rateLimitRPM    int
	rateLimitBurst  int
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the routing HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", ":8080", "listen address")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "gin debug mode and request logging")
	cmd.Flags().BoolVar(&opts.watch, "watch", true, "reload when files in a configuration directory change")
	cmd.Flags().BoolVar(&opts.requireSemantic, "require-semantic", false, "report not-ready until endpoint embeddings are warmed")
	cmd.Flags().IntVar(&opts.rateLimitRPM, "rate-limit-rpm", 600, "per-client requests per minute on /v1 (0 disables)")
	cmd.Flags().IntVar(&opts.rateLimitBurst, "rate-limit-burst", 60, "per-client burst on /v1")
	return cmd
}

// runServe wires the service and blocks until ctx is cancelled or the
// server fails.
func runServe(ctx context.Context, root *rootOptions, opts *serveOptions) error {
	logger := root.logger

	if opts.debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracing, err := setupTracing(ctx, root.getenv, os.Stderr, logger)
	if err != nil {
		logger.Warn("tracing disabled", slog.String("error", err.Error()))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracer shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// Configuration errors are fatal at startup.
	store, src, closer, err := root.loadStore(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	var routingOpts []routing.Option
	routingOpts = append(routingOpts, routing.WithLogger(logger))

	// Endpoint embeddings persist in BadgerDB when the cache directory is
	// usable; otherwise they live in memory only.
	var vectorStore routing.VectorStore
	if db := openVectorDB(root.getenv, logger); db != nil {
		defer func() {
			if err := db.Close(); err != nil {
				logger.Warn("failed to close routing cache BadgerDB", slog.String("error", err.Error()))
			}
		}()
		vectorStore = routing.NewBadgerVectorStore(db, 0, logger)
	}

	var semantic *routing.EmbeddingSemanticRouter
	emb, err := embedding.NewFromEnv(root.getenv)
	switch {
	case err != nil:
		logger.Warn("embedding provider misconfigured, semantic verification disabled", slog.String("error", err.Error()))
	case emb == nil:
		logger.Info("semantic verification disabled by EMBEDDING_PROVIDER")
	default:
		semantic = routing.NewEmbeddingSemanticRouter(emb, vectorStore, logger)
		routingOpts = append(routingOpts, routing.WithSemanticRouter(semantic))
		logger.Info("semantic verification enabled", slog.String("model", emb.Model()))
	}

	if influxCfg, ok := audit.InfluxConfigFromEnv(); ok {
		rec, err := audit.NewInfluxRecorder(influxCfg, logger)
		if err != nil {
			logger.Warn("decision audit disabled", slog.String("error", err.Error()))
		} else {
			defer rec.Close()
			routingOpts = append(routingOpts, routing.WithDecisionRecorder(rec))
			logger.Info("decision audit enabled",
				slog.String("url", influxCfg.URL),
				slog.String("bucket", influxCfg.Bucket),
			)
		}
	}

	orch, err := routing.NewOrchestrator(store, routingOpts...)
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}
	if _, err := orch.Tables(); err != nil {
		return fmt.Errorf("compile routing tables: %w", err)
	}

	go orch.RunCacheSweeper(ctx)

	if semantic != nil {
		go warmSemantic(ctx, semantic, store.Current().Catalog, logger)
	}

	if dir, ok := src.(*config.DirSource); ok && opts.watch {
		w, err := config.NewWatcher(store, dir.Dir, logger, config.WithReloadHook(func(snap *config.Snapshot, err error) {
			if err != nil {
				return
			}
			if _, err := orch.Tables(); err != nil {
				logger.Error("reloaded configuration does not compile", slog.String("error", err.Error()))
				return
			}
			if semantic != nil {
				go warmSemantic(ctx, semantic, snap.Catalog, logger)
			}
		}))
		if err == nil {
			err = w.Start(ctx)
		}
		if err != nil {
			logger.Warn("configuration watcher disabled", slog.String("error", err.Error()))
		} else {
			defer w.Stop()
		}
	}

	var handlerOpts []route.HandlerOption
	if semantic != nil && opts.requireSemantic {
		handlerOpts = append(handlerOpts, route.WithReadinessCheck("semantic", func(context.Context) error {
			if !semantic.IsWarmed(store.Current().Catalog) {
				return errors.New("endpoint embeddings not warmed")
			}
			return nil
		}))
	}

	router := route.NewRouter(route.NewHandlers(orch, handlerOpts...), route.RouterConfig{
		RateLimit: route.RateLimitConfig{
			RequestsPerMinute: opts.rateLimitRPM,
			Burst:             opts.rateLimitBurst,
		},
		AccessLog: opts.debug,
	})

	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting Aleutian Route server",
			slog.String("address", opts.addr),
			slog.String("version", version),
			slog.String("config_source", src.Name()),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down Aleutian Route server")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openVectorDB opens the routing cache BadgerDB from ROUTING_CACHE_DIR
// (default ~/.aleutian/cache/routing). Returns nil when unavailable.
func openVectorDB(getenv func(string) string, logger *slog.Logger) *badgerstore.DB {
	dir := getenv("ROUTING_CACHE_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		dir = filepath.Join(home, ".aleutian", "cache", "routing")
	}

	cfg := badgerstore.DefaultConfig()
	cfg.Path = dir
	db, err := badgerstore.OpenDB(cfg)
	if err != nil {
		logger.Warn("Routing cache BadgerDB unavailable, embedding persistence disabled",
			slog.String("path", dir),
			slog.String("error", err.Error()),
		)
		return nil
	}
	logger.Info("Routing cache BadgerDB opened", slog.String("path", dir))
	return db
}

// warmSemantic embeds the catalog's endpoints in the background. Failures
// leave semantic verification unavailable until the next attempt.
func warmSemantic(ctx context.Context, r *routing.EmbeddingSemanticRouter, cat *config.Catalog, logger *slog.Logger) {
	start := time.Now()
	wctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := r.Warm(wctx, cat); err != nil {
		logger.Warn("semantic warm-up failed", slog.String("error", err.Error()))
		return
	}
	logger.Info("semantic warm-up complete",
		slog.Int("endpoints", len(cat.Endpoints)),
		slog.Duration("duration", time.Since(start)),
	)
}
