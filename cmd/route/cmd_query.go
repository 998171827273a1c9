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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRoute/services/route/config"
	"github.com/AleutianAI/AleutianRoute/services/route/embedding"
	"github.com/AleutianAI/AleutianRoute/services/route/routing"
)

type queryOptions struct {
	domain   string
	fields   []string
	hints    []string
	asJSON   bool
	semantic bool
}

func newQueryCmd(root *rootOptions) *cobra.Command {
	opts := &queryOptions{}
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Route one query and print the decision",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), root, opts, strings.Join(args, " "), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.domain, "domain", "", "domain to route in (default: the active domain)")
	cmd.Flags().StringSliceVar(&opts.fields, "fields", nil, "dataset field names, comma separated")
	cmd.Flags().StringSliceVar(&opts.hints, "hint", nil, "prior conversation snippet (repeatable)")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the full result as JSON")
	cmd.Flags().BoolVar(&opts.semantic, "semantic", false, "enable semantic verification using EMBEDDING_PROVIDER")
	return cmd
}

func runQuery(ctx context.Context, root *rootOptions, opts *queryOptions, text string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		extra []routing.Option
		sem   *routing.EmbeddingSemanticRouter
	)
	if opts.semantic {
		emb, err := embedding.NewFromEnv(root.getenv)
		if err != nil {
			return err
		}
		if emb != nil {
			sem = routing.NewEmbeddingSemanticRouter(emb, nil, root.logger)
			extra = append(extra, routing.WithSemanticRouter(sem))
		}
	}

	orch, closer, err := root.newOrchestrator(ctx, extra...)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	if sem != nil {
		warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := sem.Warm(warmCtx, orch.Store().Current().Catalog)
		cancel()
		if err != nil {
			root.logger.Warn("semantic warm-up failed, routing without it", slog.String("error", err.Error()))
		}
	}

	result := orch.Route(ctx, routing.Request{
		Query:             text,
		Domain:            opts.domain,
		DatasetFieldNames: opts.fields,
		Hints:             opts.hints,
	})

	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	newRenderer(out).result(result)
	return nil
}

func newEndpointsCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "endpoints",
		Short: "List the endpoint catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			store, _, closer, err := root.loadStore(ctx)
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer.Close()
			}
			snap := store.Current()

			eps := append([]config.EndpointDefinition(nil), snap.Catalog.Endpoints...)
			sort.SliceStable(eps, func(i, j int) bool { return eps[i].Priority < eps[j].Priority })

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(eps)
			}
			newRenderer(cmd.OutOrStdout()).endpoints(snap, eps)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the catalog as JSON")
	return cmd
}

func newValidateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and compile the configuration, reporting the first error",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			store, src, closer, err := root.loadStore(ctx)
			if err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			if closer != nil {
				defer closer.Close()
			}
			t, err := routing.Compile(store.Current())
			if err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			snap := store.Current()
			newRenderer(cmd.OutOrStdout()).valid(src.Name(), snap, t.NumEndpoints())
			return nil
		},
	}
}
