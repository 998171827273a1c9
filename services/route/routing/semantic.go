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
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianRoute/services/route/config"
)

// =============================================================================
// Capability Interfaces
// =============================================================================

// SemanticVerdict is the semantic layer's independent pick.
type SemanticVerdict struct {
	// Endpoint is the endpoint whose description is closest to the query.
	Endpoint string

	// Confidence is the cosine similarity of that endpoint, in [0,1].
	Confidence float64
}

// SemanticRouter cross-checks a hybrid decision with embeddings.
//
// Description:
//
//	Enhance returns (nil, nil) when the capability is absent; that is a
//	missed enhancement, not an error. A returned error is logged by the
//	caller and the hybrid result stands.
//
// Thread Safety: Implementations must be safe for concurrent use.
type SemanticRouter interface {
	Enhance(ctx context.Context, q *Query, d Decision, t *Tables) (*SemanticVerdict, error)
}

// Embedder produces a fixed-length vector for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Model names the embedding model; part of the vector cache key.
	Model() string
}

// NoOpSemanticRouter is the SemanticRouter used when no embedder is configured.
type NoOpSemanticRouter struct{}

// Enhance implements SemanticRouter.
func (NoOpSemanticRouter) Enhance(context.Context, *Query, Decision, *Tables) (*SemanticVerdict, error) {
	return nil, nil
}

// =============================================================================
// EmbeddingSemanticRouter
// =============================================================================

// semanticWarmConcurrency bounds parallel embedding calls during warm-up.
const semanticWarmConcurrency = 8

type endpointVectors struct {
	hash    string
	vectors map[string][]float32
}

// EmbeddingSemanticRouter scores a query against precomputed endpoint
// description embeddings.
//
// Description:
//
//	Warm embeds one document per endpoint (id words, description, signature
//	terms) in parallel, stores unit vectors, and persists them through the
//	optional VectorStore keyed by the corpus hash. Enhance embeds the query
//	and returns the endpoint with the highest cosine similarity.
//
//	When the catalog changes (new corpus hash) Enhance starts a background
//	warm-up for the new catalog and reports ErrSemanticUnavailable until it
//	completes. Concurrent warm-ups for the same hash are coalesced.
//
// Thread Safety: Safe for concurrent use.
type EmbeddingSemanticRouter struct {
	embedder Embedder
	store    VectorStore
	logger   *slog.Logger

	current atomic.Pointer[endpointVectors]
	warming singleflight.Group

	// warmTimeout bounds background warm-ups.
	warmTimeout time.Duration
}

// NewEmbeddingSemanticRouter creates an unwarmed router. store may be nil.
func NewEmbeddingSemanticRouter(embedder Embedder, store VectorStore, logger *slog.Logger) *EmbeddingSemanticRouter {
	if embedder == nil {
		panic("NewEmbeddingSemanticRouter: embedder must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EmbeddingSemanticRouter{
		embedder:    embedder,
		store:       store,
		logger:      logger,
		warmTimeout: 2 * time.Minute,
	}
}

// IsWarmed reports whether vectors are loaded for cat.
func (r *EmbeddingSemanticRouter) IsWarmed(cat *config.Catalog) bool {
	cur := r.current.Load()
	return cur != nil && cur.hash == corpusHash(cat, r.embedder.Model())
}

// Warm embeds every endpoint of cat, or loads the vectors from the store.
//
// Description:
//
//	Individual endpoint failures are logged and skipped. If no endpoint
//	could be embedded the router stays unwarmed and an error is returned.
//
// Inputs:
//
//	ctx - Cancels pending embedding calls.
//	cat - The catalog to embed.
//
// Outputs:
//
//	error - Non-nil if nothing could be embedded.
func (r *EmbeddingSemanticRouter) Warm(ctx context.Context, cat *config.Catalog) error {
	hash := corpusHash(cat, r.embedder.Model())
	_, err, _ := r.warming.Do(hash, func() (any, error) {
		if cur := r.current.Load(); cur != nil && cur.hash == hash {
			return nil, nil
		}
		return nil, r.warm(ctx, cat, hash)
	})
	return err
}

func (r *EmbeddingSemanticRouter) warm(ctx context.Context, cat *config.Catalog, hash string) error {
	if r.store != nil {
		cached, err := r.store.LoadVectors(ctx, hash)
		if err != nil {
			r.logger.Warn("semantic router: vector store load failed, embedding catalog",
				slog.String("error", err.Error()),
			)
		} else if len(cached) > 0 {
			r.current.Store(&endpointVectors{hash: hash, vectors: cached})
			r.logger.Info("semantic router: loaded endpoint vectors from store",
				slog.Int("endpoints", len(cached)),
				slog.String("corpus_hash", shortHash(hash)),
			)
			return nil
		}
	}

	start := time.Now()
	results := make([][]float32, len(cat.Endpoints))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(semanticWarmConcurrency)
	for i := range cat.Endpoints {
		ep := &cat.Endpoints[i]
		g.Go(func() error {
			vec, err := r.embedder.Embed(gctx, embeddingDocument(ep))
			if err != nil {
				r.logger.Warn("semantic router: failed to embed endpoint",
					slog.String("endpoint", ep.ID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			results[i] = unit(vec)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("semantic router warm-up: %w", err)
	}

	vectors := make(map[string][]float32, len(results))
	for i, v := range results {
		if v != nil {
			vectors[cat.Endpoints[i].ID] = v
		}
	}
	if len(vectors) == 0 {
		return fmt.Errorf("semantic router warm-up: %w: no endpoint could be embedded", ErrSemanticUnavailable)
	}
	r.current.Store(&endpointVectors{hash: hash, vectors: vectors})
	r.logger.Info("semantic router: warm-up complete",
		slog.Int("embedded", len(vectors)),
		slog.Int("requested", len(cat.Endpoints)),
		slog.Duration("duration", time.Since(start)),
	)

	if r.store != nil {
		if err := r.store.SaveVectors(ctx, hash, vectors); err != nil {
			r.logger.Warn("semantic router: failed to persist vectors",
				slog.String("error", err.Error()),
				slog.String("corpus_hash", shortHash(hash)),
			)
		}
	}
	return nil
}

// Enhance implements SemanticRouter.
func (r *EmbeddingSemanticRouter) Enhance(ctx context.Context, q *Query, _ Decision, t *Tables) (*SemanticVerdict, error) {
	cat := t.Snapshot.Catalog
	hash := corpusHash(cat, r.embedder.Model())
	cur := r.current.Load()
	if cur == nil || cur.hash != hash {
		go func() {
			wctx, cancel := context.WithTimeout(context.Background(), r.warmTimeout)
			defer cancel()
			if err := r.Warm(wctx, cat); err != nil {
				r.logger.Warn("semantic router: background warm-up failed", slog.String("error", err.Error()))
			}
		}()
		return nil, fmt.Errorf("%w: endpoint vectors not warmed", ErrSemanticUnavailable)
	}

	qv, err := r.embedder.Embed(ctx, q.Normalized)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSemanticUnavailable, err)
	}
	qu := unit(qv)
	if qu == nil {
		return nil, fmt.Errorf("%w: zero query vector", ErrSemanticUnavailable)
	}

	// Catalog order makes equal similarities resolve deterministically.
	best, bestSim := "", -1.0
	for i := range cat.Endpoints {
		id := cat.Endpoints[i].ID
		v, ok := cur.vectors[id]
		if !ok {
			continue
		}
		if sim := float64(dot(qu, v)); sim > bestSim {
			best, bestSim = id, sim
		}
	}
	if best == "" {
		return nil, nil
	}
	return &SemanticVerdict{Endpoint: best, Confidence: clamp(bestSim, 0, 1)}, nil
}

// embeddingDocument is the text embedded for an endpoint.
func embeddingDocument(ep *config.EndpointDefinition) string {
	name := strings.ReplaceAll(strings.TrimPrefix(ep.ID, "/"), "-", " ")
	parts := []string{name}
	if ep.Description != "" {
		parts = append(parts, ep.Description)
	}
	parts = append(parts, strings.Join(ep.Signature.AllTerms(), ", "))
	return strings.Join(parts, ". ")
}

func unit(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return nil
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / float32(norm)
	}
	return out
}

func dot(a, b []float32) float32 {
	n := min(len(a), len(b))
	var sum float32
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
