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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRoute/services/route/config"
	badgerstore "github.com/AleutianAI/AleutianRoute/services/route/storage/badger"
)

// anchorEmbedder embeds text as counts of a few anchor stems. Documents
// without any anchor get a zero vector and are skipped by warm-up.
type anchorEmbedder struct {
	anchors []string
	model   string
	calls   atomic.Int64
	fail    atomic.Bool
}

func newAnchorEmbedder() *anchorEmbedder {
	return &anchorEmbedder{anchors: []string{"hotspot", "trend", "persona"}, model: "anchor-test"}
}

func (e *anchorEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.fail.Load() {
		return nil, errors.New("embedding backend down")
	}
	vec := make([]float32, len(e.anchors))
	for _, tok := range Tokenize(text) {
		for i, a := range e.anchors {
			if tok == a {
				vec[i]++
			}
		}
	}
	return vec, nil
}

func (e *anchorEmbedder) Model() string { return e.model }

func openTestDB(t *testing.T) *badgerstore.DB {
	t.Helper()
	db, err := badgerstore.OpenDB(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEmbeddingSemanticRouter_WarmAndEnhance(t *testing.T) {
	tables := mustTables(t)
	emb := newAnchorEmbedder()
	r := NewEmbeddingSemanticRouter(emb, nil, nil)

	require.NoError(t, r.Warm(context.Background(), tables.Snapshot.Catalog))
	assert.True(t, r.IsWarmed(tables.Snapshot.Catalog))

	tests := []struct {
		query string
		want  string
	}{
		{"where are the hotspots", "/spatial-clusters"},
		{"is the trend rising", "/trend-analysis"},
		{"build a persona", "/customer-profile"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			v, err := r.Enhance(context.Background(), NewQuery(tt.query), Decision{}, tables)
			require.NoError(t, err)
			require.NotNil(t, v)
			assert.Equal(t, tt.want, v.Endpoint)
			assert.InDelta(t, 1.0, v.Confidence, 1e-6)
		})
	}

	t.Run("zero query vector is unavailable", func(t *testing.T) {
		_, err := r.Enhance(context.Background(), NewQuery("market share"), Decision{}, tables)
		assert.ErrorIs(t, err, ErrSemanticUnavailable)
	})

	t.Run("embedder failure is unavailable", func(t *testing.T) {
		emb.fail.Store(true)
		defer emb.fail.Store(false)
		_, err := r.Enhance(context.Background(), NewQuery("hotspots"), Decision{}, tables)
		assert.ErrorIs(t, err, ErrSemanticUnavailable)
	})
}

func TestEmbeddingSemanticRouter_WarmIsIdempotent(t *testing.T) {
	cat := loadDefaultSnapshot(t).Catalog
	emb := newAnchorEmbedder()
	r := NewEmbeddingSemanticRouter(emb, nil, nil)

	require.NoError(t, r.Warm(context.Background(), cat))
	first := emb.calls.Load()
	assert.Equal(t, int64(len(cat.Endpoints)), first)

	require.NoError(t, r.Warm(context.Background(), cat))
	assert.Equal(t, first, emb.calls.Load(), "second warm-up must not re-embed")
}

func TestEmbeddingSemanticRouter_WarmFailsWhenNothingEmbeds(t *testing.T) {
	cat := loadDefaultSnapshot(t).Catalog
	emb := newAnchorEmbedder()
	emb.fail.Store(true)
	r := NewEmbeddingSemanticRouter(emb, nil, nil)

	err := r.Warm(context.Background(), cat)
	assert.ErrorIs(t, err, ErrSemanticUnavailable)
	assert.False(t, r.IsWarmed(cat))
}

func TestEmbeddingSemanticRouter_EnhanceWarmsInBackground(t *testing.T) {
	tables := mustTables(t)
	r := NewEmbeddingSemanticRouter(newAnchorEmbedder(), nil, nil)

	_, err := r.Enhance(context.Background(), NewQuery("hotspots"), Decision{}, tables)
	assert.ErrorIs(t, err, ErrSemanticUnavailable)

	assert.Eventually(t, func() bool {
		return r.IsWarmed(tables.Snapshot.Catalog)
	}, 5*time.Second, 10*time.Millisecond)

	v, err := r.Enhance(context.Background(), NewQuery("hotspots"), Decision{}, tables)
	require.NoError(t, err)
	assert.Equal(t, "/spatial-clusters", v.Endpoint)
}

func TestEmbeddingSemanticRouter_LoadsFromStore(t *testing.T) {
	cat := loadDefaultSnapshot(t).Catalog
	store := NewBadgerVectorStore(openTestDB(t), time.Hour, nil)

	first := NewEmbeddingSemanticRouter(newAnchorEmbedder(), store, nil)
	require.NoError(t, first.Warm(context.Background(), cat))

	// The second router's embedder cannot embed; warm-up must come from the store.
	emb := newAnchorEmbedder()
	emb.fail.Store(true)
	second := NewEmbeddingSemanticRouter(emb, store, nil)
	require.NoError(t, second.Warm(context.Background(), cat))
	assert.True(t, second.IsWarmed(cat))
	assert.Equal(t, int64(0), emb.calls.Load())
}

func TestBadgerVectorStore(t *testing.T) {
	ctx := context.Background()
	store := NewBadgerVectorStore(openTestDB(t), 0, nil)

	got, err := store.LoadVectors(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	want := map[string][]float32{
		"/trend-analysis":   {0, 1, 0},
		"/spatial-clusters": {1, 0, 0},
	}
	require.NoError(t, store.SaveVectors(ctx, "abc", want))
	got, err = store.LoadVectors(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, store.SaveVectors(ctx, "empty", nil))
	got, err = store.LoadVectors(ctx, "empty")
	require.NoError(t, err)
	assert.Nil(t, got)

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := store.LoadVectors(cctx, "abc")
		assert.Error(t, err)
	})
}

func TestCorpusHash(t *testing.T) {
	cat := loadDefaultSnapshot(t).Catalog
	h := corpusHash(cat, "m1")
	assert.Len(t, h, 64)
	assert.NotEqual(t, h, corpusHash(cat, "m2"), "model is part of the hash")

	reversed := &config.Catalog{Version: cat.Version}
	for i := len(cat.Endpoints) - 1; i >= 0; i-- {
		reversed.Endpoints = append(reversed.Endpoints, cat.Endpoints[i])
	}
	assert.Equal(t, h, corpusHash(reversed, "m1"), "endpoint order must not matter")

	changed := &config.Catalog{Version: cat.Version, Endpoints: append([]config.EndpointDefinition(nil), cat.Endpoints...)}
	changed.Endpoints[0].Description += " Updated."
	assert.NotEqual(t, h, corpusHash(changed, "m1"))
}

func TestNoOpSemanticRouter(t *testing.T) {
	v, err := NoOpSemanticRouter{}.Enhance(context.Background(), NewQuery("x"), Decision{}, nil)
	assert.NoError(t, err)
	assert.Nil(t, v)
}
