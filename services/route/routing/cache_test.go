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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func routedResult(endpoint string) *RoutingResult {
	ep := endpoint
	return &RoutingResult{
		Success:        true,
		Endpoint:       &ep,
		Confidence:     0.8,
		Action:         ActionRoute,
		State:          StateRouted,
		Alternatives:   []Alternative{},
		LayersExecuted: []string{LayerScope, LayerClassifier},
	}
}

func TestNewResultCache_Validation(t *testing.T) {
	_, err := NewResultCache(0, time.Minute)
	assert.Error(t, err)
	_, err = NewResultCache(10, 0)
	assert.Error(t, err)
}

func TestResultCache_GetPut(t *testing.T) {
	ctx := context.Background()
	c, err := NewResultCache(10, time.Minute)
	require.NoError(t, err)

	_, hit, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, c.Put(ctx, "k", routedResult("/trend-analysis")))
	got, hit, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "/trend-analysis", got.EndpointID())

	t.Run("returned results are copies", func(t *testing.T) {
		*got.Endpoint = "/mutated"
		got.LayersExecuted[0] = "mutated"
		again, _, _ := c.Get(ctx, "k")
		assert.Equal(t, "/trend-analysis", again.EndpointID())
		assert.Equal(t, LayerScope, again.LayersExecuted[0])
	})

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(2), stats.Hits)

	assert.Error(t, c.Put(ctx, "nil", nil))
}

func TestResultCache_TTL(t *testing.T) {
	ctx := context.Background()
	c, err := NewResultCache(10, time.Minute)
	require.NoError(t, err)

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Put(ctx, "a", routedResult("/a")))
	require.NoError(t, c.Put(ctx, "b", routedResult("/b")))

	now = now.Add(30 * time.Second)
	_, hit, _ := c.Get(ctx, "a")
	assert.True(t, hit, "entry younger than ttl must hit")

	now = now.Add(time.Minute)
	_, hit, _ = c.Get(ctx, "a")
	assert.False(t, hit, "expired entry must miss")
	assert.Equal(t, 1, c.Len(), "expired entry is removed on read")

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(2), c.Stats().Expired)
}

func TestResultCache_Eviction(t *testing.T) {
	ctx := context.Background()
	c, err := NewResultCache(2, time.Hour)
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, "a", routedResult("/a")))
	require.NoError(t, c.Put(ctx, "b", routedResult("/b")))
	_, _, _ = c.Get(ctx, "a")
	require.NoError(t, c.Put(ctx, "c", routedResult("/c")))

	_, hit, _ := c.Get(ctx, "b")
	assert.False(t, hit, "least recently used entry is evicted")
	_, hit, _ = c.Get(ctx, "a")
	assert.True(t, hit)
	assert.Equal(t, uint64(1), c.Stats().Evicted)

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestResultCache_RunStopsOnCancel(t *testing.T) {
	c, err := NewResultCache(4, time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Millisecond, nil)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCacheKey(t *testing.T) {
	base := CacheKey("show trends", "tax_services", []string{"b", "a"}, 1)

	assert.Equal(t, base, CacheKey("show trends", "tax_services", []string{"a", "b"}, 1), "field order must not matter")
	assert.NotEqual(t, base, CacheKey("show trends", "tax_services", []string{"a", "b"}, 2), "generation is part of the key")
	assert.NotEqual(t, base, CacheKey("show trends", "other", []string{"a", "b"}, 1))
	assert.NotEqual(t, base, CacheKey("show trends", "tax_services", nil, 1))
	assert.Len(t, base, 64)
}
