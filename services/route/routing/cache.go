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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DecisionCache stores final routing results by cache key.
//
// Description:
//
//	A returned error means the cache could not be used; the orchestrator
//	logs it as ErrCacheUnavailable and computes the result fresh.
//
// Thread Safety: Implementations must be safe for concurrent use.
type DecisionCache interface {
	Get(ctx context.Context, key string) (*RoutingResult, bool, error)
	Put(ctx context.Context, key string, r *RoutingResult) error
}

// CacheKey derives the result cache key.
//
// Description:
//
//	SHA-256 over the normalized query, the domain name, the sorted field
//	names, and the configuration generation. A reload therefore never
//	serves results computed under the previous configuration.
func CacheKey(normalized, domain string, fields []string, generation uint64) string {
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|", normalized, domain)
	for _, f := range sorted {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	fmt.Fprintf(h, "|%d", generation)
	return hex.EncodeToString(h.Sum(nil))
}

// CacheStats is a point-in-time view of a ResultCache.
type CacheStats struct {
	Entries    int           `json:"entries"`
	MaxEntries int           `json:"max_entries"`
	TTL        time.Duration `json:"ttl_ns"`
	Hits       uint64        `json:"hits"`
	Misses     uint64        `json:"misses"`
	Expired    uint64        `json:"expired"`
	Evicted    uint64        `json:"evicted"`
}

type cacheEntry struct {
	result   *RoutingResult
	storedAt time.Time
}

// ResultCache is a bounded LRU of routing results with a per-entry TTL.
//
// Description:
//
//	Expired entries are dropped on read and by Sweep. Run sweeps on an
//	interval until its context is cancelled. Stored and returned results are
//	deep copies, so callers cannot alter cached state.
//
// Thread Safety: Safe for concurrent use.
type ResultCache struct {
	entries    *lru.Cache[string, cacheEntry]
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	hits    atomic.Uint64
	misses  atomic.Uint64
	expired atomic.Uint64
	evicted atomic.Uint64
}

// NewResultCache creates a cache holding at most maxEntries results for ttl.
func NewResultCache(maxEntries int, ttl time.Duration) (*ResultCache, error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("NewResultCache: maxEntries must be positive, got %d", maxEntries)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("NewResultCache: ttl must be positive, got %s", ttl)
	}
	entries, err := lru.New[string, cacheEntry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("NewResultCache: %w", err)
	}
	return &ResultCache{entries: entries, ttl: ttl, maxEntries: maxEntries, now: time.Now}, nil
}

// Get implements DecisionCache.
func (c *ResultCache) Get(_ context.Context, key string) (*RoutingResult, bool, error) {
	e, ok := c.entries.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, false, nil
	}
	if c.now().Sub(e.storedAt) >= c.ttl {
		c.remove(key)
		c.misses.Add(1)
		return nil, false, nil
	}
	c.hits.Add(1)
	return e.result.Clone(), true, nil
}

// Put implements DecisionCache.
func (c *ResultCache) Put(_ context.Context, key string, r *RoutingResult) error {
	if r == nil {
		return fmt.Errorf("ResultCache.Put: nil result")
	}
	if c.entries.Add(key, cacheEntry{result: r.Clone(), storedAt: c.now()}) {
		c.evicted.Add(1)
		cacheEventsTotal.WithLabelValues("evicted").Inc()
	}
	return nil
}

// Sweep removes expired entries and returns how many were removed.
func (c *ResultCache) Sweep() int {
	now := c.now()
	removed := 0
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if ok && now.Sub(e.storedAt) >= c.ttl {
			c.remove(key)
			removed++
		}
	}
	return removed
}

func (c *ResultCache) remove(key string) {
	if c.entries.Remove(key) {
		c.expired.Add(1)
		cacheEventsTotal.WithLabelValues("expired").Inc()
	}
}

// Run sweeps every interval until ctx is cancelled.
func (c *ResultCache) Run(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				logger.Debug("result cache: swept expired entries",
					slog.Int("removed", n),
					slog.Int("remaining", c.entries.Len()),
				)
			}
		}
	}
}

// Purge drops every entry.
func (c *ResultCache) Purge() {
	c.entries.Purge()
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *ResultCache) Len() int {
	return c.entries.Len()
}

// Stats returns current counters.
func (c *ResultCache) Stats() CacheStats {
	return CacheStats{
		Entries:    c.entries.Len(),
		MaxEntries: c.maxEntries,
		TTL:        c.ttl,
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Expired:    c.expired.Load(),
		Evicted:    c.evicted.Load(),
	}
}
