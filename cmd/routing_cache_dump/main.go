// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// routing_cache_dump inspects the router's endpoint embedding cache.
//
// The route service persists one unit vector per catalog endpoint in
// BadgerDB, keyed by a hash of the catalog and embedding model. This tool
// opens the cache read-only and prints each vector set: corpus hash, TTL
// remaining, and per-endpoint dimensions, norm, and a short sample.
//
// Usage:
//
//	routing_cache_dump [--path /path/to/routing/cache]
//
// If --path is not given, reads ROUTING_CACHE_DIR from the environment,
// falling back to ~/.aleutian/cache/routing/.
//
// Exit codes:
//
//	0 - success (including an empty or missing cache)
//	1 - error opening or reading the database
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianRoute/services/route/routing"
	badgerstore "github.com/AleutianAI/AleutianRoute/services/route/storage/badger"
)

func main() {
	pathFlag := flag.String("path", "", "Path to routing BadgerDB directory (overrides ROUTING_CACHE_DIR env var)")
	flag.Parse()

	dbPath := *pathFlag
	if dbPath == "" {
		dbPath = os.Getenv("ROUTING_CACHE_DIR")
	}
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fatalf("cannot resolve home directory: %v", err)
		}
		dbPath = filepath.Join(home, ".aleutian", "cache", "routing")
	}

	fmt.Printf("Routing cache path: %s\n", dbPath)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("Cache directory does not exist. The service has not yet written any embedding vectors.")
		fmt.Println("Start the route service with an embedding provider configured to populate it.")
		os.Exit(0)
	}

	cfg := badgerstore.DefaultConfig()
	cfg.Path = dbPath
	cfg.ReadOnly = true
	db, err := badgerstore.OpenDB(cfg)
	if err != nil {
		fatalf("open BadgerDB at %s: %v", dbPath, err)
	}
	defer func() { _ = db.Close() }()

	entries, err := readEntries(context.Background(), db)
	if err != nil {
		fatalf("read BadgerDB: %v", err)
	}
	printEntries(os.Stdout, entries, time.Now())
	fmt.Printf("Cache path: %s\n", dbPath)
}

// vectorSet is one persisted corpus entry.
type vectorSet struct {
	key        string
	corpusHash string
	expiresAt  time.Time
	vectors    map[string][]float32
	rawSize    int
	decodeErr  error
}

// readEntries collects every vector set under routing.VectorKeyPrefix.
func readEntries(ctx context.Context, db *badgerstore.DB) ([]vectorSet, error) {
	var entries []vectorSet
	err := db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(routing.VectorKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.Key())
			e := vectorSet{
				key:        key,
				corpusHash: strings.TrimPrefix(key, routing.VectorKeyPrefix),
			}
			// ExpiresAt is Unix seconds; 0 means no expiry.
			if exp := item.ExpiresAt(); exp > 0 {
				e.expiresAt = time.Unix(int64(exp), 0)
			}

			raw, err := item.ValueCopy(nil)
			if err != nil {
				e.decodeErr = fmt.Errorf("copy value: %w", err)
				entries = append(entries, e)
				continue
			}
			e.rawSize = len(raw)
			e.vectors, e.decodeErr = routing.DecodeVectors(raw)
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

func printEntries(w io.Writer, entries []vectorSet, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "\nNo routing cache entries found.")
		fmt.Fprintln(w, "The service has not finished an embedding warm-up, or the embedding provider was unavailable.")
		return
	}

	rule := strings.Repeat("─", 80)
	fmt.Fprintf(w, "\nFound %d vector set%s:\n%s\n", len(entries), plural(len(entries)), rule)

	for i, e := range entries {
		fmt.Fprintf(w, "\n[%d] Key:         %s\n", i+1, e.key)
		fmt.Fprintf(w, "    Corpus hash: %s\n", e.corpusHash)
		fmt.Fprintf(w, "    TTL:         %s\n", formatTTL(e.expiresAt, now))
		fmt.Fprintf(w, "    Raw size:    %s\n", formatBytes(e.rawSize))

		if e.decodeErr != nil {
			fmt.Fprintf(w, "    DECODE ERROR: %v\n", e.decodeErr)
			continue
		}
		fmt.Fprintf(w, "    Endpoints:   %d vectors\n", len(e.vectors))

		ids := make([]string, 0, len(e.vectors))
		width := len("Endpoint")
		for id := range e.vectors {
			ids = append(ids, id)
			width = max(width, len(id))
		}
		sort.Strings(ids)

		fmt.Fprintf(w, "\n    %-*s  %5s  %7s  %s\n", width, "Endpoint", "Dims", "L2Norm", "Sample (first 4 values)")
		for _, id := range ids {
			vec := e.vectors[id]
			fmt.Fprintf(w, "    %-*s  %5d  %7.4f  %s\n", width, id, len(vec), l2Norm(vec), formatSample(vec, 4))
		}
	}
	fmt.Fprintf(w, "\n%s\n", rule)
}

func formatTTL(expiresAt, now time.Time) string {
	if expiresAt.IsZero() {
		return "no expiry set"
	}
	remaining := expiresAt.Sub(now)
	if remaining < 0 {
		return fmt.Sprintf("EXPIRED (%s ago)", (-remaining).Round(time.Second))
	}
	return fmt.Sprintf("%s remaining (expires %s)", remaining.Round(time.Second), expiresAt.Format("2006-01-02 15:04:05 MST"))
}

// l2Norm is ≈1 for the unit vectors the router stores.
func l2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func formatSample(v []float32, n int) string {
	if len(v) == 0 {
		return "[]"
	}
	n = min(n, len(v))
	parts := make([]string, n)
	for i := range n {
		parts[i] = fmt.Sprintf("%+.4f", v[i])
	}
	suffix := ""
	if len(v) > n {
		suffix = " ..."
	}
	return "[" + strings.Join(parts, ", ") + suffix + "]"
}

func formatBytes(n int) string {
	switch {
	case n >= 1024*1024:
		return fmt.Sprintf("%.1f MB (%d bytes)", float64(n)/1024/1024, n)
	case n >= 1024:
		return fmt.Sprintf("%.1f KB (%d bytes)", float64(n)/1024, n)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "routing_cache_dump: "+format+"\n", args...)
	os.Exit(1)
}
