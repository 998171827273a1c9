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

// =============================================================================
// VectorStore - Endpoint Embedding Persistence
// =============================================================================
//
// Endpoint description vectors change only when the catalog or the embedding
// model changes. They are persisted in BadgerDB so a restart does not
// re-embed the whole catalog.
//
// Storage layout:
//
//	routing/endpoint-emb/v1/{corpusHash}  →  gob-encoded map[string][]float32
//	                                          (endpoint id → unit vector)
//	                                          TTL: 7 days
//
// The corpus hash covers endpoint ids, descriptions, signature terms and the
// model name, so any change makes the old entry unreachable; it then expires
// through Badger's TTL.

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianRoute/services/route/config"
	badgerstore "github.com/AleutianAI/AleutianRoute/services/route/storage/badger"
)

// DefaultVectorTTL is the lifetime of a persisted vector set.
const DefaultVectorTTL = 7 * 24 * time.Hour

// VectorKeyPrefix prefixes every persisted vector set key. Versioned so the
// encoding can change without collisions.
const VectorKeyPrefix = "routing/endpoint-emb/v1/"

var errVectorMiss = errors.New("vector cache miss")

// VectorStore persists endpoint embedding vectors across restarts.
//
// Thread Safety: Implementations must be safe for concurrent use.
type VectorStore interface {
	// LoadVectors returns (nil, nil) on a miss.
	LoadVectors(ctx context.Context, corpusHash string) (map[string][]float32, error)

	// SaveVectors persists unit-normalized vectors keyed by endpoint id.
	SaveVectors(ctx context.Context, corpusHash string, vectors map[string][]float32) error
}

// BadgerVectorStore implements VectorStore on BadgerDB.
//
// The DB is owned by the caller and must outlive the store.
//
// Thread Safety: Safe for concurrent use.
type BadgerVectorStore struct {
	db     *badgerstore.DB
	ttl    time.Duration
	logger *slog.Logger
}

// NewBadgerVectorStore creates a store on db. ttl <= 0 selects DefaultVectorTTL.
func NewBadgerVectorStore(db *badgerstore.DB, ttl time.Duration, logger *slog.Logger) *BadgerVectorStore {
	if db == nil {
		panic("NewBadgerVectorStore: db must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultVectorTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerVectorStore{db: db, ttl: ttl, logger: logger}
}

// LoadVectors implements VectorStore.
func (s *BadgerVectorStore) LoadVectors(ctx context.Context, corpusHash string) (map[string][]float32, error) {
	key := vectorKey(corpusHash)

	var raw []byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return errVectorMiss
		}
		if err != nil {
			return fmt.Errorf("get vector key: %w", err)
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, errVectorMiss) {
		s.logger.Debug("vector store: miss", slog.String("hash", shortHash(corpusHash)))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vector store load: %w", err)
	}

	vectors, err := DecodeVectors(raw)
	if err != nil {
		return nil, fmt.Errorf("vector store decode: %w", err)
	}
	s.logger.Debug("vector store: hit",
		slog.String("hash", shortHash(corpusHash)),
		slog.Int("endpoints", len(vectors)),
	)
	return vectors, nil
}

// SaveVectors implements VectorStore.
func (s *BadgerVectorStore) SaveVectors(ctx context.Context, corpusHash string, vectors map[string][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(vectors); err != nil {
		return fmt.Errorf("vector store encode: %w", err)
	}

	err := s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.SetEntry(dgbadger.NewEntry(vectorKey(corpusHash), buf.Bytes()).WithTTL(s.ttl))
	})
	if err != nil {
		return fmt.Errorf("vector store save: %w", err)
	}
	s.logger.Debug("vector store: saved",
		slog.String("hash", shortHash(corpusHash)),
		slog.Int("endpoints", len(vectors)),
		slog.Duration("ttl", s.ttl),
	)
	return nil
}

// DecodeVectors decodes a persisted vector set.
func DecodeVectors(data []byte) (map[string][]float32, error) {
	var vectors map[string][]float32
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	return vectors, nil
}

// corpusHash is a deterministic SHA-256 over everything that shapes the
// endpoint vectors. Endpoints are sorted by id and terms sorted within each
// endpoint so YAML ordering does not matter.
func corpusHash(cat *config.Catalog, model string) string {
	eps := make([]*config.EndpointDefinition, len(cat.Endpoints))
	for i := range cat.Endpoints {
		eps[i] = &cat.Endpoints[i]
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].ID < eps[j].ID })

	h := sha256.New()
	for _, ep := range eps {
		terms := ep.Signature.AllTerms()
		sorted := append([]string(nil), terms...)
		sort.Strings(sorted)
		fmt.Fprintf(h, "%s\t%s\t%s\n", ep.ID, ep.Description, strings.Join(sorted, ","))
	}
	fmt.Fprintf(h, "model=%s\n", model)
	return hex.EncodeToString(h.Sum(nil))
}

func vectorKey(corpusHash string) []byte {
	return []byte(VectorKeyPrefix + corpusHash)
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8] + "..."
	}
	return h
}
