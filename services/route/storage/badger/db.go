// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger wraps BadgerDB with context-aware transaction helpers.
//
// The routing service keeps one service-global DB (endpoint embedding
// vectors). Callers open it in main, hand it to stores, and close it on
// shutdown. Stores never own the DB lifecycle.
package badger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// ErrClosed is returned by transaction helpers after Close.
var ErrClosed = errors.New("badger: db closed")

// Config configures OpenDB.
type Config struct {
	// Path is the on-disk directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps all data in RAM. Used by tests.
	InMemory bool

	// ReadOnly opens the DB without write access.
	ReadOnly bool

	// SyncWrites forces an fsync after every write.
	SyncWrites bool
}

// DefaultConfig returns an on-disk config with an empty path.
// The caller must set Path before calling OpenDB.
func DefaultConfig() Config {
	return Config{}
}

// InMemoryConfig returns a config for an ephemeral in-memory DB.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// DB is a BadgerDB handle with context-aware helpers.
//
// Thread Safety: Safe for concurrent use. Each helper call runs its own
// transaction.
type DB struct {
	db     *dgbadger.DB
	closed atomic.Bool
}

// OpenDB opens a BadgerDB instance.
//
// Description:
//
//	Builds badger options from cfg with the internal logger disabled.
//	An on-disk config with an empty Path is rejected.
//
// Inputs:
//
//	cfg - Open configuration.
//
// Outputs:
//
//	*DB - The opened database. Caller must Close it.
//	error - Non-nil if the config is invalid or badger fails to open.
func OpenDB(cfg Config) (*DB, error) {
	var opts dgbadger.Options
	if cfg.InMemory {
		opts = dgbadger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("OpenDB: path must not be empty for on-disk DB")
		}
		opts = dgbadger.DefaultOptions(cfg.Path).
			WithReadOnly(cfg.ReadOnly).
			WithSyncWrites(cfg.SyncWrites)
	}
	opts = opts.WithLogger(nil)

	db, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("OpenDB: %w", err)
	}
	return &DB{db: db}, nil
}

// WithTxn runs fn inside a read-write transaction and commits on success.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	return d.db.Update(fn)
}

// WithReadTxn runs fn inside a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if err := d.check(ctx); err != nil {
		return err
	}
	return d.db.View(fn)
}

// Close closes the underlying DB. Subsequent calls are no-ops.
func (d *DB) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.db.Close()
}

func (d *DB) check(ctx context.Context) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}
