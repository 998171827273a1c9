// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"
	"testing"

	dgbadger "github.com/dgraph-io/badger/v4"
)

func TestOpenDB_EmptyPathRejected(t *testing.T) {
	if _, err := OpenDB(DefaultConfig()); err == nil {
		t.Fatal("expected error for on-disk config without path")
	}
}

func TestDB_RoundTrip(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	err = db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	})
	if err != nil {
		t.Fatalf("WithTxn: %v", err)
	}

	var got []byte
	err = db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get([]byte("k"))
		if err != nil {
			return err
		}
		got, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		t.Fatalf("WithReadTxn: %v", err)
	}
	if string(got) != "v" {
		t.Errorf("expected v, got %q", got)
	}
}

func TestDB_CancelledContext(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = db.WithTxn(ctx, func(txn *dgbadger.Txn) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDB_ClosedIsIdempotent(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	err = db.WithReadTxn(context.Background(), func(txn *dgbadger.Txn) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
