// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestLoadSnapshot_EmbeddedDefaults(t *testing.T) {
	snap, err := LoadSnapshot(context.Background(), EmbeddedSource{})
	if err != nil {
		t.Fatalf("embedded defaults must load: %v", err)
	}
	if snap.ActiveDomain != "tax_services" {
		t.Errorf("expected active domain tax_services, got %q", snap.ActiveDomain)
	}
	if n := len(snap.Catalog.Endpoints); n < 16 || n > 22 {
		t.Errorf("expected 16-22 endpoints, got %d", n)
	}
	for _, id := range []string{"/brand-difference", "/competitive-analysis", "/demographic-insights", "/analyze"} {
		if !snap.Catalog.Has(id) {
			t.Errorf("catalog missing %s", id)
		}
	}
	dc, ok := snap.Domain("")
	if !ok {
		t.Fatal("active domain not found")
	}
	if dc.BrandComparison == nil || dc.BrandComparison.Endpoint != "/brand-difference" {
		t.Errorf("unexpected brand comparison rule: %+v", dc.BrandComparison)
	}
	if snap.Generation != 0 {
		t.Errorf("unpublished snapshot should have generation 0, got %d", snap.Generation)
	}
}

func TestLoadSnapshot_MissingDocument(t *testing.T) {
	src := &DirSource{Dir: t.TempDir()}
	_, err := LoadSnapshot(context.Background(), src)
	if !IsConfigurationError(err) {
		t.Fatalf("expected *ConfigurationError, got %v", err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected the cause to be fs.ErrNotExist, got %v", err)
	}
}

func TestDirSource_FallbackAndOverride(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, SettingsDocument, "domains: [tax_services]\ncache:\n  ttl: 1h\n")

	snap, err := LoadSnapshot(context.Background(), NewDirSource(dir))
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap.Settings.Cache.TTL != time.Hour {
		t.Errorf("override not applied: ttl = %v", snap.Settings.Cache.TTL)
	}
	if len(snap.Catalog.Endpoints) == 0 {
		t.Error("catalog should come from the embedded fallback")
	}
}

func TestDirSource_RejectsEscape(t *testing.T) {
	src := NewDirSource(t.TempDir())
	if _, err := src.ReadFile(context.Background(), "../etc/passwd"); err == nil {
		t.Error("expected error for path escaping the directory")
	}
}

func TestParseGCSURI(t *testing.T) {
	tests := []struct {
		uri, bucket, prefix string
		wantErr             bool
	}{
		{uri: "gs://bkt/route/config/", bucket: "bkt", prefix: "route/config"},
		{uri: "gs://bkt", bucket: "bkt", prefix: ""},
		{uri: "gs:///x", wantErr: true},
		{uri: "s3://bkt/x", wantErr: true},
	}
	for _, tt := range tests {
		bucket, prefix, err := parseGCSURI(tt.uri)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.uri)
			}
			continue
		}
		if err != nil || bucket != tt.bucket || prefix != tt.prefix {
			t.Errorf("%s: got (%q, %q, %v), want (%q, %q)", tt.uri, bucket, prefix, err, tt.bucket, tt.prefix)
		}
	}
}

func TestOpenSource(t *testing.T) {
	ctx := context.Background()

	src, closer, err := OpenSource(ctx, "")
	if err != nil || closer != nil || src.Name() != "embedded" {
		t.Errorf("empty location should be embedded, got %v %v %v", src, closer, err)
	}

	dir := t.TempDir()
	src, _, err = OpenSource(ctx, dir)
	if err != nil {
		t.Fatalf("OpenSource(dir): %v", err)
	}
	if _, ok := src.(*DirSource); !ok {
		t.Errorf("expected *DirSource, got %T", src)
	}

	if _, _, err := OpenSource(ctx, filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestStore_SwapAssignsGenerations(t *testing.T) {
	snap := mustLoadDefaults(t)
	store := NewStore(snap, nil, nil)

	first := store.Current()
	if first.Generation != 1 {
		t.Fatalf("initial generation = %d, want 1", first.Generation)
	}
	second := store.Swap(snap)
	if second.Generation != 2 {
		t.Errorf("swap generation = %d, want 2", second.Generation)
	}
	if first.Generation != 1 {
		t.Error("published snapshots must not be mutated by later swaps")
	}
}

func TestStore_SwitchDomain(t *testing.T) {
	store := NewStore(mustLoadDefaults(t), nil, nil)

	if _, err := store.SwitchDomain("weather"); !errors.Is(err, ErrUnknownDomain) {
		t.Errorf("expected ErrUnknownDomain, got %v", err)
	}
	before := store.Current().Generation
	snap, err := store.SwitchDomain("tax_services")
	if err != nil {
		t.Fatalf("SwitchDomain: %v", err)
	}
	if snap.Generation != before+1 {
		t.Errorf("switch should publish a new generation, got %d after %d", snap.Generation, before)
	}
}

func TestStore_ReloadFailureKeepsSnapshot(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(mustLoadDefaults(t), NewDirSource(dir), nil)
	before := store.Current()

	writeFile(t, dir, CatalogDocument, "version: not-semver\nendpoints: []\n")
	if _, err := store.Reload(context.Background()); err == nil {
		t.Fatal("expected reload error")
	}
	if store.Current() != before {
		t.Error("failed reload must keep the previous snapshot")
	}

	if err := os.Remove(filepath.Join(dir, CatalogDocument)); err != nil {
		t.Fatal(err)
	}
	snap, err := store.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if snap.Generation <= before.Generation {
		t.Errorf("reload should advance generation")
	}
}

func TestStore_ConcurrentReadersSeeCompleteSnapshots(t *testing.T) {
	snap := mustLoadDefaults(t)
	store := NewStore(snap, nil, nil)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				cur := store.Current()
				if cur.Catalog == nil || cur.Settings == nil || cur.Domains[cur.ActiveDomain] == nil {
					t.Error("reader observed an incomplete snapshot")
					return
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		store.Swap(snap)
	}
	close(stop)
	wg.Wait()
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, SettingsDocument, "domains: [tax_services]\n")

	src := NewDirSource(dir)
	initial, err := LoadSnapshot(context.Background(), src)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	store := NewStore(initial, src, nil)

	reloaded := make(chan *Snapshot, 4)
	w, err := NewWatcher(store, dir, nil,
		WithWatchDebounce(20*time.Millisecond),
		WithReloadHook(func(s *Snapshot, err error) {
			if err != nil {
				return
			}
			select {
			case reloaded <- s:
			default:
			}
		}),
	)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	writeFile(t, dir, SettingsDocument, "domains: [tax_services]\ncache:\n  ttl: 2h\n")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case snap := <-reloaded:
			if snap.Settings.Cache.TTL == 2*time.Hour {
				if store.Current().Generation < snap.Generation {
					t.Errorf("store should publish the reloaded snapshot")
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for reload with ttl 2h")
		}
	}
}

func TestNewWatcher_Validation(t *testing.T) {
	if _, err := NewWatcher(nil, "/tmp", nil); err == nil {
		t.Error("expected error for nil store")
	}
	store := NewStore(mustLoadDefaults(t), nil, nil)
	if _, err := NewWatcher(store, "  ", nil); err == nil {
		t.Error("expected error for empty dir")
	}
}

func mustLoadDefaults(t *testing.T) *Snapshot {
	t.Helper()
	snap, err := LoadSnapshot(context.Background(), EmbeddedSource{})
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	return snap
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
