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
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces bursts of editor writes into one reload.
const DefaultWatchDebounce = 500 * time.Millisecond

// Watcher reloads a Store when YAML files in its config directory change.
//
// Description:
//
//	Watches the directory and its domains/ subdirectory. Events are
//	debounced; after the quiet period the Store reloads from its source.
//	A failed reload keeps the previous snapshot (Store.Reload guarantees it).
//
// Thread Safety: Start and Stop are safe to call from any goroutine.
type Watcher struct {
	store    *Store
	dir      string
	debounce time.Duration
	logger   *slog.Logger

	// onReload, if set, is called after every reload attempt.
	onReload func(*Snapshot, error)

	mu       sync.Mutex
	timer    *time.Timer
	fsw      *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// WatcherOption customizes a Watcher.
type WatcherOption func(*Watcher)

// WithWatchDebounce overrides DefaultWatchDebounce.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithReloadHook registers fn to run after each reload attempt.
func WithReloadHook(fn func(*Snapshot, error)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// NewWatcher creates a watcher for dir. The store's source should read from
// the same directory.
func NewWatcher(store *Store, dir string, logger *slog.Logger, opts ...WatcherOption) (*Watcher, error) {
	if store == nil {
		return nil, errors.New("NewWatcher: store is required")
	}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("NewWatcher: directory is required")
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		store:    store,
		dir:      filepath.Clean(dir),
		debounce: DefaultWatchDebounce,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching. The watcher stops when ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.fsw != nil {
		w.mu.Unlock()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		w.mu.Unlock()
		return err
	}
	domainsDir := filepath.Join(w.dir, "domains")
	if info, err := os.Stat(domainsDir); err == nil && info.IsDir() {
		if err := fsw.Add(domainsDir); err != nil {
			w.logger.Warn("config watcher cannot watch domains directory",
				slog.String("dir", domainsDir),
				slog.String("error", err.Error()),
			)
		}
	}
	w.fsw = fsw
	w.mu.Unlock()

	go w.loop(fsw)
	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.stopCh:
		}
	}()

	w.logger.Info("config watcher started",
		slog.String("dir", w.dir),
		slog.Duration("debounce", w.debounce),
	)
	return nil
}

// Stop terminates the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		if w.fsw != nil {
			_ = w.fsw.Close()
			w.fsw = nil
		}
		w.mu.Unlock()
	})
}

func (w *Watcher) loop(fsw *fsnotify.Watcher) {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	ext := strings.ToLower(filepath.Ext(event.Name))
	if ext != ".yaml" && ext != ".yml" {
		return
	}
	w.scheduleReload()
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		snap, err := w.store.Reload(ctx)
		if w.onReload != nil {
			w.onReload(snap, err)
		}
	})
}
