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
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrUnknownDomain is returned when a domain switch names a domain that the
// current snapshot does not contain.
var ErrUnknownDomain = errors.New("unknown domain")

// =============================================================================
// Snapshot
// =============================================================================

// Snapshot is one complete, validated routing configuration.
//
// Description:
//
//	A Snapshot is never mutated after it is published. Configuration reloads
//	and domain switches build a new Snapshot and swap the pointer held by the
//	Store, so a request that loaded a snapshot keeps a consistent view for its
//	whole lifetime.
//
// Thread Safety: Immutable; safe for concurrent use.
type Snapshot struct {
	Catalog  *Catalog
	Settings *Settings

	// Domains holds every loaded domain keyed by name.
	Domains map[string]*DomainConfig

	// DomainOrder lists domain names in routing.yaml order.
	DomainOrder []string

	// ActiveDomain is the default domain for requests that do not name one.
	ActiveDomain string

	// Generation increases by one on every publish. Zero means unpublished.
	Generation uint64

	// Source names where the snapshot was read from.
	Source string

	// LoadedAt is when the documents were read.
	LoadedAt time.Time
}

// Domain returns the named domain, or the active domain when name is empty.
func (s *Snapshot) Domain(name string) (*DomainConfig, bool) {
	if name == "" {
		name = s.ActiveDomain
	}
	dc, ok := s.Domains[name]
	return dc, ok
}

// Endpoint returns the catalog entry for id.
func (s *Snapshot) Endpoint(id string) (*EndpointDefinition, bool) {
	return s.Catalog.Endpoint(id)
}

// WithActiveDomain returns a copy of s with a different active domain.
//
// The copy shares the catalog, settings, and domain configs with s; they are
// immutable so sharing is safe. Generation is reset to zero for the Store to
// assign.
func (s *Snapshot) WithActiveDomain(name string) (*Snapshot, error) {
	if _, ok := s.Domains[name]; !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownDomain, name, s.DomainOrder)
	}
	cp := *s
	cp.ActiveDomain = name
	cp.Generation = 0
	return &cp, nil
}

// LoadSnapshot reads and validates every configuration document from src.
//
// Description:
//
//	Reads routing.yaml first (it lists the domains), then endpoints.yaml, then
//	each domain document. After every document validates on its own, domain
//	endpoint references are checked against the catalog.
//
// Inputs:
//
//	ctx - Context for tracing and cancellation of remote sources.
//	src - The document source.
//
// Outputs:
//
//	*Snapshot - An unpublished snapshot (Generation 0).
//	error - A *ConfigurationError for invalid documents, or a wrapped read error.
func LoadSnapshot(ctx context.Context, src Source) (*Snapshot, error) {
	ctx, span := configTracer.Start(ctx, "config.LoadSnapshot")
	defer span.End()
	span.SetAttributes(attribute.String("source", src.Name()))

	snap, err := loadSnapshot(ctx, src)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot load failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("endpoints", len(snap.Catalog.Endpoints)),
		attribute.Int("domains", len(snap.Domains)),
	)
	return snap, nil
}

func loadSnapshot(ctx context.Context, src Source) (*Snapshot, error) {
	data, err := readDocument(ctx, src, SettingsDocument)
	if err != nil {
		return nil, err
	}
	settings, err := LoadSettings(ctx, data)
	if err != nil {
		return nil, err
	}

	data, err = readDocument(ctx, src, CatalogDocument)
	if err != nil {
		return nil, err
	}
	catalog, err := LoadCatalog(ctx, data)
	if err != nil {
		return nil, err
	}

	domains := make(map[string]*DomainConfig, len(settings.Domains))
	for _, name := range settings.Domains {
		data, err := readDocument(ctx, src, DomainDocument(name))
		if err != nil {
			return nil, err
		}
		dc, err := LoadDomainConfig(ctx, name, data)
		if err != nil {
			return nil, err
		}
		if err := dc.validateReferences(catalog); err != nil {
			return nil, err
		}
		domains[name] = dc
	}

	return &Snapshot{
		Catalog:      catalog,
		Settings:     settings,
		Domains:      domains,
		DomainOrder:  append([]string(nil), settings.Domains...),
		ActiveDomain: settings.ActiveDomain,
		Source:       src.Name(),
		LoadedAt:     time.Now(),
	}, nil
}

func readDocument(ctx context.Context, src Source, name string) ([]byte, error) {
	data, err := src.ReadFile(ctx, name)
	if err != nil {
		return nil, &ConfigurationError{Document: name, Reason: "reading from " + src.Name(), Err: err}
	}
	return data, nil
}

// NewSnapshot assembles a snapshot from already-loaded parts.
//
// Used by callers that build configuration in code. Domain references are
// validated the same way LoadSnapshot validates them.
func NewSnapshot(catalog *Catalog, settings *Settings, domains ...*DomainConfig) (*Snapshot, error) {
	if catalog == nil || len(catalog.Endpoints) == 0 {
		return nil, configErr(CatalogDocument, "", "catalog has no endpoints")
	}
	if settings == nil {
		settings = DefaultSettings()
	}
	snap := &Snapshot{
		Catalog:  catalog,
		Settings: settings,
		Domains:  make(map[string]*DomainConfig, len(domains)),
		Source:   "inline",
		LoadedAt: time.Now(),
	}
	for _, dc := range domains {
		if err := dc.validateReferences(catalog); err != nil {
			return nil, err
		}
		snap.Domains[dc.Name] = dc
		snap.DomainOrder = append(snap.DomainOrder, dc.Name)
	}
	snap.ActiveDomain = settings.ActiveDomain
	if _, ok := snap.Domains[snap.ActiveDomain]; !ok {
		if len(snap.DomainOrder) == 0 {
			return nil, configErr(SettingsDocument, "domains", "at least one domain is required")
		}
		snap.ActiveDomain = snap.DomainOrder[0]
	}
	return snap, nil
}

// =============================================================================
// Store
// =============================================================================

// Store publishes the current Snapshot.
//
// Description:
//
//	Readers call Current, a single atomic load. Writers (Swap, SwitchDomain,
//	Reload) are serialized by a mutex so generations are assigned in publish
//	order.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	current atomic.Pointer[Snapshot]
	gen     atomic.Uint64

	mu     sync.Mutex
	source Source
	logger *slog.Logger
}

// NewStore creates a store publishing initial. src is used by Reload and may
// be nil when reloads are not supported.
func NewStore(initial *Snapshot, src Source, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{source: src, logger: logger}
	s.publish(initial)
	return s
}

// Current returns the published snapshot.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Source returns the reload source, or nil.
func (s *Store) Source() Source {
	return s.source
}

// Swap publishes snap and returns it with its assigned generation.
func (s *Store) Swap(snap *Snapshot) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publish(snap)
}

// SwitchDomain publishes a snapshot whose active domain is name.
func (s *Store) SwitchDomain(name string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.current.Load().WithActiveDomain(name)
	if err != nil {
		return nil, err
	}
	published := s.publish(next)
	s.logger.Info("active domain switched",
		slog.String("domain", name),
		slog.Uint64("generation", published.Generation),
	)
	return published, nil
}

// Reload reads the source again and publishes the result.
//
// Description:
//
//	On any error the current snapshot stays published and the error is
//	returned. The active domain survives a reload when the new snapshot still
//	contains it.
//
// Outputs:
//
//	*Snapshot - The newly published snapshot.
//	error - Non-nil if the store has no source or loading failed.
func (s *Store) Reload(ctx context.Context) (*Snapshot, error) {
	if s.source == nil {
		return nil, errors.New("Store.Reload: no configuration source")
	}
	next, err := LoadSnapshot(ctx, s.source)
	if err != nil {
		s.logger.Warn("configuration reload failed, keeping previous snapshot",
			slog.String("source", s.source.Name()),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("Store.Reload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev := s.current.Load(); prev != nil {
		if _, ok := next.Domains[prev.ActiveDomain]; ok {
			next.ActiveDomain = prev.ActiveDomain
		}
	}
	published := s.publish(next)
	s.logger.Info("configuration reloaded",
		slog.String("source", s.source.Name()),
		slog.Uint64("generation", published.Generation),
		slog.Int("endpoints", len(published.Catalog.Endpoints)),
		slog.String("active_domain", published.ActiveDomain),
	)
	return published, nil
}

// publish must be called with mu held (or before the store is shared).
func (s *Store) publish(snap *Snapshot) *Snapshot {
	cp := *snap
	cp.Generation = s.gen.Add(1)
	s.current.Store(&cp)
	return &cp
}
