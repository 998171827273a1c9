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
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// CatalogDocument is the file name of the endpoint catalog.
const CatalogDocument = "endpoints.yaml"

// =============================================================================
// Catalog Types
// =============================================================================

// Catalog is the closed set of analysis endpoints a query can be routed to.
//
// Description:
//
//	Loaded once per snapshot from endpoints.yaml. The order of Endpoints is
//	preserved and is part of the deterministic ranking (final tie-break).
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type Catalog struct {
	// Version is the semantic version of the catalog (e.g. "v1.4.0").
	Version string `yaml:"version" validate:"required"`

	// Endpoints lists every routable endpoint.
	Endpoints []EndpointDefinition `yaml:"endpoints" validate:"required,min=1,dive"`

	index map[string]int
}

// EndpointDefinition describes one analysis endpoint.
type EndpointDefinition struct {
	// ID is the stable endpoint identifier, e.g. "/demographic-insights".
	ID string `yaml:"id" validate:"required,startswith=/"`

	// Category groups related endpoints (demographic, competitive, brand, ...).
	Category string `yaml:"category" validate:"required"`

	// Description is human-readable text. Also used as the embedding document.
	Description string `yaml:"description"`

	// TargetVariable names the dataset variable the downstream processor analyzes.
	TargetVariable string `yaml:"target_variable"`

	// Priority is the static domain priority. Lower wins ties. Zero means
	// "after every explicitly prioritized endpoint, in catalog order".
	Priority int `yaml:"priority" validate:"gte=0"`

	// Signature holds the four indicator categories used by the classifier.
	Signature Signature `yaml:"signature"`

	// BoostTerms add a bounded positive delta when present in the query.
	BoostTerms []string `yaml:"boost_terms"`

	// PenaltyTerms subtract a bounded delta when present in the query.
	PenaltyTerms []string `yaml:"penalty_terms"`

	// ContextCategories lists dataset field categories this endpoint relates to,
	// in addition to the ones derived from its signature terms.
	ContextCategories []string `yaml:"context_categories" validate:"dive,oneof=demographic economic brand geographic"`

	// ConfidenceThreshold is the minimum score for a plain ROUTE decision.
	ConfidenceThreshold float64 `yaml:"confidence_threshold" validate:"gt=0,lte=1"`
}

// Signature is the set of indicator terms for one endpoint.
type Signature struct {
	Subject  []string `yaml:"subject"`
	Analysis []string `yaml:"analysis"`
	Scope    []string `yaml:"scope"`
	Quality  []string `yaml:"quality"`
}

// AllTerms returns every signature term in category order.
func (s Signature) AllTerms() []string {
	out := make([]string, 0, len(s.Subject)+len(s.Analysis)+len(s.Scope)+len(s.Quality))
	out = append(out, s.Subject...)
	out = append(out, s.Analysis...)
	out = append(out, s.Scope...)
	out = append(out, s.Quality...)
	return out
}

// Endpoint returns the definition for id.
func (c *Catalog) Endpoint(id string) (*EndpointDefinition, bool) {
	i, ok := c.index[id]
	if !ok {
		return nil, false
	}
	return &c.Endpoints[i], true
}

// Has reports whether id is a catalog endpoint.
func (c *Catalog) Has(id string) bool {
	_, ok := c.index[id]
	return ok
}

// IDs returns endpoint ids in catalog order.
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.Endpoints))
	for i := range c.Endpoints {
		ids[i] = c.Endpoints[i].ID
	}
	return ids
}

// =============================================================================
// Loading
// =============================================================================

// LoadCatalog parses and validates an endpoint catalog.
//
// Description:
//
//	Parses the YAML, applies priority defaults, and validates: struct tags,
//	semver version, unique ids, and a non-empty signature per endpoint.
//
// Inputs:
//
//	ctx - Context for tracing.
//	data - Raw YAML bytes.
//
// Outputs:
//
//	*Catalog - The validated catalog.
//	error - A *ConfigurationError on any problem.
func LoadCatalog(ctx context.Context, data []byte) (*Catalog, error) {
	_, span := configTracer.Start(ctx, "config.LoadCatalog")
	defer span.End()

	if err := checkSize(CatalogDocument, data); err != nil {
		return nil, err
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, &ConfigurationError{Document: CatalogDocument, Reason: "parsing YAML", Err: err}
	}

	if err := validateStruct(CatalogDocument, &cat); err != nil {
		return nil, err
	}
	if err := validateCatalog(&cat); err != nil {
		return nil, err
	}

	// Unprioritized endpoints go after every prioritized one, in file order.
	maxPriority := 0
	for _, ep := range cat.Endpoints {
		if ep.Priority > maxPriority {
			maxPriority = ep.Priority
		}
	}
	next := maxPriority + 1
	for i := range cat.Endpoints {
		if cat.Endpoints[i].Priority == 0 {
			cat.Endpoints[i].Priority = next
			next++
		}
	}

	span.SetAttributes(
		attribute.String("version", cat.Version),
		attribute.Int("endpoints", len(cat.Endpoints)),
	)
	slog.Debug("endpoint catalog loaded",
		slog.String("version", cat.Version),
		slog.Int("endpoints", len(cat.Endpoints)),
	)
	return &cat, nil
}

func validateCatalog(cat *Catalog) error {
	if !semver.IsValid(cat.Version) {
		return configErr(CatalogDocument, "Catalog.Version", "version %q is not a valid semantic version (want e.g. v1.2.0)", cat.Version)
	}

	cat.index = make(map[string]int, len(cat.Endpoints))
	for i, ep := range cat.Endpoints {
		field := fmt.Sprintf("endpoints[%d]", i)
		if _, dup := cat.index[ep.ID]; dup {
			return configErr(CatalogDocument, field+".id", "duplicate endpoint id %q", ep.ID)
		}
		cat.index[ep.ID] = i

		if len(ep.Signature.AllTerms()) == 0 {
			return configErr(CatalogDocument, field+".signature", "endpoint %q has no signature terms", ep.ID)
		}
		for _, term := range ep.Signature.AllTerms() {
			if strings.TrimSpace(term) == "" {
				return configErr(CatalogDocument, field+".signature", "endpoint %q has an empty signature term", ep.ID)
			}
		}
	}
	return nil
}
