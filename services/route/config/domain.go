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
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"
)

// DomainDocument returns the document name for a domain configuration.
func DomainDocument(name string) string {
	return "domains/" + name + ".yaml"
}

// DefaultComparisonMarkers are the explicit comparison markers of the
// brand-vs-brand rule.
var DefaultComparisonMarkers = []string{"vs", "versus", "compare", "between"}

// DefaultCompetitiveContextPhrases count as competitive intent even without
// the literal word "competitive".
var DefaultCompetitiveContextPhrases = []string{"market positioning"}

// =============================================================================
// Domain Types
// =============================================================================

// DomainConfig is the business-domain vocabulary applied on top of the catalog.
//
// Description:
//
//	One DomainConfig per business domain (e.g. tax_services). A domain switch
//	publishes a new Snapshot with a different ActiveDomain; the DomainConfig
//	values themselves are never mutated.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type DomainConfig struct {
	// Name is the domain identifier. Must match the file name.
	Name string `yaml:"name" validate:"required"`

	// Description is free text shown by the endpoints listing.
	Description string `yaml:"description"`

	// Vocabulary holds the in-scope lexicon used by the scope validator.
	Vocabulary Vocabulary `yaml:"vocabulary"`

	// Synonyms maps a canonical term to alternate phrasings that are rewritten
	// to it before re-scoring.
	Synonyms map[string][]string `yaml:"synonyms"`

	// BoostTerms maps endpoint id to domain-specific boost terms.
	BoostTerms map[string][]string `yaml:"boost_terms"`

	// AvoidTerms maps endpoint id to domain-specific penalty terms.
	AvoidTerms map[string][]string `yaml:"avoid_terms"`

	// Brands lists the companies recognized by the brand comparison rule.
	Brands []Brand `yaml:"brands" validate:"dive"`

	// ComparisonMarkers trigger the brand comparison rule together with two brands.
	ComparisonMarkers []string `yaml:"comparison_markers"`

	// BrandComparison names the two endpoints the brand rule adjusts.
	BrandComparison *BrandComparisonRule `yaml:"brand_comparison"`

	// CompetitiveContextPhrases are treated as competitive intent.
	CompetitiveContextPhrases []string `yaml:"competitive_context_phrases"`

	// OutOfScope holds the out-of-scope lexicon and redirect suggestions.
	OutOfScope OutOfScope `yaml:"out_of_scope"`

	// CreativeIndicators mark metaphor/analogy phrasing that triggers the
	// semantic cross-check.
	CreativeIndicators []string `yaml:"creative_indicators"`
}

// Vocabulary is the weighted in-scope lexicon of a domain.
type Vocabulary struct {
	Primary   []string `yaml:"primary"`
	Secondary []string `yaml:"secondary"`
	Context   []string `yaml:"context"`
}

// Brand is one company/brand with the phrasings that identify it.
type Brand struct {
	Name    string   `yaml:"name" validate:"required"`
	Aliases []string `yaml:"aliases" validate:"required,min=1"`
}

// BrandComparisonRule names the endpoints adjusted by the brand rule.
type BrandComparisonRule struct {
	// Endpoint is the pairwise brand comparison endpoint (receives the bonus).
	Endpoint string `yaml:"endpoint" validate:"required"`

	// CompetitiveEndpoint is the general competitive endpoint (receives the penalty).
	CompetitiveEndpoint string `yaml:"competitive_endpoint" validate:"required"`
}

// OutOfScope is the out-of-scope lexicon.
type OutOfScope struct {
	Indicators  []string `yaml:"indicators"`
	Suggestions []string `yaml:"suggestions"`
}

// =============================================================================
// Loading
// =============================================================================

// LoadDomainConfig parses and validates a domain configuration.
//
// Description:
//
//	Parses the YAML, applies defaults for comparison markers and competitive
//	context phrases, and validates struct tags. Endpoint references are
//	checked later against the catalog by LoadSnapshot.
//
// Inputs:
//
//	ctx - Context for tracing.
//	name - Expected domain name (the file stem).
//	data - Raw YAML bytes.
//
// Outputs:
//
//	*DomainConfig - The validated domain.
//	error - A *ConfigurationError on any problem.
func LoadDomainConfig(ctx context.Context, name string, data []byte) (*DomainConfig, error) {
	_, span := configTracer.Start(ctx, "config.LoadDomainConfig")
	defer span.End()

	doc := DomainDocument(name)
	if err := checkSize(doc, data); err != nil {
		return nil, err
	}

	var dc DomainConfig
	if err := yaml.Unmarshal(data, &dc); err != nil {
		return nil, &ConfigurationError{Document: doc, Reason: "parsing YAML", Err: err}
	}
	if dc.Name == "" {
		dc.Name = name
	}
	if dc.Name != name {
		return nil, configErr(doc, "name", "domain name %q does not match document %q", dc.Name, name)
	}

	if len(dc.ComparisonMarkers) == 0 {
		dc.ComparisonMarkers = append([]string(nil), DefaultComparisonMarkers...)
	}
	if len(dc.CompetitiveContextPhrases) == 0 {
		dc.CompetitiveContextPhrases = append([]string(nil), DefaultCompetitiveContextPhrases...)
	}

	if err := validateStruct(doc, &dc); err != nil {
		return nil, err
	}
	if dc.BrandComparison != nil && len(dc.Brands) < 2 {
		return nil, configErr(doc, "brands", "brand_comparison requires at least two brands, got %d", len(dc.Brands))
	}

	span.SetAttributes(
		attribute.String("domain", dc.Name),
		attribute.Int("brands", len(dc.Brands)),
		attribute.Int("synonyms", len(dc.Synonyms)),
	)
	slog.Debug("domain config loaded",
		slog.String("domain", dc.Name),
		slog.Int("primary_terms", len(dc.Vocabulary.Primary)),
		slog.Int("brands", len(dc.Brands)),
	)
	return &dc, nil
}

// validateReferences checks that every endpoint id the domain mentions exists.
func (dc *DomainConfig) validateReferences(cat *Catalog) error {
	doc := DomainDocument(dc.Name)
	for _, field := range []struct {
		name string
		m    map[string][]string
	}{
		{"boost_terms", dc.BoostTerms},
		{"avoid_terms", dc.AvoidTerms},
	} {
		for _, id := range sortedKeys(field.m) {
			if !cat.Has(id) {
				return configErr(doc, field.name, "unknown endpoint id %q", id)
			}
		}
	}
	if bc := dc.BrandComparison; bc != nil {
		if !cat.Has(bc.Endpoint) {
			return configErr(doc, "brand_comparison.endpoint", "unknown endpoint id %q", bc.Endpoint)
		}
		if !cat.Has(bc.CompetitiveEndpoint) {
			return configErr(doc, "brand_comparison.competitive_endpoint", "unknown endpoint id %q", bc.CompetitiveEndpoint)
		}
		if bc.Endpoint == bc.CompetitiveEndpoint {
			return configErr(doc, "brand_comparison", "endpoint and competitive_endpoint must differ (%s)", bc.Endpoint)
		}
	}
	return nil
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String implements fmt.Stringer for log output.
func (dc *DomainConfig) String() string {
	return fmt.Sprintf("DomainConfig(%s, %d brands)", dc.Name, len(dc.Brands))
}
