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
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianRoute/services/route/config"
)

// sigCategory indexes the four signature categories.
type sigCategory int

const (
	catSubject sigCategory = iota
	catAnalysis
	catScope
	catQuality
	numCategories
)

func (c sigCategory) String() string {
	return [...]string{"subject", "analysis", "scope", "quality"}[c]
}

// sigRef is a signature term occurrence: endpoint index plus category.
type sigRef struct {
	endpoint int
	category sigCategory
}

// scopeRef is a domain vocabulary entry.
type scopeRef struct {
	weight float64
}

// synonymRule rewrites an alternate phrase to its canonical tokens.
type synonymRule struct {
	alternate []string
	canonical []string
}

// =============================================================================
// Tables
// =============================================================================

// Tables are the lookup tables compiled from one configuration snapshot.
//
// Description:
//
//	Every term in the catalog and domain documents is tokenized once, here,
//	and stored in hash maps keyed by phrase. Pipeline components only do
//	lookups. A Tables value belongs to exactly one snapshot generation.
//
// Thread Safety: Immutable after Compile; safe for concurrent use.
type Tables struct {
	Snapshot *config.Snapshot

	endpoints []*config.EndpointDefinition
	byID      map[string]int

	signatures *lexicon[sigRef]

	// endpointCategories holds the dataset categories each endpoint relates to.
	endpointCategories []map[FieldCategory]bool

	fieldRules []compiledFieldRule

	domains map[string]*DomainTables

	// keywords backs the keyword_fallback stage.
	keywords *BM25Index
}

// DomainTables are the per-domain lookup tables.
type DomainTables struct {
	Config *config.DomainConfig
	parent *Tables

	scopeTerms *lexicon[scopeRef]
	outOfScope *lexicon[struct{}]

	synonyms []synonymRule

	competitivePhrases *lexicon[struct{}]

	// boosts and penalties merge catalog and domain terms.
	boosts    *lexicon[int]
	penalties *lexicon[int]

	brands  *lexicon[int]
	markers *lexicon[struct{}]

	creative *lexicon[struct{}]

	brandEndpoint       int
	competitiveEndpoint int
}

type compiledFieldRule struct {
	category FieldCategory
	re       *regexp.Regexp
}

// Compile builds lookup tables for snap.
//
// Outputs:
//
//	*Tables - The compiled tables.
//	error - A *ConfigurationError if a pattern or endpoint reference is invalid.
func Compile(snap *config.Snapshot) (*Tables, error) {
	if snap == nil || snap.Catalog == nil || len(snap.Catalog.Endpoints) == 0 {
		return nil, &ConfigurationError{Document: config.CatalogDocument, Reason: "no endpoints loaded"}
	}
	settings := snap.Settings
	if settings == nil {
		settings = config.DefaultSettings()
	}

	t := &Tables{
		Snapshot:   snap,
		byID:       make(map[string]int, len(snap.Catalog.Endpoints)),
		signatures: newLexicon[sigRef](),
		domains:    make(map[string]*DomainTables, len(snap.Domains)),
	}

	for i, rule := range settings.Context.FieldRules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, &ConfigurationError{
				Document: config.SettingsDocument,
				Field:    fmt.Sprintf("context.field_rules[%d]", i),
				Reason:   "invalid regular expression",
				Err:      err,
			}
		}
		t.fieldRules = append(t.fieldRules, compiledFieldRule{category: FieldCategory(rule.Category), re: re})
	}

	for i := range snap.Catalog.Endpoints {
		ep := &snap.Catalog.Endpoints[i]
		t.endpoints = append(t.endpoints, ep)
		t.byID[ep.ID] = i

		for c, terms := range [numCategories][]string{
			ep.Signature.Subject, ep.Signature.Analysis, ep.Signature.Scope, ep.Signature.Quality,
		} {
			seen := make(map[string]bool, len(terms))
			for _, term := range terms {
				key, n := phraseKey(term)
				if n == 0 || seen[key] {
					continue
				}
				seen[key] = true
				t.signatures.add(key, sigRef{endpoint: i, category: sigCategory(c)})
			}
		}

		cats := make(map[FieldCategory]bool)
		for _, c := range ep.ContextCategories {
			cats[FieldCategory(c)] = true
		}
		for _, term := range ep.Signature.AllTerms() {
			if c, ok := t.categorize(term); ok {
				cats[c] = true
			}
		}
		t.endpointCategories = append(t.endpointCategories, cats)
	}

	names := make([]string, 0, len(snap.Domains))
	for name := range snap.Domains {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dt, err := t.compileDomain(snap.Domains[name], settings)
		if err != nil {
			return nil, err
		}
		t.domains[name] = dt
	}
	t.keywords = BuildBM25Index(snap.Catalog)
	return t, nil
}

func (t *Tables) compileDomain(dc *config.DomainConfig, s *config.Settings) (*DomainTables, error) {
	dt := &DomainTables{
		Config:              dc,
		parent:              t,
		scopeTerms:          newLexicon[scopeRef](),
		outOfScope:          newLexicon[struct{}](),
		competitivePhrases:  newLexicon[struct{}](),
		boosts:              newLexicon[int](),
		penalties:           newLexicon[int](),
		brands:              newLexicon[int](),
		markers:             newLexicon[struct{}](),
		creative:            newLexicon[struct{}](),
		brandEndpoint:       -1,
		competitiveEndpoint: -1,
	}

	// Highest weight wins when a term is listed in more than one tier.
	weights := make(map[string]float64)
	addScope := func(term string, w float64) {
		key, n := phraseKey(term)
		if n == 0 {
			return
		}
		if w > weights[key] {
			weights[key] = w
		}
	}
	for _, term := range dc.Vocabulary.Primary {
		addScope(term, s.Scope.PrimaryWeight)
	}
	for _, term := range dc.Vocabulary.Secondary {
		addScope(term, s.Scope.SecondaryWeight)
	}
	for _, term := range dc.Vocabulary.Context {
		addScope(term, s.Scope.ContextWeight)
	}
	for _, ep := range t.endpoints {
		for _, term := range ep.Signature.AllTerms() {
			addScope(term, s.Scope.ContextWeight)
		}
	}
	for key, w := range weights {
		dt.scopeTerms.add(key, scopeRef{weight: w})
	}

	for _, term := range dc.OutOfScope.Indicators {
		dt.outOfScope.add(term, struct{}{})
	}

	canon := make([]string, 0, len(dc.Synonyms))
	for c := range dc.Synonyms {
		canon = append(canon, c)
	}
	sort.Strings(canon)
	for _, c := range canon {
		ctoks := Tokenize(c)
		if len(ctoks) == 0 {
			continue
		}
		for _, alt := range dc.Synonyms[c] {
			atoks := Tokenize(alt)
			if len(atoks) == 0 || equalTokens(atoks, ctoks) {
				continue
			}
			dt.synonyms = append(dt.synonyms, synonymRule{alternate: atoks, canonical: ctoks})
		}
	}
	// Longest alternates first so "share of market" beats any one-word rule.
	sort.SliceStable(dt.synonyms, func(i, j int) bool {
		return len(dt.synonyms[i].alternate) > len(dt.synonyms[j].alternate)
	})

	for _, p := range dc.CompetitiveContextPhrases {
		dt.competitivePhrases.add(p, struct{}{})
	}

	for i, ep := range t.endpoints {
		for _, term := range ep.BoostTerms {
			dt.boosts.add(term, i)
		}
		for _, term := range ep.PenaltyTerms {
			dt.penalties.add(term, i)
		}
	}
	for id, terms := range dc.BoostTerms {
		i, ok := t.byID[id]
		if !ok {
			return nil, &ConfigurationError{Document: config.DomainDocument(dc.Name), Field: "boost_terms", Reason: "unknown endpoint id " + id}
		}
		for _, term := range terms {
			dt.boosts.add(term, i)
		}
	}
	for id, terms := range dc.AvoidTerms {
		i, ok := t.byID[id]
		if !ok {
			return nil, &ConfigurationError{Document: config.DomainDocument(dc.Name), Field: "avoid_terms", Reason: "unknown endpoint id " + id}
		}
		for _, term := range terms {
			dt.penalties.add(term, i)
		}
	}

	for i, b := range dc.Brands {
		for _, alias := range b.Aliases {
			dt.brands.add(alias, i)
		}
	}
	for _, m := range dc.ComparisonMarkers {
		dt.markers.add(m, struct{}{})
	}
	for _, c := range dc.CreativeIndicators {
		dt.creative.add(c, struct{}{})
	}

	if bc := dc.BrandComparison; bc != nil {
		bi, ok1 := t.byID[bc.Endpoint]
		ci, ok2 := t.byID[bc.CompetitiveEndpoint]
		if !ok1 || !ok2 {
			return nil, &ConfigurationError{Document: config.DomainDocument(dc.Name), Field: "brand_comparison", Reason: "unknown endpoint id"}
		}
		dt.brandEndpoint, dt.competitiveEndpoint = bi, ci
	}
	return dt, nil
}

// Domain returns the tables for name, or for the active domain when name is empty.
func (t *Tables) Domain(name string) (*DomainTables, bool) {
	if name == "" {
		name = t.Snapshot.ActiveDomain
	}
	dt, ok := t.domains[name]
	return dt, ok
}

// Settings returns the snapshot's settings.
func (t *Tables) Settings() *config.Settings {
	if t.Snapshot.Settings == nil {
		return config.DefaultSettings()
	}
	return t.Snapshot.Settings
}

// Generation returns the snapshot generation.
func (t *Tables) Generation() uint64 { return t.Snapshot.Generation }

// NumEndpoints returns the catalog size.
func (t *Tables) NumEndpoints() int { return len(t.endpoints) }

// endpoint returns the definition at catalog index i.
func (t *Tables) endpoint(i int) *config.EndpointDefinition { return t.endpoints[i] }

// categorize applies the ordered field rules to name. First match wins.
func (t *Tables) categorize(name string) (FieldCategory, bool) {
	for _, r := range t.fieldRules {
		if r.re.MatchString(name) {
			return r.category, true
		}
	}
	return "", false
}

// rewrite applies synonym expansion and competitive-context phrases to tokens.
// The second result reports whether anything changed.
func (dt *DomainTables) rewrite(tokens []string) ([]string, []string, bool) {
	var applied []string
	out := make([]string, 0, len(tokens)+1)
	for i := 0; i < len(tokens); {
		matched := false
		for _, rule := range dt.synonyms {
			n := len(rule.alternate)
			if i+n > len(tokens) || !equalTokens(tokens[i:i+n], rule.alternate) {
				continue
			}
			out = append(out, rule.canonical...)
			applied = append(applied, strings.Join(rule.alternate, " ")+" -> "+strings.Join(rule.canonical, " "))
			i += n
			matched = true
			break
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}

	if dt.competitivePhrases.any(out) && !containsToken(out, "competitive") {
		out = append(out, "competitive")
		applied = append(applied, "competitive context")
	}
	return out, applied, len(applied) > 0
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsToken(toks []string, tok string) bool {
	for _, t := range toks {
		if t == tok {
			return true
		}
	}
	return false
}
