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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// FieldCategory is a dataset field category.
type FieldCategory string

const (
	FieldDemographic FieldCategory = "demographic"
	FieldEconomic    FieldCategory = "economic"
	FieldBrand       FieldCategory = "brand"
	FieldGeographic  FieldCategory = "geographic"
)

// FieldCatalog is the list of field names of the active dataset.
type FieldCatalog []string

// FieldCatalogProvider supplies the field names of the dataset a request is
// about, when the request itself carries none.
type FieldCatalogProvider interface {
	FieldNames(ctx context.Context, domain string) (FieldCatalog, error)
}

// StaticFieldCatalog is a FieldCatalogProvider returning a fixed list.
type StaticFieldCatalog FieldCatalog

// FieldNames implements FieldCatalogProvider.
func (s StaticFieldCatalog) FieldNames(context.Context, string) (FieldCatalog, error) {
	return FieldCatalog(s), nil
}

// FieldProfile is the categorization of one field catalog.
type FieldProfile struct {
	// Counts is the number of fields per category.
	Counts map[FieldCategory]int

	// Uncategorized is the number of fields no rule matched.
	Uncategorized int
}

// Categories returns the categories present, sorted.
func (p FieldProfile) Categories() []FieldCategory {
	out := make([]FieldCategory, 0, len(p.Counts))
	for c, n := range p.Counts {
		if n > 0 {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultProfileCacheSize bounds the memoized field profiles.
const DefaultProfileCacheSize = 256

// ContextEnhancer boosts endpoints whose categories match the categories of
// the dataset's fields.
//
// Description:
//
//	Field names are categorized by the ordered field rules (first match
//	wins). An endpoint's categories are its configured context_categories
//	plus the categories of its own signature terms under the same rules.
//	Each endpoint with a positive score gains ContextBoostPerCategory per
//	shared category, at most MaxContextBoost. An empty or uncategorizable
//	field list changes nothing.
//
//	Profiles are memoized per (generation, field list) in a bounded LRU, as
//	field lists repeat across requests for the same dataset.
//
// Thread Safety: Safe for concurrent use.
type ContextEnhancer struct {
	profiles *lru.Cache[string, FieldProfile]
}

// NewContextEnhancer creates an enhancer with a profile memo of size entries.
func NewContextEnhancer(size int) (*ContextEnhancer, error) {
	if size <= 0 {
		size = DefaultProfileCacheSize
	}
	c, err := lru.New[string, FieldProfile](size)
	if err != nil {
		return nil, fmt.Errorf("NewContextEnhancer: %w", err)
	}
	return &ContextEnhancer{profiles: c}, nil
}

// Profile categorizes fields under the rules of t.
func (e *ContextEnhancer) Profile(fields FieldCatalog, t *Tables) FieldProfile {
	if len(fields) == 0 {
		return FieldProfile{Counts: map[FieldCategory]int{}}
	}
	key := profileKey(fields, t)
	if e != nil && e.profiles != nil {
		if p, ok := e.profiles.Get(key); ok {
			return p
		}
	}

	p := FieldProfile{Counts: make(map[FieldCategory]int)}
	for _, f := range fields {
		if c, ok := t.categorize(f); ok {
			p.Counts[c]++
		} else {
			p.Uncategorized++
		}
	}
	if e != nil && e.profiles != nil {
		e.profiles.Add(key, p)
	}
	return p
}

// Enhance applies dataset context boosts to scores.
func (e *ContextEnhancer) Enhance(scores ScoreSet, fields FieldCatalog, t *Tables) (ScoreSet, []LayerContribution) {
	profile := e.Profile(fields, t)
	present := profile.Categories()
	if len(present) == 0 {
		return scores, nil
	}

	cs := t.Settings().Context
	scoreCap := t.Settings().Vocabulary.ScoreCap
	out := scores.Clone()
	var trace []LayerContribution
	for i, v := range out.scores {
		if v <= 0 {
			continue
		}
		var shared []string
		for _, c := range present {
			if t.endpointCategories[i][c] {
				shared = append(shared, string(c))
			}
		}
		if len(shared) == 0 {
			continue
		}
		delta := math.Min(cs.MaxBoost, float64(len(shared))*cs.BoostPerCategory)
		out.scores[i] = clamp(v+delta, 0, scoreCap)
		trace = append(trace, LayerContribution{
			Layer:    LayerContext,
			Detail:   "dataset fields: " + strings.Join(shared, ", "),
			Endpoint: t.endpoint(i).ID,
			Delta:    roundScore(out.scores[i] - v),
		})
	}
	return out, trace
}

func profileKey(fields FieldCatalog, t *Tables) string {
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	h := sha256.New()
	fmt.Fprintf(h, "%d/%p\n", t.Generation(), t)
	for _, f := range sorted {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
