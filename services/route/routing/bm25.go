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
	"math"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianRoute/services/route/config"
)

// =============================================================================
// BM25 Keyword Index
// =============================================================================

// BM25 tuning constants.
const (
	// bm25K1 controls term frequency saturation.
	bm25K1 = 1.5

	// bm25B controls document length normalization.
	bm25B = 0.75
)

// keywordStopwords never contribute to keyword scores.
var keywordStopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "for": true, "in": true,
	"on": true, "to": true, "and": true, "or": true, "by": true, "with": true,
	"me": true, "my": true, "show": true, "what": true, "which": true,
	"is": true, "are": true, "do": true, "how": true, "tell": true, "about": true,
	"across": true, "between": true, "our": true, "we": true, "i": true,
}

type bm25Doc struct {
	endpoint string
	tf       map[string]int
	len      int
}

// BM25Index ranks endpoints by keyword overlap with a query.
//
// Description:
//
//	Each endpoint's document is its id words, description, signature terms,
//	and boost terms. Term presence is binary; IDF is Lucene-smoothed:
//	log((N+1)/(df+1)) + 1. It backs the keyword_fallback stage, which runs
//	only when the hybrid pipeline fails.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type BM25Index struct {
	docs   []bm25Doc
	idf    map[string]float64
	avgLen float64
}

// BuildBM25Index indexes the endpoints of cat. A nil or empty catalog yields
// an empty index that scores nothing.
func BuildBM25Index(cat *config.Catalog) *BM25Index {
	idx := &BM25Index{idf: make(map[string]float64)}
	if cat == nil || len(cat.Endpoints) == 0 {
		return idx
	}

	df := make(map[string]int)
	total := 0
	for i := range cat.Endpoints {
		doc := buildKeywordDoc(&cat.Endpoints[i])
		idx.docs = append(idx.docs, doc)
		total += doc.len
		for term := range doc.tf {
			df[term]++
		}
	}

	n := len(idx.docs)
	idx.avgLen = float64(total) / float64(n)
	for term, f := range df {
		idx.idf[term] = math.Log(float64(n+1)/float64(f+1)) + 1.0
	}
	return idx
}

func buildKeywordDoc(ep *config.EndpointDefinition) bm25Doc {
	parts := []string{strings.ReplaceAll(strings.TrimPrefix(ep.ID, "/"), "-", " "), ep.Description}
	parts = append(parts, ep.Signature.AllTerms()...)
	parts = append(parts, ep.BoostTerms...)

	tf := make(map[string]int)
	for term := range keywordTerms(strings.Join(parts, " ")) {
		tf[term] = 1
	}
	return bm25Doc{endpoint: ep.ID, tf: tf, len: len(tf)}
}

// keywordTerms returns the distinct non-stopword stems of text.
func keywordTerms(text string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range Tokenize(Normalize(text)) {
		if len(tok) < 2 || keywordStopwords[tok] {
			continue
		}
		out[tok] = true
	}
	return out
}

// IsEmpty reports whether the index holds no documents.
func (idx *BM25Index) IsEmpty() bool {
	return len(idx.docs) == 0
}

// Score returns endpoint id to BM25 score normalized by the best score, so
// the top endpoint scores 1.0. Endpoints scoring zero are omitted.
func (idx *BM25Index) Score(query string) map[string]float64 {
	scores := make(map[string]float64)
	if query == "" || idx.IsEmpty() {
		return scores
	}
	terms := keywordTerms(query)
	if len(terms) == 0 {
		return scores
	}

	var best float64
	for _, doc := range idx.docs {
		if s := bm25Score(terms, doc, idx.idf, idx.avgLen); s > 0 {
			scores[doc.endpoint] = s
			best = math.Max(best, s)
		}
	}
	for id := range scores {
		scores[id] = roundScore(scores[id] / best)
	}
	return scores
}

// Rank returns the positive scores of Score ordered by score desc, id asc.
func (idx *BM25Index) Rank(query string) []EndpointScore {
	scores := idx.Score(query)
	out := make([]EndpointScore, 0, len(scores))
	for id, s := range scores {
		out = append(out, EndpointScore{ID: id, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func bm25Score(terms map[string]bool, doc bm25Doc, idf map[string]float64, avgLen float64) float64 {
	dl := float64(doc.len)
	var score float64
	for term := range terms {
		tf, ok := doc.tf[term]
		if !ok {
			continue
		}
		w, ok := idf[term]
		if !ok {
			continue
		}
		f := float64(tf)
		score += w * (f * (bm25K1 + 1)) / (f + bm25K1*(1.0-bm25B+bm25B*dl/avgLen))
	}
	return score
}
