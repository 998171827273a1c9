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
	"math"
	"sort"
	"strings"
)

// VocabularyAdapter applies the domain vocabulary to classifier scores.
//
// Description:
//
//	In order:
//	  1. Synonym expansion. Alternate phrasings are rewritten to canonical
//	     terms and competitive-context phrases add the token "competitive".
//	     If the text changed, it is re-classified and each endpoint keeps the
//	     higher of the two scores.
//	  2. Boost terms (catalog and domain): +BoostPerTerm per distinct match,
//	     at most MaxBoost per endpoint.
//	  3. Avoid/penalty terms (catalog and domain): -PenaltyPerTerm per
//	     distinct match, at most MaxPenalty per endpoint.
//	  4. Brand comparison: two distinct brands plus a comparison marker add
//	     BrandComparisonBonus to the brand comparison endpoint and subtract
//	     CompetitivePenalty from the competitive endpoint.
//	  5. Clamp to [0, ScoreCap], then lower every other endpoint tied at the
//	     maximum by TieEpsilon. The brand comparison endpoint wins the tie
//	     when rule 4 fired.
//
// Thread Safety: Stateless; safe for concurrent use.
type VocabularyAdapter struct {
	classifier IntentClassifier
}

// Adapt returns adjusted scores, the trace entries explaining them, and the
// endpoint that wins ties at the maximum ("" when no rule prefers one).
func (a VocabularyAdapter) Adapt(q *Query, scores ScoreSet, dt *DomainTables) (ScoreSet, []LayerContribution, string) {
	t := dt.parent
	vs := t.Settings().Vocabulary
	out := scores.Clone()
	var trace []LayerContribution

	views := [][]string{q.Tokens}
	rewritten, applied, changed := dt.rewrite(q.Tokens)
	if changed {
		views = append(views, rewritten)
		re := a.classifier.classifyTokens(rewritten, t)
		for i, v := range re.scores {
			if v > out.scores[i] {
				out.scores[i] = v
				out.longest[i] = re.longest[i]
			}
		}
		trace = append(trace, LayerContribution{
			Layer:  LayerVocabulary,
			Detail: "synonym expansion: " + strings.Join(applied, "; "),
		})
	}

	boosts := matchPerEndpoint(dt.boosts, t.NumEndpoints(), views...)
	for i, terms := range boosts {
		if len(terms) == 0 {
			continue
		}
		delta := math.Min(vs.MaxBoost, float64(len(terms))*vs.BoostPerTerm)
		out.scores[i] += delta
		trace = append(trace, LayerContribution{
			Layer:    LayerVocabulary,
			Detail:   "boost terms: " + strings.Join(terms, ", "),
			Endpoint: t.endpoint(i).ID,
			Delta:    roundScore(delta),
		})
	}

	penalties := matchPerEndpoint(dt.penalties, t.NumEndpoints(), views...)
	for i, terms := range penalties {
		if len(terms) == 0 {
			continue
		}
		delta := math.Min(vs.MaxPenalty, float64(len(terms))*vs.PenaltyPerTerm)
		out.scores[i] = math.Max(0, out.scores[i]-delta)
		trace = append(trace, LayerContribution{
			Layer:    LayerVocabulary,
			Detail:   "avoid terms: " + strings.Join(terms, ", "),
			Endpoint: t.endpoint(i).ID,
			Delta:    -roundScore(delta),
		})
	}

	preferred := -1
	if brands, ok := dt.brandComparison(q.Tokens); ok {
		preferred = dt.brandEndpoint
		out.scores[dt.brandEndpoint] += vs.BrandComparisonBonus
		out.scores[dt.competitiveEndpoint] = math.Max(0, out.scores[dt.competitiveEndpoint]-vs.CompetitivePenalty)
		trace = append(trace,
			LayerContribution{
				Layer:    LayerVocabulary,
				Detail:   "brand comparison: " + strings.Join(brands, " vs "),
				Endpoint: t.endpoint(dt.brandEndpoint).ID,
				Delta:    vs.BrandComparisonBonus,
			},
			LayerContribution{
				Layer:    LayerVocabulary,
				Detail:   "brand comparison is more specific than general competitive analysis",
				Endpoint: t.endpoint(dt.competitiveEndpoint).ID,
				Delta:    -vs.CompetitivePenalty,
			},
		)
	}

	for i := range out.scores {
		out.scores[i] = clamp(out.scores[i], 0, vs.ScoreCap)
	}
	if winner, lowered := out.detie(vs.TieEpsilon, preferred); lowered > 0 {
		trace = append(trace, LayerContribution{
			Layer:    LayerVocabulary,
			Detail:   fmt.Sprintf("tie at %.2f broken in favor of %s (%d lowered)", out.scores[winner], t.endpoint(winner).ID, lowered),
			Endpoint: t.endpoint(winner).ID,
		})
	}
	var preferredID string
	if preferred >= 0 {
		preferredID = t.endpoint(preferred).ID
	}
	return out, trace, preferredID
}

// brandComparison reports whether tokens name two distinct brands and contain
// a comparison marker. It returns the brand names found.
func (dt *DomainTables) brandComparison(tokens []string) ([]string, bool) {
	if dt.brandEndpoint < 0 {
		return nil, false
	}
	seen := make(map[int]bool)
	dt.brands.scan(tokens, func(_ string, _ int, brand int) {
		seen[brand] = true
	})
	if len(seen) < 2 || !dt.markers.any(tokens) {
		return nil, false
	}
	idx := make([]int, 0, len(seen))
	for b := range seen {
		idx = append(idx, b)
	}
	sort.Ints(idx)
	names := make([]string, len(idx))
	for i, b := range idx {
		names[i] = dt.Config.Brands[b].Name
	}
	return names, true
}

// matchPerEndpoint returns, per endpoint index, the distinct lexicon keys
// found in any of the token views.
func matchPerEndpoint(lex *lexicon[int], n int, views ...[]string) [][]string {
	out := make([][]string, n)
	seen := make(map[int]map[string]bool)
	for _, toks := range views {
		lex.scan(toks, func(key string, _ int, ep int) {
			if seen[ep] == nil {
				seen[ep] = make(map[string]bool)
			}
			if seen[ep][key] {
				return
			}
			seen[ep][key] = true
			out[ep] = append(out[ep], key)
		})
	}
	return out
}
