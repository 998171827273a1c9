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
)

// IntentClassifier scores every catalog endpoint against a query using the
// endpoints' four-category signatures.
//
// Description:
//
//	For each endpoint and category, every distinct matched term contributes
//	its specificity:
//
//	  specificity = SingleTermWeight + PhraseBonus * (words - 1)
//
//	so a two-word phrase (1.0) outweighs a single word (0.8). The category
//	sub-score is capped at CategoryCap. The raw score is the weighted sum of
//	the four sub-scores with weights normalized to sum to one.
//
//	Ties are not broken here; ScoreSet.Ranked orders equal scores by static
//	priority and then by the longest matched phrase.
//
// Thread Safety: Stateless; safe for concurrent use.
type IntentClassifier struct{}

// Classify scores q against every endpoint in t.
func (c IntentClassifier) Classify(q *Query, t *Tables) ScoreSet {
	return c.classifyTokens(q.Tokens, t)
}

func (IntentClassifier) classifyTokens(tokens []string, t *Tables) ScoreSet {
	cs := t.Settings().Classifier
	weights := [numCategories]float64{cs.SubjectWeight, cs.AnalysisWeight, cs.ScopeWeight, cs.QualityWeight}
	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		total = 1
	}

	n := t.NumEndpoints()
	sums := make([][numCategories]float64, n)
	out := newScoreSet(t)

	t.signatures.scan(tokens, func(_ string, words int, ref sigRef) {
		sums[ref.endpoint][ref.category] += cs.SingleTermWeight + cs.PhraseBonus*float64(words-1)
		if words > out.longest[ref.endpoint] {
			out.longest[ref.endpoint] = words
		}
	})

	for i := 0; i < n; i++ {
		var raw float64
		for c := sigCategory(0); c < numCategories; c++ {
			raw += weights[c] * math.Min(cs.CategoryCap, sums[i][c])
		}
		out.scores[i] = clamp(raw/total, 0, 1)
	}
	return out
}
