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

// ConfidenceAggregator turns final hybrid scores and the scope verdict into
// an action.
//
// Description:
//
//	REJECT                   scope is out_of_scope
//	CLARIFY                  top < LowConfidenceThreshold, or the scope is
//	                         borderline and top - second < DominanceMargin
//	ROUTE                    top >= the endpoint's confidence_threshold
//	ROUTE_WITH_ALTERNATIVES  otherwise; up to MaxAlternatives runner-ups
//
//	Scores are de-tied before ranking so the top endpoint is unique;
//	preferred (the vocabulary adapter's tie winner) wins a tie at the
//	maximum, otherwise the ranking order decides.
//
//	ROUTE_WITH_ALTERNATIVES may carry an empty list when no other endpoint
//	scored above zero.
//
// Thread Safety: Stateless; safe for concurrent use.
type ConfidenceAggregator struct{}

// Decide computes the decision.
func (ConfidenceAggregator) Decide(scores ScoreSet, verdict ScopeVerdict, t *Tables, preferred string) Decision {
	if verdict.Scope == ScopeOutOfScope {
		return Decision{Action: ActionReject, Alternatives: []Alternative{}}
	}

	s := t.Settings()
	final := scores.Clone()
	pref := -1
	if i, ok := t.byID[preferred]; ok {
		pref = i
	}
	final.detie(s.Vocabulary.TieEpsilon, pref)
	ranked := final.Ranked()

	top := ranked[0]
	var second float64
	if len(ranked) > 1 {
		second = ranked[1].Score
	}
	d := Decision{
		TopScore:     top.Score,
		SecondScore:  second,
		TopCandidate: top.ID,
		Confidence:   top.Score,
	}

	lowConfidence := top.Score < s.Aggregator.LowConfidenceThreshold
	noDominant := verdict.Scope == ScopeBorderline && top.Score-second < s.Aggregator.DominanceMargin
	if lowConfidence || noDominant {
		d.Action = ActionClarify
		d.Alternatives = alternatives(ranked, 0, s.Aggregator.MaxAlternatives)
		return d
	}

	ep := t.endpoint(t.byID[top.ID])
	d.Endpoint = top.ID
	d.Threshold = ep.ConfidenceThreshold
	if top.Score >= ep.ConfidenceThreshold {
		d.Action = ActionRoute
		d.Alternatives = []Alternative{}
		return d
	}
	d.Action = ActionRouteWithAlternatives
	d.Alternatives = alternatives(ranked, 1, s.Aggregator.MaxAlternatives)
	return d
}

// alternatives returns up to n positive-score rows of ranked starting at from.
func alternatives(ranked []EndpointScore, from, n int) []Alternative {
	out := []Alternative{}
	for i := from; i < len(ranked) && len(out) < n; i++ {
		if ranked[i].Score <= 0 {
			break
		}
		out = append(out, Alternative{Endpoint: ranked[i].ID, Confidence: ranked[i].Score})
	}
	return out
}
