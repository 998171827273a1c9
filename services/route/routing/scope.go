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

// ScopeValidator decides whether a query belongs to the served domain.
//
// Description:
//
//	score = clamp(0.5 + scale * (domainHits - outOfScopeHits), 0, 1)
//
//	domainHits sums the tier weight of every distinct domain vocabulary term
//	in the query (primary, secondary, context; catalog signature terms count
//	as context). outOfScopeHits counts distinct out-of-scope indicators.
//	Below OutOfScopeThreshold the verdict is out_of_scope; within
//	BorderlineBand of 0.5 it is borderline; otherwise in_scope.
//
// Thread Safety: Stateless; safe for concurrent use.
type ScopeValidator struct{}

// Validate computes the scope verdict for q under domain dt.
func (ScopeValidator) Validate(q *Query, dt *DomainTables) ScopeVerdict {
	s := dt.parent.Settings().Scope

	var domainHits float64
	var matched []string
	dt.scopeTerms.scan(q.Tokens, func(key string, _ int, ref scopeRef) {
		domainHits += ref.weight
		matched = append(matched, key)
	})
	oos := dt.outOfScope.matches(q.Tokens)

	score := clamp(0.5+s.Scale*(domainHits-float64(len(oos))), 0, 1)

	v := ScopeVerdict{
		Score:           score,
		MatchedTerms:    matched,
		OutOfScopeTerms: oos,
	}
	switch {
	case score < s.OutOfScopeThreshold:
		v.Scope = ScopeOutOfScope
		v.Suggestions = append([]string(nil), dt.Config.OutOfScope.Suggestions...)
	case math.Abs(score-0.5) <= s.BorderlineBand+1e-9:
		v.Scope = ScopeBorderline
	default:
		v.Scope = ScopeInScope
	}
	return v
}
