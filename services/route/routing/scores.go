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

// scorePrecision is the rounding applied to every score so that equal sums
// computed in different orders compare equal.
const scorePrecision = 1e6

func roundScore(v float64) float64 {
	return math.Round(v*scorePrecision) / scorePrecision
}

func clamp(v, lo, hi float64) float64 {
	return roundScore(math.Max(lo, math.Min(hi, v)))
}

// EndpointScore is one row of a ranking.
type EndpointScore struct {
	ID       string
	Score    float64
	Priority int

	// Longest is the word count of the longest matched signature phrase.
	Longest int
}

// ScoreSet holds one score per catalog endpoint.
//
// Description:
//
//	Indexed by catalog position. Each pipeline layer returns a new ScoreSet;
//	none mutates its input.
//
// Thread Safety: Not safe for concurrent mutation. Layers copy before writing.
type ScoreSet struct {
	tables  *Tables
	scores  []float64
	longest []int
}

func newScoreSet(t *Tables) ScoreSet {
	return ScoreSet{
		tables:  t,
		scores:  make([]float64, t.NumEndpoints()),
		longest: make([]int, t.NumEndpoints()),
	}
}

// Clone returns an independent copy.
func (s ScoreSet) Clone() ScoreSet {
	return ScoreSet{
		tables:  s.tables,
		scores:  append([]float64(nil), s.scores...),
		longest: append([]int(nil), s.longest...),
	}
}

// Get returns the score for endpoint id (0 if unknown).
func (s ScoreSet) Get(id string) float64 {
	i, ok := s.tables.byID[id]
	if !ok {
		return 0
	}
	return s.scores[i]
}

// Map returns endpoint id to score for every endpoint with a positive score.
func (s ScoreSet) Map() map[string]float64 {
	out := make(map[string]float64)
	for i, v := range s.scores {
		if v > 0 {
			out[s.tables.endpoint(i).ID] = v
		}
	}
	return out
}

// Max returns the highest score.
func (s ScoreSet) Max() float64 {
	m := 0.0
	for _, v := range s.scores {
		if v > m {
			m = v
		}
	}
	return m
}

// Ranked returns every endpoint ordered by score desc, priority asc, longest
// matched phrase desc, then id asc.
func (s ScoreSet) Ranked() []EndpointScore {
	out := make([]EndpointScore, len(s.scores))
	for i, v := range s.scores {
		ep := s.tables.endpoint(i)
		out[i] = EndpointScore{ID: ep.ID, Score: v, Priority: ep.Priority, Longest: s.longest[i]}
	}
	sort.SliceStable(out, func(a, b int) bool { return rankLess(out[a], out[b]) })
	return out
}

func rankLess(a, b EndpointScore) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.Longest != b.Longest {
		return a.Longest > b.Longest
	}
	return a.ID < b.ID
}

// detie lowers every endpoint sharing the maximum, except the winner, to
// max - epsilon. preferred wins when it is among the tied endpoints;
// otherwise the ranking order decides. Returns the winner index and how many
// endpoints were lowered.
func (s ScoreSet) detie(epsilon float64, preferred int) (int, int) {
	top := s.Max()
	if top <= 0 {
		return -1, 0
	}
	var tied []int
	for i, v := range s.scores {
		if v == top {
			tied = append(tied, i)
		}
	}
	if len(tied) < 2 {
		return tied[0], 0
	}

	winner := -1
	for _, i := range tied {
		if i == preferred {
			winner = i
		}
	}
	if winner < 0 {
		winner = tied[0]
		for _, i := range tied[1:] {
			if rankLess(s.row(i), s.row(winner)) {
				winner = i
			}
		}
	}
	for _, i := range tied {
		if i != winner {
			s.scores[i] = clamp(top-epsilon, 0, top)
		}
	}
	return winner, len(tied) - 1
}

func (s ScoreSet) row(i int) EndpointScore {
	ep := s.tables.endpoint(i)
	return EndpointScore{ID: ep.ID, Score: s.scores[i], Priority: ep.Priority, Longest: s.longest[i]}
}

// summary renders the top n positive scores for the reasoning trace.
func (s ScoreSet) summary(n int) string {
	ranked := s.Ranked()
	parts := make([]string, 0, n)
	for _, r := range ranked {
		if len(parts) == n || r.Score <= 0 {
			break
		}
		parts = append(parts, fmt.Sprintf("%s=%.2f", r.ID, r.Score))
	}
	if len(parts) == 0 {
		return "no endpoint matched"
	}
	return strings.Join(parts, ", ")
}
