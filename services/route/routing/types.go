// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routing decides which analysis endpoint a free-text question should
// be sent to.
//
// The hybrid pipeline is deterministic: scope validation, signature-based
// intent classification, domain vocabulary adaptation, dataset context
// boosting, and confidence aggregation. An optional embedding cross-check
// (SemanticRouter) runs only for low-confidence or unusual queries. The
// Orchestrator runs these as an ordered Stage chain, caches results, and
// falls back to a keyword scorer if any stage fails, so Route always returns
// a result.
package routing

import (
	"time"
)

// =============================================================================
// Request / Query
// =============================================================================

// Request is one routing request.
type Request struct {
	// Query is the user's question. Required.
	Query string `json:"query"`

	// Domain selects a business domain. Empty means the active domain.
	Domain string `json:"domain,omitempty"`

	// DatasetFieldNames lists the field names of the active dataset.
	DatasetFieldNames []string `json:"dataset_field_names,omitempty"`

	// Hints are short snippets of prior conversation. Used only when the
	// query alone is ambiguous.
	Hints []string `json:"hints,omitempty"`
}

// Query is a normalized, tokenized question. Immutable once created.
type Query struct {
	// Raw is the text as received.
	Raw string

	// Normalized is lowercased with whitespace collapsed.
	Normalized string

	// Tokens are the stemmed tokens of Normalized.
	Tokens []string

	// Hints are prior-conversation hints, normalized.
	Hints []string
}

// NewQuery normalizes and tokenizes raw.
func NewQuery(raw string, hints ...string) *Query {
	q := &Query{
		Raw:        raw,
		Normalized: Normalize(raw),
	}
	q.Tokens = Tokenize(q.Normalized)
	for _, h := range hints {
		if n := Normalize(h); n != "" {
			q.Hints = append(q.Hints, n)
		}
	}
	return q
}

// withHints returns a query whose text is the original followed by its hints.
func (q *Query) withHints() *Query {
	if len(q.Hints) == 0 {
		return q
	}
	text := q.Normalized
	for _, h := range q.Hints {
		text += " " + h
	}
	return &Query{Raw: q.Raw, Normalized: text, Tokens: Tokenize(text)}
}

// =============================================================================
// Scope
// =============================================================================

// Scope is the scope verdict.
type Scope string

const (
	ScopeInScope    Scope = "in_scope"
	ScopeOutOfScope Scope = "out_of_scope"
	ScopeBorderline Scope = "borderline"
)

// ScopeVerdict is the output of the ScopeValidator.
type ScopeVerdict struct {
	Scope Scope `json:"scope"`

	// Score is the scope score in [0,1]; 0.5 is the in/out boundary.
	Score float64 `json:"score"`

	// MatchedTerms are the domain vocabulary terms found in the query.
	MatchedTerms []string `json:"matched_terms,omitempty"`

	// OutOfScopeTerms are the out-of-scope indicators found in the query.
	OutOfScopeTerms []string `json:"out_of_scope_terms,omitempty"`

	// Suggestions redirect the user when the query is out of scope.
	Suggestions []string `json:"suggestions,omitempty"`
}

// =============================================================================
// Decision
// =============================================================================

// Action is what the caller should do with a routing decision.
type Action string

const (
	ActionRoute                 Action = "ROUTE"
	ActionRouteWithAlternatives Action = "ROUTE_WITH_ALTERNATIVES"
	ActionClarify               Action = "CLARIFY"
	ActionReject                Action = "REJECT"
)

// Alternative is a ranked runner-up endpoint.
type Alternative struct {
	Endpoint   string  `json:"endpoint"`
	Confidence float64 `json:"confidence"`
}

// Decision is the output of the ConfidenceAggregator, possibly revised by
// the semantic stage.
type Decision struct {
	Action Action

	// Endpoint is the chosen endpoint id. Empty for CLARIFY and REJECT.
	Endpoint string

	// Confidence is in [0,1].
	Confidence float64

	// Threshold is the chosen endpoint's confidence threshold.
	Threshold float64

	// TopScore and SecondScore are the two best hybrid scores.
	TopScore    float64
	SecondScore float64

	// TopCandidate is the best-scoring endpoint even when the action is CLARIFY.
	TopCandidate string

	Alternatives []Alternative
}

// =============================================================================
// Trace
// =============================================================================

// Layer names reported in routing_layers_executed and the reasoning trace.
const (
	LayerScope       = "scope_validation"
	LayerClassifier  = "intent_classification"
	LayerVocabulary  = "vocabulary_adaptation"
	LayerContext     = "context_enhancement"
	LayerAggregation = "confidence_aggregation"
	LayerSemantic    = "semantic_verification"
	LayerHints       = "conversation_hints"
	LayerKeyword     = "keyword_fallback"
	LayerGeneric     = "generic_reject"
)

// LayerContribution is one entry of the reasoning trace.
type LayerContribution struct {
	Layer    string  `json:"layer"`
	Detail   string  `json:"detail"`
	Endpoint string  `json:"endpoint,omitempty"`
	Delta    float64 `json:"delta,omitempty"`
}

// SemanticVerification reports what the semantic layer did.
type SemanticVerification struct {
	Used            bool    `json:"used"`
	Agreed          bool    `json:"agreed"`
	ConfidenceBoost float64 `json:"confidence_boost"`

	// Endpoint and Confidence are the semantic pick, when one was made.
	Endpoint   string  `json:"endpoint,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	// Adopted is true when the semantic pick replaced the hybrid pick.
	Adopted bool `json:"adopted,omitempty"`

	// Reason explains why the layer was skipped or unavailable.
	Reason string `json:"reason,omitempty"`
}

// =============================================================================
// RoutingResult
// =============================================================================

// RoutingResult is the final answer for one query.
//
// Description:
//
//	Exactly one of these holds: Action is ROUTE and Confidence is at least the
//	endpoint's threshold; Action is ROUTE_WITH_ALTERNATIVES and Endpoint is a
//	provisional pick with Alternatives listed; or Action is CLARIFY/REJECT
//	and Endpoint is nil.
type RoutingResult struct {
	Success      bool          `json:"success"`
	Endpoint     *string       `json:"endpoint"`
	Confidence   float64       `json:"confidence"`
	Scope        Scope         `json:"scope"`
	Reasoning    string        `json:"reasoning"`
	Alternatives []Alternative `json:"alternatives"`

	SemanticVerification *SemanticVerification `json:"semantic_verification,omitempty"`

	LayersExecuted   []string `json:"routing_layers_executed"`
	ProcessingTimeMs float64  `json:"processing_time_ms"`

	Action         Action              `json:"action"`
	State          State               `json:"state"`
	Suggestions    []string            `json:"suggestions,omitempty"`
	Trace          []LayerContribution `json:"trace,omitempty"`
	TargetVariable string              `json:"target_variable,omitempty"`
	Domain         string              `json:"domain,omitempty"`
	CacheHit       bool                `json:"cache_hit"`
	RequestID      string              `json:"request_id,omitempty"`
	ErrorCode      string              `json:"error_code,omitempty"`

	// Generation is the configuration snapshot that produced the result.
	Generation uint64 `json:"config_generation"`

	// Fallback is true when the hybrid pipeline failed and a fallback stage
	// produced the result.
	Fallback bool `json:"fallback,omitempty"`
}

// EndpointID returns the endpoint or "" when none was chosen.
func (r *RoutingResult) EndpointID() string {
	if r.Endpoint == nil {
		return ""
	}
	return *r.Endpoint
}

// Err maps the result to ErrOutOfScope or ErrAmbiguousQuery, or nil when the
// query was routed.
func (r *RoutingResult) Err() error {
	switch r.Action {
	case ActionReject:
		return ErrOutOfScope
	case ActionClarify:
		return ErrAmbiguousQuery
	default:
		return nil
	}
}

// Clone returns a deep copy so cached results are never shared with callers.
func (r *RoutingResult) Clone() *RoutingResult {
	cp := *r
	if r.Endpoint != nil {
		ep := *r.Endpoint
		cp.Endpoint = &ep
	}
	cp.Alternatives = append([]Alternative(nil), r.Alternatives...)
	if cp.Alternatives == nil {
		cp.Alternatives = []Alternative{}
	}
	cp.LayersExecuted = append([]string(nil), r.LayersExecuted...)
	cp.Suggestions = append([]string(nil), r.Suggestions...)
	cp.Trace = append([]LayerContribution(nil), r.Trace...)
	if r.SemanticVerification != nil {
		sv := *r.SemanticVerification
		cp.SemanticVerification = &sv
	}
	return &cp
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
