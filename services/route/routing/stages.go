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
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// =============================================================================
// Stage Chain
// =============================================================================

// StageResult is what a stage reports back to the orchestrator.
type StageResult struct {
	// Terminal ends the chain; the request has reached a terminal state.
	Terminal bool

	// Err sends the request to the fallback chain.
	Err error
}

// stage is one step of the routing pipeline.
//
// Stages read and write the request's routingState and advance its state
// machine. They never share state across requests.
type stage interface {
	Name() string
	Run(ctx context.Context, rs *routingState) StageResult
}

// routingState is the per-request working state threaded through the chain.
type routingState struct {
	query      *Query
	tables     *Tables
	domain     *DomainTables
	domainName string
	fields     FieldCatalog

	verdict  ScopeVerdict
	raw      ScoreSet
	scores   ScoreSet
	decision Decision

	// preferred is the endpoint the vocabulary adapter chose to win ties.
	preferred string
	semantic *SemanticVerification

	layers  []string
	trace   []LayerContribution
	machine *stateMachine

	// fallback is set once the hybrid chain failed; failure is why.
	fallback bool
	failure  error

	// degraded marks a result computed while an optional capability was
	// failing. Degraded results are not cached.
	degraded bool
}

func newRoutingState(q *Query, t *Tables, dt *DomainTables, domain string, fields FieldCatalog) *routingState {
	return &routingState{
		query:      q,
		tables:     t,
		domain:     dt,
		domainName: domain,
		fields:     fields,
		layers:     []string{},
		machine:    newStateMachine(),
	}
}

// ran records that layer executed, with its trace entries.
func (rs *routingState) ran(layer string, entries ...LayerContribution) {
	rs.layers = append(rs.layers, layer)
	rs.trace = append(rs.trace, entries...)
}

// runStage executes s under a span, with timing and panic recovery.
func runStage(ctx context.Context, s stage, rs *routingState) (res StageResult) {
	ctx, span := routingTracer().Start(ctx, "routing."+s.Name())
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = StageResult{Err: fmt.Errorf("stage %s panicked: %v", s.Name(), r)}
			stageErrorsTotal.WithLabelValues(s.Name(), "panic").Inc()
		}
		stageDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
		span.SetAttributes(
			attribute.String("routing.stage", s.Name()),
			attribute.String("routing.state", string(rs.machine.state)),
			attribute.Bool("routing.terminal", res.Terminal),
		)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
		span.End()
	}()
	return s.Run(ctx, rs)
}

// stageErrorKind labels a stage error for metrics.
func stageErrorKind(err error) string {
	if errors.Is(err, ErrIllegalTransition) {
		return "transition"
	}
	return "error"
}

// =============================================================================
// Hybrid Stages
// =============================================================================

type scopeStage struct{}

func (scopeStage) Name() string { return LayerScope }

func (scopeStage) Run(_ context.Context, rs *routingState) StageResult {
	rs.verdict = ScopeValidator{}.Validate(rs.query, rs.domain)
	rs.ran(LayerScope, LayerContribution{Layer: LayerScope, Detail: describeVerdict(rs.verdict)})
	if err := rs.machine.advance(StateValidated); err != nil {
		return StageResult{Err: err}
	}
	if rs.verdict.Scope != ScopeOutOfScope {
		return StageResult{}
	}
	rs.decision = ConfidenceAggregator{}.Decide(ScoreSet{}, rs.verdict, rs.tables, "")
	if err := rs.machine.advance(StateRejected); err != nil {
		return StageResult{Err: err}
	}
	return StageResult{Terminal: true}
}

type classifyStage struct{}

func (classifyStage) Name() string { return LayerClassifier }

func (classifyStage) Run(_ context.Context, rs *routingState) StageResult {
	rs.raw = IntentClassifier{}.Classify(rs.query, rs.tables)
	rs.scores = rs.raw
	rs.ran(LayerClassifier, LayerContribution{Layer: LayerClassifier, Detail: "signature match: " + rs.raw.summary(3)})
	return StageResult{Err: rs.machine.advance(StateClassified)}
}

type adaptStage struct{}

func (adaptStage) Name() string { return LayerVocabulary }

func (adaptStage) Run(_ context.Context, rs *routingState) StageResult {
	scores, trace, preferred := VocabularyAdapter{}.Adapt(rs.query, rs.scores, rs.domain)
	rs.scores, rs.preferred = scores, preferred
	rs.ran(LayerVocabulary, trace...)
	return StageResult{Err: rs.machine.advance(StateAdapted)}
}

type contextStage struct {
	enhancer *ContextEnhancer
}

func (contextStage) Name() string { return LayerContext }

func (s contextStage) Run(_ context.Context, rs *routingState) StageResult {
	scores, trace := s.enhancer.Enhance(rs.scores, rs.fields, rs.tables)
	rs.scores = scores
	rs.ran(LayerContext, trace...)
	return StageResult{Err: rs.machine.advance(StateEnhanced)}
}

type aggregateStage struct{}

func (aggregateStage) Name() string { return LayerAggregation }

func (aggregateStage) Run(_ context.Context, rs *routingState) StageResult {
	if err := rs.machine.advance(StateScored); err != nil {
		return StageResult{Err: err}
	}
	rs.decision = ConfidenceAggregator{}.Decide(rs.scores, rs.verdict, rs.tables, rs.preferred)
	rs.ran(LayerAggregation, LayerContribution{
		Layer:    LayerAggregation,
		Detail:   describeDecision(rs.decision),
		Endpoint: rs.decision.Endpoint,
	})
	return StageResult{Err: rs.machine.advance(StateDecided)}
}

// hintsStage re-runs scoring on the query plus conversation hints when the
// query alone was ambiguous. The hinted decision replaces the original only
// if it is not CLARIFY itself.
type hintsStage struct {
	enhancer *ContextEnhancer
}

func (hintsStage) Name() string { return LayerHints }

func (s hintsStage) Run(_ context.Context, rs *routingState) StageResult {
	if rs.decision.Action != ActionClarify || len(rs.query.Hints) == 0 {
		return StageResult{}
	}
	hq := rs.query.withHints()

	verdict := ScopeValidator{}.Validate(hq, rs.domain)
	if verdict.Scope == ScopeOutOfScope {
		verdict = rs.verdict
	}
	raw := IntentClassifier{}.Classify(hq, rs.tables)
	scores, _, preferred := VocabularyAdapter{}.Adapt(hq, raw, rs.domain)
	scores, _ = s.enhancer.Enhance(scores, rs.fields, rs.tables)
	d := ConfidenceAggregator{}.Decide(scores, verdict, rs.tables, preferred)

	if d.Action == ActionClarify {
		rs.ran(LayerHints, LayerContribution{
			Layer:  LayerHints,
			Detail: fmt.Sprintf("%d conversation hints did not resolve the ambiguity", len(rs.query.Hints)),
		})
		return StageResult{}
	}
	rs.raw, rs.scores, rs.verdict, rs.decision = raw, scores, verdict, d
	rs.preferred = preferred
	rs.ran(LayerHints, LayerContribution{
		Layer:    LayerHints,
		Detail:   fmt.Sprintf("conversation hints resolved the ambiguity: %s", describeDecision(d)),
		Endpoint: d.Endpoint,
	})
	return StageResult{}
}

// semanticStage cross-checks low-confidence or unusual decisions with the
// SemanticRouter. Every semantic failure degrades to the hybrid decision.
type semanticStage struct {
	router SemanticRouter
	logger *slog.Logger
}

func (semanticStage) Name() string { return LayerSemantic }

func (s semanticStage) Run(ctx context.Context, rs *routingState) StageResult {
	d := rs.decision
	set := rs.tables.Settings().Semantic
	if d.Action == ActionReject || s.router == nil || !set.IsEnabled() {
		return StageResult{}
	}
	creative := rs.domain.creative.any(rs.query.Tokens)
	weak := rs.raw.Max() < set.StrongMatchScore
	if d.Confidence >= set.TriggerConfidence && !creative && !weak {
		return StageResult{}
	}

	sv := &SemanticVerification{}
	rs.semantic = sv

	sctx, cancel := context.WithTimeout(ctx, set.Timeout)
	defer cancel()
	start := time.Now()
	verdict, err := s.router.Enhance(sctx, rs.query, d, rs.tables)
	semanticDuration.Observe(time.Since(start).Seconds())

	if err != nil || verdict == nil {
		outcome := semanticOutcome(err)
		semanticOutcomesTotal.WithLabelValues(outcome).Inc()
		if err != nil {
			rs.degraded = true
			sv.Reason = fmt.Sprintf("%s: %v", outcome, err)
			s.logger.Warn("semantic verification unavailable, keeping hybrid decision",
				slog.String("query", truncateForLog(rs.query.Normalized, 80)),
				slog.String("outcome", outcome),
				slog.String("error", err.Error()),
			)
		} else {
			sv.Reason = "no semantic capability configured"
		}
		rs.ran(LayerSemantic, LayerContribution{Layer: LayerSemantic, Detail: "skipped: " + sv.Reason})
		return StageResult{}
	}

	sv.Used = true
	sv.Endpoint = verdict.Endpoint
	sv.Confidence = roundScore(verdict.Confidence)

	pick := d.Endpoint
	if pick == "" {
		pick = d.TopCandidate
	}

	if verdict.Endpoint == pick {
		boosted := roundScore(math.Min(1, d.Confidence+set.AgreementBoost))
		sv.Agreed = true
		sv.ConfidenceBoost = roundScore(boosted - d.Confidence)
		d.Confidence = boosted
		if d.Action == ActionRouteWithAlternatives && d.Confidence >= d.Threshold {
			d.Action = ActionRoute
			d.Alternatives = []Alternative{}
		}
		semanticOutcomesTotal.WithLabelValues("agreed").Inc()
		rs.ran(LayerSemantic, LayerContribution{
			Layer:    LayerSemantic,
			Detail:   fmt.Sprintf("semantic match agrees (similarity %.2f)", sv.Confidence),
			Endpoint: pick,
			Delta:    sv.ConfidenceBoost,
		})
		rs.decision = d
		return StageResult{}
	}

	entry := LayerContribution{
		Layer:    LayerSemantic,
		Detail:   fmt.Sprintf("semantic match disagrees: %s (similarity %.2f)", verdict.Endpoint, sv.Confidence),
		Endpoint: verdict.Endpoint,
	}
	i, known := rs.tables.byID[verdict.Endpoint]
	if !known || d.Confidence >= set.FailureFloor || verdict.Confidence < set.MinConfidence {
		semanticOutcomesTotal.WithLabelValues("disagreed").Inc()
		rs.ran(LayerSemantic, entry)
		return StageResult{}
	}

	// Hybrid confidence is below the failure floor; adopt the semantic pick.
	ep := rs.tables.endpoint(i)
	adopted := Decision{
		Endpoint:     verdict.Endpoint,
		Confidence:   sv.Confidence,
		Threshold:    ep.ConfidenceThreshold,
		TopScore:     d.TopScore,
		SecondScore:  d.SecondScore,
		TopCandidate: d.TopCandidate,
		Alternatives: []Alternative{},
	}
	if adopted.Confidence >= adopted.Threshold {
		adopted.Action = ActionRoute
	} else {
		adopted.Action = ActionRouteWithAlternatives
		limit := rs.tables.Settings().Aggregator.MaxAlternatives
		for _, r := range rs.scores.Ranked() {
			if len(adopted.Alternatives) == limit || r.Score <= 0 {
				break
			}
			if r.ID != verdict.Endpoint {
				adopted.Alternatives = append(adopted.Alternatives, Alternative{Endpoint: r.ID, Confidence: r.Score})
			}
		}
	}
	sv.Adopted = true
	entry.Detail += "; hybrid confidence below failure floor, semantic pick adopted"
	semanticOutcomesTotal.WithLabelValues("adopted").Inc()
	rs.ran(LayerSemantic, entry)
	rs.decision = adopted
	return StageResult{}
}

// =============================================================================
// Fallback Stages
// =============================================================================

// keywordFallbackConfidence is the confidence reported for a keyword match.
// It stays below every sensible endpoint threshold, so a keyword result is
// always ROUTE_WITH_ALTERNATIVES.
const keywordFallbackConfidence = 0.3

// keywordFallbackStage routes by BM25 keyword overlap after a hybrid stage
// failed. It declines (non-terminal) for out-of-scope queries and when no
// endpoint shares a keyword with the query.
type keywordFallbackStage struct{}

func (keywordFallbackStage) Name() string { return LayerKeyword }

func (keywordFallbackStage) Run(_ context.Context, rs *routingState) StageResult {
	if rs.tables == nil || rs.domain == nil || rs.tables.keywords == nil {
		return StageResult{}
	}
	if rs.verdict.Scope == "" {
		rs.verdict = ScopeValidator{}.Validate(rs.query, rs.domain)
	}
	if rs.verdict.Scope == ScopeOutOfScope {
		return StageResult{}
	}
	ranked := rs.tables.keywords.Rank(rs.query.Normalized)
	if len(ranked) == 0 {
		return StageResult{}
	}

	top := ranked[0]
	ep := rs.tables.endpoint(rs.tables.byID[top.ID])
	d := Decision{
		Action:       ActionRouteWithAlternatives,
		Endpoint:     top.ID,
		Confidence:   keywordFallbackConfidence,
		Threshold:    ep.ConfidenceThreshold,
		TopScore:     keywordFallbackConfidence,
		TopCandidate: top.ID,
		Alternatives: []Alternative{},
	}
	limit := rs.tables.Settings().Aggregator.MaxAlternatives
	for _, r := range ranked[1:] {
		if len(d.Alternatives) == limit {
			break
		}
		d.Alternatives = append(d.Alternatives, Alternative{Endpoint: r.ID, Confidence: roundScore(keywordFallbackConfidence * r.Score)})
	}
	if len(ranked) > 1 {
		d.SecondScore = roundScore(keywordFallbackConfidence * ranked[1].Score)
	}

	rs.decision = d
	rs.ran(LayerKeyword, LayerContribution{
		Layer:    LayerKeyword,
		Detail:   "keyword match after pipeline failure",
		Endpoint: top.ID,
	})
	if err := rs.machine.abort(StateRouted); err != nil {
		return StageResult{Err: err}
	}
	return StageResult{Terminal: true}
}

// genericRejectStage ends every request the other stages could not. Always
// terminal.
type genericRejectStage struct{}

func (genericRejectStage) Name() string { return LayerGeneric }

func (genericRejectStage) Run(_ context.Context, rs *routingState) StageResult {
	rs.decision = Decision{Action: ActionReject, Alternatives: []Alternative{}}
	if rs.verdict.Scope == "" {
		rs.verdict = ScopeVerdict{Scope: ScopeBorderline, Score: 0.5}
	}
	if len(rs.verdict.Suggestions) == 0 && rs.domain != nil {
		rs.verdict.Suggestions = append([]string(nil), rs.domain.Config.OutOfScope.Suggestions...)
	}
	rs.ran(LayerGeneric, LayerContribution{Layer: LayerGeneric, Detail: "no stage could route the query"})
	if err := rs.machine.abort(StateRejected); err != nil {
		rs.machine.state = StateRejected
	}
	return StageResult{Terminal: true}
}

// =============================================================================
// Trace Text
// =============================================================================

func describeVerdict(v ScopeVerdict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (score %.2f)", v.Scope, v.Score)
	if len(v.MatchedTerms) > 0 {
		b.WriteString("; domain terms: " + strings.Join(v.MatchedTerms, ", "))
	}
	if len(v.OutOfScopeTerms) > 0 {
		b.WriteString("; out-of-scope terms: " + strings.Join(v.OutOfScopeTerms, ", "))
	}
	return b.String()
}

func describeDecision(d Decision) string {
	switch d.Action {
	case ActionRoute, ActionRouteWithAlternatives:
		return fmt.Sprintf("%s %s: top %.2f, second %.2f, threshold %.2f",
			d.Action, d.Endpoint, d.TopScore, d.SecondScore, d.Threshold)
	case ActionClarify:
		return fmt.Sprintf("%s: top %s %.2f, second %.2f", d.Action, d.TopCandidate, d.TopScore, d.SecondScore)
	default:
		return string(d.Action)
	}
}
