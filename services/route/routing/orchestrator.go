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
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianRoute/services/route/config"
)

// Additional error codes carried in responses.
const (
	ErrorCodeRoutingFailed = "ROUTING_FAILED"
	ErrorCodeUnknownDomain = "UNKNOWN_DOMAIN"
)

// DecisionRecorder receives every final routing result.
//
// Record is called on the request path and must not block; implementations
// buffer or drop.
type DecisionRecorder interface {
	Record(ctx context.Context, r *RoutingResult)
}

// =============================================================================
// Options
// =============================================================================

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSemanticRouter sets the semantic capability. Nil disables it.
func WithSemanticRouter(r SemanticRouter) Option {
	return func(o *Orchestrator) { o.semantic = r }
}

// WithDecisionCache replaces the default result cache. Nil disables caching.
func WithDecisionCache(c DecisionCache) Option {
	return func(o *Orchestrator) {
		o.cache = c
		o.cacheSet = true
		o.resultCache, _ = c.(*ResultCache)
	}
}

// WithFieldCatalogProvider supplies dataset field names for requests that
// carry none.
func WithFieldCatalogProvider(p FieldCatalogProvider) Option {
	return func(o *Orchestrator) { o.fields = p }
}

// WithDecisionRecorder sets the audit sink.
func WithDecisionRecorder(r DecisionRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator runs the routing pipeline for each request.
//
// Description:
//
//	Route resolves the domain and field catalog, consults the result cache,
//	and on a miss runs the hybrid stage chain:
//
//	  scope → classify → adapt → context → aggregate → hints → semantic
//
//	The first terminal stage ends the chain. A stage error, panic, or illegal
//	state transition sends the request to the fallback chain
//	(keyword_fallback → generic_reject), so Route always returns a result.
//
//	Lookup tables are compiled once per configuration generation and cached
//	behind an atomic pointer. Concurrent identical cache misses are coalesced
//	with singleflight.
//
// Thread Safety: Safe for concurrent use.
type Orchestrator struct {
	store *config.Store

	tables    atomic.Pointer[Tables]
	compileMu sync.Mutex

	semantic    SemanticRouter
	cache       DecisionCache
	cacheSet    bool
	resultCache *ResultCache
	fields      FieldCatalogProvider
	recorder    DecisionRecorder
	logger      *slog.Logger

	flight    singleflight.Group
	stages    []stage
	fallbacks []stage
}

// NewOrchestrator creates an orchestrator over store.
//
// Inputs:
//
//	store - Configuration store. Must hold a snapshot.
//	opts - Options.
//
// Outputs:
//
//	*Orchestrator - Ready to route.
//	error - A *ConfigurationError if the snapshot cannot be compiled.
func NewOrchestrator(store *config.Store, opts ...Option) (*Orchestrator, error) {
	if store == nil || store.Current() == nil {
		return nil, &ConfigurationError{Document: config.CatalogDocument, Reason: "no configuration snapshot loaded"}
	}
	o := &Orchestrator{
		store:    store,
		semantic: NoOpSemanticRouter{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	t, err := o.Tables()
	if err != nil {
		return nil, err
	}

	if !o.cacheSet {
		cs := t.Settings().Cache
		if cs.IsEnabled() {
			rc, err := NewResultCache(cs.MaxEntries, cs.TTL)
			if err != nil {
				return nil, &ConfigurationError{Document: config.SettingsDocument, Field: "cache", Reason: "invalid cache settings", Err: err}
			}
			o.cache, o.resultCache = rc, rc
		}
	}

	enhancer, err := NewContextEnhancer(DefaultProfileCacheSize)
	if err != nil {
		return nil, fmt.Errorf("NewOrchestrator: %w", err)
	}
	o.stages = []stage{
		scopeStage{},
		classifyStage{},
		adaptStage{},
		contextStage{enhancer: enhancer},
		aggregateStage{},
		hintsStage{enhancer: enhancer},
		semanticStage{router: o.semantic, logger: o.logger},
	}
	o.fallbacks = []stage{keywordFallbackStage{}, genericRejectStage{}}
	return o, nil
}

// Store returns the configuration store.
func (o *Orchestrator) Store() *config.Store { return o.store }

// Tables returns the lookup tables for the current snapshot, compiling them
// on the first call after a configuration change.
func (o *Orchestrator) Tables() (*Tables, error) {
	snap := o.store.Current()
	if t := o.tables.Load(); t != nil && t.Snapshot == snap {
		return t, nil
	}
	o.compileMu.Lock()
	defer o.compileMu.Unlock()
	if t := o.tables.Load(); t != nil && t.Snapshot == snap {
		return t, nil
	}

	start := time.Now()
	t, err := Compile(snap)
	if err != nil {
		return nil, err
	}
	o.tables.Store(t)
	configGeneration.Set(float64(snap.Generation))
	o.logger.Info("routing tables compiled",
		slog.Uint64("generation", snap.Generation),
		slog.Int("endpoints", t.NumEndpoints()),
		slog.String("active_domain", snap.ActiveDomain),
		slog.Duration("duration", time.Since(start)),
	)
	return t, nil
}

// CacheStats returns result cache counters. The second result is false when
// the default cache is not in use.
func (o *Orchestrator) CacheStats() (CacheStats, bool) {
	if o.resultCache == nil {
		return CacheStats{}, false
	}
	return o.resultCache.Stats(), true
}

// PurgeCache drops every cached result. Returns false when the default cache
// is not in use.
func (o *Orchestrator) PurgeCache() bool {
	if o.resultCache == nil {
		return false
	}
	o.resultCache.Purge()
	return true
}

// RunCacheSweeper sweeps expired results until ctx is cancelled.
func (o *Orchestrator) RunCacheSweeper(ctx context.Context) {
	if o.resultCache == nil {
		return
	}
	interval := config.DefaultCacheSweepInterval
	if t := o.tables.Load(); t != nil {
		interval = t.Settings().Cache.SweepInterval
	}
	o.resultCache.Run(ctx, interval, o.logger)
}

// Route decides where req should go.
//
// Description:
//
//	Never returns an error and never panics. Out-of-scope and ambiguous
//	queries are reported through the result's Action and ErrorCode; use
//	RoutingResult.Err for the matching sentinel.
//
// Inputs:
//
//	ctx - Cancellation and trace context. Bounds the semantic call.
//	req - The request.
//
// Outputs:
//
//	*RoutingResult - The decision. Owned by the caller.
func (o *Orchestrator) Route(ctx context.Context, req Request) (result *RoutingResult) {
	start := time.Now()
	ctx, span := routingTracer().Start(ctx, "routing.Route")
	defer span.End()

	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := o.logger.With(slog.String("request_id", requestID))

	source := "pipeline"
	defer func() {
		if r := recover(); r != nil {
			logger.Error("routing panicked outside a stage", slog.Any("panic", r))
			rs := newRoutingState(NewQuery(req.Query), nil, nil, req.Domain, nil)
			rs.fallback = true
			rs.failure = fmt.Errorf("route panicked: %v", r)
			runStage(ctx, genericRejectStage{}, rs)
			result = o.buildResult(rs)
			source = "fallback"
		}
		result.RequestID = requestID
		result.ProcessingTimeMs = msSince(start)
		span.SetAttributes(
			attribute.String("routing.action", string(result.Action)),
			attribute.String("routing.endpoint", result.EndpointID()),
			attribute.Float64("routing.confidence", result.Confidence),
			attribute.Bool("routing.cache_hit", result.CacheHit),
			attribute.String("routing.domain", result.Domain),
		)
		recordRequest(result, source, time.Since(start))
		o.record(ctx, result)
		logger.Info("routing decision",
			slog.String("query", truncateForLog(req.Query, 80)),
			slog.String("action", string(result.Action)),
			slog.String("endpoint", result.EndpointID()),
			slog.Float64("confidence", result.Confidence),
			slog.Bool("cache_hit", result.CacheHit),
			slog.Bool("fallback", result.Fallback),
			slog.Float64("processing_time_ms", result.ProcessingTimeMs),
		)
	}()

	q := NewQuery(req.Query, req.Hints...)

	t, err := o.Tables()
	if err != nil {
		logger.Error("routing tables unavailable, using fallback", slog.String("error", err.Error()))
		rs := newRoutingState(q, nil, nil, req.Domain, nil)
		source = "fallback"
		return o.fail(ctx, rs, err)
	}

	domain := req.Domain
	if domain == "" {
		domain = t.Snapshot.ActiveDomain
	}
	dt, ok := t.Domain(domain)
	if !ok {
		rs := newRoutingState(q, t, nil, domain, nil)
		source = "fallback"
		return o.fail(ctx, rs, fmt.Errorf("%w: %q", config.ErrUnknownDomain, domain))
	}

	fields := o.fieldCatalog(ctx, logger, req, domain)
	key := CacheKey(cacheText(q), domain, fields, t.Generation())

	if o.cache != nil {
		cached, hit, err := o.cache.Get(ctx, key)
		switch {
		case err != nil:
			cacheEventsTotal.WithLabelValues("error").Inc()
			logger.Warn("result cache get failed, computing fresh",
				slog.String("error", fmt.Errorf("%w: %v", ErrCacheUnavailable, err).Error()),
			)
		case hit:
			cacheEventsTotal.WithLabelValues("hit").Inc()
			cached.CacheHit = true
			cached.LayersExecuted = []string{}
			source = "cache"
			return cached
		default:
			cacheEventsTotal.WithLabelValues("miss").Inc()
		}
	}

	v, _, _ := o.flight.Do(key, func() (any, error) {
		// Shared by every caller waiting on key; one caller going away must
		// not cancel the others. Stages apply their own timeouts.
		fctx := context.WithoutCancel(ctx)
		rs := newRoutingState(q, t, dt, domain, fields)
		res := o.compute(fctx, logger, rs)
		if o.cache != nil && !rs.fallback && !rs.degraded {
			if err := o.cache.Put(fctx, key, res); err != nil {
				cacheEventsTotal.WithLabelValues("error").Inc()
				logger.Warn("result cache put failed",
					slog.String("error", fmt.Errorf("%w: %v", ErrCacheUnavailable, err).Error()),
				)
			} else {
				cacheEventsTotal.WithLabelValues("store").Inc()
			}
		}
		return res, nil
	})
	res := v.(*RoutingResult).Clone()
	if res.Fallback {
		source = "fallback"
	}
	return res
}

// compute runs the stage chain and, on failure, the fallback chain.
func (o *Orchestrator) compute(ctx context.Context, logger *slog.Logger, rs *routingState) *RoutingResult {
	var failure error
	var failed string
	for _, s := range o.stages {
		res := runStage(ctx, s, rs)
		if res.Err != nil {
			failure, failed = res.Err, s.Name()
			break
		}
		if res.Terminal {
			break
		}
	}
	if failure == nil && !rs.machine.state.Terminal() {
		failed = "finalize"
		if o.cache != nil {
			failure = rs.machine.advance(StateCached)
		}
		if failure == nil {
			failure = rs.machine.advance(terminalFor(rs.decision.Action))
		}
	}
	if failure != nil {
		stageErrorsTotal.WithLabelValues(failed, stageErrorKind(failure)).Inc()
		logger.Error("routing stage failed, using fallback",
			slog.String("stage", failed),
			slog.String("state", string(rs.machine.state)),
			slog.String("error", failure.Error()),
		)
		return o.fail(ctx, rs, failure)
	}
	return o.buildResult(rs)
}

// fail runs the fallback chain for rs.
func (o *Orchestrator) fail(ctx context.Context, rs *routingState, cause error) *RoutingResult {
	rs.fallback = true
	rs.failure = cause
	for _, s := range o.fallbacks {
		res := runStage(ctx, s, rs)
		if res.Terminal {
			fallbackTotal.WithLabelValues(s.Name()).Inc()
			break
		}
	}
	return o.buildResult(rs)
}

func (o *Orchestrator) fieldCatalog(ctx context.Context, logger *slog.Logger, req Request, domain string) FieldCatalog {
	if len(req.DatasetFieldNames) > 0 || o.fields == nil {
		return FieldCatalog(req.DatasetFieldNames)
	}
	fields, err := o.fields.FieldNames(ctx, domain)
	if err != nil {
		logger.Warn("field catalog unavailable, routing without dataset context",
			slog.String("domain", domain),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return fields
}

func (o *Orchestrator) record(ctx context.Context, r *RoutingResult) {
	if o.recorder == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			o.logger.Warn("decision recorder panicked", slog.Any("panic", p))
		}
	}()
	o.recorder.Record(ctx, r.Clone())
}

// cacheText is the query text part of the cache key. Hints change the
// outcome of ambiguous queries, so they are part of it.
func cacheText(q *Query) string {
	if len(q.Hints) == 0 {
		return q.Normalized
	}
	return q.Normalized + "\x1f" + strings.Join(q.Hints, "\x1f")
}

// =============================================================================
// Result Assembly
// =============================================================================

func (o *Orchestrator) buildResult(rs *routingState) *RoutingResult {
	if !rs.machine.state.Terminal() {
		rs.decision = Decision{Action: ActionReject, Alternatives: []Alternative{}}
		rs.machine.state = StateRejected
	}
	if rs.verdict.Scope == "" {
		rs.verdict = ScopeVerdict{Scope: ScopeBorderline, Score: 0.5}
	}
	d := rs.decision
	alts := d.Alternatives
	if alts == nil {
		alts = []Alternative{}
	}

	r := &RoutingResult{
		Success:              d.Action == ActionRoute || d.Action == ActionRouteWithAlternatives,
		Confidence:           roundScore(d.Confidence),
		Scope:                rs.verdict.Scope,
		Alternatives:         alts,
		SemanticVerification: rs.semantic,
		LayersExecuted:       rs.layers,
		Action:               d.Action,
		State:                rs.machine.state,
		Trace:                rs.trace,
		Domain:               rs.domainName,
		Fallback:             rs.fallback,
	}
	if rs.tables != nil {
		r.Generation = rs.tables.Generation()
	}

	switch d.Action {
	case ActionRoute, ActionRouteWithAlternatives:
		ep := d.Endpoint
		r.Endpoint = &ep
		if rs.tables != nil {
			if i, ok := rs.tables.byID[ep]; ok {
				r.TargetVariable = rs.tables.endpoint(i).TargetVariable
			}
		}
	case ActionClarify:
		r.ErrorCode = ErrorCodeAmbiguous
		r.Suggestions = clarifySuggestions(rs.tables, alts)
	case ActionReject:
		r.Confidence = 0
		r.ErrorCode = ErrorCodeOutOfScope
		r.Suggestions = append([]string(nil), rs.verdict.Suggestions...)
		if rs.fallback {
			r.ErrorCode = ErrorCodeRoutingFailed
			if errors.Is(rs.failure, config.ErrUnknownDomain) {
				r.ErrorCode = ErrorCodeUnknownDomain
			}
		}
	}
	r.Reasoning = explain(rs, r)
	return r
}

func clarifySuggestions(t *Tables, alts []Alternative) []string {
	out := make([]string, 0, len(alts))
	for _, a := range alts {
		desc := ""
		if t != nil {
			if i, ok := t.byID[a.Endpoint]; ok {
				desc = t.endpoint(i).Description
			}
		}
		if desc == "" {
			out = append(out, "Did you mean "+a.Endpoint+"?")
			continue
		}
		out = append(out, fmt.Sprintf("Did you mean %s (%s)?", a.Endpoint, desc))
	}
	return out
}

// explain renders the human-readable reasoning for a result.
func explain(rs *routingState, r *RoutingResult) string {
	d := rs.decision
	var b strings.Builder

	switch {
	case rs.fallback && d.Action == ActionReject:
		if errors.Is(rs.failure, config.ErrUnknownDomain) {
			fmt.Fprintf(&b, "Domain %q is not configured.", rs.domainName)
		} else {
			b.WriteString("The query could not be routed: the routing pipeline failed and no keyword match was found.")
		}
	case rs.fallback:
		fmt.Fprintf(&b, "The routing pipeline failed; keyword matching suggests %s with low confidence (%.2f).", d.Endpoint, d.Confidence)
	case d.Action == ActionReject:
		fmt.Fprintf(&b, "The query is outside the %s domain (scope score %.2f).", rs.domainName, rs.verdict.Score)
		if len(rs.verdict.OutOfScopeTerms) > 0 {
			fmt.Fprintf(&b, " Out-of-scope terms: %s.", strings.Join(rs.verdict.OutOfScopeTerms, ", "))
		}
	case d.Action == ActionClarify:
		if d.TopScore <= 0 {
			b.WriteString("No analysis endpoint matches the query. Please rephrase it with the analysis you need.")
		} else {
			fmt.Fprintf(&b, "No endpoint is a confident match (best %s at %.2f, next %.2f).", d.TopCandidate, d.TopScore, d.SecondScore)
			if len(r.Alternatives) > 0 {
				names := make([]string, len(r.Alternatives))
				for i, a := range r.Alternatives {
					names[i] = a.Endpoint
				}
				fmt.Fprintf(&b, " Please clarify which analysis you need: %s.", strings.Join(names, ", "))
			}
		}
	case d.Action == ActionRoute:
		fmt.Fprintf(&b, "Routed to %s with confidence %.2f (threshold %.2f, scope %s).", d.Endpoint, r.Confidence, d.Threshold, rs.verdict.Scope)
	default:
		fmt.Fprintf(&b, "Provisionally routed to %s with confidence %.2f, below its threshold %.2f.", d.Endpoint, r.Confidence, d.Threshold)
	}

	if !rs.fallback && r.Success {
		var signals []string
		for _, c := range rs.trace {
			if c.Endpoint == d.Endpoint && c.Layer != LayerAggregation && c.Layer != LayerSemantic {
				signals = append(signals, c.Detail)
			}
		}
		if len(signals) > 0 {
			fmt.Fprintf(&b, " Signals: %s.", strings.Join(signals, "; "))
		}
	}

	if sv := rs.semantic; sv != nil {
		switch {
		case sv.Adopted:
			fmt.Fprintf(&b, " Semantic verification chose %s (similarity %.2f).", sv.Endpoint, sv.Confidence)
		case sv.Agreed:
			fmt.Fprintf(&b, " Semantic verification agreed (+%.2f).", sv.ConfidenceBoost)
		case sv.Used:
			fmt.Fprintf(&b, " Semantic verification preferred %s; hybrid decision kept.", sv.Endpoint)
		}
	}
	return b.String()
}

// =============================================================================
// Request ID
// =============================================================================

type requestIDKey struct{}

// ContextWithRequestID attaches a request id that Route reports back.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id attached to ctx, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
