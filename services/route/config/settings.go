// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"
)

// SettingsDocument is the file name of the routing settings.
const SettingsDocument = "routing.yaml"

// =============================================================================
// Settings Types
// =============================================================================

// Settings holds every tunable constant of the routing pipeline.
//
// Description:
//
//	Each pipeline layer reads its own section. Zero values are replaced by
//	the defaults below, so a routing.yaml only needs the values it overrides.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type Settings struct {
	// Domains lists the domain documents to load (domains/<name>.yaml).
	Domains []string `yaml:"domains" validate:"required,min=1,dive,required"`

	// ActiveDomain is the domain used when a request does not name one.
	ActiveDomain string `yaml:"active_domain"`

	Scope      ScopeSettings      `yaml:"scope"`
	Classifier ClassifierSettings `yaml:"classifier"`
	Vocabulary VocabularySettings `yaml:"vocabulary"`
	Context    ContextSettings    `yaml:"context"`
	Aggregator AggregatorSettings `yaml:"aggregator"`
	Semantic   SemanticSettings   `yaml:"semantic"`
	Cache      CacheSettings      `yaml:"cache"`
}

// ScopeSettings configures the scope validator.
type ScopeSettings struct {
	// Scale converts (domain hits - out-of-scope hits) into a score offset from 0.5.
	Scale float64 `yaml:"scale" validate:"gte=0,lte=1"`

	// OutOfScopeThreshold: scores below this are out_of_scope.
	OutOfScopeThreshold float64 `yaml:"out_of_scope_threshold" validate:"gte=0,lte=1"`

	// BorderlineBand: scores within this distance of 0.5 are borderline.
	BorderlineBand float64 `yaml:"borderline_band" validate:"gte=0,lte=0.5"`

	PrimaryWeight   float64 `yaml:"primary_weight" validate:"gte=0"`
	SecondaryWeight float64 `yaml:"secondary_weight" validate:"gte=0"`
	ContextWeight   float64 `yaml:"context_weight" validate:"gte=0"`
}

// ClassifierSettings configures the intent classifier.
type ClassifierSettings struct {
	// SingleTermWeight is the specificity of a one-word match.
	SingleTermWeight float64 `yaml:"single_term_weight" validate:"gte=0"`

	// PhraseBonus is added per extra word of a phrase match.
	PhraseBonus float64 `yaml:"phrase_bonus" validate:"gte=0"`

	// CategoryCap caps each category sub-score.
	CategoryCap float64 `yaml:"category_cap" validate:"gte=0,lte=1"`

	SubjectWeight  float64 `yaml:"subject_weight" validate:"gte=0"`
	AnalysisWeight float64 `yaml:"analysis_weight" validate:"gte=0"`
	ScopeWeight    float64 `yaml:"scope_weight" validate:"gte=0"`
	QualityWeight  float64 `yaml:"quality_weight" validate:"gte=0"`
}

// VocabularySettings configures the vocabulary adapter.
type VocabularySettings struct {
	BoostPerTerm   float64 `yaml:"boost_per_term" validate:"gte=0,lte=1"`
	MaxBoost       float64 `yaml:"max_boost" validate:"gte=0,lte=1"`
	PenaltyPerTerm float64 `yaml:"penalty_per_term" validate:"gte=0,lte=1"`
	MaxPenalty     float64 `yaml:"max_penalty" validate:"gte=0,lte=1"`

	// BrandComparisonBonus is added to the brand comparison endpoint.
	BrandComparisonBonus float64 `yaml:"brand_comparison_bonus" validate:"gte=0,lte=1"`

	// CompetitivePenalty is subtracted from the competitive endpoint.
	CompetitivePenalty float64 `yaml:"competitive_penalty" validate:"gte=0,lte=1"`

	// ScoreCap is the maximum score any endpoint may hold after adaptation.
	ScoreCap float64 `yaml:"score_cap" validate:"gt=0,lte=1"`

	// TieEpsilon separates the winner from endpoints that tied at the max.
	TieEpsilon float64 `yaml:"tie_epsilon" validate:"gt=0,lt=0.5"`
}

// ContextSettings configures the dataset context enhancer.
type ContextSettings struct {
	BoostPerCategory float64 `yaml:"boost_per_category" validate:"gte=0,lte=1"`
	MaxBoost         float64 `yaml:"max_boost" validate:"gte=0,lte=1"`

	// FieldRules classify dataset field names. First match wins.
	FieldRules []FieldRule `yaml:"field_rules" validate:"dive"`
}

// FieldRule maps a field-name pattern to a category.
type FieldRule struct {
	Category string `yaml:"category" validate:"required,oneof=demographic economic brand geographic"`
	Pattern  string `yaml:"pattern" validate:"required"`
}

// AggregatorSettings configures the confidence aggregator.
type AggregatorSettings struct {
	// LowConfidenceThreshold: below this the action is CLARIFY.
	LowConfidenceThreshold float64 `yaml:"low_confidence_threshold" validate:"gte=0,lte=1"`

	// DominanceMargin: a borderline query needs top-second >= margin to route.
	DominanceMargin float64 `yaml:"dominance_margin" validate:"gte=0,lte=1"`

	// MaxAlternatives bounds the runner-up list.
	MaxAlternatives int `yaml:"max_alternatives" validate:"gte=0,lte=20"`
}

// SemanticSettings configures the embedding cross-check.
type SemanticSettings struct {
	// Enabled turns the semantic stage on when an embedder is configured.
	Enabled *bool `yaml:"enabled"`

	// TriggerConfidence: decisions below this are cross-checked.
	TriggerConfidence float64 `yaml:"trigger_confidence" validate:"gte=0,lte=1"`

	// StrongMatchScore: a top classifier score below this marks the query novel.
	StrongMatchScore float64 `yaml:"strong_match_score" validate:"gte=0,lte=1"`

	// AgreementBoost is added to the confidence when both layers agree.
	AgreementBoost float64 `yaml:"agreement_boost" validate:"gte=0,lte=1"`

	// FailureFloor: below this hybrid confidence a disagreeing semantic pick wins.
	FailureFloor float64 `yaml:"failure_floor" validate:"gte=0,lte=1"`

	// MinConfidence is the minimum semantic similarity for adoption.
	MinConfidence float64 `yaml:"min_confidence" validate:"gte=0,lte=1"`

	// Timeout bounds the embedding call.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// IsEnabled reports whether the semantic stage is enabled (default true).
func (s SemanticSettings) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// CacheSettings configures the routing result cache.
type CacheSettings struct {
	Enabled       *bool         `yaml:"enabled"`
	TTL           time.Duration `yaml:"ttl" validate:"gte=0"`
	MaxEntries    int           `yaml:"max_entries" validate:"gte=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gte=0"`
}

// IsEnabled reports whether the result cache is enabled (default true).
func (c CacheSettings) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// =============================================================================
// Defaults
// =============================================================================

const (
	DefaultScopeScale          = 0.25
	DefaultOutOfScopeThreshold = 0.35
	DefaultBorderlineBand      = 0.10
	DefaultPrimaryWeight       = 1.0
	DefaultSecondaryWeight     = 0.6
	DefaultContextWeight       = 0.3

	DefaultSingleTermWeight = 0.8
	DefaultPhraseBonus      = 0.2
	DefaultCategoryCap      = 1.0
	DefaultSubjectWeight    = 0.45
	DefaultAnalysisWeight   = 0.40
	DefaultScopeWeight      = 0.10
	DefaultQualityWeight    = 0.05

	DefaultBoostPerTerm         = 0.05
	DefaultMaxBoost             = 0.15
	DefaultPenaltyPerTerm       = 0.10
	DefaultMaxPenalty           = 0.30
	DefaultBrandComparisonBonus = 0.15
	DefaultCompetitivePenalty   = 0.10
	DefaultScoreCap             = 0.98
	DefaultTieEpsilon           = 0.01

	DefaultContextBoostPerCategory = 0.02
	DefaultContextMaxBoost         = 0.05

	DefaultLowConfidenceThreshold = 0.30
	DefaultDominanceMargin        = 0.15
	DefaultMaxAlternatives        = 3

	DefaultSemanticTriggerConfidence = 0.75
	DefaultStrongMatchScore          = 0.40
	DefaultAgreementBoost            = 0.05
	DefaultFailureFloor              = 0.25
	DefaultSemanticMinConfidence     = 0.50
	DefaultSemanticTimeout           = 3 * time.Second

	DefaultCacheTTL           = 6 * time.Hour
	DefaultCacheMaxEntries    = 4096
	DefaultCacheSweepInterval = 10 * time.Minute
)

// DefaultFieldRules classify dataset field names when routing.yaml gives none.
// Order matters: brand codes are checked before economic and demographic
// patterns so "usage" and share columns never fall through to "age".
var DefaultFieldRules = []FieldRule{
	{Category: "brand", Pattern: `(?i)(^mp\d{3,}|brand|market[_ ]?share|_share$|usage)`},
	{Category: "economic", Pattern: `(?i)(income|wealth|earning|salary|wage|disposable|spend|expenditure|net_?worth|poverty|employ|hinc)`},
	{Category: "demographic", Pattern: `(?i)(pop|resident|household|(^|_)hh_|(^|_)age(_|$|\d)|gender|male|female|race|ethnic|hisp|educat|millennial|gen_?z|boomer|famil)`},
	{Category: "geographic", Pattern: `(?i)(zip|postal|fsa|county|state|city|latitude|longitude|(^|_)lat$|(^|_)lon$|lng|geo|region|tract|dma|area)`},
}

// applyDefaults fills zero values.
func (s *Settings) applyDefaults() {
	defF := func(v *float64, d float64) {
		if *v <= 0 {
			*v = d
		}
	}

	defF(&s.Scope.Scale, DefaultScopeScale)
	defF(&s.Scope.OutOfScopeThreshold, DefaultOutOfScopeThreshold)
	defF(&s.Scope.BorderlineBand, DefaultBorderlineBand)
	defF(&s.Scope.PrimaryWeight, DefaultPrimaryWeight)
	defF(&s.Scope.SecondaryWeight, DefaultSecondaryWeight)
	defF(&s.Scope.ContextWeight, DefaultContextWeight)

	defF(&s.Classifier.SingleTermWeight, DefaultSingleTermWeight)
	defF(&s.Classifier.PhraseBonus, DefaultPhraseBonus)
	defF(&s.Classifier.CategoryCap, DefaultCategoryCap)
	c := &s.Classifier
	if c.SubjectWeight+c.AnalysisWeight+c.ScopeWeight+c.QualityWeight <= 0 {
		c.SubjectWeight = DefaultSubjectWeight
		c.AnalysisWeight = DefaultAnalysisWeight
		c.ScopeWeight = DefaultScopeWeight
		c.QualityWeight = DefaultQualityWeight
	}

	defF(&s.Vocabulary.BoostPerTerm, DefaultBoostPerTerm)
	defF(&s.Vocabulary.MaxBoost, DefaultMaxBoost)
	defF(&s.Vocabulary.PenaltyPerTerm, DefaultPenaltyPerTerm)
	defF(&s.Vocabulary.MaxPenalty, DefaultMaxPenalty)
	defF(&s.Vocabulary.BrandComparisonBonus, DefaultBrandComparisonBonus)
	defF(&s.Vocabulary.CompetitivePenalty, DefaultCompetitivePenalty)
	defF(&s.Vocabulary.ScoreCap, DefaultScoreCap)
	defF(&s.Vocabulary.TieEpsilon, DefaultTieEpsilon)

	defF(&s.Context.BoostPerCategory, DefaultContextBoostPerCategory)
	defF(&s.Context.MaxBoost, DefaultContextMaxBoost)
	if len(s.Context.FieldRules) == 0 {
		s.Context.FieldRules = append([]FieldRule(nil), DefaultFieldRules...)
	}

	defF(&s.Aggregator.LowConfidenceThreshold, DefaultLowConfidenceThreshold)
	defF(&s.Aggregator.DominanceMargin, DefaultDominanceMargin)
	if s.Aggregator.MaxAlternatives <= 0 {
		s.Aggregator.MaxAlternatives = DefaultMaxAlternatives
	}

	defF(&s.Semantic.TriggerConfidence, DefaultSemanticTriggerConfidence)
	defF(&s.Semantic.StrongMatchScore, DefaultStrongMatchScore)
	defF(&s.Semantic.AgreementBoost, DefaultAgreementBoost)
	defF(&s.Semantic.FailureFloor, DefaultFailureFloor)
	defF(&s.Semantic.MinConfidence, DefaultSemanticMinConfidence)
	if s.Semantic.Timeout <= 0 {
		s.Semantic.Timeout = DefaultSemanticTimeout
	}

	if s.Cache.TTL <= 0 {
		s.Cache.TTL = DefaultCacheTTL
	}
	if s.Cache.MaxEntries <= 0 {
		s.Cache.MaxEntries = DefaultCacheMaxEntries
	}
	if s.Cache.SweepInterval <= 0 {
		s.Cache.SweepInterval = DefaultCacheSweepInterval
	}

	if s.ActiveDomain == "" && len(s.Domains) > 0 {
		s.ActiveDomain = s.Domains[0]
	}
}

// DefaultSettings returns settings with every default applied and the given
// domain list. Used by tests and by callers that build snapshots in code.
func DefaultSettings(domains ...string) *Settings {
	s := &Settings{Domains: domains}
	s.applyDefaults()
	return s
}

// LoadSettings parses, defaults, and validates routing.yaml.
//
// Description:
//
//	Applies defaults before validation so partial documents are accepted.
//	Every field rule pattern must compile. The active domain must be one of
//	the listed domains.
//
// Inputs:
//
//	ctx - Context for tracing.
//	data - Raw YAML bytes.
//
// Outputs:
//
//	*Settings - The validated settings.
//	error - A *ConfigurationError on any problem.
func LoadSettings(ctx context.Context, data []byte) (*Settings, error) {
	_, span := configTracer.Start(ctx, "config.LoadSettings")
	defer span.End()

	if err := checkSize(SettingsDocument, data); err != nil {
		return nil, err
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, &ConfigurationError{Document: SettingsDocument, Reason: "parsing YAML", Err: err}
	}
	s.applyDefaults()

	if err := validateStruct(SettingsDocument, &s); err != nil {
		return nil, err
	}
	if err := s.validate(); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("domains", len(s.Domains)),
		attribute.String("active_domain", s.ActiveDomain),
		attribute.Float64("score_cap", s.Vocabulary.ScoreCap),
	)
	slog.Debug("routing settings loaded",
		slog.Int("domains", len(s.Domains)),
		slog.String("active_domain", s.ActiveDomain),
		slog.Duration("cache_ttl", s.Cache.TTL),
	)
	return &s, nil
}

func (s *Settings) validate() error {
	found := false
	seen := make(map[string]bool, len(s.Domains))
	for i, d := range s.Domains {
		if seen[d] {
			return configErr(SettingsDocument, "domains", "duplicate domain %q at index %d", d, i)
		}
		seen[d] = true
		if d == s.ActiveDomain {
			found = true
		}
	}
	if !found {
		return configErr(SettingsDocument, "active_domain", "active domain %q is not listed in domains", s.ActiveDomain)
	}
	for i, rule := range s.Context.FieldRules {
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return &ConfigurationError{
				Document: SettingsDocument,
				Field:    fmt.Sprintf("context.field_rules[%d].pattern", i),
				Reason:   "invalid regular expression",
				Err:      err,
			}
		}
	}
	if s.Semantic.FailureFloor > s.Semantic.TriggerConfidence {
		return configErr(SettingsDocument, "semantic.failure_floor", "failure_floor (%.2f) must not exceed trigger_confidence (%.2f)",
			s.Semantic.FailureFloor, s.Semantic.TriggerConfidence)
	}
	if s.Aggregator.LowConfidenceThreshold >= s.Vocabulary.ScoreCap {
		return configErr(SettingsDocument, "aggregator.low_confidence_threshold", "must be below vocabulary.score_cap")
	}
	return nil
}
