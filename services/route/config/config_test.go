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
	"errors"
	"strings"
	"testing"
	"time"
)

const minimalCatalog = `
version: v1.0.0
endpoints:
  - id: /a
    category: alpha
    priority: 2
    confidence_threshold: 0.6
    signature:
      subject: [alpha]
  - id: /b
    category: beta
    confidence_threshold: 0.6
    signature:
      analysis: [beta]
  - id: /c
    category: gamma
    priority: 1
    confidence_threshold: 0.5
    signature:
      scope: [gamma]
`

func TestLoadCatalog_Minimal(t *testing.T) {
	cat, err := LoadCatalog(context.Background(), []byte(minimalCatalog))
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if len(cat.Endpoints) != 3 {
		t.Fatalf("expected 3 endpoints, got %d", len(cat.Endpoints))
	}
	b, ok := cat.Endpoint("/b")
	if !ok {
		t.Fatal("expected /b in catalog")
	}
	if b.Priority != 3 {
		t.Errorf("unprioritized endpoint should get max+1 = 3, got %d", b.Priority)
	}
	if got := strings.Join(cat.IDs(), ","); got != "/a,/b,/c" {
		t.Errorf("IDs should keep file order, got %s", got)
	}
}

func TestLoadCatalog_Errors(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name: "bad semver",
			yaml: strings.Replace(minimalCatalog, "v1.0.0", "1.0", 1),
		},
		{
			name: "duplicate id",
			yaml: strings.Replace(minimalCatalog, "id: /b", "id: /a", 1),
		},
		{
			name: "id without slash",
			yaml: strings.Replace(minimalCatalog, "id: /b", "id: b", 1),
		},
		{
			name: "threshold above one",
			yaml: strings.Replace(minimalCatalog, "confidence_threshold: 0.5", "confidence_threshold: 1.5", 1),
		},
		{
			name: "empty signature",
			yaml: strings.Replace(minimalCatalog, "      scope: [gamma]", "      scope: []", 1),
		},
		{
			name: "unknown context category",
			yaml: strings.Replace(minimalCatalog, "    priority: 1\n", "    priority: 1\n    context_categories: [weather]\n", 1),
		},
		{
			name: "malformed yaml",
			yaml: "version: [",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCatalog(context.Background(), []byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !IsConfigurationError(err) {
				t.Errorf("expected *ConfigurationError, got %T: %v", err, err)
			}
		})
	}
}

func TestCheckSize(t *testing.T) {
	if err := checkSize("x.yaml", nil); err == nil {
		t.Error("empty document should be rejected")
	}
	big := make([]byte, MaxYAMLFileSize+1)
	if err := checkSize("x.yaml", big); err == nil {
		t.Error("oversize document should be rejected")
	}
}

func TestLoadSettings_DefaultsApplied(t *testing.T) {
	s, err := LoadSettings(context.Background(), []byte("domains: [retail]\n"))
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.ActiveDomain != "retail" {
		t.Errorf("active domain should default to first domain, got %q", s.ActiveDomain)
	}
	if s.Vocabulary.ScoreCap != DefaultScoreCap {
		t.Errorf("score cap default = %v, got %v", DefaultScoreCap, s.Vocabulary.ScoreCap)
	}
	if s.Semantic.Timeout != DefaultSemanticTimeout {
		t.Errorf("semantic timeout default = %v, got %v", DefaultSemanticTimeout, s.Semantic.Timeout)
	}
	if s.Cache.TTL != 6*time.Hour {
		t.Errorf("cache ttl default = 6h, got %v", s.Cache.TTL)
	}
	if len(s.Context.FieldRules) != len(DefaultFieldRules) {
		t.Errorf("expected default field rules, got %d", len(s.Context.FieldRules))
	}
	if !s.Semantic.IsEnabled() || !s.Cache.IsEnabled() {
		t.Error("semantic and cache should default to enabled")
	}
}

func TestLoadSettings_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no domains", "active_domain: x\n"},
		{"active not listed", "domains: [a]\nactive_domain: b\n"},
		{"duplicate domain", "domains: [a, a]\n"},
		{"bad field regex", "domains: [a]\ncontext:\n  field_rules:\n    - category: brand\n      pattern: '(unclosed'\n"},
		{"bad field category", "domains: [a]\ncontext:\n  field_rules:\n    - category: weather\n      pattern: 'x'\n"},
		{"floor above trigger", "domains: [a]\nsemantic:\n  trigger_confidence: 0.2\n  failure_floor: 0.3\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSettings(context.Background(), []byte(tt.yaml))
			if !IsConfigurationError(err) {
				t.Errorf("expected *ConfigurationError, got %v", err)
			}
		})
	}
}

func TestLoadDomainConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults markers", func(t *testing.T) {
		dc, err := LoadDomainConfig(ctx, "retail", []byte("vocabulary:\n  primary: [shop]\n"))
		if err != nil {
			t.Fatalf("LoadDomainConfig: %v", err)
		}
		if dc.Name != "retail" {
			t.Errorf("name should default to document name, got %q", dc.Name)
		}
		if len(dc.ComparisonMarkers) != len(DefaultComparisonMarkers) {
			t.Errorf("expected default comparison markers, got %v", dc.ComparisonMarkers)
		}
	})

	t.Run("name mismatch", func(t *testing.T) {
		_, err := LoadDomainConfig(ctx, "retail", []byte("name: grocery\n"))
		if !IsConfigurationError(err) {
			t.Errorf("expected *ConfigurationError, got %v", err)
		}
	})

	t.Run("brand rule needs two brands", func(t *testing.T) {
		doc := `
brands:
  - name: A
    aliases: [a]
brand_comparison:
  endpoint: /a
  competitive_endpoint: /b
`
		_, err := LoadDomainConfig(ctx, "retail", []byte(doc))
		if !IsConfigurationError(err) {
			t.Errorf("expected *ConfigurationError, got %v", err)
		}
	})
}

func TestDomainConfig_ValidateReferences(t *testing.T) {
	ctx := context.Background()
	cat, err := LoadCatalog(ctx, []byte(minimalCatalog))
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}

	dc, err := LoadDomainConfig(ctx, "retail", []byte("avoid_terms:\n  /missing: [x]\n"))
	if err != nil {
		t.Fatalf("LoadDomainConfig: %v", err)
	}
	err = dc.validateReferences(cat)
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConfigurationError, got %v", err)
	}
	if ce.Field != "avoid_terms" || !strings.Contains(ce.Reason, "/missing") {
		t.Errorf("unexpected error detail: %v", ce)
	}
}

func TestConfigurationError_Message(t *testing.T) {
	inner := errors.New("boom")
	err := &ConfigurationError{Document: "endpoints.yaml", Field: "endpoints[0].id", Reason: "bad", Err: inner}
	want := "configuration error in endpoints.yaml at endpoints[0].id: bad: boom"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, inner) {
		t.Error("ConfigurationError should unwrap to its cause")
	}
}
