// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads, validates, and publishes the routing configuration.
//
// Three documents make up a configuration snapshot:
//
//	endpoints.yaml        the closed endpoint catalog
//	routing.yaml          scoring constants, thresholds, cache settings, domain list
//	domains/<name>.yaml   per-domain vocabulary, synonyms, brands, boosts
//
// A Snapshot bundles all three. Snapshots are immutable once loaded; the Store
// publishes them through an atomic pointer so in-flight requests always see a
// complete snapshot.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
)

// MaxYAMLFileSize bounds every configuration document (1 MiB).
const MaxYAMLFileSize = 1 << 20

var configTracer = otel.Tracer("aleutian.route.config")

// structValidator is shared; validator.Validate caches struct metadata and is
// safe for concurrent use.
var structValidator = validator.New(validator.WithRequiredStructEnabled())

// =============================================================================
// ConfigurationError
// =============================================================================

// ConfigurationError reports a missing or invalid configuration value.
//
// Description:
//
//	Returned by every loader in this package. At startup it is fatal: the
//	orchestrator must not serve requests with a broken catalog. During a
//	runtime reload the caller logs it and keeps the previous snapshot.
//
// Thread Safety: Immutable.
type ConfigurationError struct {
	// Document is the file the problem was found in (e.g. "endpoints.yaml").
	Document string

	// Field is a dotted path to the offending value. May be empty.
	Field string

	// Reason describes the problem.
	Reason string

	// Err is the underlying error, if any.
	Err error
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Document != "" {
		b.WriteString(" in ")
		b.WriteString(e.Document)
	}
	if e.Field != "" {
		b.WriteString(" at ")
		b.WriteString(e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

func configErr(doc, field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Document: doc, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// validateStruct runs validator tags and converts the first failure into a
// ConfigurationError.
func validateStruct(doc string, v any) error {
	err := structValidator.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ConfigurationError{
			Document: doc,
			Field:    fe.Namespace(),
			Reason:   fmt.Sprintf("failed %q constraint (value %v)", fe.Tag(), fe.Value()),
		}
	}
	return &ConfigurationError{Document: doc, Reason: "validation failed", Err: err}
}

// checkSize enforces MaxYAMLFileSize and rejects empty documents.
func checkSize(doc string, data []byte) error {
	if len(data) == 0 {
		return configErr(doc, "", "empty document")
	}
	if len(data) > MaxYAMLFileSize {
		return configErr(doc, "", "document exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
	}
	return nil
}
