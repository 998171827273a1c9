// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package route

import (
	"github.com/AleutianAI/AleutianRoute/services/route/routing"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnknownDomain  = "UNKNOWN_DOMAIN"
	CodeReloadFailed   = "RELOAD_FAILED"
	CodeNotReady       = "NOT_READY"
	CodeCacheDisabled  = "CACHE_DISABLED"
	CodeRateLimited    = "RATE_LIMITED"
	CodeInternal       = "INTERNAL_ERROR"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// QueryRequest is the body of POST /v1/route/query.
//
// Both dataset_field_names and datasetFieldNames are accepted; when both are
// present they are merged.
type QueryRequest struct {
	Query                  string   `json:"query" binding:"max=4096"`
	Domain                 string   `json:"domain" binding:"max=128"`
	DatasetFieldNames      []string `json:"dataset_field_names" binding:"max=1024,dive,max=256"`
	DatasetFieldNamesCamel []string `json:"datasetFieldNames" binding:"max=1024,dive,max=256"`
	Hints                  []string `json:"hints" binding:"max=16,dive,max=1024"`
}

// toRouting converts the wire request to the router's request.
func (r QueryRequest) toRouting() routing.Request {
	fields := r.DatasetFieldNames
	if len(r.DatasetFieldNamesCamel) > 0 {
		fields = append(append([]string(nil), fields...), r.DatasetFieldNamesCamel...)
	}
	return routing.Request{
		Query:             r.Query,
		Domain:            r.Domain,
		DatasetFieldNames: fields,
		Hints:             r.Hints,
	}
}

// EndpointInfo describes one catalog endpoint.
type EndpointInfo struct {
	ID                  string   `json:"id"`
	Category            string   `json:"category"`
	Description         string   `json:"description,omitempty"`
	TargetVariable      string   `json:"target_variable,omitempty"`
	Priority            int      `json:"priority"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	ContextCategories   []string `json:"context_categories,omitempty"`
}

// EndpointsResponse is the body of GET /v1/route/endpoints.
type EndpointsResponse struct {
	Version    string         `json:"version"`
	Generation uint64         `json:"config_generation"`
	Endpoints  []EndpointInfo `json:"endpoints"`
}

// DomainInfo describes one loaded domain.
type DomainInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`
}

// DomainsResponse is the body of GET /v1/route/domains and
// PUT /v1/route/domains/active.
type DomainsResponse struct {
	ActiveDomain string       `json:"active_domain"`
	Generation   uint64       `json:"config_generation"`
	Domains      []DomainInfo `json:"domains"`
}

// SwitchDomainRequest is the body of PUT /v1/route/domains/active.
type SwitchDomainRequest struct {
	Domain string `json:"domain" binding:"required,max=128"`
}

// ReloadResponse is the body of a successful POST /v1/route/reload.
type ReloadResponse struct {
	Source       string `json:"source"`
	Generation   uint64 `json:"config_generation"`
	Endpoints    int    `json:"endpoints"`
	ActiveDomain string `json:"active_domain"`
}

// HealthResponse is the body of GET /v1/route/health.
type HealthResponse struct {
	Status        string  `json:"status"`
	Generation    uint64  `json:"config_generation"`
	ActiveDomain  string  `json:"active_domain"`
	Source        string  `json:"source"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// ReadyResponse is the body of GET /v1/route/ready.
type ReadyResponse struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}

// CacheResponse is the body of the cache debug endpoints.
type CacheResponse struct {
	Enabled bool                `json:"enabled"`
	Purged  bool                `json:"purged,omitempty"`
	Stats   *routing.CacheStats `json:"stats,omitempty"`
}
