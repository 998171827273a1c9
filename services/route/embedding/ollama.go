// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embedding provides text embedding backends for semantic
// verification.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultOllamaURL is the Ollama /api/embed endpoint used when
	// EMBEDDING_SERVICE_URL is unset.
	DefaultOllamaURL = "http://host.containers.internal:11434/api/embed"

	// DefaultOllamaModel is the embedding model used when EMBEDDING_MODEL is unset.
	DefaultOllamaModel = "nomic-embed-text-v2-moe"

	// maxResponseBytes bounds an embedding response body.
	maxResponseBytes = 8 << 20
)

// ollamaEmbedReq is the Ollama /api/embed request body.
type ollamaEmbedReq struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// ollamaEmbedResp is the Ollama /api/embed response body.
type ollamaEmbedResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// OllamaEmbedder calls an Ollama /api/embed endpoint.
//
// Description:
//
//	One HTTP call per text. The client timeout bounds warm-up calls; the
//	routing pipeline bounds query-time calls through the context.
//
// Thread Safety: Safe for concurrent use.
type OllamaEmbedder struct {
	url    string
	model  string
	client *http.Client
}

// NewOllamaEmbedder creates an embedder. Empty url or model select the
// defaults. A nil client gets a 30 second timeout.
func NewOllamaEmbedder(url, model string, client *http.Client) *OllamaEmbedder {
	if url == "" {
		url = DefaultOllamaURL
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &OllamaEmbedder{url: url, model: model, client: client}
}

// Model returns the embedding model name.
func (e *OllamaEmbedder) Model() string { return e.model }

// URL returns the endpoint URL.
func (e *OllamaEmbedder) URL() string { return e.url }

// Embed returns the embedding of text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(ollamaEmbedReq{Model: e.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed HTTP call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed service returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var out ollamaEmbedResp
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unmarshal embed response: %w", err)
	}
	if len(out.Embeddings) == 0 || len(out.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("embed service returned no embeddings")
	}
	return out.Embeddings[0], nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
