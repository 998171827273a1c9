// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// DefaultOpenAIModel is the embedding model used when EMBEDDING_MODEL is unset.
const DefaultOpenAIModel = string(openai.SmallEmbedding3)

// OpenAIConfig configures an OpenAIEmbedder.
type OpenAIConfig struct {
	APIKey string

	// BaseURL points at an OpenAI-compatible API, e.g. "http://localhost:8000/v1".
	// Empty means api.openai.com.
	BaseURL string

	// Model is the embedding model. Empty selects DefaultOpenAIModel.
	Model string

	// OrgID is optional.
	OrgID string
}

// OpenAIEmbedder embeds text through an OpenAI-compatible /embeddings API.
//
// Thread Safety: Safe for concurrent use.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

// NewOpenAIEmbedder creates an embedder. An API key is required unless
// BaseURL points at a self-hosted server that does not check it.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("NewOpenAIEmbedder: API key not provided")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.OrgID != "" {
		clientConfig.OrgID = cfg.OrgID
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
	}, nil
}

// Model returns the embedding model name.
func (e *OpenAIEmbedder) Model() string { return e.model }

// Embed returns the embedding of text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("openai embeddings: empty response")
	}
	return resp.Data[0].Embedding, nil
}
