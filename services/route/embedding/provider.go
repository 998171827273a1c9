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
	"fmt"
	"os"
	"strings"
)

// Provider names accepted by EMBEDDING_PROVIDER.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderNone   = "none"
)

// Embedder turns text into a vector. It matches routing.Embedder.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Getenv looks up an environment variable. os.Getenv in production.
type Getenv func(key string) string

// NewFromEnv builds the embedder selected by EMBEDDING_PROVIDER.
//
// Description:
//
//	"ollama" (the default) reads EMBEDDING_SERVICE_URL and EMBEDDING_MODEL.
//	"openai" reads OPENAI_API_KEY, OPENAI_BASE_URL and EMBEDDING_MODEL.
//	"none" disables semantic verification and returns (nil, nil).
//
// Inputs:
//
//	getenv - Environment lookup. Nil uses os.Getenv.
//
// Outputs:
//
//	Embedder - The configured embedder, or nil for "none".
//	error - Non-nil for an unknown provider or missing credentials.
func NewFromEnv(getenv Getenv) (Embedder, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	provider := strings.ToLower(strings.TrimSpace(getenv("EMBEDDING_PROVIDER")))
	switch provider {
	case "", ProviderOllama:
		return NewOllamaEmbedder(getenv("EMBEDDING_SERVICE_URL"), getenv("EMBEDDING_MODEL"), nil), nil
	case ProviderOpenAI:
		e, err := NewOpenAIEmbedder(OpenAIConfig{
			APIKey:  getenv("OPENAI_API_KEY"),
			BaseURL: getenv("OPENAI_BASE_URL"),
			Model:   getenv("EMBEDDING_MODEL"),
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	case ProviderNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown EMBEDDING_PROVIDER %q (want ollama, openai, or none)", provider)
	}
}
