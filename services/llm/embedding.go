// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Embedder produces dense vectors for document chunks and queries.
type Embedder interface {
	// EmbedTexts embeds a batch of texts, returning one vector per input
	// in the same order.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a single query string.
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// maxEmbeddingBatch bounds how many inputs go into one API request.
const maxEmbeddingBatch = 96

type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder builds an embedder against an OpenAI-compatible API.
//
// Reads OPENAI_API_KEY (falling back to the Podman secret used elsewhere),
// EMBEDDING_MODEL_NAME (default text-embedding-3-small), and OPENAI_API_URL
// for non-OpenAI backends.
func NewOpenAIEmbedder() (*OpenAIEmbedder, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API Key from Podman Secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}

	model := os.Getenv("EMBEDDING_MODEL_NAME")
	if model == "" {
		model = "text-embedding-3-small"
		slog.Warn("EMBEDDING_MODEL_NAME not set, defaulting to text-embedding-3-small")
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL := os.Getenv("OPENAI_API_URL"); baseURL != "" {
		cfg.BaseURL = baseURL
	}

	slog.Info("Initializing OpenAI embedder", "model", model)
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(cfg),
		model:  openai.EmbeddingModel(model),
	}, nil
}

// EmbedTexts implements the Embedder interface. Large batches are split to
// stay within API request limits.
func (e *OpenAIEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxEmbeddingBatch {
		end := start + maxEmbeddingBatch
		if end > len(texts) {
			end = len(texts)
		}

		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts[start:end],
			Model: e.model,
		})
		if err != nil {
			return nil, fmt.Errorf("create embeddings: %w", err)
		}
		if len(resp.Data) != end-start {
			return nil, fmt.Errorf("embedding API returned %d vectors for %d inputs", len(resp.Data), end-start)
		}
		for _, d := range resp.Data {
			vectors = append(vectors, d.Embedding)
		}
	}
	return vectors, nil
}

// EmbedQuery implements the Embedder interface.
func (e *OpenAIEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vectors, err := e.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}
