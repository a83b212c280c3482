// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package indexer

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Vector Index Abstraction
// =============================================================================

// Chunk is one embedded document fragment ready for insertion.
type Chunk struct {
	Text   string
	Source string
	Page   int
	Vector []float32
}

// Hit is one retrieval result.
type Hit struct {
	Content   string
	Source    string
	Certainty float64
}

// VectorIndex is the storage backend for per-chat document indexes.
//
// The production implementation targets Weaviate; tests substitute a fake.
type VectorIndex interface {
	// Exists reports whether the class is present in the schema.
	Exists(ctx context.Context, class string) (bool, error)

	// EnsureClass creates the class if it does not exist.
	EnsureClass(ctx context.Context, class string) error

	// Drop removes the class and every object in it. Dropping a missing
	// class is not an error.
	Drop(ctx context.Context, class string) error

	// Insert batch-writes chunks into the class.
	Insert(ctx context.Context, class string, chunks []Chunk) error

	// Search returns the top-k nearest chunks to the query vector.
	Search(ctx context.Context, class string, vector []float32, k int) ([]Hit, error)
}

// =============================================================================
// Weaviate Implementation
// =============================================================================

// WeaviateIndex implements VectorIndex against a Weaviate instance.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying client pools connections.
type WeaviateIndex struct {
	client *weaviate.Client
}

var _ VectorIndex = (*WeaviateIndex)(nil)

// NewWeaviateIndex creates a VectorIndex backed by the given client.
func NewWeaviateIndex(client *weaviate.Client) *WeaviateIndex {
	return &WeaviateIndex{client: client}
}

// sourceClassSchema returns the schema for a per-chat source class.
// Vectorizer is "none": vectors are computed by our embedder and supplied
// with each object.
func sourceClassSchema(class string) *models.Class {
	return &models.Class{
		Class:      class,
		Vectorizer: "none",
		Properties: []*models.Property{
			{Name: "content", DataType: []string{"text"}},
			{Name: "source", DataType: []string{"text"}},
			{Name: "page", DataType: []string{"int"}},
		},
	}
}

// Exists implements VectorIndex.
func (w *WeaviateIndex) Exists(ctx context.Context, class string) (bool, error) {
	exists, err := w.client.Schema().ClassExistenceChecker().WithClassName(class).Do(ctx)
	if err != nil {
		return false, fmt.Errorf("check class %s: %w", class, err)
	}
	return exists, nil
}

// EnsureClass implements VectorIndex.
func (w *WeaviateIndex) EnsureClass(ctx context.Context, class string) error {
	exists, err := w.Exists(ctx, class)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := w.client.Schema().ClassCreator().WithClass(sourceClassSchema(class)).Do(ctx); err != nil {
		return fmt.Errorf("create class %s: %w", class, err)
	}
	return nil
}

// Drop implements VectorIndex.
func (w *WeaviateIndex) Drop(ctx context.Context, class string) error {
	exists, err := w.Exists(ctx, class)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if err := w.client.Schema().ClassDeleter().WithClassName(class).Do(ctx); err != nil {
		return fmt.Errorf("delete class %s: %w", class, err)
	}
	return nil
}

// Insert implements VectorIndex. Object ids are deterministic, derived from
// the class, source, and chunk text, so re-inserting the same chunk is an
// upsert rather than a duplicate.
func (w *WeaviateIndex) Insert(ctx context.Context, class string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	objects := make([]*models.Object, 0, len(chunks))
	for i, chunk := range chunks {
		objects = append(objects, &models.Object{
			Class:  class,
			ID:     chunkID(class, chunk.Source, i, chunk.Text),
			Vector: chunk.Vector,
			Properties: map[string]interface{}{
				"content": chunk.Text,
				"source":  chunk.Source,
				"page":    chunk.Page,
			},
		})
	}

	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("batch insert into %s: %w", class, err)
	}
	for _, item := range resp {
		if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
			return fmt.Errorf("batch insert into %s: %s", class, item.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// Search implements VectorIndex.
func (w *WeaviateIndex) Search(ctx context.Context, class string, vector []float32, k int) ([]Hit, error) {
	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}
	nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)

	resp, err := w.client.GraphQL().Get().
		WithClassName(class).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", class, err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("search %s: %s", class, resp.Errors[0].Message)
	}

	return parseHits(resp.Data, class)
}

// parseHits walks the GraphQL response shape Get -> {class} -> [objects].
func parseHits(data map[string]models.JSONObject, class string) ([]Hit, error) {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	rows, ok := get[class].([]interface{})
	if !ok {
		return nil, nil
	}

	hits := make([]Hit, 0, len(rows))
	for _, row := range rows {
		obj, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		hit := Hit{}
		if content, ok := obj["content"].(string); ok {
			hit.Content = content
		}
		if source, ok := obj["source"].(string); ok {
			hit.Source = source
		}
		if add, ok := obj["_additional"].(map[string]interface{}); ok {
			if certainty, ok := add["certainty"].(float64); ok {
				hit.Certainty = certainty
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// chunkID derives a stable UUID for a chunk from its identity.
func chunkID(class, source string, index int, text string) strfmt.UUID {
	h := sha256.New()
	fmt.Fprintf(h, "%s/%s/%d/", class, source, index)
	h.Write([]byte(text))
	sum := h.Sum(nil)

	id, err := uuid.FromBytes(sum[:16])
	if err != nil {
		// 16 bytes always form a valid UUID; this path is unreachable.
		id = uuid.New()
	}
	return strfmt.UUID(id.String())
}
