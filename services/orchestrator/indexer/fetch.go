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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// maxSourceBytes bounds how much of a single source document is read.
const maxSourceBytes = 32 << 20 // 32MB

// Chunking parameters for source documents.
const (
	chunkSize    = 500
	chunkOverlap = 50
)

// sourceFetcher resolves source URLs to raw bytes.
//
// URLs with a leading slash are server-local upload paths resolved inside
// uploadDir; anything else is fetched over HTTP.
type sourceFetcher struct {
	httpClient *http.Client
	uploadDir  string
}

func newSourceFetcher(uploadDir string) *sourceFetcher {
	return &sourceFetcher{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		uploadDir:  uploadDir,
	}
}

func (f *sourceFetcher) fetch(ctx context.Context, url string) ([]byte, error) {
	if strings.HasPrefix(url, "/") {
		// path.Base strips any traversal the stored URL might carry.
		local := filepath.Join(f.uploadDir, path.Base(url))
		data, err := os.ReadFile(local)
		if err != nil {
			return nil, fmt.Errorf("read upload %s: %w", url, err)
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return data, nil
}

// sourceSplitter returns the text splitter used for all source documents.
func sourceSplitter() textsplitter.TextSplitter {
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(chunkOverlap),
	)
}

// loadChunks parses raw document bytes into split chunks.
//
// PDFs are loaded page-aware so each chunk keeps its page number; everything
// else is treated as plain text.
func loadChunks(ctx context.Context, src datatypes.SourceDocument, data []byte) ([]Chunk, error) {
	var docs []schema.Document
	var err error

	splitter := sourceSplitter()
	if isPDF(src) {
		loader := documentloaders.NewPDF(bytes.NewReader(data), int64(len(data)))
		docs, err = loader.LoadAndSplit(ctx, splitter)
	} else {
		loader := documentloaders.NewText(bytes.NewReader(data))
		docs, err = loader.LoadAndSplit(ctx, splitter)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", src.URL, err)
	}

	name := src.Name
	if name == "" {
		name = src.URL
	}

	chunks := make([]Chunk, 0, len(docs))
	for _, doc := range docs {
		text := strings.TrimSpace(doc.PageContent)
		if text == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			Text:   text,
			Source: name,
			Page:   pageOf(doc),
		})
	}
	return chunks, nil
}

func isPDF(src datatypes.SourceDocument) bool {
	if strings.EqualFold(src.MIME, "application/pdf") {
		return true
	}
	return strings.EqualFold(path.Ext(src.URL), ".pdf") || strings.EqualFold(path.Ext(src.Name), ".pdf")
}

// pageOf extracts the page number metadata set by the PDF loader.
func pageOf(doc schema.Document) int {
	switch v := doc.Metadata["page"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
