// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tmc/langchaingo/tools"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/indexer"
)

// =============================================================================
// Tool Input
// =============================================================================

// parseQueryInput accepts either a bare query string or the JSON arguments
// form {"query": "..."} that tool-calling models emit. Anything unparseable
// degrades to the raw input so a sloppy model still gets an answer.
func parseQueryInput(input string) string {
	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "{") {
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal([]byte(trimmed), &args); err == nil && strings.TrimSpace(args.Query) != "" {
			return strings.TrimSpace(args.Query)
		}
	}
	return trimmed
}

// =============================================================================
// Document Retrieval Tool
// =============================================================================

// retrievalTopK is how many chunks a retrieval query returns.
const retrievalTopK = 5

// Retriever is the slice of the indexer the retrieval tool needs.
type Retriever interface {
	Query(ctx context.Context, chatID int64, query string, topK int) ([]indexer.Hit, error)
}

// RetrievalTool searches the documents attached to one chat.
//
// # Description
//
// Implements the langchaingo tools.Tool interface over the chat's vector
// index. Constructed per turn, bound to a single chat id. A missing index
// or empty result set is reported as text, not as an error, so the model
// can fall back to other tools or its own knowledge.
type RetrievalTool struct {
	retriever Retriever
	chatID    int64
}

var _ tools.Tool = (*RetrievalTool)(nil)

// NewRetrievalTool creates a retrieval tool bound to a chat.
func NewRetrievalTool(retriever Retriever, chatID int64) *RetrievalTool {
	return &RetrievalTool{retriever: retriever, chatID: chatID}
}

// Name implements tools.Tool.
func (t *RetrievalTool) Name() string {
	return "document_search"
}

// Description implements tools.Tool.
func (t *RetrievalTool) Description() string {
	return "Searches the documents the user attached to this conversation. " +
		"Use this first for any question that could be answered by the attached documents. " +
		"Input is a plain-text search query."
}

// Call implements tools.Tool.
func (t *RetrievalTool) Call(ctx context.Context, input string) (string, error) {
	query := parseQueryInput(input)
	if query == "" {
		return "The search query was empty. Provide a plain-text query.", nil
	}

	hits, err := t.retriever.Query(ctx, t.chatID, query, retrievalTopK)
	if errors.Is(err, indexer.ErrNoIndex) {
		return "No documents are attached to this conversation.", nil
	}
	if err != nil {
		return "", fmt.Errorf("document search failed: %w", err)
	}
	if len(hits) == 0 {
		return "No relevant passages were found in the attached documents.", nil
	}

	var b strings.Builder
	for i, hit := range hits {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s] %s", hit.Source, hit.Content)
	}
	return b.String(), nil
}

// =============================================================================
// Web Search Tool
// =============================================================================

// webSearchResults is how many organic results a web search returns.
const webSearchResults = 3

// defaultSerpAPIURL is the SerpAPI search endpoint.
const defaultSerpAPIURL = "https://serpapi.com/search.json"

// WebSearchTool answers queries with live web results via SerpAPI.
type WebSearchTool struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

var _ tools.Tool = (*WebSearchTool)(nil)

// NewWebSearchTool builds a web search tool from the SERPAPI_API_KEY
// environment variable. Returns nil when the key is absent; the agent then
// runs without web search.
func NewWebSearchTool() *WebSearchTool {
	apiKey := os.Getenv("SERPAPI_API_KEY")
	if apiKey == "" {
		slog.Warn("SERPAPI_API_KEY not set, web search tool disabled")
		return nil
	}
	return &WebSearchTool{
		apiKey:     apiKey,
		baseURL:    defaultSerpAPIURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// NewWebSearchToolWithEndpoint builds a web search tool against a custom
// endpoint. Used by tests.
func NewWebSearchToolWithEndpoint(apiKey, baseURL string) *WebSearchTool {
	return &WebSearchTool{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Name implements tools.Tool.
func (t *WebSearchTool) Name() string {
	return "web_search"
}

// Description implements tools.Tool.
func (t *WebSearchTool) Description() string {
	return "Searches the web for current information not covered by the attached documents. " +
		"Input is a plain-text search query."
}

// serpResponse is the subset of the SerpAPI response we consume.
type serpResponse struct {
	OrganicResults []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic_results"`
	Error string `json:"error"`
}

// Call implements tools.Tool.
func (t *WebSearchTool) Call(ctx context.Context, input string) (string, error) {
	query := parseQueryInput(input)
	if query == "" {
		return "The search query was empty. Provide a plain-text query.", nil
	}

	params := url.Values{}
	params.Set("engine", "google")
	params.Set("q", query)
	params.Set("num", fmt.Sprintf("%d", webSearchResults))
	params.Set("api_key", t.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("build web search request: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("web search failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read web search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("web search failed with status %d", resp.StatusCode)
	}

	var parsed serpResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode web search response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("web search failed: %s", parsed.Error)
	}
	if len(parsed.OrganicResults) == 0 {
		return "No web results were found for that query.", nil
	}

	var b strings.Builder
	for i, r := range parsed.OrganicResults {
		if i >= webSearchResults {
			break
		}
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%s\n%s\n%s", r.Title, r.Link, r.Snippet)
	}
	return b.String(), nil
}
