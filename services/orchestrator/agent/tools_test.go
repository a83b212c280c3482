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
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/indexer"
)

// =============================================================================
// Input Parsing Tests
// =============================================================================

func TestParseQueryInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain text", "aleutian islands", "aleutian islands"},
		{"json arguments", `{"query": "aleutian islands"}`, "aleutian islands"},
		{"json with whitespace", `  {"query": "  spaced  "}  `, "spaced"},
		{"malformed json degrades to raw", `{"query": `, `{"query":`},
		{"json without query degrades to raw", `{"q": "x"}`, `{"q": "x"}`},
		{"empty", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseQueryInput(tt.input))
		})
	}
}

// =============================================================================
// Retrieval Tool Tests
// =============================================================================

type fakeRetriever struct {
	hits   []indexer.Hit
	err    error
	lastK  int
	lastQ  string
	lastID int64
}

func (f *fakeRetriever) Query(_ context.Context, chatID int64, query string, topK int) ([]indexer.Hit, error) {
	f.lastID = chatID
	f.lastQ = query
	f.lastK = topK
	return f.hits, f.err
}

func TestRetrievalTool_FormatsHits(t *testing.T) {
	r := &fakeRetriever{hits: []indexer.Hit{
		{Content: "first passage", Source: "a.pdf", Certainty: 0.9},
		{Content: "second passage", Source: "b.pdf", Certainty: 0.8},
	}}
	tool := NewRetrievalTool(r, 42)

	out, err := tool.Call(context.Background(), `{"query":"islands"}`)
	require.NoError(t, err)
	assert.Equal(t, "[a.pdf] first passage\n\n[b.pdf] second passage", out)
	assert.Equal(t, int64(42), r.lastID)
	assert.Equal(t, "islands", r.lastQ)
	assert.Equal(t, retrievalTopK, r.lastK)
}

func TestRetrievalTool_NoIndex(t *testing.T) {
	tool := NewRetrievalTool(&fakeRetriever{err: indexer.ErrNoIndex}, 1)

	out, err := tool.Call(context.Background(), "anything")
	require.NoError(t, err)
	assert.Contains(t, out, "No documents are attached")
}

func TestRetrievalTool_EmptyResults(t *testing.T) {
	tool := NewRetrievalTool(&fakeRetriever{}, 1)

	out, err := tool.Call(context.Background(), "anything")
	require.NoError(t, err)
	assert.Contains(t, out, "No relevant passages")
}

func TestRetrievalTool_BackendError(t *testing.T) {
	tool := NewRetrievalTool(&fakeRetriever{err: errors.New("weaviate down")}, 1)

	_, err := tool.Call(context.Background(), "anything")
	assert.ErrorContains(t, err, "document search failed")
}

func TestRetrievalTool_EmptyQuery(t *testing.T) {
	r := &fakeRetriever{}
	tool := NewRetrievalTool(r, 1)

	out, err := tool.Call(context.Background(), "   ")
	require.NoError(t, err)
	assert.Contains(t, out, "query was empty")
	assert.Empty(t, r.lastQ)
}

// =============================================================================
// Web Search Tool Tests
// =============================================================================

func TestWebSearchTool_ReturnsBoundedResults(t *testing.T) {
	var gotQuery, gotNum string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotNum = r.URL.Query().Get("num")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"organic_results": [
				{"title": "One", "link": "https://one.example", "snippet": "s1"},
				{"title": "Two", "link": "https://two.example", "snippet": "s2"},
				{"title": "Three", "link": "https://three.example", "snippet": "s3"},
				{"title": "Four", "link": "https://four.example", "snippet": "s4"}
			]
		}`))
	}))
	defer srv.Close()

	tool := NewWebSearchToolWithEndpoint("test-key", srv.URL)
	out, err := tool.Call(context.Background(), `{"query":"current events"}`)
	require.NoError(t, err)

	assert.Equal(t, "current events", gotQuery)
	assert.Equal(t, "3", gotNum)
	assert.Contains(t, out, "One")
	assert.Contains(t, out, "Three")
	assert.NotContains(t, out, "Four", "results are capped")
}

func TestWebSearchTool_NoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"organic_results": []}`))
	}))
	defer srv.Close()

	tool := NewWebSearchToolWithEndpoint("test-key", srv.URL)
	out, err := tool.Call(context.Background(), "obscure query")
	require.NoError(t, err)
	assert.Contains(t, out, "No web results")
}

func TestWebSearchTool_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error": "invalid api key"}`))
	}))
	defer srv.Close()

	tool := NewWebSearchToolWithEndpoint("bad-key", srv.URL)
	_, err := tool.Call(context.Background(), "query")
	assert.ErrorContains(t, err, "invalid api key")
}

func TestWebSearchTool_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tool := NewWebSearchToolWithEndpoint("key", srv.URL)
	_, err := tool.Call(context.Background(), "query")
	assert.ErrorContains(t, err, "503")
}

func TestNewWebSearchTool_DisabledWithoutKey(t *testing.T) {
	t.Setenv("SERPAPI_API_KEY", "")
	assert.Nil(t, NewWebSearchTool())
}
