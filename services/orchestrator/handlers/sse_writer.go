// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter defines the contract for writing the streaming turn protocol to
// HTTP responses.
//
// # Description
//
// SSEWriter abstracts SSE frame serialization and writing, enabling
// testability and separation from HTTP response mechanics. The protocol is
// data-only: every frame is "data: <JSON>\n\n" with no event or id lines,
// which is what EventSource clients of the original web frontend expect.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// # Limitations
//
//   - Must be used with an http.Flusher-compatible ResponseWriter.
//   - SetSSEHeaders must be called before the first write.
type SSEWriter interface {
	// WriteEvent serializes one turn event and writes it as an SSE data
	// frame, flushing immediately.
	WriteEvent(event datatypes.TurnEvent) error

	// WriteKeepAlive writes an SSE comment frame (": keepalive\n\n") to
	// hold idle connections open through proxies. Comment frames are
	// invisible to EventSource clients.
	WriteKeepAlive() error
}

// =============================================================================
// Implementation
// =============================================================================

// sseWriter is the production SSEWriter backed by an http.ResponseWriter.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

var _ SSEWriter = (*sseWriter)(nil)

// NewSSEWriter creates an SSEWriter over the response writer.
//
// # Outputs
//
//   - SSEWriter: Ready to write frames.
//   - error: Non-nil if the ResponseWriter does not support flushing,
//     which SSE requires.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	return &sseWriter{w: w, flusher: flusher}, nil
}

// WriteEvent implements SSEWriter.
func (s *sseWriter) WriteEvent(event datatypes.TurnEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal turn event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write turn event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// WriteKeepAlive implements SSEWriter.
func (s *sseWriter) WriteKeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// =============================================================================
// Headers
// =============================================================================

// SetSSEHeaders sets the response headers required for SSE streaming.
// Must be called before the first frame is written.
func SetSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Disable nginx proxy buffering; without this, frames batch up.
	h.Set("X-Accel-Buffering", "no")
}
