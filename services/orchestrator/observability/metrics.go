// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the
// orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring streaming chat
// turns: request counters, streamed content volume, latency histograms, and
// active stream gauges. Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for chat streaming metrics
const streamingSubsystem = "chat"

// StreamingMetrics holds all Prometheus metrics for streamed chat turns.
//
// Initialize once at startup via InitMetrics(); re-registration panics.
type StreamingMetrics struct {
	// RequestsTotal counts completed turns by endpoint and status.
	// Labels: endpoint, status (success, error)
	RequestsTotal *prometheus.CounterVec

	// ContentChunksTotal counts streamed content frames.
	// Labels: endpoint
	ContentChunksTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to the first content frame.
	// Labels: endpoint
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures total turn duration.
	// Labels: endpoint, status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks currently running turns.
	// Labels: endpoint
	ActiveStreams *prometheus.GaugeVec

	// ErrorsTotal counts turn failures by type.
	// Labels: endpoint, error_code
	ErrorsTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts clients that went away mid-stream.
	// Labels: endpoint
	ClientDisconnectsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of StreamingMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *StreamingMetrics

// InitMetrics creates and registers all Prometheus metrics. Call once at
// application startup.
func InitMetrics() *StreamingMetrics {
	DefaultMetrics = &StreamingMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "requests_total",
				Help:      "Total number of streamed turns by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		ContentChunksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "content_chunks_total",
				Help:      "Total streamed content frames by endpoint",
			},
			[]string{"endpoint"},
		),

		TimeToFirstTokenSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first content frame in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"endpoint"},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total turn duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"endpoint", "status"},
		),

		ActiveStreams: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently running streamed turns",
			},
			[]string{"endpoint"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "errors_total",
				Help:      "Total turn failures by type and endpoint",
			},
			[]string{"endpoint", "error_code"},
		),

		ClientDisconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"endpoint"},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Error Codes
// =============================================================================

// ErrorCode represents a categorized error type for metrics.
type ErrorCode string

const (
	// ErrorCodeValidation indicates request validation failure.
	ErrorCodeValidation ErrorCode = "validation"

	// ErrorCodeLLMError indicates model API failure.
	ErrorCodeLLMError ErrorCode = "llm_error"

	// ErrorCodeToolError indicates a tool backend failure.
	ErrorCodeToolError ErrorCode = "tool_error"

	// ErrorCodeIndexError indicates a document index failure.
	ErrorCodeIndexError ErrorCode = "index_error"

	// ErrorCodeInternal indicates internal server error.
	ErrorCodeInternal ErrorCode = "internal"
)

// =============================================================================
// Endpoint Names
// =============================================================================

// Endpoint represents a streaming endpoint for metrics labeling.
type Endpoint string

// EndpointChatStream is the streamed chat turn endpoint.
const EndpointChatStream Endpoint = "chat_stream"

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed turn.
func (m *StreamingMetrics) RecordRequest(endpoint Endpoint, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), status).Inc()
}

// RecordError records a turn failure.
func (m *StreamingMetrics) RecordError(endpoint Endpoint, code ErrorCode) {
	m.ErrorsTotal.WithLabelValues(string(endpoint), string(code)).Inc()
}

// RecordContentChunk counts one streamed content frame.
func (m *StreamingMetrics) RecordContentChunk(endpoint Endpoint) {
	m.ContentChunksTotal.WithLabelValues(string(endpoint)).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *StreamingMetrics) StreamStarted(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *StreamingMetrics) StreamEnded(endpoint Endpoint) {
	m.ActiveStreams.WithLabelValues(string(endpoint)).Dec()
}

// RecordTimeToFirstToken records latency to the first content frame.
func (m *StreamingMetrics) RecordTimeToFirstToken(endpoint Endpoint, seconds float64) {
	m.TimeToFirstTokenSeconds.WithLabelValues(string(endpoint)).Observe(seconds)
}

// RecordStreamDuration records the total turn duration.
func (m *StreamingMetrics) RecordStreamDuration(endpoint Endpoint, seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.StreamDurationSeconds.WithLabelValues(string(endpoint), status).Observe(seconds)
}

// RecordClientDisconnect increments the client disconnect counter.
func (m *StreamingMetrics) RecordClientDisconnect(endpoint Endpoint) {
	m.ClientDisconnectsTotal.WithLabelValues(string(endpoint)).Inc()
}
