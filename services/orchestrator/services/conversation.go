// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services contains the business logic for the orchestrator.
package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/tools"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/indexer"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
)

var tracer = otel.Tracer("aleutian.chat.services")

// ErrEmptyMessage is returned when a turn is requested with no usable input.
// Handlers map it to HTTP 400 before any streaming starts.
var ErrEmptyMessage = errors.New("message content must not be empty")

// =============================================================================
// Interfaces
// =============================================================================

// DocumentIndexer is the slice of the indexer the turn controller needs.
type DocumentIndexer interface {
	Sync(ctx context.Context, chatID int64, sources []datatypes.SourceDocument) error
	Query(ctx context.Context, chatID int64, query string, topK int) ([]indexer.Hit, error)
}

// HistoryStore is the slice of the history store the turn controller needs.
type HistoryStore interface {
	ReadAll(ctx context.Context, chatID int64) ([]datatypes.Message, error)
	AppendExchange(ctx context.Context, chatID int64, userInput, assistantReply string) error
}

// TurnStreamer runs one streamed conversation turn.
type TurnStreamer interface {
	// StreamTurn validates input and returns the turn's event channel.
	// See ConversationService.StreamTurn for the event contract.
	StreamTurn(ctx context.Context, chat *datatypes.Chat, input string) (<-chan datatypes.TurnEvent, error)
}

// =============================================================================
// ConversationService
// =============================================================================

// ConversationService orchestrates streamed conversation turns.
//
// # Description
//
// A turn ties the pipeline together: sync the chat's document index, load
// history, run the bounded tool-calling agent with streaming, persist the
// completed exchange, and emit protocol events. All collaborators are
// injected; the service holds no global state.
//
// # Thread Safety
//
// Safe for concurrent use across chats and turns.
type ConversationService struct {
	hist         HistoryStore
	idx          DocumentIndexer
	model        llms.Model
	webSearch    tools.Tool
	systemPrompt string
	metrics      *observability.StreamingMetrics
}

var _ TurnStreamer = (*ConversationService)(nil)

// NewConversationService creates the turn controller.
//
// # Inputs
//
//   - hist: Conversation history store.
//   - idx: Document indexer for retrieval grounding.
//   - model: OpenAI-compatible chat model.
//   - webSearch: Web search tool. May be nil, disabling web search.
//   - systemPrompt: System message applied to every turn.
//   - metrics: Streaming metrics. May be nil in tests.
func NewConversationService(
	hist HistoryStore,
	idx DocumentIndexer,
	model llms.Model,
	webSearch tools.Tool,
	systemPrompt string,
	metrics *observability.StreamingMetrics,
) *ConversationService {
	return &ConversationService{
		hist:         hist,
		idx:          idx,
		model:        model,
		webSearch:    webSearch,
		systemPrompt: systemPrompt,
		metrics:      metrics,
	}
}

// StreamTurn runs one conversation turn for an owner-verified chat.
//
// # Description
//
// Validation happens synchronously: empty trimmed input returns
// ErrEmptyMessage and no channel, so handlers can answer 400 before any
// stream bytes are written. On success the returned channel carries:
//
//	{started:true}            exactly once, first
//	{content:"..."}           zero or more, in generation order
//	{done:true} | {error:...} exactly one, last
//
// The channel is closed after the terminal event. Cancelling ctx stops
// generation promptly and abandons the channel without a terminal event;
// a cancelled or failed turn persists nothing to history.
//
// # Limitations
//
//   - The channel is unbuffered; a consumer that stops reading without
//     cancelling ctx stalls the turn until ctx ends.
func (s *ConversationService) StreamTurn(ctx context.Context, chat *datatypes.Chat, input string) (<-chan datatypes.TurnEvent, error) {
	if input == "" {
		return nil, ErrEmptyMessage
	}

	events := make(chan datatypes.TurnEvent)
	go s.runTurn(ctx, chat, input, events)
	return events, nil
}

func (s *ConversationService) runTurn(ctx context.Context, chat *datatypes.Chat, input string, events chan<- datatypes.TurnEvent) {
	defer close(events)

	ctx, span := tracer.Start(ctx, "conversation.StreamTurn")
	defer span.End()
	span.SetAttributes(attribute.Int64("chat.id", chat.ID))

	start := time.Now()
	endpoint := observability.EndpointChatStream
	if s.metrics != nil {
		s.metrics.StreamStarted(endpoint)
		defer s.metrics.StreamEnded(endpoint)
	}

	emit := func(e datatypes.TurnEvent) bool {
		select {
		case events <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error, code observability.ErrorCode) {
		slog.Error("Conversation turn failed", "chat_id", chat.ID, "error", err)
		if s.metrics != nil {
			s.metrics.RecordError(endpoint, code)
			s.metrics.RecordRequest(endpoint, false)
			s.metrics.RecordStreamDuration(endpoint, time.Since(start).Seconds(), false)
		}
		emit(datatypes.TurnEvent{Error: sanitizeErrorForClient(err)})
	}

	if !emit(datatypes.TurnEvent{Started: true}) {
		return
	}

	// Index sync failures degrade rather than abort: the retrieval tool
	// reports unavailability and the model answers from what it has.
	if err := s.idx.Sync(ctx, chat.ID, chat.Sources); err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("Document index sync failed, continuing without fresh index",
			"chat_id", chat.ID, "error", err)
	}

	history, err := s.hist.ReadAll(ctx, chat.ID)
	if err != nil {
		fail(err, observability.ErrorCodeInternal)
		return
	}

	toolset := []tools.Tool{agent.NewRetrievalTool(s.idx, chat.ID)}
	if s.webSearch != nil {
		toolset = append(toolset, s.webSearch)
	}
	ag := agent.New(s.model, s.systemPrompt, toolset)

	firstToken := true
	answer, err := ag.Run(ctx, history, input, func(ctx context.Context, chunk string) error {
		if firstToken {
			firstToken = false
			if s.metrics != nil {
				s.metrics.RecordTimeToFirstToken(endpoint, time.Since(start).Seconds())
			}
		}
		if !emit(datatypes.TurnEvent{Content: chunk}) {
			if cause := context.Cause(ctx); cause != nil {
				return cause
			}
			return context.Canceled
		}
		if s.metrics != nil {
			s.metrics.RecordContentChunk(endpoint)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			// Client went away; nobody is reading and nothing is persisted.
			if s.metrics != nil {
				s.metrics.RecordClientDisconnect(endpoint)
			}
			return
		}
		fail(err, observability.ErrorCodeLLMError)
		return
	}

	if err := s.hist.AppendExchange(ctx, chat.ID, input, answer); err != nil {
		fail(err, observability.ErrorCodeInternal)
		return
	}

	if s.metrics != nil {
		s.metrics.RecordRequest(endpoint, true)
		s.metrics.RecordStreamDuration(endpoint, time.Since(start).Seconds(), true)
	}
	emit(datatypes.TurnEvent{Done: true})
}

// sanitizeErrorForClient maps internal failures to a stable client-facing
// message. Raw error text can leak hosts, keys, or prompts and never
// crosses the wire.
func sanitizeErrorForClient(err error) string {
	switch {
	case errors.Is(err, ErrEmptyMessage):
		return "Message content must not be empty."
	default:
		return "The assistant is temporarily unavailable. Please try again."
	}
}
