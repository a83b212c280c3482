// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent runs the bounded tool-calling conversation loop.
//
// # Description
//
// The agent wraps an OpenAI-compatible chat model with native tool calling.
// Each turn runs at most MaxIterations reasoning rounds: the model either
// answers directly or requests tool calls, whose results are fed back for
// the next round. Tool failures become tool-result text rather than turn
// failures, so a broken retrieval backend degrades the answer instead of
// aborting it. Content deltas stream through a caller-supplied callback as
// the model generates them; a callback error cancels generation.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/tools"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("aleutian.chat.agent")

// MaxIterations bounds the reasoning rounds per turn. When the model is
// still requesting tools after the last round, the turn ends gracefully
// with whatever content has been produced.
const MaxIterations = 3

// TokenCallback receives content deltas in generation order. Returning an
// error cancels the in-flight generation.
type TokenCallback func(ctx context.Context, chunk string) error

// Agent executes one conversation turn against a model and a tool set.
//
// # Thread Safety
//
// An Agent is stateless between Run calls and safe for concurrent use as
// long as its tools are.
type Agent struct {
	model         llms.Model
	systemPrompt  string
	toolset       []tools.Tool
	maxIterations int
}

// New creates an Agent.
//
// # Inputs
//
//   - model: OpenAI-compatible chat model.
//   - systemPrompt: System message for the turn. Empty means none; callers
//     supply it from configuration rather than baking an identity in here.
//   - toolset: Tools exposed to the model. Nil entries are skipped.
func New(model llms.Model, systemPrompt string, toolset []tools.Tool) *Agent {
	kept := make([]tools.Tool, 0, len(toolset))
	for _, t := range toolset {
		if t != nil {
			kept = append(kept, t)
		}
	}
	return &Agent{
		model:         model,
		systemPrompt:  systemPrompt,
		toolset:       kept,
		maxIterations: MaxIterations,
	}
}

// NewChatModel builds the production chat model from the environment:
// OPENAI_API_KEY, OPENAI_MODEL (default gpt-4o-mini), and OPENAI_API_URL
// for OpenAI-compatible gateways.
func NewChatModel() (llms.Model, error) {
	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}

	opts := []openai.Option{openai.WithModel(model)}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		opts = append(opts, openai.WithToken(key))
	}
	if baseURL := os.Getenv("OPENAI_API_URL"); baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}

	m, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize chat model: %w", err)
	}
	return m, nil
}

// Run executes one turn and returns the final assistant content.
//
// # Inputs
//
//   - history: Prior conversation in client vocabulary roles.
//   - input: The user's message for this turn. Callers validate non-empty.
//   - onToken: Receives streamed content deltas. May be nil.
//
// # Outputs
//
//   - string: Final assistant content. May be empty if the model produced
//     none within the iteration bound.
//   - error: Non-nil only for unrecoverable failures (model errors,
//     cancelled context). Tool failures never surface here.
func (a *Agent) Run(ctx context.Context, history []datatypes.Message, input string, onToken TokenCallback) (string, error) {
	ctx, span := tracer.Start(ctx, "agent.Run")
	defer span.End()

	messages := a.buildMessages(history, input)
	toolDefs := buildToolDefs(a.toolset)

	callOpts := []llms.CallOption{llms.WithTemperature(0)}
	if len(toolDefs) > 0 {
		callOpts = append(callOpts, llms.WithTools(toolDefs))
	}
	if onToken != nil {
		callOpts = append(callOpts, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			if len(chunk) == 0 {
				return nil
			}
			return onToken(ctx, string(chunk))
		}))
	}

	executed := make(map[string]bool)
	final := ""

	for iteration := 0; iteration < a.maxIterations; iteration++ {
		resp, err := a.model.GenerateContent(ctx, messages, callOpts...)
		if err != nil {
			return "", fmt.Errorf("model generation failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("model returned no choices")
		}
		choice := resp.Choices[0]
		if choice.Content != "" {
			final = choice.Content
		}
		if len(choice.ToolCalls) == 0 {
			span.SetAttributes(attribute.Int("agent.iterations", iteration+1))
			return final, nil
		}

		messages = append(messages, assistantToolCallMessage(choice))
		for _, call := range choice.ToolCalls {
			if call.ID != "" && executed[call.ID] {
				continue
			}
			executed[call.ID] = true
			messages = append(messages, a.dispatch(ctx, call))
		}
	}

	// Iteration bound hit with tools still pending: stop gracefully with
	// whatever content exists instead of looping further.
	slog.Warn("Agent iteration bound reached", "max_iterations", a.maxIterations)
	span.SetAttributes(attribute.Int("agent.iterations", a.maxIterations))
	return final, nil
}

// =============================================================================
// Message Construction
// =============================================================================

func (a *Agent) buildMessages(history []datatypes.Message, input string) []llms.MessageContent {
	messages := make([]llms.MessageContent, 0, len(history)+2)
	if a.systemPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, a.systemPrompt))
	}
	for _, m := range history {
		switch m.Role {
		case datatypes.RoleAssistant:
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeAI, m.Content))
		case datatypes.RoleSystem:
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, m.Content))
		default:
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, m.Content))
		}
	}
	return append(messages, llms.TextParts(llms.ChatMessageTypeHuman, input))
}

// assistantToolCallMessage echoes the model's tool-call request back into
// the transcript, as the tools API requires.
func assistantToolCallMessage(choice *llms.ContentChoice) llms.MessageContent {
	parts := make([]llms.ContentPart, 0, len(choice.ToolCalls)+1)
	if choice.Content != "" {
		parts = append(parts, llms.TextContent{Text: choice.Content})
	}
	for _, call := range choice.ToolCalls {
		parts = append(parts, call)
	}
	return llms.MessageContent{Role: llms.ChatMessageTypeAI, Parts: parts}
}

// =============================================================================
// Tool Dispatch
// =============================================================================

// dispatch runs one tool call and wraps its outcome as a tool message.
// Unknown tools and tool errors become result text the model can react to.
func (a *Agent) dispatch(ctx context.Context, call llms.ToolCall) llms.MessageContent {
	name, args := "", ""
	if call.FunctionCall != nil {
		name = call.FunctionCall.Name
		args = call.FunctionCall.Arguments
	}

	var result string
	if tool := a.findTool(name); tool == nil {
		result = fmt.Sprintf("Unknown tool %q. Available tools: %s", name, toolNames(a.toolset))
	} else {
		out, err := tool.Call(ctx, args)
		if err != nil {
			slog.Warn("Tool call failed", "tool", name, "error", err)
			result = fmt.Sprintf("Error: %v", err)
		} else {
			result = out
		}
	}

	return llms.MessageContent{
		Role: llms.ChatMessageTypeTool,
		Parts: []llms.ContentPart{
			llms.ToolCallResponse{
				ToolCallID: call.ID,
				Name:       name,
				Content:    result,
			},
		},
	}
}

func (a *Agent) findTool(name string) tools.Tool {
	for _, t := range a.toolset {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

func toolNames(toolset []tools.Tool) string {
	names := ""
	for i, t := range toolset {
		if i > 0 {
			names += ", "
		}
		names += t.Name()
	}
	return names
}

// buildToolDefs exposes each tool as a single-parameter function taking a
// plain-text query.
func buildToolDefs(toolset []tools.Tool) []llms.Tool {
	defs := make([]llms.Tool, 0, len(toolset))
	for _, t := range toolset {
		defs = append(defs, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "The search query.",
						},
					},
					"required": []string{"query"},
				},
			},
		})
	}
	return defs
}
