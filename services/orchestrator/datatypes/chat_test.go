// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"strings"
	"testing"
)

// =============================================================================
// TurnRequest Tests
// =============================================================================

func TestTurnRequest_Validate_Success(t *testing.T) {
	req := &TurnRequest{Content: "Hello"}

	if err := req.Validate(); err != nil {
		t.Errorf("expected valid request, got error: %v", err)
	}
}

func TestTurnRequest_Validate_ContentTooLarge(t *testing.T) {
	req := &TurnRequest{Content: strings.Repeat("x", MaxMessageContentBytes+1)}

	if err := req.Validate(); err == nil {
		t.Error("expected error for oversized content, got nil")
	}
}

func TestTurnRequest_Validate_MessageFieldTooLarge(t *testing.T) {
	req := &TurnRequest{Message: strings.Repeat("x", MaxMessageContentBytes+1)}

	if err := req.Validate(); err == nil {
		t.Error("expected error for oversized message, got nil")
	}
}

func TestTurnRequest_Text_PrefersContent(t *testing.T) {
	req := TurnRequest{Content: "from content", Message: "from message"}

	if got := req.Text(); got != "from content" {
		t.Errorf("expected content field to win, got %q", got)
	}
}

func TestTurnRequest_Text_FallsBackToMessage(t *testing.T) {
	req := TurnRequest{Message: "legacy field"}

	if got := req.Text(); got != "legacy field" {
		t.Errorf("expected message fallback, got %q", got)
	}
}

func TestTurnRequest_Text_Trims(t *testing.T) {
	req := TurnRequest{Content: "   \n\t  "}

	if got := req.Text(); got != "" {
		t.Errorf("expected whitespace-only input to be empty, got %q", got)
	}
}

// =============================================================================
// Chat Request Validation Tests
// =============================================================================

func TestCreateChatRequest_Validate_EmptyTitleOK(t *testing.T) {
	req := &CreateChatRequest{}

	if err := req.Validate(); err != nil {
		t.Errorf("expected empty title to be valid, got error: %v", err)
	}
}

func TestCreateChatRequest_Validate_TitleTooLong(t *testing.T) {
	req := &CreateChatRequest{Title: strings.Repeat("a", MaxTitleBytes+1)}

	if err := req.Validate(); err == nil {
		t.Error("expected error for oversized title, got nil")
	}
}

func TestCreateChatRequest_Validate_TitleAtLimit(t *testing.T) {
	req := &CreateChatRequest{Title: strings.Repeat("a", MaxTitleBytes)}

	if err := req.Validate(); err != nil {
		t.Errorf("expected title at the byte limit to be valid, got error: %v", err)
	}
}

func TestUpdateChatRequest_Validate_TitleTooLong(t *testing.T) {
	req := &UpdateChatRequest{Title: strings.Repeat("a", MaxTitleBytes+1)}

	if err := req.Validate(); err == nil {
		t.Error("expected error for oversized title, got nil")
	}
}

func TestUpdateChatRequest_Validate_RequiresTitle(t *testing.T) {
	req := &UpdateChatRequest{}

	if err := req.Validate(); err == nil {
		t.Error("expected error for missing title, got nil")
	}
}

// =============================================================================
// TurnEvent Tests
// =============================================================================

func TestTurnEvent_WireShapes(t *testing.T) {
	tests := []struct {
		name  string
		event TurnEvent
		want  string
	}{
		{"started", TurnEvent{Started: true}, `{"started":true}`},
		{"content", TurnEvent{Content: "hi"}, `{"content":"hi"}`},
		{"done", TurnEvent{Done: true}, `{"done":true}`},
		{"error", TurnEvent{Error: "boom"}, `{"error":"boom"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatalf("marshal failed: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("expected %s, got %s", tt.want, data)
			}
		})
	}
}

func TestTurnEvent_Terminal(t *testing.T) {
	if (TurnEvent{Started: true}).Terminal() {
		t.Error("started event must not be terminal")
	}
	if (TurnEvent{Content: "x"}).Terminal() {
		t.Error("content event must not be terminal")
	}
	if !(TurnEvent{Done: true}).Terminal() {
		t.Error("done event must be terminal")
	}
	if !(TurnEvent{Error: "boom"}).Terminal() {
		t.Error("error event must be terminal")
	}
}

// =============================================================================
// Source Class Tests
// =============================================================================

func TestSourceClassName(t *testing.T) {
	if got := SourceClassName(42); got != "ChatSources42" {
		t.Errorf("expected ChatSources42, got %q", got)
	}
}
