// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/history"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/services"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/ttl"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/uploads"
)

// localUser is the user id the no-op auth provider assigns.
const localUser = "local-user"

// =============================================================================
// Test Environment
// =============================================================================

type fakeIndexDropper struct {
	dropped []int64
}

func (f *fakeIndexDropper) Drop(_ context.Context, chatID int64) error {
	f.dropped = append(f.dropped, chatID)
	return nil
}

// fakeTurns replays a scripted event sequence for every turn.
type fakeTurns struct {
	events   []datatypes.TurnEvent
	lastChat *datatypes.Chat
	lastText string
}

func (f *fakeTurns) StreamTurn(_ context.Context, chat *datatypes.Chat, input string) (<-chan datatypes.TurnEvent, error) {
	if input == "" {
		return nil, services.ErrEmptyMessage
	}
	f.lastChat = chat
	f.lastText = input

	ch := make(chan datatypes.TurnEvent)
	go func() {
		defer close(ch)
		for _, ev := range f.events {
			ch <- ev
		}
	}()
	return ch, nil
}

type testEnv struct {
	router  *gin.Engine
	chats   *store.ChatStore
	hist    *history.Store
	files   *uploads.Service
	dropper *fakeIndexDropper
	turns   *fakeTurns
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	chats := store.NewChatStore(db)
	hist := history.NewStore(db)
	files, err := uploads.NewService(t.TempDir())
	require.NoError(t, err)

	dropper := &fakeIndexDropper{}
	cleaner := ttl.NewCleaner(dropper, hist, files)
	turns := &fakeTurns{events: []datatypes.TurnEvent{
		{Started: true},
		{Content: "hello"},
		{Done: true},
	}}

	router := gin.New()
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(&extensions.NopAuthProvider{}))
	{
		v1.GET("/chats", handlers.ListChats(chats))
		v1.POST("/chats", handlers.CreateChat(chats))
		v1.GET("/chats/:id", handlers.GetChat(chats))
		v1.PUT("/chats/:id", handlers.UpdateChat(chats))
		v1.DELETE("/chats/:id", handlers.DeleteChat(chats, cleaner))
		v1.GET("/chats/:id/messages", handlers.GetChatMessages(chats, hist))
		v1.POST("/chats/:id/messages/stream", handlers.StreamChatMessage(chats, turns))
		v1.POST("/chats/:id/sources", handlers.AddChatSources(chats, files))
		v1.DELETE("/chats/:id/sources/:sourceId", handlers.RemoveChatSource(chats, files))
	}

	return &testEnv{router: router, chats: chats, hist: hist, files: files, dropper: dropper, turns: turns}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createChat(t *testing.T, title string) *datatypes.Chat {
	t.Helper()

	chat, err := e.chats.Create(context.Background(), localUser, title)
	require.NoError(t, err)
	return chat
}

func pdfUploadRequest(t *testing.T, path string, filenames ...string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range filenames {
		part, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write([]byte("%PDF-1.4 test content"))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// =============================================================================
// Chat CRUD Tests
// =============================================================================

func TestCreateChat(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/chats", gin.H{"title": "My Chat"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var chat datatypes.Chat
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chat))
	assert.Equal(t, "My Chat", chat.Title)
	assert.Equal(t, localUser, chat.UserID)
	assert.NotZero(t, chat.ID)
}

func TestCreateChat_EmptyBody(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/chats", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var chat datatypes.Chat
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chat))
	assert.Equal(t, "New Chat", chat.Title)
}

func TestListChats(t *testing.T) {
	env := newTestEnv(t)
	env.createChat(t, "first")
	env.createChat(t, "second")

	rec := env.do(t, http.MethodGet, "/v1/chats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var chats []datatypes.Chat
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chats))
	require.Len(t, chats, 2)
	assert.Equal(t, "second", chats[0].Title, "newest first")
}

func TestListChats_EmptyIsArray(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/chats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestGetChat(t *testing.T) {
	env := newTestEnv(t)
	chat := env.createChat(t, "mine")

	rec := env.do(t, http.MethodGet, fmt.Sprintf("/v1/chats/%d", chat.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/chats/9999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/chats/not-a-number", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateChat(t *testing.T) {
	env := newTestEnv(t)
	chat := env.createChat(t, "before")

	rec := env.do(t, http.MethodPut, fmt.Sprintf("/v1/chats/%d", chat.ID), gin.H{"title": "after"})
	require.Equal(t, http.StatusOK, rec.Code)

	var updated datatypes.Chat
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "after", updated.Title)

	// Missing title fails validation.
	rec = env.do(t, http.MethodPut, fmt.Sprintf("/v1/chats/%d", chat.ID), gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteChat_CascadesCleanup(t *testing.T) {
	env := newTestEnv(t)
	chat := env.createChat(t, "doomed")
	require.NoError(t, env.hist.AppendExchange(context.Background(), chat.ID, "q", "a"))

	rec := env.do(t, http.MethodDelete, fmt.Sprintf("/v1/chats/%d", chat.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Entity gone, index dropped, history deleted.
	_, err := env.chats.Get(context.Background(), localUser, chat.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, []int64{chat.ID}, env.dropper.dropped)

	msgs, err := env.hist.ReadAll(context.Background(), chat.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/v1/chats/%d", chat.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// Message History Tests
// =============================================================================

func TestGetChatMessages(t *testing.T) {
	env := newTestEnv(t)
	chat := env.createChat(t, "talkative")
	require.NoError(t, env.hist.AppendExchange(context.Background(), chat.ID, "question", "answer"))

	rec := env.do(t, http.MethodGet, fmt.Sprintf("/v1/chats/%d/messages", chat.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var msgs []datatypes.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, datatypes.RoleUser, msgs[0].Role)
	assert.Equal(t, datatypes.RoleAssistant, msgs[1].Role)
}

func TestGetChatMessages_UnknownChat(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/chats/77/messages", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// Source Upload Tests
// =============================================================================

func TestAddChatSources(t *testing.T) {
	env := newTestEnv(t)
	chat := env.createChat(t, "docs")

	req := pdfUploadRequest(t, fmt.Sprintf("/v1/chats/%d/sources", chat.ID), "a.pdf", "b.pdf")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var updated datatypes.Chat
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	require.Len(t, updated.Sources, 2)
	assert.Equal(t, "a.pdf", updated.Sources[0].Name)
	assert.True(t, strings.HasPrefix(updated.Sources[0].URL, "/uploads/"))
}

func TestAddChatSources_QuotaRejectsWholeBatch(t *testing.T) {
	env := newTestEnv(t)
	chat := env.createChat(t, "docs")

	req := pdfUploadRequest(t, fmt.Sprintf("/v1/chats/%d/sources", chat.ID), "a.pdf", "b.pdf")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Two more would exceed the three-document cap; nothing is attached.
	req = pdfUploadRequest(t, fmt.Sprintf("/v1/chats/%d/sources", chat.ID), "c.pdf", "d.pdf")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	got, err := env.chats.Get(context.Background(), localUser, chat.ID)
	require.NoError(t, err)
	assert.Len(t, got.Sources, 2)
}

func TestAddChatSources_RejectsNonPDF(t *testing.T) {
	env := newTestEnv(t)
	chat := env.createChat(t, "docs")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("files", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("plain text"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/v1/chats/%d/sources", chat.ID), &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	got, err := env.chats.Get(context.Background(), localUser, chat.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Sources)
}

func TestRemoveChatSource(t *testing.T) {
	env := newTestEnv(t)
	chat := env.createChat(t, "docs")

	req := pdfUploadRequest(t, fmt.Sprintf("/v1/chats/%d/sources", chat.ID), "a.pdf")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var updated datatypes.Chat
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	uploadID := strings.TrimPrefix(updated.Sources[0].URL, "/uploads/")

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/v1/chats/%d/sources/%s", chat.ID, uploadID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := env.chats.Get(context.Background(), localUser, chat.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Sources)

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/v1/chats/%d/sources/%s", chat.ID, uploadID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// Streaming Tests
// =============================================================================

func TestStreamChatMessage(t *testing.T) {
	env := newTestEnv(t)
	chat := env.createChat(t, "chatty")

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/v1/chats/%d/messages/stream", chat.ID),
		gin.H{"content": "hello there"})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	want := "data: {\"started\":true}\n\n" +
		"data: {\"content\":\"hello\"}\n\n" +
		"data: {\"done\":true}\n\n"
	assert.Equal(t, want, rec.Body.String())
	assert.Equal(t, "hello there", env.turns.lastText)
	assert.Equal(t, chat.ID, env.turns.lastChat.ID)
}

func TestStreamChatMessage_LegacyMessageField(t *testing.T) {
	env := newTestEnv(t)
	chat := env.createChat(t, "legacy")

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/v1/chats/%d/messages/stream", chat.ID),
		gin.H{"message": "via legacy field"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "via legacy field", env.turns.lastText)
}

func TestStreamChatMessage_EmptyInputIsPlainJSON400(t *testing.T) {
	env := newTestEnv(t)
	chat := env.createChat(t, "quiet")

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/v1/chats/%d/messages/stream", chat.ID),
		gin.H{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}

func TestStreamChatMessage_UnknownChat(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/chats/424242/messages/stream", gin.H{"content": "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamChatMessage_ErrorFrame(t *testing.T) {
	env := newTestEnv(t)
	env.turns.events = []datatypes.TurnEvent{
		{Started: true},
		{Error: "The assistant is temporarily unavailable. Please try again."},
	}
	chat := env.createChat(t, "unlucky")

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/v1/chats/%d/messages/stream", chat.ID),
		gin.H{"content": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "data: {\"error\":")
	assert.NotContains(t, rec.Body.String(), "\"done\"")
}

// =============================================================================
// Auth Tests
// =============================================================================

func TestAuth_StaticTokenRequired(t *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	chats := store.NewChatStore(db)

	router := gin.New()
	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(&extensions.StaticTokenAuthProvider{Token: "secret"}))
	v1.GET("/chats", handlers.ListChats(chats))

	// No token.
	req := httptest.NewRequest(http.MethodGet, "/v1/chats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Wrong token.
	req = httptest.NewRequest(http.MethodGet, "/v1/chats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Correct token.
	req = httptest.NewRequest(http.MethodGet, "/v1/chats", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
