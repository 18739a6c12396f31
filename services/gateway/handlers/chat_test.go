// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synesis-ai/synesis/pkg/logging"
	"github.com/synesis-ai/synesis/services/engine/config"
	"github.com/synesis-ai/synesis/services/engine/state"
	"github.com/synesis-ai/synesis/services/gateway/datatypes"
	"github.com/synesis-ai/synesis/services/gateway/middleware"
	"github.com/synesis-ai/synesis/services/gateway/observability"
)

// stubEngine terminates every traversal with a fixed answer.
type stubEngine struct {
	content string
	nodes   []string
	lastUID string
}

func (e *stubEngine) RunWithProgress(_ context.Context, st *state.State, _ string, progress func(string)) error {
	e.lastUID = st.UserID
	for _, node := range e.nodes {
		if progress != nil {
			progress(node)
		}
	}
	st.Apply(state.Delta{FinalContent: state.Ptr(e.content), CriticApproved: state.Ptr(true)})
	return nil
}

var testMetrics = observability.New()

func newTestRouter(engine *stubEngine) *gin.Engine {
	gin.SetMode(gin.TestMode)
	server := NewServer(engine, nil, config.Default(), testMetrics, logging.Default())
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(middleware.Identity())
	v1.POST("/chat/completions", server.Chat)
	v1.GET("/models", server.Models)
	r.GET("/health", server.Health)
	return r
}

func TestChatReturnsOpenAIResponse(t *testing.T) {
	engine := &stubEngine{content: "print('hi')"}
	router := newTestRouter(engine)

	body := `{"messages": [{"role": "user", "content": "hello world in python"}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp datatypes.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "print('hi')", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.NotEmpty(t, resp.ID)
}

func TestChatRejectsEmptyMessages(t *testing.T) {
	router := newTestRouter(&stubEngine{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"messages": []}`))
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatRejectsOversizedContent(t *testing.T) {
	router := newTestRouter(&stubEngine{})
	big := strings.Repeat("x", datatypes.MaxMessageContentBytes+1)
	body, _ := json.Marshal(map[string]any{
		"messages": []map[string]string{{"role": "user", "content": big}},
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(string(body)))
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatDerivesIdentityFromBearerToken(t *testing.T) {
	engine := &stubEngine{content: "ok"}
	router := newTestRouter(engine)

	body := `{"messages": [{"role": "user", "content": "hi"}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret-token")
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, middleware.AnonymousUser, engine.lastUID)
	assert.NotContains(t, engine.lastUID, "secret-token")
	assert.Len(t, engine.lastUID, 32)
}

func TestChatExplicitUserFieldWins(t *testing.T) {
	engine := &stubEngine{content: "ok"}
	router := newTestRouter(engine)

	body := `{"user": "alice", "messages": [{"role": "user", "content": "hi"}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret-token")
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", engine.lastUID)
}

func TestChatStreamingEmitsStatusAndDone(t *testing.T) {
	engine := &stubEngine{content: "final answer", nodes: []string{"worker", "sandbox"}}
	router := newTestRouter(engine)

	body := `{"stream": true, "messages": [{"role": "user", "content": "hi"}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")
	assert.Contains(t, out, "event: status")
	assert.Contains(t, out, "Writing code...")
	assert.Contains(t, out, "Executing in sandbox...")
	assert.Contains(t, out, "final answer")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "data: [DONE]"))
}

func TestModelsListsOneModel(t *testing.T) {
	router := newTestRouter(&stubEngine{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var list datatypes.ModelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, "synesis", list.Data[0].ID)
}

func TestHealth(t *testing.T) {
	router := newTestRouter(&stubEngine{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
