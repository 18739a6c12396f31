// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/synesis-ai/synesis/services/gateway/datatypes"
	"github.com/synesis-ai/synesis/services/gateway/middleware"
)

// statusMessages maps pipeline nodes to user-facing progress text.
// Nodes not listed stay silent.
var statusMessages = map[string]string{
	"supervisor":      "Reviewing the request...",
	"planner":         "Planning the change...",
	"context_curator": "Gathering project context...",
	"worker":          "Writing code...",
	"integrity_gate":  "Checking the change...",
	"lsp":             "Running static analysis...",
	"sandbox":         "Executing in sandbox...",
	"critic":          "Reviewing the result...",
}

// streamChunkSize is the content slice per delta frame. Small enough
// that clients render progressively, large enough to stay cheap.
const streamChunkSize = 256

// chatStreaming streams one traversal as SSE.
//
// Description:
//
//	Emits "event: status" frames as the pipeline moves between nodes,
//	then the final content as OpenAI-style delta chunks, then the
//	[DONE] terminator. The traversal runs on the request goroutine, so
//	status frames are written synchronously from the progress callback.
func (s *Server) chatStreaming(c *gin.Context, req *datatypes.ChatRequest) {
	userID := middleware.UserID(c)
	if req.User != "" {
		userID = req.User
	}

	sse := newSSEWriter(c)
	if sse == nil {
		c.JSON(http.StatusInternalServerError, datatypes.NewErrorResponse(
			"streaming unsupported by this connection", "server_error", "no_flusher"))
		return
	}

	st, startNode := s.newState(req, userID)
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.requestTimeout())
	defer cancel()

	s.metrics.StreamStarted()
	defer s.metrics.StreamEnded()

	start := time.Now()
	err := s.engine.RunWithProgress(ctx, st, startNode, func(node string) {
		msg, ok := statusMessages[node]
		if !ok {
			return
		}
		if writeErr := sse.Event("status", datatypes.StatusEvent{
			Type: "status", Node: node, Message: msg,
		}); writeErr != nil {
			// Client went away; the traversal finishes on its own and
			// the remaining writes fail silently.
			s.metrics.RecordClientDisconnect()
		}
	})
	s.metrics.RecordRequest("chat_streaming", err == nil, time.Since(start))
	if err != nil {
		s.log.Error("streaming traversal failed", "run_id", st.RunID, "error", err)
		_ = sse.Event("error", datatypes.NewErrorResponse(
			"the request could not be completed", "server_error", "traversal"))
		sse.Done()
		return
	}
	s.logOutcome(st)

	// Role prelude, then the content in chunks.
	first := datatypes.StreamChunk{
		ID: st.RunID, Object: "chat.completion.chunk", Created: time.Now().Unix(),
		Model:   s.cfg().Server.ModelName,
		Choices: []datatypes.StreamChoice{{Delta: datatypes.StreamDelta{Role: "assistant"}}},
	}
	if err := sse.Data(first); err != nil {
		s.metrics.RecordClientDisconnect()
		return
	}
	content := st.FinalContent
	for off := 0; off < len(content); off += streamChunkSize {
		end := off + streamChunkSize
		if end > len(content) {
			end = len(content)
		}
		if err := sse.Data(datatypes.NewStreamChunk(st.RunID, s.cfg().Server.ModelName, content[off:end])); err != nil {
			s.metrics.RecordClientDisconnect()
			return
		}
	}

	reason := finishReason(st)
	last := datatypes.StreamChunk{
		ID: st.RunID, Object: "chat.completion.chunk", Created: time.Now().Unix(),
		Model:   s.cfg().Server.ModelName,
		Choices: []datatypes.StreamChoice{{FinishReason: &reason}},
	}
	_ = sse.Data(last)
	sse.Done()
}
