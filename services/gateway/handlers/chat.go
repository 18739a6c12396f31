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

	"github.com/synesis-ai/synesis/services/engine/state"
	"github.com/synesis-ai/synesis/services/gateway/datatypes"
	"github.com/synesis-ai/synesis/services/gateway/middleware"
)

// Chat handles POST /v1/chat/completions.
//
// Description:
//
//	Validates the request, seeds a traversal state (resuming a pending
//	question when one exists for the caller), runs the graph, and
//	renders the terminal content in OpenAI format. Streaming requests
//	are delegated to ChatStreaming.
func (s *Server) Chat(c *gin.Context) {
	var req datatypes.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse(err.Error(), "invalid_request_error", "bad_json"))
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse(err.Error(), "invalid_request_error", "validation"))
		return
	}
	if req.Stream {
		s.chatStreaming(c, &req)
		return
	}

	userID := middleware.UserID(c)
	if req.User != "" {
		userID = req.User
		middleware.SetUserID(c, userID)
	}

	st, startNode := s.newState(&req, userID)
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.requestTimeout())
	defer cancel()

	start := time.Now()
	err := s.engine.RunWithProgress(ctx, st, startNode, nil)
	s.metrics.RecordRequest("chat", err == nil, time.Since(start))
	if err != nil {
		s.log.Error("traversal failed", "run_id", st.RunID, "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.NewErrorResponse(
			"the request could not be completed", "server_error", "traversal"))
		return
	}

	s.logOutcome(st)
	c.JSON(http.StatusOK, datatypes.NewChatResponse(
		st.RunID, s.cfg().Server.ModelName, st.FinalContent, finishReason(st), s.usage(st)))
}

func (s *Server) logOutcome(st *state.State) {
	s.log.Info("traversal finished",
		"run_id", st.RunID,
		"user", st.UserID,
		"task_size", st.TaskSize,
		"iterations", st.IterationCount,
		"approved", st.CriticApproved,
		"postmortem", st.Postmortem,
		"needs_input", st.NeedsInput || st.NeedsClarification,
		"tokens_remaining", st.Budgets.TokenRemaining)
}
