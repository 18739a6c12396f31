// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the gateway's HTTP endpoints: an
// OpenAI-compatible chat surface in front of the orchestration graph.
package handlers

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/synesis-ai/synesis/pkg/logging"
	"github.com/synesis-ai/synesis/services/engine/config"
	"github.com/synesis-ai/synesis/services/engine/graph"
	"github.com/synesis-ai/synesis/services/engine/memory"
	"github.com/synesis-ai/synesis/services/engine/stages"
	"github.com/synesis-ai/synesis/services/engine/state"
	"github.com/synesis-ai/synesis/services/gateway/datatypes"
	"github.com/synesis-ai/synesis/services/gateway/observability"
)

// Engine is the traversal runner the handlers drive. Satisfied by
// *graph.Engine; narrowed to an interface for handler tests.
type Engine interface {
	RunWithProgress(ctx context.Context, st *state.State, startNode string, progress func(node string)) error
}

var _ Engine = (*graph.Engine)(nil)

// ReadinessProbe reports whether a downstream dependency is reachable.
type ReadinessProbe func(ctx context.Context) error

// Server holds the handlers' shared dependencies.
type Server struct {
	engine  Engine
	memory  *memory.Memory
	config  atomic.Pointer[config.Config]
	metrics *observability.Metrics
	probes  map[string]ReadinessProbe
	log     *logging.Logger
}

// NewServer builds the handler set. memory may be nil.
func NewServer(engine Engine, mem *memory.Memory, cfg *config.Config, metrics *observability.Metrics, log *logging.Logger) *Server {
	s := &Server{
		engine:  engine,
		memory:  mem,
		metrics: metrics,
		probes:  map[string]ReadinessProbe{},
		log:     log,
	}
	s.config.Store(cfg)
	return s
}

// RegisterProbe adds a named readiness probe.
func (s *Server) RegisterProbe(name string, probe ReadinessProbe) {
	s.probes[name] = probe
}

// SwapConfig replaces the resolved configuration for new requests.
// In-flight requests keep the snapshot they started with.
func (s *Server) SwapConfig(cfg *config.Config) {
	s.config.Store(cfg)
}

// cfg returns the current configuration snapshot.
func (s *Server) cfg() *config.Config {
	return s.config.Load()
}

// newState seeds a traversal state from a validated request, resolving
// any pending question first.
//
// Outputs:
//
//	*state.State - Seeded state.
//	string       - Start node: entry for fresh requests, the asking
//	               stage's resume node when a pending question matched.
func (s *Server) newState(req *datatypes.ChatRequest, userID string) (*state.State, string) {
	budgets := s.cfg().Budgets
	st := &state.State{
		RunID:  uuid.NewString(),
		UserID: userID,
		Budgets: state.Budgets{
			TokenRemaining:         budgets.TokenBudget,
			MaxSandboxMinutes:      budgets.MaxSandboxMinutes,
			MaxLSPCalls:            budgets.MaxLSPCalls,
			MaxEvidenceExperiments: budgets.MaxEvidenceExperiments,
		},
		MaxIterations: budgets.MaxIterations,
	}
	for _, m := range req.Messages {
		st.Messages = append(st.Messages, state.Message{Role: m.Role, Content: m.Content})
	}
	st.TaskDescription = req.LatestUserContent()
	if len(req.Retrieval) > 0 {
		st.RetrievalParams = req.Retrieval
	}

	startNode := stages.NodeEntry
	if s.memory != nil {
		pending, err := s.memory.TakePendingQuestion(userID)
		switch {
		case err == nil:
			// The new message answers the open question: restore the
			// interrupted task and re-enter at the asking stage.
			st.TaskDescription = pending.Context
			st.Messages = append(st.Messages,
				state.Message{Role: "assistant", Content: pending.Question})
			startNode = graph.ResumeNode(pending.Source)
			s.log.Info("resuming pending question",
				"run_id", st.RunID, "source", pending.Source, "node", startNode)
		case errors.Is(err, memory.ErrNoPendingQuestion):
			// Fresh request.
		default:
			s.log.Warn("pending question lookup failed", "user", userID, "error", err)
		}
	}
	return st, startNode
}

// usage derives wire usage numbers from the consumed budget.
func (s *Server) usage(st *state.State) datatypes.ChatUsage {
	consumed := s.cfg().Budgets.TokenBudget - st.Budgets.TokenRemaining
	if consumed < 0 {
		consumed = 0
	}
	return datatypes.ChatUsage{CompletionTokens: consumed, TotalTokens: consumed}
}

// finishReason maps the terminal state to the wire finish_reason.
func finishReason(st *state.State) string {
	if st.Budgets.TokenRemaining <= 0 {
		return "length"
	}
	return "stop"
}

// requestTimeout bounds one whole traversal.
func (s *Server) requestTimeout() time.Duration {
	per := s.cfg().Budgets.StageTimeout
	if per <= 0 {
		per = 2 * time.Minute
	}
	// Generous multiple of the stage timeout; the graph's own step
	// bound is the real guard.
	return 10 * per
}
