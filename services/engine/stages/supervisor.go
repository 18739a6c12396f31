// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/synesis-ai/synesis/pkg/logging"
	"github.com/synesis-ai/synesis/services/engine/failcache"
	"github.com/synesis-ai/synesis/services/engine/llm"
	"github.com/synesis-ai/synesis/services/engine/state"
)

const supervisorSystemPrompt = `You are the supervisor of a code-generation pipeline.
Decide whether the request is actionable as-is. You may ask AT MOST one clarifying
question, and only when proceeding without the answer would force a guess.
Respond with a single JSON object:
{"needs_clarification": bool, "question": "...", "route_to": "worker"|"planner"|"respond",
 "task_description": "one-line restatement", "rejection_reason": "..."}
Route complex or multi-file work to "planner", simple work to "worker",
and unsafe or non-coding requests to "respond" with a rejection_reason.`

const supervisorGuardPrompt = `You are re-entering after the critic rejected the artifact.
Guard mode restrictions: you may only clarify the requirements or forward to the worker.
You may NOT downgrade to the planner and you may NOT alter the evidence context.
Respond with the same JSON schema; route_to must be "worker" or "respond".`

type supervisorOutput struct {
	NeedsClarification bool   `json:"needs_clarification"`
	Question           string `json:"question"`
	RouteTo            string `json:"route_to"`
	TaskDescription    string `json:"task_description"`
	RejectionReason    string `json:"rejection_reason"`
}

// Supervisor decides clarify-or-route and injects failure-cache hints.
type Supervisor struct {
	client    llm.Client
	router    *llm.Router
	failfast  *failcache.FailFast
	failstore *failcache.Store
	timeout   time.Duration
	log       *logging.Logger
}

// NewSupervisor builds the stage. failfast and failstore may be nil.
func NewSupervisor(client llm.Client, router *llm.Router, failfast *failcache.FailFast, failstore *failcache.Store, timeout time.Duration, log *logging.Logger) *Supervisor {
	return &Supervisor{
		client:    client,
		router:    router,
		failfast:  failfast,
		failstore: failstore,
		timeout:   timeout,
		log:       log,
	}
}

func (s *Supervisor) Name() string           { return NodeSupervisor }
func (s *Supervisor) Timeout() time.Duration { return s.timeout }

// Run implements Stage.
func (s *Supervisor) Run(ctx context.Context, st *state.State) (state.Delta, error) {
	var delta state.Delta

	// Known-outcome hints go to the worker via the state; they are not
	// part of the supervisor's own decision input in guard mode (the
	// evidence context must stay untouched).
	if !st.SupervisorGuard {
		delta.FailFastHints = s.collectHints(ctx, st)
	}

	system := supervisorSystemPrompt
	if st.SupervisorGuard {
		system = supervisorGuardPrompt
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: s.userPrompt(st)},
	}

	result, err := s.client.Chat(ctx, s.router.ModelFor(llm.RoleSupervisorStage, st), messages, llm.Params{})
	if err != nil {
		return delta, fmt.Errorf("supervisor model call: %w", err)
	}
	delta.TokensConsumed = result.Usage.TotalTokens

	var out supervisorOutput
	if err := decodeModelJSON(result.Content, &out); err != nil {
		return delta, fmt.Errorf("supervisor output: %w", err)
	}

	// Clarification budget is a cap, not a quota to exhaust.
	if out.NeedsClarification && st.ClarificationBudget <= 0 {
		s.log.Warn("clarification suppressed, budget exhausted", "run_id", st.RunID)
		out.NeedsClarification = false
	}

	if out.NeedsClarification {
		delta.NeedsClarification = state.Ptr(true)
		delta.ClarifyQuestion = state.Ptr(out.Question)
		delta.ClarificationBudget = state.Ptr(st.ClarificationBudget - 1)
		delta.NodeTraces = append(delta.NodeTraces, state.Trace(NodeSupervisor, "clarify", out.Question))
		return delta, nil
	}

	routeTo := out.RouteTo
	if st.SupervisorGuard && routeTo == "planner" {
		// Guard mode forbids downgrading to the planner.
		routeTo = "worker"
	}
	if routeTo == "" {
		routeTo = "worker"
	}
	delta.NeedsClarification = state.Ptr(false)
	delta.RouteTo = state.Ptr(routeTo)
	if out.TaskDescription != "" && !st.SupervisorGuard {
		delta.TaskDescription = state.Ptr(out.TaskDescription)
	}
	if routeTo == "respond" && out.RejectionReason != "" {
		delta.FinalContent = state.Ptr(out.RejectionReason)
	}
	delta.NodeTraces = append(delta.NodeTraces, state.Trace(NodeSupervisor, "route", routeTo))
	return delta, nil
}

func (s *Supervisor) userPrompt(st *state.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n", st.TaskDescription)
	if st.SupervisorGuard {
		fmt.Fprintf(&b, "Critic feedback to address: %s\n", st.CriticFeedback)
		if len(st.BlockingIssues) > 0 {
			fmt.Fprintf(&b, "Blocking issues: %s\n", strings.Join(st.BlockingIssues, "; "))
		}
	}
	fmt.Fprintf(&b, "Task size: %s. Clarification budget remaining: %d.\n", st.TaskSize, st.ClarificationBudget)
	return b.String()
}

// collectHints queries both failure caches for this task.
func (s *Supervisor) collectHints(ctx context.Context, st *state.State) []string {
	var hints []string
	if s.failfast != nil {
		if outcome, ok := s.failfast.Lookup(st.TaskDescription, st.TargetLanguage); ok {
			hints = append(hints, failcache.Hint(outcome))
		}
	}
	if s.failstore != nil {
		analogous, err := s.failstore.FindAnalogous(ctx, st.TaskDescription, 2)
		if err != nil {
			s.log.Debug("failure store lookup failed", "run_id", st.RunID, "error", err)
		}
		for _, a := range analogous {
			hints = append(hints, fmt.Sprintf(
				"A similar past task failed with %s: %s", a.ErrorType, firstLine(a.ErrorOutput)))
		}
	}
	return hints
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
