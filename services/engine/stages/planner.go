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
	"github.com/synesis-ai/synesis/services/engine/llm"
	"github.com/synesis-ai/synesis/services/engine/state"
)

const plannerSystemPrompt = `You plan a coding task before any code is written.
Break the task into concrete ordered steps and name every file the work will touch.
Set requires_approval=true when the plan deletes files, touches more than five files,
or changes public interfaces. You may ask AT MOST one question, and only when a
wrong guess would waste the whole attempt.
Respond with a single JSON object:
{"steps": ["..."], "touched_files": ["..."], "requires_approval": bool, "question": "..."}`

type plannerOutput struct {
	Steps            []string `json:"steps"`
	TouchedFiles     []string `json:"touched_files"`
	RequiresApproval bool     `json:"requires_approval"`
	Question         string   `json:"question"`
}

// Planner produces a step plan for small and complex tasks.
type Planner struct {
	client  llm.Client
	router  *llm.Router
	timeout time.Duration
	log     *logging.Logger
}

// NewPlanner builds the stage.
func NewPlanner(client llm.Client, router *llm.Router, timeout time.Duration, log *logging.Logger) *Planner {
	return &Planner{client: client, router: router, timeout: timeout, log: log}
}

func (p *Planner) Name() string           { return NodePlanner }
func (p *Planner) Timeout() time.Duration { return p.timeout }

// Run implements Stage.
func (p *Planner) Run(ctx context.Context, st *state.State) (state.Delta, error) {
	var delta state.Delta

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\nLanguage: %s\nTask size: %s\n", st.TaskDescription, st.TargetLanguage, st.TaskSize)
	if len(st.FailFastHints) > 0 {
		fmt.Fprintf(&b, "Known outcomes for similar tasks:\n- %s\n", strings.Join(st.FailFastHints, "\n- "))
	}

	result, err := p.client.Chat(ctx, p.router.ModelFor(llm.RolePlannerStage, st), []llm.Message{
		{Role: llm.RoleSystem, Content: plannerSystemPrompt},
		{Role: llm.RoleUser, Content: b.String()},
	}, llm.Params{})
	if err != nil {
		return delta, fmt.Errorf("planner model call: %w", err)
	}
	delta.TokensConsumed = result.Usage.TotalTokens

	var out plannerOutput
	if err := decodeModelJSON(result.Content, &out); err != nil {
		return delta, fmt.Errorf("planner output: %w", err)
	}

	if out.Question != "" && st.ClarificationBudget > 0 {
		delta.NeedsClarification = state.Ptr(true)
		delta.ClarifyQuestion = state.Ptr(out.Question)
		delta.ClarificationBudget = state.Ptr(st.ClarificationBudget - 1)
		delta.NodeTraces = append(delta.NodeTraces, state.Trace(NodePlanner, "clarify", out.Question))
		return delta, nil
	}

	if len(out.Steps) == 0 {
		// An empty plan is a degenerate answer; synthesize the one-step
		// version rather than bouncing the request.
		out.Steps = []string{st.TaskDescription}
	}
	plan := &state.Plan{
		Steps:            out.Steps,
		TouchedFiles:     out.TouchedFiles,
		RequiresApproval: out.RequiresApproval,
	}
	delta.Plan = plan
	if len(out.TouchedFiles) > 0 {
		delta.FilesTouched = out.TouchedFiles
	}
	delta.NodeTraces = append(delta.NodeTraces,
		state.Trace(NodePlanner, "planned", fmt.Sprintf("%d steps, approval=%t", len(plan.Steps), plan.RequiresApproval)))
	p.log.Debug("plan produced", "run_id", st.RunID, "steps", len(plan.Steps), "approval", plan.RequiresApproval)
	return delta, nil
}
