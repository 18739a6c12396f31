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
	"github.com/synesis-ai/synesis/services/engine/memory"
	"github.com/synesis-ai/synesis/services/engine/state"
)

// Respond renders the terminal answer and persists any open question so
// the next message from the user resumes where the traversal stopped.
//
// Rendering is deterministic: no model call sits between the pipeline's
// verdict and what the user reads.
type Respond struct {
	memory      *memory.Memory
	questionTTL time.Duration
	timeout     time.Duration
	log         *logging.Logger
}

// NewRespond builds the stage. memory may be nil.
func NewRespond(mem *memory.Memory, questionTTL, timeout time.Duration, log *logging.Logger) *Respond {
	if questionTTL <= 0 {
		questionTTL = 30 * time.Minute
	}
	return &Respond{memory: mem, questionTTL: questionTTL, timeout: timeout, log: log}
}

func (r *Respond) Name() string           { return NodeRespond }
func (r *Respond) Timeout() time.Duration { return r.timeout }

// Run implements Stage.
func (r *Respond) Run(_ context.Context, st *state.State) (state.Delta, error) {
	var delta state.Delta

	content := r.render(st)
	delta.FinalContent = state.Ptr(content)
	delta.Messages = append(delta.Messages, state.Message{Role: "assistant", Content: content})

	if r.memory != nil {
		r.memory.Append(st.UserID, "assistant", content)
		if st.NeedsClarification || st.NeedsInput {
			q := memory.PendingQuestion{
				Source:    questionSource(st),
				Question:  st.ClarifyQuestion,
				Context:   st.TaskDescription,
				ExpiresAt: time.Now().Add(r.questionTTL).UnixMilli(),
			}
			if err := r.memory.SetPendingQuestion(st.UserID, q); err != nil {
				r.log.Warn("pending question not persisted", "run_id", st.RunID, "error", err)
			}
		}
	}
	delta.NodeTraces = append(delta.NodeTraces, state.Trace(NodeRespond, "rendered", ""))
	return delta, nil
}

// questionSource attributes the open question to the stage that asked
// it, so resume re-enters the right node.
func questionSource(st *state.State) state.PendingQuestionSource {
	if st.NeedsInput {
		return state.QuestionFromWorker
	}
	for i := len(st.NodeTraces) - 1; i >= 0; i-- {
		if st.NodeTraces[i].Event == "clarify" {
			if st.NodeTraces[i].Node == NodePlanner {
				return state.QuestionFromPlanner
			}
			return state.QuestionFromSupervisor
		}
	}
	return state.QuestionFromSupervisor
}

func (r *Respond) render(st *state.State) string {
	// A stage already wrote the final text (rejection, direct answer).
	if st.FinalContent != "" {
		return st.FinalContent
	}
	if st.NeedsClarification || st.NeedsInput {
		return st.ClarifyQuestion
	}
	if st.StopReason != "" {
		return renderStop(st)
	}
	if st.Plan != nil && st.Plan.RequiresApproval && st.GeneratedCode == "" {
		return renderPlanApproval(st)
	}
	if st.Postmortem || (st.GeneratedCode != "" && !st.CriticApproved) {
		return renderPostmortem(st)
	}
	if st.GeneratedCode != "" {
		return renderArtifact(st)
	}
	return "I could not produce a result for this request."
}

func renderStop(st *state.State) string {
	var b strings.Builder
	switch st.StopReason {
	case state.StopBlockedExternal:
		b.WriteString("Stopped: the task depends on an external system I cannot reach.")
	case state.StopCannotReproduce:
		b.WriteString("Stopped: I could not reproduce the reported behavior, so a fix would be a guess.")
	case state.StopUnsafeRequest:
		b.WriteString("Stopped: this request asks for something I will not produce.")
	case state.StopNeedsScopeExpansion:
		b.WriteString("Stopped: the fix requires changes outside the agreed scope. Expand the scope to continue.")
	default:
		fmt.Fprintf(&b, "Stopped: %s.", st.StopReason)
	}
	return b.String()
}

func renderPlanApproval(st *state.State) string {
	var b strings.Builder
	b.WriteString("This change needs your approval before I touch any files.\n\nPlan:\n")
	for i, step := range st.Plan.Steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	if len(st.Plan.TouchedFiles) > 0 {
		fmt.Fprintf(&b, "\nFiles: %s\n", strings.Join(st.Plan.TouchedFiles, ", "))
	}
	b.WriteString("\nReply to approve or adjust the plan.")
	return b.String()
}

func renderArtifact(st *state.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "```%s\n%s\n```\n", st.TargetLanguage, strings.TrimRight(st.GeneratedCode, "\n"))
	if len(st.FilesTouched) > 0 {
		fmt.Fprintf(&b, "\nFiles changed: %s\n", strings.Join(st.FilesTouched, ", "))
	}
	if st.ExecutionResult != nil {
		fmt.Fprintf(&b, "Verified in sandbox: exit %d, lint %s, security %s.\n",
			st.ExecutionResult.Execution.ExitCode,
			passLabel(st.ExecutionResult.Lint.Passed),
			passLabel(st.ExecutionResult.Security.Passed))
	}
	if st.InteractionMode == state.ModeTeach && len(st.WhatIfAnalyses) > 0 {
		b.WriteString("\nWhat-if analysis:\n")
		for _, w := range dedupe(st.WhatIfAnalyses) {
			fmt.Fprintf(&b, "- %s\n", w)
		}
	}
	if len(st.ResidualRisks) > 0 {
		b.WriteString("\nResidual risks:\n")
		for _, risk := range dedupe(st.ResidualRisks) {
			fmt.Fprintf(&b, "- %s\n", risk)
		}
	}
	return b.String()
}

func renderPostmortem(st *state.State) string {
	var b strings.Builder
	b.WriteString("I could not produce a working result.\n\n")
	if st.CriticFeedback != "" {
		b.WriteString(st.CriticFeedback)
		b.WriteString("\n")
	}
	if len(st.BlockingIssues) > 0 {
		b.WriteString("\nBlocking issues:\n")
		for _, issue := range dedupe(st.BlockingIssues) {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
	}
	if len(st.RevisionStrategiesTried) > 0 {
		fmt.Fprintf(&b, "\nApproaches tried: %s.\n", strings.Join(st.RevisionStrategiesTried, ", "))
	}
	if len(st.ResidualRisks) > 0 {
		b.WriteString("\nWhat you now own:\n")
		for _, risk := range dedupe(st.ResidualRisks) {
			fmt.Fprintf(&b, "- %s\n", risk)
		}
	}
	return b.String()
}

func passLabel(passed bool) string {
	if passed {
		return "passed"
	}
	return "failed"
}

// dedupe keeps the first occurrence of each entry. Append-only state
// fields can accumulate repeats across iterations; the user sees each
// once.
func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	var out []string
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
