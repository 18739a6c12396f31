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

const criticSystemPrompt = `You are the safety critic of a code-generation pipeline.
The code already executed; its results are below and are not in dispute. Judge whether
the artifact is safe and complete: silent failure modes, unhandled edge cases,
security posture, and whether it actually answers the task.
List blocking_issues only for defects that must be fixed before shipping; everything
else goes in residual_risks. If the worker declared an intended regression, judge the
justification: reject it when the regression is not a necessary consequence of the fix.
Respond with a single JSON object:
{"approved": bool, "feedback": "...", "residual_risks": ["..."],
 "blocking_issues": ["..."], "regression_accepted": bool}`

const criticPostmortemPrompt = `You are writing the postmortem for a code-generation run
that is stopping without a working artifact. Do not propose another attempt. Explain
what was tried, why each attempt failed, and what a human should look at. Name any
dark debt: partial changes, assumptions baked into the artifact, or cleanup the user
now owes. Respond with a single JSON object:
{"approved": false, "feedback": "postmortem text", "residual_risks": ["dark debt items"],
 "blocking_issues": ["..."]}`

type criticOutput struct {
	Approved           bool     `json:"approved"`
	Feedback           string   `json:"feedback"`
	ResidualRisks      []string `json:"residual_risks"`
	BlockingIssues     []string `json:"blocking_issues"`
	RegressionAccepted bool     `json:"regression_accepted"`
}

// Critic reviews the executed artifact and feeds both failure caches.
type Critic struct {
	client    llm.Client
	router    *llm.Router
	failfast  *failcache.FailFast
	failstore *failcache.Store
	timeout   time.Duration
	log       *logging.Logger
}

// NewCritic builds the stage. failfast and failstore may be nil.
func NewCritic(client llm.Client, router *llm.Router, failfast *failcache.FailFast, failstore *failcache.Store, timeout time.Duration, log *logging.Logger) *Critic {
	return &Critic{
		client:    client,
		router:    router,
		failfast:  failfast,
		failstore: failstore,
		timeout:   timeout,
		log:       log,
	}
}

func (c *Critic) Name() string           { return NodeCritic }
func (c *Critic) Timeout() time.Duration { return c.timeout }

// Run implements Stage.
func (c *Critic) Run(ctx context.Context, st *state.State) (state.Delta, error) {
	var delta state.Delta

	system := criticSystemPrompt
	if st.Postmortem {
		system = criticPostmortemPrompt
	}

	result, err := c.client.Chat(ctx, c.router.ModelFor(llm.RoleCriticStage, st), []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: c.userPrompt(st)},
	}, llm.Params{})
	if err != nil {
		return delta, fmt.Errorf("critic model call: %w", err)
	}
	delta.TokensConsumed = result.Usage.TotalTokens

	var out criticOutput
	if err := decodeModelJSON(result.Content, &out); err != nil {
		return delta, fmt.Errorf("critic output: %w", err)
	}
	if st.Postmortem {
		out.Approved = false
	}
	// A declared regression the critic does not accept blocks approval.
	if len(st.RegressionsIntended) > 0 && !out.RegressionAccepted {
		out.Approved = false
		out.BlockingIssues = append(out.BlockingIssues,
			"declared regression of "+strings.Join(st.RegressionsIntended, ", ")+" was not accepted")
	}

	delta.CriticApproved = state.Ptr(out.Approved)
	delta.CriticFeedback = state.Ptr(out.Feedback)
	delta.ResidualRisks = out.ResidualRisks
	delta.BlockingIssues = out.BlockingIssues
	delta.NodeTraces = append(delta.NodeTraces,
		state.Trace(NodeCritic, verdictEvent(out.Approved, st.Postmortem), out.Feedback))

	c.record(ctx, st, out.Approved)
	c.log.Info("critic verdict",
		"run_id", st.RunID, "approved", out.Approved, "postmortem", st.Postmortem,
		"blocking_issues", len(out.BlockingIssues))
	return delta, nil
}

func verdictEvent(approved, postmortem bool) string {
	switch {
	case postmortem:
		return "postmortem"
	case approved:
		return "approved"
	default:
		return "rejected"
	}
}

func (c *Critic) userPrompt(st *state.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\nLanguage: %s\n", st.TaskDescription, st.TargetLanguage)

	if st.Postmortem {
		fmt.Fprintf(&b, "\nIterations spent: %d of %d\nStrategies tried: %s\n",
			st.IterationCount, st.MaxIterations, strings.Join(st.RevisionStrategiesTried, ", "))
		for _, fp := range st.FailureIDsSeen {
			fmt.Fprintf(&b, "Failure seen: %s\n", fp.String())
		}
	}
	if st.ExecutionResult != nil {
		r := st.ExecutionResult
		fmt.Fprintf(&b, "\nExecution: exit=%d lint=%t security=%t\n", r.Execution.ExitCode, r.Lint.Passed, r.Security.Passed)
		if r.Execution.Output != "" {
			fmt.Fprintf(&b, "Output:\n%s\n", tail(r.Execution.Output, 2000))
		}
	}
	if len(st.RegressionsIntended) > 0 {
		fmt.Fprintf(&b, "\nWorker declared regression of: %s\nJustification: %s\n",
			strings.Join(st.RegressionsIntended, ", "), st.RegressionJustification)
	}
	if st.GeneratedCode != "" {
		fmt.Fprintf(&b, "\nArtifact (%s):\n%s\n", primaryFilename(st), st.GeneratedCode)
	}
	return b.String()
}

// record persists the outcome so future similar tasks start with the
// known result instead of rediscovering it.
func (c *Critic) record(ctx context.Context, st *state.State, approved bool) {
	if c.failfast != nil {
		kind := failcache.OutcomeFailure
		summary := ""
		if approved {
			kind = failcache.OutcomeSuccess
		} else if st.ExecutionResult != nil {
			summary = firstLine(st.ExecutionResult.Execution.Output)
		}
		c.failfast.Record(st.TaskDescription, st.TargetLanguage, failcache.Outcome{
			Kind:         kind,
			Language:     st.TargetLanguage,
			Code:         st.GeneratedCode,
			ErrorSummary: summary,
			RecordedAt:   time.Now().UnixMilli(),
		})
	}
	if c.failstore != nil && st.Postmortem {
		c.failstore.SaveFromState(ctx, st)
	}
}
