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
	"time"

	"github.com/synesis-ai/synesis/pkg/logging"
	"github.com/synesis-ai/synesis/services/engine/sandbox"
	"github.com/synesis-ai/synesis/services/engine/state"
)

// SandboxStage bundles the attempt, executes it, and classifies the
// outcome. The sandbox is the authority on whether code works; model
// claims never substitute for an execution result.
type SandboxStage struct {
	client  *sandbox.Client
	timeout time.Duration
	log     *logging.Logger
}

// NewSandboxStage builds the stage.
func NewSandboxStage(client *sandbox.Client, timeout time.Duration, log *logging.Logger) *SandboxStage {
	return &SandboxStage{client: client, timeout: timeout, log: log}
}

func (s *SandboxStage) Name() string           { return NodeSandbox }
func (s *SandboxStage) Timeout() time.Duration { return s.timeout }

// Run implements Stage.
func (s *SandboxStage) Run(ctx context.Context, st *state.State) (state.Delta, error) {
	var delta state.Delta

	if st.Budgets.MaxSandboxMinutes > 0 && st.Budgets.SandboxMinutesUsed >= st.Budgets.MaxSandboxMinutes {
		return delta, sandbox.ErrBudgetExhausted
	}

	attemptID := fmt.Sprintf("%s-i%d", st.RunID, st.IterationCount)
	req := sandbox.Request{
		Language: st.TargetLanguage,
		Code:     sandbox.Bundle(st, attemptID),
		Filename: primaryFilename(st),
		RunID:    st.RunID,
	}

	result, outcome, err := s.client.Execute(ctx, req, attemptID)
	if err != nil {
		return delta, fmt.Errorf("sandbox execution: %w", err)
	}
	delta.SandboxMinutesUsed = outcome.Duration.Minutes()
	if len(st.ExperimentPlan) > 0 {
		delta.EvidenceExperiments = 1
	}

	execResult := sandbox.ToExecutionResult(result)
	delta.ExecutionResult = execResult
	delta.ExecutionExitCode = state.Ptr(execResult.Execution.ExitCode)
	delta.ExecutionLintPassed = state.Ptr(execResult.Lint.Passed)
	delta.ExecutionSecurityPassed = state.Ptr(execResult.Security.Passed)

	if execResult.Lint.Passed {
		delta.StagesPassed = append(delta.StagesPassed, "lint")
	}
	if execResult.Security.Passed {
		delta.StagesPassed = append(delta.StagesPassed, "security")
	}
	if execResult.Execution.ExitCode == 0 {
		delta.StagesPassed = append(delta.StagesPassed, "runtime")
	}
	if execResult.Execution.ExitCode != 0 || !execResult.Lint.Passed || !execResult.Security.Passed {
		delta.FailureType = state.Ptr(sandbox.Classify(execResult, st.LSPDiagnostics))
	}

	delta.ToolRefs = append(delta.ToolRefs, state.ToolRef{
		Tool:              "sandbox",
		RequestID:         attemptID,
		ParametersHash:    state.HashString(req.Code + "|sandbox/v1"),
		ResultHash:        state.HashString(execResult.Execution.Output),
		ResultSummary:     fmt.Sprintf("exit=%d lint=%t security=%t path=%s", execResult.Execution.ExitCode, execResult.Lint.Passed, execResult.Security.Passed, outcome.Path),
		ResultFingerprint: fingerprintSummary(execResult, st),
		ToolVersion:       "sandbox/v1",
		CreatedAt:         time.Now().UnixMilli(),
	})
	delta.NodeTraces = append(delta.NodeTraces, state.Trace(NodeSandbox, "executed",
		fmt.Sprintf("exit=%d path=%s duration=%s", execResult.Execution.ExitCode, outcome.Path, outcome.Duration.Round(time.Millisecond))))
	s.log.Info("sandbox attempt finished",
		"run_id", st.RunID, "iteration", st.IterationCount,
		"exit_code", execResult.Execution.ExitCode, "path", outcome.Path,
		"lint", execResult.Lint.Passed, "security", execResult.Security.Passed)
	return delta, nil
}

func fingerprintSummary(result *state.ExecutionResult, st *state.State) string {
	if result.Execution.ExitCode == 0 && result.Lint.Passed && result.Security.Passed {
		return ""
	}
	ft := sandbox.Classify(result, st.LSPDiagnostics)
	return sandbox.FingerprintOf(result, ft).String()
}
