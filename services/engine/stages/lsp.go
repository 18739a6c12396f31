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
	"github.com/synesis-ai/synesis/services/engine/analysis"
	"github.com/synesis-ai/synesis/services/engine/state"
)

// AnalysisMode controls when static analysis runs relative to the
// sandbox.
type AnalysisMode string

const (
	// AnalysisPreExecution analyzes every attempt before the sandbox.
	AnalysisPreExecution AnalysisMode = "pre_execution"

	// AnalysisOnFailure analyzes only revision attempts.
	AnalysisOnFailure AnalysisMode = "on_failure"
)

// LSPStage submits the primary artifact to the static-analysis gateway.
//
// Exhausted budget and open circuit breakers both degrade to a skip:
// analysis is advisory, the sandbox is the authority.
type LSPStage struct {
	client  *analysis.Client
	mode    AnalysisMode
	timeout time.Duration
	log     *logging.Logger
}

// NewLSPStage builds the stage.
func NewLSPStage(client *analysis.Client, mode AnalysisMode, timeout time.Duration, log *logging.Logger) *LSPStage {
	if mode == "" {
		mode = AnalysisOnFailure
	}
	return &LSPStage{client: client, mode: mode, timeout: timeout, log: log}
}

func (l *LSPStage) Name() string           { return NodeLSP }
func (l *LSPStage) Timeout() time.Duration { return l.timeout }

// Mode reports when this stage runs; the routing engine consults it.
func (l *LSPStage) Mode() AnalysisMode { return l.mode }

// Run implements Stage.
func (l *LSPStage) Run(ctx context.Context, st *state.State) (state.Delta, error) {
	var delta state.Delta

	if st.Budgets.MaxLSPCalls > 0 && st.Budgets.LSPCallsUsed >= st.Budgets.MaxLSPCalls {
		delta.NodeTraces = append(delta.NodeTraces, state.Trace(NodeLSP, "skipped", "budget exhausted"))
		l.log.Warn("static analysis skipped, budget exhausted",
			"run_id", st.RunID, "calls_used", st.Budgets.LSPCallsUsed)
		return delta, nil
	}
	if st.GeneratedCode == "" {
		delta.NodeTraces = append(delta.NodeTraces, state.Trace(NodeLSP, "skipped", "no artifact"))
		return delta, nil
	}

	filename := primaryFilename(st)
	report, toolRef, err := l.client.Analyze(ctx, st.GeneratedCode, st.TargetLanguage, filename, st.RunID)
	if err != nil {
		// Degrade, never block: record the miss and continue.
		delta.NodeTraces = append(delta.NodeTraces, state.Trace(NodeLSP, "error", err.Error()))
		l.log.Warn("static analysis failed", "run_id", st.RunID, "error", err)
		return delta, nil
	}
	delta.LSPCallsUsed = 1
	delta.ToolRefs = append(delta.ToolRefs, toolRef)

	if report.Skipped {
		delta.NodeTraces = append(delta.NodeTraces, state.Trace(NodeLSP, "skipped", report.Error))
		return delta, nil
	}
	delta.LSPDiagnostics = report.Diagnostics
	if errorCount(report.Diagnostics) == 0 {
		delta.StagesPassed = []string{"lsp"}
	}
	delta.NodeTraces = append(delta.NodeTraces, state.Trace(NodeLSP, "analyzed",
		fmt.Sprintf("%s: %d diagnostics in %dms", report.Engine, len(report.Diagnostics), report.AnalysisTimeMS)))
	return delta, nil
}

func errorCount(diags []state.Diagnostic) int {
	n := 0
	for _, d := range diags {
		if d.Severity == "error" {
			n++
		}
	}
	return n
}

// primaryFilename picks the analysis target: first non-deleted touched
// file, falling back to a language-conventional name.
func primaryFilename(st *state.State) string {
	for _, op := range st.PatchOps {
		if op.Op != state.OpDelete {
			return op.Path
		}
	}
	if len(st.FilesTouched) > 0 {
		return st.FilesTouched[0]
	}
	switch st.TargetLanguage {
	case "python":
		return "main.py"
	case "go":
		return "main.go"
	case "typescript":
		return "main.ts"
	case "javascript":
		return "main.js"
	case "rust":
		return "main.rs"
	default:
		return "main.txt"
	}
}
