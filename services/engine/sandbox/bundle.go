// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sandbox implements the execution contract: bundling worker
// output into an executable form, classifying structured results, and
// fingerprinting failures for the same-failure short-circuit.
//
// The sandbox runtime itself is external; this package only speaks its
// HTTP contract.
package sandbox

import (
	"encoding/base64"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/synesis-ai/synesis/services/engine/state"
)

// testRunners maps language to the default verification command used
// when the worker supplied no experiment plan.
var testRunners = map[string]string{
	"python":     "python -m pytest -x -q . 2>/dev/null || python main.py",
	"go":         "go test ./... 2>/dev/null || go run .",
	"javascript": "npm test --silent 2>/dev/null || node main.js",
	"typescript": "npm test --silent 2>/dev/null || npx ts-node main.ts",
	"bash":       "bash main.sh",
}

// experimentRoot is where experiment scripts run, namespaced by attempt
// so reruns never collide.
const experimentRoot = ".synesis/experiments"

// Bundle synthesizes the shell script executed when the worker emitted
// patch operations instead of a single code body.
//
// Description:
//
//	Ops are sorted canonically by (path, op) so the applied result is
//	independent of emission order. File contents travel as base64
//	heredocs: the payload can contain any bytes, including heredoc
//	terminators, without escaping. Deletes remove the file. The script
//	finishes by running either the experiment plan's commands (under
//	the attempt's experiment directory) or the language test runner.
//
// Inputs:
//
//	st        - Traversal state carrying patch_ops and experiment plan.
//	attemptID - Unique id for this attempt's experiment directory.
//
// Outputs:
//
//	string - Complete POSIX shell script.
func Bundle(st *state.State, attemptID string) string {
	ops := make([]state.PatchOp, len(st.PatchOps))
	copy(ops, st.PatchOps)
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Path != ops[j].Path {
			return ops[i].Path < ops[j].Path
		}
		return ops[i].Op < ops[j].Op
	})

	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -e\n\n")

	for i, op := range ops {
		switch op.Op {
		case state.OpDelete:
			fmt.Fprintf(&b, "rm -f %s\n", shellQuote(op.Path))
		case state.OpAdd, state.OpModify:
			if dir := path.Dir(op.Path); dir != "." && dir != "/" {
				fmt.Fprintf(&b, "mkdir -p %s\n", shellQuote(dir))
			}
			encoded := base64.StdEncoding.EncodeToString([]byte(op.Text))
			fmt.Fprintf(&b, "base64 -d > %s <<'SYNESIS_EOF_%d'\n%s\nSYNESIS_EOF_%d\n",
				shellQuote(op.Path), i, encoded, i)
		}
	}

	b.WriteString("\n")
	if len(st.ExperimentPlan) > 0 {
		dir := path.Join(experimentRoot, attemptID)
		fmt.Fprintf(&b, "mkdir -p %s\ncd %s\n", shellQuote(dir), shellQuote(dir))
		for _, cmd := range st.ExperimentPlan {
			b.WriteString(cmd)
			b.WriteString("\n")
		}
	} else {
		runner, ok := testRunners[strings.ToLower(st.TargetLanguage)]
		if !ok {
			runner = testRunners["python"]
		}
		b.WriteString(runner)
		b.WriteString("\n")
	}
	return b.String()
}

// ApplyOps applies sorted patch operations to an in-memory workspace.
// Used by tests and the round-trip property check; the sandbox applies
// the same semantics via the bundled script.
func ApplyOps(workspace map[string]string, ops []state.PatchOp) map[string]string {
	sorted := make([]state.PatchOp, len(ops))
	copy(sorted, ops)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Path != sorted[j].Path {
			return sorted[i].Path < sorted[j].Path
		}
		return sorted[i].Op < sorted[j].Op
	})

	out := make(map[string]string, len(workspace))
	for k, v := range workspace {
		out[k] = v
	}
	for _, op := range sorted {
		switch op.Op {
		case state.OpDelete:
			delete(out, op.Path)
		case state.OpAdd, state.OpModify:
			out[op.Path] = op.Text
		}
	}
	return out
}

// shellQuote single-quotes a path for safe interpolation.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
