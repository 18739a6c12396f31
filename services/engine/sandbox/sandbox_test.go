// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synesis-ai/synesis/pkg/logging"
	"github.com/synesis-ai/synesis/services/engine/state"
)

func TestBundleSortsOpsCanonically(t *testing.T) {
	st := &state.State{
		TargetLanguage: "python",
		PatchOps: []state.PatchOp{
			{Path: "src/z.py", Op: state.OpAdd, Text: "z"},
			{Path: "src/a.py", Op: state.OpModify, Text: "a"},
			{Path: "src/a.py", Op: state.OpAdd, Text: "a0"},
		},
	}
	script := Bundle(st, "attempt-1")

	// add sorts before modify for the same path.
	firstA := strings.Index(script, "SYNESIS_EOF_0")
	require.Greater(t, firstA, 0)
	assert.Less(t, strings.Index(script, "'src/a.py'"), strings.Index(script, "'src/z.py'"))
	assert.Contains(t, script, "mkdir -p 'src'")
	assert.Contains(t, script, "python -m pytest")
}

func TestBundleExperimentPlanRunsInAttemptDir(t *testing.T) {
	st := &state.State{
		TargetLanguage: "python",
		PatchOps:       []state.PatchOp{{Path: "probe.py", Op: state.OpAdd, Text: "print(1)"}},
		ExperimentPlan: []string{"python probe.py"},
	}
	script := Bundle(st, "attempt-7")
	assert.Contains(t, script, ".synesis/experiments/attempt-7")
	assert.Contains(t, script, "python probe.py")
	assert.NotContains(t, script, "pytest")
}

func TestApplyOpsOrderIndependent(t *testing.T) {
	base := map[string]string{"keep.txt": "kept", "gone.txt": "old"}
	ops := []state.PatchOp{
		{Path: "new.txt", Op: state.OpAdd, Text: "hello"},
		{Path: "gone.txt", Op: state.OpDelete},
		{Path: "keep.txt", Op: state.OpModify, Text: "updated"},
	}
	reversed := []state.PatchOp{ops[2], ops[1], ops[0]}

	a := ApplyOps(base, ops)
	b := ApplyOps(base, reversed)

	assert.Equal(t, a, b)
	assert.Equal(t, "updated", a["keep.txt"])
	assert.Equal(t, "hello", a["new.txt"])
	_, exists := a["gone.txt"]
	assert.False(t, exists)
}

func TestClassifyOrder(t *testing.T) {
	mk := func(lint, security bool, exit int) *state.ExecutionResult {
		r := &state.ExecutionResult{ExitCode: exit}
		r.Lint.Passed = lint
		r.Security.Passed = security
		r.Execution.ExitCode = exit
		return r
	}

	tests := []struct {
		name   string
		result *state.ExecutionResult
		lsp    []state.Diagnostic
		want   state.FailureType
	}{
		{"lint first", mk(false, false, 1), nil, state.FailureLint},
		{"security second", mk(true, false, 1), nil, state.FailureSecurity},
		{"lsp third", mk(true, true, 1), []state.Diagnostic{{Rule: "undefined"}}, state.FailureLSP},
		{"timeout is runtime", mk(true, true, 124), nil, state.FailureRuntime},
		{"nonzero exit is runtime", mk(true, true, 2), nil, state.FailureRuntime},
		{"pass is empty", mk(true, true, 0), nil, state.FailureType("")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.result, tt.lsp))
		})
	}
}

func TestFingerprintFromStderr(t *testing.T) {
	r := &state.ExecutionResult{ExitCode: 1}
	r.Lint.Passed = true
	r.Security.Passed = true
	r.Execution.ExitCode = 1
	r.Execution.Output = "Traceback (most recent call last):\n  ...\nNameError: name 'x' is not defined"

	fp := FingerprintOf(r, state.FailureRuntime)
	assert.Equal(t, "runtime:1:NameError", fp.String())
}

func TestFingerprintLintRule(t *testing.T) {
	r := &state.ExecutionResult{ExitCode: 1}
	r.Lint.Passed = false
	r.Lint.Output = "main.py:3:80: E501 line too long"

	fp := FingerprintOf(r, state.FailureLint)
	assert.Equal(t, "lint:1:E501", fp.String())
}

func TestExecuteFallsThroughToEphemeral(t *testing.T) {
	warm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Busy pod: readiness dropped during execution.
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer warm.Close()

	ephemeral := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/execute", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get(RequestIDHeader))
		var result Result
		result.Lint.Passed = true
		result.Security.Passed = true
		json.NewEncoder(w).Encode(result)
	}))
	defer ephemeral.Close()

	c := NewClient(Config{WarmPoolURL: warm.URL, EphemeralURL: ephemeral.URL}, nil, logging.Default())
	result, outcome, err := c.Execute(context.Background(), Request{Language: "python", Code: "print(1)"}, "req-1")

	require.NoError(t, err)
	assert.Equal(t, "ephemeral", outcome.Path)
	assert.Equal(t, 0, result.ExitCode)
}
