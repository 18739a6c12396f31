// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package revision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synesis-ai/synesis/services/engine/state"
	"github.com/synesis-ai/synesis/services/engine/strategy"
)

func failingState() *state.State {
	return &state.State{
		MaxIterations:           3,
		ExecutionExitCode:       1,
		ExecutionLintPassed:     true,
		ExecutionSecurityPassed: true,
		FailureType:             state.FailureRuntime,
	}
}

func TestSuccessVerdict(t *testing.T) {
	st := &state.State{
		ExecutionExitCode:       0,
		ExecutionLintPassed:     true,
		ExecutionSecurityPassed: true,
	}
	d := New().Evaluate(st, state.Fingerprint{})
	assert.Equal(t, VerdictSuccess, d.Verdict)
	assert.False(t, d.AdvanceIteration)
}

func TestNewFailureAdvancesIteration(t *testing.T) {
	st := failingState()
	fp := state.Fingerprint{Stage: "runtime", ExitCode: 1, Diagnostic: "NameError"}

	d := New().Evaluate(st, fp)
	require.Equal(t, VerdictRetry, d.Verdict)
	assert.True(t, d.AdvanceIteration)
	assert.True(t, d.NewFingerprint)
	assert.NotEmpty(t, d.NextStrategy.Name)

	New().Advance(st)
	assert.Equal(t, 1, st.IterationCount)
}

func TestSameFailureShortCircuits(t *testing.T) {
	st := failingState()
	fp := state.Fingerprint{Stage: "runtime", ExitCode: 1, Diagnostic: "NameError"}
	st.FailureIDsSeen = []state.Fingerprint{fp}

	d := New().Evaluate(st, fp)
	assert.Equal(t, VerdictSameFailure, d.Verdict)
	assert.False(t, d.AdvanceIteration)
	assert.False(t, d.NewFingerprint)
}

func TestIterationCapExhausts(t *testing.T) {
	st := failingState()
	st.IterationCount = 2 // next advance would hit MaxIterations=3

	d := New().Evaluate(st, state.Fingerprint{Stage: "runtime", ExitCode: 1, Diagnostic: "TypeError"})
	assert.Equal(t, VerdictExhausted, d.Verdict)
	assert.False(t, d.AdvanceIteration)
}

func TestHardAnchorViolationDoesNotAdvance(t *testing.T) {
	st := failingState()
	st.StagesPassed = []string{"lint"}
	st.ExecutionLintPassed = false // lint regressed this attempt
	st.RevisionStrategy = strategy.MinimalFix
	constraints := strategy.ConstraintsFor(strategy.MinimalFix)
	st.RevisionConstraints = &constraints

	d := New().Evaluate(st, state.Fingerprint{Stage: "lint", ExitCode: 1, Diagnostic: "E501"})
	require.Equal(t, VerdictViolation, d.Verdict)
	assert.False(t, d.AdvanceIteration)
	assert.Equal(t, "lint", d.RegressedStage)
	assert.Equal(t, strategy.MinimalFix, d.NextStrategy.Name)
}

func TestDeclaredRegressionDefersToCritic(t *testing.T) {
	st := failingState()
	st.StagesPassed = []string{"lint"}
	st.ExecutionLintPassed = false
	st.RevisionStrategy = strategy.MinimalFix
	constraints := strategy.ConstraintsFor(strategy.MinimalFix)
	st.RevisionConstraints = &constraints
	st.RegressionsIntended = []string{"lint"}
	st.RegressionJustification = "line-length rule conflicts with the generated SQL literal"

	d := New().Evaluate(st, state.Fingerprint{Stage: "lint", ExitCode: 1, Diagnostic: "E501"})
	require.Equal(t, VerdictRetry, d.Verdict)
	assert.True(t, d.RegressionWaived)
	assert.Equal(t, "lint", d.RegressedStage)
}

func TestStrategyExhaustionExcludesTried(t *testing.T) {
	st := failingState()
	st.RevisionStrategiesTried = []string{strategy.Refactor}

	d := New().Evaluate(st, state.Fingerprint{Stage: "runtime", ExitCode: 1, Diagnostic: "KeyError"})
	require.Equal(t, VerdictRetry, d.Verdict)
	assert.Equal(t, strategy.RevertAndPatch, d.NextStrategy.Name)
}
