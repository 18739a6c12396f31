// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/synesis-ai/synesis/services/engine/state"
)

func TestSelectFirstUntried(t *testing.T) {
	tests := []struct {
		name    string
		failure state.FailureType
		tried   []string
		want    string
	}{
		{"lint fresh", state.FailureLint, nil, MinimalFix},
		{"lint after minimal_fix", state.FailureLint, []string{MinimalFix}, Refactor},
		{"security fresh", state.FailureSecurity, nil, SecurityFix},
		{"lsp fresh", state.FailureLSP, nil, LSPSymbolFirst},
		{"runtime fresh", state.FailureRuntime, nil, Refactor},
		{"spec mismatch fresh", state.FailureSpecMismatch, nil, SpecAlignmentFirst},
		{"unknown failure uses default", state.FailureType("weird"), nil, MinimalFix},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Select(tt.failure, tt.tried, 0, 3)
			assert.Equal(t, tt.want, got.Name)
		})
	}
}

func TestSelectAllTriedPicksTopWeighted(t *testing.T) {
	tried := []string{SecurityFix, MinimalFix, RevertAndPatch}
	got := Select(state.FailureSecurity, tried, 1, 5)
	assert.Equal(t, SecurityFix, got.Name)
}

func TestSelectLateIterationPrefersRefactor(t *testing.T) {
	// lint would normally pick minimal_fix, but on the last iteration
	// refactor wins when still untried.
	got := Select(state.FailureLint, nil, 2, 3)
	assert.Equal(t, Refactor, got.Name)

	// Even for failure kinds whose table lacks refactor.
	got = Select(state.FailureSecurity, nil, 2, 3)
	assert.Equal(t, Refactor, got.Name)

	// But not when refactor was already tried.
	got = Select(state.FailureLint, []string{Refactor}, 2, 3)
	assert.Equal(t, MinimalFix, got.Name)
}

func TestConstraintsTable(t *testing.T) {
	c := ConstraintsFor(MinimalFix)
	assert.Equal(t, 1, c.MaxFiles)
	assert.Equal(t, 30, c.MaxLOCDelta)
	assert.Contains(t, c.ForbiddenMoves, "extract_module")
	assert.Equal(t, AnchorHard, c.Anchor)

	c = ConstraintsFor(Refactor)
	assert.Equal(t, 5, c.MaxFiles)
	assert.Equal(t, 200, c.MaxLOCDelta)
	assert.Equal(t, AnchorSoft, c.Anchor)
	assert.Empty(t, c.PreserveStages)

	// Unknown strategies get the most restrictive set.
	c = ConstraintsFor("made_up")
	assert.Equal(t, 1, c.MaxFiles)
}

func TestMonotonicityHardAnchorViolation(t *testing.T) {
	st := &state.State{StagesPassed: []string{"lint"}}
	constraints := ConstraintsFor(MinimalFix)

	check := CheckMonotonicity(st, constraints, []string{"lint"})
	assert.True(t, check.Violated)
	assert.Equal(t, "lint", check.Stage)
	assert.False(t, check.WaivedByWorker)
}

func TestMonotonicityDeclaredRegressionWaived(t *testing.T) {
	st := &state.State{
		StagesPassed:            []string{"lint"},
		RegressionsIntended:     []string{"lint"},
		RegressionJustification: "temporary suppression while renaming module",
	}
	check := CheckMonotonicity(st, ConstraintsFor(MinimalFix), []string{"lint"})
	assert.False(t, check.Violated)
	assert.True(t, check.WaivedByWorker)
}

func TestMonotonicityDeclarationWithoutJustificationStillViolates(t *testing.T) {
	st := &state.State{
		StagesPassed:        []string{"lint"},
		RegressionsIntended: []string{"lint"},
	}
	check := CheckMonotonicity(st, ConstraintsFor(MinimalFix), []string{"lint"})
	assert.True(t, check.Violated)
}

func TestMonotonicityIgnoresNeverPassedStages(t *testing.T) {
	st := &state.State{}
	check := CheckMonotonicity(st, ConstraintsFor(MinimalFix), []string{"lint"})
	assert.False(t, check.Violated)
}

func TestMonotonicitySoftAnchorNoViolation(t *testing.T) {
	st := &state.State{StagesPassed: []string{"lint"}}
	check := CheckMonotonicity(st, ConstraintsFor(Refactor), []string{"lint"})
	// Refactor preserves nothing, so a lint regression is not tracked.
	assert.False(t, check.Violated)
	assert.Empty(t, check.Stage)
}
