// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package classifier

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synesis-ai/synesis/services/engine/state"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func TestTrivialHelloWorld(t *testing.T) {
	c := New(nil, testLogger())
	res := c.Classify("hello world in python")

	assert.Equal(t, state.SizeTrivial, res.TaskSize)
	assert.Equal(t, "python", res.TargetLanguage)
	assert.True(t, res.BypassSupervisor)
	assert.True(t, res.BypassPlanner)
	assert.Equal(t, "lite", res.WorkerPromptTier)
	assert.Equal(t, 0, res.ClarificationBudget, "trivial clarification budget is hard-fenced to zero")
	assert.Equal(t, "hello world in python", res.TaskDescription)
	require.NotEmpty(t, res.TouchedFiles)
	assert.Equal(t, "main.py", res.TouchedFiles[0])
}

func TestTrivialTestRequestSeedsTestFile(t *testing.T) {
	c := New(nil, testLogger())
	res := c.Classify("hello world test in python")
	require.NotEmpty(t, res.TouchedFiles)
	assert.Equal(t, "test_main.py", res.TouchedFiles[0])
}

func TestUIHelperClassifiedAway(t *testing.T) {
	c := New(nil, testLogger())
	res := c.Classify("Suggest 3-5 relevant follow-up questions")
	assert.Equal(t, "ui_helper", res.MessageOrigin)
}

func TestForceManualOverride(t *testing.T) {
	c := New(nil, testLogger())
	res := c.Classify("[STRICT] add a hello world script")

	assert.Equal(t, state.SizeComplex, res.TaskSize)
	assert.Equal(t, saturatedScore, res.Score)
	assert.False(t, res.BypassSupervisor)
	assert.True(t, res.PlanRequired)
}

func TestForceTeachSetsMode(t *testing.T) {
	c := New(nil, testLogger())
	res := c.Classify("teach me how to fix this bug in my python script")
	assert.Equal(t, state.ModeTeach, res.InteractionMode)
}

func TestPairingAttributesDomain(t *testing.T) {
	c := New(nil, testLogger())
	res := c.Classify("migrate the cluster config so each pod mounts the new auth volume")
	assert.Contains(t, res.ActiveDomainRefs, "kubernetes")
	assert.Equal(t, state.SizeComplex, res.TaskSize)
}

func TestDensityTaxPushesScoreUp(t *testing.T) {
	c := New(nil, testLogger())
	sparse := c.Classify("fix the bug")
	dense := c.Classify("fix the auth bug in the kubernetes deploy and migrate the schema")
	assert.Greater(t, dense.Score, sparse.Score)
	assert.GreaterOrEqual(t, len(dense.CategoriesFired), 3)
}

func TestLanguageDetectionSpecificBeforeGeneral(t *testing.T) {
	c := New(nil, testLogger())
	tests := []struct {
		content string
		want    string
	}{
		{"write a typescript helper", "typescript"},
		{"write a javascript helper", "javascript"},
		{"a small rust cli", "rust"},
		{"quick python script", "python"},
		{"no language mentioned", ""},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.content).TargetLanguage)
		})
	}
}

func TestMalformedConfigFallsBack(t *testing.T) {
	c := NewFromYAML([]byte("categories: [not, a, map"), testLogger())
	require.NotNil(t, c)
	res := c.Classify("hello world in python")
	assert.Equal(t, state.SizeTrivial, res.TaskSize)
}

func TestPluginMergeRules(t *testing.T) {
	core := DefaultConfig()
	overlay, err := ParseConfig([]byte(`
categories:
  infra:
    weight: 40
    patterns: ["kubernetes"]
  healthcare:
    weight: 35
    patterns: ["\\bpatient\\b", "\\bhipaa\\b"]
pairings:
  - {first: "patient", second: "export", multiplier: 2.0, domain: "healthcare"}
overrides:
  force_manual: ["[AUDIT]"]
thresholds:
  small_max: 30
`))
	require.NoError(t, err)

	merged := core.Merge(overlay)

	// Weights update by key, later wins.
	assert.Equal(t, 40.0, merged.Categories["infra"].Weight)
	// New categories appear.
	assert.Contains(t, merged.Categories, "healthcare")
	// Pairings append.
	assert.Len(t, merged.Pairings, len(core.Pairings)+1)
	// Override lists merge.
	assert.Contains(t, merged.Overrides.ForceManual, "[STRICT]")
	assert.Contains(t, merged.Overrides.ForceManual, "[AUDIT]")
	// Thresholds override last-wins.
	assert.Equal(t, 30.0, merged.Thresholds.SmallMax)
	assert.Equal(t, core.Thresholds.TrivialMax, merged.Thresholds.TrivialMax)

	// Hard fence survives any overlay: trivial tasks still get no questions.
	c := New(merged, testLogger())
	res := c.Classify("hello world in python")
	assert.Equal(t, 0, res.ClarificationBudget)
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := New(nil, testLogger())
	a := c.Classify("refactor the auth module across packages")
	b := c.Classify("refactor the auth module across packages")
	assert.Equal(t, a, b)
}
