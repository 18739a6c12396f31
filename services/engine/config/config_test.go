// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	cfg.enforceFences()
	require.NoError(t, cfg.Validate())
}

func TestHierarchyOrgThenProjectThenEnv(t *testing.T) {
	dir := t.TempDir()
	org := filepath.Join(dir, "org.yaml")
	project := filepath.Join(dir, "project.yaml")

	require.NoError(t, os.WriteFile(org, []byte(
		"budgets:\n  max_iterations: 5\ncontext:\n  top_k: 10\n"), 0o644))
	require.NoError(t, os.WriteFile(project, []byte(
		"context:\n  top_k: 4\n"), 0o644))

	t.Setenv(EnvPrefix+"ORG_DEFAULTS", org)
	t.Setenv(EnvPrefix+"PROJECT_MANIFEST", project)
	t.Setenv(EnvPrefix+"MAX_ITERATIONS", "7")

	cfg, err := Load()
	require.NoError(t, err)

	// Env beats project beats org beats default.
	assert.Equal(t, 7, cfg.Budgets.MaxIterations)
	assert.Equal(t, 4, cfg.Context.TopK)
	// Untouched keys keep defaults.
	assert.Equal(t, 24000, cfg.Context.CharBudget)
	// Project YAML doubles as the Tier 3 manifest text.
	assert.Contains(t, cfg.Context.ProjectManifest, "top_k: 4")
}

func TestMissingOverlayIsNotAnError(t *testing.T) {
	t.Setenv(EnvPrefix+"ORG_DEFAULTS", "/nonexistent/org.yaml")
	_, err := Load()
	assert.NoError(t, err)
}

func TestMalformedOverlayFails(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("budgets: [not a map"), 0o644))
	t.Setenv(EnvPrefix+"ORG_DEFAULTS", bad)

	_, err := Load()
	assert.Error(t, err)
}

func TestHardFencesSurviveOverrides(t *testing.T) {
	cfg := Default()
	cfg.Fences.AllowQuestionsForTrivial = true
	cfg.Fences.SandboxNetworkEnabled = true
	cfg.enforceFences()
	assert.False(t, cfg.Fences.AllowQuestionsForTrivial)
	assert.False(t, cfg.Fences.SandboxNetworkEnabled)
}
