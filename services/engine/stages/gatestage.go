// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stages

import (
	"context"
	"time"

	"github.com/synesis-ai/synesis/pkg/logging"
	"github.com/synesis-ai/synesis/services/engine/gate"
	"github.com/synesis-ai/synesis/services/engine/state"
)

// GateStage runs the deterministic integrity checks between generation
// and execution. No model calls; rejection feeds remediation text back
// to the worker through the state.
type GateStage struct {
	gate    *gate.Gate
	timeout time.Duration
	log     *logging.Logger
}

// NewGateStage builds the stage.
func NewGateStage(g *gate.Gate, timeout time.Duration, log *logging.Logger) *GateStage {
	return &GateStage{gate: g, timeout: timeout, log: log}
}

func (g *GateStage) Name() string           { return NodeGate }
func (g *GateStage) Timeout() time.Duration { return g.timeout }

// Run implements Stage.
func (g *GateStage) Run(_ context.Context, st *state.State) (state.Delta, error) {
	var delta state.Delta

	if failure := g.gate.Check(st); failure != nil {
		delta.GateFailureCategory = state.Ptr(failure.Category)
		delta.GateRemediation = state.Ptr(failure.Remediation)
		delta.FailureType = state.Ptr(state.FailureIntegrityGate)
		delta.NodeTraces = append(delta.NodeTraces,
			state.Trace(NodeGate, "rejected", failure.Category+": "+failure.Evidence))
		g.log.Warn("integrity gate rejected attempt",
			"run_id", st.RunID, "iteration", st.IterationCount,
			"category", failure.Category, "evidence", failure.Evidence)
		return delta, nil
	}

	// Clear any remediation from a prior rejected attempt.
	delta.GateFailureCategory = state.Ptr("")
	delta.GateRemediation = state.Ptr("")
	delta.StagesPassed = []string{"integrity_gate"}
	delta.NodeTraces = append(delta.NodeTraces, state.Trace(NodeGate, "passed", ""))
	return delta, nil
}
