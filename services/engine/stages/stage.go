// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stages implements the decision stages of the orchestration
// graph: supervisor, planner, curator, worker, critic, and the terminal
// respond stage.
//
// Every stage satisfies the same narrow interface — a name, a timeout,
// and one Run method returning a state delta. Routing between stages is
// the graph package's concern; stages never decide where control goes
// next, they only enrich the state.
package stages

import (
	"context"
	"time"

	"github.com/synesis-ai/synesis/services/engine/state"
)

// Stage node names, shared with the routing engine.
const (
	NodeEntry      = "entry"
	NodeSupervisor = "supervisor"
	NodePlanner    = "planner"
	NodeCurator    = "context_curator"
	NodeWorker     = "worker"
	NodeGate       = "integrity_gate"
	NodeLSP        = "lsp"
	NodeSandbox    = "sandbox"
	NodeCritic     = "critic"
	NodeRespond    = "respond"
)

// Stage is one node of the orchestration graph.
//
// Run must not mutate st; it returns a Delta the graph applies under
// the monotonic merge rule. Pure stages (no I/O) should ignore ctx.
type Stage interface {
	Name() string
	Timeout() time.Duration
	Run(ctx context.Context, st *state.State) (state.Delta, error)
}
