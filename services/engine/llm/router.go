// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import "github.com/synesis-ai/synesis/services/engine/state"

// Role names the engine stages that call a model.
type Role string

const (
	RoleSupervisorStage Role = "supervisor"
	RolePlannerStage    Role = "planner"
	RoleWorkerStage     Role = "worker"
	RoleCriticStage     Role = "critic"
	RoleRespondStage    Role = "respond"
	RoleSummarizer      Role = "summarizer"
)

// ModelTable maps stage roles to model names. Worker entries are keyed
// by prompt tier because trivial tasks run a cheaper model than complex
// ones.
type ModelTable struct {
	Supervisor     string `yaml:"supervisor"`
	Planner        string `yaml:"planner"`
	WorkerLite     string `yaml:"worker_lite"`
	WorkerStandard string `yaml:"worker_standard"`
	WorkerFull     string `yaml:"worker_full"`
	Critic         string `yaml:"critic"`
	Respond        string `yaml:"respond"`
	Summarizer     string `yaml:"summarizer"`

	// Default is used when a role entry is empty.
	Default string `yaml:"default"`
}

// Router resolves the model for a stage call from the task's
// classification.
type Router struct {
	table ModelTable
}

// NewRouter builds a router over a model table.
func NewRouter(table ModelTable) *Router {
	if table.Default == "" {
		table.Default = "gpt-4o-mini"
	}
	return &Router{table: table}
}

// ModelFor returns the model name for a role, taking the worker prompt
// tier into account.
func (r *Router) ModelFor(role Role, st *state.State) string {
	var model string
	switch role {
	case RoleSupervisorStage:
		model = r.table.Supervisor
	case RolePlannerStage:
		model = r.table.Planner
	case RoleWorkerStage:
		model = r.workerModel(st)
	case RoleCriticStage:
		model = r.table.Critic
	case RoleRespondStage:
		model = r.table.Respond
	case RoleSummarizer:
		model = r.table.Summarizer
	}
	if model == "" {
		model = r.table.Default
	}
	return model
}

func (r *Router) workerModel(st *state.State) string {
	tier := ""
	if st != nil {
		tier = st.WorkerPromptTier
	}
	switch tier {
	case "lite":
		return r.table.WorkerLite
	case "full":
		return r.table.WorkerFull
	default:
		return r.table.WorkerStandard
	}
}
