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
	"github.com/synesis-ai/synesis/services/engine/classifier"
	"github.com/synesis-ai/synesis/services/engine/memory"
	"github.com/synesis-ai/synesis/services/engine/state"
)

// Entry classifies the incoming request and reconciles it with the
// user's conversational memory.
//
// Description:
//
//	Runs the keyword classifier on the latest user message, records the
//	turn in per-user memory, and detects language pivots. A pivot
//	flushes the prior era into a one-line summary which is injected as
//	a system message so later stages see the history without carrying
//	its full token weight.
type Entry struct {
	classifier *classifier.Classifier
	memory     *memory.Memory
	timeout    time.Duration
	log        *logging.Logger
}

// NewEntry builds the stage. memory may be nil (stateless deployments).
func NewEntry(c *classifier.Classifier, mem *memory.Memory, timeout time.Duration, log *logging.Logger) *Entry {
	return &Entry{classifier: c, memory: mem, timeout: timeout, log: log}
}

func (e *Entry) Name() string           { return NodeEntry }
func (e *Entry) Timeout() time.Duration { return e.timeout }

// Run implements Stage.
func (e *Entry) Run(ctx context.Context, st *state.State) (state.Delta, error) {
	var delta state.Delta
	content := st.LatestUserContent()

	res := e.classifier.Classify(content)

	delta.TaskSize = state.Ptr(res.TaskSize)
	delta.InteractionMode = state.Ptr(res.InteractionMode)
	delta.WorkerPromptTier = state.Ptr(res.WorkerPromptTier)
	delta.BypassSupervisor = state.Ptr(res.BypassSupervisor)
	delta.BypassPlanner = state.Ptr(res.BypassPlanner)
	delta.PlanRequired = state.Ptr(res.PlanRequired)
	delta.ClarificationBudget = state.Ptr(res.ClarificationBudget)
	delta.MessageOrigin = state.Ptr(res.MessageOrigin)
	delta.ActiveDomainRefs = res.ActiveDomainRefs
	delta.DefaultsUsed = res.DefaultsUsed
	delta.AllowedTools = res.AllowedTools

	if res.TaskDescription != "" {
		delta.TaskDescription = state.Ptr(res.TaskDescription)
	} else if st.TaskDescription == "" {
		delta.TaskDescription = state.Ptr(content)
	}
	if len(res.TouchedFiles) > 0 {
		delta.FilesTouched = res.TouchedFiles
		if res.TaskSize == state.SizeTrivial {
			// Trivial tasks skip the planner; synthesize the one-step plan
			// so the gate's scope allowlist still has a manifest.
			delta.Plan = &state.Plan{
				Steps:        []string{res.TaskDescription},
				TouchedFiles: res.TouchedFiles,
			}
		}
	}

	language := res.TargetLanguage
	if e.memory != nil {
		e.memory.Append(st.UserID, "user", content)
		if language == "" {
			// Sticky language: inherit the user's last one.
			language = e.memory.LastLanguage(st.UserID)
			if language != "" {
				delta.DefaultsUsed = append(delta.DefaultsUsed, "language_from_memory")
			}
		} else if e.memory.DetectPivot(st.UserID, language) {
			note := e.memory.FlushEra(ctx, st.UserID, language)
			if note != "" {
				delta.Messages = append(delta.Messages, state.Message{Role: "system", Content: note})
				delta.NodeTraces = append(delta.NodeTraces, state.Trace(NodeEntry, "language_pivot", language))
			}
		}
		if language != "" {
			e.memory.SetLanguage(st.UserID, language)
		}
	}
	if language != "" {
		delta.TargetLanguage = state.Ptr(language)
	}

	delta.NodeTraces = append(delta.NodeTraces,
		state.Trace(NodeEntry, "classified", string(res.TaskSize)+"/"+res.WorkerPromptTier))
	e.log.Debug("request classified",
		"run_id", st.RunID, "task_size", res.TaskSize, "language", language,
		"origin", res.MessageOrigin, "score", res.Score)
	return delta, nil
}
