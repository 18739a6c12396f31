// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package contextpack

import (
	"regexp"

	"github.com/synesis-ai/synesis/services/engine/state"
)

// SanitizeAction selects what happens to a retrieved chunk that matches
// an injection pattern.
type SanitizeAction string

const (
	// ActionReduce redacts the matching span and keeps the chunk.
	ActionReduce SanitizeAction = "reduce"
	// ActionBlock drops the chunk entirely.
	ActionBlock SanitizeAction = "block"
	// ActionLog keeps the chunk untouched but records the hit.
	ActionLog SanitizeAction = "log"
)

const redactionMarker = "[REDACTED: possible prompt injection]"

// injectionPatterns are known prompt-injection phrasings found in
// retrieved content. Pinned chunks are never scanned: they are trusted
// directives by construction.
var injectionPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"ignore_previous", regexp.MustCompile(`(?i)(ignore|disregard|forget)\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions|directives|rules|context)`)},
	{"new_instructions", regexp.MustCompile(`(?i)your\s+new\s+(instructions|task|role)\s+(is|are)`)},
	{"role_tag", regexp.MustCompile(`(?i)<\|?(system|assistant|im_start|im_end)\|?>`)},
	{"template_injection", regexp.MustCompile(`\{\{[^}]*\}\}|\{%[^%]*%\}`)},
	{"exfiltrate", regexp.MustCompile(`(?i)(reveal|print|output)\s+(your\s+)?(system\s+prompt|hidden\s+instructions)`)},
}

// sanitizeChunk applies the configured action to one retrieved chunk.
//
// Returns the possibly-rewritten chunk, whether it survives, and the
// recorded actions (one per matched pattern).
func sanitizeChunk(c state.Chunk, action SanitizeAction) (state.Chunk, bool, []state.SanitizationAction) {
	var actions []state.SanitizationAction
	for _, p := range injectionPatterns {
		if !p.re.MatchString(c.Text) {
			continue
		}
		actions = append(actions, state.SanitizationAction{
			ChunkID: c.ID,
			Pattern: p.name,
			Action:  string(action),
		})
		switch action {
		case ActionBlock:
			return c, false, actions
		case ActionReduce:
			c.Text = p.re.ReplaceAllString(c.Text, redactionMarker)
		case ActionLog:
			// Retained as-is; the action record is the notice.
		}
	}
	return c, true, actions
}
