// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/synesis-ai/synesis/services/engine/llm"
	"github.com/synesis-ai/synesis/services/engine/memory"
)

const summarizerPrompt = `Condense this conversation into ONE sentence capturing what
was built and any decisions that still matter. Plain text, no preamble.`

// EraSummarizer condenses a flushed conversation era with the cheap
// summarizer model. Satisfies memory.Summarizer.
type EraSummarizer struct {
	client llm.Client
	router *llm.Router
}

// NewEraSummarizer builds the summarizer.
func NewEraSummarizer(client llm.Client, router *llm.Router) *EraSummarizer {
	return &EraSummarizer{client: client, router: router}
}

// Summarize implements memory.Summarizer.
func (e *EraSummarizer) Summarize(ctx context.Context, turns []memory.Turn) (string, error) {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	result, err := e.client.Chat(ctx, e.router.ModelFor(llm.RoleSummarizer, nil), []llm.Message{
		{Role: llm.RoleSystem, Content: summarizerPrompt},
		{Role: llm.RoleUser, Content: b.String()},
	}, llm.Params{})
	if err != nil {
		return "", fmt.Errorf("era summary: %w", err)
	}
	return strings.TrimSpace(result.Content), nil
}
