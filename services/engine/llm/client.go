// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm provides the model client used by the engine stages.
// All backends speak the OpenAI-compatible chat API; local runtimes
// (vLLM, Ollama, llama.cpp server) are addressed by base URL.
package llm

import (
	"context"
	"errors"
)

// ErrNoChoices is returned when a backend replies without any choices.
var ErrNoChoices = errors.New("llm: backend returned no choices")

// ErrEmptyResponse is returned when the chosen completion has no content.
var ErrEmptyResponse = errors.New("llm: backend returned empty content")

// Message is a single chat turn sent to a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Params are per-call generation parameters. Nil fields use the
// backend's defaults.
type Params struct {
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// Usage reports token consumption for a single call, used by the
// revision controller's budget accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is a completed chat call.
type Result struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// Client is the interface every stage talks to. Implementations must be
// safe for concurrent use.
type Client interface {
	Chat(ctx context.Context, model string, messages []Message, params Params) (Result, error)
}
