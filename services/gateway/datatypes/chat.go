// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the gateway's wire types. The chat surface
// is OpenAI-compatible so existing clients and IDE plugins work
// unchanged.
package datatypes

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	// MaxMessageContentBytes caps a single message's content.
	MaxMessageContentBytes = 32 * 1024

	// MaxMessagesPerRequest caps the conversation history per request.
	MaxMessagesPerRequest = 100
)

var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		// Byte length, not rune count: the limit defends memory, not
		// readability.
		return len(fl.Field().String()) <= MaxMessageContentBytes
	})
}

// ChatMessage is one conversation turn on the wire.
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required,maxbytes"`
}

// ChatRequest is the OpenAI-compatible completion request.
type ChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages" validate:"required,min=1,max=100,dive"`
	Stream   bool          `json:"stream"`

	// User carries an explicit caller identity; when empty the gateway
	// derives one from the bearer token.
	User string `json:"user,omitempty" validate:"omitempty,max=256"`

	Temperature *float32 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   *int     `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`

	// Retrieval carries per-request retrieval tuning (e.g. "top_k").
	Retrieval map[string]string `json:"retrieval,omitempty" validate:"omitempty,max=16"`
}

// Validate checks structural and size limits.
func (r *ChatRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid chat request: %w", err)
	}
	return nil
}

// LatestUserContent returns the most recent user turn, or "".
func (r *ChatRequest) LatestUserContent() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// ChatChoice is one completion choice.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatUsage reports token consumption.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the OpenAI-compatible completion response.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   ChatUsage    `json:"usage"`
}

// NewChatResponse builds a single-choice response.
func NewChatResponse(id, model, content, finishReason string, usage ChatUsage) ChatResponse {
	return ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatChoice{{
			Message:      ChatMessage{Role: "assistant", Content: content},
			FinishReason: finishReason,
		}},
		Usage: usage,
	}
}

// StreamDelta is the incremental content of one streaming chunk.
type StreamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// StreamChoice is one choice of a streaming chunk.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

// StreamChunk is one OpenAI-compatible streaming chunk.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
}

// NewStreamChunk builds a content chunk.
func NewStreamChunk(id, model, content string) StreamChunk {
	return StreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []StreamChoice{{Delta: StreamDelta{Content: content}}},
	}
}

// StatusEvent is the out-of-band progress event emitted while the
// pipeline works. Sent as SSE "event: status" frames.
type StatusEvent struct {
	Type    string `json:"type"`
	Node    string `json:"node,omitempty"`
	Message string `json:"message"`
}

// ErrorResponse is the error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the error body.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// NewErrorResponse builds an error envelope.
func NewErrorResponse(message, errType, code string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Message: message, Type: errType, Code: code}}
}

// Model is one entry of the model listing.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the /v1/models response.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
