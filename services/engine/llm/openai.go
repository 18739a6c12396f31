// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/synesis-ai/synesis/pkg/logging"
	"github.com/synesis-ai/synesis/services/engine/breaker"
)

var tracer = otel.Tracer("synesis.engine.llm")

// BackendConfig configures one OpenAI-compatible backend.
type BackendConfig struct {
	// BaseURL is the backend endpoint, e.g. http://vllm:8000/v1.
	// Empty means the OpenAI default.
	BaseURL string

	// APIKey is the bearer token. Local runtimes usually accept any value.
	APIKey string

	// RequestsPerSecond paces outbound calls. Zero disables pacing.
	RequestsPerSecond float64

	// Burst is the limiter burst size. Zero means 1.
	Burst int
}

// OpenAIClient talks to an OpenAI-compatible chat endpoint, pacing
// requests through a token-bucket limiter and guarding the backend
// with a circuit breaker.
//
// Thread Safety: safe for concurrent use.
type OpenAIClient struct {
	client  *openai.Client
	limiter *rate.Limiter
	breaker *breaker.Breaker
	log     *logging.Logger
}

// NewOpenAIClient builds a client for one backend.
//
// Inputs:
//   - config: backend endpoint and pacing.
//   - brk: circuit breaker for this backend; must not be nil.
//   - log: engine logger; must not be nil.
//
// Outputs:
//   - *OpenAIClient: ready to use client.
func NewOpenAIClient(config BackendConfig, brk *breaker.Breaker, log *logging.Logger) *OpenAIClient {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = "unused"
	}
	clientConfig := openai.DefaultConfig(apiKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}

	log.Info("initializing model backend",
		"base_url", clientConfig.BaseURL,
		"paced", limiter != nil)

	return &OpenAIClient{
		client:  openai.NewClientWithConfig(clientConfig),
		limiter: limiter,
		breaker: brk,
		log:     log,
	}
}

var _ Client = (*OpenAIClient)(nil)

// Chat implements Client.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, params Params) (Result, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Result{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	var resp openai.ChatCompletionResponse
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = c.client.CreateChatCompletion(ctx, req)
		return callErr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.log.Error("model call failed", "model", model, "error", err)
		return Result{}, fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		c.log.Warn("model returned no choices", "model", model)
		return Result{}, ErrNoChoices
	}
	choice := resp.Choices[0]
	if choice.Message.Content == "" {
		return Result{}, ErrEmptyResponse
	}

	c.log.Debug("model call completed",
		"model", model,
		"finish_reason", choice.FinishReason,
		"total_tokens", resp.Usage.TotalTokens)

	return Result{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}
