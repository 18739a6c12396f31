// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval provides the engine's access to the retrieval
// corpus: an embeddings service, an optional reranker, the weaviate
// catalog, and a BM25 snapshot that serves as the lexical half of rank
// fusion and the fallback when the vector path is down.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/synesis-ai/synesis/services/engine/breaker"
)

// ErrNoEmbedding is returned when the service replies without data.
var ErrNoEmbedding = errors.New("retrieval: embeddings response empty")

// RequestIDHeader correlates tool invocations across service logs.
const RequestIDHeader = "X-Synesis-Request-ID"

// EmbeddingsConfig locates the embeddings and rerank endpoints.
type EmbeddingsConfig struct {
	// EmbeddingsURL is the base URL serving POST /embeddings.
	EmbeddingsURL string

	// RerankURL is the base URL serving POST /rerank. Empty disables
	// reranking; ranking falls back to rank fusion.
	RerankURL string

	Timeout time.Duration
}

// EmbeddingsClient calls the embedding and rerank services.
//
// Thread Safety: safe for concurrent use.
type EmbeddingsClient struct {
	config EmbeddingsConfig
	http   *http.Client
	embBrk *breaker.Breaker
	rrkBrk *breaker.Breaker
}

// NewEmbeddingsClient creates a client. breakers must not be nil.
func NewEmbeddingsClient(config EmbeddingsConfig, httpClient *http.Client, breakers *breaker.Registry) *EmbeddingsClient {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	return &EmbeddingsClient{
		config: config,
		http:   httpClient,
		embBrk: breakers.For("embeddings"),
		rrkBrk: breakers.For("reranker"),
	}
}

// Embed returns the vector for one text.
func (c *EmbeddingsClient) Embed(ctx context.Context, text string) ([]float32, error) {
	var vector []float32
	err := c.embBrk.Do(ctx, func(ctx context.Context) error {
		body, _ := json.Marshal(map[string]interface{}{"input": text})
		var resp struct {
			Data []struct {
				Embedding []float32 `json:"embedding"`
			} `json:"data"`
		}
		if err := c.post(ctx, c.config.EmbeddingsURL+"/embeddings", body, &resp); err != nil {
			return err
		}
		if len(resp.Data) == 0 {
			return ErrNoEmbedding
		}
		vector = resp.Data[0].Embedding
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return vector, nil
}

// RerankEnabled reports whether a reranker endpoint is configured.
func (c *EmbeddingsClient) RerankEnabled() bool { return c.config.RerankURL != "" }

// Rerank scores passages against the query, one score per passage in
// input order.
func (c *EmbeddingsClient) Rerank(ctx context.Context, query string, passages []string) ([]float64, error) {
	if !c.RerankEnabled() {
		return nil, errors.New("retrieval: reranker not configured")
	}
	var scores []float64
	err := c.rrkBrk.Do(ctx, func(ctx context.Context) error {
		body, _ := json.Marshal(map[string]interface{}{
			"query":    query,
			"passages": passages,
		})
		var resp struct {
			Scores []float64 `json:"scores"`
		}
		if err := c.post(ctx, c.config.RerankURL+"/rerank", body, &resp); err != nil {
			return err
		}
		if len(resp.Scores) != len(passages) {
			return fmt.Errorf("reranker returned %d scores for %d passages", len(resp.Scores), len(passages))
		}
		scores = resp.Scores
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}
	return scores, nil
}

func (c *EmbeddingsClient) post(ctx context.Context, url string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, string(data))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
