// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package failcache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/synesis-ai/synesis/pkg/logging"
	"github.com/synesis-ai/synesis/services/engine/state"
)

// FailuresClassName is the weaviate collection for long-term failure
// vectors.
const FailuresClassName = "Failures_v1"

// Embedder produces the vector for a failure's (code + error) text.
// Implemented by the retrieval service's embeddings client.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// FailureRecord is one persisted failure.
type FailureRecord struct {
	FailureID       string `json:"failure_id"`
	Code            string `json:"code"`
	ErrorOutput     string `json:"error_output"`
	ExitCode        int    `json:"exit_code"`
	ErrorType       string `json:"error_type"`
	Language        string `json:"language"`
	TaskDescription string `json:"task_description"`
	Resolution      string `json:"resolution,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

// Analogous is one similarity hit returned before generation.
type Analogous struct {
	FailureRecord
	Certainty float64 `json:"certainty"`
}

// Store is the vector-indexed long-term failure cache.
//
// Thread Safety: safe for concurrent use; the weaviate client pools
// connections internally.
type Store struct {
	client   *weaviate.Client
	embedder Embedder
	log      *logging.Logger
}

// NewStore creates a Store. Either argument may be nil, which disables
// the store (lookups return empty, saves are dropped) so the engine
// degrades instead of failing when retrieval infrastructure is absent.
func NewStore(client *weaviate.Client, embedder Embedder, log *logging.Logger) *Store {
	return &Store{client: client, embedder: embedder, log: log}
}

func (s *Store) enabled() bool { return s.client != nil && s.embedder != nil }

// Save persists a failure with its embedding. Best-effort: persistence
// problems are logged and never fail a traversal.
func (s *Store) Save(ctx context.Context, record FailureRecord) {
	if !s.enabled() {
		return
	}
	if record.FailureID == "" {
		record.FailureID = uuid.NewString()
	}
	if record.Timestamp == 0 {
		record.Timestamp = time.Now().UnixMilli()
	}

	vector, err := s.embedder.Embed(ctx, record.Code+"\n"+record.ErrorOutput)
	if err != nil {
		s.log.Warn("failure embedding failed, record dropped",
			"failure_id", record.FailureID, "error", err)
		return
	}

	_, err = s.client.Data().Creator().
		WithClassName(FailuresClassName).
		WithProperties(map[string]interface{}{
			"failure_id":       record.FailureID,
			"code":             record.Code,
			"error_output":     record.ErrorOutput,
			"exit_code":        record.ExitCode,
			"error_type":       record.ErrorType,
			"language":         record.Language,
			"task_description": record.TaskDescription,
			"resolution":       record.Resolution,
			"timestamp":        record.Timestamp,
		}).
		WithVector(vector).
		Do(ctx)
	if err != nil {
		s.log.Warn("failure record persist failed",
			"failure_id", record.FailureID, "error", err)
		return
	}
	s.log.Debug("failure record persisted", "failure_id", record.FailureID)
}

// SaveFromState derives and persists the failure record for a finished
// failing attempt.
func (s *Store) SaveFromState(ctx context.Context, st *state.State) {
	if st.ExecutionResult == nil {
		return
	}
	s.Save(ctx, FailureRecord{
		Code:            st.GeneratedCode,
		ErrorOutput:     st.ExecutionResult.Execution.Output,
		ExitCode:        st.ExecutionExitCode,
		ErrorType:       string(st.FailureType),
		Language:        st.TargetLanguage,
		TaskDescription: st.TaskDescription,
	})
}

// FindAnalogous returns past failures similar to the given code+error
// text, across users. Queried before generation to surface analogous
// mistakes.
func (s *Store) FindAnalogous(ctx context.Context, text string, limit int) ([]Analogous, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 3
	}

	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	result, err := s.client.GraphQL().Get().
		WithClassName(FailuresClassName).
		WithFields(
			graphql.Field{Name: "failure_id"},
			graphql.Field{Name: "code"},
			graphql.Field{Name: "error_output"},
			graphql.Field{Name: "error_type"},
			graphql.Field{Name: "language"},
			graphql.Field{Name: "task_description"},
			graphql.Field{Name: "resolution"},
			graphql.Field{Name: "_additional { certainty }"},
		).
		WithNearVector(nearVector).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failure similarity search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("failure similarity search: %s", result.Errors[0].Message)
	}

	return parseAnalogous(result), nil
}

// parseAnalogous walks the GraphQL response shape
// {Get: {Failures_v1: [{...}]}}.
func parseAnalogous(result *models.GraphQLResponse) []Analogous {
	get, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	rows, ok := get[FailuresClassName].([]interface{})
	if !ok {
		return nil
	}

	var out []Analogous
	for _, row := range rows {
		props, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		a := Analogous{}
		a.FailureID, _ = props["failure_id"].(string)
		a.Code, _ = props["code"].(string)
		a.ErrorOutput, _ = props["error_output"].(string)
		a.ErrorType, _ = props["error_type"].(string)
		a.Language, _ = props["language"].(string)
		a.TaskDescription, _ = props["task_description"].(string)
		a.Resolution, _ = props["resolution"].(string)
		if add, ok := props["_additional"].(map[string]interface{}); ok {
			a.Certainty, _ = add["certainty"].(float64)
		}
		out = append(out, a)
	}
	return out
}
