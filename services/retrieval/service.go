// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/synesis-ai/synesis/pkg/logging"
	"github.com/synesis-ai/synesis/services/engine/contextpack"
)

var tracer = otel.Tracer("synesis.retrieval")

// Weaviate collections. The catalog holds the indexed corpus; the
// backlog records low-confidence queries for the knowledge team.
const (
	CatalogClassName = "SynesisCatalog"
	BacklogClassName = "SynesisKnowledgeBacklog"
)

// rrfK is the reciprocal-rank-fusion damping constant.
const rrfK = 60

// ServiceConfig tunes the retrieval service.
type ServiceConfig struct {
	// LowConfidence marks a query for the knowledge backlog when the
	// best fused hit scores below it.
	LowConfidence float64

	// StandardsSource is the indexer_source value tagging Tier 2
	// architecture-standards chunks.
	StandardsSource string
}

// DefaultServiceConfig returns production defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		LowConfidence:   0.3,
		StandardsSource: "architecture-standards",
	}
}

// Service fronts the vector store, the embeddings/rerank services, and
// the BM25 snapshot. It implements contextpack.Retriever.
//
// Thread Safety: safe for concurrent use.
type Service struct {
	config ServiceConfig
	client *weaviate.Client
	emb    *EmbeddingsClient
	bm25   *BM25Index
	log    *logging.Logger
}

// NewService wires the retrieval stack. client may be nil for degraded
// (BM25-only) operation.
func NewService(config ServiceConfig, client *weaviate.Client, emb *EmbeddingsClient, log *logging.Logger) *Service {
	if config.LowConfidence <= 0 {
		config.LowConfidence = DefaultServiceConfig().LowConfidence
	}
	if config.StandardsSource == "" {
		config.StandardsSource = DefaultServiceConfig().StandardsSource
	}
	s := &Service{config: config, client: client, emb: emb, log: log}
	s.bm25 = NewBM25Index(s.loadCorpus, log)
	return s
}

// BM25 exposes the lexical index so the process can start its refresh
// loop.
func (s *Service) BM25() *BM25Index { return s.bm25 }

// Retrieve implements contextpack.Retriever.
//
// Description:
//
//	Runs the vector query and the BM25 query, fuses them with
//	reciprocal-rank fusion, and (when a reranker is configured)
//	replaces the fusion score with the rerank score. A vector-path
//	failure degrades to BM25-only results. Low-confidence queries are
//	recorded in the knowledge backlog, best-effort.
func (s *Service) Retrieve(ctx context.Context, query string, fetchK int) ([]contextpack.Scored, error) {
	ctx, span := tracer.Start(ctx, "Retrieval.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.Int("retrieval.fetch_k", fetchK))

	vector, vecErr := s.vectorQuery(ctx, query, fetchK, "")
	if vecErr != nil {
		s.log.Warn("vector retrieval failed, degrading to bm25", "error", vecErr)
	}
	lexical := s.bm25.Query(query, fetchK)

	if vecErr != nil && len(lexical) == 0 {
		return nil, fmt.Errorf("retrieval unavailable: %w", vecErr)
	}

	fused := fuse(vector, lexical, fetchK)

	if s.emb != nil && s.emb.RerankEnabled() && len(fused) > 0 {
		if err := s.rerank(ctx, query, fused); err != nil {
			s.log.Warn("rerank failed, keeping fusion scores", "error", err)
		}
	}

	if len(fused) == 0 || fused[0].Score < s.config.LowConfidence {
		s.recordBacklog(ctx, query)
	}
	return fused, nil
}

// Standards implements contextpack.Retriever for Tier 2 chunks.
func (s *Service) Standards(ctx context.Context, query string, limit int) ([]contextpack.Scored, error) {
	ctx, span := tracer.Start(ctx, "Retrieval.Standards")
	defer span.End()
	return s.vectorQuery(ctx, query, limit, s.config.StandardsSource)
}

// vectorQuery embeds the query and searches the catalog, optionally
// filtered by indexer_source.
func (s *Service) vectorQuery(ctx context.Context, query string, limit int, indexerSource string) ([]contextpack.Scored, error) {
	if s.client == nil || s.emb == nil {
		return nil, fmt.Errorf("vector store not configured")
	}
	vec, err := s.emb.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	builder := s.client.GraphQL().Get().
		WithClassName(CatalogClassName).
		WithFields(
			graphql.Field{Name: "chunk_id"},
			graphql.Field{Name: "text"},
			graphql.Field{Name: "source"},
			graphql.Field{Name: "_additional { certainty }"},
		).
		WithNearVector(s.client.GraphQL().NearVectorArgBuilder().WithVector(vec)).
		WithLimit(limit)

	if indexerSource != "" {
		builder = builder.WithWhere(filters.Where().
			WithPath([]string{"indexer_source"}).
			WithOperator(filters.Equal).
			WithValueString(indexerSource))
	}

	result, err := builder.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog query: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("catalog query: %s", result.Errors[0].Message)
	}
	return parseCatalog(result), nil
}

// rerank replaces fusion scores with reranker scores in place.
func (s *Service) rerank(ctx context.Context, query string, hits []contextpack.Scored) error {
	passages := make([]string, len(hits))
	for i, h := range hits {
		passages[i] = h.Text
	}
	scores, err := s.emb.Rerank(ctx, query, passages)
	if err != nil {
		return err
	}
	for i := range hits {
		hits[i].Score = scores[i]
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	return nil
}

// fuse merges vector and lexical rankings with reciprocal-rank fusion.
func fuse(vector []contextpack.Scored, lexical []Ranked, limit int) []contextpack.Scored {
	type entry struct {
		scored contextpack.Scored
		score  float64
	}
	merged := make(map[string]*entry)

	for rank, v := range vector {
		merged[v.ID] = &entry{scored: v, score: 1.0 / float64(rrfK+rank+1)}
	}
	for rank, l := range lexical {
		contribution := 1.0 / float64(rrfK+rank+1)
		if e, ok := merged[l.Doc.ID]; ok {
			e.score += contribution
			continue
		}
		merged[l.Doc.ID] = &entry{
			scored: contextpack.Scored{ID: l.Doc.ID, Text: l.Doc.Text, Source: l.Doc.Source},
			score:  contribution,
		}
	}

	out := make([]contextpack.Scored, 0, len(merged))
	for _, e := range merged {
		e.scored.Score = e.score * float64(rrfK) // normalize toward [0,1]
		out = append(out, e.scored)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// loadCorpus feeds the BM25 snapshot from the catalog.
func (s *Service) loadCorpus(ctx context.Context) ([]Doc, error) {
	if s.client == nil {
		return nil, fmt.Errorf("vector store not configured")
	}
	result, err := s.client.GraphQL().Get().
		WithClassName(CatalogClassName).
		WithFields(
			graphql.Field{Name: "chunk_id"},
			graphql.Field{Name: "text"},
			graphql.Field{Name: "source"},
		).
		WithLimit(5000).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("corpus load: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("corpus load: %s", result.Errors[0].Message)
	}

	hits := parseCatalog(result)
	docs := make([]Doc, 0, len(hits))
	for _, h := range hits {
		docs = append(docs, Doc{ID: h.ID, Text: h.Text, Source: h.Source})
	}
	return docs, nil
}

// recordBacklog stores a low-confidence query for the knowledge team.
func (s *Service) recordBacklog(ctx context.Context, query string) {
	if s.client == nil {
		return
	}
	_, err := s.client.Data().Creator().
		WithClassName(BacklogClassName).
		WithProperties(map[string]interface{}{
			"query":       query,
			"recorded_at": time.Now().UnixMilli(),
		}).
		Do(ctx)
	if err != nil {
		s.log.Debug("knowledge backlog write failed", "error", err)
	}
}

func parseCatalog(result *models.GraphQLResponse) []contextpack.Scored {
	get, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	rows, ok := get[CatalogClassName].([]interface{})
	if !ok {
		return nil
	}

	var out []contextpack.Scored
	for _, row := range rows {
		props, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		var h contextpack.Scored
		h.ID, _ = props["chunk_id"].(string)
		h.Text, _ = props["text"].(string)
		h.Source, _ = props["source"].(string)
		if add, ok := props["_additional"].(map[string]interface{}); ok {
			h.Score, _ = add["certainty"].(float64)
		}
		out = append(out, h)
	}
	return out
}
