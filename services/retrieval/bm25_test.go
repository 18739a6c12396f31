// Copyright (C) 2026 Synesis AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synesis-ai/synesis/pkg/logging"
	"github.com/synesis-ai/synesis/services/engine/contextpack"
)

func testCorpus() []Doc {
	return []Doc{
		{ID: "d1", Text: "retry logic with exponential backoff for http clients", Source: "docs/retry"},
		{ID: "d2", Text: "parsing yaml configuration files in python", Source: "docs/yaml"},
		{ID: "d3", Text: "http client connection pooling and keep-alive", Source: "docs/http"},
	}
}

func TestBM25RanksRelevantFirst(t *testing.T) {
	idx := NewBM25Index(func(context.Context) ([]Doc, error) {
		return testCorpus(), nil
	}, logging.Default())
	require.NoError(t, idx.Refresh(context.Background()))

	hits := idx.Query("exponential backoff retry", 3)
	require.NotEmpty(t, hits)
	assert.Equal(t, "d1", hits[0].Doc.ID)
}

func TestBM25EmptyBeforeFirstSnapshot(t *testing.T) {
	idx := NewBM25Index(func(context.Context) ([]Doc, error) {
		return testCorpus(), nil
	}, logging.Default())
	assert.Empty(t, idx.Query("anything", 3))
}

func TestBM25ServesPriorSnapshotOnRefreshFailure(t *testing.T) {
	fail := false
	idx := NewBM25Index(func(context.Context) ([]Doc, error) {
		if fail {
			return nil, assert.AnError
		}
		return testCorpus(), nil
	}, logging.Default())

	require.NoError(t, idx.Refresh(context.Background()))
	fail = true
	require.Error(t, idx.Refresh(context.Background()))

	// Prior snapshot still serves.
	assert.NotEmpty(t, idx.Query("yaml configuration", 3))
}

func TestFusePrefersAgreement(t *testing.T) {
	vector := []contextpack.Scored{
		{ID: "a", Text: "a", Score: 0.9},
		{ID: "b", Text: "b", Score: 0.8},
	}
	lexical := []Ranked{
		{Doc: Doc{ID: "b", Text: "b"}, Score: 5.0},
		{Doc: Doc{ID: "c", Text: "c"}, Score: 4.0},
	}

	fused := fuse(vector, lexical, 10)
	require.Len(t, fused, 3)
	// b appears in both rankings, so it fuses highest.
	assert.Equal(t, "b", fused[0].ID)
}

func TestFuseDeterministicTieBreak(t *testing.T) {
	vector := []contextpack.Scored{}
	lexical := []Ranked{
		{Doc: Doc{ID: "x"}, Score: 1.0},
		{Doc: Doc{ID: "y"}, Score: 1.0},
	}
	f1 := fuse(vector, lexical, 10)
	f2 := fuse(vector, lexical, 10)
	assert.Equal(t, f1, f2)
}
